package router

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/eventcore/eventcore/internal/logclient"
	"github.com/eventcore/eventcore/internal/logger"
	"github.com/eventcore/eventcore/internal/testfake"
	"github.com/eventcore/eventcore/pkg/eventcore/model"
)

// TestRouteProducesToFakeCluster is a real-broker integration test: unlike
// every other test in this package, its RegionCreator wires a real kgo
// producer against an in-process kfake.Cluster instead of the hand-rolled
// fakeSink, and the assertion reads the record back off the broker. This
// catches anything a synchronous in-memory fakeSink can't: partition
// assignment actually agreeing between the router's partitioner and what
// lands on the wire.
func TestRouteProducesToFakeCluster(t *testing.T) {
	cluster, err := testfake.New()
	if err != nil {
		t.Fatalf("testfake.New: %v", err)
	}
	defer cluster.Close()

	const topic = "orders-integration"
	const numPartitions = int32(4)

	creator := func(partition uint32) (func(msg any) error, <-chan struct{}) {
		done := make(chan struct{})
		cl, err := cluster.NewClient(kgo.RecordPartitioner(kgo.ManualPartitioner()), kgo.AllowAutoTopicCreation())
		if err != nil {
			close(done)
			return func(any) error { return err }, done
		}
		producer := logclient.NewKgoNonTransactionalProducer(cl)
		sink := func(msg any) error {
			cmd, ok := msg.(testCommand)
			if !ok {
				return fmt.Errorf("router integration test: unexpected message type %T", msg)
			}
			_, err := producer.ProduceSync(context.Background(), logclient.Record{
				Topic:     topic,
				Partition: int32(partition),
				Key:       cmd.entityID,
				Value:     []byte(cmd.entityID),
			})
			return err
		}
		return sink, done
	}

	self := model.HostPort{Host: "localhost", Port: 9000}
	cfg := Config{Self: self, Topic: topic, NumPartitions: numPartitions}
	r := New(cfg, extractTestEntity, creator, func(any) {}, logger.Nop{}, nil)

	tracker := newStaticTracker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, tracker)
	defer r.Stop()

	parts := make([]uint32, numPartitions)
	for i := range parts {
		parts[i] = uint32(i)
	}
	tracker.ch <- model.NewPartitionAssignments(topic, map[model.HostPort][]uint32{self: parts})
	waitForRegionCount(t, r, int(numPartitions))

	entityID := "integration-order-7"
	routeCtx, routeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer routeCancel()
	if err := r.Route(routeCtx, testCommand{entityID: entityID}); err != nil {
		t.Fatalf("Route: %v", err)
	}

	partitioner := logclient.NewPartitioner(numPartitions)
	wantPartition, ok := partitioner.ForKey(entityID)
	if !ok {
		t.Fatalf("partitioner returned no partition for %q", entityID)
	}

	consumeCl, err := cluster.NewClient(kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
		topic: {wantPartition: kgo.NewOffset().AtStart()},
	}))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer consumeCl.Close()

	fetchCtx, fetchCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer fetchCancel()
	fetches := consumeCl.PollFetches(fetchCtx)
	fetches.EachError(func(_ string, _ int32, err error) {
		t.Fatalf("fetch error: %v", err)
	})

	var got []string
	fetches.EachRecord(func(rec *kgo.Record) {
		got = append(got, string(rec.Value))
	})
	if len(got) != 1 || got[0] != entityID {
		t.Fatalf("expected one record %q on partition %d, got %v", entityID, wantPartition, got)
	}
}
