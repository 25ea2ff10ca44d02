// Command eventcored bootstraps one node of the event-sourced coordination
// core: a ShardRouter, one TransactionalPublisher per locally-owned
// partition, and a StreamManager driving the projection that feeds
// processed-offset metadata back to those publishers.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/eventcore/eventcore/config"
	"github.com/eventcore/eventcore/internal/logclient"
	"github.com/eventcore/eventcore/internal/logger"
	"github.com/eventcore/eventcore/internal/metrics"
	"github.com/eventcore/eventcore/pkg/eventcore/model"
	"github.com/eventcore/eventcore/pkg/eventcore/publisher"
	"github.com/eventcore/eventcore/pkg/eventcore/router"
	"github.com/eventcore/eventcore/pkg/eventcore/stream"
)

func main() {
	var (
		brokers     = flag.String("brokers", "127.0.0.1:9092", "comma-separated seed brokers")
		topic       = flag.String("topic", "orders", "tracked topic")
		txnPrefix   = flag.String("txn-id-prefix", "", "per-cluster transactional id prefix (required)")
		host        = flag.String("host", "127.0.0.1", "this node's advertised host")
		port        = flag.Uint("port", 9000, "this node's advertised port")
		metricsAddr = flag.String("metrics-addr", ":2112", "address to serve /metrics on")
	)
	flag.Parse()

	if *txnPrefix == "" {
		fmt.Fprintln(os.Stderr, "eventcored: -txn-id-prefix is required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := logger.NewSlog(logger.LevelInfo)
	reg := prometheus.NewRegistry()

	cfg := config.New(
		config.Brokers(*brokers),
		config.Topic(*topic),
		config.TransactionalIDPrefix(*txnPrefix),
		config.HostAwareness(model.HostPort{Host: *host, Port: uint16(*port)}),
	)

	adminClient, err := kgo.NewClient(kgo.SeedBrokers(cfg.LogBrokers...), kgo.WithLogger(logger.KgoAdapter{L: log}))
	if err != nil {
		log.Log(logger.LevelError, "eventcored: failed to construct admin client", "err", err)
		os.Exit(1)
	}
	admin := logclient.NewAdmin(adminClient)
	if err := admin.EnsureTopic(ctx, cfg.EventsTopic, 1); err != nil {
		log.Log(logger.LevelError, "eventcored: events topic check failed", "err", err)
		os.Exit(1)
	}
	if err := admin.EnsureTopic(ctx, cfg.StateTopic, 1); err != nil {
		log.Log(logger.LevelError, "eventcored: state topic check failed", "err", err)
		os.Exit(1)
	}

	self := cfg.HostAwareness
	numPartitions := int32(1) // discovered from topic metadata in a fuller deployment
	routerMetrics := metrics.NewRouter(reg)

	publishers := map[uint32]*publisher.Publisher{}

	regionCreator := func(partition uint32) (func(msg any) error, <-chan struct{}) {
		pubMetrics := metrics.NewPublisher(reg, partition)
		txnClient, err := kgo.NewClient(
			kgo.SeedBrokers(cfg.LogBrokers...),
			kgo.TransactionalID(cfg.PublisherConfig(partition).TransactionalID()),
			// Each publisher owns exactly one partition's writes; the
			// default keyed partitioner would repartition by key and
			// silently scatter records across the topic instead of
			// respecting Record.Partition.
			kgo.RecordPartitioner(kgo.ManualPartitioner()),
			kgo.WithLogger(logger.KgoAdapter{L: log}),
			kgo.WithHooks(pubMetrics.Client),
		)
		done := make(chan struct{})
		if err != nil {
			log.Log(logger.LevelError, "eventcored: failed to construct publisher producer", "partition", partition, "err", err)
			close(done)
			return func(any) error { return fmt.Errorf("publisher unavailable") }, done
		}
		flushClient, err := kgo.NewClient(
			kgo.SeedBrokers(cfg.LogBrokers...),
			kgo.RecordPartitioner(kgo.ManualPartitioner()),
			kgo.WithLogger(logger.KgoAdapter{L: log}),
		)
		if err != nil {
			log.Log(logger.LevelError, "eventcored: failed to construct flush-record producer", "partition", partition, "err", err)
			close(done)
			return func(any) error { return fmt.Errorf("publisher unavailable") }, done
		}

		offsets := &kadmProcessedOffsets{admin: logclient.NewAdmin(flushClient)}
		pub, err := publisher.New(
			cfg.PublisherConfig(partition),
			logclient.NewKgoProducer(txnClient),
			nil,
			logclient.NewKgoNonTransactionalProducer(flushClient),
			offsets,
			log,
			pubMetrics,
		)
		if err != nil {
			log.Log(logger.LevelError, "eventcored: failed to construct publisher", "partition", partition, "err", err)
			close(done)
			return func(any) error { return fmt.Errorf("publisher unavailable") }, done
		}

		publishers[partition] = pub
		pctx, pcancel := context.WithCancel(ctx)
		go func() {
			pub.Run(pctx)
			close(done)
		}()

		send := func(msg any) error {
			req, ok := msg.(model.PublishRequest)
			if !ok {
				return fmt.Errorf("eventcored: region received unexpected message type %T", msg)
			}
			return pub.Publish(pctx, req)
		}
		go func() {
			<-done
			pcancel()
		}()
		return send, done
	}

	extractor := func(msg any) (string, bool) {
		req, ok := msg.(model.PublishRequest)
		if !ok {
			return "", false
		}
		return req.EntityID, true
	}

	deadLetter := func(msg any) {
		log.Log(logger.LevelWarn, "eventcored: dead-lettered unroutable message", "type", fmt.Sprintf("%T", msg))
	}

	r := router.New(
		router.Config{Self: self, Topic: cfg.Topic, NumPartitions: numPartitions, DRStandbyEnabled: cfg.DRStandbyEnabled},
		extractor,
		regionCreator,
		deadLetter,
		log,
		routerMetrics,
	)

	tracker := &staticSingleNodeTracker{self: self, numPartitions: numPartitions, topic: cfg.Topic}
	go r.Run(ctx, tracker)

	groupOpts := []kgo.Opt{
		kgo.SeedBrokers(cfg.LogBrokers...),
		kgo.ConsumeTopics(cfg.EventsTopic),
		kgo.ConsumerGroup("eventcored-"+cfg.Topic),
		kgo.WithLogger(logger.KgoAdapter{L: log}),
	}
	if cfg.ReuseConsumerID {
		// Static membership: rejoining with the same instance id after a
		// restart skips a rebalance instead of being treated as a new
		// member leaving and joining (spec.md §6 reuse_consumer_id).
		groupOpts = append(groupOpts, kgo.InstanceID("eventcored-"+cfg.Topic+"-"+self.Host))
	}
	groupClient, err := kgo.NewClient(groupOpts...)
	if err != nil {
		log.Log(logger.LevelError, "eventcored: failed to construct consumer-group client", "err", err)
		os.Exit(1)
	}
	streamMetrics := metrics.NewStream(reg, "eventcored-"+cfg.Topic)
	flow := func(flowCtx context.Context, rec logclient.EventPlusOffset) (logclient.CommittableOffset, error) {
		// The projection's business logic lives downstream of this
		// committable-offset contract; this bootstrap only needs the
		// pipeline to run so the tracked topic's processed offset advances
		// and publishers can retire their in-flight writes.
		return rec.CommittableOffset, nil
	}
	sm := stream.New(cfg.StreamManagerConfig(), logclient.NewKgoConsumer(groupClient), flow, log, streamMetrics, stream.NewCoordinator())
	go sm.Run(ctx)
	sm.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Log(logger.LevelError, "eventcored: metrics server failed", "err", err)
		}
	}()

	<-ctx.Done()
	log.Log(logger.LevelInfo, "eventcored: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	sm.Stop(shutdownCtx)
	sm.Close()
	r.Stop()
	for _, pub := range publishers {
		pub.Stop()
	}
}

// kadmProcessedOffsets adapts logclient.Admin's end-offset read into the
// ProcessedOffsetSource a publisher polls for recovery and retirement. A
// real deployment backs this with the projection's own committed-offset
// index instead of the topic's raw high watermark; this is the simplest
// grounded stand-in wired at bootstrap.
type kadmProcessedOffsets struct {
	admin *logclient.Admin
}

func (k *kadmProcessedOffsets) ProcessedOffset(ctx context.Context, topic string, partition uint32) (uint64, bool, error) {
	offsets, err := k.admin.EndOffsets(ctx, topic)
	if err != nil {
		return 0, false, err
	}
	off, ok := offsets[int32(partition)]
	if !ok {
		return 0, false, nil
	}
	return uint64(off), true, nil
}

// staticSingleNodeTracker is a PartitionTracker that assigns every
// partition of the tracked topic to this single node. A multi-node
// deployment replaces this with a tracker backed by the consumer group's
// own partition assignment callback.
type staticSingleNodeTracker struct {
	self          model.HostPort
	numPartitions int32
	topic         string
}

func (t *staticSingleNodeTracker) Register(ctx context.Context) (<-chan model.PartitionAssignments, error) {
	ch := make(chan model.PartitionAssignments, 1)
	parts := make([]uint32, t.numPartitions)
	for i := range parts {
		parts[i] = uint32(i)
	}
	ch <- model.NewPartitionAssignments(t.topic, map[model.HostPort][]uint32{t.self: parts})
	return ch, nil
}
