package logclient

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// kgoConsumer is the default Consumer built on a consumer-group *kgo.Client.
type kgoConsumer struct {
	cl *kgo.Client
}

// NewKgoConsumer wraps an already-configured consumer-group kgo.Client.
func NewKgoConsumer(cl *kgo.Client) Consumer {
	return &kgoConsumer{cl: cl}
}

func (c *kgoConsumer) Poll(ctx context.Context) ([]EventPlusOffset, error) {
	fetches := c.cl.PollFetches(ctx)

	var fetchErr error
	fetches.EachError(func(topic string, partition int32, err error) {
		if fetchErr == nil {
			fetchErr = classifyProduceErr(err)
		}
	})
	if fetchErr != nil {
		return nil, fetchErr
	}

	out := make([]EventPlusOffset, 0, len(fetches.Records()))
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, EventPlusOffset{
			Key:       r.Key,
			Value:     r.Value,
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			CommittableOffset: CommittableOffset{
				Topic:     r.Topic,
				Partition: r.Partition,
				Offset:    r.Offset + 1,
			},
		})
	})
	return out, nil
}

func (c *kgoConsumer) CommitOffsets(ctx context.Context, offsets []CommittableOffset) error {
	toCommit := make(map[string]map[int32]kgo.EpochOffset, len(offsets))
	for _, o := range offsets {
		parts, ok := toCommit[o.Topic]
		if !ok {
			parts = make(map[int32]kgo.EpochOffset)
			toCommit[o.Topic] = parts
		}
		if existing, ok := parts[o.Partition]; !ok || o.Offset > existing.Offset {
			parts[o.Partition] = kgo.EpochOffset{Epoch: -1, Offset: o.Offset}
		}
	}

	var commitErr error
	done := make(chan struct{})
	c.cl.CommitOffsets(ctx, toCommit, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
		commitErr = err
		close(done)
	})
	<-done
	return classifyProduceErr(commitErr)
}

func (c *kgoConsumer) Close() {
	c.cl.Close()
}
