// Package logclient adapts github.com/twmb/franz-go/pkg/kgo to the
// producer/consumer contract described in spec.md §6. The router,
// publisher, and stream manager depend only on the interfaces in this
// file; nothing in pkg/eventcore imports kgo directly, so they can be
// exercised in tests against internal/testfake instead of a real broker.
package logclient

import (
	"context"
	"errors"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/eventcore/eventcore/internal/errs"
)

// Record is one record to publish, addressed explicitly to a topic and
// (optionally) a partition; a nil Value publishes a tombstone.
type Record struct {
	Topic     string
	Partition int32 // -1 lets the partitioner choose
	Key       string
	Value     []byte
}

// RecordFuture resolves to the broker-assigned metadata for one produced
// record, or an error if the write failed.
type RecordFuture <-chan RecordResult

// RecordResult is the terminal value of a RecordFuture.
type RecordResult struct {
	Meta ProducedMeta
	Err  error
}

// ProducedMeta is what we keep from a successful produce: enough to track
// the write as in-flight.
type ProducedMeta struct {
	Key       string
	HasKey    bool
	Offset    int64
	Topic     string
	Partition int32
}

// Producer is the transactional producer contract consumed by the
// publisher (spec.md §6).
type Producer interface {
	InitTransactions(ctx context.Context) error
	BeginTransaction() error
	PutRecords(ctx context.Context, recs []Record) []RecordFuture
	CommitTransaction(ctx context.Context) error
	AbortTransaction(ctx context.Context) error
	PartitionFor(key string) (int32, bool)
	Close()
}

// NonTransactionalProducer is the narrower contract used only to emit the
// flush record at publisher startup (spec.md §4.2): a single fire-and-wait
// produce, outside of any transaction.
type NonTransactionalProducer interface {
	ProduceSync(ctx context.Context, rec Record) (ProducedMeta, error)
	Close()
}

// EventPlusOffset is one message handed to the business flow by the stream
// manager's consumer pipeline.
type EventPlusOffset struct {
	Key              []byte
	Value            []byte
	Topic            string
	Partition        int32
	Offset           int64
	CommittableOffset CommittableOffset
}

// CommittableOffset is the token the committer needs to commit progress
// for one partition once the business flow is done with a record.
type CommittableOffset struct {
	Topic     string
	Partition int32
	Offset    int64
}

// Consumer is the committable-source contract consumed by the stream
// manager (spec.md §6).
type Consumer interface {
	Poll(ctx context.Context) ([]EventPlusOffset, error)
	CommitOffsets(ctx context.Context, offsets []CommittableOffset) error
	Close()
}

// kgoProducer is the default Producer built on a transactional *kgo.Client.
type kgoProducer struct {
	cl *kgo.Client
}

// NewKgoProducer wraps an already-configured transactional kgo.Client.
func NewKgoProducer(cl *kgo.Client) Producer {
	return &kgoProducer{cl: cl}
}

func (p *kgoProducer) InitTransactions(ctx context.Context) error {
	// kgo initializes the producer ID lazily on the first BeginTransaction
	// or Produce call, so there is no separate public "init transactions"
	// request to issue. We still want to fail fast (spec.md §4.2
	// InitializingTx) on auth/broker-fatal problems before we ever buffer a
	// write, so we round-trip a Ping, which is the lightest request that
	// exercises the same broker connection and credentials.
	err := p.cl.Ping(ctx)
	return classifyProduceErr(err)
}

func (p *kgoProducer) BeginTransaction() error {
	if err := p.cl.BeginTransaction(); err != nil {
		return classifyProduceErr(err)
	}
	return nil
}

func (p *kgoProducer) PutRecords(ctx context.Context, recs []Record) []RecordFuture {
	futures := make([]RecordFuture, len(recs))
	for i, r := range recs {
		ch := make(chan RecordResult, 1)
		futures[i] = ch
		kr := &kgo.Record{Topic: r.Topic, Key: []byte(r.Key), Value: r.Value}
		if r.Partition >= 0 {
			kr.Partition = r.Partition
		}
		p.cl.Produce(ctx, kr, func(rec *kgo.Record, err error) {
			if err != nil {
				ch <- RecordResult{Err: classifyProduceErr(err)}
				return
			}
			ch <- RecordResult{Meta: ProducedMeta{
				Key:       string(rec.Key),
				HasKey:    rec.Key != nil,
				Offset:    rec.Offset,
				Topic:     rec.Topic,
				Partition: rec.Partition,
			}}
		})
	}
	return futures
}

func (p *kgoProducer) CommitTransaction(ctx context.Context) error {
	if err := p.cl.Flush(ctx); err != nil {
		return classifyProduceErr(err)
	}
	err := p.cl.EndTransaction(ctx, kgo.TryCommit)
	return classifyProduceErr(err)
}

func (p *kgoProducer) AbortTransaction(ctx context.Context) error {
	if err := p.cl.AbortBufferedRecords(ctx); err != nil {
		return classifyProduceErr(err)
	}
	err := p.cl.EndTransaction(ctx, kgo.TryAbort)
	return classifyProduceErr(err)
}

func (p *kgoProducer) PartitionFor(key string) (int32, bool) {
	// Resolved via the client's own partitioner through a zero-length
	// dry-run produce path is not available on kgo directly; callers
	// needing the write-path partitioner use Partitioner (partitioner.go),
	// which mirrors the same murmur2 algorithm. PartitionFor here is kept
	// for interface symmetry with spec.md §6 and is unused by our own
	// router, which calls Partitioner.ForKey directly.
	return 0, false
}

func (p *kgoProducer) Close() {
	p.cl.Close()
}

func classifyProduceErr(err error) error {
	if err == nil {
		return nil
	}
	if isFencedEpoch(err) {
		return errors.Join(errs.ErrFenced, err)
	}
	var ke *kerr.Error
	if errors.As(err, &ke) {
		if !ke.Retriable {
			return errors.Join(errs.ErrInitFatal, err)
		}
		return errors.Join(errs.ErrTransientLog, err)
	}
	return errors.Join(errs.ErrTransientLog, err)
}

// isFencedEpoch reports the Kafka-level errors that indicate a newer
// producer instance has taken over this transactional id: an epoch or
// producer-id mapping the broker no longer recognizes as current. These
// names are the ones actually referenced by franz-go's own txn.go recovery
// path (see maybeRecoverProducerID), not a guessed "ProducerFenced" code.
func isFencedEpoch(err error) bool {
	var ke *kerr.Error
	if !errors.As(err, &ke) {
		return false
	}
	return errors.Is(ke, kerr.InvalidProducerEpoch) ||
		errors.Is(ke, kerr.UnknownProducerID) ||
		errors.Is(ke, kerr.InvalidProducerIDMapping)
}

// kgoNonTxnProducer is the non-transactional producer used only to emit
// the recovery flush record.
type kgoNonTxnProducer struct {
	cl *kgo.Client
}

// NewKgoNonTransactionalProducer wraps a plain (non-transactional)
// kgo.Client.
func NewKgoNonTransactionalProducer(cl *kgo.Client) NonTransactionalProducer {
	return &kgoNonTxnProducer{cl: cl}
}

func (p *kgoNonTxnProducer) ProduceSync(ctx context.Context, rec Record) (ProducedMeta, error) {
	kr := &kgo.Record{Topic: rec.Topic, Key: []byte(rec.Key), Value: rec.Value}
	if rec.Partition >= 0 {
		kr.Partition = rec.Partition
	}
	res := p.cl.ProduceSync(ctx, kr)
	if err := res.FirstErr(); err != nil {
		return ProducedMeta{}, classifyProduceErr(err)
	}
	r := res[0].Record
	return ProducedMeta{
		Key:       string(r.Key),
		HasKey:    r.Key != nil,
		Offset:    r.Offset,
		Topic:     r.Topic,
		Partition: r.Partition,
	}, nil
}

func (p *kgoNonTxnProducer) Close() {
	p.cl.Close()
}
