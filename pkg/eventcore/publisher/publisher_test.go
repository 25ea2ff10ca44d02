package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eventcore/eventcore/internal/errs"
	"github.com/eventcore/eventcore/internal/logclient"
	"github.com/eventcore/eventcore/internal/logger"
	"github.com/eventcore/eventcore/pkg/eventcore/model"
)

type fakeProducer struct {
	mu          sync.Mutex
	nextOffset  int64
	beginErr    error
	produceErr  error
	commitErr   error
	fencedAfter int // fence on the Nth BeginTransaction call, 0 == never
	begins      int
}

func (f *fakeProducer) InitTransactions(ctx context.Context) error { return nil }

func (f *fakeProducer) BeginTransaction() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begins++
	if f.fencedAfter != 0 && f.begins >= f.fencedAfter {
		return errs.ErrFenced
	}
	return f.beginErr
}

func (f *fakeProducer) PutRecords(ctx context.Context, recs []logclient.Record) []logclient.RecordFuture {
	futures := make([]logclient.RecordFuture, len(recs))
	for i, r := range recs {
		ch := make(chan logclient.RecordResult, 1)
		futures[i] = ch
		if f.produceErr != nil {
			ch <- logclient.RecordResult{Err: f.produceErr}
			continue
		}
		f.mu.Lock()
		off := f.nextOffset
		f.nextOffset++
		f.mu.Unlock()
		key := r.Key
		ch <- logclient.RecordResult{Meta: logclient.ProducedMeta{
			Key: key, HasKey: key != "", Offset: off, Topic: r.Topic, Partition: 0,
		}}
	}
	return futures
}

func (f *fakeProducer) CommitTransaction(ctx context.Context) error { return f.commitErr }
func (f *fakeProducer) AbortTransaction(ctx context.Context) error  { return nil }
func (f *fakeProducer) PartitionFor(key string) (int32, bool)       { return 0, false }
func (f *fakeProducer) Close()                                     {}

type fakeFlushProducer struct{}

func (fakeFlushProducer) ProduceSync(ctx context.Context, rec logclient.Record) (logclient.ProducedMeta, error) {
	return logclient.ProducedMeta{Topic: rec.Topic, Partition: rec.Partition, Offset: 0}, nil
}
func (fakeFlushProducer) Close() {}

type fakeOffsets struct {
	mu     sync.Mutex
	offset uint64
}

func (f *fakeOffsets) set(o uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offset = o
}

func (f *fakeOffsets) ProcessedOffset(ctx context.Context, topic string, partition uint32) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset, true, nil
}

func newTestPublisher(t *testing.T, prod *fakeProducer, offs *fakeOffsets) (*Publisher, context.Context, context.CancelFunc) {
	t.Helper()
	cfg := Config{
		EventsTopic:             "orders.events",
		StateTopic:              "orders.state",
		Partition:               0,
		TxnIDPrefix:             "test",
		FlushInterval:           5 * time.Millisecond,
		MetadataRefreshInterval: 5 * time.Millisecond,
		InitRetryInterval:       50 * time.Millisecond,
	}
	p, err := New(cfg, prod, nil, fakeFlushProducer{}, offs, logger.Nop{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	// Advance past recovery immediately: the flush record lands at offset 0
	// and fakeOffsets already reports 0 as processed.
	waitForProcessingPhase(t, p)
	return p, ctx, cancel
}

func waitForProcessingPhase(t *testing.T, p *Publisher) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h, err := p.Health(context.Background())
		if err == nil && h.Phase == Processing.String() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("publisher never reached Processing")
}

// TestFencedInstanceTerminates exercises scenario 4: a ProducerFenced
// signal during a flush moves the publisher to the terminal Fenced phase,
// its run loop exits, and its health read reports DOWN.
func TestFencedInstanceTerminates(t *testing.T) {
	prod := &fakeProducer{fencedAfter: 1}
	offs := &fakeOffsets{}
	p, _, cancel := newTestPublisher(t, prod, offs)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Publish(context.Background(), publishReq("k1"))
	}()

	select {
	case <-p.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("publisher never terminated after being fenced")
	}
	// Run has returned, so reading the state directly no longer races it.
	if p.state.Phase != Fenced {
		t.Fatalf("Phase = %v, want Fenced", p.state.Phase)
	}
	if p.health().Up {
		t.Fatalf("fenced publisher must report DOWN")
	}
}

// TestIsStateCurrentResolvesOnRetirement exercises scenario 5: a key with
// an in-flight write resolves is_state_current only after the processed
// offset advances past that write.
func TestIsStateCurrentResolvesOnRetirement(t *testing.T) {
	prod := &fakeProducer{nextOffset: 100}
	offs := &fakeOffsets{}
	p, _, cancel := newTestPublisher(t, prod, offs)
	defer cancel()

	if err := p.Publish(context.Background(), publishReq("entity-1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	resultCh := make(chan bool, 1)
	go func() {
		ok, _ := p.IsStateCurrent(context.Background(), "entity-1", time.Now().Add(2*time.Second))
		resultCh <- ok
	}()

	select {
	case ok := <-resultCh:
		t.Fatalf("is_state_current resolved too early: %v", ok)
	case <-time.After(50 * time.Millisecond):
	}

	offs.set(1000)

	select {
	case ok := <-resultCh:
		if !ok {
			t.Fatalf("is_state_current should resolve true once the key retires")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("is_state_current never resolved after retirement")
	}
}

// TestIsStateCurrentTimesOut exercises scenario 6: a key that never
// retires before its deadline resolves false.
func TestIsStateCurrentTimesOut(t *testing.T) {
	prod := &fakeProducer{nextOffset: 100}
	offs := &fakeOffsets{}
	p, _, cancel := newTestPublisher(t, prod, offs)
	defer cancel()

	if err := p.Publish(context.Background(), publishReq("entity-2")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ok, _ := p.IsStateCurrent(context.Background(), "entity-2", time.Now().Add(30*time.Millisecond))
	// offs never advances, so retirement never happens before the deadline
	// check on the next metadata tick fires it false.
	if ok {
		t.Fatalf("is_state_current should resolve false at deadline")
	}
}

func publishReq(key string) (req model.PublishRequest) {
	return model.PublishRequest{
		EntityID: key,
		State:    model.StateWrite{Key: key, Value: []byte("v")},
	}
}
