package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eventcore/eventcore/internal/committer"
	"github.com/eventcore/eventcore/internal/logclient"
	"github.com/eventcore/eventcore/internal/logger"
)

type fakeConsumer struct {
	mu        sync.Mutex
	queue     []logclient.EventPlusOffset
	pollErr   error
	committed []logclient.CommittableOffset
	closed    bool
}

func (f *fakeConsumer) push(recs ...logclient.EventPlusOffset) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, recs...)
}

func (f *fakeConsumer) Poll(ctx context.Context) ([]logclient.EventPlusOffset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if len(f.queue) == 0 {
		return nil, nil
	}
	out := f.queue
	f.queue = nil
	return out, nil
}

func (f *fakeConsumer) CommitOffsets(ctx context.Context, offsets []logclient.CommittableOffset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, offsets...)
	return nil
}

func (f *fakeConsumer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func passthroughFlow(ctx context.Context, rec logclient.EventPlusOffset) (logclient.CommittableOffset, error) {
	return rec.CommittableOffset, nil
}

func newTestManager(c logclient.Consumer, flow BusinessFlow) *Manager {
	cfg := Config{
		Topic:                "orders",
		RestartBackoffMin:    10 * time.Millisecond,
		RestartBackoffMax:    20 * time.Millisecond,
		RestartBackoffJitter: 0.1,
		Committer:            committer.Config{MaxBatch: 10, MaxInterval: 5 * time.Millisecond, Parallelism: 1},
	}
	return New(cfg, c, flow, logger.Nop{}, nil, NewCoordinator())
}

func TestStartStopIdempotent(t *testing.T) {
	c := &fakeConsumer{}
	m := newTestManager(c, passthroughFlow)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	defer m.Close()

	m.Start(ctx)
	m.Start(ctx) // idempotent

	h, err := m.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if h.Phase != Consuming.String() {
		t.Fatalf("Phase = %s, want Consuming", h.Phase)
	}

	m.Stop(ctx)
	m.Stop(ctx) // idempotent

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h, _ := m.Metrics(ctx)
		if h.Phase == Stopped.String() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("manager never reached Stopped")
}

func TestStashDuringStopping(t *testing.T) {
	c := &fakeConsumer{}
	m := newTestManager(c, passthroughFlow)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	defer m.Close()

	m.Start(ctx)

	// Force phase to Stopping directly via the mailbox to simulate a
	// request arriving mid-drain, then verify a metrics() call issued
	// during Stopping is answered only after the manager settles.
	reply := make(chan struct{}, 1)
	m.mailbox <- stopMsg{reply: reply}
	<-reply

	metricsCh := make(chan Health, 1)
	go func() {
		h, _ := m.Metrics(context.Background())
		metricsCh <- h
	}()

	select {
	case h := <-metricsCh:
		if h.Phase != Stopped.String() {
			t.Fatalf("Phase = %s, want Stopped", h.Phase)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stashed metrics request never answered")
	}
}

func TestRestartOnFailure(t *testing.T) {
	c := &fakeConsumer{pollErr: errors.New("broker unavailable")}
	m := newTestManager(c, passthroughFlow)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	defer m.Close()

	m.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h, _ := m.Metrics(ctx)
		if h.RestartsTotal >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("manager never restarted after consumer failure")
}

// TestRestartBackoffGrowsAcrossConsecutiveFailures exercises the fix for a
// fresh backoff being constructed on every failure (which made every retry
// delay collapse to RestartBackoffMin): a consumer that keeps failing
// immediately after each restart must see successive restart delays grow,
// not repeat the same minimum delay forever.
func TestRestartBackoffGrowsAcrossConsecutiveFailures(t *testing.T) {
	c := &fakeConsumer{pollErr: errors.New("broker unavailable")}
	m := newTestManager(c, passthroughFlow)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	defer m.Close()

	start := time.Now()
	m.Start(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		h, _ := m.Metrics(ctx)
		if h.RestartsTotal >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	h, _ := m.Metrics(ctx)
	if h.RestartsTotal < 3 {
		t.Fatalf("expected at least 3 restarts, got %d", h.RestartsTotal)
	}

	// m.cfg.RestartBackoffMin/Max are 10ms/20ms in newTestManager. Three
	// back-to-back failures are separated by two restart delays: 10ms+20ms
	// with a reused, growing backoff (at least 27ms after 10% jitter)
	// versus 10ms+10ms at the unreused minimum (at most 22ms).
	elapsed := time.Since(start)
	if elapsed < 2*m.cfg.RestartBackoffMin+m.cfg.RestartBackoffMin/2 {
		t.Fatalf("restarts happened suspiciously fast (%v), backoff may not be reused", elapsed)
	}
}
