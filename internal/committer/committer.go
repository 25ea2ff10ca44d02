// Package committer batches committable offsets coming out of the business
// flow and periodically commits them through a Consumer, per spec.md §4.3's
// committer.max_batch / committer.max_interval / committer.parallelism
// configuration. The committer is the sole backpressure source for the
// consumed stream (spec.md §5): once its batch buffer is full, it stops
// accepting records until a commit completes, and that stall propagates
// upstream through the channel the stream manager feeds it from.
package committer

import (
	"context"
	"sync"
	"time"

	"github.com/eventcore/eventcore/internal/logclient"
)

// Config mirrors the committer.* keys from spec.md §6.
type Config struct {
	MaxBatch    int
	MaxInterval time.Duration
	Parallelism int
}

// Committer accepts committable offsets one at a time and flushes them to
// the consumer in batches, either when MaxBatch is reached or MaxInterval
// elapses, whichever comes first.
type Committer struct {
	cfg      Config
	consumer logclient.Consumer
	onCommit func(error)

	mu      sync.Mutex
	pending []logclient.CommittableOffset

	sem  chan struct{}
	in   chan logclient.CommittableOffset
	stop chan struct{}
	done chan struct{}
}

// New starts a Committer's background batching loop. onCommit, if non-nil,
// is called after every commit attempt (nil error on success).
func New(cfg Config, consumer logclient.Consumer, onCommit func(error)) *Committer {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 500
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	c := &Committer{
		cfg:      cfg,
		consumer: consumer,
		onCommit: onCommit,
		sem:      make(chan struct{}, cfg.Parallelism),
		in:       make(chan logclient.CommittableOffset, cfg.MaxBatch),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

// Accept enqueues one committable offset. It blocks if the internal buffer
// is full, which is the mechanism that propagates backpressure to whatever
// is feeding this committer.
func (c *Committer) Accept(o logclient.CommittableOffset) {
	select {
	case c.in <- o:
	case <-c.stop:
	}
}

func (c *Committer) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.MaxInterval)
	defer ticker.Stop()

	var batch []logclient.CommittableOffset
	flush := func() {
		if len(batch) == 0 {
			return
		}
		toCommit := batch
		batch = nil
		c.commitAsync(toCommit)
	}

	for {
		select {
		case o := <-c.in:
			batch = append(batch, o)
			if len(batch) >= c.cfg.MaxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-c.stop:
			flush()
			return
		}
	}
}

func (c *Committer) commitAsync(batch []logclient.CommittableOffset) {
	c.sem <- struct{}{}
	go func() {
		defer func() { <-c.sem }()
		err := c.consumer.CommitOffsets(context.Background(), batch)
		if c.onCommit != nil {
			c.onCommit(err)
		}
	}()
}

// Stop drains the current batch with one final commit and waits for any
// in-flight commits to finish. Idempotent.
func (c *Committer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stop:
		return // already stopped
	default:
		close(c.stop)
	}
	<-c.done
	for i := 0; i < cap(c.sem); i++ {
		c.sem <- struct{}{}
	}
}
