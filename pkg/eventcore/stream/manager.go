// Package stream implements the StreamManager: the restart-on-failure
// consumer pipeline that polls the log, hands records to a user-supplied
// business flow, and batches committable offsets through a committer
// (spec.md §4.3).
package stream

import (
	"context"
	"time"

	"github.com/eventcore/eventcore/internal/backoff"
	"github.com/eventcore/eventcore/internal/committer"
	"github.com/eventcore/eventcore/internal/logclient"
	"github.com/eventcore/eventcore/internal/logger"
	"github.com/eventcore/eventcore/internal/metrics"
	"github.com/eventcore/eventcore/pkg/eventcore/model"
)

// Phase is the manager's position in the state machine from spec.md §4.3:
// Stopped -> Consuming -> Stopping -> Stopped.
type Phase int

const (
	Stopped Phase = iota
	Consuming
	Stopping
)

func (p Phase) String() string {
	switch p {
	case Stopped:
		return "Stopped"
	case Consuming:
		return "Consuming"
	case Stopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// BusinessFlow transforms one polled record into a committable offset once
// it has been fully processed. Returning an error aborts this poll cycle
// and is treated the same as a consumer failure by the restart supervisor.
type BusinessFlow func(ctx context.Context, rec logclient.EventPlusOffset) (logclient.CommittableOffset, error)

// HostAwareness carries this consumer's (host, port) for a host-aware
// partition assignor (spec.md §4.3). The Manager does not read it or pass
// it to the consumer, so no assignor receives it.
type HostAwareness struct {
	Host model.HostPort
}

// Config configures one StreamManager.
type Config struct {
	Topic         string
	HostAwareness HostAwareness

	RestartBackoffMin    time.Duration
	RestartBackoffMax    time.Duration
	RestartBackoffJitter float64

	Committer committer.Config
}

func (c Config) withDefaults() Config {
	if c.RestartBackoffMin <= 0 {
		c.RestartBackoffMin = time.Second
	}
	if c.RestartBackoffMax <= 0 {
		c.RestartBackoffMax = 15 * time.Second
	}
	if c.RestartBackoffJitter <= 0 {
		c.RestartBackoffJitter = 0.1
	}
	return c
}

// Health is the metrics() read from spec.md §4.3: the manager's phase and
// the supervisor's restart count. It carries no metrics from the
// underlying consumer.
type Health struct {
	Phase         string
	RestartsTotal int
}

type startMsg struct{ reply chan<- struct{} }
type stopMsg struct{ reply chan<- struct{} }
type metricsMsg struct{ reply chan<- Health }
type replayMsg struct {
	strategy ReplayStrategy
	reply    chan<- Result
}
type consumerDiedMsg struct{ err error }

// Manager is the effectful StreamManager agent.
type Manager struct {
	cfg      Config
	consumer logclient.Consumer
	flow     BusinessFlow
	log      logger.Logger
	metrics  *metrics.Stream
	replay   *Coordinator

	phase    Phase
	stash    []any
	restarts int

	// restartBackoff is reused across consecutive pipeline failures so the
	// delay actually grows (spec.md §4.3: min 1s, max 15s). It is reset once
	// a restarted pipeline has stayed up long enough to call the failure
	// streak over.
	restartBackoff    *backoff.Backoff
	pipelineStartedAt time.Time

	mailbox chan any
	stopCh  chan struct{}
	doneCh  chan struct{}

	pipelineCancel context.CancelFunc
}

// New constructs a Manager in the Stopped phase.
func New(cfg Config, consumer logclient.Consumer, flow BusinessFlow, log logger.Logger, m *metrics.Stream, replay *Coordinator) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:            cfg,
		consumer:       consumer,
		flow:           flow,
		log:            log,
		metrics:        m,
		replay:         replay,
		phase:          Stopped,
		restartBackoff: backoff.New(cfg.RestartBackoffMin, cfg.RestartBackoffMax, cfg.RestartBackoffJitter),
		mailbox:        make(chan any, 64),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Run drives the manager's mailbox loop until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.doneCh)
	for {
		select {
		case msg := <-m.mailbox:
			m.handle(ctx, msg)
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

// Close stops the manager's own loop (distinct from Stop, which drains the
// consumer pipeline but keeps the agent itself running to accept restarts).
func (m *Manager) Close() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	<-m.doneCh
}

// Start begins consuming. Idempotent: a second Start while already
// Consuming is a no-op.
func (m *Manager) Start(ctx context.Context) {
	reply := make(chan struct{}, 1)
	select {
	case m.mailbox <- startMsg{reply: reply}:
		<-reply
	case <-ctx.Done():
	}
}

// Stop drains in-progress offsets before releasing the consumer.
// Idempotent in every phase.
func (m *Manager) Stop(ctx context.Context) {
	reply := make(chan struct{}, 1)
	select {
	case m.mailbox <- stopMsg{reply: reply}:
		<-reply
	case <-ctx.Done():
	}
}

// Metrics returns a live snapshot. It is answered in Consuming and Stopped;
// a request arriving while Stopping is stashed and answered once the
// manager has stopped.
func (m *Manager) Metrics(ctx context.Context) (Health, error) {
	reply := make(chan Health, 1)
	select {
	case m.mailbox <- metricsMsg{reply: reply}:
	case <-ctx.Done():
		return Health{}, ctx.Err()
	}
	select {
	case h := <-reply:
		return h, nil
	case <-ctx.Done():
		return Health{}, ctx.Err()
	}
}

// Replay delegates to the ReplayCoordinator: stop all consumers, run the
// strategy, restart. Requests arriving during Stopping are stashed and
// replayed once stopped (spec.md §4.3 "States").
func (m *Manager) Replay(ctx context.Context, strategy ReplayStrategy) (Result, error) {
	reply := make(chan Result, 1)
	select {
	case m.mailbox <- replayMsg{strategy: strategy, reply: reply}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (m *Manager) handle(ctx context.Context, msg any) {
	if m.phase == Stopping {
		switch msg.(type) {
		case consumerDiedMsg:
			// always processed so the pipeline can actually finish stopping
		default:
			m.stash = append(m.stash, msg)
			return
		}
	}

	switch x := msg.(type) {
	case startMsg:
		m.doStart(ctx)
		x.reply <- struct{}{}
	case stopMsg:
		m.doStop()
		x.reply <- struct{}{}
	case metricsMsg:
		x.reply <- m.health()
	case replayMsg:
		x.reply <- m.doReplay(ctx, x.strategy)
	case consumerDiedMsg:
		m.onConsumerDied(ctx, x.err)
	}
}

func (m *Manager) doStart(ctx context.Context) {
	if m.phase == Consuming {
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	m.pipelineCancel = cancel
	m.phase = Consuming
	m.pipelineStartedAt = time.Now()
	go m.runPipeline(pctx)
}

func (m *Manager) doStop() {
	if m.phase != Consuming {
		m.phase = Stopped
		return
	}
	m.phase = Stopping
	if m.pipelineCancel != nil {
		m.pipelineCancel()
	}
	// The pipeline goroutine observes ctx.Done, reports consumerDiedMsg(nil),
	// which onConsumerDied treats as a clean stop rather than a restart, and
	// then stops its committer, which commits the batch it still holds.
}

func (m *Manager) onConsumerDied(ctx context.Context, err error) {
	wasStopping := m.phase == Stopping
	m.phase = Stopped

	if wasStopping || err == nil {
		// A deliberate stop ends any failure streak, so the next
		// auto-restart (if any) starts from RestartBackoffMin again.
		m.restartBackoff.Reset()
		m.drainStash(ctx)
		return
	}

	m.restarts++
	if m.metrics != nil {
		m.metrics.RestartsTotal.Inc()
	}
	// A pipeline that stayed up for at least a full backoff cycle before
	// dying again counts as a fresh failure streak, not a continuation of
	// the last one.
	if !m.pipelineStartedAt.IsZero() && time.Since(m.pipelineStartedAt) >= m.cfg.RestartBackoffMax {
		m.restartBackoff.Reset()
	}
	delay := m.restartBackoff.Next()
	m.log.Log(logger.LevelError, "stream: consumer pipeline failed, restarting", "err", err, "backoff", delay)
	timer := time.NewTimer(delay)
	go func() {
		select {
		case <-timer.C:
			select {
			case m.mailbox <- startMsg{reply: make(chan struct{}, 1)}:
			case <-m.stopCh:
			}
		case <-m.stopCh:
			timer.Stop()
		}
	}()
	m.drainStash(ctx)
}

func (m *Manager) drainStash(ctx context.Context) {
	if len(m.stash) == 0 {
		return
	}
	pending := m.stash
	m.stash = nil
	for _, msg := range pending {
		m.handle(ctx, msg)
	}
}

func (m *Manager) doReplay(ctx context.Context, strategy ReplayStrategy) Result {
	if m.replay == nil {
		return Result{Failed: true, Err: errReplayNotConfigured}
	}
	m.doStop()
	res := m.replay.Run(ctx, strategy)
	m.doStart(ctx)
	if m.metrics != nil {
		if res.Failed {
			m.metrics.ReplaysFailedTotal.Inc()
		} else {
			m.metrics.ReplaysStartedTotal.Inc()
		}
	}
	return res
}

func (m *Manager) health() Health {
	return Health{Phase: m.phase.String(), RestartsTotal: m.restarts}
}

// runPipeline is the restart-on-failure consumer loop: poll, run the
// business flow per record, forward committable offsets to a committer.
// It reports its terminal condition (nil error on a clean ctx cancellation,
// non-nil on an unexpected failure) back to the manager's mailbox.
func (m *Manager) runPipeline(ctx context.Context) {
	var commitErr error
	c := committer.New(m.cfg.Committer, m.consumer, func(err error) {
		if err != nil {
			commitErr = err
		}
		if m.metrics != nil {
			m.metrics.CommitBatchesTotal.Inc()
		}
	})
	defer c.Stop()

	var pipelineErr error

	for {
		select {
		case <-ctx.Done():
			select {
			case m.mailbox <- consumerDiedMsg{err: nil}:
			default:
			}
			return
		default:
		}

		recs, err := m.consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				select {
				case m.mailbox <- consumerDiedMsg{err: nil}:
				default:
				}
				return
			}
			pipelineErr = err
			select {
			case m.mailbox <- consumerDiedMsg{err: pipelineErr}:
			default:
			}
			return
		}

		for _, rec := range recs {
			committable, flowErr := m.flow(ctx, rec)
			if flowErr != nil {
				select {
				case m.mailbox <- consumerDiedMsg{err: flowErr}:
				default:
				}
				return
			}
			c.Accept(committable)
		}

		if commitErr != nil {
			select {
			case m.mailbox <- consumerDiedMsg{err: commitErr}:
			default:
			}
			return
		}
	}
}
