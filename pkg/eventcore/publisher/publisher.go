package publisher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/eventcore/eventcore/internal/errs"
	"github.com/eventcore/eventcore/internal/logclient"
	"github.com/eventcore/eventcore/internal/logger"
	"github.com/eventcore/eventcore/internal/metrics"
	"github.com/eventcore/eventcore/pkg/eventcore/model"
)

// ProcessedOffsetSource reports how far the state-topic projection has
// advanced for one partition, the recovery-watermark input driving both
// RecoveringBacklog and steady-state retirement (spec.md §4.2).
type ProcessedOffsetSource interface {
	ProcessedOffset(ctx context.Context, topic string, partition uint32) (offset uint64, ok bool, err error)
}

// ProducerFactory builds a fresh transactional Producer, used to rebuild
// the producer after an init-fatal error (spec.md §4.2 "InitializingTx").
type ProducerFactory func() (logclient.Producer, error)

// Config configures one TransactionalPublisher instance.
type Config struct {
	EventsTopic string
	StateTopic  string
	Partition   uint32
	TxnIDPrefix string

	FlushInterval           time.Duration
	MetadataRefreshInterval time.Duration
	InitRetryInterval       time.Duration
	TxnOpenDeadline         time.Duration
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.MetadataRefreshInterval <= 0 {
		c.MetadataRefreshInterval = 200 * time.Millisecond
	}
	if c.InitRetryInterval <= 0 {
		c.InitRetryInterval = 3 * time.Second
	}
	if c.TxnOpenDeadline <= 0 {
		c.TxnOpenDeadline = 2 * time.Minute
	}
	return c
}

// TransactionalID derives this publisher's transactional id. Unique per
// application cluster, not globally: operators are responsible for giving
// each independent deployment a distinct TxnIDPrefix (spec.md §9 resolved).
func (c Config) TransactionalID() string {
	return c.TxnIDPrefix + "-" + c.StateTopic + "-" + strconv.Itoa(int(c.Partition))
}

// Health mirrors the publisher's health() read from spec.md §4.2.
type Health struct {
	Up            bool
	Phase         string
	InFlight      int
	PendingWrites int
	PendingInits  int
	CurrentTxnMs  int64
}

type publishMsg struct {
	req   model.PublishRequest
	reply chan<- error
}

type isStateCurrentMsg struct {
	entityID string
	deadline time.Time
	reply    chan<- bool
}

type healthMsg struct {
	reply chan<- Health
}

type flushTickMsg struct{}
type metadataTickMsg struct{}

type initResultMsg struct {
	err error
}

type flushResultMsg struct {
	writes []model.PendingWrite
	acks   []logclient.RecordResult
}

// Publisher is the effectful TransactionalPublisher agent: a single
// goroutine draining a mailbox, owning PublisherState exclusively.
type Publisher struct {
	cfg             Config
	producer        logclient.Producer
	producerFactory ProducerFactory
	flushProducer   logclient.NonTransactionalProducer
	offsets         ProcessedOffsetSource
	log             logger.Logger
	metrics         *metrics.Publisher

	state *State

	mailbox chan any
	stopCh  chan struct{}
	doneCh  chan struct{}

	lastThrottledWarn time.Time
}

// New constructs a Publisher in the Uninitialized phase. Run must be called
// to start its mailbox loop and transaction bootstrap.
func New(cfg Config, producer logclient.Producer, producerFactory ProducerFactory, flushProducer logclient.NonTransactionalProducer, offsets ProcessedOffsetSource, log logger.Logger, m *metrics.Publisher) (*Publisher, error) {
	if cfg.TxnIDPrefix == "" {
		return nil, fmt.Errorf("publisher: TxnIDPrefix must not be empty")
	}
	cfg = cfg.withDefaults()
	return &Publisher{
		cfg:             cfg,
		producer:        producer,
		producerFactory: producerFactory,
		flushProducer:   flushProducer,
		offsets:         offsets,
		log:             log,
		metrics:         m,
		state:           NewState(),
		mailbox:         make(chan any, 256),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}, nil
}

// Run drives the publisher's mailbox loop until ctx is done or Stop is
// called.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.doneCh)

	flushTicker := time.NewTicker(p.cfg.FlushInterval)
	defer flushTicker.Stop()
	metaTicker := time.NewTicker(p.cfg.MetadataRefreshInterval)
	defer metaTicker.Stop()

	p.beginInit(ctx)

	for {
		select {
		case msg := <-p.mailbox:
			if p.handle(ctx, msg) {
				p.shutdown(ctx)
				return
			}
		case <-flushTicker.C:
			if p.handle(ctx, flushTickMsg{}) {
				p.shutdown(ctx)
				return
			}
		case <-metaTicker.C:
			if p.handle(ctx, metadataTickMsg{}) {
				p.shutdown(ctx)
				return
			}
		case <-p.stopCh:
			p.shutdown(ctx)
			return
		case <-ctx.Done():
			p.shutdown(ctx)
			return
		}
	}
}

// Stop requests a graceful shutdown: one last abort if a transaction is
// open (Fenced bypasses this, since fencing already invalidated it).
func (p *Publisher) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	<-p.doneCh
}

func (p *Publisher) shutdown(ctx context.Context) {
	if p.state.Phase != Fenced && p.state.TransactionInProgress {
		_ = p.producer.AbortTransaction(ctx)
		p.state.EndTransaction()
	}
	p.producer.Close()
	p.flushProducer.Close()
}

// Publish enqueues a write for the next flush. Once enqueued, the returned
// error resolves only when the transaction containing it commits (or
// never, if the publisher is stopped or fenced first, or the flush fails —
// the caller should apply its own ask-timeout). Before recovery starts it
// returns errs.ErrNotInitialized at once, and after fencing errs.ErrFenced.
func (p *Publisher) Publish(ctx context.Context, req model.PublishRequest) error {
	reply := make(chan error, 1)
	select {
	case p.mailbox <- publishMsg{req: req, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsStateCurrent resolves true as soon as entityID has no in-flight write,
// false at deadline, whichever comes first.
func (p *Publisher) IsStateCurrent(ctx context.Context, entityID string, deadline time.Time) (bool, error) {
	reply := make(chan bool, 1)
	select {
	case p.mailbox <- isStateCurrentMsg{entityID: entityID, deadline: deadline, reply: reply}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case ok := <-reply:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Health reports the publisher's current health read.
func (p *Publisher) Health(ctx context.Context) (Health, error) {
	reply := make(chan Health, 1)
	select {
	case p.mailbox <- healthMsg{reply: reply}:
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

// handle processes one message and returns true if the publisher should
// shut itself down (Fenced).
func (p *Publisher) handle(ctx context.Context, msg any) bool {
	switch p.state.Phase {
	case Uninitialized:
		// beginInit already queued the first init attempt; nothing else is
		// accepted until InitializingTx resolves, so stash by doing nothing
		// meaningful with ticks and replying errs.ErrNotInitialized to
		// anything actionable.
		switch m := msg.(type) {
		case initResultMsg:
			p.onInitResult(ctx, m)
		case publishMsg:
			m.reply <- errs.ErrNotInitialized
		case isStateCurrentMsg:
			m.reply <- false
		case healthMsg:
			m.reply <- p.health()
		}
		return false
	case InitializingTx:
		switch m := msg.(type) {
		case initResultMsg:
			p.onInitResult(ctx, m)
		case publishMsg:
			m.reply <- errs.ErrNotInitialized
		case isStateCurrentMsg:
			m.reply <- false
		case healthMsg:
			m.reply <- p.health()
		}
		return false
	case RecoveringBacklog:
		switch m := msg.(type) {
		case metadataTickMsg:
			p.pollRecovery(ctx)
		case publishMsg:
			// Buffered: enqueue now so FIFO order across the transition into
			// Processing is preserved, but do not flush yet.
			p.state.EnqueueWrite(model.PendingWrite{Sender: m.reply, State: m.req.State, Events: m.req.Events})
		case isStateCurrentMsg:
			p.state.EnqueueInit(model.PendingInit{Sender: m.reply, EntityKey: m.entityID, ExpiresAt: m.deadline})
		case healthMsg:
			m.reply <- p.health()
		}
		return false
	case Processing:
		switch m := msg.(type) {
		case flushTickMsg:
			return p.flush(ctx)
		case metadataTickMsg:
			p.retire(ctx)
		case publishMsg:
			p.state.EnqueueWrite(model.PendingWrite{Sender: m.reply, State: m.req.State, Events: m.req.Events})
		case isStateCurrentMsg:
			p.state.EnqueueInit(model.PendingInit{Sender: m.reply, EntityKey: m.entityID, ExpiresAt: m.deadline})
		case flushResultMsg:
			return p.onFlushResult(m)
		case healthMsg:
			m.reply <- p.health()
		}
		return false
	case Fenced:
		switch m := msg.(type) {
		case publishMsg:
			m.reply <- errs.ErrFenced
		case isStateCurrentMsg:
			m.reply <- false
		case healthMsg:
			m.reply <- p.health()
		}
		return false
	}
	return false
}

func (p *Publisher) beginInit(ctx context.Context) {
	p.state.Phase = InitializingTx
	p.runInitAttempt(ctx)
}

func (p *Publisher) runInitAttempt(ctx context.Context) {
	go func() {
		err := p.producer.InitTransactions(ctx)
		select {
		case p.mailbox <- initResultMsg{err: err}:
		case <-p.stopCh:
		}
	}()
}

func (p *Publisher) onInitResult(ctx context.Context, m initResultMsg) {
	if m.err == nil {
		p.enterRecovering(ctx)
		return
	}

	kind := errs.Classify(m.err)
	p.log.Log(logger.LevelError, "publisher: init_transactions failed, retrying", "err", m.err, "kind", kind)
	if kind == errs.KindInitFatal && p.producerFactory != nil {
		if fresh, buildErr := p.producerFactory(); buildErr == nil {
			p.producer.Close()
			p.producer = fresh
		} else {
			p.log.Log(logger.LevelError, "publisher: failed to rebuild producer", "err", buildErr)
		}
	}

	timer := time.NewTimer(p.cfg.InitRetryInterval)
	go func() {
		select {
		case <-timer.C:
			p.runInitAttempt(ctx)
		case <-p.stopCh:
			timer.Stop()
		}
	}()
}

func (p *Publisher) enterRecovering(ctx context.Context) {
	meta, err := p.flushProducer.ProduceSync(ctx, logclient.Record{
		Topic:     p.cfg.StateTopic,
		Partition: int32(p.cfg.Partition),
		Key:       "",
		Value:     nil,
	})
	if err != nil {
		p.log.Log(logger.LevelError, "publisher: flush record failed, retrying init", "err", err)
		p.state.Phase = InitializingTx
		timer := time.NewTimer(p.cfg.InitRetryInterval)
		go func() {
			select {
			case <-timer.C:
				p.runInitAttempt(ctx)
			case <-p.stopCh:
				timer.Stop()
			}
		}()
		return
	}
	p.state.RecoveryEndOffset = uint64(meta.Offset)
	p.state.Phase = RecoveringBacklog
}

func (p *Publisher) pollRecovery(ctx context.Context) {
	offset, ok, err := p.offsets.ProcessedOffset(ctx, p.cfg.StateTopic, p.cfg.Partition)
	if err != nil || !ok {
		return
	}
	if offset >= p.state.RecoveryEndOffset {
		p.state.Phase = Processing
	}
}

func (p *Publisher) flush(ctx context.Context) bool {
	if p.state.TransactionInProgress {
		now := time.Now()
		if now.Sub(p.lastThrottledWarn) >= time.Second {
			p.lastThrottledWarn = now
			p.log.Log(logger.LevelWarn, "publisher: flush tick skipped, transaction in progress",
				"current_txn_ms", p.state.CurrentTxnDuration(now).Milliseconds())
		}
		return false
	}
	if len(p.state.PendingWrites) == 0 {
		return false
	}

	writes := p.state.DrainWrites()
	recs := make([]logclient.Record, 0, len(writes)*2)
	for _, w := range writes {
		for _, ev := range w.Events {
			recs = append(recs, logclient.Record{Topic: p.cfg.EventsTopic, Partition: -1, Key: ev.Key, Value: ev.Value})
		}
		recs = append(recs, logclient.Record{
			Topic:     p.cfg.StateTopic,
			Partition: int32(p.cfg.Partition),
			Key:       w.State.Key,
			Value:     w.State.Value,
		})
	}

	p.state.BeginTransaction(time.Now())
	if err := p.producer.BeginTransaction(); err != nil {
		p.state.EndTransaction()
		if errs.Classify(err) == errs.KindFenced {
			p.goFenced()
			return true
		}
		p.log.Log(logger.LevelError, "publisher: begin_transaction failed", "err", err)
		return false
	}

	futures := p.producer.PutRecords(ctx, recs)
	if p.metrics != nil {
		p.metrics.FlushesTotal.Inc()
	}
	go func() {
		acks := make([]logclient.RecordResult, len(futures))
		for i, f := range futures {
			acks[i] = <-f
		}
		select {
		case p.mailbox <- flushResultMsg{writes: writes, acks: acks}:
		case <-p.stopCh:
		}
	}()
	return false
}

func (p *Publisher) onFlushResult(m flushResultMsg) bool {
	var failed, fenced bool
	for _, r := range m.acks {
		if r.Err != nil {
			failed = true
			if errs.Classify(r.Err) == errs.KindFenced {
				fenced = true
			}
		}
	}
	if fenced {
		p.state.EndTransaction()
		p.goFenced()
		return true
	}
	if failed {
		if err := p.producer.AbortTransaction(context.Background()); err != nil {
			p.log.Log(logger.LevelError, "publisher: abort_transaction failed", "err", err)
		}
		p.state.EndTransaction()
		p.log.Log(logger.LevelError, "publisher: flush aborted after submit failure")
		return false
	}

	if err := p.producer.CommitTransaction(context.Background()); err != nil {
		if errs.Classify(err) == errs.KindFenced {
			p.state.EndTransaction()
			p.goFenced()
			return true
		}
		_ = p.producer.AbortTransaction(context.Background())
		p.state.EndTransaction()
		p.log.Log(logger.LevelError, "publisher: commit_transaction failed, aborted", "err", err)
		return false
	}

	for _, r := range m.acks {
		if r.Meta.Topic != p.cfg.StateTopic || !r.Meta.HasKey {
			continue
		}
		key := r.Meta.Key
		p.state.RecordAck(model.RecordMetadata{
			Key:       &key,
			Offset:    uint64(r.Meta.Offset),
			Topic:     r.Meta.Topic,
			Partition: uint32(r.Meta.Partition),
		})
	}
	p.state.EndTransaction()
	for _, w := range m.writes {
		model.Reply[error](w.Sender, nil)
	}
	if p.metrics != nil {
		p.metrics.InFlight.Set(float64(p.state.InFlight.Len()))
	}
	return false
}

func (p *Publisher) retire(ctx context.Context) {
	offset, ok, err := p.offsets.ProcessedOffset(ctx, p.cfg.StateTopic, p.cfg.Partition)
	if err != nil || !ok {
		return
	}
	_, timedOut := p.state.AdvanceRetirement(p.cfg.StateTopic, p.cfg.Partition, offset, time.Now())
	if p.metrics != nil {
		p.metrics.InFlight.Set(float64(p.state.InFlight.Len()))
		p.metrics.PendingInits.Set(float64(len(p.state.PendingInits)))
		if timedOut > 0 {
			for i := 0; i < timedOut; i++ {
				p.metrics.NotCurrentTotal.Inc()
			}
		}
	}
}

func (p *Publisher) goFenced() {
	p.state.Phase = Fenced
	p.log.Log(logger.LevelError, "publisher: producer fenced, shutting down instance")
	if p.metrics != nil {
		p.metrics.FencedTotal.Inc()
	}
	for _, w := range p.state.DrainWrites() {
		_ = w // senders observe ask-timeout, per spec.md §4.2 "Fenced" semantics.
	}
}

func (p *Publisher) health() Health {
	now := time.Now()
	txnMs := p.state.CurrentTxnDuration(now).Milliseconds()
	up := p.state.Phase != Fenced && p.state.CurrentTxnDuration(now) <= p.cfg.TxnOpenDeadline
	return Health{
		Up:            up,
		Phase:         p.state.Phase.String(),
		InFlight:      p.state.InFlight.Len(),
		PendingWrites: len(p.state.PendingWrites),
		PendingInits:  len(p.state.PendingInits),
		CurrentTxnMs:  txnMs,
	}
}
