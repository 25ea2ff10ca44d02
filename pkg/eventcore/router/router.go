package router

import (
	"context"
	"fmt"
	"time"

	"github.com/eventcore/eventcore/internal/errs"
	"github.com/eventcore/eventcore/internal/logclient"
	"github.com/eventcore/eventcore/internal/logger"
	"github.com/eventcore/eventcore/internal/metrics"
	"github.com/eventcore/eventcore/pkg/eventcore/model"
)

// EntityIDExtractor pulls the entity id out of a routed message. It returns
// ok=false for anything the router should not attempt to route (spec.md
// §4.1 "dead-letter").
type EntityIDExtractor func(msg any) (entityID string, ok bool)

// RegionCreator instantiates a local region handler for partition. The
// returned done channel is closed when that region terminates, standing in
// for the cross-process death-watch spec.md §9 notes Go has no primitive
// for.
type RegionCreator func(partition uint32) (sink func(msg any) error, done <-chan struct{})

// DeadLetter is called for every message the router could not route.
// Implementations should log the message class, never the payload
// (spec.md §4.1).
type DeadLetter func(msg any)

// PartitionTracker is the push-based assignments feed consumed by the
// router (spec.md §6). Register returns a channel of snapshots; the
// channel is closed if the tracker gives up permanently.
type PartitionTracker interface {
	Register(ctx context.Context) (<-chan model.PartitionAssignments, error)
}

// Health mirrors the router's health() read in spec.md §4.1.
type Health struct {
	Up              bool
	Phase           string
	LocalRegionDown []uint32
}

// Config bundles everything the router needs beyond its collaborators.
type Config struct {
	Self             model.HostPort
	Topic            string
	NumPartitions    int32
	DRStandbyEnabled bool
	HealthDeadline   time.Duration
	RegistrationRetryInterval time.Duration
}

// mailbox message kinds. All of these implement routerMsg by virtue of
// being passed through the same channel; routing is done with a type
// switch in run(), standing in for the tagged-union match spec.md §9 calls
// for in a systems rewrite.
type routeMsg struct {
	payload any
	reply   chan<- error
}

type updateAssignmentsMsg struct {
	assignments model.PartitionAssignments
}

type getRegionMapMsg struct {
	reply chan<- map[uint32]model.RegionHandle
}

type healthMsg struct {
	reply chan<- Health
}

type regionTerminatedMsg struct {
	partition uint32
}

type trackerAssignmentsMsg struct {
	assignments model.PartitionAssignments
}

// Router is the ShardRouter agent: a single goroutine owning RouterState
// exclusively, processing one message at a time from its mailbox.
type Router struct {
	cfg           Config
	extractor     EntityIDExtractor
	regionCreator RegionCreator
	deadLetter    DeadLetter
	partitioner   *logclient.Partitioner
	log           logger.Logger
	metrics       *metrics.Router

	mailbox chan any
	stash   []any

	state *State

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Router in the Uninitialized phase. Call Run to start its
// mailbox loop and subscribe to a PartitionTracker.
func New(cfg Config, extractor EntityIDExtractor, regionCreator RegionCreator, deadLetter DeadLetter, log logger.Logger, m *metrics.Router) *Router {
	if cfg.HealthDeadline <= 0 {
		cfg.HealthDeadline = 5 * time.Second
	}
	if cfg.RegistrationRetryInterval <= 0 {
		cfg.RegistrationRetryInterval = 3 * time.Second
	}
	return &Router{
		cfg:           cfg,
		extractor:     extractor,
		regionCreator: regionCreator,
		deadLetter:    deadLetter,
		partitioner:   logclient.NewPartitioner(cfg.NumPartitions),
		log:           log,
		metrics:       m,
		mailbox:       make(chan any, 256),
		state:         NewState(cfg.DRStandbyEnabled),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Run starts the router's mailbox loop and assignment subscription. It
// blocks until ctx is done or Stop is called.
func (r *Router) Run(ctx context.Context, tracker PartitionTracker) {
	defer close(r.doneCh)
	go r.subscribeWithRetry(ctx, tracker)

	for {
		select {
		case msg := <-r.mailbox:
			r.handle(msg)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop shuts the router's loop down. It sends no stop signal to local
// regions.
func (r *Router) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	<-r.doneCh
}

// subscribeWithRetry registers with the PartitionTracker, retrying on a
// fixed interval until acknowledged, to survive tracker restarts (spec.md
// §4.1 "Initialization").
func (r *Router) subscribeWithRetry(ctx context.Context, tracker PartitionTracker) {
	ticker := time.NewTicker(r.cfg.RegistrationRetryInterval)
	defer ticker.Stop()

	for {
		snapshots, err := tracker.Register(ctx)
		if err == nil {
			r.pumpSnapshots(ctx, snapshots)
			return
		}
		r.log.Log(logger.LevelWarn, "router: partition tracker registration failed, retrying", "err", err)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		}
	}
}

func (r *Router) pumpSnapshots(ctx context.Context, snapshots <-chan model.PartitionAssignments) {
	for {
		select {
		case a, ok := <-snapshots:
			if !ok {
				return
			}
			select {
			case r.mailbox <- trackerAssignmentsMsg{assignments: a}:
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			}
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		}
	}
}

// Route asks the router to forward msg, blocking until the downstream
// reply (or the caller's own ask-timeout, via ctx) resolves. The router
// itself never manufactures a synthetic reply: a forwarded command's
// timeout is observed by the original caller (spec.md §4.1 "Failure
// semantics").
func (r *Router) Route(ctx context.Context, msg any) error {
	reply := make(chan error, 1)
	select {
	case r.mailbox <- routeMsg{payload: msg, reply: reply}:
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

// UpdateAssignments is the direct entry point for anything that already
// holds a PartitionAssignments snapshot instead of going through a
// PartitionTracker. It enqueues the snapshot on the mailbox and returns
// without waiting for it to be applied.
func (r *Router) UpdateAssignments(a model.PartitionAssignments) {
	r.mailbox <- updateAssignmentsMsg{assignments: a}
}

// GetRegionMap is the diagnostic read from spec.md §4.1.
func (r *Router) GetRegionMap(ctx context.Context) (map[uint32]model.RegionHandle, error) {
	reply := make(chan map[uint32]model.RegionHandle, 1)
	select {
	case r.mailbox <- getRegionMapMsg{reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case m := <-reply:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Health reports UP iff the partition tracker is up (meaning the router has
// left Uninitialized) and every local region answered within the health
// deadline. Local-region liveness is approximated here by checking that the
// region's termination channel is not yet closed; a fuller implementation
// would round-trip a ping message to each local sink.
func (r *Router) Health(ctx context.Context) (Health, error) {
	reply := make(chan Health, 1)
	select {
	case r.mailbox <- healthMsg{reply: reply}:
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

func (r *Router) handle(msg any) {
	if r.state.Phase == Uninitialized {
		switch msg.(type) {
		case trackerAssignmentsMsg, updateAssignmentsMsg:
			// handled below, falls through
		default:
			r.stash = append(r.stash, msg)
			return
		}
	}

	switch m := msg.(type) {
	case trackerAssignmentsMsg:
		r.applyAssignments(m.assignments)
		r.drainStash()
	case updateAssignmentsMsg:
		r.applyAssignments(m.assignments)
		r.drainStash()
	case routeMsg:
		r.route(m)
	case getRegionMapMsg:
		m.reply <- r.state.RegionMap()
	case healthMsg:
		m.reply <- r.health()
	case regionTerminatedMsg:
		r.state.DropRegion(m.partition)
		if r.metrics != nil {
			r.metrics.RegionsGauge.Set(float64(len(r.state.Regions)))
		}
	}
}

func (r *Router) drainStash() {
	if len(r.stash) == 0 {
		return
	}
	pending := r.stash
	r.stash = nil
	for _, m := range pending {
		r.handle(m)
	}
}

func (r *Router) applyAssignments(next model.PartitionAssignments) {
	initializing := r.state.Phase == Uninitialized
	diff := r.state.ApplyAssignments(next, r.cfg.Self)

	for host, parts := range diff.Revoked {
		for _, p := range parts {
			if host == r.cfg.Self {
				r.log.Log(logger.LevelInfo, "router: revoking local partition", "partition", p)
			}
			_ = p // remote selectors need no cleanup (spec.md §9 open question)
		}
	}

	// Non-standby initialization pass: pre-warm every partition assigned to
	// self so first-message latency is amortized. DR-standby explicitly
	// skips this (spec.md §4.1 "DR-standby"). Partitions added by later
	// updates are created lazily on their first routed command.
	if initializing && r.state.Phase == Active && !r.state.DRStandby {
		for _, p := range r.state.Assignments.Partitions(r.cfg.Self) {
			if _, ok := r.state.RegionFor(p); !ok {
				r.createLocalRegion(p)
			}
		}
	}

	if r.metrics != nil {
		r.metrics.RegionsGauge.Set(float64(len(r.state.Regions)))
	}
}

func (r *Router) route(m routeMsg) {
	entityID, ok := r.extractor(m.payload)
	if !ok {
		r.deadLetterMsg(m)
		return
	}

	partition, ok := r.partitioner.ForKey(entityID)
	if !ok {
		r.log.Log(logger.LevelWarn, "router: partitioner returned no partition", "entity_class", fmt.Sprintf("%T", m.payload))
		r.deadLetterMsg(m)
		return
	}

	r.state.ActivateOnRoutableCommand()

	region, ok := r.state.RegionFor(uint32(partition))
	if !ok {
		owner, assigned := r.state.Assignments.OwnerOf(uint32(partition))
		if !assigned {
			r.log.Log(logger.LevelWarn, "router: no assignment for partition, dropping", "partition", partition)
			r.deadLetterMsg(m)
			return
		}
		if !r.state.CanCreateRegions() {
			// Standby has not yet flipped to Active by the time we got
			// here only if ActivateOnRoutableCommand didn't run, which
			// cannot happen; kept defensive for DR-standby races.
			r.deadLetterMsg(m)
			return
		}
		if owner == r.cfg.Self {
			region = r.createLocalRegion(uint32(partition))
		} else {
			region = r.createRemoteRegion(uint32(partition), owner)
		}
	}

	// Delivery (and, for a local region, the publisher's full flush cycle)
	// runs off the actor goroutine: the mailbox loop only ever resolves
	// assignments, region lookups, and dead-letters synchronously. A slow
	// partition's in-flight commands must never stall routing for every
	// other partition (spec.md §5 committer batching depends on this).
	go r.deliverAsync(m, region, partition, entityID)
}

func (r *Router) deliverAsync(m routeMsg, region model.PartitionRegion, partition uint32, entityID string) {
	if err := r.deliver(region, m.payload); err != nil {
		r.log.Log(logger.LevelError, "router: ask-timeout forwarding command", "partition", partition, "entity_id", entityID, "err", err)
		m.reply <- err
		return
	}
	if r.metrics != nil {
		r.metrics.RoutedTotal.Inc()
	}
	m.reply <- nil
}

func (r *Router) deliver(region model.PartitionRegion, payload any) error {
	switch h := region.Handle.(type) {
	case model.LocalSink:
		return h.Send(payload)
	case model.RemoteSelector:
		// Network delivery to a remote selector is the transport layer's
		// job (spec.md §9 "Remote selectors"); this router only
		// constructs and holds the address. A production transport would
		// serialize payload and await the peer's reply here, propagating
		// its own ask-timeout to the caller.
		return fmt.Errorf("router: remote delivery to %s not wired in this build", h.Host)
	default:
		return fmt.Errorf("router: unknown region handle type %T", h)
	}
}

func (r *Router) createLocalRegion(partition uint32) model.PartitionRegion {
	send, done := r.regionCreator(partition)
	handle := model.LocalSink{Partition: partition, Send: send, Done: done}
	region := newPartitionRegion(partition, handle, true)
	r.state.SetRegion(region)
	go r.watchTermination(partition, done)
	return region
}

func (r *Router) createRemoteRegion(partition uint32, owner model.HostPort) model.PartitionRegion {
	handle := model.RemoteSelector{Host: owner, Path: fmt.Sprintf("/regions/%d", partition)}
	region := newPartitionRegion(partition, handle, false)
	r.state.SetRegion(region)
	return region
}

func (r *Router) watchTermination(partition uint32, done <-chan struct{}) {
	<-done
	select {
	case r.mailbox <- regionTerminatedMsg{partition: partition}:
	case <-r.stopCh:
	}
}

func (r *Router) deadLetterMsg(m routeMsg) {
	if r.deadLetter != nil {
		r.deadLetter(m.payload)
	}
	if r.metrics != nil {
		r.metrics.DeadLetterTotal.Inc()
	}
	m.reply <- errs.ErrUnroutable
}

func (r *Router) health() Health {
	up := r.state.Phase != Uninitialized
	var down []uint32
	for p, region := range r.state.Regions {
		if !region.IsLocal {
			continue
		}
		sink, ok := region.Handle.(model.LocalSink)
		if !ok {
			continue
		}
		select {
		case <-sink.Done:
			down = append(down, p)
		default:
		}
	}
	return Health{Up: up && len(down) == 0, Phase: r.state.Phase.String(), LocalRegionDown: down}
}
