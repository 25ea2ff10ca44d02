// Package publisher implements the transactional partition publisher: the
// per-partition agent that batches pending writes, publishes events+state
// atomically via producer transactions, tracks in-flight records, and
// answers "is entity X's state current?" queries.
//
// This file holds PublisherState, the pure state machine with no I/O, kept
// separate from the effectful driver (publisher.go) so the invariants in
// spec.md §3 can be property-tested without a broker.
package publisher

import (
	"time"

	"github.com/eventcore/eventcore/pkg/eventcore/model"
)

// Phase is the publisher's position in the state machine described in
// spec.md §4.2: Uninitialized -> InitializingTx -> RecoveringBacklog ->
// Processing -> (Fenced, terminal).
type Phase int

const (
	Uninitialized Phase = iota
	InitializingTx
	RecoveringBacklog
	Processing
	Fenced
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "Uninitialized"
	case InitializingTx:
		return "InitializingTx"
	case RecoveringBacklog:
		return "RecoveringBacklog"
	case Processing:
		return "Processing"
	case Fenced:
		return "Fenced"
	default:
		return "Unknown"
	}
}

// State is the pure, I/O-free state of one TransactionalPublisher instance.
// Every invariant in spec.md §3 is either enforced by a method here or
// checked by Validate for use in property tests.
type State struct {
	Phase Phase

	// RecoveryEndOffset is the flush record's offset (E in spec.md §4.2),
	// set when entering RecoveringBacklog.
	RecoveryEndOffset uint64

	PendingWrites []model.PendingWrite
	PendingInits  []model.PendingInit
	InFlight      *model.InFlight

	TransactionInProgress  bool
	TransactionStartedAt   *time.Time
}

// NewState returns a fresh Uninitialized publisher state.
func NewState() *State {
	return &State{
		Phase:    Uninitialized,
		InFlight: model.NewInFlight(),
	}
}

// BeginTransaction marks a transaction as open. It is the only place
// TransactionStartedAt is set, preserving the
// TransactionInProgress <=> TransactionStartedAt.is_some() invariant.
func (s *State) BeginTransaction(now time.Time) {
	s.TransactionInProgress = true
	s.TransactionStartedAt = &now
}

// EndTransaction clears the open-transaction bookkeeping, regardless of
// whether it ended via commit or abort.
func (s *State) EndTransaction() {
	s.TransactionInProgress = false
	s.TransactionStartedAt = nil
}

// CurrentTxnDuration returns how long the current transaction has been
// open, or 0 if none is open.
func (s *State) CurrentTxnDuration(now time.Time) time.Duration {
	if s.TransactionStartedAt == nil {
		return 0
	}
	return now.Sub(*s.TransactionStartedAt)
}

// EnqueueWrite appends a pending write. pending_writes is FIFO: writes are
// drained in the order they were enqueued on the next flush.
func (s *State) EnqueueWrite(w model.PendingWrite) {
	s.PendingWrites = append(s.PendingWrites, w)
}

// DrainWrites removes and returns every pending write, in FIFO order. A
// flush that successfully commits drains the whole queue in one attempt.
func (s *State) DrainWrites() []model.PendingWrite {
	drained := s.PendingWrites
	s.PendingWrites = nil
	return drained
}

// EnqueueInit records an outstanding is_state_current query. If key has no
// in-flight entry right now, it is resolved immediately (true) instead of
// being queued, per the invariant that every PendingInit whose key has no
// inflight entry is already resolved on the next state-advance.
func (s *State) EnqueueInit(init model.PendingInit) (resolvedNow bool) {
	if _, inFlight := s.InFlight.Get(init.EntityKey); !inFlight {
		model.Reply(init.Sender, true)
		return true
	}
	s.PendingInits = append(s.PendingInits, init)
	return false
}

// AdvanceRetirement retires every in-flight record up to processedOffset for
// (topic, partition), then resolves pending inits whose key retired or
// whose deadline has passed. It never re-adds a key to in-flight: retiring
// is monotone.
func (s *State) AdvanceRetirement(topic string, partition uint32, processedOffset uint64, now time.Time) (retiredKeys []string, timedOut int) {
	retired := s.InFlight.RetireUpTo(topic, partition, processedOffset)
	retiredSet := make(map[string]struct{}, len(retired))
	for _, k := range retired {
		retiredSet[k] = struct{}{}
	}

	remaining := s.PendingInits[:0]
	for _, init := range s.PendingInits {
		_, stillInFlight := s.InFlight.Get(init.EntityKey)
		switch {
		case !stillInFlight:
			model.Reply(init.Sender, true)
		case now.After(init.ExpiresAt):
			model.Reply(init.Sender, false)
			timedOut++
		default:
			remaining = append(remaining, init)
		}
	}
	s.PendingInits = remaining
	return retired, timedOut
}

// RecordAck upserts an acknowledged state-topic write into in-flight,
// keeping only the largest offset per key.
func (s *State) RecordAck(meta model.RecordMetadata) {
	s.InFlight.Upsert(meta)
}

// Validate reports the first invariant violation found, or nil. It exists
// for property tests to assert against arbitrary sequences of operations.
func (s *State) Validate() error {
	if s.TransactionInProgress != (s.TransactionStartedAt != nil) {
		return errInvariant("transaction_in_progress does not match transaction_started_at")
	}
	return nil
}

type invariantError string

func (e invariantError) Error() string { return string(e) }

func errInvariant(msg string) error { return invariantError(msg) }
