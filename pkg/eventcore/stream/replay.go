package stream

import (
	"context"
	"errors"
)

// errReplayNotConfigured is returned by Manager.Replay when no Coordinator
// was supplied at construction.
var errReplayNotConfigured = errors.New("stream: replay coordinator not configured")

// ReplayStrategy rewinds whatever offsets/state the operator wants replayed
// (spec.md §4.3 "Replay" — typically a kadm.Client.SetOffsets call against
// the tracked topic's consumer group).
type ReplayStrategy func(ctx context.Context) error

// Result is the outcome of one replay cycle.
type Result struct {
	Failed bool
	Err    error
}

// ReplaySuccessfullyStarted returns a successful Result.
func ReplaySuccessfullyStarted() Result { return Result{} }

// ReplayFailed wraps err into a failed Result.
func ReplayFailed(err error) Result { return Result{Failed: true, Err: err} }

// Coordinator implements the three-step replay protocol from spec.md §4.3:
// stop all consumers in the group, invoke the user's replay strategy, then
// restart. It does not itself track which consumers exist in the group —
// Manager.doReplay already stops/restarts its own pipeline around the call
// to Run; Coordinator's job is solely to run the strategy and translate its
// outcome into a Result.
type Coordinator struct{}

// NewCoordinator returns a ready-to-use replay coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// Run executes strategy and reports the outcome.
func (c *Coordinator) Run(ctx context.Context, strategy ReplayStrategy) Result {
	if strategy == nil {
		return ReplayFailed(errors.New("stream: no replay strategy supplied"))
	}
	if err := strategy(ctx); err != nil {
		return ReplayFailed(err)
	}
	return ReplaySuccessfullyStarted()
}
