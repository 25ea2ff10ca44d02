// Package errs declares the sentinel errors and retriable classification
// used across eventcore, mirroring the split franz-go's kerr package makes
// between fatal and retriable broker errors.
package errs

import "errors"

// Sentinel errors. Wrap with fmt.Errorf("...: %w", err) at the call site
// to add context; callers should errors.Is against these.
var (
	// ErrFenced means this producer instance has been superseded by a
	// newer instance sharing its transactional id. Fatal to the instance.
	ErrFenced = errors.New("eventcore: producer fenced")

	// ErrUnroutable means entity-id extraction failed or the resolved
	// partition has no known assignment.
	ErrUnroutable = errors.New("eventcore: message unroutable")

	// ErrNotInitialized means a component received a request before its
	// first PartitionAssignments (router) or before its transaction
	// machinery finished bootstrapping (publisher).
	ErrNotInitialized = errors.New("eventcore: not initialized")

	// ErrTransientLog means begin/commit/submit failed without fencing;
	// the caller should retry via a fresh publish, not this error.
	ErrTransientLog = errors.New("eventcore: transient log error")

	// ErrInitFatal means the producer could not be constructed
	// (authorization, unsupported version, or another broker-fatal cause).
	ErrInitFatal = errors.New("eventcore: producer init fatal")

	// ErrStopped means an operation was attempted against a component that
	// has already been stopped.
	ErrStopped = errors.New("eventcore: stopped")
)

// Kind classifies an error into one of the six kinds from the error
// handling design: Fenced, TransientLog, InitFatal, ConsumerFailure,
// Unroutable, Timeout. ConsumerFailure and Timeout are not sentinel errors
// here: the former never escapes the stream manager's restart supervisor,
// and the latter is a decision (resolve false), not an error value.
type Kind int

const (
	KindUnknown Kind = iota
	KindFenced
	KindTransientLog
	KindInitFatal
	KindUnroutable
)

// Classify maps err to its Kind, defaulting to KindUnknown for anything it
// does not recognize. Retriable reports KindUnknown as not retriable.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrFenced):
		return KindFenced
	case errors.Is(err, ErrUnroutable):
		return KindUnroutable
	case errors.Is(err, ErrInitFatal):
		return KindInitFatal
	case errors.Is(err, ErrTransientLog):
		return KindTransientLog
	default:
		return KindUnknown
	}
}

// Retriable reports whether the classified error kind should be retried by
// the owning component rather than surfaced. This mirrors kerr.Error's
// Retriable field, but operates over our own taxonomy instead of broker
// error codes.
func Retriable(err error) bool {
	switch Classify(err) {
	case KindTransientLog, KindInitFatal:
		return true
	default:
		return false
	}
}
