package publisher

import (
	"testing"
	"time"

	"github.com/eventcore/eventcore/pkg/eventcore/model"
)

func TestTransactionInvariantHoldsAcrossBeginEnd(t *testing.T) {
	s := NewState()
	if err := s.Validate(); err != nil {
		t.Fatalf("fresh state invalid: %v", err)
	}

	s.BeginTransaction(time.Now())
	if !s.TransactionInProgress || s.TransactionStartedAt == nil {
		t.Fatalf("BeginTransaction did not set both fields")
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("state invalid after begin: %v", err)
	}

	s.EndTransaction()
	if s.TransactionInProgress || s.TransactionStartedAt != nil {
		t.Fatalf("EndTransaction did not clear both fields")
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("state invalid after end: %v", err)
	}
}

func TestInFlightKeepsAtMostOneLargestOffsetPerKey(t *testing.T) {
	s := NewState()
	k := "entity-1"
	s.RecordAck(model.RecordMetadata{Key: &k, Offset: 7, Topic: "state", Partition: 0})
	s.RecordAck(model.RecordMetadata{Key: &k, Offset: 2, Topic: "state", Partition: 0})
	s.RecordAck(model.RecordMetadata{Key: &k, Offset: 19, Topic: "state", Partition: 0})

	if s.InFlight.Len() != 1 {
		t.Fatalf("InFlight.Len() = %d, want 1", s.InFlight.Len())
	}
	got, ok := s.InFlight.Get(k)
	if !ok || got.Offset != 19 {
		t.Fatalf("Get(%q) = %+v, %v; want offset 19", k, got, ok)
	}
}

func TestPendingInitResolvesImmediatelyWhenKeyNotInFlight(t *testing.T) {
	s := NewState()
	reply := make(chan bool, 1)
	resolved := s.EnqueueInit(model.PendingInit{
		Sender:    reply,
		EntityKey: "no-such-key",
		ExpiresAt: time.Now().Add(time.Second),
	})
	if !resolved {
		t.Fatalf("EnqueueInit should resolve immediately when key has no in-flight entry")
	}
	select {
	case v := <-reply:
		if !v {
			t.Fatalf("expected true, got false")
		}
	default:
		t.Fatalf("expected a reply on the channel")
	}
}

func TestPendingInitResolvesTrueOnRetirement(t *testing.T) {
	s := NewState()
	k := "entity-1"
	s.RecordAck(model.RecordMetadata{Key: &k, Offset: 42, Topic: "state", Partition: 0})

	reply := make(chan bool, 1)
	resolved := s.EnqueueInit(model.PendingInit{
		Sender:    reply,
		EntityKey: k,
		ExpiresAt: time.Now().Add(5 * time.Second),
	})
	if resolved {
		t.Fatalf("EnqueueInit should not resolve immediately while key is in-flight")
	}
	select {
	case <-reply:
		t.Fatalf("should not have replied yet")
	default:
	}

	retired, timedOut := s.AdvanceRetirement("state", 0, 50, time.Now())
	if len(retired) != 1 || retired[0] != k {
		t.Fatalf("retired = %v, want [%s]", retired, k)
	}
	if timedOut != 0 {
		t.Fatalf("timedOut = %d, want 0", timedOut)
	}
	select {
	case v := <-reply:
		if !v {
			t.Fatalf("expected true after retirement, got false")
		}
	default:
		t.Fatalf("expected a reply after retirement")
	}
}

func TestPendingInitTimesOutAsFalse(t *testing.T) {
	s := NewState()
	k := "entity-1"
	s.RecordAck(model.RecordMetadata{Key: &k, Offset: 42, Topic: "state", Partition: 0})

	reply := make(chan bool, 1)
	s.EnqueueInit(model.PendingInit{
		Sender:    reply,
		EntityKey: k,
		ExpiresAt: time.Now().Add(-time.Millisecond), // already expired
	})

	// processed_offset never reaches 42: the key stays in-flight, and only
	// the deadline resolves the init.
	_, timedOut := s.AdvanceRetirement("state", 0, 0, time.Now())
	if timedOut != 1 {
		t.Fatalf("timedOut = %d, want 1", timedOut)
	}
	select {
	case v := <-reply:
		if v {
			t.Fatalf("expected false on timeout, got true")
		}
	default:
		t.Fatalf("expected a reply on timeout")
	}
}

func TestMonotoneRetirementNeverReAddsKey(t *testing.T) {
	s := NewState()
	k := "entity-1"
	s.RecordAck(model.RecordMetadata{Key: &k, Offset: 10, Topic: "state", Partition: 0})

	s.AdvanceRetirement("state", 0, 20, time.Now())
	if _, ok := s.InFlight.Get(k); ok {
		t.Fatalf("key should be retired after processed_offset=20")
	}

	// Feeding a larger offset again must not resurrect the key.
	s.AdvanceRetirement("state", 0, 100, time.Now())
	if _, ok := s.InFlight.Get(k); ok {
		t.Fatalf("key reappeared in in-flight after repeated retirement")
	}
}

func TestDrainWritesPreservesFIFOAndEmptiesQueue(t *testing.T) {
	s := NewState()
	s.EnqueueWrite(model.PendingWrite{State: model.StateWrite{Key: "a"}})
	s.EnqueueWrite(model.PendingWrite{State: model.StateWrite{Key: "b"}})
	s.EnqueueWrite(model.PendingWrite{State: model.StateWrite{Key: "c"}})

	drained := s.DrainWrites()
	want := []string{"a", "b", "c"}
	for i, w := range drained {
		if w.State.Key != want[i] {
			t.Fatalf("drained[%d] = %s, want %s", i, w.State.Key, want[i])
		}
	}
	if len(s.PendingWrites) != 0 {
		t.Fatalf("PendingWrites should be empty after drain")
	}
}
