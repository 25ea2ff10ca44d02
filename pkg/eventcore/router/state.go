// Package router implements the ShardRouter: resolves an entity id to the
// partition and region responsible for it, forwards commands, and reacts to
// rebalances and DR-standby. This file holds the pure state (RouterState)
// and its invariant-preserving transitions, separate from the effectful
// agent (router.go) that owns timers, the mailbox, and region creation.
package router

import (
	"time"

	"github.com/eventcore/eventcore/pkg/eventcore/model"
)

// Phase is the router's position in the state machine from spec.md §4.1:
// Uninitialized -> {Standby | Active}. Active never reverts to
// Uninitialized.
type Phase int

const (
	Uninitialized Phase = iota
	Standby
	Active
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "Uninitialized"
	case Standby:
		return "Standby"
	case Active:
		return "Active"
	default:
		return "Unknown"
	}
}

// State is the pure router state: the current assignment snapshot, the
// region table, and whether DR-standby is in effect.
type State struct {
	Phase       Phase
	Assignments model.PartitionAssignments
	Regions     map[uint32]model.PartitionRegion
	DRStandby   bool
}

// NewState returns a fresh Uninitialized router state. If drStandbyEnabled
// is set, the first assignments snapshot moves the router to Standby
// instead of Active.
func NewState(drStandbyEnabled bool) *State {
	return &State{
		Phase:     Uninitialized,
		Regions:   make(map[uint32]model.PartitionRegion),
		DRStandby: drStandbyEnabled,
	}
}

// ApplyAssignments replaces s.Assignments atomically and drops every region
// whose partition was revoked, so the invariant "regions.keys is a subset
// of the new assignments" holds immediately after this call returns. It
// returns the diff so the caller can act on revocations (stopping local
// regions, dropping remote selectors).
func (s *State) ApplyAssignments(next model.PartitionAssignments, self model.HostPort) model.AssignmentDiff {
	diff := s.Assignments.Diff(next)
	s.Assignments = next

	for _, revokedParts := range diff.Revoked {
		for _, p := range revokedParts {
			delete(s.Regions, p)
		}
	}

	if s.Phase == Uninitialized {
		if s.DRStandby {
			s.Phase = Standby
		} else {
			s.Phase = Active
		}
	}
	return diff
}

// ActivateOnRoutableCommand flips Standby to Active. It is a no-op in every
// other phase: Uninitialized must first receive assignments, and Active is
// already active.
func (s *State) ActivateOnRoutableCommand() {
	if s.Phase == Standby {
		s.Phase = Active
	}
}

// CanCreateRegions reports whether the router is allowed to instantiate
// regions right now: never while Uninitialized or in Standby.
func (s *State) CanCreateRegions() bool {
	return s.Phase == Active
}

// SetRegion installs a region the caller already created, enforcing the
// invariant that every region's partition must appear in Assignments.
func (s *State) SetRegion(region model.PartitionRegion) bool {
	if _, assigned := s.Assignments.OwnerOf(region.Partition); !assigned {
		return false
	}
	s.Regions[region.Partition] = region
	return true
}

// DropRegion removes a region, e.g. because its local sink terminated.
func (s *State) DropRegion(partition uint32) {
	delete(s.Regions, partition)
}

// RegionFor returns the currently tracked region for partition, if any.
func (s *State) RegionFor(partition uint32) (model.PartitionRegion, bool) {
	r, ok := s.Regions[partition]
	return r, ok
}

// RegionMap returns a diagnostic snapshot of partition -> RegionHandle.
func (s *State) RegionMap() map[uint32]model.RegionHandle {
	out := make(map[uint32]model.RegionHandle, len(s.Regions))
	for p, r := range s.Regions {
		out[p] = r.Handle
	}
	return out
}

// newPartitionRegion is a small constructor kept here (not in model) since
// AssignedSince is a router concept, not a data-model invariant.
func newPartitionRegion(partition uint32, handle model.RegionHandle, isLocal bool) model.PartitionRegion {
	return model.PartitionRegion{
		Partition:     partition,
		Handle:        handle,
		AssignedSince: time.Now(),
		IsLocal:       isLocal,
	}
}
