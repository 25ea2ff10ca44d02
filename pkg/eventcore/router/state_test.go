package router

import (
	"testing"

	"github.com/eventcore/eventcore/pkg/eventcore/model"
)

func TestApplyAssignmentsDropsRevokedRegionsAtomically(t *testing.T) {
	self := model.HostPort{Host: "localhost", Port: 9000}
	peer := model.HostPort{Host: "peer", Port: 9001}

	s := NewState(false)
	first := model.NewPartitionAssignments("orders", map[model.HostPort][]uint32{
		self: {0, 1},
		peer: {2},
	})
	s.ApplyAssignments(first, self)

	if !s.SetRegion(newPartitionRegion(0, model.LocalSink{Partition: 0}, true)) {
		t.Fatalf("SetRegion(0) should succeed, partition 0 is assigned")
	}
	if !s.SetRegion(newPartitionRegion(1, model.LocalSink{Partition: 1}, true)) {
		t.Fatalf("SetRegion(1) should succeed")
	}

	second := model.NewPartitionAssignments("orders", map[model.HostPort][]uint32{
		self: {0},
		peer: {1, 2},
	})
	s.ApplyAssignments(second, self)

	if _, ok := s.RegionFor(1); ok {
		t.Fatalf("region for revoked partition 1 should have been dropped")
	}
	if _, ok := s.RegionFor(0); !ok {
		t.Fatalf("region for still-assigned partition 0 should remain")
	}

	byPart := s.Assignments.ByPartition()
	for p := range s.Regions {
		if _, ok := byPart[model.PartitionID{Topic: "orders", Partition: p}]; !ok {
			t.Fatalf("region set contains partition %d absent from assignments", p)
		}
	}
}

func TestSetRegionRejectsUnassignedPartition(t *testing.T) {
	self := model.HostPort{Host: "localhost", Port: 9000}
	s := NewState(false)
	s.ApplyAssignments(model.NewPartitionAssignments("orders", map[model.HostPort][]uint32{
		self: {0},
	}), self)

	if s.SetRegion(newPartitionRegion(7, model.LocalSink{Partition: 7}, true)) {
		t.Fatalf("SetRegion should reject a partition absent from assignments")
	}
}

func TestPhaseTransitionsUninitializedToActiveOrStandby(t *testing.T) {
	self := model.HostPort{Host: "localhost", Port: 9000}

	active := NewState(false)
	if active.Phase != Uninitialized {
		t.Fatalf("fresh state should be Uninitialized")
	}
	active.ApplyAssignments(model.NewPartitionAssignments("orders", map[model.HostPort][]uint32{self: {0}}), self)
	if active.Phase != Active {
		t.Fatalf("Phase = %v, want Active", active.Phase)
	}

	standby := NewState(true)
	standby.ApplyAssignments(model.NewPartitionAssignments("orders", map[model.HostPort][]uint32{self: {0}}), self)
	if standby.Phase != Standby {
		t.Fatalf("Phase = %v, want Standby", standby.Phase)
	}
	if standby.CanCreateRegions() {
		t.Fatalf("Standby must not allow region creation")
	}

	standby.ActivateOnRoutableCommand()
	if standby.Phase != Active {
		t.Fatalf("Phase after routable command = %v, want Active", standby.Phase)
	}
	if !standby.CanCreateRegions() {
		t.Fatalf("Active must allow region creation")
	}

	// Never returns to Uninitialized, and re-activating is a no-op.
	standby.ActivateOnRoutableCommand()
	if standby.Phase != Active {
		t.Fatalf("re-activating should be a no-op, got %v", standby.Phase)
	}
}
