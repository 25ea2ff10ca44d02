package model

import (
	"reflect"
	"sort"
	"testing"
)

func TestPartitionAssignmentsDiff(t *testing.T) {
	hostA := HostPort{Host: "localhost", Port: 9000}
	hostB := HostPort{Host: "remote", Port: 9001}

	before := NewPartitionAssignments("orders", map[HostPort][]uint32{
		hostA: {0, 1},
		hostB: {2},
	})
	after := NewPartitionAssignments("orders", map[HostPort][]uint32{
		hostA: {0, 1, 2},
		hostB: {},
	})

	diff := before.Diff(after)

	gotAdded := diff.Added[hostA]
	sort.Slice(gotAdded, func(i, j int) bool { return gotAdded[i] < gotAdded[j] })
	if !reflect.DeepEqual(gotAdded, []uint32{2}) {
		t.Fatalf("added for hostA = %v, want [2]", gotAdded)
	}

	gotRevoked := diff.Revoked[hostB]
	if !reflect.DeepEqual(gotRevoked, []uint32{2}) {
		t.Fatalf("revoked for hostB = %v, want [2]", gotRevoked)
	}

	if len(diff.Revoked[hostA]) != 0 {
		t.Fatalf("hostA should not have revocations, got %v", diff.Revoked[hostA])
	}
}

func TestPartitionAssignmentsByPartitionAndOwnerOf(t *testing.T) {
	hostA := HostPort{Host: "localhost", Port: 9000}
	assignments := NewPartitionAssignments("orders", map[HostPort][]uint32{
		hostA: {0, 1},
	})

	byPart := assignments.ByPartition()
	if got := byPart[PartitionID{Topic: "orders", Partition: 1}]; got != hostA {
		t.Fatalf("ByPartition()[orders-1] = %v, want %v", got, hostA)
	}

	owner, ok := assignments.OwnerOf(0)
	if !ok || owner != hostA {
		t.Fatalf("OwnerOf(0) = %v, %v; want %v, true", owner, ok, hostA)
	}

	if _, ok := assignments.OwnerOf(99); ok {
		t.Fatalf("OwnerOf(99) should not be assigned")
	}
}

func TestPartitionAssignmentsCopiesInput(t *testing.T) {
	hostA := HostPort{Host: "localhost", Port: 9000}
	parts := []uint32{0, 1}
	assignments := NewPartitionAssignments("orders", map[HostPort][]uint32{hostA: parts})

	parts[0] = 99 // mutate the caller's slice after construction

	if got := assignments.Partitions(hostA); got[0] != 0 {
		t.Fatalf("assignments retained a reference to caller's slice: got %v", got)
	}
}
