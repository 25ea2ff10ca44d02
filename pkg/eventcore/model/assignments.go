package model

// PartitionAssignments is an immutable snapshot of the total mapping from
// HostPort to the ordered set of partitions it owns, restricted to the one
// tracked topic. A partition may be temporarily absent from every host
// during a rebalance.
type PartitionAssignments struct {
	topic  string
	byHost map[HostPort][]uint32
}

// NewPartitionAssignments builds a snapshot for the tracked topic from a
// host -> partitions mapping. The caller's slices are copied so the
// resulting snapshot is safe to retain.
func NewPartitionAssignments(topic string, byHost map[HostPort][]uint32) PartitionAssignments {
	cp := make(map[HostPort][]uint32, len(byHost))
	for host, parts := range byHost {
		partsCp := make([]uint32, len(parts))
		copy(partsCp, parts)
		cp[host] = partsCp
	}
	return PartitionAssignments{topic: topic, byHost: cp}
}

// Topic returns the tracked topic this snapshot describes.
func (a PartitionAssignments) Topic() string {
	return a.topic
}

// Hosts returns every host with at least one assigned partition.
func (a PartitionAssignments) Hosts() []HostPort {
	hosts := make([]HostPort, 0, len(a.byHost))
	for h := range a.byHost {
		hosts = append(hosts, h)
	}
	return hosts
}

// Partitions returns the partitions assigned to host, or nil if host has
// none.
func (a PartitionAssignments) Partitions(host HostPort) []uint32 {
	return a.byHost[host]
}

// ByPartition returns the derived view: PartitionID -> owning HostPort.
// Each partition maps to exactly one host at a time.
func (a PartitionAssignments) ByPartition() map[PartitionID]HostPort {
	out := make(map[PartitionID]HostPort)
	for host, parts := range a.byHost {
		for _, p := range parts {
			out[PartitionID{Topic: a.topic, Partition: p}] = host
		}
	}
	return out
}

// OwnerOf returns the host owning partition and whether it is currently
// assigned at all.
func (a PartitionAssignments) OwnerOf(partition uint32) (HostPort, bool) {
	for host, parts := range a.byHost {
		for _, p := range parts {
			if p == partition {
				return host, true
			}
		}
	}
	return HostPort{}, false
}

// AssignmentDiff is the result of diffing two PartitionAssignments
// snapshots, grouped by host.
type AssignmentDiff struct {
	Added   map[HostPort][]uint32
	Revoked map[HostPort][]uint32
}

// Diff computes {added, revoked} of next relative to a (the previous
// snapshot). Both sides are restricted to the topic a was built with.
func (a PartitionAssignments) Diff(next PartitionAssignments) AssignmentDiff {
	diff := AssignmentDiff{
		Added:   make(map[HostPort][]uint32),
		Revoked: make(map[HostPort][]uint32),
	}

	hosts := make(map[HostPort]struct{}, len(a.byHost)+len(next.byHost))
	for h := range a.byHost {
		hosts[h] = struct{}{}
	}
	for h := range next.byHost {
		hosts[h] = struct{}{}
	}

	for host := range hosts {
		before := toSet(a.byHost[host])
		after := toSet(next.byHost[host])

		for p := range after {
			if _, ok := before[p]; !ok {
				diff.Added[host] = append(diff.Added[host], p)
			}
		}
		for p := range before {
			if _, ok := after[p]; !ok {
				diff.Revoked[host] = append(diff.Revoked[host], p)
			}
		}
	}
	return diff
}

func toSet(parts []uint32) map[uint32]struct{} {
	s := make(map[uint32]struct{}, len(parts))
	for _, p := range parts {
		s[p] = struct{}{}
	}
	return s
}
