package model

import "time"

// RegionHandle is a logical address for a partition's local handler: either
// a local message sink owned by the router, or a remote selector pointing
// at the peer router on another host. The core only constructs and holds
// these addresses; serialization and delivery across the wire is the
// transport layer's job.
type RegionHandle interface {
	isRegionHandle()
}

// LocalSink addresses a region that lives in this process. Send delivers a
// message to the region's mailbox; the channel is owned by the router.
type LocalSink struct {
	Partition uint32
	Send      func(msg any) error
	// Done is closed when the local region terminates, standing in for a
	// cross-process death-watch.
	Done <-chan struct{}
}

func (LocalSink) isRegionHandle() {}

// RemoteSelector addresses a region living on another node. It carries no
// connection state: constructing one makes no network call.
type RemoteSelector struct {
	Host HostPort
	Path string
}

func (RemoteSelector) isRegionHandle() {}

// PartitionRegion is the router's record of one partition's current
// handler.
type PartitionRegion struct {
	Partition     uint32
	Handle        RegionHandle
	AssignedSince time.Time
	IsLocal       bool
}
