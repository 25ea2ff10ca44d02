package model

import "fmt"

// PartitionID identifies one partition of one topic. It is compared as a
// whole: two partitions on different topics with the same partition number
// are different PartitionIDs.
type PartitionID struct {
	Topic     string
	Partition uint32
}

func (p PartitionID) String() string {
	return fmt.Sprintf("%s-%d", p.Topic, p.Partition)
}
