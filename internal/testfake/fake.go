// Package testfake wires an in-process kfake.Cluster for integration tests
// of the router, publisher, and stream manager, so those tests exercise a
// real (if fake) broker protocol without needing a live Kafka cluster.
package testfake

import (
	"fmt"

	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Cluster wraps an in-process fake Kafka cluster and the seed-broker list
// callers pass to kgo.NewClient.
type Cluster struct {
	fake *kfake.Cluster
}

// New starts a fake cluster with default topic auto-creation; callers that
// need a topic pre-sized to a specific partition count should produce to it
// once (or use their own Admin) before relying on partition assignments.
func New() (*Cluster, error) {
	c, err := kfake.NewCluster()
	if err != nil {
		return nil, fmt.Errorf("testfake: start cluster: %w", err)
	}
	return &Cluster{fake: c}, nil
}

// SeedBrokers returns the listen addresses to pass to kgo.SeedBrokers.
func (c *Cluster) SeedBrokers() []string {
	return c.fake.ListenAddrs()
}

// NewClient builds a *kgo.Client pointed at this cluster with extraOpts
// layered on top of the seed-broker option.
func (c *Cluster) NewClient(extraOpts ...kgo.Opt) (*kgo.Client, error) {
	opts := append([]kgo.Opt{kgo.SeedBrokers(c.SeedBrokers()...)}, extraOpts...)
	return kgo.NewClient(opts...)
}

// Close tears down the fake cluster.
func (c *Cluster) Close() {
	c.fake.Close()
}
