// Package config builds RouterConfig, PublisherConfig, and
// StreamManagerConfig from functional options, mirroring the way kgo itself
// is configured (kgo.Opt, e.g. kgo.SeedBrokers, kgo.TransactionalID)
// instead of a struct literal or a third-party config-loading library.
package config

import (
	"time"

	"github.com/eventcore/eventcore/internal/committer"
	"github.com/eventcore/eventcore/pkg/eventcore/model"
	"github.com/eventcore/eventcore/pkg/eventcore/publisher"
	"github.com/eventcore/eventcore/pkg/eventcore/router"
	"github.com/eventcore/eventcore/pkg/eventcore/stream"
)

// Config is the fully resolved set of recognized keys from spec.md §6:
// log.brokers, reuse_consumer_id, committer.max_batch,
// committer.max_interval, committer.parallelism, publisher.flush_interval,
// dr_standby_enabled, entire_replay_timeout.
type Config struct {
	LogBrokers      []string
	ReuseConsumerID bool

	Topic       string
	EventsTopic string
	StateTopic  string
	TxnIDPrefix string

	CommitterMaxBatch    int
	CommitterMaxInterval time.Duration
	CommitterParallelism int

	PublisherFlushInterval time.Duration

	DRStandbyEnabled    bool
	EntireReplayTimeout time.Duration

	HostAwareness model.HostPort
}

// Opt mutates a Config being built. Every recognized key above has a
// matching Opt constructor.
type Opt func(*Config)

// Brokers sets log.brokers.
func Brokers(addrs ...string) Opt {
	return func(c *Config) { c.LogBrokers = addrs }
}

// ReuseConsumerID sets reuse_consumer_id.
func ReuseConsumerID(reuse bool) Opt {
	return func(c *Config) { c.ReuseConsumerID = reuse }
}

// Topic sets the tracked topic and its derived events/state topic names.
func Topic(topic string) Opt {
	return func(c *Config) {
		c.Topic = topic
		c.EventsTopic = topic + ".events"
		c.StateTopic = topic + ".state"
	}
}

// TransactionalIDPrefix sets the per-cluster prefix each publisher derives
// its transactional id from (spec.md §9, resolved in SPEC_FULL.md §5.2).
func TransactionalIDPrefix(prefix string) Opt {
	return func(c *Config) { c.TxnIDPrefix = prefix }
}

// CommitterBatch sets committer.max_batch / committer.max_interval /
// committer.parallelism together, since they describe one collaborator.
func CommitterBatch(maxBatch int, maxInterval time.Duration, parallelism int) Opt {
	return func(c *Config) {
		c.CommitterMaxBatch = maxBatch
		c.CommitterMaxInterval = maxInterval
		c.CommitterParallelism = parallelism
	}
}

// PublisherFlushInterval sets publisher.flush_interval.
func PublisherFlushInterval(d time.Duration) Opt {
	return func(c *Config) { c.PublisherFlushInterval = d }
}

// DRStandbyEnabled sets dr_standby_enabled.
func DRStandbyEnabled(enabled bool) Opt {
	return func(c *Config) { c.DRStandbyEnabled = enabled }
}

// EntireReplayTimeout sets entire_replay_timeout.
func EntireReplayTimeout(d time.Duration) Opt {
	return func(c *Config) { c.EntireReplayTimeout = d }
}

// HostAwareness sets the (host, port) this node advertises to a host-aware
// partition assignor (spec.md §4.3).
func HostAwareness(hp model.HostPort) Opt {
	return func(c *Config) { c.HostAwareness = hp }
}

// New resolves opts into a Config, applying the same defaults the
// individual component configs would apply on their own so a caller
// inspecting Config sees the values actually in effect.
func New(opts ...Opt) Config {
	c := Config{
		ReuseConsumerID:        true,
		CommitterMaxBatch:      500,
		CommitterMaxInterval:   time.Second,
		CommitterParallelism:   1,
		PublisherFlushInterval: 50 * time.Millisecond,
		EntireReplayTimeout:    5 * time.Minute,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// RouterConfig projects this Config down to what router.Config needs for
// self and numPartitions (the latter is discovered from topic metadata at
// startup, not carried here).
func (c Config) RouterConfig(self model.HostPort, numPartitions int32) router.Config {
	return router.Config{
		Self:             self,
		Topic:            c.Topic,
		NumPartitions:    numPartitions,
		DRStandbyEnabled: c.DRStandbyEnabled,
	}
}

// PublisherConfig projects this Config down to what publisher.Config needs
// for one partition.
func (c Config) PublisherConfig(partition uint32) publisher.Config {
	return publisher.Config{
		EventsTopic:             c.EventsTopic,
		StateTopic:              c.StateTopic,
		Partition:               partition,
		TxnIDPrefix:             c.TxnIDPrefix,
		FlushInterval:           c.PublisherFlushInterval,
		MetadataRefreshInterval: 200 * time.Millisecond,
	}
}

// StreamManagerConfig projects this Config down to what stream.Config
// needs.
func (c Config) StreamManagerConfig() stream.Config {
	return stream.Config{
		Topic:         c.Topic,
		HostAwareness: stream.HostAwareness{Host: c.HostAwareness},
		Committer: committer.Config{
			MaxBatch:    c.CommitterMaxBatch,
			MaxInterval: c.CommitterMaxInterval,
			Parallelism: c.CommitterParallelism,
		},
	}
}
