package consumer

import (
	"flag"
	"time"

	"github.com/grafana/fetchqueue/pkg/ingest"
	"github.com/grafana/fetchqueue/pkg/workqueue"
)

// Config collects every tunable named in spec.md §6.
type Config struct {
	Redis  workqueue.RedisConfig `yaml:"redis"`
	Queues workqueue.QueueNames  `yaml:"queues"`
	Kafka  ingest.Config         `yaml:"kafka"`

	// FetchTimeout is the per-unit fetch wait (conf.fetch-timeout).
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// ConsumerThreads is the worker pool size (conf.consumer-threads).
	ConsumerThreads int `yaml:"consumer_threads"`
	// ConsumerQueueLimit bounds the pool's internal queue
	// (conf.consumer-queue-limit).
	ConsumerQueueLimit int `yaml:"consumer_queue_limit"`
	// DownstreamChannelCapacity bounds the message channel handed to
	// downstream consumers.
	DownstreamChannelCapacity int `yaml:"downstream_channel_capacity"`
	// ShutdownGracePeriod bounds how long the worker pool is given to
	// drain before the dispatcher is forcibly stopped.
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`
}

// RegisterFlagsAndApplyDefaults registers flags under prefix and applies
// the §6 defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Redis.RegisterFlagsAndApplyDefaults(prefix, f)
	c.Queues.RegisterFlagsAndApplyDefaults(prefix, f)
	c.Kafka.RegisterFlagsAndApplyDefaults(prefix+".kafka", f)

	f.DurationVar(&c.FetchTimeout, prefix+".fetch-timeout", 10000*time.Millisecond, "Per-unit fetch wait before failing the work unit.")
	f.IntVar(&c.ConsumerThreads, prefix+".consumer-threads", 1, "Number of worker goroutines.")
	f.IntVar(&c.ConsumerQueueLimit, prefix+".consumer-queue-limit", 10, "Capacity of the worker pool's internal queue.")
	f.IntVar(&c.DownstreamChannelCapacity, prefix+".downstream-channel-capacity", 100, "Capacity of the downstream message channel.")
	f.DurationVar(&c.ShutdownGracePeriod, prefix+".shutdown-grace-period", 10000*time.Millisecond, "Grace period given to the worker pool to drain before forcing a stop.")
}
