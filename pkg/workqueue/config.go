package workqueue

import (
	"flag"
	"strconv"
	"strings"
	"time"

	"github.com/grafana/dskit/flagext"
)

// RedisConfig is the connection spec for the shared Redis pool, built at
// supervisor startup and reused by every worker.
type RedisConfig struct {
	Host      string         `yaml:"host"`
	Port      int            `yaml:"port"`
	Password  flagext.Secret `yaml:"password"`
	Timeout   time.Duration  `yaml:"timeout"`
	MaxActive int            `yaml:"max_active"`
}

// RegisterFlagsAndApplyDefaults registers flags under prefix and applies
// the §6 defaults (localhost:6379, 4000ms timeout, 20 max-active).
func (c *RedisConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Host, prefix+".redis.host", "localhost", "Redis host.")
	f.IntVar(&c.Port, prefix+".redis.port", 6379, "Redis port.")
	f.DurationVar(&c.Timeout, prefix+".redis.timeout", 4000*time.Millisecond, "Per-command timeout.")
	f.IntVar(&c.MaxActive, prefix+".redis.max-active", 20, "Redis connection pool size.")
}

// Addrs splits Host on commas; more than one entry is treated as a cluster
// address list. Port is not applied here (see addrWithPort).
func (c RedisConfig) Addrs() []string {
	return strings.Split(c.Host, ",")
}

func (c RedisConfig) addrWithPort() []string {
	addrs := c.Addrs()
	if len(addrs) == 1 && c.Port != 0 && !strings.Contains(addrs[0], ":") {
		return []string{addrs[0] + ":" + strconv.Itoa(c.Port)}
	}
	return addrs
}

// QueueNames holds the three Redis list names backing one consumer
// instance's reliable queue.
type QueueNames struct {
	Work     string `yaml:"work_queue"`
	Working  string `yaml:"working_queue"`
	Complete string `yaml:"complete_queue"`
}

// RegisterFlagsAndApplyDefaults registers the (required, no default) queue
// name flags under prefix.
func (q *QueueNames) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&q.Work, prefix+".work-queue", "", "Redis list name for ready work units (required).")
	f.StringVar(&q.Working, prefix+".working-queue", "", "Redis list name for claimed-but-unsettled work units (required).")
	f.StringVar(&q.Complete, prefix+".complete-queue", "", "Redis list name for settled work outcomes (required).")
}
