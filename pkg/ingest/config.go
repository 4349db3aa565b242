package ingest

import (
	"flag"
	"time"
)

// Config is the shared conf handed to every fetch client the Producer
// Registry creates. It carries connection-level tuning that applies
// uniformly across brokers; per-broker identity comes from the Broker the
// registry is asked to connect to.
type Config struct {
	// DialTimeout bounds how long dialing a broker may take. It is passed
	// to the client as kgo.DialTimeout; Registry.GetOrCreate does not dial,
	// so a slow or failed dial surfaces later as a fetch error.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// ClientID is reported to brokers for request attribution/quotas.
	ClientID string `yaml:"client_id"`
}

// RegisterFlagsAndApplyDefaults registers flags under prefix and applies
// defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&c.DialTimeout, prefix+".dial-timeout", 10*time.Second, "Timeout for establishing a new broker connection.")
	f.StringVar(&c.ClientID, prefix+".client-id", "fetchqueue-consumer", "Client ID reported to Kafka brokers.")
}
