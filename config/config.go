// Package config holds the broker configuration tree, populated from flags,
// environment, or a config file via viper in cmd.
package config

import (
	"errors"
	"time"
)

type Config struct {
	// NodeID uniquely identifies this broker across the cluster.
	NodeID string `mapstructure:"node_id"`
	// DataDir is the root directory for partition logs.
	DataDir string `mapstructure:"data_dir"`
	// BindAddr is the listen address for the broker RPC server.
	BindAddr string `mapstructure:"bind_addr"`
	// AdvertiseAddr is the address peers use to reach this broker. Defaults
	// to BindAddr.
	AdvertiseAddr string `mapstructure:"advertise_addr"`

	Segment     SegmentConfig     `mapstructure:"segment"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Replication ReplicationConfig `mapstructure:"replication"`

	// AcksTimeout bounds how long acks=all produces wait for the ISR.
	AcksTimeout time.Duration `mapstructure:"acks_timeout"`
}

type SegmentConfig struct {
	// MaxSegmentBytes triggers a roll when the active segment would exceed
	// this size.
	MaxSegmentBytes uint64 `mapstructure:"max_segment_bytes"`
	// MaxSegmentAge rolls the active segment after this age regardless of
	// size. Zero disables age-based rolling.
	MaxSegmentAge time.Duration `mapstructure:"max_segment_age"`
	// IndexIntervalBytes is the sparse index granularity.
	IndexIntervalBytes uint32 `mapstructure:"index_interval_bytes"`
}

type RetentionConfig struct {
	// MaxLogBytes deletes the oldest committed segments once the partition
	// exceeds this size. Zero disables size-based retention.
	MaxLogBytes uint64 `mapstructure:"max_log_bytes"`
	// MaxLogAge deletes committed segments whose newest record is older than
	// this. Zero disables age-based retention.
	MaxLogAge time.Duration `mapstructure:"max_log_age"`
	// CheckInterval is how often the retention pass runs.
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

type ReplicationConfig struct {
	// FetchMaxBytes caps record bytes per replica fetch.
	FetchMaxBytes uint32 `mapstructure:"fetch_max_bytes"`
	// ReplicaLagTimeout drops a follower from the ISR when it has not
	// fetched for this long.
	ReplicaLagTimeout time.Duration `mapstructure:"replica_lag_timeout"`
	// ISRCheckInterval is how often ISR membership is re-evaluated.
	ISRCheckInterval time.Duration `mapstructure:"isr_check_interval"`
	// PollInterval is the follower wait after an empty fetch.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// BackoffMin and BackoffMax bound follower retry backoff.
	BackoffMin time.Duration `mapstructure:"backoff_min"`
	BackoffMax time.Duration `mapstructure:"backoff_max"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		DataDir:     "/var/lib/rafka",
		BindAddr:    "127.0.0.1:9092",
		AcksTimeout: 5 * time.Second,
		Segment: SegmentConfig{
			MaxSegmentBytes:    64 * 1024 * 1024,
			IndexIntervalBytes: 4096,
		},
		Retention: RetentionConfig{
			MaxLogAge:     7 * 24 * time.Hour,
			CheckInterval: time.Minute,
		},
		Replication: ReplicationConfig{
			FetchMaxBytes:     1 << 20,
			ReplicaLagTimeout: 10 * time.Second,
			ISRCheckInterval:  time.Second,
			PollInterval:      250 * time.Millisecond,
			BackoffMin:        50 * time.Millisecond,
			BackoffMax:        time.Second,
		},
	}
}

func (c Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("config: node_id is required")
	}
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if c.BindAddr == "" {
		return errors.New("config: bind_addr is required")
	}
	return nil
}

// RPCAddr returns the address peers should dial.
func (c Config) RPCAddr() string {
	if c.AdvertiseAddr != "" {
		return c.AdvertiseAddr
	}
	return c.BindAddr
}
