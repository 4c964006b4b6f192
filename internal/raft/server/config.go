package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"raft-engine/internal/raft"
	"raft-engine/internal/raft/engine"
	"raft-engine/internal/raft/transport"
)

// PeerConfig names one member of the initial cluster.
type PeerConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// Config holds the settings of one server. Zero durations and sizes are replaced by ApplyDefaults.
type Config struct {
	// ID defaults to a random UUID. It must stay the same across restarts of a server with the same data dir.
	ID string `yaml:"id"`
	// ListenAddress is where the gRPC service listens; AdvertiseAddress is what peers dial and defaults to it.
	ListenAddress    string `yaml:"listenAddress"`
	AdvertiseAddress string `yaml:"advertiseAddress"`
	DataDir          string `yaml:"dataDir"`

	// Peers is the initial membership. The server counts itself in unless Join is set, in which case it waits to
	// be added by the leader through a configuration change.
	Peers []PeerConfig `yaml:"peers"`
	Join  bool         `yaml:"join"`

	// Section 5.6 timing: broadcast time << ElectionTimeoutMin. HeartbeatInterval must stay well below it.
	ElectionTimeoutMin time.Duration `yaml:"electionTimeoutMin"`
	ElectionTimeoutMax time.Duration `yaml:"electionTimeoutMax"`
	HeartbeatInterval  time.Duration `yaml:"heartbeatInterval"`

	RPCTimeout       time.Duration `yaml:"rpcTimeout"`
	MaxRetries       int           `yaml:"maxRetries"`
	RetryBackoffBase time.Duration `yaml:"retryBackoffBase"`
	MaxRetryBackoff  time.Duration `yaml:"maxRetryBackoff"`
	// RequestTimeout bounds how long Propose, ReadIndex and ChangeConfiguration wait for an outcome.
	RequestTimeout time.Duration `yaml:"requestTimeout"`

	PreVote             bool   `yaml:"preVote"`
	MaxEntriesPerAppend int    `yaml:"maxEntriesPerAppend"`
	SnapshotThreshold   uint64 `yaml:"snapshotThreshold"`
	SnapshotChunkSize   int    `yaml:"snapshotChunkSize"`
	// MaxQueuedMessages caps the outbound queue of each peer. The oldest message is dropped when it overflows.
	MaxQueuedMessages int `yaml:"maxQueuedMessages"`

	// MetricsFile receives a JSON metrics report on shutdown when set.
	MetricsFile string `yaml:"metricsFile"`
}

// DefaultConfig returns a config with every default applied and a fresh id.
func DefaultConfig() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// LoadConfig reads a YAML config file and applies defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config data and applies defaults. Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	c.ApplyDefaults()
	return c, nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	def := transport.DefaultOptions()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ListenAddress == "" {
		c.ListenAddress = "127.0.0.1:0"
	}
	if c.AdvertiseAddress == "" {
		c.AdvertiseAddress = c.ListenAddress
	}
	// The range of 150-300ms is chosen based on the recommendation for the end of Section 9.3 from the Raft paper
	if c.ElectionTimeoutMin == 0 {
		c.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if c.ElectionTimeoutMax == 0 {
		c.ElectionTimeoutMax = 2 * c.ElectionTimeoutMin
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = c.ElectionTimeoutMin / 3
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = def.RPCTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBackoffBase == 0 {
		c.RetryBackoffBase = def.RetryBackoffBase
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = def.MaxRetryBackoff
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 2 * time.Second
	}
	if c.SnapshotChunkSize == 0 {
		c.SnapshotChunkSize = 64 * 1024
	}
	if c.MaxQueuedMessages == 0 {
		c.MaxQueuedMessages = 1024
	}
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		errs = append(errs, fmt.Errorf("election timeout range [%v, %v] is invalid", c.ElectionTimeoutMin, c.ElectionTimeoutMax))
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.ElectionTimeoutMin {
		errs = append(errs, fmt.Errorf("heartbeat interval %v must be positive and below the election timeout", c.HeartbeatInterval))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("maxRetries %d is negative", c.MaxRetries))
	}
	if c.SnapshotChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("snapshotChunkSize %d must be positive", c.SnapshotChunkSize))
	}
	if c.MaxEntriesPerAppend < 0 {
		errs = append(errs, fmt.Errorf("maxEntriesPerAppend %d is negative", c.MaxEntriesPerAppend))
	}
	if c.Join && len(c.Peers) == 0 {
		errs = append(errs, errors.New("join requires at least one peer"))
	}
	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID == "" || p.Address == "" {
			errs = append(errs, fmt.Errorf("peer %q needs both id and address", p.ID))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("peer %q listed twice", p.ID))
		}
		seen[p.ID] = true
	}
	return errors.Join(errs...)
}

// Members returns the initial membership: every configured peer plus this server unless it joins later.
func (c *Config) Members() map[string]string {
	members := make(map[string]string, len(c.Peers)+1)
	for _, p := range c.Peers {
		members[p.ID] = p.Address
	}
	if !c.Join {
		members[c.ID] = c.AdvertiseAddress
	}
	return members
}

func (c *Config) engineConfig() engine.Config {
	return engine.Config{
		PreVote:             c.PreVote,
		MaxEntriesPerAppend: c.MaxEntriesPerAppend,
		SnapshotThreshold:   c.SnapshotThreshold,
	}
}

// TransportOptions derives the retry policy of the outbound transport.
func (c *Config) TransportOptions(metrics transport.Recorder) transport.Options {
	return transport.Options{
		RPCTimeout:       c.RPCTimeout,
		MaxRetries:       c.MaxRetries,
		RetryBackoffBase: c.RetryBackoffBase,
		MaxRetryBackoff:  c.MaxRetryBackoff,
		Metrics:          metrics,
	}
}

func (c *Config) electionTimeout() time.Duration {
	return raft.RandomElectionTimeout(c.ElectionTimeoutMin, c.ElectionTimeoutMax)
}
