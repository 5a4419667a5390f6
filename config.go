package secretd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultConfigFileName is the YAML config file the CLI looks for under the
// config directory.
const DefaultConfigFileName = "config.yaml"

// DefaultConfigDir returns the per-user config directory, honoring
// SECRETD_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("SECRETD_CONFIG_DIR")); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".secretd"), nil
}

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9641"
	// DefaultListenProto controls the network used when none is configured.
	DefaultListenProto = "tcp"
	// DefaultStore points the server at the in-memory backend when no store
	// is provided.
	DefaultStore = "mem://"
	// DefaultJSONMaxBytes bounds incoming JSON payloads.
	DefaultJSONMaxBytes = int64(1 << 20)
	// DefaultCommitRetryAttempts bounds the optimistic-concurrency commit
	// loop per project record.
	DefaultCommitRetryAttempts = 16
	// DefaultCommitRetryBaseDelay configures the first backoff between
	// contended commit attempts.
	DefaultCommitRetryBaseDelay = 10 * time.Millisecond
	// DefaultCommitRetryMaxDelay caps the exponential backoff between
	// contended commit attempts.
	DefaultCommitRetryMaxDelay = 500 * time.Millisecond
	// DefaultCommitRetryMultiplier defines the commit backoff ratio.
	DefaultCommitRetryMultiplier = 2.0
	// DefaultStorageRetryMaxAttempts describes how many transient storage
	// errors are retried.
	DefaultStorageRetryMaxAttempts = 5
	// DefaultStorageRetryBaseDelay configures the base delay between storage
	// retries.
	DefaultStorageRetryBaseDelay = 25 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between
	// storage retries.
	DefaultStorageRetryMaxDelay = 2 * time.Second
	// DefaultStorageRetryMultiplier defines the storage backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
)

// DefaultSeedEnvironments are created with every new project unless
// overridden in Config.
var DefaultSeedEnvironments = []string{"dev", "prod"}

// Config describes a secretd server instance.
type Config struct {
	// Listen is the address the API server binds to.
	Listen string
	// ListenProto selects the listener network ("tcp" or "unix").
	ListenProto string
	// Store selects the storage backend as a DSN: mem:// or disk:///path.
	Store string
	// MetricsListen exposes a Prometheus scrape endpoint when set.
	MetricsListen string
	// PprofListen exposes a pprof debug listener when set.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export when set, e.g. grpc://collector:4317.
	OTLPEndpoint string
	// DisableHTTPTracing turns off per-request spans on the API listener.
	DisableHTTPTracing bool
	// JSONMaxBytes bounds incoming JSON request bodies.
	JSONMaxBytes int64
	// DiskSyncWrites fsyncs disk-store writes; slower but crash-durable.
	DiskSyncWrites bool

	// SeedEnvironments are created in every new project. Nil selects
	// DefaultSeedEnvironments; an explicit empty slice seeds none.
	SeedEnvironments []string

	// Commit retry knobs bound the optimistic-concurrency loop per project.
	CommitRetryAttempts   int
	CommitRetryBaseDelay  time.Duration
	CommitRetryMaxDelay   time.Duration
	CommitRetryMultiplier float64

	// Storage retry knobs bound retries of transient backend errors.
	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64
}

// Validate normalizes cfg in place, applying defaults and rejecting
// contradictory settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "unix":
	default:
		return fmt.Errorf("config: listen proto must be %q or %q", "tcp", "unix")
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.SeedEnvironments == nil {
		c.SeedEnvironments = DefaultSeedEnvironments
	}
	if c.CommitRetryAttempts <= 0 {
		c.CommitRetryAttempts = DefaultCommitRetryAttempts
	}
	if c.CommitRetryBaseDelay <= 0 {
		c.CommitRetryBaseDelay = DefaultCommitRetryBaseDelay
	}
	if c.CommitRetryMaxDelay <= 0 {
		c.CommitRetryMaxDelay = DefaultCommitRetryMaxDelay
	}
	if c.CommitRetryMultiplier < 1 {
		c.CommitRetryMultiplier = DefaultCommitRetryMultiplier
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier < 1 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	return nil
}
