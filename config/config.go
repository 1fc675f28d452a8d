package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-jobguard"
)

const (
	DefaultShards      = 16
	DefaultIdleTimeout = 5 * time.Minute
	DefaultLockTTL     = time.Minute
)

// Config is the service configuration.
type Config struct {
	Host      string          `json:"host" yaml:"host"`
	Guardian  GuardianConfig  `json:"guardian" yaml:"guardian"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Process   ProcessConfig   `json:"process" yaml:"process"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Jobs      []jobguard.Job  `json:"jobs,omitempty" yaml:"jobs,omitempty"`
}

type GuardianConfig struct {
	Shards int `json:"shards" yaml:"shards"`
	// SharedLock chains a store backed lock behind the local guardian so that
	// several hosts sharing the store exclude each other.
	SharedLock bool          `json:"shared_lock" yaml:"shared_lock"`
	LockTTL    time.Duration `json:"lock_ttl" yaml:"lock_ttl"`
}

type StoreConfig struct {
	Path       string `json:"path" yaml:"path"`
	InMemory   bool   `json:"in_memory" yaml:"in_memory"`
	SyncWrites bool   `json:"sync_writes" yaml:"sync_writes"`
}

type ProcessConfig struct {
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	CloseRetryDelay time.Duration `json:"close_retry_delay" yaml:"close_retry_delay"`
}

type SchedulerConfig struct {
	Handler    jobguard.HandlerConfig `json:"handler" yaml:"handler"`
	QueryDelay time.Duration          `json:"query_delay" yaml:"query_delay"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return Config{
		Host: host,
		Guardian: GuardianConfig{
			Shards:  DefaultShards,
			LockTTL: DefaultLockTTL,
		},
		Store: StoreConfig{InMemory: true},
		Process: ProcessConfig{
			IdleTimeout:     DefaultIdleTimeout,
			CloseRetryDelay: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Parse decodes YAML (or JSON) on top of the defaults and validates the
// result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("host is required")
	}
	if strings.Contains(c.Host, "/") {
		return fmt.Errorf("host %q must not contain '/'", c.Host)
	}
	if c.Guardian.Shards < 1 {
		return fmt.Errorf("guardian.shards must be at least 1, got %d", c.Guardian.Shards)
	}
	if c.Guardian.LockTTL < 0 {
		return fmt.Errorf("guardian.lock_ttl must not be negative")
	}
	if !c.Store.InMemory && strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required unless store.in_memory is set")
	}
	if c.Process.IdleTimeout < 0 {
		return fmt.Errorf("process.idle_timeout must not be negative")
	}
	if c.Scheduler.QueryDelay < 0 {
		return fmt.Errorf("scheduler.query_delay must not be negative")
	}
	if h := c.Scheduler.Handler; h.RetryBase < 0 || h.RetryMax < 0 || h.RetryFactor < 0 {
		return fmt.Errorf("scheduler.handler retry_base, retry_factor and retry_max must not be negative")
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	seen := make(map[string]bool, len(c.Jobs))
	for idx, job := range c.Jobs {
		if job.ID == "" {
			return fmt.Errorf("jobs[%d]: id is required", idx)
		}
		if seen[job.ID] {
			return fmt.Errorf("jobs[%d]: duplicate id %s", idx, job.ID)
		}
		seen[job.ID] = true
		if job.BucketSpan <= 0 {
			return fmt.Errorf("jobs[%d]: bucket_span is required for job %s", idx, job.ID)
		}
	}
	return nil
}
