package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"shardfleet/internal/ipc"
	"shardfleet/internal/shard"
	"shardfleet/internal/supervisor"
)

// ErrInvalidConfig wraps every error returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all shardfleet configuration.
type Config struct {
	// Worker processes
	Workers WorkersConfig `yaml:"workers"`

	// Shard planning
	Shards ShardsConfig `yaml:"shards"`

	// Spawn queue and respawn policy
	Spawn SpawnConfig `yaml:"spawn"`

	// Lifecycle journal
	Journal JournalConfig `yaml:"journal"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// WorkersConfig configures how worker processes are launched.
type WorkersConfig struct {
	Path  string   `yaml:"path"` // empty = this binary
	Args  []string `yaml:"args"`
	Env   []string `yaml:"env,omitempty"`
	Codec string   `yaml:"codec"` // json, msgpack
}

// ShardsConfig configures the shard plan.
type ShardsConfig struct {
	Total          int    `yaml:"total"` // 0 = ask the gateway
	Range          []int  `yaml:"range,omitempty"`
	PerCluster     int    `yaml:"per_cluster"`
	FirstClusterID *int   `yaml:"first_cluster_id,omitempty"`
	Token          string `yaml:"token,omitempty"`
	GatewayURL     string `yaml:"gateway_url,omitempty"`
	GatewayTimeout string `yaml:"gateway_timeout"`
}

// SpawnConfig configures spawning and respawning.
type SpawnConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	StartDelay    string `yaml:"start_delay"`
	RestartDelay  string `yaml:"restart_delay"`
	Respawn       bool   `yaml:"respawn"`
}

// JournalConfig configures the SQLite event journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers: WorkersConfig{
			Args:  []string{"worker"},
			Codec: ipc.CodecNameJSON,
		},
		Shards: ShardsConfig{
			PerCluster:     16,
			GatewayTimeout: "10s",
		},
		Spawn: SpawnConfig{
			MaxConcurrent: 1,
			StartDelay:    "5s",
			RestartDelay:  "1s",
			Respawn:       true,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    filepath.Join(".fleet", "journal.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides are applied either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
// Unparsable numbers are ignored.
func (c *Config) applyEnvOverrides() {
	if token := os.Getenv("FLEET_TOKEN"); token != "" {
		c.Shards.Token = token
	}
	if v := os.Getenv("FLEET_TOTAL_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Shards.Total = n
		}
	}
	if v := os.Getenv("FLEET_SHARDS_PER_CLUSTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Shards.PerCluster = n
		}
	}
	if v := os.Getenv("FLEET_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Spawn.MaxConcurrent = n
		}
	}
	if path := os.Getenv("FLEET_JOURNAL"); path != "" {
		c.Journal.Path = path
	}
}

// GetStartDelay returns the pause between cluster starts.
func (c *Config) GetStartDelay() time.Duration {
	return parseDuration(c.Spawn.StartDelay, 5*time.Second)
}

// GetRestartDelay returns the pause before a requested restart or kill.
func (c *Config) GetRestartDelay() time.Duration {
	return parseDuration(c.Spawn.RestartDelay, supervisor.DefaultRestartDelay)
}

// GetGatewayTimeout returns the HTTP timeout for the gateway lookup.
func (c *Config) GetGatewayTimeout() time.Duration {
	return parseDuration(c.Shards.GatewayTimeout, 10*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ShardRange returns the configured sub-range, or nil for the whole set.
func (c *Config) ShardRange() (*shard.Range, error) {
	if len(c.Shards.Range) == 0 {
		return nil, nil
	}
	if len(c.Shards.Range) != 2 {
		return nil, fmt.Errorf("shards.range must have 2 elements, got %d", len(c.Shards.Range))
	}
	r := shard.Range{c.Shards.Range[0], c.Shards.Range[1]}
	return &r, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	durations := []struct{ name, value string }{
		{"spawn.start_delay", c.Spawn.StartDelay},
		{"spawn.restart_delay", c.Spawn.RestartDelay},
		{"shards.gateway_timeout", c.Shards.GatewayTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, d.name, err)
		}
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("%w: journal.path is required when the journal is enabled", ErrInvalidConfig)
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown logging.level %q", ErrInvalidConfig, c.Logging.Level)
	}

	sc, err := c.SupervisorConfig()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// SupervisorConfig converts the file configuration into a supervisor.Config.
// An empty worker path resolves to the running executable.
func (c *Config) SupervisorConfig() (supervisor.Config, error) {
	r, err := c.ShardRange()
	if err != nil {
		return supervisor.Config{}, err
	}

	path := c.Workers.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return supervisor.Config{}, fmt.Errorf("failed to resolve worker path: %w", err)
		}
		path = exe
	}

	sc := supervisor.DefaultConfig()
	sc.WorkerPath = path
	if len(c.Workers.Args) > 0 {
		sc.WorkerArgs = append([]string(nil), c.Workers.Args...)
	}
	sc.Env = append([]string(nil), c.Workers.Env...)
	if c.Workers.Codec != "" {
		sc.Codec = c.Workers.Codec
	}

	sc.TotalShards = c.Shards.Total
	sc.ShardRange = r
	sc.ShardsPerCluster = c.Shards.PerCluster
	sc.FirstClusterID = c.Shards.FirstClusterID
	sc.Token = c.Shards.Token
	sc.GatewayURL = c.Shards.GatewayURL
	sc.HTTPClient = &http.Client{Timeout: c.GetGatewayTimeout()}

	sc.MaxConcurrent = c.Spawn.MaxConcurrent
	sc.StartDelay = c.GetStartDelay()
	sc.RestartDelay = c.GetRestartDelay()
	sc.Respawn = c.Spawn.Respawn
	return sc, nil
}
