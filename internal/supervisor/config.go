package supervisor

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"shardfleet/internal/eval"
	"shardfleet/internal/ipc"
	"shardfleet/internal/shard"
)

var (
	// ErrInvalidConfig wraps every configuration error returned by New.
	ErrInvalidConfig = errors.New("invalid supervisor config")

	// ErrClusterExists is returned when spawning an id that is registered.
	ErrClusterExists = errors.New("cluster already exists")

	// ErrClusterNotFound is returned for operations on an unknown cluster id.
	ErrClusterNotFound = errors.New("cluster not found")

	// ErrNotStarted is returned by operations that need Start to have run.
	ErrNotStarted = errors.New("supervisor not started")

	// ErrShutdown is returned once Shutdown has begun.
	ErrShutdown = errors.New("supervisor is shutting down")
)

// OpHandler handles an extension op sent by a cluster.
type OpHandler func(c *Cluster, msg ipc.Message)

// Config holds everything a Supervisor needs.
type Config struct {
	// Worker entry point, used when Spawner is nil.
	WorkerPath string
	WorkerArgs []string

	// Env is appended to every worker's environment.
	Env []string

	// TotalShards of 0 asks the gateway for the recommended count.
	TotalShards      int
	ShardRange       *shard.Range
	ShardsPerCluster int
	FirstClusterID   *int

	// Gateway lookup, only used when TotalShards is 0.
	Token      string
	GatewayURL string
	HTTPClient *http.Client

	MaxConcurrent int
	StartDelay    time.Duration
	RestartDelay  time.Duration
	Respawn       bool

	// Codec is the wire codec name ("json" or "msgpack").
	Codec string

	Spawner    Spawner
	LogFunc    LogFunc
	MessageOps map[string]OpHandler

	// Bindings are added to the coordinator's evaluator next to Supervisor.
	Bindings eval.Bindings
}

// DefaultRestartDelay matches the pause between a restart confirmation and
// the restart itself.
const DefaultRestartDelay = time.Second

// DefaultConfig returns a config with every optional field at its default.
func DefaultConfig() Config {
	return Config{
		WorkerArgs:       []string{"worker"},
		ShardsPerCluster: 16,
		MaxConcurrent:    1,
		StartDelay:       5 * time.Second,
		RestartDelay:     DefaultRestartDelay,
		Respawn:          true,
		Codec:            ipc.CodecNameJSON,
	}
}

// PlanOptions returns the shard planning options for a given total.
func (c Config) PlanOptions(total int) shard.PlanOptions {
	return shard.PlanOptions{
		TotalShards:      total,
		Range:            c.ShardRange,
		ShardsPerCluster: c.ShardsPerCluster,
		FirstClusterID:   c.FirstClusterID,
	}
}

// Validate reports the first configuration error, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	if c.Spawner == nil && c.WorkerPath == "" {
		return fmt.Errorf("%w: worker path is required", ErrInvalidConfig)
	}
	switch {
	case c.TotalShards < 0:
		return fmt.Errorf("%w: total shards must be positive or 0 for auto, got %d", ErrInvalidConfig, c.TotalShards)
	case c.TotalShards == 0:
		if c.Token == "" {
			return fmt.Errorf("%w: a token is required to fetch the total shard count", ErrInvalidConfig)
		}
		// The range can only be checked against the total once it is known.
		opts := c.PlanOptions(1)
		opts.Range = nil
		if err := opts.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	default:
		if err := c.PlanOptions(c.TotalShards).Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("%w: max concurrent must be at least 1, got %d", ErrInvalidConfig, c.MaxConcurrent)
	}
	if c.StartDelay < 0 {
		return fmt.Errorf("%w: start delay must not be negative", ErrInvalidConfig)
	}
	if c.RestartDelay < 0 {
		return fmt.Errorf("%w: restart delay must not be negative", ErrInvalidConfig)
	}
	if !ipc.ValidCodec(c.Codec) {
		return fmt.Errorf("%w: unknown codec %q", ErrInvalidConfig, c.Codec)
	}
	return nil
}
