package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"shardfleet/internal/eval"
	"shardfleet/internal/ipc"
	"shardfleet/internal/logging"
	"shardfleet/internal/shard"
)

// workerCmd is the process the coordinator spawns by default
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one cluster (spawned by fleet run)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	assignment, err := ipc.AssignmentFromEnv()
	if err != nil {
		return err
	}
	logging.Worker("cluster %d booting for shards %s", assignment.ClusterID, assignment.Shards)

	client := &shardClient{assignment: assignment}
	w := ipc.NewWorker(os.Stdin, os.Stdout, client, ipc.WithCodec(ipc.CodecFromEnv()))
	client.worker = w
	return w.Serve(cmd.Context())
}

// shardClient is the built-in worker: it owns its shards, reports ready and
// idles until the coordinator goes away.
type shardClient struct {
	worker     *ipc.Worker
	assignment shard.Assignment

	mu        sync.Mutex
	startedAt time.Time
	total     int
}

func (c *shardClient) Run(ctx context.Context, start ipc.StartMessage) error {
	if start.Cluster != c.assignment.ClusterID {
		return fmt.Errorf("start for cluster %d delivered to cluster %d", start.Cluster, c.assignment.ClusterID)
	}
	c.mu.Lock()
	c.startedAt = time.Now()
	c.total = start.TotalShards
	c.mu.Unlock()

	if err := c.worker.Ready(c.identity()); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (c *shardClient) identity() string {
	return fmt.Sprintf("fleet-worker/%d shards %s", c.assignment.ClusterID, c.assignment.Shards)
}

// Uptime is reachable from eval snippets as fleet.Client.Uptime().
func (c *shardClient) Uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt.IsZero() {
		return 0
	}
	return time.Since(c.startedAt)
}

// Bindings exposes the assignment to eval snippets.
func (c *shardClient) Bindings() eval.Bindings {
	return eval.Bindings{
		"ClusterID": c.assignment.ClusterID,
		"ShardLo":   c.assignment.Shards.Lo(),
		"ShardHi":   c.assignment.Shards.Hi(),
	}
}
