package supervisor

import (
	"time"

	"shardfleet/internal/ipc"
	"shardfleet/internal/shard"
)

// Cluster is one worker process and the shard range it owns. ID and Shards
// never change; the rest is guarded by the owning Supervisor's mutex.
type Cluster struct {
	ID     int
	Shards shard.Range

	sup *Supervisor

	proc      Process
	ch        *ipc.Channel
	ready     bool
	client    string
	startedAt time.Time
	killed    bool
}

// ClusterInfo is a point-in-time view of a cluster.
type ClusterInfo struct {
	ID        int
	Shards    shard.Range
	Pid       int
	Ready     bool
	Client    string
	StartedAt time.Time
}

func (c *Cluster) channel() *ipc.Channel {
	c.sup.mu.Lock()
	defer c.sup.mu.Unlock()
	return c.ch
}

// Send writes a message to the cluster.
func (c *Cluster) Send(msg ipc.Message) error {
	ch := c.channel()
	if ch == nil {
		return ErrNotStarted
	}
	return ch.Send(msg)
}

// Reply answers req with output. Requests without an id expect no answer.
func (c *Cluster) Reply(req ipc.Message, output any) error {
	if req.ID == "" {
		return nil
	}
	return c.Send(req.Reply(output))
}

// Info returns a snapshot of the cluster.
func (c *Cluster) Info() ClusterInfo {
	c.sup.mu.Lock()
	defer c.sup.mu.Unlock()
	return c.infoLocked()
}

func (c *Cluster) infoLocked() ClusterInfo {
	info := ClusterInfo{
		ID:        c.ID,
		Shards:    c.Shards,
		Ready:     c.ready,
		Client:    c.client,
		StartedAt: c.startedAt,
	}
	if c.proc != nil {
		info.Pid = c.proc.Pid()
	}
	return info
}
