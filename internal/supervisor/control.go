package supervisor

import (
	"context"
	"fmt"

	"shardfleet/internal/ipc"
	"shardfleet/internal/logging"
)

// handleRestart dispatches a restart request by target.
func (s *Supervisor) handleRestart(c *Cluster, msg ipc.Message) {
	switch msg.Target {
	case "":
		s.reply(c, msg, "Invalid restart target")
	case ipc.TargetCluster:
		s.restartCluster(c, msg)
	case ipc.TargetAll:
		s.restartAll(c, msg)
	case ipc.TargetClusters:
		s.restartClusters(c, msg)
	default:
		s.reply(c, msg, "Could not find restart handler for the target")
	}
}

func requester(c *Cluster, msg ipc.Message) string {
	if msg.User != "" {
		return msg.User
	}
	return fmt.Sprintf("cluster %d", c.ID)
}

func (s *Supervisor) restartCluster(c *Cluster, msg ipc.Message) {
	id, ok := msg.SingleTarget()
	if ok {
		s.mu.Lock()
		ok = s.liveLocked(id) != nil
		s.mu.Unlock()
	}
	if !ok {
		s.reply(c, msg, "Invalid target ID to restart")
		return
	}

	s.log(EventCluster, ipc.LogEntry{
		Title:       fmt.Sprintf("Cluster Restart: %d", id),
		Description: fmt.Sprintf("Requested by %s", requester(c, msg)),
		Color:       ColorRestart,
	})
	s.reply(c, msg, fmt.Sprintf("Restarting cluster `%d`", id))

	s.goAsync(func(ctx context.Context) {
		if sleep(ctx, s.cfg.RestartDelay) {
			s.sendRestart(id)
		}
	})
}

func (s *Supervisor) restartAll(c *Cluster, msg ipc.Message) {
	s.mu.Lock()
	ids := s.liveIDsLocked()
	s.mu.Unlock()

	s.log(EventCluster, ipc.LogEntry{
		Title:       "Full Restart",
		Description: fmt.Sprintf("Requested by %s, %d clusters", requester(c, msg), len(ids)),
		Color:       ColorRestart,
	})
	s.reply(c, msg, "Restarting all clusters")
	s.restartSequentially(ids)
}

func (s *Supervisor) restartClusters(c *Cluster, msg ipc.Message) {
	ids, ok := msg.SortedTargetIDs()
	var span []int
	if ok && len(ids) > 0 {
		span, ok = s.liveSpan(ids)
	} else {
		ok = false
	}
	if !ok {
		s.reply(c, msg, "Invalid targetID clusters to restart")
		return
	}

	lo, hi := span[0], span[len(span)-1]
	s.log(EventCluster, ipc.LogEntry{
		Title:       fmt.Sprintf("Clusters Restart: %d-%d", lo, hi),
		Description: fmt.Sprintf("Requested by %s", requester(c, msg)),
		Color:       ColorRestart,
	})
	s.reply(c, msg, fmt.Sprintf("Restarting clusters %d-%d", lo, hi))
	s.restartSequentially(span)
}

// restartSequentially restarts ids one at a time, StartDelay apart, so the
// fleet never reconnects all at once.
func (s *Supervisor) restartSequentially(ids []int) {
	s.goAsync(func(ctx context.Context) {
		for _, id := range ids {
			if !sleep(ctx, s.cfg.StartDelay) {
				return
			}
			s.sendRestart(id)
		}
	})
}

// sendRestart tells the cluster currently registered under id to exit with
// ExitRestart.
func (s *Supervisor) sendRestart(id int) {
	if err := s.RestartCluster(id); err != nil {
		logging.Get(logging.CategoryControl).Warn("failed to restart cluster %d: %v", id, err)
		return
	}
	logging.Control("restart sent to cluster %d", id)
}

func (s *Supervisor) handleKill(c *Cluster, msg ipc.Message) {
	id, ok := msg.SingleTarget()
	if ok {
		s.mu.Lock()
		ok = s.liveLocked(id) != nil
		s.mu.Unlock()
	}
	if !ok {
		s.reply(c, msg, "Invalid target ID to kill")
		return
	}

	s.log(EventCluster, ipc.LogEntry{
		Title:       fmt.Sprintf("Cluster Kill: %d", id),
		Description: fmt.Sprintf("Requested by %s", requester(c, msg)),
		Color:       ColorDisconnect,
	})
	s.reply(c, msg, fmt.Sprintf("Killing cluster `%d`", id))

	s.goAsync(func(ctx context.Context) {
		if sleep(ctx, s.cfg.RestartDelay) {
			if err := s.KillCluster(id); err != nil {
				logging.Get(logging.CategoryControl).Warn("kill cluster %d: %v", id, err)
			}
		}
	})
}

// KillCluster forcibly terminates a cluster. It is not respawned until
// SpawnCluster is called for it.
func (s *Supervisor) KillCluster(id int) error {
	s.mu.Lock()
	c := s.liveLocked(id)
	if c == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrClusterNotFound, id)
	}
	c.killed = true
	proc := c.proc
	s.mu.Unlock()

	logging.Control("killing cluster %d (pid %d)", id, proc.Pid())
	return proc.Kill()
}

// RestartCluster asks a cluster to exit with ExitRestart so it is respawned.
func (s *Supervisor) RestartCluster(id int) error {
	s.mu.Lock()
	c := s.liveLocked(id)
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("%w: %d", ErrClusterNotFound, id)
	}
	return c.Send(ipc.Message{Op: ipc.OpRestart})
}
