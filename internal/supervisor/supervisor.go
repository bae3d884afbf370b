// Package supervisor runs a fleet of worker processes, each owning a
// contiguous range of shards, and serves their control-channel requests.
//
// A Supervisor plans the fleet, spawns clusters through a bounded queue,
// respawns them according to their exit code, and answers eval, restart,
// kill and clusters requests coming from the workers.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"shardfleet/internal/eval"
	"shardfleet/internal/ipc"
	"shardfleet/internal/logging"
	"shardfleet/internal/shard"
)

// Supervisor owns the cluster registry, the spawn queue and the pending eval
// aggregates. All of it is guarded by mu.
type Supervisor struct {
	cfg     Config
	spawner Spawner
	codec   ipc.Codec
	logFn   LogFunc
	ops     map[string]OpHandler
	master  *eval.Evaluator

	// slots bounds the starting set.
	slots *semaphore.Weighted

	mu          sync.Mutex
	clusters    map[int]*Cluster
	queue       []shard.Assignment
	starting    map[int]struct{}
	aggregates  map[string]*aggregate
	spawning    bool
	started     bool
	closing     bool
	totalShards int
	ctx         context.Context
	cancel      context.CancelFunc

	wg sync.WaitGroup
}

// New validates cfg and builds a Supervisor. Configuration errors wrap
// ErrInvalidConfig.
func New(cfg Config) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	spawner := cfg.Spawner
	if spawner == nil {
		spawner = &ExecSpawner{Path: cfg.WorkerPath, Args: cfg.WorkerArgs}
	}
	logFn := cfg.LogFunc
	if logFn == nil {
		logFn = ZapLogFunc
	}

	s := &Supervisor{
		cfg:        cfg,
		spawner:    spawner,
		codec:      ipc.GetCodec(cfg.Codec),
		logFn:      logFn,
		ops:        cfg.MessageOps,
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		clusters:   make(map[int]*Cluster),
		starting:   make(map[int]struct{}),
		aggregates: make(map[string]*aggregate),
		ctx:        context.Background(),
	}

	bindings := eval.Bindings{"Supervisor": s}
	for k, v := range cfg.Bindings {
		bindings[k] = v
	}
	s.master = eval.New(bindings)
	return s, nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start plans the fleet, queues every cluster and drains the queue. It returns
// once every initial cluster has been spawned. ctx bounds the supervisor's
// lifetime: respawns and delayed control actions stop when it is done.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("supervisor already started")
	}
	if s.closing {
		s.mu.Unlock()
		return ErrShutdown
	}
	s.mu.Unlock()

	total := s.cfg.TotalShards
	if total == 0 {
		n, err := shard.FetchTotalShards(ctx, s.cfg.HTTPClient, s.cfg.GatewayURL, s.cfg.Token)
		if err != nil {
			return fmt.Errorf("failed to fetch total shards: %w", err)
		}
		total = n
	}

	plan, err := shard.Plan(s.cfg.PlanOptions(total))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrShutdown
	}
	s.started = true
	s.totalShards = total
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.queue = append(s.queue, plan...)
	runCtx := s.ctx
	s.mu.Unlock()

	logging.Supervisor("planned %d clusters for %d shards (max concurrent %d)", len(plan), total, s.cfg.MaxConcurrent)
	return s.spawnClusters(runCtx)
}

// Shutdown stops respawning, kills every worker and waits for their exit
// handlers to finish, or for ctx to be done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.queue = nil
	procs := make([]Process, 0, len(s.clusters))
	for _, c := range s.clusters {
		if c.proc != nil {
			procs = append(procs, c.proc)
		}
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	logging.Supervisor("shutting down %d clusters", len(procs))
	for _, p := range procs {
		if err := p.Kill(); err != nil {
			logging.Get(logging.CategorySupervisor).Warn("failed to kill pid %d: %v", p.Pid(), err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clusters returns a snapshot of every registered cluster, sorted by id.
func (s *Supervisor) Clusters() []ClusterInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]ClusterInfo, 0, len(s.clusters))
	for _, c := range s.clusters {
		infos = append(infos, c.infoLocked())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Cluster returns the live cluster with the given id.
func (s *Supervisor) Cluster(id int) (*Cluster, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.liveLocked(id)
	return c, c != nil
}

// TotalShards returns the shard count in use, or 0 before Start.
func (s *Supervisor) TotalShards() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalShards
}

// liveLocked returns the cluster if it is registered and its channel is up.
func (s *Supervisor) liveLocked(id int) *Cluster {
	c, ok := s.clusters[id]
	if !ok || c.ch == nil {
		return nil
	}
	return c
}

// liveIDsLocked returns the ids of every live cluster in ascending order.
func (s *Supervisor) liveIDsLocked() []int {
	ids := make([]int, 0, len(s.clusters))
	for id, c := range s.clusters {
		if c.ch != nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// goAsync runs fn on a tracked goroutine with the lifetime context. It does
// nothing once shutdown has begun.
func (s *Supervisor) goAsync(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
	return true
}

// sleep waits for d or until ctx is done. Reports whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// =============================================================================
// SPAWN QUEUE
// =============================================================================

// spawnClusters drains the spawn queue. Only one drain runs at a time; the
// spawning flag is cleared under the same lock that observes the queue empty,
// so an entry queued concurrently is never stranded.
func (s *Supervisor) spawnClusters(ctx context.Context) error {
	s.mu.Lock()
	if s.spawning {
		s.mu.Unlock()
		return nil
	}
	s.spawning = true
	s.mu.Unlock()

	stop := func() {
		s.mu.Lock()
		s.spawning = false
		s.mu.Unlock()
	}

	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.closing {
			s.spawning = false
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		if err := s.slots.Acquire(ctx, 1); err != nil {
			stop()
			return err
		}

		s.mu.Lock()
		if len(s.queue) == 0 || s.closing {
			s.spawning = false
			s.mu.Unlock()
			s.slots.Release(1)
			return nil
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		if _, busy := s.clusters[next.ClusterID]; busy {
			s.mu.Unlock()
			s.slots.Release(1)
			logging.Get(logging.CategorySupervisor).Warn("cluster %d is already running, dropping queued spawn", next.ClusterID)
			continue
		}
		s.starting[next.ClusterID] = struct{}{}
		s.mu.Unlock()

		if err := s.spawn(ctx, next.ClusterID, next.Shards); err != nil {
			logging.Get(logging.CategorySupervisor).Error("cluster %d (shards %s) failed to spawn: %v",
				next.ClusterID, next.Shards, err)
			s.releaseStarting(next.ClusterID)
		}

		// Every spawn, first or respawn, is followed by a full StartDelay
		// before the next one.
		if !sleep(ctx, s.cfg.StartDelay) {
			stop()
			return ctx.Err()
		}
	}
}

// releaseStarting removes id from the starting set and frees its slot. It is
// a no-op if the id is not starting.
func (s *Supervisor) releaseStarting(id int) {
	s.mu.Lock()
	_, ok := s.starting[id]
	delete(s.starting, id)
	s.mu.Unlock()
	if ok {
		s.slots.Release(1)
	}
}

// triggerDrain starts a background drain if none is running.
func (s *Supervisor) triggerDrain() {
	s.goAsync(func(ctx context.Context) {
		if err := s.spawnClusters(ctx); err != nil && ctx.Err() == nil {
			logging.Get(logging.CategorySupervisor).Warn("spawn queue drain stopped: %v", err)
		}
	})
}

// SpawnCluster starts a worker for id with the given shard range. It fails
// with ErrClusterExists if the id is registered. Operators use it to bring a
// killed cluster back.
func (s *Supervisor) SpawnCluster(ctx context.Context, id int, shards shard.Range) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	return s.spawn(ctx, id, shards)
}

func (s *Supervisor) spawn(ctx context.Context, id int, shards shard.Range) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrShutdown
	}
	if _, ok := s.clusters[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrClusterExists, id)
	}
	c := &Cluster{ID: id, Shards: shards, sup: s}
	s.clusters[id] = c
	total := s.totalShards
	s.mu.Unlock()

	logging.SupervisorDebug("spawning cluster %d with shards %s", id, shards)
	proc, err := s.spawner.Spawn(ctx, ProcessSpec{
		ClusterID: id,
		Shards:    shards,
		Env:       s.workerEnv(id, shards),
	})
	if err != nil {
		s.mu.Lock()
		delete(s.clusters, id)
		s.mu.Unlock()
		return fmt.Errorf("failed to spawn cluster %d: %w", id, err)
	}

	s.mu.Lock()
	if s.closing {
		delete(s.clusters, id)
		s.mu.Unlock()
		_ = proc.Kill()
		go drainAndWait(proc)
		return ErrShutdown
	}
	ch := ipc.NewChannel(proc.Stdout(), proc.Stdin(), s.codec)
	c.proc = proc
	c.ch = ch
	c.startedAt = time.Now()
	s.wg.Add(1)
	s.mu.Unlock()

	go s.watch(c)

	start := ipc.Message{Op: ipc.OpStart, Cluster: id, Shards: &shards, TotalShards: total}
	if err := ch.Send(start); err != nil {
		logging.Get(logging.CategorySupervisor).Warn("failed to send start to cluster %d: %v", id, err)
	}
	logging.Supervisor("cluster %d spawned (pid %d, shards %s)", id, proc.Pid(), shards)
	return nil
}

func (s *Supervisor) workerEnv(id int, shards shard.Range) []string {
	env := []string{
		fmt.Sprintf("%s=%d", ipc.EnvClusterID, id),
		fmt.Sprintf("%s=%s", ipc.EnvShardRange, shards.MarshalEnv()),
		fmt.Sprintf("%s=%s", ipc.EnvCodec, s.codec.Name()),
	}
	return append(env, s.cfg.Env...)
}

// drainAndWait reaps a process nobody is reading from.
func drainAndWait(proc Process) {
	buf := make([]byte, 4096)
	for {
		if _, err := proc.Stdout().Read(buf); err != nil {
			break
		}
	}
	_, _ = proc.Wait()
}

// watch serves the cluster's channel until its stdout closes, then reaps the
// process and applies the exit policy.
func (s *Supervisor) watch(c *Cluster) {
	defer s.wg.Done()

	if err := c.ch.Serve(func(msg ipc.Message) { s.onMessage(c, msg) }); err != nil {
		logging.Get(logging.CategoryIPC).Warn("cluster %d channel failed: %v", c.ID, err)
	}
	_ = c.ch.Close()

	code, err := c.proc.Wait()
	if err != nil {
		logging.Get(logging.CategorySupervisor).Warn("cluster %d wait failed: %v", c.ID, err)
	}
	s.onExit(c, code)
}

// =============================================================================
// EVENTS
// =============================================================================

// shouldRespawn is the exit policy: a clean exit respawns only when respawn is
// enabled, ExitRestart always respawns, anything else is terminal.
func shouldRespawn(respawn bool, code int) bool {
	return (respawn && code == 0) || code == ipc.ExitRestart
}

func (s *Supervisor) onExit(c *Cluster, code int) {
	s.mu.Lock()
	if s.clusters[c.ID] == c {
		delete(s.clusters, c.ID)
	}
	_, wasStarting := s.starting[c.ID]
	delete(s.starting, c.ID)
	requeue := !s.closing && !c.killed && shouldRespawn(s.cfg.Respawn, code)
	if requeue {
		s.queue = append(s.queue, shard.Assignment{ClusterID: c.ID, Shards: c.Shards})
	}
	s.mu.Unlock()

	if wasStarting {
		s.slots.Release(1)
	}

	s.log(EventCluster, ipc.LogEntry{
		Title:       fmt.Sprintf("Cluster Disconnect: %d", c.ID),
		Description: fmt.Sprintf("Exit code %d, shards %s", code, c.Shards),
		Color:       ColorDisconnect,
	})

	if requeue {
		logging.Supervisor("cluster %d exited with code %d, respawning", c.ID, code)
		s.triggerDrain()
	} else {
		logging.Get(logging.CategorySupervisor).Warn("cluster %d exited with code %d, not respawning", c.ID, code)
	}
}

func (s *Supervisor) onMessage(c *Cluster, msg ipc.Message) {
	switch msg.Op {
	case ipc.OpReady:
		s.onReady(c, msg)
	case ipc.OpMessage:
		s.log(msg.Type, msg.Entry())
	case ipc.OpEval:
		s.routeEval(c, msg)
	case ipc.OpResult:
		s.handleResult(c.ID, msg)
	case ipc.OpRestart:
		s.handleRestart(c, msg)
	case ipc.OpKill:
		s.handleKill(c, msg)
	case ipc.OpClusters:
		s.mu.Lock()
		ids := s.liveIDsLocked()
		s.mu.Unlock()
		s.reply(c, msg, ids)
	default:
		if h, ok := s.ops[msg.Op]; ok {
			h(c, msg)
			return
		}
		if msg.ID != "" {
			s.reply(c, msg, "Invalid message op")
			return
		}
		logging.SupervisorDebug("ignoring op %q from cluster %d", msg.Op, c.ID)
	}
}

func (s *Supervisor) onReady(c *Cluster, msg ipc.Message) {
	s.mu.Lock()
	c.ready = true
	c.client = msg.Client
	s.mu.Unlock()
	s.releaseStarting(c.ID)

	s.log(EventCluster, ipc.LogEntry{
		Title:       fmt.Sprintf("Cluster Ready: %d", c.ID),
		Description: fmt.Sprintf("Shards %s, client %s", c.Shards, msg.Client),
		Color:       ColorReady,
	})
}

func (s *Supervisor) reply(c *Cluster, req ipc.Message, output any) {
	if err := c.Reply(req, output); err != nil {
		logging.Get(logging.CategoryIPC).Warn("failed to reply to %s from cluster %d: %v", req, c.ID, err)
	}
}
