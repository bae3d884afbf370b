package ipc

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"shardfleet/internal/eval"
	"shardfleet/internal/logging"
	"shardfleet/internal/shard"
)

// Bootstrap environment injected into every worker process.
const (
	EnvClusterID  = "FLEET_CLUSTER_ID"
	EnvShardRange = "FLEET_SHARD_RANGE"
	EnvCodec      = "FLEET_CODEC"
)

// ExitRestart is the exit code a worker uses when asked to restart. The
// supervisor always respawns a cluster that exits with it.
const ExitRestart = 1

// Client is the worker's domain logic. Run is invoked once with the bootstrap
// payload; the client must call Worker.Ready when it is ready to serve.
type Client interface {
	Run(ctx context.Context, start StartMessage) error
}

// BindingProvider is implemented by clients that expose extra values to eval
// snippets.
type BindingProvider interface {
	Bindings() eval.Bindings
}

// WorkerOpHandler handles an extension op on the worker side.
type WorkerOpHandler func(w *Worker, msg Message)

// Worker is the worker-process end of the control channel.
type Worker struct {
	ch     *Channel
	client Client
	eval   *eval.Evaluator
	ops    map[string]WorkerOpHandler
	exit   func(code int)

	mu       sync.Mutex
	identity string
	start    *StartMessage
	ctx      context.Context
	wg       sync.WaitGroup
}

// WorkerOption configures a Worker.
type WorkerOption func(*workerOptions)

type workerOptions struct {
	codec    Codec
	bindings eval.Bindings
	ops      map[string]WorkerOpHandler
	exit     func(int)
}

// WithCodec selects the wire codec. Defaults to JSON.
func WithCodec(c Codec) WorkerOption {
	return func(o *workerOptions) { o.codec = c }
}

// WithBindings adds values reachable from eval snippets as fleet.<Name>.
func WithBindings(b eval.Bindings) WorkerOption {
	return func(o *workerOptions) {
		for k, v := range b {
			o.bindings[k] = v
		}
	}
}

// WithMessageOps registers handlers for extension ops.
func WithMessageOps(ops map[string]WorkerOpHandler) WorkerOption {
	return func(o *workerOptions) {
		for k, v := range ops {
			o.ops[k] = v
		}
	}
}

// WithExit replaces os.Exit.
func WithExit(fn func(code int)) WorkerOption {
	return func(o *workerOptions) { o.exit = fn }
}

// NewWorker builds a worker reading coordinator messages from r and writing to
// w. In a real worker process r and w are os.Stdin and os.Stdout.
func NewWorker(r io.Reader, w io.Writer, client Client, opts ...WorkerOption) *Worker {
	o := workerOptions{
		codec:    JSONCodec{},
		bindings: eval.Bindings{},
		ops:      map[string]WorkerOpHandler{},
		exit:     os.Exit,
	}
	for _, opt := range opts {
		opt(&o)
	}

	wk := &Worker{
		ch:     NewChannel(r, w, o.codec),
		client: client,
		ops:    o.ops,
		exit:   o.exit,
		ctx:    context.Background(),
	}

	bindings := eval.Bindings{"Worker": wk, "Client": client}
	if bp, ok := client.(BindingProvider); ok {
		for k, v := range bp.Bindings() {
			bindings[k] = v
		}
	}
	for k, v := range o.bindings {
		bindings[k] = v
	}
	wk.eval = eval.New(bindings)
	return wk
}

// Serve dispatches coordinator messages until the inbound stream ends. ctx is
// passed to Client.Run and to eval snippets; it is cancelled when Serve returns.
func (w *Worker) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	err := w.ch.Serve(w.handle)
	cancel()
	w.ch.Close()
	w.wg.Wait()
	return err
}

func (w *Worker) handle(msg Message) {
	switch msg.Op {
	case OpStart:
		w.onStart(msg)
	case OpEval:
		w.onEval(msg)
	case OpRestart:
		logging.Worker("restart requested, exiting with code %d", ExitRestart)
		w.ch.Close()
		w.exit(ExitRestart)
	case OpResult:
		logging.WorkerDebug("dropping result for unknown request %q", msg.ID)
	default:
		if h, ok := w.ops[msg.Op]; ok {
			h(w, msg)
			return
		}
		logging.WorkerDebug("ignoring op %q", msg.Op)
	}
}

func (w *Worker) onStart(msg Message) {
	start := msg.Start()
	w.mu.Lock()
	if w.start != nil {
		w.mu.Unlock()
		logging.Get(logging.CategoryWorker).Warn("duplicate start for cluster %d ignored", start.Cluster)
		return
	}
	w.start = &start
	ctx := w.ctx
	w.mu.Unlock()

	logging.Worker("cluster %d starting with shards %s of %d", start.Cluster, start.Shards, start.TotalShards)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.client.Run(ctx, start); err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Get(logging.CategoryWorker).Error("cluster %d run failed: %v", start.Cluster, err)
			w.ch.Close()
			w.exit(ExitRestart)
		}
	}()
}

func (w *Worker) onEval(msg Message) {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		out := w.eval.Output(ctx, msg.Input)
		if err := w.ch.Send(msg.Reply(out)); err != nil {
			logging.Get(logging.CategoryWorker).Warn("failed to reply to eval %s: %v", msg.ID, err)
		}
	}()
}

// Start returns the bootstrap payload, or false before start arrived.
func (w *Worker) Start() (StartMessage, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.start == nil {
		return StartMessage{}, false
	}
	return *w.start, true
}

// Identity returns the identity reported by Ready.
func (w *Worker) Identity() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.identity
}

// Send writes a raw message to the coordinator.
func (w *Worker) Send(msg Message) error {
	return w.ch.Send(msg)
}

// Request sends msg to the coordinator and waits for its result.
func (w *Worker) Request(ctx context.Context, msg Message) (any, error) {
	return w.ch.Request(ctx, msg)
}

// =============================================================================
// COORDINATOR REQUESTS
// =============================================================================

// Ready tells the coordinator this cluster is online, under the given identity.
func (w *Worker) Ready(identity string) error {
	w.mu.Lock()
	w.identity = identity
	w.mu.Unlock()
	return w.ch.Send(Message{Op: OpReady, Client: identity})
}

// Log forwards a log event to the coordinator's sink.
func (w *Worker) Log(eventType string, entry LogEntry) error {
	return w.ch.Send(LogMessage(eventType, entry))
}

// Clusters returns the coordinator's live cluster ids in ascending order.
func (w *Worker) Clusters(ctx context.Context) ([]int, error) {
	out, err := w.ch.Request(ctx, Message{Op: OpClusters})
	if err != nil {
		return nil, err
	}
	parsed := Message{TargetID: out}
	ids, ok := parsed.TargetIDs()
	if !ok {
		return nil, replyError(out)
	}
	return ids, nil
}

// BroadcastEval evaluates code on every live cluster. Results are ordered by
// cluster id.
func (w *Worker) BroadcastEval(ctx context.Context, code string) ([]any, error) {
	return w.fanOut(ctx, Message{Op: OpEval, Target: TargetAll, Input: code})
}

// MasterEval evaluates code in the coordinator. Failures come back as text.
func (w *Worker) MasterEval(ctx context.Context, code string) (any, error) {
	return w.ch.Request(ctx, Message{Op: OpEval, Target: TargetMaster, Input: code})
}

// ClusterEval evaluates code on one cluster.
func (w *Worker) ClusterEval(ctx context.Context, id int, code string) (any, error) {
	results, err := w.fanOut(ctx, Message{Op: OpEval, Target: TargetCluster, TargetID: id, Input: code})
	if err != nil {
		return nil, err
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("expected one result, got %d", len(results))
	}
	return results[0], nil
}

// ClustersEval evaluates code on every cluster from min(ids) to max(ids).
func (w *Worker) ClustersEval(ctx context.Context, ids []int, code string) ([]any, error) {
	return w.fanOut(ctx, Message{Op: OpEval, Target: TargetClusters, TargetID: ids, Input: code})
}

func (w *Worker) fanOut(ctx context.Context, msg Message) ([]any, error) {
	out, err := w.ch.Request(ctx, msg)
	if err != nil {
		return nil, err
	}
	results, ok := out.([]any)
	if !ok {
		return nil, replyError(out)
	}
	return results, nil
}

// RestartAll asks the coordinator to restart every cluster, one at a time.
func (w *Worker) RestartAll(ctx context.Context) error {
	return w.control(ctx, Message{Op: OpRestart, Target: TargetAll}, "restarting")
}

// RestartCluster asks the coordinator to restart one cluster.
func (w *Worker) RestartCluster(ctx context.Context, id int) error {
	return w.control(ctx, Message{Op: OpRestart, Target: TargetCluster, TargetID: id}, "restarting")
}

// RestartClusters asks the coordinator to restart every cluster from min(ids)
// to max(ids).
func (w *Worker) RestartClusters(ctx context.Context, ids []int) error {
	return w.control(ctx, Message{Op: OpRestart, Target: TargetClusters, TargetID: ids}, "restarting")
}

// Kill asks the coordinator to forcibly terminate a cluster. It stays down
// until spawned again explicitly.
func (w *Worker) Kill(ctx context.Context, id int) error {
	return w.control(ctx, Message{Op: OpKill, TargetID: id}, "killing")
}

func (w *Worker) control(ctx context.Context, msg Message, confirm string) error {
	msg.User = w.Identity()
	out, err := w.ch.Request(ctx, msg)
	if err != nil {
		return err
	}
	text, ok := out.(string)
	if !ok || !strings.Contains(strings.ToLower(text), confirm) {
		return replyError(out)
	}
	logging.WorkerDebug("%s", text)
	return nil
}

// MemoryCode is the snippet MemoryUsage evaluates on every process.
const MemoryCode = "fleet.HeapAlloc()"

// MemoryUsage returns the heap bytes in use across the coordinator and every
// live cluster.
func (w *Worker) MemoryUsage(ctx context.Context) (int64, error) {
	master, err := w.MasterEval(ctx, MemoryCode)
	if err != nil {
		return 0, err
	}
	clusters, err := w.BroadcastEval(ctx, MemoryCode)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, v := range append([]any{master}, clusters...) {
		n, ok := toInt(v)
		if !ok {
			return 0, replyError(v)
		}
		total += int64(n)
	}
	return total, nil
}

// replyError turns a non-conforming reply into an error. Protocol failures
// arrive as plain text.
func replyError(out any) error {
	if text, ok := out.(string); ok {
		return fmt.Errorf("coordinator: %s", text)
	}
	return fmt.Errorf("coordinator: unexpected reply %v", out)
}

// =============================================================================
// BOOTSTRAP
// =============================================================================

// AssignmentFromEnv reads the cluster id and shard range injected by the
// supervisor.
func AssignmentFromEnv() (shard.Assignment, error) {
	rawID := os.Getenv(EnvClusterID)
	id, err := strconv.Atoi(rawID)
	if err != nil {
		return shard.Assignment{}, fmt.Errorf("invalid %s %q: %w", EnvClusterID, rawID, err)
	}
	r, err := shard.ParseRange(os.Getenv(EnvShardRange))
	if err != nil {
		return shard.Assignment{}, fmt.Errorf("invalid %s: %w", EnvShardRange, err)
	}
	return shard.Assignment{ClusterID: id, Shards: r}, nil
}

// CodecFromEnv returns the codec the supervisor selected for this worker.
func CodecFromEnv() Codec {
	return GetCodec(os.Getenv(EnvCodec))
}
