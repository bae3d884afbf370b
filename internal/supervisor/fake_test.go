package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shardfleet/internal/eval"
	"shardfleet/internal/ipc"
)

// fakeProcess is an in-process worker wired to the supervisor with io.Pipes.
type fakeProcess struct {
	pid    int
	spec   ProcessSpec
	worker *ipc.Worker

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	once sync.Once
	code int
	done chan struct{}
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }

func (p *fakeProcess) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

func (p *fakeProcess) Kill() error {
	p.exit(-1)
	return nil
}

// exit simulates the process ending with code. Only the first call counts.
func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.code = code
		p.stdinR.Close()
		p.stdoutW.Close()
		close(p.done)
	})
}

// fakeClient readies itself as soon as Run is called, unless hold is set.
type fakeClient struct {
	proc *fakeProcess
	hold <-chan struct{}
}

func (c *fakeClient) Run(ctx context.Context, start ipc.StartMessage) error {
	if c.hold != nil {
		select {
		case <-c.hold:
		case <-ctx.Done():
			return nil
		}
	}
	return c.proc.worker.Ready(fmt.Sprintf("client-%d", start.Cluster))
}

// fakeSpawner runs every cluster as an ipc.Worker goroutine.
type fakeSpawner struct {
	codec ipc.Codec

	// hold delays readiness until closed; nil means ready immediately.
	hold chan struct{}
	// fail makes Spawn fail for these cluster ids.
	fail map[int]bool
	// onSpawn runs before each spawn.
	onSpawn func(spec ProcessSpec)

	mu      sync.Mutex
	nextPid int
	procs   map[int][]*fakeProcess
	wg      sync.WaitGroup
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{codec: ipc.JSONCodec{}, procs: make(map[int][]*fakeProcess), nextPid: 1000}
}

func (f *fakeSpawner) Spawn(ctx context.Context, spec ProcessSpec) (Process, error) {
	if f.onSpawn != nil {
		f.onSpawn(spec)
	}
	if f.fail[spec.ClusterID] {
		return nil, errors.New("exec: no such file")
	}

	p := &fakeProcess{spec: spec, done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()

	client := &fakeClient{proc: p, hold: f.hold}
	p.worker = ipc.NewWorker(p.stdinR, p.stdoutW, client,
		ipc.WithCodec(f.codec),
		ipc.WithExit(p.exit),
		ipc.WithBindings(eval.Bindings{"Name": fmt.Sprintf("cluster-%d", spec.ClusterID)}),
	)

	// Publish only a fully built process; tests read procs concurrently.
	f.mu.Lock()
	f.nextPid++
	p.pid = f.nextPid
	f.procs[spec.ClusterID] = append(f.procs[spec.ClusterID], p)
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		_ = p.worker.Serve(context.Background())
		p.exit(0)
	}()
	return p, nil
}

// spawned returns how many processes were started for id.
func (f *fakeSpawner) spawned(id int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs[id])
}

// latest returns the most recent process for id.
func (f *fakeSpawner) latest(t *testing.T, id int) *fakeProcess {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	procs := f.procs[id]
	require.NotEmpty(t, procs, "cluster %d was never spawned", id)
	return procs[len(procs)-1]
}

// logRecorder captures supervisor log events.
type logRecorder struct {
	mu      sync.Mutex
	entries []recordedEntry
}

type recordedEntry struct {
	eventType string
	entry     ipc.LogEntry
}

func (r *logRecorder) sink(eventType string, entry ipc.LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, recordedEntry{eventType, entry})
}

func (r *logRecorder) has(title string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.entry.Title == title {
			return true
		}
	}
	return false
}

func (r *logRecorder) find(title string) (recordedEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.entry.Title == title {
			return e, true
		}
	}
	return recordedEntry{}, false
}

type fleet struct {
	sup     *Supervisor
	spawner *fakeSpawner
	logs    *logRecorder
}

func intPtr(v int) *int { return &v }

// testConfig plans clusters 0..n-1 with one shard each.
func testConfig(n int) Config {
	cfg := DefaultConfig()
	cfg.TotalShards = n
	cfg.ShardsPerCluster = 1
	cfg.FirstClusterID = intPtr(0)
	cfg.MaxConcurrent = n
	cfg.StartDelay = 0
	cfg.RestartDelay = 5 * time.Millisecond
	return cfg
}

// newFleet builds a supervisor on a fake spawner. It does not call Start.
func newFleet(t *testing.T, cfg Config, spawner *fakeSpawner) *fleet {
	t.Helper()
	if spawner == nil {
		spawner = newFakeSpawner()
	}
	logs := &logRecorder{}
	cfg.Spawner = spawner
	cfg.LogFunc = logs.sink
	if cfg.Codec != "" {
		spawner.codec = ipc.GetCodec(cfg.Codec)
	}

	sup, err := New(cfg)
	require.NoError(t, err)

	f := &fleet{sup: sup, spawner: spawner, logs: logs}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, sup.Shutdown(ctx))
		spawner.wg.Wait()
	})
	return f
}

// startFleet builds and starts a fleet and waits until every cluster is ready.
func startFleet(t *testing.T, cfg Config) *fleet {
	t.Helper()
	f := newFleet(t, cfg, nil)
	require.NoError(t, f.sup.Start(context.Background()))
	f.waitReady(t, cfg.TotalShards)
	return f
}

func (f *fleet) readyCount() int {
	n := 0
	for _, c := range f.sup.Clusters() {
		if c.Ready {
			n++
		}
	}
	return n
}

func (f *fleet) waitReady(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.readyCount() == n }, 5*time.Second, 5*time.Millisecond,
		"expected %d ready clusters", n)
}

// worker returns the worker side of the live process for id.
func (f *fleet) worker(t *testing.T, id int) *ipc.Worker {
	t.Helper()
	return f.spawner.latest(t, id).worker
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
