package ipc

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardfleet/internal/eval"
	"shardfleet/internal/shard"
)

type fakeClient struct {
	worker  *Worker
	started chan StartMessage
	err     error
}

func (c *fakeClient) Run(ctx context.Context, start StartMessage) error {
	c.started <- start
	if c.err != nil {
		return c.err
	}
	return c.worker.Ready("fleet#" + start.Shards.String())
}

func (c *fakeClient) Bindings() eval.Bindings {
	return eval.Bindings{"Name": "fake-client"}
}

// workerHarness runs a Worker against a coordinator-side Channel.
type workerHarness struct {
	coord   *Channel
	worker  *Worker
	client  *fakeClient
	inbound chan Message
	exits   chan int

	closeOnce  sync.Once
	workerDone chan error
	coordDone  chan error
}

func newWorkerHarness(t *testing.T, codec Codec, reply func(*Channel, Message), opts ...WorkerOption) *workerHarness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := &workerHarness{
		client:     &fakeClient{started: make(chan StartMessage, 1)},
		inbound:    make(chan Message, 16),
		exits:      make(chan int, 1),
		workerDone: make(chan error, 1),
		coordDone:  make(chan error, 1),
	}
	h.coord = NewChannel(outR, inW, codec)

	exit := func(code int) {
		h.exits <- code
		inR.Close()
		outW.Close()
	}
	opts = append([]WorkerOption{WithCodec(codec), WithExit(exit)}, opts...)
	h.worker = NewWorker(inR, outW, h.client, opts...)
	h.client.worker = h.worker

	go func() { h.workerDone <- h.worker.Serve(context.Background()) }()
	go func() {
		h.coordDone <- h.coord.Serve(func(msg Message) {
			if reply != nil {
				reply(h.coord, msg)
			}
			select {
			case h.inbound <- msg:
			default:
			}
		})
	}()
	t.Cleanup(h.close)
	return h
}

func (h *workerHarness) close() {
	h.closeOnce.Do(func() {
		h.coord.Close()
		<-h.workerDone
		<-h.coordDone
	})
}

func (h *workerHarness) next(t *testing.T) Message {
	t.Helper()
	select {
	case msg := <-h.inbound:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message from worker")
		return Message{}
	}
}

func (h *workerHarness) exitCode(t *testing.T) int {
	t.Helper()
	select {
	case code := <-h.exits:
		return code
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
		return 0
	}
}

func TestWorkerStartRunsClientAndReportsReady(t *testing.T) {
	for _, codec := range codecs {
		t.Run(codec.Name(), func(t *testing.T) {
			h := newWorkerHarness(t, codec, nil)

			require.NoError(t, h.coord.Send(Message{Op: OpStart, Cluster: 2, Shards: &shard.Range{16, 31}, TotalShards: 32}))

			start := <-h.client.started
			assert.Equal(t, StartMessage{Cluster: 2, Shards: shard.Range{16, 31}, TotalShards: 32}, start)

			ready := h.next(t)
			assert.Equal(t, OpReady, ready.Op)
			assert.Equal(t, "fleet#16-31", ready.Client)
			assert.Equal(t, "fleet#16-31", h.worker.Identity())

			got, ok := h.worker.Start()
			require.True(t, ok)
			assert.Equal(t, 2, got.Cluster)
		})
	}
}

func TestWorkerRunFailureExitsForRespawn(t *testing.T) {
	h := newWorkerHarness(t, nil, nil)
	h.client.err = errors.New("gateway unreachable")

	require.NoError(t, h.coord.Send(Message{Op: OpStart, Cluster: 1, Shards: &shard.Range{0, 15}, TotalShards: 16}))
	<-h.client.started

	assert.Equal(t, ExitRestart, h.exitCode(t))
}

func TestWorkerEval(t *testing.T) {
	for _, codec := range codecs {
		t.Run(codec.Name(), func(t *testing.T) {
			h := newWorkerHarness(t, codec, nil, WithBindings(eval.Bindings{"Label": "c7"}))
			ctx := context.Background()

			out, err := h.coord.Request(ctx, Message{Op: OpEval, Input: "40 + 2"})
			require.NoError(t, err)
			n, ok := toInt(out)
			require.True(t, ok, "got %T", out)
			assert.Equal(t, 42, n)

			out, err = h.coord.Request(ctx, Message{Op: OpEval, Input: "fleet.Label"})
			require.NoError(t, err)
			assert.Equal(t, "c7", out)

			out, err = h.coord.Request(ctx, Message{Op: OpEval, Input: "fleet.Name"})
			require.NoError(t, err)
			assert.Equal(t, "fake-client", out)

			out, err = h.coord.Request(ctx, Message{Op: OpEval, Input: "nope()"})
			require.NoError(t, err, "eval failures travel as a normal result")
			assert.IsType(t, "", out)
			assert.Contains(t, out, "undefined")
		})
	}
}

func TestWorkerRestartExits(t *testing.T) {
	h := newWorkerHarness(t, nil, nil)

	require.NoError(t, h.coord.Send(Message{Op: OpRestart}))
	assert.Equal(t, ExitRestart, h.exitCode(t))
}

func TestWorkerExtensionOps(t *testing.T) {
	h := newWorkerHarness(t, nil, nil, WithMessageOps(map[string]WorkerOpHandler{
		"ping": func(w *Worker, msg Message) {
			_ = w.Send(msg.Reply("pong"))
		},
	}))

	// Unknown ops are ignored; the worker keeps serving.
	require.NoError(t, h.coord.Send(Message{Op: "bogus", ID: "x"}))

	out, err := h.coord.Request(context.Background(), Message{Op: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
}

// coordinatorStub answers worker requests the way the supervisor does.
func coordinatorStub(ch *Channel, msg Message) {
	switch msg.Op {
	case OpClusters:
		_ = ch.Send(msg.Reply([]int{1, 2, 3}))
	case OpEval:
		switch msg.Target {
		case TargetMaster:
			_ = ch.Send(msg.Reply(100))
		case TargetAll:
			_ = ch.Send(msg.Reply([]any{10, 20, 30}))
		case TargetCluster:
			if id, _ := msg.SingleTarget(); id == 9 {
				_ = ch.Send(msg.Reply("Target cluster not found"))
				return
			}
			_ = ch.Send(msg.Reply([]any{"one"}))
		case TargetClusters:
			_ = ch.Send(msg.Reply([]any{"a", "b"}))
		}
	case OpRestart:
		switch msg.Target {
		case TargetAll:
			_ = ch.Send(msg.Reply("Restarting all clusters"))
		default:
			_ = ch.Send(msg.Reply("Invalid target ID to restart"))
		}
	case OpKill:
		_ = ch.Send(msg.Reply("Killing cluster `2`"))
	}
}

func TestWorkerCoordinatorRequests(t *testing.T) {
	for _, codec := range codecs {
		t.Run(codec.Name(), func(t *testing.T) {
			h := newWorkerHarness(t, codec, coordinatorStub)
			ctx := context.Background()

			ids, err := h.worker.Clusters(ctx)
			require.NoError(t, err)
			assert.Equal(t, []int{1, 2, 3}, ids)

			total, err := h.worker.MemoryUsage(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(160), total)

			one, err := h.worker.ClusterEval(ctx, 1, "x")
			require.NoError(t, err)
			assert.Equal(t, "one", one)

			_, err = h.worker.ClusterEval(ctx, 9, "x")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "Target cluster not found")

			many, err := h.worker.ClustersEval(ctx, []int{1, 2}, "x")
			require.NoError(t, err)
			assert.Equal(t, []any{"a", "b"}, many)

			assert.NoError(t, h.worker.RestartAll(ctx))
			err = h.worker.RestartCluster(ctx, 99)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "Invalid target ID to restart")

			assert.NoError(t, h.worker.Kill(ctx, 2))
		})
	}
}

func TestAssignmentFromEnv(t *testing.T) {
	t.Setenv(EnvClusterID, "3")
	t.Setenv(EnvShardRange, "[32,47]")
	t.Setenv(EnvCodec, "msgpack")

	a, err := AssignmentFromEnv()
	require.NoError(t, err)
	assert.Equal(t, shard.Assignment{ClusterID: 3, Shards: shard.Range{32, 47}}, a)
	assert.Equal(t, CodecNameMsgpack, CodecFromEnv().Name())

	t.Setenv(EnvClusterID, "three")
	_, err = AssignmentFromEnv()
	assert.Error(t, err)
}
