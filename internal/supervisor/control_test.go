package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardfleet/internal/ipc"
	"shardfleet/internal/shard"
)

func TestRestartCluster(t *testing.T) {
	cfg := testConfig(3)
	cfg.Respawn = false
	f := startFleet(t, cfg)
	ctx := ctxTimeout(t)

	out, err := f.worker(t, 0).Request(ctx, ipc.Message{
		Op: ipc.OpRestart, Target: ipc.TargetCluster, TargetID: 2, User: "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, "Restarting cluster `2`", out)

	e, ok := f.logs.find("Cluster Restart: 2")
	require.True(t, ok)
	assert.Equal(t, ColorRestart, e.entry.Color)
	assert.Contains(t, e.entry.Description, "ops")

	// The worker exits with ExitRestart, which respawns even with respawn off.
	require.Eventually(t, func() bool { return f.spawner.spawned(2) == 2 }, 2*time.Second, 5*time.Millisecond)
	f.waitReady(t, 3)
	assert.Equal(t, 1, f.spawner.spawned(0))
	assert.Equal(t, 1, f.spawner.spawned(1))
}

func TestRestartAllIsSequential(t *testing.T) {
	cfg := testConfig(3)
	cfg.StartDelay = 30 * time.Millisecond
	f := startFleet(t, cfg)

	require.NoError(t, f.worker(t, 0).RestartAll(ctxTimeout(t)))
	assert.True(t, f.logs.has("Full Restart"))

	// One restart per StartDelay, in id order.
	require.Eventually(t, func() bool { return f.spawner.spawned(0) == 2 }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, f.spawner.spawned(2), "cluster 2 restarts last")

	require.Eventually(t, func() bool {
		return f.spawner.spawned(0) == 2 && f.spawner.spawned(1) == 2 && f.spawner.spawned(2) == 2
	}, 3*time.Second, 5*time.Millisecond)
	f.waitReady(t, 3)
}

func TestRestartClusters(t *testing.T) {
	cfg := testConfig(5)
	f := startFleet(t, cfg)
	ctx := ctxTimeout(t)
	w := f.worker(t, 0)

	out, err := w.Request(ctx, ipc.Message{Op: ipc.OpRestart, Target: ipc.TargetClusters, TargetID: []int{3, 1}})
	require.NoError(t, err)
	assert.Equal(t, "Restarting clusters 1-3", out)
	assert.True(t, f.logs.has("Clusters Restart: 1-3"))

	require.Eventually(t, func() bool {
		return f.spawner.spawned(1) == 2 && f.spawner.spawned(2) == 2 && f.spawner.spawned(3) == 2
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.spawner.spawned(0))
	assert.Equal(t, 1, f.spawner.spawned(4))
	f.waitReady(t, 5)
}

func TestRestartValidation(t *testing.T) {
	f := startFleet(t, testConfig(3))
	ctx := ctxTimeout(t)
	w := f.worker(t, 0)

	tests := []struct {
		name string
		msg  ipc.Message
		want string
	}{
		{"missing target", ipc.Message{Op: ipc.OpRestart}, "Invalid restart target"},
		{"unknown target", ipc.Message{Op: ipc.OpRestart, Target: ipc.TargetMaster}, "Could not find restart handler for the target"},
		{"unknown cluster", ipc.Message{Op: ipc.OpRestart, Target: ipc.TargetCluster, TargetID: 7}, "Invalid target ID to restart"},
		{"non-integer cluster", ipc.Message{Op: ipc.OpRestart, Target: ipc.TargetCluster, TargetID: "1"}, "Invalid target ID to restart"},
		{"clusters not an array", ipc.Message{Op: ipc.OpRestart, Target: ipc.TargetClusters, TargetID: 1}, "Invalid targetID clusters to restart"},
		{"clusters out of range", ipc.Message{Op: ipc.OpRestart, Target: ipc.TargetClusters, TargetID: []int{1, 5}}, "Invalid targetID clusters to restart"},
		{"kill unknown", ipc.Message{Op: ipc.OpKill, TargetID: 9}, "Invalid target ID to kill"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := w.Request(ctx, tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}

	err := w.RestartCluster(ctx, 7)
	require.Error(t, err)
	for id := 0; id < 3; id++ {
		assert.Equal(t, 1, f.spawner.spawned(id), "nothing may restart after a rejected request")
	}
}

func TestKillIsNotRespawned(t *testing.T) {
	f := startFleet(t, testConfig(3))
	ctx := ctxTimeout(t)

	require.NoError(t, f.worker(t, 0).Kill(ctx, 2))
	e, ok := f.logs.find("Cluster Kill: 2")
	require.True(t, ok)
	assert.Equal(t, ColorDisconnect, e.entry.Color)

	require.Eventually(t, func() bool { _, ok := f.sup.Cluster(2); return !ok }, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return f.spawner.spawned(2) > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	// An operator brings it back explicitly.
	require.NoError(t, f.sup.SpawnCluster(context.Background(), 2, shard.Range{2, 2}))
	f.waitReady(t, 3)
	assert.Equal(t, 2, f.spawner.spawned(2))
}

func TestKillClusterNotFound(t *testing.T) {
	f := startFleet(t, testConfig(1))
	assert.ErrorIs(t, f.sup.KillCluster(5), ErrClusterNotFound)
	assert.ErrorIs(t, f.sup.RestartCluster(5), ErrClusterNotFound)
}
