package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"shardfleet/internal/config"
	"shardfleet/internal/eval"
	"shardfleet/internal/journal"
	"shardfleet/internal/logging"
	"shardfleet/internal/supervisor"
)

var (
	watchConfig     bool
	shutdownTimeout time.Duration
)

// runCmd starts the coordinator
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Plan the fleet, spawn every cluster and supervise it",
	Long: `Plans the shard assignment, spawns one worker process per cluster and
keeps them running until interrupted.

Workers that exit with code 1 are always respawned; code 0 is respawned when
spawn.respawn is true; any other exit leaves the cluster down.`,
	Args: cobra.NoArgs,
	RunE: runFleet,
}

func init() {
	runCmd.Flags().BoolVar(&watchConfig, "watch", false, "Reload logging settings when the config file changes")
	runCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "How long to wait for workers to exit")
}

func runFleet(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cfg.Validate(); err != nil {
		return err
	}
	sc, err := cfg.SupervisorConfig()
	if err != nil {
		return err
	}

	sinks := []supervisor.LogFunc{supervisor.ZapLogFunc}
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close()
		sinks = append(sinks, j.Log)
	}
	sc.LogFunc = supervisor.MultiLogFunc(sinks...)
	sc.Bindings = eval.Bindings{"Config": cfg}

	sup, err := supervisor.New(sc)
	if err != nil {
		return err
	}
	return superviseUntilDone(ctx, sup)
}

// superviseUntilDone starts sup and shuts it down once ctx is done or Start
// fails.
func superviseUntilDone(ctx context.Context, sup *supervisor.Supervisor) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		timer := logging.StartTimer(logging.CategoryBoot, "Supervisor.Start")
		defer timer.Stop()
		if err := sup.Start(gctx); err != nil {
			return fmt.Errorf("failed to start fleet: %w", err)
		}
		logging.Boot("fleet started: %d clusters for %d shards", len(sup.Clusters()), sup.TotalShards())
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logging.Boot("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sup.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown did not finish: %w", err)
		}
		return nil
	})

	if watchConfig {
		w, err := config.NewWatcher(configPath, func(c *config.Config) {
			if err := logging.Initialize(c.LoggingConfig(verbose)); err != nil {
				logging.Get(logging.CategoryBoot).Warn("keeping previous logging settings: %v", err)
			}
		})
		if err != nil {
			logging.Get(logging.CategoryBoot).Warn("config watch disabled: %v", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
