package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/embranch/embranch/internal/debug"
	"github.com/embranch/embranch/internal/lockfile"
	"github.com/embranch/embranch/internal/rpc"
	"github.com/embranch/embranch/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the embranch daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	s, err := buildStack(true)
	if err != nil {
		return err
	}
	defer s.Close()

	lock, err := lockfile.Acquire(s.cfg.ProjectRoot)
	if err != nil {
		if errors.Is(err, lockfile.ErrLocked) {
			return fmt.Errorf("another embranch daemon is already running for %s", s.cfg.ProjectRoot)
		}
		return err
	}
	defer lock.Release()

	debug.InitFileSink(s.cfg.ProjectRoot)
	defer debug.CloseFileSink()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "embranch", Version); err != nil {
		debug.Warnf("serve: telemetry init failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	outcome, err := s.init.Run(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}
	debug.Infof("serve: startup status %s", outcome.Status)

	srv := rpc.NewServer(s.cfg, s.engine, s.gateway, s.init, Version, string(outcome.Status))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		// External manifest edits invalidate the cached sync state.
		return s.checker.Watch(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Stop()
	})

	fmt.Printf("embranch %s serving %s\n", Version, rpc.SocketPath(s.cfg.ProjectRoot))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
