// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Clsan122/fretepro-sync/engine"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push pending changes and pull remote updates once",
		Long: `Run one sync cycle: push every pending local change, pull remote changes
for each entity type, then prune old tombstones and synced queue entries.

Exit codes:
  0 - Nothing left pending
  1 - Some changes could not be pushed or some types failed to pull
  2 - Command error (bad config, database not found, etc.)

Examples:
  fretesync sync --config client.yaml
  fretesync sync --config client.yaml --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd)
		},
	}
	return cmd
}

func runSync(opts *RootOptions, cmd *cobra.Command) error {
	if err := opts.setup(cmd); err != nil {
		return err
	}
	r, err := opts.openReplica(clientOptions{oneShot: true})
	if err != nil {
		return err
	}
	defer r.Close()

	report, err := syncOnce(cmd.Context(), r.orch)
	if err != nil {
		return WrapExitError(ExitFailure, "sync failed", err)
	}
	if err := opts.formatter(cmd).Success(report, formatReport(report)); err != nil {
		return err
	}
	if report.Pending > 0 || report.Pull.FailedTypes > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("sync incomplete: %d pending, %d types failed to pull", report.Pending, report.Pull.FailedTypes))
	}
	return nil
}

// syncOnce starts the worker, waits for one run and stops it.
func syncOnce(ctx context.Context, orch *engine.Orchestrator) (engine.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })

	report, err := orch.SyncNow(gctx)
	cancel()
	if werr := g.Wait(); werr != nil && err == nil {
		err = werr
	}
	return report, err
}

func formatReport(r engine.Report) string {
	var b strings.Builder
	if r.Skipped {
		fmt.Fprintf(&b, "Sync skipped (%s): offline\n", r.Reason)
		return b.String()
	}
	fmt.Fprintf(&b, "Sync (%s) finished in %s\n", r.Reason, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(&b, "  push: %d pushed, %d deleted, %d remote wins, %d superseded, %d failed\n",
		r.Push.Pushed, r.Push.Deleted, r.Push.RemoteWins, r.Push.Superseded, r.Push.Failed)
	fmt.Fprintf(&b, "  pull: %d applied, %d ignored, %d malformed, %d failed, %d types failed\n",
		r.Pull.Applied, r.Pull.Ignored, r.Pull.Malformed, r.Pull.Failed, r.Pull.FailedTypes)
	fmt.Fprintf(&b, "  pending: %d\n", r.Pending)
	return b.String()
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the local replica in sync until interrupted",
		Long: `Run the sync worker in the foreground. It syncs at startup, whenever the
server becomes reachable again, on the periodic interval and after retry
backstops, and stops on SIGINT or SIGTERM.

Examples:
  fretesync watch --config client.yaml -v`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(rootOpts, cmd)
		},
	}
	return cmd
}

func runWatch(opts *RootOptions, cmd *cobra.Command) error {
	if err := opts.setup(cmd); err != nil {
		return err
	}
	cc := opts.cfg.Client
	probe := engine.NewProbeConnectivity(strings.TrimRight(cc.ServerURL, "/")+"/health", cc.ProbeInterval, nil, opts.logger)
	r, err := opts.openReplica(clientOptions{connectivity: probe})
	if err != nil {
		return err
	}
	defer r.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return probe.Run(gctx) })
	g.Go(func() error { return r.orch.Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "sync worker failed", err)
	}

	if report, ok := r.orch.LastReport(); ok {
		opts.formatter(cmd).VerboseLog("last sync: %s at %s, %d pending", report.Reason, report.FinishedAt.Format("15:04:05"), report.Pending)
	}
	return nil
}
