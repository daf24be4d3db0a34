// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Clsan122/fretepro-sync/internal/server"
	"github.com/spf13/cobra"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the authoritative sync server backed by Postgres.

The schema is created on startup. The server stops gracefully on SIGINT or
SIGTERM.

Examples:
  fretesync serve --config fretesync.yaml
  FRETESYNC_SERVER_JWT_SECRET=s3cret fretesync serve --addr :9000`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	if err := opts.setup(cmd); err != nil {
		return err
	}
	cfg := opts.cfg.Server
	if opts.Addr != "" {
		cfg.Addr = opts.Addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	components, err := server.SetupServer(setupCtx, cfg, opts.logger)
	cancel()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start server", err)
	}
	defer components.Close()

	if err := server.Serve(ctx, cfg.Addr, components.Handler, cfg.ShutdownTimeout, opts.logger); err != nil {
		return WrapExitError(ExitFailure, "server stopped with error", err)
	}
	return nil
}
