// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Clsan122/fretepro-sync/engine"
	"github.com/Clsan122/fretepro-sync/oversqlite"
	"github.com/Clsan122/fretepro-sync/oversync"
)

// replica is one opened local database with its orchestrator.
type replica struct {
	store    *oversqlite.Store
	orch     *engine.Orchestrator
	userID   string
	sourceID string
	logger   *slog.Logger
}

// clientOptions tweak the orchestrator for a command.
type clientOptions struct {
	connectivity engine.Connectivity
	// oneShot disables timers so the replica only syncs on request.
	oneShot bool
}

// openReplica opens the configured local database. The remote is only
// contacted by commands that run the worker.
func (o *RootOptions) openReplica(copts clientOptions) (*replica, error) {
	cc := o.cfg.Client
	if cc.UserID == "" {
		return nil, NewExitError(ExitCommandError, "client.user_id is required")
	}
	ec, err := o.cfg.Sync.Engine()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid sync configuration", err)
	}
	if copts.oneShot {
		ec.PeriodicInterval = 0
		ec.DeferredBackstop = 0
		ec.ImmediatePush = false
	}

	store, err := oversqlite.Open(cc.DBPath, o.logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open local database", err)
	}
	sourceID, err := oversqlite.EnsureSourceID(store.DB(), cc.UserID)
	if err != nil {
		_ = store.Close()
		return nil, WrapExitError(ExitCommandError, "failed to resolve device id", err)
	}
	logger := o.logger.With("user_id", cc.UserID, "source_id", sourceID)

	remote := engine.NewHTTPRemote(cc.ServerURL, o.tokenSource(sourceID))
	var deferrer engine.Deferrer
	if ec.DeferredBackstop > 0 {
		deferrer = engine.TimerDeferrer{}
	}
	orch := engine.New(store, remote, engine.Options{
		Config:       ec,
		Connectivity: copts.connectivity,
		Deferrer:     deferrer,
		Logger:       logger,
	})
	return &replica{store: store, orch: orch, userID: cc.UserID, sourceID: sourceID, logger: logger}, nil
}

// tokenSource returns the configured static token, or mints short-lived
// tokens from client.jwt_secret.
func (o *RootOptions) tokenSource(sourceID string) func(context.Context) (string, error) {
	cc := o.cfg.Client
	if cc.Token != "" {
		return func(context.Context) (string, error) { return cc.Token, nil }
	}
	if cc.JWTSecret == "" {
		return func(context.Context) (string, error) {
			return "", errors.New("client.token or client.jwt_secret is required to reach the server")
		}
	}
	jwtAuth := oversync.NewJWTAuth(cc.JWTSecret)
	return func(context.Context) (string, error) {
		tok, err := jwtAuth.GenerateToken(cc.UserID, sourceID, cc.TokenTTL)
		if err != nil {
			return "", fmt.Errorf("failed to mint token: %w", err)
		}
		return tok, nil
	}
}

func (r *replica) Close() error {
	return r.store.Close()
}
