// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"time"

	"github.com/Clsan122/fretepro-sync/oversync"
	"github.com/spf13/cobra"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	User   string
	Device string
	TTL    time.Duration
}

// TokenResult is the output of the token command.
type TokenResult struct {
	Token     string    `json:"token"`
	User      string    `json:"user"`
	Device    string    `json:"device"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the server secret",
		Long: `Mint a bearer token for a user and device, signed with server.jwt_secret.

Examples:
  fretesync token --user broker-7 --device tablet-1
  fretesync token --user broker-7 --device tablet-1 --ttl 720h --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user id (token subject, required)")
	_ = cmd.MarkFlagRequired("user")
	cmd.Flags().StringVar(&opts.Device, "device", "", "device id (required)")
	_ = cmd.MarkFlagRequired("device")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime")

	return cmd
}

func runToken(opts *TokenOptions, cmd *cobra.Command) error {
	if err := opts.setup(cmd); err != nil {
		return err
	}
	secret := opts.cfg.Server.JWTSecret
	if secret == "" {
		return NewExitError(ExitCommandError, "server.jwt_secret is required to mint tokens")
	}
	if opts.TTL <= 0 {
		return NewExitError(ExitCommandError, "--ttl must be positive")
	}

	expiresAt := time.Now().Add(opts.TTL).UTC()
	token, err := oversync.NewJWTAuth(secret).GenerateToken(opts.User, opts.Device, opts.TTL)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to sign token", err)
	}
	result := TokenResult{Token: token, User: opts.User, Device: opts.Device, ExpiresAt: expiresAt}
	return opts.formatter(cmd).Success(result, fmt.Sprintln(token))
}
