// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Clsan122/fretepro-sync/engine"
	"github.com/Clsan122/fretepro-sync/entity"
	"github.com/Clsan122/fretepro-sync/oversync"
	"github.com/spf13/cobra"
)

// PutOptions holds flags for the put command.
type PutOptions struct {
	*RootOptions
	Data string
	File string
}

// PutResult is the output of the put command.
type PutResult struct {
	EntityType entity.Type `json:"entity_type"`
	SyncID     string      `json:"sync_id"`
	Version    int64       `json:"version"`
	Created    bool        `json:"created"`
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "put <type> [sync-id]",
		Short: "Create or update a local record",
		Long: `Create a record, or update an existing one when a sync id is given. The
change is stored locally and queued; run sync to push it.

Types: clients, drivers, freights, collection-orders, quotations.

Examples:
  fretesync put clients --data '{"name":"Acme","document":"12.345.678/0001-90"}'
  fretesync put freights 6f1c...e2 --file freight.json`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(opts, cmd, args)
		},
	}

	cmd.Flags().StringVar(&opts.Data, "data", "", "record fields as a JSON object")
	cmd.Flags().StringVar(&opts.File, "file", "", "read record fields from a JSON file")
	cmd.MarkFlagsMutuallyExclusive("data", "file")
	cmd.MarkFlagsOneRequired("data", "file")

	return cmd
}

func runPut(opts *PutOptions, cmd *cobra.Command, args []string) error {
	t, err := entity.Parse(args[0])
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid entity type", err)
	}
	raw := []byte(opts.Data)
	if opts.File != "" {
		if raw, err = os.ReadFile(opts.File); err != nil {
			return WrapExitError(ExitCommandError, "failed to read record file", err)
		}
	}
	payload, err := entity.Decode(t, raw)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid record", err)
	}

	if err := opts.setup(cmd); err != nil {
		return err
	}
	r, err := opts.openReplica(clientOptions{oneShot: true})
	if err != nil {
		return err
	}
	defer r.Close()

	ctx := cmd.Context()
	w := r.orch.Writer()
	result := PutResult{EntityType: t}
	if len(args) == 2 {
		result.SyncID = args[1]
		result.Version, err = w.Update(ctx, t, args[1], payload)
	} else {
		result.Created = true
		result.Version = 1
		result.SyncID, err = w.Create(ctx, t, payload)
	}
	if err != nil {
		return writeError(err)
	}

	verb := "Updated"
	if result.Created {
		verb = "Created"
	}
	text := fmt.Sprintf("%s %s %s (version %d)\n", verb, t, result.SyncID, result.Version)
	return opts.formatter(cmd).Success(result, text)
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <type> <sync-id>",
		Short: "Delete a local record",
		Long: `Delete a record locally and queue the delete for the next sync.

Examples:
  fretesync delete quotations 6f1c...e2`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := entity.Parse(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid entity type", err)
			}
			if err := rootOpts.setup(cmd); err != nil {
				return err
			}
			r, err := rootOpts.openReplica(clientOptions{oneShot: true})
			if err != nil {
				return err
			}
			defer r.Close()

			if err := r.orch.Writer().Delete(cmd.Context(), t, args[1]); err != nil {
				return writeError(err)
			}
			data := map[string]string{"entity_type": t.String(), "sync_id": args[1]}
			return rootOpts.formatter(cmd).Success(data, fmt.Sprintf("Deleted %s %s\n", t, args[1]))
		},
	}
	return cmd
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <type>",
		Short: "List local records of one type",
		Long: `List the local mirror of one entity type, including records whose delete
is still waiting to be pushed.

Examples:
  fretesync list clients --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := entity.Parse(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid entity type", err)
			}
			if err := rootOpts.setup(cmd); err != nil {
				return err
			}
			r, err := rootOpts.openReplica(clientOptions{oneShot: true})
			if err != nil {
				return err
			}
			defer r.Close()

			records, err := r.orch.Writer().List(cmd.Context(), t)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list records", err)
			}
			if records == nil {
				records = []oversync.MirrorRecord{}
			}
			return rootOpts.formatter(cmd).Success(records, formatRecords(records))
		},
	}
	return cmd
}

func formatRecords(records []oversync.MirrorRecord) string {
	if len(records) == 0 {
		return "No records.\n"
	}
	var b strings.Builder
	for _, rec := range records {
		state := "synced"
		switch {
		case rec.Deleted:
			state = "deleted"
		case !rec.Synced:
			state = "pending"
		}
		fmt.Fprintf(&b, "%s  v%-4d %-8s %s\n", rec.SyncID, rec.Version, state, compactJSON(rec.Payload))
	}
	return b.String()
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pending",
		Short:         "Show how many local changes await push",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.setup(cmd); err != nil {
				return err
			}
			r, err := rootOpts.openReplica(clientOptions{oneShot: true})
			if err != nil {
				return err
			}
			defer r.Close()

			n, err := r.orch.PendingCount(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to count pending changes", err)
			}
			data := map[string]int{"pending": n}
			return rootOpts.formatter(cmd).Success(data, fmt.Sprintf("%d pending\n", n))
		},
	}
	return cmd
}

func writeError(err error) error {
	switch {
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, engine.ErrDeleted), errors.Is(err, entity.ErrBadPayload):
		return WrapExitError(ExitFailure, "record rejected", err)
	default:
		return WrapExitError(ExitCommandError, "local write failed", err)
	}
}
