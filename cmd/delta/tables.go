package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/commit"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/protocol"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/table"
)

func openTable(ctx context.Context, g *globalFlags, location string) (*table.Table, error) {
	if location == "" {
		return nil, fmt.Errorf("--location is required")
	}
	cfg, logger, err := g.load()
	if err != nil {
		return nil, err
	}
	opts, err := tableOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	return table.Open(ctx, location, opts...)
}

func newCreateCmd(g *globalFlags) *cobra.Command {
	var (
		location, name, schema string
		partitions             []string
		properties             map[string]string
		readerVersion          int32
		writerVersion          int32
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Initialize a table at a location",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := openTable(cmd.Context(), g, location)
			if err != nil {
				return err
			}
			defer t.Close()
			md := protocol.NewMetadata(name, schema, partitions, properties).Metadata
			p := protocol.Protocol{MinReaderVersion: readerVersion, MinWriterVersion: writerVersion}
			version, err := t.Create(cmd.Context(), *md, p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created table %s at version %d\n", md.ID, version)
			return nil
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "table location (path or URL)")
	cmd.Flags().StringVar(&name, "name", "", "table name recorded in the metadata")
	cmd.Flags().StringVar(&schema, "schema", "", "table schema as a JSON struct type")
	cmd.Flags().StringSliceVar(&partitions, "partition", nil, "partition column, repeatable")
	cmd.Flags().StringToStringVar(&properties, "property", nil, "table property key=value, repeatable")
	cmd.Flags().Int32Var(&readerVersion, "reader-version", 1, "minimum reader version")
	cmd.Flags().Int32Var(&writerVersion, "writer-version", 2, "minimum writer version")
	_ = cmd.MarkFlagRequired("schema")
	return cmd
}

func newCommitCmd(g *globalFlags) *cobra.Command {
	var (
		location, operation, appID string
		adds, removes              []string
		expected, appVersion       int64
		noDataChange               bool
	)
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Commit file additions and removals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			t, err := openTable(ctx, g, location)
			if err != nil {
				return err
			}
			defer t.Close()

			txn := t.Begin()
			if cmd.Flags().Changed("expected-version") && expected != txn.ReadVersion() {
				actions, err := parseFileActions(adds, removes, !noDataChange)
				if err != nil {
					return err
				}
				if appID != "" {
					actions = append(actions, protocol.NewTxn(appID, appVersion))
				}
				res, err := t.Commit(ctx, expected, actions, commit.WithOperation(operation, nil))
				if err != nil {
					return err
				}
				return printCommit(cmd, res)
			}
			for _, arg := range adds {
				add, err := parseAdd(arg, !noDataChange)
				if err != nil {
					return err
				}
				if err := txn.Add(add); err != nil {
					return err
				}
			}
			for _, path := range removes {
				if err := txn.Remove(path, !noDataChange); err != nil {
					return err
				}
			}
			if appID != "" {
				if err := txn.SetAppTransaction(appID, appVersion); err != nil {
					return err
				}
			}
			txn.SetOperation(operation, nil)
			res, err := txn.Commit(ctx)
			if err != nil {
				return err
			}
			return printCommit(cmd, res)
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "table location (path or URL)")
	cmd.Flags().Int64Var(&expected, "expected-version", -1, "version the commit is based on (default: latest)")
	cmd.Flags().StringArrayVar(&adds, "add", nil, "file to add as path[:size], repeatable")
	cmd.Flags().StringArrayVar(&removes, "remove", nil, "file to remove, repeatable")
	cmd.Flags().BoolVar(&noDataChange, "no-data-change", false, "mark the commit as a rearrangement")
	cmd.Flags().StringVar(&operation, "operation", "WRITE", "operation recorded in commitInfo")
	cmd.Flags().StringVar(&appID, "app-id", "", "idempotent writer id")
	cmd.Flags().Int64Var(&appVersion, "app-version", 0, "idempotent writer progress")
	return cmd
}

func printCommit(cmd *cobra.Command, res commit.Result) error {
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "committed version %d after %d attempt(s)\n", res.Version, res.Attempts)
	return err
}

func parseFileActions(adds, removes []string, dataChange bool) ([]protocol.Action, error) {
	actions := make([]protocol.Action, 0, len(adds)+len(removes))
	for _, arg := range adds {
		add, err := parseAdd(arg, dataChange)
		if err != nil {
			return nil, err
		}
		actions = append(actions, protocol.Action{Add: &add})
	}
	for _, path := range removes {
		actions = append(actions, protocol.NewRemove(path, dataChange))
	}
	return actions, nil
}

// parseAdd reads "path" or "path:size".
func parseAdd(arg string, dataChange bool) (protocol.AddFile, error) {
	path, size := arg, int64(0)
	if i := strings.LastIndexByte(arg, ':'); i > 0 {
		n, err := strconv.ParseInt(arg[i+1:], 10, 64)
		if err != nil {
			return protocol.AddFile{}, fmt.Errorf("invalid size in %q", arg)
		}
		path, size = arg[:i], n
	}
	return protocol.AddFile{
		Path:             path,
		PartitionValues:  map[string]string{},
		Size:             size,
		ModificationTime: time.Now().UnixMilli(),
		DataChange:       dataChange,
	}, nil
}

func newLogCmd(g *globalFlags) *cobra.Command {
	var (
		location string
		version  int64
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print the commit history, or one commit with --version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			t, err := openTable(ctx, g, location)
			if err != nil {
				return err
			}
			defer t.Close()
			out := cmd.OutOrStdout()
			if cmd.Flags().Changed("version") {
				data, err := t.ReadVersionRaw(ctx, version)
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			}
			history, err := t.History(ctx)
			if err != nil {
				return err
			}
			for _, e := range history {
				op, ts := "", int64(0)
				if e.Info != nil {
					op, ts = e.Info.Operation, e.Info.Timestamp
				}
				fmt.Fprintf(out, "%d\t%s\t%d actions\t%s\n", e.Version, op, e.NumActions,
					time.UnixMilli(ts).UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "table location (path or URL)")
	cmd.Flags().Int64Var(&version, "version", 0, "print the actions of this version")
	return cmd
}

func newStateCmd(g *globalFlags) *cobra.Command {
	var location string
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the materialized table state as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := openTable(cmd.Context(), g, location)
			if err != nil {
				return err
			}
			defer t.Close()
			snap := t.Snapshot()
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"version":  snap.Version(),
				"protocol": snap.Protocol(),
				"metadata": snap.Metadata(),
				"files":    snap.Files(),
			})
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "table location (path or URL)")
	return cmd
}

func newCheckpointCmd(g *globalFlags) *cobra.Command {
	var location string
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Write a checkpoint of the latest version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := openTable(cmd.Context(), g, location)
			if err != nil {
				return err
			}
			defer t.Close()
			version, err := t.Checkpoint(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint written at version %d\n", version)
			return nil
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "table location (path or URL)")
	return cmd
}
