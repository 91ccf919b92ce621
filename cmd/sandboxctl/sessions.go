package main

import (
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"sandboxengine/bridge"
	"sandboxengine/model"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "s"},
	Short:   "List persisted session records",
	Args:    cobra.NoArgs,
	RunE:    runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)
	store, closeStore, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", cfg.RedisAddr, err)
	}
	defer closeStore()

	records, err := loadRecords(cmd, store)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No persisted sessions")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tLANGUAGE\tINSTANCE\tIDLE")
	for _, rec := range records {
		idle := time.Since(rec.LastActivityAt).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", color.CyanString(rec.ID), rec.Language, short(rec.InstanceID), idle)
	}
	return w.Flush()
}

// loadRecords skips ids whose record expired between the scan and the read.
func loadRecords(cmd *cobra.Command, store bridge.Store) ([]model.SessionRecord, error) {
	ctx := cmd.Context()
	ids, err := store.IDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sort.Strings(ids)

	records := make([]model.SessionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := store.Get(ctx, id)
		if errors.Is(err, bridge.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load session %s: %w", id, err)
		}
		records = append(records, *rec)
	}
	return records, nil
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
