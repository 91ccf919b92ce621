package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"sandboxengine/lang"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove sandbox containers no session record refers to",
	Long: `cleanup removes containers started from the registry's runtime images.

Containers referenced by a persisted session record are kept so a running
or restarting service can still restore them. Use --all to ignore records.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().Bool("all", false, "Remove every sandbox container, even ones referenced by sessions")
	cleanupCmd.Flags().Bool("dry-run", false, "Only print what would be removed")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	cfg := loadConfig(cmd)
	ctx := cmd.Context()

	rt, closeRuntime, err := newRuntime(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to Docker: %w", err)
	}
	defer closeRuntime()

	keep := make(map[string]bool)
	if !all {
		store, closeStore, err := newStore(cfg)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis at %s (use --all to skip): %w", cfg.RedisAddr, err)
		}
		defer closeStore()

		records, err := loadRecords(cmd, store)
		if err != nil {
			return err
		}
		for _, rec := range records {
			keep[rec.InstanceID] = true
		}
	}

	ids, err := rt.List(ctx, lang.NewRegistry().Images())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	removed, kept := 0, 0
	for _, id := range ids {
		if keep[id] {
			kept++
			continue
		}
		if dryRun {
			fmt.Fprintf(out, "would remove %s\n", short(id))
			removed++
			continue
		}
		if err := rt.Remove(ctx, id); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s: %v\n", color.RedString("failed"), short(id), err)
			continue
		}
		fmt.Fprintf(out, "removed %s\n", short(id))
		removed++
	}

	fmt.Fprintf(out, "%s %d removed, %d kept\n", color.GreenString("done:"), removed, kept)
	return nil
}
