package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"sandboxengine/config"
	"sandboxengine/executor"
	"sandboxengine/internal"
	"sandboxengine/lang"
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Run a source file once in a fresh sandbox container",
	Long: `run executes a file in a new container and streams its output.

Use "-" to read the source from stdin. The container is removed afterwards;
no session record is written.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("lang", "l", "", "Language id (see: sandboxctl languages)")
	runCmd.Flags().Duration("wait", 2*time.Minute, "Give up waiting for the program after this long")
	runCmd.MarkFlagRequired("lang")
}

func runRun(cmd *cobra.Command, args []string) error {
	language, _ := cmd.Flags().GetString("lang")
	wait, _ := cmd.Flags().GetDuration("wait")
	cfg := loadConfig(cmd)

	var (
		src []byte
		err error
	)
	if args[0] == "-" {
		src, err = io.ReadAll(cmd.InOrStdin())
	} else {
		src, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}

	rt, closeRuntime, err := newRuntime(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to Docker: %w", err)
	}
	defer closeRuntime()

	ctx, cancel := context.WithTimeout(cmd.Context(), wait)
	defer cancel()

	exit, err := runOnce(ctx, rt, cfg, language, string(src), cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if exit != "0" {
		return fmt.Errorf("program exited with %s", exit)
	}
	return nil
}

// runOnce leases a throwaway instance, runs code in it and copies the output
// events to stdout and stderr. It returns the exit code reported by the engine.
func runOnce(ctx context.Context, rt executor.Runtime, cfg config.Config, language, code string, stdout, stderr io.Writer) (string, error) {
	languages := lang.NewRegistry()
	profile, err := languages.Get(language)
	if err != nil {
		return "", err
	}
	if err := internal.ValidateCode(code, cfg.MaxCodeBytes); err != nil {
		return "", err
	}
	if err := rt.EnsureImage(ctx, profile.Image); err != nil {
		return "", err
	}

	poolCfg := executor.DefaultPoolConfig()
	poolCfg.MinIdle = 0
	poolCfg.MaxSize = 1
	poolCfg.Workdir = cfg.SandboxWorkdir
	poolCfg.User = cfg.SandboxUser
	poolCfg.MemoryBytes = int64(cfg.SandboxMemoryMB) * 1024 * 1024
	poolCfg.NanoCPUs = cfg.SandboxNanoCPUs
	pool := executor.NewPoolRegistry(rt, languages, poolCfg, nil)
	defer pool.Stop(context.WithoutCancel(ctx))

	engineCfg := executor.DefaultEngineConfig()
	engineCfg.Workdir = cfg.SandboxWorkdir
	engineCfg.User = cfg.SandboxUser
	engine := executor.NewEngine(rt, languages, engineCfg, nil)

	inst, err := pool.Acquire(ctx, language)
	if err != nil {
		return "", err
	}
	defer pool.Release(context.WithoutCancel(ctx), inst)

	id := "run-" + uuid.NewString()[:8]
	st := executor.NewOutputState(id, cfg.MaxOutputBytes)
	defer st.Close()
	events := st.EnableEvents(64)

	if err := engine.Execute(ctx, inst, code, language, id, st); err != nil {
		return "", err
	}

	red := color.New(color.FgRed)
	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case executor.Stdout:
				io.WriteString(stdout, ev.Data)
			case executor.Stderr:
				red.Fprint(stderr, ev.Data)
			case executor.Exit:
				return ev.Data, nil
			}
		case <-ctx.Done():
			engine.Stop(context.WithoutCancel(ctx), inst, st)
			return "", fmt.Errorf("gave up waiting for %s: %w", id, ctx.Err())
		}
	}
}
