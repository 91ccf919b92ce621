package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"sandboxengine/bridge"
	"sandboxengine/config"
	"sandboxengine/executor"
	"sandboxengine/executor/runtimetest"
	"sandboxengine/lang"
	"sandboxengine/model"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// fakes swaps the Docker and Redis factories for in-memory versions.
func fakes(t *testing.T, program runtimetest.Program) (*runtimetest.Runtime, bridge.Store) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(m.Close)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rdb.Close() })
	store := bridge.NewRedisStore(rdb, time.Hour)

	rt := runtimetest.New()
	rt.Program = program

	prevRuntime, prevStore := newRuntime, newStore
	newRuntime = func(config.Config) (executor.Runtime, func(), error) { return rt, func() {}, nil }
	newStore = func(config.Config) (bridge.Store, func(), error) { return store, func() {}, nil }
	t.Cleanup(func() { newRuntime, newStore = prevRuntime, prevStore })
	return rt, store
}

func pythonImage(t *testing.T) string {
	t.Helper()
	p, err := lang.NewRegistry().Get("python")
	if err != nil {
		t.Fatal(err)
	}
	return p.Image
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, phrase := range []string{"sandboxctl", "cleanup", "languages", "sessions", "run"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
}

func TestCLILanguages(t *testing.T) {
	output, err := executeCommand(rootCmd, "languages")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, id := range lang.NewRegistry().IDs() {
		if !strings.Contains(output, id) {
			t.Errorf("languages output missing %q:\n%s", id, output)
		}
	}
}

func TestCLICleanupKeepsReferencedContainers(t *testing.T) {
	rt, store := fakes(t, nil)
	img := pythonImage(t)
	inUse := rt.AddForeign(img)
	rt.AddForeign(img)
	rt.AddForeign("postgres:16")

	if err := store.Save(context.Background(), model.SessionRecord{ID: "s1", Language: "python", InstanceID: inUse}); err != nil {
		t.Fatal(err)
	}

	output, err := executeCommand(rootCmd, "cleanup", "--all=false", "--dry-run=false")
	if err != nil {
		t.Fatalf("cleanup failed: %v\n%s", err, output)
	}
	if !strings.Contains(output, "1 removed, 1 kept") {
		t.Errorf("unexpected summary:\n%s", output)
	}
	if rt.Live() != 2 {
		t.Errorf("expected the referenced and the foreign-image containers to survive, %d live", rt.Live())
	}
	if running, _ := rt.IsRunning(context.Background(), inUse); !running {
		t.Error("referenced container was removed")
	}
}

func TestCLICleanupDryRun(t *testing.T) {
	rt, _ := fakes(t, nil)
	rt.AddForeign(pythonImage(t))

	output, err := executeCommand(rootCmd, "cleanup", "--all", "--dry-run")
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if !strings.Contains(output, "would remove") || rt.Live() != 1 {
		t.Errorf("dry run must not remove anything (%d live):\n%s", rt.Live(), output)
	}
}

func TestCLISessions(t *testing.T) {
	_, store := fakes(t, nil)
	now := time.Now()
	for _, id := range []string{"beta", "alpha"} {
		rec := model.SessionRecord{ID: id, Language: "go", InstanceID: "c-" + id, CreatedAt: now, LastActivityAt: now}
		if err := store.Save(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}

	output, err := executeCommand(rootCmd, "sessions")
	if err != nil {
		t.Fatalf("sessions failed: %v", err)
	}
	a, b := strings.Index(output, "alpha"), strings.Index(output, "beta")
	if a < 0 || b < 0 || a > b {
		t.Errorf("expected both sessions sorted by id:\n%s", output)
	}
}

func TestCLIRun(t *testing.T) {
	rt, _ := fakes(t, func(p *runtimetest.Proc) {
		if strings.Contains(p.Source(), "print(42)") {
			p.Stdout("42\n")
		}
		p.Stderr("warning\n")
	})
	file := filepath.Join(t.TempDir(), "main.py")
	if err := os.WriteFile(file, []byte("print(42)\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	output, err := executeCommand(rootCmd, "run", "--lang", "python", file)
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, output)
	}
	if !strings.Contains(output, "42") || !strings.Contains(output, "warning") {
		t.Errorf("expected program output, got:\n%s", output)
	}
	if rt.Live() != 0 {
		t.Errorf("run left %d containers behind", rt.Live())
	}
}

func TestCLIRunNonZeroExit(t *testing.T) {
	fakes(t, func(p *runtimetest.Proc) { p.SetExit(3) })
	file := filepath.Join(t.TempDir(), "main.py")
	os.WriteFile(file, []byte("raise SystemExit(3)\n"), 0o644)

	_, err := executeCommand(rootCmd, "run", "--lang", "python", file)
	if err == nil || !strings.Contains(err.Error(), "exited with 3") {
		t.Errorf("expected exit code error, got %v", err)
	}
}

func TestCLIRunUnsupportedLanguage(t *testing.T) {
	fakes(t, nil)
	file := filepath.Join(t.TempDir(), "main.cob")
	os.WriteFile(file, []byte("DISPLAY 'HI'."), 0o644)

	if _, err := executeCommand(rootCmd, "run", "--lang", "cobol", file); err == nil {
		t.Error("expected unsupported language to fail")
	}
}
