package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"sandboxengine/internal"
	"sandboxengine/lang"
)

// EngineConfig controls how code is run inside an instance.
type EngineConfig struct {
	Workdir string
	User    string
	// WriteTimeout bounds the source write; a write that outlives it is assumed to land.
	WriteTimeout time.Duration
	KillTimeout  time.Duration
	// DefaultTimeout applies to languages without their own timeout.
	DefaultTimeout time.Duration
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Workdir:        "/sandbox",
		User:           "1000:1000",
		WriteTimeout:   time.Second,
		KillTimeout:    5 * time.Second,
		DefaultTimeout: 10 * time.Second,
	}
}

// Engine compiles and runs code inside leased instances and streams the output
// into a session's OutputState.
type Engine struct {
	runtime   Runtime
	languages *lang.Registry
	cfg       EngineConfig
	sanitizer *internal.OutputSanitizer
	logger    *zap.Logger
}

func NewEngine(rt Runtime, languages *lang.Registry, cfg EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		runtime:   rt,
		languages: languages,
		cfg:       cfg,
		sanitizer: internal.NewOutputSanitizer(cfg.Workdir),
		logger:    logger,
	}
}

// TimeoutMarker is appended to stderr when a run is killed for exceeding its timeout.
func TimeoutMarker(d time.Duration) string {
	return fmt.Sprintf("\n[Execution timed out after %s]\n", d)
}

// Execute writes code into inst and starts it. It returns once the process is
// attached; output keeps arriving in st until the process exits or is killed.
func (e *Engine) Execute(ctx context.Context, inst *Instance, code, language, sessionID string, st *OutputState) error {
	profile, err := e.languages.Get(language)
	if err != nil {
		return err
	}

	// one live process per session
	if st.Process() != nil {
		e.Stop(ctx, inst, st)
	}
	st.beginExecution()

	fileName := profile.FileName(code)
	wctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
	err = e.runtime.Exec(wctx, inst.ID, WriteFileSpec(e.cfg.Workdir, e.cfg.User, fileName, code))
	cancel()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e.logger.Debug("Source write still pending, continuing",
			zap.String("session", sessionID), zap.String("file", fileName))
	case err != nil:
		return fmt.Errorf("failed to write source: %w", err)
	}

	command := "stty -echo 2>/dev/null; " + profile.ShellCommand(fileName)
	// the process outlives the request that started it
	proc, err := e.runtime.Attach(context.WithoutCancel(ctx), inst.ID, ExecSpec{
		Cmd:     []string{"sh", "-c", command},
		User:    e.cfg.User,
		Workdir: e.cfg.Workdir,
	})
	if err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	gen, done := st.attach(proc)
	timeout := profile.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	timer := time.AfterFunc(timeout, func() { e.onTimeout(inst, st, gen, timeout) })

	e.logger.Info("Execution started",
		zap.String("session", sessionID),
		zap.String("language", language),
		zap.String("container", shortID(inst.ID)),
		zap.Duration("timeout", timeout))

	go e.pump(proc, st, gen, done, timer, sessionID)
	return nil
}

// pump demultiplexes the process stream into st until it ends.
func (e *Engine) pump(proc Process, st *OutputState, gen uint64, done chan struct{}, timer *time.Timer, sessionID string) {
	stdout := &streamWriter{state: st, gen: gen, stream: Stdout, clean: e.sanitizer.Stream()}
	stderr := &streamWriter{state: st, gen: gen, stream: Stderr, clean: e.sanitizer.Stream()}
	_, copyErr := stdcopy.StdCopy(stdout, stderr, proc.Output())
	stdout.flush()
	stderr.flush()
	timer.Stop()

	exit := "killed"
	if !errors.Is(st.Err(), ErrExecutionTimeout) {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.KillTimeout)
		if code, err := proc.ExitCode(ctx); err == nil {
			exit = strconv.Itoa(code)
		}
		cancel()
	}
	if _, ok := st.current(gen); ok {
		st.emit(Exit, exit)
	}
	st.detach(gen, done)
	proc.Close()

	if copyErr != nil && !errors.Is(copyErr, io.EOF) {
		e.logger.Debug("Output stream closed", zap.String("session", sessionID), zap.Error(copyErr))
	}
	e.logger.Info("Execution finished", zap.String("session", sessionID), zap.String("exit", exit))
}

func (e *Engine) onTimeout(inst *Instance, st *OutputState, gen uint64, timeout time.Duration) {
	proc, ok := st.current(gen)
	if !ok {
		return
	}
	// marker lands before the kill so it is visible once Done closes
	st.setErr(gen, ErrExecutionTimeout)
	st.appendMarker(gen, Stderr, TimeoutMarker(timeout))
	e.killAll(inst)
	proc.Close()
	e.logger.Warn("Execution timed out",
		zap.String("container", shortID(inst.ID)), zap.Duration("timeout", timeout))
}

// SendInput writes input and a newline to the process stdin.
func (e *Engine) SendInput(proc Process, input string) error {
	if proc == nil {
		return ErrNoActiveProcess
	}
	if _, err := io.WriteString(proc.Stdin(), input+"\n"); err != nil {
		return fmt.Errorf("failed to write input: %w", err)
	}
	return nil
}

// Stop kills whatever the sandbox user is running in inst and detaches st.
func (e *Engine) Stop(ctx context.Context, inst *Instance, st *OutputState) {
	proc := st.Process()
	if proc == nil {
		return
	}
	if inst != nil {
		e.killAll(inst)
	}
	proc.Close()
	select {
	case <-st.Done():
	case <-ctx.Done():
	case <-time.After(e.cfg.KillTimeout):
	}
}

func (e *Engine) killAll(inst *Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.KillTimeout)
	defer cancel()
	if err := e.runtime.Exec(ctx, inst.ID, KillUserSpec(e.cfg.User)); err != nil {
		e.logger.Warn("Failed to kill sandbox processes",
			zap.String("container", shortID(inst.ID)), zap.Error(err))
	}
}
