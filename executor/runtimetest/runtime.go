// Package runtimetest provides an in-memory executor.Runtime for tests.
package runtimetest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	"sandboxengine/executor"
)

// Program simulates a command attached inside a container.
type Program func(p *Proc)

// Runtime is a fake container runtime. Zero value is not usable; call New.
type Runtime struct {
	// Program runs for every Attach. Defaults to exiting 0 with no output.
	Program Program
	// WriteDelay delays source writes to exercise write timeouts.
	WriteDelay time.Duration
	// CreateErr, when set, is consulted before each Create.
	CreateErr func(spec executor.InstanceSpec) error
	// ExecErr, when set, can fail individual Exec calls.
	ExecErr func(spec executor.ExecSpec) error
	// MissingImages fail EnsureImage.
	MissingImages map[string]bool
	// InspectErr, when set, can fail IsRunning for individual containers.
	InspectErr func(id string) error

	mu         sync.Mutex
	containers map[string]*Container
	next       int
	created    int
	removed    int
	maxLive    int
}

// Container is a fake environment.
type Container struct {
	ID       string
	Spec     executor.InstanceSpec
	Running  bool
	Files    map[string]string
	lastFile string
	procs    map[*Proc]struct{}
}

func New() *Runtime {
	return &Runtime{containers: make(map[string]*Container)}
}

func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	if r.MissingImages[image] {
		return fmt.Errorf("image %s not found", image)
	}
	return nil
}

func (r *Runtime) Create(ctx context.Context, spec executor.InstanceSpec) (string, error) {
	if r.CreateErr != nil {
		if err := r.CreateErr(spec); err != nil {
			return "", err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.created++
	id := fmt.Sprintf("%s-%04d-%s", spec.Language, r.next, strings.Repeat("f", 16))
	r.containers[id] = &Container{
		ID:      id,
		Spec:    spec,
		Running: true,
		Files:   make(map[string]string),
		procs:   make(map[*Proc]struct{}),
	}
	if n := len(r.containers); n > r.maxLive {
		r.maxLive = n
	}
	return id, nil
}

func (r *Runtime) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	c, ok := r.containers[id]
	if ok {
		delete(r.containers, id)
		r.removed++
	}
	r.mu.Unlock()
	if ok {
		r.killAll(c)
	}
	return nil
}

func (r *Runtime) IsRunning(ctx context.Context, id string) (bool, error) {
	if r.InspectErr != nil {
		if err := r.InspectErr(id); err != nil {
			return false, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	return ok && c.Running, nil
}

func (r *Runtime) List(ctx context.Context, images []string) ([]string, error) {
	want := make(map[string]bool, len(images))
	for _, img := range images {
		want[img] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, c := range r.containers {
		if want[c.Spec.Image] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *Runtime) Exec(ctx context.Context, id string, spec executor.ExecSpec) error {
	if r.ExecErr != nil {
		if err := r.ExecErr(spec); err != nil {
			return err
		}
	}
	c, err := r.container(id)
	if err != nil {
		return err
	}
	script := strings.Join(spec.Cmd, " ")

	switch {
	case strings.Contains(script, "pkill -9"):
		r.killAll(c)
	case strings.Contains(script, "-mindepth 1 -delete"):
		r.mu.Lock()
		c.Files = make(map[string]string)
		c.lastFile = ""
		r.mu.Unlock()
	case sourceOf(spec.Env) != "":
		content, err := base64.StdEncoding.DecodeString(sourceOf(spec.Env))
		if err != nil {
			return err
		}
		name := targetOf(script)
		r.mu.Lock()
		c.Files[name] = string(content)
		c.lastFile = name
		r.mu.Unlock()
		if r.WriteDelay > 0 {
			select {
			case <-time.After(r.WriteDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (r *Runtime) Attach(ctx context.Context, id string, spec executor.ExecSpec) (executor.Process, error) {
	c, err := r.container(id)
	if err != nil {
		return nil, err
	}

	outR, outW := io.Pipe()
	r.mu.Lock()
	files := make(map[string]string, len(c.Files))
	for k, v := range c.Files {
		files[k] = v
	}
	p := &Proc{
		Spec:   spec,
		Files:  files,
		source: c.Files[c.lastFile],
		outW:   outW,
		stdout: stdcopy.NewStdWriter(outW, stdcopy.Stdout),
		stderr: stdcopy.NewStdWriter(outW, stdcopy.Stderr),
		stdin:  make(chan string, 64),
		killed: make(chan struct{}),
	}
	c.procs[p] = struct{}{}
	program := r.Program
	r.mu.Unlock()

	if program == nil {
		program = func(p *Proc) {}
	}
	go func() {
		program(p)
		p.finish()
		r.mu.Lock()
		delete(c.procs, p)
		r.mu.Unlock()
	}()
	return &process{p: p, out: outR}, nil
}

// Stop marks a container as crashed without removing it.
func (r *Runtime) Stop(id string) {
	r.mu.Lock()
	c, ok := r.containers[id]
	if ok {
		c.Running = false
	}
	r.mu.Unlock()
	if ok {
		r.killAll(c)
	}
}

// AddForeign registers a container this process did not create, as if left over from a crash.
func (r *Runtime) AddForeign(image string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := fmt.Sprintf("orphan-%04d", r.next)
	r.containers[id] = &Container{
		ID:      id,
		Spec:    executor.InstanceSpec{Image: image},
		Running: true,
		Files:   make(map[string]string),
		procs:   make(map[*Proc]struct{}),
	}
	return id
}

// Files returns a copy of the files in a container's working directory.
func (r *Runtime) Files(id string) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(c.Files))
	for k, v := range c.Files {
		out[k] = v
	}
	return out
}

// Live is the number of existing containers.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// MaxLive is the highest number of containers that existed at once.
func (r *Runtime) MaxLive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxLive
}

// Created is the number of successful Create calls.
func (r *Runtime) Created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}

// Removed is the number of containers removed.
func (r *Runtime) Removed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed
}

func (r *Runtime) container(id string) (*Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok || !c.Running {
		return nil, fmt.Errorf("container %s is not running", id)
	}
	return c, nil
}

func (r *Runtime) killAll(c *Container) {
	r.mu.Lock()
	procs := make([]*Proc, 0, len(c.procs))
	for p := range c.procs {
		procs = append(procs, p)
	}
	r.mu.Unlock()
	for _, p := range procs {
		p.kill()
	}
}

func sourceOf(env []string) string {
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, executor.SourceEnv+"="); ok {
			return v
		}
	}
	return ""
}

func targetOf(script string) string {
	i := strings.LastIndex(script, "> '")
	if i < 0 {
		return ""
	}
	return strings.TrimSuffix(script[i+3:], "'")
}

// Proc is the program side of an attached command.
type Proc struct {
	Spec   executor.ExecSpec
	Files  map[string]string
	source string

	outW   *io.PipeWriter
	stdout io.Writer
	stderr io.Writer
	stdin  chan string

	mu       sync.Mutex
	exitCode int
	once     sync.Once
	killed   chan struct{}
}

// Source is the most recently written source file.
func (p *Proc) Source() string { return p.source }

// Command is the shell line the engine asked to run.
func (p *Proc) Command() string { return p.Spec.Cmd[len(p.Spec.Cmd)-1] }

func (p *Proc) Stdout(s string) { p.stdout.Write([]byte(s)) }
func (p *Proc) Stderr(s string) { p.stderr.Write([]byte(s)) }

// ReadLine blocks for one line of stdin. ok is false once the process is killed or stdin closes.
func (p *Proc) ReadLine() (line string, ok bool) {
	select {
	case s := <-p.stdin:
		return strings.TrimSuffix(s, "\n"), true
	case <-p.killed:
		return "", false
	}
}

// Killed is closed when the process is force-killed or detached.
func (p *Proc) Killed() <-chan struct{} { return p.killed }

// Hang blocks until the process is killed.
func (p *Proc) Hang() { <-p.killed }

// SetExit sets the exit code reported once the program returns.
func (p *Proc) SetExit(code int) {
	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
}

func (p *Proc) kill() {
	p.once.Do(func() { close(p.killed) })
	p.SetExit(137)
	p.outW.CloseWithError(io.EOF)
}

func (p *Proc) finish() {
	p.outW.Close()
}

type process struct {
	p   *Proc
	out *io.PipeReader
}

func (pr *process) Output() io.Reader { return pr.out }
func (pr *process) Stdin() io.Writer  { return stdinWriter{pr.p} }

func (pr *process) ExitCode(ctx context.Context) (int, error) {
	pr.p.mu.Lock()
	defer pr.p.mu.Unlock()
	return pr.p.exitCode, nil
}

func (pr *process) Close() error {
	pr.p.once.Do(func() { close(pr.p.killed) })
	pr.out.Close()
	return nil
}

// stdinWriter buffers like a real exec connection, so writes do not wait for a reader.
type stdinWriter struct{ p *Proc }

func (w stdinWriter) Write(b []byte) (int, error) {
	select {
	case <-w.p.killed:
		return 0, io.ErrClosedPipe
	default:
	}
	select {
	case w.p.stdin <- string(b):
		return len(b), nil
	default:
		return 0, errors.New("stdin buffer full")
	}
}
