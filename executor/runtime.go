package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"
)

// Labels attached to every managed container.
const (
	LabelManaged  = "sandboxengine.managed"
	LabelLanguage = "sandboxengine.language"
)

// InstanceSpec describes an isolated execution environment to create.
type InstanceSpec struct {
	Language    string
	Image       string
	Workdir     string
	User        string
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	Labels      map[string]string
}

// ExecSpec describes a command run inside an existing environment.
type ExecSpec struct {
	Cmd     []string
	User    string
	Workdir string
	Env     []string
}

// Process is a live, attached command inside an environment.
type Process interface {
	// Output yields the multiplexed stdout/stderr stream.
	Output() io.Reader
	Stdin() io.Writer
	ExitCode(ctx context.Context) (int, error)
	Close() error
}

// Runtime is the container runtime the pool and engine drive.
// Implementations must be safe for concurrent use.
type Runtime interface {
	EnsureImage(ctx context.Context, image string) error
	Create(ctx context.Context, spec InstanceSpec) (string, error)
	Remove(ctx context.Context, id string) error
	IsRunning(ctx context.Context, id string) (bool, error)
	// List returns ids of all containers created from any of images.
	List(ctx context.Context, images []string) ([]string, error)
	// Exec runs spec to completion and returns an error on non-zero exit.
	Exec(ctx context.Context, id string, spec ExecSpec) error
	Attach(ctx context.Context, id string, spec ExecSpec) (Process, error)
}

// SourceEnv carries base64 source into the write command so code never touches the shell line.
const SourceEnv = "SANDBOX_SOURCE"

func uid(user string) string {
	if i := strings.IndexByte(user, ':'); i >= 0 {
		return user[:i]
	}
	return user
}

// WriteFileSpec writes content to workdir/name as user.
func WriteFileSpec(workdir, user, name, content string) ExecSpec {
	return ExecSpec{
		Cmd:     []string{"sh", "-c", fmt.Sprintf(`printf '%%s' "$%s" | base64 -d > '%s'`, SourceEnv, name)},
		User:    user,
		Workdir: workdir,
		Env:     []string{SourceEnv + "=" + base64.StdEncoding.EncodeToString([]byte(content))},
	}
}

// KillUserSpec force-kills every process owned by user, which must be a numeric
// uid or uid:gid. Slim images ship without procps, so it falls back to walking
// /proc and comparing numeric owners.
func KillUserSpec(user string) ExecSpec {
	id := uid(user)
	script := fmt.Sprintf(`pkill -9 -u %[1]s 2>/dev/null || for p in /proc/[0-9]*; do [ "$(stat -c %%u "$p" 2>/dev/null)" = "%[1]s" ] && kill -9 "${p#/proc/}" 2>/dev/null; done; true`, id)
	return ExecSpec{Cmd: []string{"sh", "-c", script}, User: "root"}
}

// WipeSpec empties workdir, including dotfiles.
func WipeSpec(workdir string) ExecSpec {
	return ExecSpec{
		Cmd:  []string{"sh", "-c", fmt.Sprintf("find '%s' -mindepth 1 -delete", workdir)},
		User: "root",
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// detached returns a context that is not cancelled with parent but still bounded.
func detached(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), d)
}
