package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	logrus "github.com/sirupsen/logrus"
)

// DockerRuntime implements Runtime on the local Docker daemon.
type DockerRuntime struct {
	dockerClient *client.Client
	logger       *logrus.Logger
}

// NewDockerRuntime connects to the daemon configured by the DOCKER_* environment.
func NewDockerRuntime(logger *logrus.Logger) (*DockerRuntime, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DockerRuntime{dockerClient: dockerClient, logger: logger}, nil
}

// Ping checks that the daemon is reachable.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	_, err := d.dockerClient.Ping(ctx)
	return err
}

// Close releases the daemon connection.
func (d *DockerRuntime) Close() error {
	return d.dockerClient.Close()
}

// EnsureImage pulls image when it is not present locally.
func (d *DockerRuntime) EnsureImage(ctx context.Context, img string) error {
	if _, _, err := d.dockerClient.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", img, err)
	}

	d.logger.WithField("image", img).Info("Pulling runtime image")
	rc, err := d.dockerClient.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	return nil
}

// Create starts a long-lived, network-less container that idles until commands are exec'd.
func (d *DockerRuntime) Create(ctx context.Context, spec InstanceSpec) (string, error) {
	labels := map[string]string{
		LabelManaged:  "true",
		LabelLanguage: spec.Language,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	config := &container.Config{
		Image:           spec.Image,
		Cmd:             []string{"tail", "-f", "/dev/null"},
		WorkingDir:      spec.Workdir,
		Labels:          labels,
		NetworkDisabled: true,
	}

	pids := spec.PidsLimit
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes,
			NanoCPUs:   spec.NanoCPUs,
			PidsLimit:  &pids,
		},
		NetworkMode: "none",
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"CHOWN", "DAC_OVERRIDE", "FOWNER", "KILL", "SETUID", "SETGID"},
		SecurityOpt: []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			spec.Workdir: fmt.Sprintf("rw,exec,nosuid,size=64m,uid=%s,gid=%s,mode=0755", uid(spec.User), gid(spec.User)),
			"/tmp":       "rw,exec,nosuid,size=64m,mode=1777",
		},
	}

	resp, err := d.dockerClient.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		d.logger.WithField("image", spec.Image).Errorf("failed to create container: %v", err)
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.dockerClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.dockerClient.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		d.logger.WithField("container", shortID(resp.ID)).Errorf("failed to start container: %v", err)
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	d.logger.WithFields(logrus.Fields{
		"container": shortID(resp.ID),
		"image":     spec.Image,
		"language":  spec.Language,
	}).Info("Started sandbox container")
	return resp.ID, nil
}

// Remove force-removes a container. A container that is already gone is not an error.
func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	err := d.dockerClient.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		d.logger.WithField("container", shortID(id)).Errorf("Failed to remove container: %v", err)
		return fmt.Errorf("failed to remove container %s: %w", shortID(id), err)
	}
	d.logger.WithField("container", shortID(id)).Info("Removed container")
	return nil
}

func (d *DockerRuntime) IsRunning(ctx context.Context, id string) (bool, error) {
	info, err := d.dockerClient.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect container %s: %w", shortID(id), err)
	}
	return info.State != nil && info.State.Running, nil
}

func (d *DockerRuntime) List(ctx context.Context, images []string) ([]string, error) {
	if len(images) == 0 {
		return nil, nil
	}
	args := filters.NewArgs()
	for _, img := range images {
		args.Add("ancestor", img)
	}
	containers, err := d.dockerClient.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		d.logger.Errorf("failed to list containers: %v", err)
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// Exec runs a short-lived command and waits for it, bounded by ctx.
func (d *DockerRuntime) Exec(ctx context.Context, id string, spec ExecSpec) error {
	execID, hj, err := d.attach(ctx, id, spec, false)
	if err != nil {
		return err
	}
	defer hj.Close()

	var stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(io.Discard, &stderr, hj.Reader)
		copied <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-copied:
		if err != nil {
			return fmt.Errorf("exec stream: %w", err)
		}
	}

	insp, err := d.dockerClient.ContainerExecInspect(ctx, execID)
	if err != nil {
		return fmt.Errorf("failed to inspect exec: %w", err)
	}
	if insp.ExitCode != 0 {
		return fmt.Errorf("command exited with code %d: %s", insp.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Attach starts an interactive command with stdin, stdout and stderr attached.
func (d *DockerRuntime) Attach(ctx context.Context, id string, spec ExecSpec) (Process, error) {
	execID, hj, err := d.attach(ctx, id, spec, true)
	if err != nil {
		return nil, err
	}
	return &dockerProcess{cli: d.dockerClient, execID: execID, hj: hj}, nil
}

func (d *DockerRuntime) attach(ctx context.Context, id string, spec ExecSpec, stdin bool) (string, types.HijackedResponse, error) {
	ex, err := d.dockerClient.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          spec.Cmd,
		User:         spec.User,
		WorkingDir:   spec.Workdir,
		Env:          spec.Env,
		AttachStdin:  stdin,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", types.HijackedResponse{}, fmt.Errorf("failed to create exec in %s: %w", shortID(id), err)
	}
	hj, err := d.dockerClient.ContainerExecAttach(ctx, ex.ID, container.ExecStartOptions{})
	if err != nil {
		return "", types.HijackedResponse{}, fmt.Errorf("failed to attach exec in %s: %w", shortID(id), err)
	}
	return ex.ID, hj, nil
}

type dockerProcess struct {
	cli    *client.Client
	execID string
	hj     types.HijackedResponse
}

func (p *dockerProcess) Output() io.Reader { return p.hj.Reader }
func (p *dockerProcess) Stdin() io.Writer  { return p.hj.Conn }

func (p *dockerProcess) ExitCode(ctx context.Context) (int, error) {
	insp, err := p.cli.ContainerExecInspect(ctx, p.execID)
	if err != nil {
		return -1, err
	}
	return insp.ExitCode, nil
}

func (p *dockerProcess) Close() error {
	p.hj.Close()
	return nil
}

func gid(user string) string {
	if i := strings.IndexByte(user, ':'); i >= 0 {
		return user[i+1:]
	}
	return user
}
