package engine

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	labelPrefix      = "mdbench."
	containerWorkdir = "/work"
)

// dockerAPI is the subset of the Docker client used to run the engine.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerOptions configure a DockerExecutor.
type DockerOptions struct {
	Image string
	GPUs  bool // pass every host GPU into the container
}

// DockerExecutor runs the engine inside a throwaway container with the
// host workdir bind-mounted at /work.
type DockerExecutor struct {
	docker dockerAPI
	closer io.Closer
	opts   DockerOptions
}

func NewDockerExecutor(opts DockerOptions) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerExecutor{docker: cli, closer: cli, opts: opts}, nil
}

func (d *DockerExecutor) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

func (d *DockerExecutor) Exec(ctx context.Context, inv Invocation) (int, []byte, error) {
	hostDir, err := filepath.Abs(inv.Workdir)
	if err != nil {
		return -1, nil, fmt.Errorf("resolve workdir: %w", err)
	}

	hostCfg := &container.HostConfig{
		AutoRemove:  false,
		SecurityOpt: []string{"no-new-privileges"},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: hostDir,
				Target: containerWorkdir,
			},
		},
	}
	if d.opts.GPUs {
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{
			{Count: -1, Capabilities: [][]string{{"gpu"}}},
		}
	}

	cfg := &container.Config{
		Image:      d.opts.Image,
		Cmd:        inv.Argv,
		WorkingDir: containerWorkdir,
		Tty:        false,
		Labels: map[string]string{
			labelPrefix + "managed": "true",
		},
	}

	name := "mdbench-" + uuid.New().String()[:8]
	resp, err := d.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return -1, nil, fmt.Errorf("container create: %w", err)
	}
	defer d.docker.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})

	waitCh, errCh := d.docker.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)

	if err := d.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return -1, nil, fmt.Errorf("container start: %w", err)
	}

	var exitCode int
	select {
	case w := <-waitCh:
		if w.Error != nil {
			return -1, nil, fmt.Errorf("container wait: %s", w.Error.Message)
		}
		exitCode = int(w.StatusCode)
	case err := <-errCh:
		return -1, nil, fmt.Errorf("container wait: %w", err)
	}

	output, err := d.logs(resp.ID)
	if err != nil {
		return exitCode, nil, err
	}
	return exitCode, output, nil
}

func (d *DockerExecutor) logs(id string) ([]byte, error) {
	rc, err := d.docker.ContainerLogs(context.Background(), id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	// Demultiplex Docker's stdout/stderr stream (8-byte headers).
	stdout := &cappedBuffer{limit: MaxOutputBytes}
	stderr := &cappedBuffer{limit: MaxOutputBytes}
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		return nil, fmt.Errorf("container logs read: %w", err)
	}
	stdout.Write(stderr.Bytes())
	return stdout.Bytes(), nil
}
