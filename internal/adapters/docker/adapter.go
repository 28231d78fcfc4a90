package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

// stopTimeout is how long a job gets to exit after SIGTERM.
const stopTimeout = 10

// Adapter implements ports.ContainerDriver using the Docker SDK.
type Adapter struct {
	cli    *client.Client
	logger *zap.Logger

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

var _ ports.ContainerDriver = (*Adapter)(nil)

// NewClient connects to the daemon at host, or to the one named by the
// environment when host is empty. Remote daemons are reached with host
// strings such as tcp://box:2376.
func NewClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

// NewAdapter creates a new Docker adapter instance
func NewAdapter(cli *client.Client, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{cli: cli, logger: logger, Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
}

// JobInfo lists managed containers, running or not, matching filter.
func (a *Adapter) JobInfo(ctx context.Context, filter domain.Filter) ([]domain.JobInfo, error) {
	containers, err := a.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: listFilters(filter)})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var out []domain.JobInfo
	for _, c := range containers {
		job := toJobInfo(c)
		if filter.Matches(job) {
			out = append(out, job)
		}
	}
	return out, nil
}

// JobStart creates and starts a container. Synchronous jobs are waited for;
// with the pipe policy their output is captured.
func (a *Adapter) JobStart(ctx context.Context, cfg domain.JobConfiguration, stdio domain.StdioPolicy) (domain.NewJobInfo, error) {
	config, hostConfig, err := createConfig(cfg, stdio)
	if err != nil {
		return domain.NewJobInfo{}, err
	}
	resp, err := a.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, cfg.Name)
	if err != nil {
		return domain.NewJobInfo{}, fmt.Errorf("failed to create container: %w", err)
	}
	info := domain.NewJobInfo{ID: resp.ID}
	for _, w := range resp.Warnings {
		a.logger.Warn("container create warning", zap.String("job_id", resp.ID), zap.String("warning", w))
	}

	if !cfg.Synchronous {
		if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
			return info, fmt.Errorf("failed to start container: %w", err)
		}
		return info, nil
	}

	waitCh, errCh := a.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)
	var streamed chan error
	if stdio == domain.StdioInherit {
		attached, err := a.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{Stream: true, Stdout: true, Stderr: true})
		if err != nil {
			return info, fmt.Errorf("failed to attach to container: %w", err)
		}
		defer attached.Close()
		streamed = make(chan error, 1)
		go func() {
			_, err := stdcopy.StdCopy(a.Stdout, a.Stderr, attached.Reader)
			streamed <- err
		}()
	}

	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return info, fmt.Errorf("failed to start container: %w", err)
	}

	select {
	case res := <-waitCh:
		info.ExitCode = int(res.StatusCode)
		if res.Error != nil {
			info.Error = res.Error.Message
		}
	case err := <-errCh:
		return info, fmt.Errorf("failed waiting for container: %w", err)
	}
	if streamed != nil {
		<-streamed
	}

	if stdio == domain.StdioPipe {
		stdout, stderr, err := a.logs(ctx, resp.ID, 0)
		if err != nil {
			return info, err
		}
		info.Output = stdout
		info.Error += stderr
	}
	if cfg.RemoveOnExit {
		if err := a.JobDelete(ctx, resp.ID); err != nil {
			a.logger.Warn("failed to remove finished job", zap.String("job_id", resp.ID), zap.Error(err))
		}
	}
	return info, nil
}

// JobExec runs command inside a running container and waits for it.
func (a *Adapter) JobExec(ctx context.Context, id string, command []string, stdio domain.StdioPolicy) (domain.NewJobInfo, error) {
	exec, err := a.cli.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          command,
		AttachStdout: stdio != domain.StdioIgnore,
		AttachStderr: stdio != domain.StdioIgnore,
	})
	if err != nil {
		return domain.NewJobInfo{}, fmt.Errorf("failed to create exec: %w", err)
	}
	attached, err := a.cli.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return domain.NewJobInfo{}, fmt.Errorf("failed to start exec: %w", err)
	}
	defer attached.Close()

	info := domain.NewJobInfo{ID: id}
	var stdout, stderr bytes.Buffer
	switch stdio {
	case domain.StdioInherit:
		_, err = stdcopy.StdCopy(a.Stdout, a.Stderr, attached.Reader)
	case domain.StdioPipe:
		_, err = stdcopy.StdCopy(&stdout, &stderr, attached.Reader)
	default:
		_, err = io.Copy(io.Discard, attached.Reader)
	}
	if err != nil {
		return info, fmt.Errorf("failed reading exec output: %w", err)
	}
	info.Output = stdout.String()
	info.Error = stderr.String()

	inspect, err := a.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return info, fmt.Errorf("failed to inspect exec: %w", err)
	}
	info.ExitCode = inspect.ExitCode
	return info, nil
}

// JobStop stops a running container
func (a *Adapter) JobStop(ctx context.Context, id string) error {
	timeout := stopTimeout
	return a.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
}

func (a *Adapter) JobDelete(ctx context.Context, id string) error {
	return a.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// JobAttach connects the adapter's streams to the container until it exits
// or the stream is closed.
func (a *Adapter) JobAttach(ctx context.Context, id string) error {
	attached, err := a.cli.ContainerAttach(ctx, id, container.AttachOptions{Stream: true, Stdin: true, Stdout: true, Stderr: true})
	if err != nil {
		return fmt.Errorf("failed to attach to container: %w", err)
	}
	defer attached.Close()

	go func() {
		_, _ = io.Copy(attached.Conn, a.Stdin)
		_ = attached.CloseWrite()
	}()
	_, err = stdcopy.StdCopy(a.Stdout, a.Stderr, attached.Reader)
	return err
}

// JobLog returns the container's combined output; lines <= 0 returns all.
func (a *Adapter) JobLog(ctx context.Context, id string, lines int) (string, error) {
	stdout, stderr, err := a.logs(ctx, id, lines)
	if err != nil {
		return "", err
	}
	return stdout + stderr, nil
}

func (a *Adapter) logs(ctx context.Context, id string, lines int) (string, string, error) {
	tail := "all"
	if lines > 0 {
		tail = strconv.Itoa(lines)
	}
	reader, err := a.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: tail})
	if err != nil {
		return "", "", fmt.Errorf("failed to read logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", "", fmt.Errorf("failed to demultiplex logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

func (a *Adapter) VolumeDelete(ctx context.Context, name string) error {
	return a.cli.VolumeRemove(ctx, name, true)
}

// CopyFrom extracts srcPath out of the container into dstDir.
func (a *Adapter) CopyFrom(ctx context.Context, id, srcPath, dstDir string) error {
	reader, _, err := a.cli.CopyFromContainer(ctx, id, srcPath)
	if err != nil {
		return fmt.Errorf("failed to copy from container: %w", err)
	}
	defer reader.Close()
	if err := archive.Untar(reader, dstDir, &archive.TarOptions{NoLchown: true}); err != nil {
		return fmt.Errorf("failed to extract %s: %w", srcPath, err)
	}
	return nil
}
