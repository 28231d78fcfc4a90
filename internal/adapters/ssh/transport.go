// Package ssh reaches remote resources through the system ssh and rsync
// binaries. Forwards ride on a multiplexed master connection so starting
// and releasing tunnels does not re-authenticate.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

// Resource option keys understood by the transport.
const (
	OptionPort         = "port"
	OptionIdentityFile = "identity_file"
)

// Transport implements ports.Transport with ssh and rsync.
type Transport struct {
	resource   domain.Resource
	runner     ports.CommandRunner
	controlDir string
	logger     *zap.Logger
}

var _ ports.Transport = (*Transport)(nil)

// New returns a transport for resource. Control sockets live in controlDir.
func New(resource domain.Resource, runner ports.CommandRunner, controlDir string, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		resource:   resource,
		runner:     runner,
		controlDir: controlDir,
		logger:     logger.With(zap.String("resource", resource.Name)),
	}
}

func (t *Transport) Resource() domain.Resource { return t.resource }

// baseArgs returns the connection options shared by every ssh call.
func (t *Transport) baseArgs(mux ports.Multiplex) []string {
	args := []string{"-o", "BatchMode=yes"}
	if port := t.resource.Options[OptionPort]; port != "" {
		args = append(args, "-p", port)
	}
	identity := t.resource.Options[OptionIdentityFile]
	if identity == "" {
		identity = t.resource.CredentialRef
	}
	if identity != "" {
		args = append(args, "-i", identity)
	}
	if mux.ReuseConnection {
		args = append(args,
			"-o", "ControlMaster=auto",
			"-o", "ControlPath="+t.controlPath(),
			"-o", "ControlPersist="+strconv.Itoa(int(mux.ControlPersist.Seconds())),
		)
	}
	return args
}

func (t *Transport) controlPath() string {
	return filepath.Join(t.controlDir, "lighthouse-%C")
}

func forwardSpec(opts ports.TunnelOptions) string {
	return fmt.Sprintf("%s:%d:localhost:%d", opts.LocalIP, opts.LocalPort, opts.RemotePort)
}

func (t *Transport) ssh(ctx context.Context, mux ports.Multiplex, extra ...string) ([]byte, error) {
	args := append(t.baseArgs(mux), extra...)
	return t.runner.Run(ctx, "ssh", args...)
}

// TunnelStart opens the forward. With connection reuse the master is
// started on demand and the forward is added to it.
func (t *Transport) TunnelStart(ctx context.Context, opts ports.TunnelOptions) (bool, error) {
	spec := forwardSpec(opts)
	dest := t.resource.Destination()

	if !opts.Multiplex.ReuseConnection {
		if _, err := t.ssh(ctx, opts.Multiplex, "-f", "-N", "-o", "ExitOnForwardFailure=yes", "-L", spec, dest); err != nil {
			return false, fmt.Errorf("ssh forward %s: %w", spec, err)
		}
		return true, nil
	}

	if !t.masterAlive(ctx, opts.Multiplex) {
		t.logger.Debug("starting ssh master", zap.String("control_path", t.controlPath()))
		if _, err := t.ssh(ctx, opts.Multiplex, "-f", "-N", dest); err != nil {
			return false, fmt.Errorf("ssh master to %s: %w", dest, err)
		}
	}
	if _, err := t.ssh(ctx, opts.Multiplex, "-O", "forward", "-L", spec, dest); err != nil {
		return false, fmt.Errorf("ssh forward %s: %w", spec, err)
	}
	return true, nil
}

// TunnelRelease cancels the forward. It reports false when no master or
// forward process existed.
func (t *Transport) TunnelRelease(ctx context.Context, opts ports.TunnelOptions) (bool, error) {
	spec := forwardSpec(opts)
	dest := t.resource.Destination()

	if !opts.Multiplex.ReuseConnection {
		_, err := t.runner.Run(ctx, "pkill", "-f", "ssh .*-L "+spec)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("killing forward %s: %w", spec, err)
		}
		return true, nil
	}

	if !t.masterAlive(ctx, opts.Multiplex) {
		return false, nil
	}
	if _, err := t.ssh(ctx, opts.Multiplex, "-O", "cancel", "-L", spec, dest); err != nil {
		// A live master refusing the cancel means it holds no such forward.
		if t.masterAlive(ctx, opts.Multiplex) {
			t.logger.Debug("no forward to cancel", zap.String("forward", spec), zap.Error(err))
			return false, nil
		}
		return false, fmt.Errorf("ssh cancel %s: %w", spec, err)
	}
	return true, nil
}

func (t *Transport) masterAlive(ctx context.Context, mux ports.Multiplex) bool {
	_, err := t.ssh(ctx, mux, "-O", "check", t.resource.Destination())
	return err == nil
}

// Rsync copies localPath to or from remotePath over ssh.
func (t *Transport) Rsync(ctx context.Context, localPath, remotePath string, direction ports.RsyncDirection, flags []string) error {
	remote := t.resource.Destination() + ":" + remotePath
	src, dst := localPath, remote
	if direction == ports.Download {
		src, dst = remote, localPath
	}

	shell := append([]string{"ssh"}, t.baseArgs(ports.Multiplex{})...)
	args := append([]string{"-e", strings.Join(shell, " ")}, flags...)
	args = append(args, src, dst)

	t.logger.Info("rsync", zap.String("direction", string(direction)), zap.String("src", src), zap.String("dst", dst))
	if _, err := t.runner.Run(ctx, "rsync", args...); err != nil {
		return fmt.Errorf("rsync %s: %w", direction, err)
	}
	return nil
}

// Run executes command through the remote user's shell.
func (t *Transport) Run(ctx context.Context, command string) ([]byte, error) {
	out, err := t.ssh(ctx, ports.Multiplex{}, t.resource.Destination(), command)
	if err != nil {
		return out, fmt.Errorf("ssh %s: %w", t.resource.Destination(), err)
	}
	return out, nil
}
