package jobs

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/network"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/core/result"
)

// LocalBackend bind-mounts project directories straight from the host.
type LocalBackend struct {
	driver        ports.ContainerDriver
	runner        ports.CommandRunner
	containerRoot string
	logger        *zap.Logger
}

// NewLocal returns a manager for the local container runtime.
func NewLocal(driver ports.ContainerDriver, builder ports.BuildDriver, runner ports.CommandRunner, cfg Config, logger *zap.Logger) *Generic {
	m := NewGeneric(driver, builder, nil, cfg, logger)
	m.backend = &LocalBackend{driver: driver, runner: runner, containerRoot: m.cfg.ContainerRoot, logger: m.logger}
	return m
}

func (b *LocalBackend) Transport() ports.Transport { return nil }

func (b *LocalBackend) PortChecker() ports.PortChecker { return network.LocalChecker{} }

func (b *LocalBackend) MountRunFiles(_ context.Context, cfg *domain.JobConfiguration, projectRoot, projectDir string) result.Result[string] {
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		return result.Fail("", fmt.Errorf("%w: project root %q: %w", domain.ErrValidation, projectRoot, err))
	}
	cfg.Stack.AddMount(domain.Mount{Type: domain.MountBind, Source: abs, Target: projectDir})
	return result.OK(abs)
}

func (b *LocalBackend) ConfigureExecFileMounts(_ context.Context, cfg *domain.JobConfiguration, parent domain.JobInfo) result.Result[string] {
	return mountParentFiles(cfg, parent, b.containerRoot)
}

// CopyJob exports the project directory out of the job through the driver
// and syncs it into hostPath with rsync.
func (b *LocalBackend) CopyJob(ctx context.Context, job domain.JobInfo, mode CopyMode, hostPath string) result.Result[string] {
	src := jobProjectDir(job, b.containerRoot)
	staging, err := os.MkdirTemp("", "lighthouse-copy-*")
	if err != nil {
		return result.Fail("", fmt.Errorf("creating staging dir: %w", err))
	}
	defer os.RemoveAll(staging)

	if err := b.driver.CopyFrom(ctx, job.ID, src, staging); err != nil {
		return result.Fail("", fmt.Errorf("%w: exporting %s from job %s: %w", domain.ErrTransport, src, shortID(job.ID), err))
	}
	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		return result.Fail("", fmt.Errorf("creating %s: %w", hostPath, err))
	}

	args := append(rsyncFlags(mode, job), withSlash(filepath.Join(staging, path.Base(src))), withSlash(hostPath))
	if out, err := b.runner.Run(ctx, "rsync", args...); err != nil {
		return result.Fail("", fmt.Errorf("%w: rsync into %s: %w: %s", domain.ErrTransport, hostPath, err, out))
	}
	b.logger.Info("copied job files", zap.String("job_id", job.ID), zap.String("host_path", hostPath), zap.String("mode", string(mode)))
	return result.OK(job.ID)
}

// mountParentFiles binds the parent's file directory at the same place the
// parent sees it.
func mountParentFiles(cfg *domain.JobConfiguration, parent domain.JobInfo, defaultRoot string) result.Result[string] {
	fileDir := parent.Label(domain.LabelFileDir)
	if fileDir == "" {
		r := result.OK("")
		r.AddNotice("job %s has no project files to share", shortID(parent.ID))
		return r
	}
	cfg.Stack.AddMount(domain.Mount{Type: domain.MountBind, Source: fileDir, Target: jobProjectDir(parent, defaultRoot)})
	return result.OK(fileDir)
}

func joinBase(root, projectRoot string) string {
	if projectRoot == "" {
		return root
	}
	return path.Join(root, filepath.Base(projectRoot))
}

func withSlash(p string) string {
	if p == "" || p[len(p)-1] == '/' {
		return p
	}
	return p + "/"
}
