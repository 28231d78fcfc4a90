package jobs

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/core/result"
)

// DefaultRemoteJobDir holds per-job project copies on a remote resource.
// Relative paths are resolved against the remote user's home.
const DefaultRemoteJobDir = ".lighthouse/jobs"

// RemoteBackend uploads project files to the resource over rsync/SSH and
// bind-mounts the uploaded copy into jobs.
type RemoteBackend struct {
	transport     ports.Transport
	checker       ports.PortChecker
	jobDir        string
	containerRoot string
	logger        *zap.Logger
}

// NewRemote returns a manager for a remote resource. driver must talk to
// the resource's container daemon; transport reaches the resource itself.
func NewRemote(driver ports.ContainerDriver, builder ports.BuildDriver, transport ports.Transport, checker ports.PortChecker, jobDir string, cfg Config, logger *zap.Logger) *Generic {
	if jobDir == "" {
		jobDir = DefaultRemoteJobDir
	}
	m := NewGeneric(driver, builder, nil, cfg, logger)
	m.backend = &RemoteBackend{
		transport:     transport,
		checker:       checker,
		jobDir:        jobDir,
		containerRoot: m.cfg.ContainerRoot,
		logger:        m.logger.With(zap.String("resource", transport.Resource().Name)),
	}
	return m
}

func (b *RemoteBackend) Transport() ports.Transport     { return b.transport }
func (b *RemoteBackend) PortChecker() ports.PortChecker { return b.checker }

// MountRunFiles uploads projectRoot into a fresh directory on the resource
// and binds that directory into the job.
func (b *RemoteBackend) MountRunFiles(ctx context.Context, cfg *domain.JobConfiguration, projectRoot, projectDir string) result.Result[string] {
	base, err := b.absoluteJobDir(ctx)
	if err != nil {
		return result.Fail("", err)
	}
	fileDir := path.Join(base, domain.ShortHash(projectRoot)[:12]+"-"+uuid.NewString()[:8])
	if out, err := b.transport.Run(ctx, "mkdir -p "+shellQuote(fileDir)); err != nil {
		return result.Fail("", fmt.Errorf("%w: creating %s on %s: %w: %s", domain.ErrTransport, fileDir, b.transport.Resource().Name, err, out))
	}

	flags := []string{"-a"}
	for _, pattern := range cfg.Stack.DownloadExclude {
		flags = append(flags, "--exclude="+pattern)
	}
	if err := b.transport.Rsync(ctx, withSlash(projectRoot), withSlash(fileDir), ports.Upload, flags); err != nil {
		return result.Fail("", fmt.Errorf("%w: uploading %s: %w", domain.ErrTransport, projectRoot, err))
	}
	b.logger.Info("uploaded project files", zap.String("project_root", projectRoot), zap.String("file_dir", fileDir))

	cfg.Stack.AddMount(domain.Mount{Type: domain.MountBind, Source: fileDir, Target: projectDir})
	return result.OK(fileDir)
}

// ConfigureExecFileMounts shares the parent's uploaded directory. The
// directory lives on the resource, so it is checked there first; a pruned
// job dir would otherwise be recreated empty by the daemon.
func (b *RemoteBackend) ConfigureExecFileMounts(ctx context.Context, cfg *domain.JobConfiguration, parent domain.JobInfo) result.Result[string] {
	if fileDir := parent.Label(domain.LabelFileDir); fileDir != "" {
		if _, err := b.transport.Run(ctx, "test -d "+shellQuote(fileDir)); err != nil {
			return result.Fail("", fmt.Errorf("%w: files of job %s are gone from %s (%s): %w",
				domain.ErrNotFound, shortID(parent.ID), b.transport.Resource().Name, fileDir, err))
		}
	}
	return mountParentFiles(cfg, parent, b.containerRoot)
}

// CopyJob downloads the job's file directory from the resource.
func (b *RemoteBackend) CopyJob(ctx context.Context, job domain.JobInfo, mode CopyMode, hostPath string) result.Result[string] {
	fileDir := job.Label(domain.LabelFileDir)
	if fileDir == "" {
		r := result.OK(job.ID)
		r.AddNotice("job %s has no remote files, nothing to copy", shortID(job.ID))
		return r
	}
	if err := b.transport.Rsync(ctx, withSlash(hostPath), withSlash(fileDir), ports.Download, rsyncFlags(mode, job)); err != nil {
		return result.Fail("", fmt.Errorf("%w: downloading files of job %s: %w", domain.ErrTransport, shortID(job.ID), err))
	}
	b.logger.Info("copied job files", zap.String("job_id", job.ID), zap.String("host_path", hostPath), zap.String("mode", string(mode)))
	return result.OK(job.ID)
}

// absoluteJobDir creates the job directory and resolves it on the resource;
// bind mount sources must be absolute.
func (b *RemoteBackend) absoluteJobDir(ctx context.Context) (string, error) {
	if path.IsAbs(b.jobDir) {
		return b.jobDir, nil
	}
	dir := shellQuote(b.jobDir)
	out, err := b.transport.Run(ctx, "mkdir -p "+dir+" && cd "+dir+" && pwd")
	if err != nil {
		return "", fmt.Errorf("%w: resolving %s on %s: %w", domain.ErrTransport, b.jobDir, b.transport.Resource().Name, err)
	}
	abs := strings.TrimSpace(string(out))
	if !path.IsAbs(abs) {
		return "", fmt.Errorf("%w: unexpected job dir %q on %s", domain.ErrTransport, abs, b.transport.Resource().Name)
	}
	b.jobDir = abs
	return abs, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
