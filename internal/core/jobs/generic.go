package jobs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/core/result"
)

// FileBackend is the per-target seam of a manager.
type FileBackend interface {
	// MountRunFiles makes projectRoot visible at projectDir inside the job
	// and returns the directory on the target that backs the mount.
	MountRunFiles(ctx context.Context, cfg *domain.JobConfiguration, projectRoot, projectDir string) result.Result[string]
	// ConfigureExecFileMounts shares the parent's project files with a
	// child exec job.
	ConfigureExecFileMounts(ctx context.Context, cfg *domain.JobConfiguration, parent domain.JobInfo) result.Result[string]
	// CopyJob copies the job's project files to hostPath.
	CopyJob(ctx context.Context, job domain.JobInfo, mode CopyMode, hostPath string) result.Result[string]
	Transport() ports.Transport
	PortChecker() ports.PortChecker
}

// Generic implements Manager over a container driver and a file backend.
type Generic struct {
	driver  ports.ContainerDriver
	builder ports.BuildDriver
	backend FileBackend
	cfg     Config
	logger  *zap.Logger
}

var _ Manager = (*Generic)(nil)

// NewGeneric wires a manager. Most callers want NewLocal or NewRemote.
func NewGeneric(driver ports.ContainerDriver, builder ports.BuildDriver, backend FileBackend, cfg Config, logger *zap.Logger) *Generic {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.ContainerRoot == "" {
		cfg.ContainerRoot = DefaultContainerRoot
	}
	if cfg.X11Socket == "" {
		cfg.X11Socket = DefaultX11Socket
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generic{driver: driver, builder: builder, backend: backend, cfg: cfg, logger: logger}
}

func (m *Generic) Transport() ports.Transport     { return m.backend.Transport() }
func (m *Generic) PortChecker() ports.PortChecker { return m.backend.PortChecker() }

// Run builds the stack image if needed, labels and mounts the job, then
// starts it through the driver.
func (m *Generic) Run(ctx context.Context, cfg domain.JobConfiguration, opts RunOptions) result.Result[domain.NewJobInfo] {
	cfg = cfg.Copy()
	out := result.OK(domain.NewJobInfo{})

	build := m.Build(ctx, cfg.Stack, BuildOptions{ReuseImage: opts.ReuseImage})
	result.Absorb(&out, build)
	if !build.Success {
		return out
	}

	cfg.AddLabel(domain.LabelStack, cfg.Stack.Path)
	cfg.AddLabel(domain.LabelCommand, strings.Join(cfg.Command, " "))
	if enc := domain.EncodeList(cfg.Stack.DownloadInclude); enc != "" {
		cfg.AddLabel(domain.LabelDownloadInclude, enc)
	}
	if enc := domain.EncodeList(cfg.Stack.DownloadExclude); enc != "" {
		cfg.AddLabel(domain.LabelDownloadExclude, enc)
	}

	if opts.ProjectRoot != "" {
		containerRoot := m.containerRoot(cfg.Stack)
		projectDir := path.Join(containerRoot, filepath.Base(opts.ProjectRoot))
		if opts.Cwd != "" || cfg.WorkingDirectory == "" {
			cfg.WorkingDirectory = rebaseWorkingDir(opts.ProjectRoot, projectDir, opts.Cwd)
		}
		cfg.AddLabel(domain.LabelProjectRoot, opts.ProjectRoot)
		cfg.AddLabel(domain.LabelContainerRoot, containerRoot)

		mounted := m.backend.MountRunFiles(ctx, &cfg, opts.ProjectRoot, projectDir)
		result.Absorb(&out, mounted)
		if !mounted.Success {
			return out
		}
		cfg.AddLabel(domain.LabelFileDir, mounted.Value)
	}

	if opts.X11 {
		result.Absorb(&out, m.configureX11(ctx, &cfg))
	}

	started := m.launch(ctx, cfg)
	result.Absorb(&out, started)
	out.Value = started.Value
	if !out.Success {
		out.Value = domain.NewJobInfo{}
	}
	return out
}

// Exec starts a child job sharing the files of a running parent. When the
// parent id prefix matches several jobs, the most recently created wins.
func (m *Generic) Exec(ctx context.Context, cfg domain.JobConfiguration, opts ExecOptions) result.Result[domain.NewJobInfo] {
	if strings.TrimSpace(opts.ParentID) == "" {
		return result.Fail(domain.NewJobInfo{}, fmt.Errorf("%w: parent job id is required", domain.ErrValidation))
	}

	found := m.resolve(ctx, []string{opts.ParentID}, opts.StackPaths, nil)
	if !found.Success {
		return result.Map(found, domain.NewJobInfo{}, func([]domain.JobInfo) domain.NewJobInfo { return domain.NewJobInfo{} })
	}
	out := result.OK(domain.NewJobInfo{})
	parent := found.Value[0]
	if len(found.Value) > 1 {
		out.AddNotice("%d jobs match %q, using most recent %s", len(found.Value), opts.ParentID, parent.ID)
	}

	cfg = cfg.Copy()
	cfg.RemoveOnExit = true
	cfg.AddLabel(domain.LabelParentJobID, parent.ID)
	cfg.AddLabel(domain.LabelJobType, domain.JobTypeExec)
	cfg.AddLabel(domain.LabelCommand, strings.Join(cfg.Command, " "))
	if cfg.Stack.Path == "" {
		cfg.Stack.Path = parent.Stack
	}
	if cfg.Stack.Image == "" {
		cfg.Stack.Image = parent.Image
	}
	cfg.AddLabel(domain.LabelStack, cfg.Stack.Path)
	if root := parent.Label(domain.LabelProjectRoot); root != "" {
		cfg.AddLabel(domain.LabelProjectRoot, root)
		containerRoot := parent.Label(domain.LabelContainerRoot)
		if containerRoot == "" {
			containerRoot = m.containerRoot(cfg.Stack)
		}
		cfg.AddLabel(domain.LabelContainerRoot, containerRoot)
		cfg.WorkingDirectory = rebaseWorkingDir(root, path.Join(containerRoot, filepath.Base(root)), opts.Cwd)
	}

	mounted := m.backend.ConfigureExecFileMounts(ctx, &cfg, parent)
	result.Absorb(&out, mounted)
	if !mounted.Success {
		return out
	}
	if mounted.Value != "" {
		cfg.AddLabel(domain.LabelFileDir, mounted.Value)
	}

	if opts.X11 {
		result.Absorb(&out, m.configureX11(ctx, &cfg))
	}

	started := m.launch(ctx, cfg)
	result.Absorb(&out, started)
	out.Value = started.Value
	if !out.Success {
		out.Value = domain.NewJobInfo{}
	}
	return out
}

// Copy copies project files back from every matching job. Every match is
// attempted; failures are reported per job.
func (m *Generic) Copy(ctx context.Context, opts CopyOptions) result.Result[[]string] {
	found := m.resolve(ctx, opts.IDs, opts.StackPaths, nil)
	if !found.Success {
		return result.Map(found, []string(nil), func([]domain.JobInfo) []string { return nil })
	}
	mode := opts.Mode
	if mode == "" {
		mode = CopyUpdate
	}

	return m.batch(found.Value, "copy", func(job domain.JobInfo) result.Result[string] {
		hostPath := opts.HostPath
		if hostPath == "" {
			hostPath = job.Label(domain.LabelProjectRoot)
		}
		if hostPath == "" {
			r := result.OK(job.ID)
			r.AddNotice("job %s has no project files, nothing to copy", shortID(job.ID))
			return r
		}
		return m.backend.CopyJob(ctx, job, mode, hostPath)
	})
}

// Delete removes every matching job along with its job-scoped volumes.
func (m *Generic) Delete(ctx context.Context, opts DeleteOptions) result.Result[[]string] {
	found := m.resolve(ctx, opts.IDs, opts.StackPaths, opts.States)
	if !found.Success {
		return result.Map(found, []string(nil), func([]domain.JobInfo) []string { return nil })
	}
	return m.batch(found.Value, "delete", func(job domain.JobInfo) result.Result[string] {
		if err := m.driver.JobDelete(ctx, job.ID); err != nil {
			return result.Fail("", fmt.Errorf("%w: deleting job %s: %w", domain.ErrTransport, shortID(job.ID), err))
		}
		r := result.OK(job.ID)
		for _, volume := range domain.DecodeList(job.Label(labelVolumes)) {
			if err := m.driver.VolumeDelete(ctx, volume); err != nil {
				r.AddWarning("job %s: failed to delete volume %s: %v", shortID(job.ID), volume, err)
			}
		}
		return r
	})
}

// Stop stops every matching running job.
func (m *Generic) Stop(ctx context.Context, opts StopOptions) result.Result[[]string] {
	found := m.resolve(ctx, opts.IDs, opts.StackPaths, []domain.JobState{domain.StateRunning})
	if !found.Success {
		return result.Map(found, []string(nil), func([]domain.JobInfo) []string { return nil })
	}
	return m.batch(found.Value, "stop", func(job domain.JobInfo) result.Result[string] {
		if err := m.driver.JobStop(ctx, job.ID); err != nil {
			return result.Fail("", fmt.Errorf("%w: stopping job %s: %w", domain.ErrTransport, shortID(job.ID), err))
		}
		return result.OK(job.ID)
	})
}

// State reports the state of the most recent job matching opts.ID, or
// StateNone when nothing matches.
func (m *Generic) State(ctx context.Context, opts StateOptions) result.Result[domain.JobState] {
	if strings.TrimSpace(opts.ID) == "" {
		return result.Fail(domain.StateNone, fmt.Errorf("%w: job id is required", domain.ErrValidation))
	}
	jobs, err := m.driver.JobInfo(ctx, domain.Filter{IDs: []string{opts.ID}, StackPaths: opts.StackPaths})
	if err != nil {
		return result.Fail(domain.StateNone, fmt.Errorf("%w: querying jobs: %w", domain.ErrTransport, err))
	}
	if len(jobs) == 0 {
		return result.OK(domain.StateNone)
	}
	sortNewestFirst(jobs)
	return result.OK(jobs[0].State)
}

// Attach prints the job's history and then hands the terminal to it. It
// blocks until the job exits or the user detaches.
func (m *Generic) Attach(ctx context.Context, opts AttachOptions) result.Result[string] {
	if strings.TrimSpace(opts.ID) == "" {
		return result.Fail("", fmt.Errorf("%w: job id is required", domain.ErrValidation))
	}
	found := m.resolve(ctx, []string{opts.ID}, opts.StackPaths, []domain.JobState{domain.StateRunning})
	if !found.Success {
		return result.Map(found, "", func([]domain.JobInfo) string { return "" })
	}
	if len(found.Value) > 1 {
		return result.Fail("", fmt.Errorf("%w: %d running jobs match %q", domain.ErrValidation, len(found.Value), opts.ID))
	}
	job := found.Value[0]

	history, err := m.driver.JobLog(ctx, job.ID, 0)
	if err != nil {
		return result.Fail("", fmt.Errorf("%w: reading log of %s: %w", domain.ErrTransport, shortID(job.ID), err))
	}
	_, _ = io.WriteString(m.cfg.Out, history)

	if err := m.driver.JobAttach(ctx, job.ID); err != nil {
		return result.Fail("", fmt.Errorf("%w: attaching to %s: %w", domain.ErrTransport, shortID(job.ID), err))
	}
	return result.OK(job.ID)
}

// Log returns the captured output of the most recent matching job.
func (m *Generic) Log(ctx context.Context, opts LogOptions) result.Result[string] {
	if strings.TrimSpace(opts.ID) == "" {
		return result.Fail("", fmt.Errorf("%w: job id is required", domain.ErrValidation))
	}
	found := m.resolve(ctx, []string{opts.ID}, opts.StackPaths, nil)
	if !found.Success {
		return result.Map(found, "", func([]domain.JobInfo) string { return "" })
	}
	text, err := m.driver.JobLog(ctx, found.Value[0].ID, opts.Lines)
	if err != nil {
		return result.Fail("", fmt.Errorf("%w: reading log of %s: %w", domain.ErrTransport, shortID(found.Value[0].ID), err))
	}
	return result.OK(text)
}

// List passes the filter straight to the runtime.
func (m *Generic) List(ctx context.Context, opts ListOptions) result.Result[[]domain.JobInfo] {
	jobs, err := m.driver.JobInfo(ctx, opts.Filter)
	if err != nil {
		return result.Fail[[]domain.JobInfo](nil, fmt.Errorf("%w: querying jobs: %w", domain.ErrTransport, err))
	}
	return result.OK(jobs)
}

// Build builds the stack image unless ReuseImage is set and the image
// already exists.
func (m *Generic) Build(ctx context.Context, stack domain.StackConfiguration, opts BuildOptions) result.Result[string] {
	image := stack.ImageRef()
	out := result.OK(image)
	if opts.ReuseImage {
		built, err := m.builder.IsBuilt(ctx, stack)
		if err != nil {
			out.AddWarning("could not check image %s: %v", image, err)
		} else if built {
			return out
		}
	}

	stdio := domain.StdioIgnore
	if m.cfg.Verbose && !m.cfg.Quiet {
		stdio = domain.StdioInherit
	}
	m.logger.Info("building stack image", zap.String("stack", stack.Path), zap.String("image", image))
	if err := m.builder.Build(ctx, stack, stdio, ports.BuildOptions{NoCache: opts.NoCache, Pull: opts.Pull}); err != nil {
		out.AddError(fmt.Errorf("%w: building %s: %w", domain.ErrTransport, image, err))
		out.Value = ""
	}
	return out
}

// PeakUsername reports the user a stack's image really runs as. Entrypoints
// may switch users at runtime, so image metadata cannot be trusted; a short
// throwaway job is run instead.
func (m *Generic) PeakUsername(ctx context.Context, stack domain.StackConfiguration) result.Result[string] {
	probe := domain.JobConfiguration{
		Stack:       stack.Copy(),
		Command:     []string{"id", "-un"},
		Synchronous: true,
		Name:        "lighthouse-peak-" + uuid.NewString()[:8],
	}
	probe.Stack.Ports = nil
	probe.Stack.Mounts = nil
	if probe.Stack.CollapseCommand {
		probe.Command = []string{"id -un"}
	}

	info, err := m.driver.JobStart(ctx, probe, domain.StdioPipe)
	if info.ID != "" {
		if delErr := m.driver.JobDelete(ctx, info.ID); delErr != nil {
			m.logger.Warn("failed to delete username probe", zap.String("job_id", info.ID), zap.Error(delErr))
		}
	}
	if err != nil {
		return result.Fail("", fmt.Errorf("%w: probing username: %w", domain.ErrTransport, err))
	}
	if info.ExitCode != 0 {
		return result.Fail("", fmt.Errorf("%w: username probe exited %d: %s", domain.ErrTransport, info.ExitCode, strings.TrimSpace(info.Error)))
	}
	return result.OK(strings.TrimSpace(info.Output))
}

// ExecInJob runs command in the running job id and captures its output.
func (m *Generic) ExecInJob(ctx context.Context, id string, command []string) result.Result[domain.NewJobInfo] {
	if id == "" || len(command) == 0 {
		return result.Fail(domain.NewJobInfo{}, fmt.Errorf("%w: job id and command are required", domain.ErrValidation))
	}
	info, err := m.driver.JobExec(ctx, id, command, domain.StdioPipe)
	if err != nil {
		return result.Fail(domain.NewJobInfo{}, fmt.Errorf("%w: exec in %s: %w", domain.ErrTransport, shortID(id), err))
	}
	return result.OK(info)
}

// launch computes the stdio policy and starts cfg through the driver.
func (m *Generic) launch(ctx context.Context, cfg domain.JobConfiguration) result.Result[domain.NewJobInfo] {
	if cfg.Stack.CollapseCommand && len(cfg.Command) > 1 {
		cfg.Command = []string{strings.Join(cfg.Command, " ")}
	}
	cfg.Stack.Image = cfg.Stack.ImageRef()
	m.nameEphemeralVolumes(&cfg)

	stdio := domain.StdioPipe
	switch {
	case m.cfg.Quiet:
		stdio = domain.StdioIgnore
	case cfg.Synchronous:
		stdio = domain.StdioInherit
	}

	if !m.cfg.Quiet {
		fmt.Fprintf(m.cfg.Out, "==== %s: %s ====\n", cfg.Stack.Image, strings.Join(cfg.Command, " "))
	}
	m.logger.Debug("starting job",
		zap.String("image", cfg.Stack.Image),
		zap.Strings("command", cfg.Command),
		zap.String("stdio", string(stdio)),
		zap.Bool("synchronous", cfg.Synchronous))

	info, err := m.driver.JobStart(ctx, cfg, stdio)
	if err != nil {
		return result.Fail(domain.NewJobInfo{}, fmt.Errorf("%w: starting job: %w", domain.ErrTransport, err))
	}
	out := result.OK(info)
	if stdio == domain.StdioPipe && strings.TrimSpace(info.Error) != "" {
		out.AddWarning("%s", strings.TrimSpace(info.Error))
	}
	return out
}

// labelVolumes records job-scoped named volumes so Delete can remove them.
const labelVolumes = "lighthouse.volumes"

// nameEphemeralVolumes gives source-less volume mounts a unique name and
// records it on the job.
func (m *Generic) nameEphemeralVolumes(cfg *domain.JobConfiguration) {
	var names []string
	for i, mnt := range cfg.Stack.Mounts {
		if mnt.Type == domain.MountVolume && mnt.Source == "" {
			name := "lighthouse-" + uuid.NewString()
			cfg.Stack.Mounts[i].Source = name
			names = append(names, name)
		}
	}
	if len(names) > 0 {
		cfg.AddLabel(labelVolumes, domain.EncodeList(names))
	}
}

// resolve queries jobs by id prefix, stack and state, newest first. Only a
// query naming concrete ids fails with ErrNotFound when nothing matches.
func (m *Generic) resolve(ctx context.Context, ids, stackPaths []string, states []domain.JobState) result.Result[[]domain.JobInfo] {
	filter := domain.Filter{IDs: nonEmpty(ids), StackPaths: stackPaths, States: states}
	jobs, err := m.driver.JobInfo(ctx, filter)
	if err != nil {
		return result.Fail[[]domain.JobInfo](nil, fmt.Errorf("%w: querying jobs: %w", domain.ErrTransport, err))
	}
	if len(filter.IDs) > 0 && len(jobs) == 0 {
		return result.Fail[[]domain.JobInfo](nil, fmt.Errorf("%w: %s", domain.ErrNotFound, strings.Join(filter.IDs, ", ")))
	}
	sortNewestFirst(jobs)
	return result.OK(jobs)
}

// batch applies fn to every job without short-circuiting.
func (m *Generic) batch(jobs []domain.JobInfo, op string, fn func(domain.JobInfo) result.Result[string]) result.Result[[]string] {
	out := result.OK([]string{})
	failed := 0
	for _, job := range jobs {
		r := fn(job)
		result.Absorb(&out, r)
		if r.Success {
			out.Value = append(out.Value, job.ID)
		} else {
			failed++
		}
	}
	if failed > 0 && failed < len(jobs) {
		out.AddError(fmt.Errorf("%w: %s failed for %d of %d jobs", domain.ErrPartialBatch, op, failed, len(jobs)))
	}
	m.logger.Debug("batch finished", zap.String("op", op), zap.Int("jobs", len(jobs)), zap.Int("failed", failed))
	return out
}

func (m *Generic) ProjectDir(stack domain.StackConfiguration, projectRoot string) string {
	return joinBase(m.containerRoot(stack), projectRoot)
}

func (m *Generic) containerRoot(stack domain.StackConfiguration) string {
	if stack.ContainerRoot != "" {
		return stack.ContainerRoot
	}
	return m.cfg.ContainerRoot
}

// rebaseWorkingDir maps cwd on the host into the job. A cwd outside the
// project falls back to the project directory itself.
func rebaseWorkingDir(projectRoot, projectDir, cwd string) string {
	if cwd == "" {
		return projectDir
	}
	rel, err := filepath.Rel(projectRoot, cwd)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return projectDir
	}
	return path.Join(projectDir, filepath.ToSlash(rel))
}

func sortNewestFirst(jobs []domain.JobInfo) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].Created.After(jobs[j].Created)
	})
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, strings.TrimSpace(v))
		}
	}
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
