// Package jobs turns job configurations into running containers and back.
//
// A Generic manager implements every operation once on top of an injected
// ports.ContainerDriver. The only behaviour that differs between a local
// runtime and a remote host reached over SSH is how project files reach the
// job and how they come back; that is isolated behind FileBackend, chosen
// when the manager is constructed (NewLocal or NewRemote).
//
// No job state is kept here. Every operation re-queries the runtime by
// label, so results always reflect what is actually running.
package jobs

import (
	"context"
	"io"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/core/result"
)

// Manager is the uniform job lifecycle API.
type Manager interface {
	Run(ctx context.Context, cfg domain.JobConfiguration, opts RunOptions) result.Result[domain.NewJobInfo]
	Exec(ctx context.Context, cfg domain.JobConfiguration, opts ExecOptions) result.Result[domain.NewJobInfo]
	Copy(ctx context.Context, opts CopyOptions) result.Result[[]string]
	Delete(ctx context.Context, opts DeleteOptions) result.Result[[]string]
	Stop(ctx context.Context, opts StopOptions) result.Result[[]string]
	State(ctx context.Context, opts StateOptions) result.Result[domain.JobState]
	Attach(ctx context.Context, opts AttachOptions) result.Result[string]
	Log(ctx context.Context, opts LogOptions) result.Result[string]
	List(ctx context.Context, opts ListOptions) result.Result[[]domain.JobInfo]
	Build(ctx context.Context, stack domain.StackConfiguration, opts BuildOptions) result.Result[string]
	PeakUsername(ctx context.Context, stack domain.StackConfiguration) result.Result[string]
	// ExecInJob runs command inside an existing running job and captures
	// its output.
	ExecInJob(ctx context.Context, id string, command []string) result.Result[domain.NewJobInfo]
	// Transport returns the SSH transport of a remote manager, or nil when
	// the manager targets the local runtime.
	Transport() ports.Transport
	// PortChecker probes ports on the manager's target.
	PortChecker() ports.PortChecker
	// ProjectDir is where a job on stack sees the files of projectRoot.
	ProjectDir(stack domain.StackConfiguration, projectRoot string) string
}

// Config is the explicit process configuration a manager needs.
type Config struct {
	Quiet   bool
	Verbose bool
	// ContainerRoot is where project directories are placed inside jobs
	// when the stack does not say otherwise.
	ContainerRoot string
	// Out receives status headers and attach history.
	Out io.Writer
	// Display and XAuthority are the host X11 settings used when a job
	// asks for X11 forwarding.
	Display    string
	XAuthority string
	X11Socket  string
}

const (
	DefaultContainerRoot = "/"
	DefaultX11Socket     = "/tmp/.X11-unix"
)

type RunOptions struct {
	ReuseImage  bool
	ProjectRoot string
	Cwd         string
	X11         bool
}

type ExecOptions struct {
	ParentID   string
	Cwd        string
	X11        bool
	StackPaths []string
}

// CopyMode selects how files are copied back from a job.
type CopyMode string

const (
	// CopyUpdate skips files that are newer on the destination.
	CopyUpdate CopyMode = "update"
	// CopyOverwrite replaces destination files unconditionally.
	CopyOverwrite CopyMode = "overwrite"
	// CopyMirror additionally deletes destination files absent in the job.
	CopyMirror CopyMode = "mirror"
)

type CopyOptions struct {
	IDs        []string
	StackPaths []string
	Mode       CopyMode
	// HostPath defaults to the job's project root.
	HostPath string
}

type DeleteOptions struct {
	IDs        []string
	StackPaths []string
	States     []domain.JobState
}

type StopOptions struct {
	IDs        []string
	StackPaths []string
}

type StateOptions struct {
	ID         string
	StackPaths []string
}

type AttachOptions struct {
	ID         string
	StackPaths []string
}

type LogOptions struct {
	ID         string
	StackPaths []string
	// Lines <= 0 returns the whole log.
	Lines int
}

type ListOptions struct {
	Filter domain.Filter
}

type BuildOptions struct {
	ReuseImage bool
	NoCache    bool
	Pull       bool
}
