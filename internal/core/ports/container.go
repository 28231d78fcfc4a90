package ports

import (
	"context"

	"github.com/melih/lighthouse/internal/core/domain"
)

// ContainerDriver is the runtime that actually starts, stops and inspects
// jobs. This interface allows us to switch between Docker, Podman, or a
// remote daemon without changing the job and service logic.
//
// Every call acts on a single job so that batch callers can report
// per-item failures.
type ContainerDriver interface {
	// JobStart creates and starts a job. For synchronous jobs it blocks
	// until exit and fills ExitCode, and Output/Error when stdio is pipe.
	JobStart(ctx context.Context, cfg domain.JobConfiguration, stdio domain.StdioPolicy) (domain.NewJobInfo, error)
	// JobExec runs command inside the running job id and waits for it.
	JobExec(ctx context.Context, id string, command []string, stdio domain.StdioPolicy) (domain.NewJobInfo, error)
	JobStop(ctx context.Context, id string) error
	JobDelete(ctx context.Context, id string) error
	// JobAttach hands the terminal to the job and blocks until detach or exit.
	JobAttach(ctx context.Context, id string) error
	// JobLog returns the last lines of output; lines <= 0 means all.
	JobLog(ctx context.Context, id string, lines int) (string, error)
	// JobInfo returns every job matching filter.
	JobInfo(ctx context.Context, filter domain.Filter) ([]domain.JobInfo, error)
	VolumeDelete(ctx context.Context, name string) error
	// CopyFrom extracts srcPath from the job's filesystem into dstDir.
	CopyFrom(ctx context.Context, id, srcPath, dstDir string) error
}
