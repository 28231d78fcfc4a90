package ports

import (
	"context"
	"time"

	"github.com/melih/lighthouse/internal/core/domain"
)

// Multiplex configures SSH connection sharing. Within ControlPersist a
// tunnel start or release reuses the authenticated master connection.
type Multiplex struct {
	ControlPersist  time.Duration
	ReuseConnection bool
}

// TunnelOptions describes a local port forward LocalIP:LocalPort -> remote
// host localhost:RemotePort.
type TunnelOptions struct {
	LocalIP    string
	LocalPort  int
	RemotePort int
	Multiplex  Multiplex
}

type RsyncDirection string

const (
	Upload   RsyncDirection = "upload"
	Download RsyncDirection = "download"
)

// Transport reaches a remote resource. Connection state lives here, never
// in the job or service layer.
type Transport interface {
	Resource() domain.Resource
	// TunnelStart opens the forward. It returns false when the forward
	// could not be established.
	TunnelStart(ctx context.Context, opts TunnelOptions) (bool, error)
	// TunnelRelease cancels the forward. It returns false when there was
	// no such forward.
	TunnelRelease(ctx context.Context, opts TunnelOptions) (bool, error)
	// Rsync copies between localPath and remotePath on the resource.
	Rsync(ctx context.Context, localPath, remotePath string, direction RsyncDirection, flags []string) error
	// Run executes a shell command on the resource and returns stdout.
	Run(ctx context.Context, command string) ([]byte, error)
}

// CommandRunner executes local processes.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// PortChecker reports which candidate ports are in use on a target.
type PortChecker interface {
	UsedPorts(ctx context.Context, candidates []int) (map[int]bool, error)
}
