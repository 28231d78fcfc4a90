package domain

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// JobState is the coarse runtime state of a job.
type JobState string

const (
	StateRunning JobState = "running"
	StateExited  JobState = "exited"
	StateCreated JobState = "created"
	StatePaused  JobState = "paused"
	StateDead    JobState = "dead"
	StateUnknown JobState = "unknown"
	// StateNone means no job matched.
	StateNone JobState = "none"
)

// ParseJobState maps a runtime state string onto a JobState.
func ParseJobState(s string) JobState {
	switch JobState(s) {
	case StateRunning, StateExited, StateCreated, StatePaused, StateDead:
		return JobState(s)
	case "restarting":
		return StateRunning
	case "removing":
		return StateExited
	default:
		return StateUnknown
	}
}

// JobInfo is a runtime-observed snapshot of a job (Docker, Podman, remote
// daemon). It is always freshly queried and never cached.
type JobInfo struct {
	ID      string            `json:"id"`
	Image   string            `json:"image"`
	Stack   string            `json:"stack"`
	State   JobState          `json:"state"`
	Labels  map[string]string `json:"labels"`
	Ports   []Port            `json:"ports"`
	Created time.Time         `json:"created"`
}

// Label returns the value of the label key, or "" if unset.
func (j JobInfo) Label(key string) string {
	return j.Labels[key]
}

// Port binds a host port to a container port.
type Port struct {
	HostPort      int    `json:"hostPort"`
	ContainerPort int    `json:"containerPort"`
	Address       string `json:"address,omitempty"`
}

// Validate checks that both ports are positive.
func (p Port) Validate() error {
	if p.HostPort <= 0 || p.ContainerPort <= 0 {
		return fmt.Errorf("%w: ports must be positive (host=%d container=%d)", ErrValidation, p.HostPort, p.ContainerPort)
	}
	if p.HostPort > 65535 || p.ContainerPort > 65535 {
		return fmt.Errorf("%w: ports must not exceed 65535 (host=%d container=%d)", ErrValidation, p.HostPort, p.ContainerPort)
	}
	return nil
}

type MountType string

const (
	MountBind   MountType = "bind"
	MountVolume MountType = "volume"
)

// Mount is a bind or named-volume mount inside a job.
type Mount struct {
	Type     MountType `json:"type"`
	Source   string    `json:"source"`
	Target   string    `json:"target"`
	ReadOnly bool      `json:"readOnly,omitempty"`
}

// BuildConfiguration describes where an image is built from. GitURL takes
// precedence over ContextDir when both are set.
type BuildConfiguration struct {
	ContextDir string `json:"contextDir,omitempty"`
	Dockerfile string `json:"dockerfile,omitempty"`
	GitURL     string `json:"gitUrl,omitempty"`
	GitRef     string `json:"gitRef,omitempty"`
}

// StackConfiguration describes the environment a job runs in. Loading it
// from disk is the caller's concern.
type StackConfiguration struct {
	Path            string             `json:"path"`
	Image           string             `json:"image"`
	Build           BuildConfiguration `json:"build"`
	Entrypoint      []string           `json:"entrypoint,omitempty"`
	Env             map[string]string  `json:"env,omitempty"`
	Mounts          []Mount            `json:"mounts,omitempty"`
	Ports           []Port             `json:"ports,omitempty"`
	ContainerRoot   string             `json:"containerRoot,omitempty"`
	CollapseCommand bool               `json:"collapseCommand,omitempty"`
	DownloadInclude []string           `json:"downloadInclude,omitempty"`
	DownloadExclude []string           `json:"downloadExclude,omitempty"`
}

// ImageRef returns the image a job on this stack runs. Stacks that build
// their own image get a deterministic tag derived from the stack path.
func (s StackConfiguration) ImageRef() string {
	if s.Image != "" {
		return s.Image
	}
	return "lighthouse-stack-" + ShortHash(s.Path) + ":latest"
}

// Copy returns a deep copy of s.
func (s StackConfiguration) Copy() StackConfiguration {
	out := s
	out.Entrypoint = slices.Clone(s.Entrypoint)
	out.Env = maps.Clone(s.Env)
	out.Mounts = slices.Clone(s.Mounts)
	out.Ports = slices.Clone(s.Ports)
	out.DownloadInclude = slices.Clone(s.DownloadInclude)
	out.DownloadExclude = slices.Clone(s.DownloadExclude)
	return out
}

// AddMount appends m to the stack's mounts.
func (s *StackConfiguration) AddMount(m Mount) {
	s.Mounts = append(s.Mounts, m)
}

// SetEnv sets a single environment variable.
func (s *StackConfiguration) SetEnv(key, value string) {
	if s.Env == nil {
		s.Env = make(map[string]string)
	}
	s.Env[key] = value
}

// JobConfiguration is what a caller asks the job manager to run. It is
// owned by its creator until handed to Run or Exec.
type JobConfiguration struct {
	Stack            StackConfiguration `json:"stack"`
	Command          []string           `json:"command"`
	Synchronous      bool               `json:"synchronous"`
	RemoveOnExit     bool               `json:"removeOnExit"`
	WorkingDirectory string             `json:"workingDirectory,omitempty"`
	Labels           map[string]string  `json:"labels,omitempty"`
	// Name is an optional container name.
	Name string `json:"name,omitempty"`
}

// Copy returns a deep copy of c.
func (c JobConfiguration) Copy() JobConfiguration {
	out := c
	out.Stack = c.Stack.Copy()
	out.Command = slices.Clone(c.Command)
	out.Labels = maps.Clone(c.Labels)
	return out
}

// AddLabel sets a single label.
func (c *JobConfiguration) AddLabel(key, value string) {
	if c.Labels == nil {
		c.Labels = make(map[string]string)
	}
	c.Labels[key] = value
}

// StdioPolicy controls what happens to a job's standard streams.
type StdioPolicy string

const (
	StdioIgnore  StdioPolicy = "ignore"
	StdioInherit StdioPolicy = "inherit"
	StdioPipe    StdioPolicy = "pipe"
)

// NewJobInfo is returned by run and exec.
type NewJobInfo struct {
	ID       string `json:"id"`
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output"`
	Error    string `json:"error"`
}

// Resource is a remote execution target reachable over SSH.
type Resource struct {
	Name          string            `json:"name" mapstructure:"name"`
	Address       string            `json:"address" mapstructure:"address"`
	Username      string            `json:"username" mapstructure:"username"`
	CredentialRef string            `json:"credentialRef" mapstructure:"credential_ref"`
	Type          string            `json:"type" mapstructure:"type"`
	Options       map[string]string `json:"options,omitempty" mapstructure:"options"`
}

// Destination returns user@address, or address when no user is set.
func (r Resource) Destination() string {
	if r.Username == "" {
		return r.Address
	}
	return r.Username + "@" + r.Address
}
