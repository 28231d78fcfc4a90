// Package testutil holds in-memory collaborators for unit tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

var ErrInjected = errors.New("injected failure")

// FakeDriver is an in-memory ports.ContainerDriver. Jobs get sequential ids
// and strictly increasing creation times.
type FakeDriver struct {
	mu sync.Mutex

	Jobs    map[string]*domain.JobInfo
	Configs map[string]domain.JobConfiguration
	// StartOutputs, StartStderr and ExecOutputs script captured output by
	// joined command.
	StartOutputs map[string]string
	StartStderr  map[string]string
	ExecOutputs  map[string]string
	Logs         map[string]string

	StartErr error
	// StopErr and DeleteErr fail only for the listed ids.
	StopErr   map[string]error
	DeleteErr map[string]error
	InfoErr   error
	CopyErr   error

	Started        []domain.JobConfiguration
	StartStdio     []domain.StdioPolicy
	Execs          [][]string
	Stopped        []string
	Deleted        []string
	Attached       []string
	VolumesDeleted []string
	Copied         []string
	InfoCalls      int

	seq  int
	base time.Time
}

var _ ports.ContainerDriver = (*FakeDriver)(nil)

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		Jobs:         map[string]*domain.JobInfo{},
		Configs:      map[string]domain.JobConfiguration{},
		StartOutputs: map[string]string{},
		StartStderr:  map[string]string{},
		ExecOutputs:  map[string]string{},
		Logs:         map[string]string{},
		StopErr:      map[string]error{},
		DeleteErr:    map[string]error{},
		base:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// AddJob seeds a job directly and returns its id.
func (d *FakeDriver) AddJob(job domain.JobInfo) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if job.ID == "" {
		job.ID = d.nextID()
	}
	if job.Created.IsZero() {
		job.Created = d.base.Add(time.Duration(d.seq) * time.Second)
	}
	if job.Labels == nil {
		job.Labels = map[string]string{}
	}
	if job.State == "" {
		job.State = domain.StateRunning
	}
	d.Jobs[job.ID] = &job
	return job.ID
}

func (d *FakeDriver) nextID() string {
	d.seq++
	return fmt.Sprintf("%012x%052d", d.seq, 0)
}

func (d *FakeDriver) JobStart(_ context.Context, cfg domain.JobConfiguration, stdio domain.StdioPolicy) (domain.NewJobInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Started = append(d.Started, cfg.Copy())
	d.StartStdio = append(d.StartStdio, stdio)
	if d.StartErr != nil {
		return domain.NewJobInfo{}, d.StartErr
	}

	id := d.nextID()
	state := domain.StateRunning
	if cfg.Synchronous {
		state = domain.StateExited
	}
	labels := maps.Clone(cfg.Labels)
	if labels == nil {
		labels = map[string]string{}
	}
	job := &domain.JobInfo{
		ID:      id,
		Image:   cfg.Stack.Image,
		Stack:   cfg.Stack.Path,
		State:   state,
		Labels:  labels,
		Ports:   append([]domain.Port(nil), cfg.Stack.Ports...),
		Created: d.base.Add(time.Duration(d.seq) * time.Second),
	}
	d.Configs[id] = cfg.Copy()
	if !(cfg.Synchronous && cfg.RemoveOnExit) {
		d.Jobs[id] = job
	}

	info := domain.NewJobInfo{ID: id}
	if stdio == domain.StdioPipe {
		info.Output = d.StartOutputs[strings.Join(cfg.Command, " ")]
		info.Error = d.StartStderr[strings.Join(cfg.Command, " ")]
	}
	return info, nil
}

func (d *FakeDriver) JobExec(_ context.Context, id string, command []string, _ domain.StdioPolicy) (domain.NewJobInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Execs = append(d.Execs, command)
	job, ok := d.Jobs[id]
	if !ok || job.State != domain.StateRunning {
		return domain.NewJobInfo{}, fmt.Errorf("job %s is not running", id)
	}
	return domain.NewJobInfo{ID: id, Output: d.ExecOutputs[strings.Join(command, " ")]}, nil
}

func (d *FakeDriver) JobStop(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.StopErr[id]; err != nil {
		return err
	}
	job, ok := d.Jobs[id]
	if !ok {
		return fmt.Errorf("no such job %s", id)
	}
	d.Stopped = append(d.Stopped, id)
	if d.Configs[id].RemoveOnExit {
		delete(d.Jobs, id)
		return nil
	}
	job.State = domain.StateExited
	return nil
}

func (d *FakeDriver) JobDelete(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.DeleteErr[id]; err != nil {
		return err
	}
	d.Deleted = append(d.Deleted, id)
	delete(d.Jobs, id)
	return nil
}

func (d *FakeDriver) JobAttach(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Attached = append(d.Attached, id)
	return nil
}

func (d *FakeDriver) JobLog(_ context.Context, id string, lines int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	text := d.Logs[id]
	if lines <= 0 {
		return text, nil
	}
	all := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	return strings.Join(all, "\n") + "\n", nil
}

func (d *FakeDriver) JobInfo(_ context.Context, filter domain.Filter) ([]domain.JobInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InfoCalls++
	if d.InfoErr != nil {
		return nil, d.InfoErr
	}
	var out []domain.JobInfo
	for _, job := range d.Jobs {
		if filter.Matches(*job) {
			cp := *job
			cp.Labels = maps.Clone(job.Labels)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (d *FakeDriver) VolumeDelete(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.VolumesDeleted = append(d.VolumesDeleted, name)
	return nil
}

func (d *FakeDriver) CopyFrom(_ context.Context, id, srcPath, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.CopyErr != nil {
		return d.CopyErr
	}
	d.Copied = append(d.Copied, id+":"+srcPath)
	return nil
}

// Running returns the ids of running jobs.
func (d *FakeDriver) Running() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for id, job := range d.Jobs {
		if job.State == domain.StateRunning {
			ids = append(ids, id)
		}
	}
	return ids
}

// FakeBuilder is an in-memory ports.BuildDriver.
type FakeBuilder struct {
	Built    map[string]bool
	Builds   []string
	BuildErr error
	CheckErr error
}

var _ ports.BuildDriver = (*FakeBuilder)(nil)

func NewFakeBuilder() *FakeBuilder {
	return &FakeBuilder{Built: map[string]bool{}}
}

func (b *FakeBuilder) Build(_ context.Context, stack domain.StackConfiguration, _ domain.StdioPolicy, _ ports.BuildOptions) error {
	if b.BuildErr != nil {
		return b.BuildErr
	}
	b.Builds = append(b.Builds, stack.ImageRef())
	b.Built[stack.ImageRef()] = true
	return nil
}

func (b *FakeBuilder) IsBuilt(_ context.Context, stack domain.StackConfiguration) (bool, error) {
	if b.CheckErr != nil {
		return false, b.CheckErr
	}
	return b.Built[stack.ImageRef()], nil
}

func (b *FakeBuilder) RemoveImage(_ context.Context, stack domain.StackConfiguration) error {
	delete(b.Built, stack.ImageRef())
	return nil
}

// RsyncCall records one Rsync invocation.
type RsyncCall struct {
	Local, Remote string
	Direction     ports.RsyncDirection
	Flags         []string
}

// FakeTransport is an in-memory ports.Transport.
type FakeTransport struct {
	mu sync.Mutex

	Res      domain.Resource
	Tunnels  map[int]ports.TunnelOptions
	Rsyncs   []RsyncCall
	Commands []string
	// RunOutputs scripts Run by exact command; unmatched commands return "".
	RunOutputs map[string]string
	// RunErrs fails Run for an exact command.
	RunErrs    map[string]error
	RsyncErr   error
	TunnelErr  error
	Releases   int
}

var _ ports.Transport = (*FakeTransport)(nil)

func NewFakeTransport(name string) *FakeTransport {
	return &FakeTransport{
		Res:        domain.Resource{Name: name, Address: name + ".example", Username: "ops"},
		Tunnels:    map[int]ports.TunnelOptions{},
		RunOutputs: map[string]string{},
	}
}

func (t *FakeTransport) Resource() domain.Resource { return t.Res }

func (t *FakeTransport) TunnelStart(_ context.Context, opts ports.TunnelOptions) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.TunnelErr != nil {
		return false, t.TunnelErr
	}
	t.Tunnels[opts.LocalPort] = opts
	return true, nil
}

func (t *FakeTransport) TunnelRelease(_ context.Context, opts ports.TunnelOptions) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Releases++
	if _, ok := t.Tunnels[opts.LocalPort]; !ok {
		return false, nil
	}
	delete(t.Tunnels, opts.LocalPort)
	return true, nil
}

func (t *FakeTransport) Rsync(_ context.Context, local, remote string, direction ports.RsyncDirection, flags []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Rsyncs = append(t.Rsyncs, RsyncCall{Local: local, Remote: remote, Direction: direction, Flags: flags})
	return t.RsyncErr
}

func (t *FakeTransport) Run(_ context.Context, command string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Commands = append(t.Commands, command)
	return []byte(t.RunOutputs[command]), t.RunErrs[command]
}

// FakeRunner is an in-memory ports.CommandRunner.
// Respond, when set, decides the output of each call.
type FakeRunner struct {
	Calls   [][]string
	Err     error
	Respond func(name string, args []string) ([]byte, error)
}

func (r *FakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.Calls = append(r.Calls, append([]string{name}, args...))
	if r.Respond != nil {
		return r.Respond(name, args)
	}
	return nil, r.Err
}

// FreePorts is a ports.PortChecker reporting only Used as taken.
type FreePorts struct {
	Used map[int]bool
}

func (f FreePorts) UsedPorts(_ context.Context, candidates []int) (map[int]bool, error) {
	out := map[int]bool{}
	for _, p := range candidates {
		if f.Used[p] {
			out[p] = true
		}
	}
	return out, nil
}
