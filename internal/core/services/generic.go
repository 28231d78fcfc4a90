// Package services wraps long-running jobs with a stable identity.
//
// A service job is found again by its job-name label, which is derived
// from the service prefix and the identifier's project root. Starting a
// service that is already running returns the running job; nothing about a
// service is stored outside the runtime's labels.
//
// The label query offers no create-if-absent primitive, so two processes
// starting the same identifier at the same moment can both create a job.
package services

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/jobs"
	"github.com/melih/lighthouse/internal/core/network"
	"github.com/melih/lighthouse/internal/core/retry"
	"github.com/melih/lighthouse/internal/core/result"
)

// NamedPort is a port a service listens on inside its job.
type NamedPort struct {
	Name string
	Port int
}

// Probe is the readiness check of a service: Command runs inside the job
// and its output must match Pattern.
type Probe struct {
	Command []string
	Pattern *regexp.Regexp
}

// Spec is what a concrete service contributes.
type Spec interface {
	Prefix() string
	Probe() Probe
	// Ports lists the container ports the service listens on by default.
	// The first one is reached through the access port.
	Ports() []NamedPort
	// Command builds the startup command. ports holds the resolved
	// container port for every name returned by Ports.
	Command(opts domain.ServiceOptions, ports map[string]int) []string
	// Entrypoint overrides the stack entrypoint; nil keeps it.
	Entrypoint(opts domain.ServiceOptions) []string
	// Parse derives fields from probe output that matched; match holds the
	// pattern's submatches.
	Parse(output string, match []string) map[string]string
}

// ReadyInfo is the outcome of a successful readiness probe.
type ReadyInfo struct {
	Output string            `json:"output"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Service is the uniform lifecycle surface shared by every service and
// composed by Multi.
type Service interface {
	Name() string
	Start(ctx context.Context, id domain.ServiceIdentifier, opts domain.ServiceOptions) result.Result[domain.ServiceInfo]
	Stop(ctx context.Context, id *domain.ServiceIdentifier, copyBack bool) result.Result[[]string]
	Ready(ctx context.Context, id domain.ServiceIdentifier) result.Result[ReadyInfo]
	List(ctx context.Context, id *domain.ServiceIdentifier) result.Result[[]domain.ServiceInfo]
}

// IdentifierToJobName maps an identifier onto the job-name label value.
func IdentifierToJobName(prefix string, id domain.ServiceIdentifier) string {
	if id.ProjectRoot == "" {
		return prefix + "[NONE]"
	}
	return prefix + "-" + domain.ShortHash(id.ProjectRoot)
}

// Generic runs any Spec on top of a job manager.
type Generic struct {
	spec    Spec
	manager jobs.Manager
	tunnels network.Tunnels
	logger  *zap.Logger
}

var _ Service = (*Generic)(nil)

func New(spec Spec, manager jobs.Manager, tunnels network.Tunnels, logger *zap.Logger) *Generic {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generic{spec: spec, manager: manager, tunnels: tunnels, logger: logger.With(zap.String("service", spec.Prefix()))}
}

func (s *Generic) Name() string { return s.spec.Prefix() }

// Manager returns the job manager the service runs on.
func (s *Generic) Manager() jobs.Manager { return s.manager }

// JobName returns the job-name label value for id.
func (s *Generic) JobName(id domain.ServiceIdentifier) string {
	return IdentifierToJobName(s.spec.Prefix(), id)
}

// Start returns the running service for id, starting it first when none
// is running.
func (s *Generic) Start(ctx context.Context, id domain.ServiceIdentifier, opts domain.ServiceOptions) result.Result[domain.ServiceInfo] {
	name := s.JobName(id)
	running := s.find(ctx, &id, true)
	if !running.Success {
		return result.Map(running, domain.ServiceInfo{}, func([]domain.JobInfo) domain.ServiceInfo { return domain.ServiceInfo{} })
	}
	if len(running.Value) > 0 {
		info := domain.ServiceInfoFromJob(running.Value[0])
		out := result.OK(info)
		out.AddNotice("%s is already running as %s", name, shortID(info.ID))
		if s.manager.Transport() != nil && info.AccessPort > 0 {
			result.Absorb(&out, s.tunnels.Start(ctx, s.manager.Transport(), info.AccessPort, s.remotePort(info)))
		}
		return out
	}

	if opts.AccessPort < 0 || opts.AccessPort > 65535 {
		return result.Fail(domain.ServiceInfo{}, fmt.Errorf("%w: access port %d out of range", domain.ErrValidation, opts.AccessPort))
	}
	for _, p := range opts.Ports {
		if err := p.Validate(); err != nil {
			return result.Fail(domain.ServiceInfo{}, err)
		}
	}

	out := result.OK(domain.ServiceInfo{})
	bindings, containerPorts, hostPorts := s.resolvePorts(ctx, opts, &out)
	if !out.Success {
		return out
	}

	cfg := domain.JobConfiguration{
		Stack:        opts.Stack.Copy(),
		Command:      s.spec.Command(opts, containerPorts),
		RemoveOnExit: true,
	}
	cfg.Stack.Ports = append(cfg.Stack.Ports, bindings...)
	if ep := s.spec.Entrypoint(opts); ep != nil {
		cfg.Stack.Entrypoint = ep
	}
	for k, v := range opts.Labels {
		cfg.AddLabel(k, v)
	}
	cfg.AddLabel(domain.LabelJobName, name)
	cfg.AddLabel(domain.LabelServicePorts, domain.EncodePorts(hostPorts))
	if opts.AccessPort > 0 {
		cfg.AddLabel(domain.LabelAccessPort, strconv.Itoa(opts.AccessPort))
	}
	if opts.AccessIP != "" {
		cfg.AddLabel(domain.LabelAccessIP, opts.AccessIP)
	}
	if opts.Syncing {
		cfg.AddLabel(domain.LabelServiceSyncing, "true")
	}

	run := s.manager.Run(ctx, cfg, jobs.RunOptions{ReuseImage: opts.Reuse(), ProjectRoot: id.ProjectRoot, X11: opts.X11})
	result.Absorb(&out, run)
	if !run.Success {
		return out
	}
	out.Value = domain.ServiceInfo{
		ID:           run.Value.ID,
		ServicePorts: hostPorts,
		AccessPort:   opts.AccessPort,
		AccessIP:     opts.AccessIP,
		ProjectRoot:  id.ProjectRoot,
		IsNew:        true,
	}
	s.logger.Info("service started", zap.String("job_id", run.Value.ID), zap.String("job_name", name), zap.Any("ports", hostPorts))

	if s.manager.Transport() != nil && opts.AccessPort > 0 {
		result.Absorb(&out, s.tunnels.Start(ctx, s.manager.Transport(), opts.AccessPort, s.remotePort(out.Value)))
	}
	return out
}

// resolvePorts binds every service port. Caller bindings win, with their
// address defaulted by expose; any other service port takes the first free
// port at or after its default on both sides.
func (s *Generic) resolvePorts(ctx context.Context, opts domain.ServiceOptions, out *result.Result[domain.ServiceInfo]) ([]domain.Port, map[string]int, map[string]int) {
	var bindings []domain.Port
	containerPorts := map[string]int{}
	hostPorts := map[string]int{}
	expose := opts.AccessIP == network.ExposedAddress

	for i := range opts.Ports {
		picked := network.DefaultPort(ctx, s.manager.PortChecker(), &opts.Ports[i], expose, opts.Ports[i].HostPort)
		result.Absorb(out, picked)
		if !picked.Success {
			return nil, nil, nil
		}
		bindings = append(bindings, picked.Value)
	}

	for _, np := range s.spec.Ports() {
		if explicit, ok := bindingFor(bindings, np.Port); ok {
			containerPorts[np.Name] = explicit.ContainerPort
			hostPorts[np.Name] = explicit.HostPort
			continue
		}
		picked := network.DefaultPort(ctx, s.manager.PortChecker(), nil, expose, np.Port)
		result.Absorb(out, picked)
		if !picked.Success {
			return nil, nil, nil
		}
		bindings = append(bindings, picked.Value)
		containerPorts[np.Name] = picked.Value.ContainerPort
		hostPorts[np.Name] = picked.Value.HostPort
	}
	return bindings, containerPorts, hostPorts
}

func bindingFor(bindings []domain.Port, containerPort int) (domain.Port, bool) {
	for _, p := range bindings {
		if p.ContainerPort == containerPort {
			return p, true
		}
	}
	return domain.Port{}, false
}

// remotePort is the host port the access port forwards to.
func (s *Generic) remotePort(info domain.ServiceInfo) int {
	named := s.spec.Ports()
	if len(named) == 0 {
		return info.AccessPort
	}
	if p, ok := info.ServicePorts[named[0].Name]; ok {
		return p
	}
	return named[0].Port
}

// Endpoint returns the host address clients use to reach the service
// described by info. It returns port 0 when the service has no address
// reachable from this host.
func (s *Generic) Endpoint(info domain.ServiceInfo) (string, int) {
	if info.AccessPort > 0 {
		ip := info.AccessIP
		if ip == "" || ip == "0.0.0.0" {
			ip = network.LoopbackAddress
		}
		return ip, info.AccessPort
	}
	if s.manager.Transport() != nil {
		return "", 0
	}
	named := s.spec.Ports()
	if len(named) == 0 {
		return "", 0
	}
	return network.LoopbackAddress, info.ServicePorts[named[0].Name]
}

// Ready runs the probe inside the newest running job for id.
func (s *Generic) Ready(ctx context.Context, id domain.ServiceIdentifier) result.Result[ReadyInfo] {
	running := s.find(ctx, &id, true)
	if !running.Success {
		return result.Map(running, ReadyInfo{}, func([]domain.JobInfo) ReadyInfo { return ReadyInfo{} })
	}
	if len(running.Value) == 0 {
		return result.Fail(ReadyInfo{}, fmt.Errorf("%w: %s", domain.ErrNotRunning, s.JobName(id)))
	}

	probe := s.spec.Probe()
	exec := s.manager.ExecInJob(ctx, running.Value[0].ID, probe.Command)
	if !exec.Success {
		return result.Map(exec, ReadyInfo{}, func(domain.NewJobInfo) ReadyInfo { return ReadyInfo{} })
	}
	output := exec.Value.Output
	match := probe.Pattern.FindStringSubmatch(output)
	if match == nil {
		return result.Fail(ReadyInfo{Output: output}, fmt.Errorf("%w: %s is not ready", domain.ErrNotRunning, s.JobName(id)))
	}
	return result.OK(ReadyInfo{Output: output, Fields: s.spec.Parse(output, match)})
}

// WaitReady polls Ready with the given bounds.
func (s *Generic) WaitReady(ctx context.Context, id domain.ServiceIdentifier, opts retry.Options) result.Result[ReadyInfo] {
	return retry.WaitUntilSuccess(ctx, opts, func() result.Result[ReadyInfo] {
		return s.Ready(ctx, id)
	})
}

// Stop stops the running jobs of id, or of every identifier of this
// service when id is nil. With copyBack, project files are copied back
// first unless a sync agent keeps them current.
func (s *Generic) Stop(ctx context.Context, id *domain.ServiceIdentifier, copyBack bool) result.Result[[]string] {
	running := s.find(ctx, id, true)
	if !running.Success {
		return result.Map(running, []string(nil), func([]domain.JobInfo) []string { return nil })
	}
	if len(running.Value) == 0 {
		target := s.spec.Prefix()
		if id != nil {
			target = s.JobName(*id)
		}
		return result.Fail([]string(nil), fmt.Errorf("%w: %s", domain.ErrNotRunning, target))
	}

	out := result.OK([]string{})
	var ids, copyIDs []string
	for _, job := range running.Value {
		ids = append(ids, job.ID)
		if job.Label(domain.LabelServiceSyncing) == "true" {
			out.AddNotice("%s is synced, skipping copy", shortID(job.ID))
			continue
		}
		copyIDs = append(copyIDs, job.ID)
	}
	if copyBack && len(copyIDs) > 0 {
		result.Absorb(&out, s.manager.Copy(ctx, jobs.CopyOptions{IDs: copyIDs}))
	}

	stopped := s.manager.Stop(ctx, jobs.StopOptions{IDs: ids})
	result.Absorb(&out, stopped)
	out.Value = stopped.Value

	if transport := s.manager.Transport(); transport != nil {
		for _, job := range running.Value {
			info := domain.ServiceInfoFromJob(job)
			if info.AccessPort > 0 {
				result.Absorb(&out, s.tunnels.Release(ctx, transport, info.AccessPort, s.remotePort(info)))
			}
		}
	}
	s.logger.Info("service stopped", zap.Strings("job_ids", ids), zap.Bool("copy_back", copyBack))
	return out
}

// List maps every job of id, or of the whole service when id is nil, onto
// ServiceInfo.
func (s *Generic) List(ctx context.Context, id *domain.ServiceIdentifier) result.Result[[]domain.ServiceInfo] {
	found := s.find(ctx, id, false)
	return result.Map(found, []domain.ServiceInfo(nil), func(matched []domain.JobInfo) []domain.ServiceInfo {
		infos := make([]domain.ServiceInfo, 0, len(matched))
		for _, job := range matched {
			infos = append(infos, domain.ServiceInfoFromJob(job))
		}
		return infos
	})
}

// find lists the service's jobs, newest first. A nil id selects every job
// whose name carries this service's prefix.
func (s *Generic) find(ctx context.Context, id *domain.ServiceIdentifier, runningOnly bool) result.Result[[]domain.JobInfo] {
	filter := domain.Filter{}
	if runningOnly {
		filter.States = []domain.JobState{domain.StateRunning}
	}
	if id != nil {
		filter = filter.WithLabel(domain.LabelJobName, s.JobName(*id))
	} else {
		filter = filter.WithLabel(domain.LabelJobName)
	}

	listed := s.manager.List(ctx, jobs.ListOptions{Filter: filter})
	if !listed.Success {
		return listed
	}
	prefix := s.spec.Prefix()
	var matched []domain.JobInfo
	for _, job := range listed.Value {
		name := job.Label(domain.LabelJobName)
		if id != nil || name == prefix+"[NONE]" || strings.HasPrefix(name, prefix+"-") {
			matched = append(matched, job)
		}
	}
	sortNewestFirst(matched)
	return result.OK(matched)
}
