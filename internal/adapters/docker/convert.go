package docker

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"

	"github.com/melih/lighthouse/internal/core/domain"
)

// listFilters narrows the daemon query. Only constraints the daemon
// evaluates exactly like domain.Filter are pushed down; the rest is
// checked with Filter.Matches afterwards.
func listFilters(f domain.Filter) filters.Args {
	args := filters.NewArgs(filters.Arg("label", domain.LabelStack))
	for key, values := range f.Labels {
		switch len(values) {
		case 0:
			args.Add("label", key)
		case 1:
			args.Add("label", key+"="+values[0])
		}
	}
	if len(f.IDs) == 1 {
		args.Add("id", f.IDs[0])
	}
	return args
}

func toJobInfo(c types.Container) domain.JobInfo {
	job := domain.JobInfo{
		ID:      c.ID,
		Image:   c.Image,
		Stack:   c.Labels[domain.LabelStack],
		State:   domain.ParseJobState(c.State),
		Labels:  c.Labels,
		Created: time.Unix(c.Created, 0),
	}
	for _, p := range c.Ports {
		if p.PublicPort == 0 {
			continue
		}
		job.Ports = append(job.Ports, domain.Port{HostPort: int(p.PublicPort), ContainerPort: int(p.PrivatePort), Address: p.IP})
	}
	return job
}

// createConfig maps a job configuration onto the daemon's create request.
func createConfig(cfg domain.JobConfiguration, stdio domain.StdioPolicy) (*container.Config, *container.HostConfig, error) {
	exposed, bindings, err := portBindings(cfg.Stack.Ports)
	if err != nil {
		return nil, nil, err
	}

	env := make([]string, 0, len(cfg.Stack.Env))
	for k, v := range cfg.Stack.Env {
		env = append(env, k+"="+v)
	}
	slices.Sort(env)

	config := &container.Config{
		Image:        cfg.Stack.Image,
		Cmd:          cfg.Command,
		Env:          env,
		WorkingDir:   cfg.WorkingDirectory,
		Labels:       cfg.Labels,
		ExposedPorts: exposed,
		AttachStdout: stdio != domain.StdioIgnore,
		AttachStderr: stdio != domain.StdioIgnore,
		OpenStdin:    !cfg.Synchronous,
	}
	if len(cfg.Stack.Entrypoint) > 0 {
		config.Entrypoint = cfg.Stack.Entrypoint
	}

	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		// Synchronous jobs are removed after their output has been read.
		AutoRemove: cfg.RemoveOnExit && !cfg.Synchronous,
	}
	for _, m := range cfg.Stack.Mounts {
		hostConfig.Mounts = append(hostConfig.Mounts, toMount(m))
	}
	return config, hostConfig, nil
}

func toMount(m domain.Mount) mount.Mount {
	t := mount.TypeBind
	if m.Type == domain.MountVolume {
		t = mount.TypeVolume
	}
	return mount.Mount{Type: t, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly}
}

func portBindings(ports []domain.Port) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		if err := p.Validate(); err != nil {
			return nil, nil, err
		}
		port, err := nat.NewPort("tcp", strconv.Itoa(p.ContainerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: container port %d: %w", domain.ErrValidation, p.ContainerPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{HostIP: p.Address, HostPort: strconv.Itoa(p.HostPort)})
	}
	return exposed, bindings, nil
}
