package docker

import (
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse/internal/core/domain"
)

func TestListFiltersPushesExactConstraints(t *testing.T) {
	args := listFilters(domain.Filter{
		IDs: []string{"abc"},
		Labels: map[string][]string{
			domain.LabelJobName:     {"Jupyter-1"},
			domain.LabelProjectRoot: nil,
			domain.LabelStack:       {"/a", "/b"},
		},
	})
	labels := args.Get("label")
	assert.Contains(t, labels, domain.LabelStack)
	assert.Contains(t, labels, domain.LabelJobName+"=Jupyter-1")
	assert.Contains(t, labels, domain.LabelProjectRoot)
	assert.NotContains(t, labels, domain.LabelStack+"=/a")
	assert.Equal(t, []string{"abc"}, args.Get("id"))

	assert.Empty(t, listFilters(domain.Filter{IDs: []string{"a", "b"}}).Get("id"))
}

func TestToJobInfo(t *testing.T) {
	job := toJobInfo(types.Container{
		ID:      "f00d",
		Image:   "python:3.12",
		State:   "running",
		Created: 1700000000,
		Labels:  map[string]string{domain.LabelStack: "/stacks/py"},
		Ports: []types.Port{
			{IP: "127.0.0.1", PrivatePort: 8888, PublicPort: 9000, Type: "tcp"},
			{PrivatePort: 22, Type: "tcp"},
		},
	})
	assert.Equal(t, "/stacks/py", job.Stack)
	assert.Equal(t, domain.StateRunning, job.State)
	assert.Equal(t, time.Unix(1700000000, 0), job.Created)
	assert.Equal(t, []domain.Port{{HostPort: 9000, ContainerPort: 8888, Address: "127.0.0.1"}}, job.Ports)
}

func TestCreateConfig(t *testing.T) {
	cfg := domain.JobConfiguration{
		Stack: domain.StackConfiguration{
			Image:      "python:3.12",
			Entrypoint: []string{"sh", "-c"},
			Env:        map[string]string{"B": "2", "A": "1"},
			Mounts: []domain.Mount{
				{Type: domain.MountBind, Source: "/home/u/p", Target: "/p"},
				{Type: domain.MountVolume, Source: "cache", Target: "/cache", ReadOnly: true},
			},
			Ports: []domain.Port{{HostPort: 9000, ContainerPort: 8888, Address: "127.0.0.1"}},
		},
		Command:          []string{"python main.py"},
		WorkingDirectory: "/p",
		RemoveOnExit:     true,
		Labels:           map[string]string{domain.LabelStack: "/stacks/py"},
	}

	config, host, err := createConfig(cfg, domain.StdioPipe)
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=2"}, config.Env)
	assert.Equal(t, []string{"sh", "-c"}, []string(config.Entrypoint))
	assert.Equal(t, "/p", config.WorkingDir)
	assert.True(t, config.AttachStdout)
	assert.True(t, host.AutoRemove)
	assert.Equal(t, []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "9000"}}, host.PortBindings["8888/tcp"])
	assert.Contains(t, config.ExposedPorts, nat.Port("8888/tcp"))
	assert.Equal(t, mount.TypeBind, host.Mounts[0].Type)
	assert.Equal(t, mount.Mount{Type: mount.TypeVolume, Source: "cache", Target: "/cache", ReadOnly: true}, host.Mounts[1])

	cfg.Synchronous = true
	_, host, err = createConfig(cfg, domain.StdioIgnore)
	require.NoError(t, err)
	assert.False(t, host.AutoRemove)
}

func TestCreateConfigRejectsBadPort(t *testing.T) {
	_, _, err := createConfig(domain.JobConfiguration{Stack: domain.StackConfiguration{Ports: []domain.Port{{HostPort: 0, ContainerPort: 1}}}}, domain.StdioPipe)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
