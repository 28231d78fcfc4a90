package jobs

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/testutil"
)

func TestLocalCopyRsyncsStagedFiles(t *testing.T) {
	h := newHarness(t, Config{})
	dest := t.TempDir()
	id := h.driver.AddJob(domain.JobInfo{ID: "cp1", Labels: map[string]string{
		domain.LabelProjectRoot:     "/home/u/proj",
		domain.LabelContainerRoot:   "/work",
		domain.LabelDownloadExclude: `["*.pyc"]`,
	}})

	res := h.m.Copy(context.Background(), CopyOptions{IDs: []string{id}, Mode: CopyMirror, HostPath: dest})
	require.True(t, res.Success, res.Err())
	assert.Equal(t, []string{id}, res.Value)
	assert.Equal(t, []string{"cp1:/work/proj"}, h.driver.Copied)

	require.Len(t, h.runner.Calls, 1)
	call := h.runner.Calls[0]
	assert.Equal(t, "rsync", call[0])
	assert.Contains(t, call, "--delete")
	assert.Contains(t, call, "--exclude=*.pyc")
	assert.Equal(t, dest+"/", call[len(call)-1])
	assert.True(t, strings.HasSuffix(call[len(call)-2], "/proj/"))
}

func TestCopyWithoutProjectRootIsNotice(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.driver.AddJob(domain.JobInfo{ID: "plain"})

	res := h.m.Copy(context.Background(), CopyOptions{IDs: []string{id}})
	require.True(t, res.Success)
	assert.Len(t, res.Notices, 1)
	assert.Empty(t, h.runner.Calls)
}

func TestCopyFailureIsPerJob(t *testing.T) {
	h := newHarness(t, Config{})
	h.driver.CopyErr = testutil.ErrInjected
	id := h.driver.AddJob(domain.JobInfo{ID: "bad", Labels: map[string]string{domain.LabelProjectRoot: "/p"}})

	res := h.m.Copy(context.Background(), CopyOptions{IDs: []string{id}, HostPath: t.TempDir()})
	assert.False(t, res.Success)
	assert.True(t, res.Is(domain.ErrTransport))
	assert.False(t, res.Is(domain.ErrPartialBatch))
}

func TestRsyncFlags(t *testing.T) {
	job := domain.JobInfo{Labels: map[string]string{domain.LabelDownloadInclude: `["*.ipynb"]`}}
	assert.Equal(t, []string{"-a", "--update", "--prune-empty-dirs", "--include=*/", "--include=*.ipynb", "--exclude=*"}, rsyncFlags(CopyUpdate, job))
	assert.Equal(t, []string{"-a", "--prune-empty-dirs", "--include=*/", "--include=*.ipynb", "--exclude=*"}, rsyncFlags(CopyOverwrite, job))
	assert.Equal(t, []string{"-a", "--delete"}, rsyncFlags(CopyMirror, domain.JobInfo{}))

	both := domain.JobInfo{Labels: map[string]string{
		domain.LabelDownloadInclude: `["*.csv"]`,
		domain.LabelDownloadExclude: `["scratch/"]`,
	}}
	assert.Equal(t, []string{"-a", "--exclude=scratch/", "--prune-empty-dirs", "--include=*/", "--include=*.csv", "--exclude=*"}, rsyncFlags(CopyOverwrite, both))

	excludeOnly := domain.JobInfo{Labels: map[string]string{domain.LabelDownloadExclude: `["*.tmp"]`}}
	assert.Equal(t, []string{"-a", "--exclude=*.tmp"}, rsyncFlags(CopyOverwrite, excludeOnly))
}

func newRemoteHarness(t *testing.T) (*testutil.FakeDriver, *testutil.FakeTransport, *Generic) {
	t.Helper()
	driver := testutil.NewFakeDriver()
	transport := testutil.NewFakeTransport("gpu1")
	transport.RunOutputs["mkdir -p '.lighthouse/jobs' && cd '.lighthouse/jobs' && pwd"] = "/home/ops/.lighthouse/jobs\n"
	m := NewRemote(driver, testutil.NewFakeBuilder(), transport, testutil.FreePorts{}, "", Config{Out: &bytes.Buffer{}}, nil)
	return driver, transport, m
}

func TestRemoteRunUploadsProject(t *testing.T) {
	driver, transport, m := newRemoteHarness(t)
	stack := pyStack()
	stack.DownloadExclude = []string{".git"}

	res := m.Run(context.Background(), domain.JobConfiguration{Stack: stack, Command: []string{"python", "train.py"}}, RunOptions{ProjectRoot: "/home/me/proj"})
	require.True(t, res.Success, res.Err())
	require.NotNil(t, m.Transport())

	require.Len(t, transport.Rsyncs, 1)
	up := transport.Rsyncs[0]
	assert.Equal(t, ports.Upload, up.Direction)
	assert.Equal(t, "/home/me/proj/", up.Local)
	assert.True(t, strings.HasPrefix(up.Remote, "/home/ops/.lighthouse/jobs/"))
	assert.Contains(t, up.Flags, "--exclude=.git")

	started := driver.Started[0]
	fileDir := started.Labels[domain.LabelFileDir]
	assert.Equal(t, strings.TrimSuffix(up.Remote, "/"), fileDir)
	assert.Contains(t, started.Stack.Mounts, domain.Mount{Type: domain.MountBind, Source: fileDir, Target: "/proj"})
}

func TestRemoteCopyDownloadsFileDir(t *testing.T) {
	driver, transport, m := newRemoteHarness(t)
	id := driver.AddJob(domain.JobInfo{ID: "r1", Labels: map[string]string{
		domain.LabelProjectRoot: "/home/me/proj",
		domain.LabelFileDir:     "/home/ops/.lighthouse/jobs/abc",
	}})

	res := m.Copy(context.Background(), CopyOptions{IDs: []string{id}})
	require.True(t, res.Success, res.Err())
	require.Len(t, transport.Rsyncs, 1)
	down := transport.Rsyncs[0]
	assert.Equal(t, ports.Download, down.Direction)
	assert.Equal(t, "/home/me/proj/", down.Local)
	assert.Equal(t, "/home/ops/.lighthouse/jobs/abc/", down.Remote)
	assert.Contains(t, down.Flags, "--update")
}

func TestRemoteExecChecksParentFiles(t *testing.T) {
	driver, transport, m := newRemoteHarness(t)
	fileDir := "/home/ops/.lighthouse/jobs/abc"
	driver.AddJob(domain.JobInfo{ID: "parent1", Image: "python:3.12", Stack: "/stacks/py", Labels: map[string]string{
		domain.LabelProjectRoot: "/home/me/proj",
		domain.LabelFileDir:     fileDir,
	}})

	res := m.Exec(context.Background(), domain.JobConfiguration{Command: []string{"ls"}}, ExecOptions{ParentID: "parent1"})
	require.True(t, res.Success, res.Err())
	assert.Contains(t, transport.Commands, "test -d '"+fileDir+"'")
	require.Len(t, driver.Started, 1)
	assert.Contains(t, driver.Started[0].Stack.Mounts, domain.Mount{Type: domain.MountBind, Source: fileDir, Target: "/proj"})

	transport.RunErrs = map[string]error{"test -d '" + fileDir + "'": testutil.ErrInjected}
	res = m.Exec(context.Background(), domain.JobConfiguration{Command: []string{"ls"}}, ExecOptions{ParentID: "parent1"})
	assert.False(t, res.Success)
	assert.True(t, res.Is(domain.ErrNotFound))
	assert.Len(t, driver.Started, 1)
}

func TestRemoteUploadFailure(t *testing.T) {
	driver, transport, m := newRemoteHarness(t)
	transport.RsyncErr = testutil.ErrInjected

	res := m.Run(context.Background(), domain.JobConfiguration{Stack: pyStack(), Command: []string{"ls"}}, RunOptions{ProjectRoot: "/home/me/proj"})
	assert.False(t, res.Success)
	assert.True(t, res.Is(domain.ErrTransport))
	assert.Empty(t, driver.Started)
}

func TestRemoteX11IsWarning(t *testing.T) {
	_, _, m := newRemoteHarness(t)
	m.cfg.Display = ":0"

	res := m.Run(context.Background(), domain.JobConfiguration{Stack: pyStack(), Command: []string{"xeyes"}}, RunOptions{X11: true})
	require.True(t, res.Success)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "remote")
}
