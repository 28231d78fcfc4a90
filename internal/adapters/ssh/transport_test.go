package ssh

import (
	"context"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/testutil"
)

var gpu = domain.Resource{
	Name:     "gpu1",
	Address:  "gpu1.lab",
	Username: "ops",
	Options:  map[string]string{OptionPort: "2222", OptionIdentityFile: "/keys/id"},
}

func reuse() ports.TunnelOptions {
	return ports.TunnelOptions{
		LocalIP:    "127.0.0.1",
		LocalPort:  8888,
		RemotePort: 9000,
		Multiplex:  ports.Multiplex{ControlPersist: 10 * time.Minute, ReuseConnection: true},
	}
}

// masterRunner fails `-O check` until a master has been started.
func masterRunner(alive bool) *testutil.FakeRunner {
	r := &testutil.FakeRunner{}
	r.Respond = func(name string, args []string) ([]byte, error) {
		if name == "ssh" && slices.Contains(args, "check") && !alive {
			return nil, testutil.ErrInjected
		}
		if name == "ssh" && slices.Contains(args, "-f") {
			alive = true
		}
		return nil, nil
	}
	return r
}

func TestBaseArgs(t *testing.T) {
	tr := New(gpu, &testutil.FakeRunner{}, "/run/lh", nil)
	args := tr.baseArgs(reuse().Multiplex)
	assert.Equal(t, []string{
		"-o", "BatchMode=yes",
		"-p", "2222",
		"-i", "/keys/id",
		"-o", "ControlMaster=auto",
		"-o", "ControlPath=/run/lh/lighthouse-%C",
		"-o", "ControlPersist=600",
	}, args)

	noMux := tr.baseArgs(ports.Multiplex{})
	assert.NotContains(t, noMux, "ControlMaster=auto")
}

func TestTunnelStartStartsMasterOnce(t *testing.T) {
	runner := masterRunner(false)
	tr := New(gpu, runner, "/run/lh", nil)

	ok, err := tr.TunnelStart(context.Background(), reuse())
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, runner.Calls, 3)
	assert.Contains(t, runner.Calls[0], "check")
	assert.Equal(t, []string{"-f", "-N", "ops@gpu1.lab"}, runner.Calls[1][len(runner.Calls[1])-3:])
	assert.Equal(t, []string{"-O", "forward", "-L", "127.0.0.1:8888:localhost:9000", "ops@gpu1.lab"}, runner.Calls[2][len(runner.Calls[2])-5:])

	runner.Calls = nil
	ok, err = tr.TunnelStart(context.Background(), reuse())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, runner.Calls, 2)
}

func TestTunnelStartWithoutReuse(t *testing.T) {
	runner := &testutil.FakeRunner{}
	tr := New(gpu, runner, "/run/lh", nil)
	opts := reuse()
	opts.Multiplex.ReuseConnection = false

	ok, err := tr.TunnelStart(context.Background(), opts)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, runner.Calls, 1)
	assert.Contains(t, runner.Calls[0], "ExitOnForwardFailure=yes")
}

func TestTunnelStartFailure(t *testing.T) {
	runner := &testutil.FakeRunner{Err: testutil.ErrInjected}
	ok, err := New(gpu, runner, "/run/lh", nil).TunnelStart(context.Background(), reuse())
	assert.False(t, ok)
	assert.ErrorIs(t, err, testutil.ErrInjected)
}

func TestTunnelReleaseWithoutMaster(t *testing.T) {
	runner := masterRunner(false)
	ok, err := New(gpu, runner, "/run/lh", nil).TunnelRelease(context.Background(), reuse())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, runner.Calls, 1)
}

func TestTunnelReleaseCancelsForward(t *testing.T) {
	runner := masterRunner(true)
	ok, err := New(gpu, runner, "/run/lh", nil).TunnelRelease(context.Background(), reuse())
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, runner.Calls, 2)
	assert.Equal(t, []string{"-O", "cancel", "-L", "127.0.0.1:8888:localhost:9000", "ops@gpu1.lab"}, runner.Calls[1][len(runner.Calls[1])-5:])
}

func TestTunnelReleaseMissingForward(t *testing.T) {
	runner := &testutil.FakeRunner{}
	runner.Respond = func(name string, args []string) ([]byte, error) {
		if slices.Contains(args, "cancel") {
			return nil, testutil.ErrInjected
		}
		return nil, nil
	}
	tr := New(gpu, runner, "/run/lh", nil)

	ok, err := tr.TunnelRelease(context.Background(), reuse())
	require.NoError(t, err)
	assert.False(t, ok)
	require.Len(t, runner.Calls, 3)
	assert.Contains(t, runner.Calls[2], "check")

	ok, err = tr.TunnelRelease(context.Background(), reuse())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTunnelReleaseMasterLost(t *testing.T) {
	alive := true
	runner := &testutil.FakeRunner{}
	runner.Respond = func(name string, args []string) ([]byte, error) {
		switch {
		case slices.Contains(args, "cancel"):
			alive = false
			return nil, testutil.ErrInjected
		case slices.Contains(args, "check") && !alive:
			return nil, testutil.ErrInjected
		}
		return nil, nil
	}

	ok, err := New(gpu, runner, "/run/lh", nil).TunnelRelease(context.Background(), reuse())
	assert.False(t, ok)
	assert.ErrorIs(t, err, testutil.ErrInjected)
}

func TestRsyncDirections(t *testing.T) {
	runner := &testutil.FakeRunner{}
	tr := New(gpu, runner, "/run/lh", nil)

	require.NoError(t, tr.Rsync(context.Background(), "/home/u/p/", "/remote/p/", ports.Upload, []string{"-a"}))
	require.NoError(t, tr.Rsync(context.Background(), "/home/u/p/", "/remote/p/", ports.Download, []string{"-a", "--delete"}))
	require.Len(t, runner.Calls, 2)

	up := runner.Calls[0]
	assert.Equal(t, "rsync", up[0])
	assert.Equal(t, "-e", up[1])
	assert.True(t, strings.HasPrefix(up[2], "ssh -o BatchMode=yes -p 2222"))
	assert.Equal(t, []string{"-a", "/home/u/p/", "ops@gpu1.lab:/remote/p/"}, up[3:])

	down := runner.Calls[1]
	assert.Equal(t, []string{"-a", "--delete", "ops@gpu1.lab:/remote/p/", "/home/u/p/"}, down[3:])
}

func TestRunPassesCommand(t *testing.T) {
	runner := &testutil.FakeRunner{Respond: func(string, []string) ([]byte, error) { return []byte("ok\n"), nil }}
	out, err := New(gpu, runner, "/run/lh", nil).Run(context.Background(), "echo ok")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(out))
	call := runner.Calls[0]
	assert.Equal(t, []string{"ops@gpu1.lab", "echo ok"}, call[len(call)-2:])
}

func TestRemoteChecker(t *testing.T) {
	transport := testutil.NewFakeTransport("gpu1")
	transport.RunOutputs["ss -Htln"] = strings.Join([]string{
		"LISTEN 0      4096   127.0.0.53%lo:53        0.0.0.0:*",
		"LISTEN 0      128          0.0.0.0:22        0.0.0.0:*",
		"LISTEN 0      511             [::]:8888         [::]:*",
		"garbage",
	}, "\n")

	used, err := RemoteChecker{Transport: transport}.UsedPorts(context.Background(), []int{22, 53, 8888, 8889})
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{22: true, 53: true, 8888: true}, used)
}
