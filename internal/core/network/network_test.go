package network

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

type setChecker struct {
	used  map[int]bool
	err   error
	calls int
}

func (c *setChecker) UsedPorts(_ context.Context, candidates []int) (map[int]bool, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	out := map[int]bool{}
	for _, p := range candidates {
		if c.used[p] {
			out[p] = true
		}
	}
	return out, nil
}

type fakeTransport struct {
	open     map[int]int
	startOK  bool
	startErr error
	started  []ports.TunnelOptions
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{open: map[int]int{}, startOK: true}
}

func (f *fakeTransport) Resource() domain.Resource { return domain.Resource{Name: "gpu"} }

func (f *fakeTransport) TunnelStart(_ context.Context, opts ports.TunnelOptions) (bool, error) {
	f.started = append(f.started, opts)
	if f.startErr != nil || !f.startOK {
		return false, f.startErr
	}
	f.open[opts.LocalPort] = opts.RemotePort
	return true, nil
}

func (f *fakeTransport) TunnelRelease(_ context.Context, opts ports.TunnelOptions) (bool, error) {
	if _, ok := f.open[opts.LocalPort]; !ok {
		return false, nil
	}
	delete(f.open, opts.LocalPort)
	return true, nil
}

func (f *fakeTransport) Rsync(context.Context, string, string, ports.RsyncDirection, []string) error {
	return nil
}

func (f *fakeTransport) Run(context.Context, string) ([]byte, error) { return nil, nil }

func TestDefaultPort(t *testing.T) {
	ctx := context.Background()

	t.Run("ExposedBindsAllInterfaces", func(t *testing.T) {
		r := DefaultPort(ctx, &setChecker{}, nil, true, 8888)
		require.True(t, r.Success)
		assert.Equal(t, ExposedAddress, r.Value.Address)
		assert.Equal(t, 8888, r.Value.HostPort)
		assert.Equal(t, 8888, r.Value.ContainerPort)
	})

	t.Run("UnexposedBindsLoopback", func(t *testing.T) {
		r := DefaultPort(ctx, &setChecker{}, nil, false, 8888)
		require.True(t, r.Success)
		assert.Equal(t, LoopbackAddress, r.Value.Address)
	})

	t.Run("SkipsUsedPorts", func(t *testing.T) {
		r := DefaultPort(ctx, &setChecker{used: map[int]bool{8888: true, 8889: true}}, nil, false, 8888)
		require.True(t, r.Success)
		assert.Equal(t, 8890, r.Value.HostPort)
		assert.Equal(t, 8890, r.Value.ContainerPort)
	})

	t.Run("ExplicitPortNeverProbed", func(t *testing.T) {
		checker := &setChecker{used: map[int]bool{9000: true}}
		r := DefaultPort(ctx, checker, &domain.Port{HostPort: 9000, ContainerPort: 8888}, true, 8888)
		require.True(t, r.Success)
		assert.Equal(t, 9000, r.Value.HostPort)
		assert.Equal(t, 8888, r.Value.ContainerPort)
		assert.Equal(t, ExposedAddress, r.Value.Address)
		assert.Zero(t, checker.calls)
	})

	t.Run("ExplicitAddressKept", func(t *testing.T) {
		r := DefaultPort(ctx, &setChecker{}, &domain.Port{HostPort: 1, ContainerPort: 2, Address: "10.0.0.2"}, false, 8888)
		require.True(t, r.Success)
		assert.Equal(t, "10.0.0.2", r.Value.Address)
	})

	t.Run("InvalidExplicitPort", func(t *testing.T) {
		r := DefaultPort(ctx, &setChecker{}, &domain.Port{HostPort: -1, ContainerPort: 2}, false, 8888)
		assert.False(t, r.Success)
		assert.True(t, r.Is(domain.ErrValidation))
	})

	t.Run("CheckerFailure", func(t *testing.T) {
		r := DefaultPort(ctx, &setChecker{err: errors.New("ssh down")}, nil, false, 8888)
		assert.False(t, r.Success)
		assert.True(t, r.Is(domain.ErrTransport))
	})
}

func TestNextAvailablePorts(t *testing.T) {
	ctx := context.Background()

	t.Run("Triad", func(t *testing.T) {
		r := NextAvailablePorts(ctx, &setChecker{used: map[int]bool{20001: true}}, 20000, 3)
		require.True(t, r.Success)
		assert.Equal(t, []int{20000, 20002, 20003}, r.Value)
	})

	t.Run("SpansScanWindows", func(t *testing.T) {
		used := map[int]bool{}
		for p := 30000; p < 30000+scanWindow+1; p++ {
			used[p] = true
		}
		checker := &setChecker{used: used}
		r := NextAvailablePorts(ctx, checker, 30000, 1)
		require.True(t, r.Success)
		assert.Equal(t, []int{30000 + scanWindow + 1}, r.Value)
		assert.Equal(t, 2, checker.calls)
	})

	t.Run("Exhausted", func(t *testing.T) {
		r := NextAvailablePorts(ctx, &setChecker{used: map[int]bool{65535: true}}, 65534, 2)
		assert.False(t, r.Success)
		assert.True(t, r.Is(domain.ErrNotFound))
	})

	t.Run("BadStart", func(t *testing.T) {
		r := NextAvailablePorts(ctx, &setChecker{}, 0, 1)
		assert.True(t, r.Is(domain.ErrValidation))
	})
}

func TestLocalChecker(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	used, err := LocalChecker{Address: "127.0.0.1"}.UsedPorts(context.Background(), []int{port})
	require.NoError(t, err)
	assert.True(t, used[port])
}

func TestTunnels(t *testing.T) {
	ctx := context.Background()
	tunnels := Tunnels{}

	t.Run("LocalIsNoop", func(t *testing.T) {
		r := tunnels.Start(ctx, nil, 9000, 8888)
		assert.True(t, r.Success)
		assert.True(t, tunnels.Release(ctx, nil, 9000, 8888).Success)
	})

	t.Run("StartUsesMultiplexing", func(t *testing.T) {
		tr := newFakeTransport()
		r := tunnels.Start(ctx, tr, 9000, 8888)
		require.True(t, r.Success)
		require.Len(t, tr.started, 1)
		assert.True(t, tr.started[0].Multiplex.ReuseConnection)
		assert.Equal(t, DefaultControlPersist, tr.started[0].Multiplex.ControlPersist)
		assert.Equal(t, LoopbackAddress, tr.started[0].LocalIP)
		assert.Equal(t, 8888, tr.open[9000])
	})

	t.Run("StartRejected", func(t *testing.T) {
		tr := newFakeTransport()
		tr.startOK = false
		r := tunnels.Start(ctx, tr, 9000, 8888)
		assert.False(t, r.Success)
		assert.True(t, r.Is(domain.ErrTransport))
	})

	t.Run("ReleaseIsIdempotent", func(t *testing.T) {
		tr := newFakeTransport()
		require.True(t, tunnels.Start(ctx, tr, 9000, 8888).Success)

		first := tunnels.Release(ctx, tr, 9000, 8888)
		assert.True(t, first.Success)
		assert.Empty(t, first.Notices)

		second := tunnels.Release(ctx, tr, 9000, 8888)
		assert.True(t, second.Success)
		assert.Len(t, second.Notices, 1)
	})
}
