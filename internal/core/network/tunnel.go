package network

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/core/result"
)

const DefaultControlPersist = 10 * time.Minute

// Tunnels computes port pairs for SSH forwards and calls into the
// transport at service start and stop. It holds no connection state.
type Tunnels struct {
	ControlPersist time.Duration
	LocalIP        string
	Logger         *zap.Logger
}

func (t Tunnels) options(localPort, remotePort int) ports.TunnelOptions {
	persist := t.ControlPersist
	if persist <= 0 {
		persist = DefaultControlPersist
	}
	ip := t.LocalIP
	if ip == "" {
		ip = LoopbackAddress
	}
	return ports.TunnelOptions{
		LocalIP:    ip,
		LocalPort:  localPort,
		RemotePort: remotePort,
		Multiplex:  ports.Multiplex{ControlPersist: persist, ReuseConnection: true},
	}
}

func (t Tunnels) logger() *zap.Logger {
	if t.Logger == nil {
		return zap.NewNop()
	}
	return t.Logger
}

// Start forwards localPort to remotePort on the transport's resource. A nil
// transport means the target is local and nothing is done.
func (t Tunnels) Start(ctx context.Context, transport ports.Transport, localPort, remotePort int) result.Result[ports.TunnelOptions] {
	opts := t.options(localPort, remotePort)
	if transport == nil {
		return result.OK(opts)
	}
	if err := (domain.Port{HostPort: localPort, ContainerPort: remotePort}).Validate(); err != nil {
		return result.Fail(opts, err)
	}

	ok, err := transport.TunnelStart(ctx, opts)
	if err != nil {
		return result.Fail(opts, fmt.Errorf("%w: starting tunnel %d->%d: %w", domain.ErrTransport, localPort, remotePort, err))
	}
	if !ok {
		return result.Fail(opts, fmt.Errorf("%w: tunnel %d->%d was not established", domain.ErrTransport, localPort, remotePort))
	}
	t.logger().Info("tunnel started",
		zap.String("resource", transport.Resource().Name),
		zap.Int("local_port", localPort),
		zap.Int("remote_port", remotePort))
	return result.OK(opts)
}

// Release tears the forward down. Releasing a forward that does not exist
// succeeds with a notice, so manual stops are idempotent.
func (t Tunnels) Release(ctx context.Context, transport ports.Transport, localPort, remotePort int) result.Result[ports.TunnelOptions] {
	opts := t.options(localPort, remotePort)
	if transport == nil {
		return result.OK(opts)
	}

	ok, err := transport.TunnelRelease(ctx, opts)
	if err != nil {
		return result.Fail(opts, fmt.Errorf("%w: releasing tunnel %d->%d: %w", domain.ErrTransport, localPort, remotePort, err))
	}
	r := result.OK(opts)
	if !ok {
		r.AddNotice("no tunnel open on local port %d", localPort)
		return r
	}
	t.logger().Info("tunnel released",
		zap.String("resource", transport.Resource().Name),
		zap.Int("local_port", localPort),
		zap.Int("remote_port", remotePort))
	return r
}
