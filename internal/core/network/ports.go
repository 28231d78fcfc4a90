// Package network allocates ports on a target and manages the lifecycle of
// SSH tunnels to services exposed on remote resources.
package network

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/core/result"
)

const (
	maxPort = 65535
	// scanWindow is how many candidates are checked per round trip.
	scanWindow = 64

	ExposedAddress  = "0.0.0.0"
	LoopbackAddress = "127.0.0.1"
)

// BindAddress returns the default address a service port binds to.
func BindAddress(expose bool) string {
	if expose {
		return ExposedAddress
	}
	return LoopbackAddress
}

// DefaultPort picks the port binding for a service. An explicit port is
// always honored; its address defaults according to expose. Otherwise the
// first free port at or after startingPort is bound on both sides.
func DefaultPort(ctx context.Context, checker ports.PortChecker, explicit *domain.Port, expose bool, startingPort int) result.Result[domain.Port] {
	if explicit != nil {
		p := *explicit
		if p.Address == "" {
			p.Address = BindAddress(expose)
		}
		if err := p.Validate(); err != nil {
			return result.Fail(domain.Port{}, err)
		}
		return result.OK(p)
	}

	free := NextAvailablePorts(ctx, checker, startingPort, 1)
	if !free.Success {
		return result.Map(free, domain.Port{}, func([]int) domain.Port { return domain.Port{} })
	}
	port := free.Value[0]
	return result.OK(domain.Port{HostPort: port, ContainerPort: port, Address: BindAddress(expose)})
}

// NextAvailablePorts scans upward from start for n free ports on the
// checker's target.
func NextAvailablePorts(ctx context.Context, checker ports.PortChecker, start, n int) result.Result[[]int] {
	if n <= 0 {
		return result.OK([]int{})
	}
	if start <= 0 || start > maxPort {
		return result.Fail[[]int](nil, fmt.Errorf("%w: starting port %d out of range", domain.ErrValidation, start))
	}

	found := make([]int, 0, n)
	for base := start; base <= maxPort && len(found) < n; base += scanWindow {
		candidates := make([]int, 0, scanWindow)
		for p := base; p < base+scanWindow && p <= maxPort; p++ {
			candidates = append(candidates, p)
		}
		used, err := checker.UsedPorts(ctx, candidates)
		if err != nil {
			return result.Fail[[]int](nil, fmt.Errorf("%w: checking ports: %w", domain.ErrTransport, err))
		}
		for _, p := range candidates {
			if !used[p] {
				found = append(found, p)
				if len(found) == n {
					break
				}
			}
		}
	}
	if len(found) < n {
		return result.Fail[[]int](nil, fmt.Errorf("%w: only %d of %d free ports at or above %d", domain.ErrNotFound, len(found), n, start))
	}
	return result.OK(found)
}

// LocalChecker probes ports on this machine by trying to bind them.
type LocalChecker struct {
	// Address is the interface to probe; empty means all interfaces.
	Address string
}

func (c LocalChecker) UsedPorts(ctx context.Context, candidates []int) (map[int]bool, error) {
	used := make(map[int]bool, len(candidates))
	var lc net.ListenConfig
	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l, err := lc.Listen(ctx, "tcp", net.JoinHostPort(c.Address, strconv.Itoa(p)))
		if err != nil {
			used[p] = true
			continue
		}
		_ = l.Close()
	}
	return used, nil
}
