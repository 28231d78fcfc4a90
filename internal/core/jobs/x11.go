package jobs

import (
	"context"
	"path"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/result"
)

const containerX11Socket = "/tmp/.X11-unix"

// configureX11 shares the host display with the job. The Xauthority file
// has to land in the home of the user the image really runs as, which is
// why the username is probed rather than read from image metadata.
func (m *Generic) configureX11(ctx context.Context, cfg *domain.JobConfiguration) result.Result[struct{}] {
	out := result.OK(struct{}{})
	if m.Transport() != nil {
		out.AddWarning("x11 forwarding is not supported on remote resources")
		return out
	}
	if m.cfg.Display == "" {
		out.AddWarning("DISPLAY is not set, x11 forwarding skipped")
		return out
	}

	cfg.Stack.AddMount(domain.Mount{Type: domain.MountBind, Source: m.cfg.X11Socket, Target: containerX11Socket})
	cfg.Stack.SetEnv("DISPLAY", m.cfg.Display)
	if m.cfg.XAuthority == "" {
		return out
	}

	user := m.PeakUsername(ctx, cfg.Stack)
	result.Absorb(&out, user)
	if !user.Success {
		return out
	}
	home := "/root"
	if user.Value != "" && user.Value != "root" {
		home = path.Join("/home", user.Value)
	}
	target := path.Join(home, ".Xauthority")
	cfg.Stack.AddMount(domain.Mount{Type: domain.MountBind, Source: m.cfg.XAuthority, Target: target, ReadOnly: true})
	cfg.Stack.SetEnv("XAUTHORITY", target)
	return out
}
