package services

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/network"
	"github.com/melih/lighthouse/internal/core/retry"
	"github.com/melih/lighthouse/internal/core/result"
)

const (
	SyncRemote = "remote"
	SyncLocal  = "local"

	// labelSyncConnect records the local end of the tunnel the local agent
	// reaches its remote peer through.
	labelSyncConnect = "lighthouse.sync-connect-port"

	syncPortBase = 22000
)

// SyncPair keeps a project directory in sync between a remote and a local
// Syncthing agent. The remote agent starts first; once it reports its
// device id the local agent is started paired with it.
type SyncPair struct {
	*Multi
	remote  *Generic
	local   *Generic
	tunnels network.Tunnels
	wait    retry.Options
	// PeerHost is how the local agent's job reaches the host it runs on.
	PeerHost string
	logger   *zap.Logger
}

func NewSyncPair(remote, local *Generic, tunnels network.Tunnels, wait retry.Options, logger *zap.Logger) *SyncPair {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &SyncPair{
		Multi:    NewMulti(map[string]Service{SyncRemote: remote, SyncLocal: local}, SyncRemote, SyncLocal),
		remote:   remote,
		local:    local,
		tunnels:  tunnels,
		wait:     wait,
		PeerHost: "host.docker.internal",
		logger:   logger,
	}
	p.OnStart(SyncRemote, p.pairLocal)
	return p
}

// Start brings up both agents for id. Unless a folder is given, each
// agent shares the project directory of its own job.
func (p *SyncPair) Start(ctx context.Context, id domain.ServiceIdentifier, remoteOpts, localOpts domain.ServiceOptions) map[string]result.Result[domain.ServiceInfo] {
	remoteOpts = withProjectFolder(p.remote, id, remoteOpts)
	localOpts = withProjectFolder(p.local, id, localOpts)
	return p.Multi.Start(ctx, id, map[string]domain.ServiceOptions{SyncRemote: remoteOpts, SyncLocal: localOpts})
}

func withProjectFolder(svc *Generic, id domain.ServiceIdentifier, opts domain.ServiceOptions) domain.ServiceOptions {
	if id.ProjectRoot == "" || opts.Arg(ArgSyncFolder, "") != "" {
		return opts
	}
	opts = opts.Copy()
	if opts.Args == nil {
		opts.Args = map[string]string{}
	}
	opts.Args[ArgSyncFolder] = svc.Manager().ProjectDir(opts.Stack, id.ProjectRoot)
	return opts
}

// Stop stops both agents and closes the peer tunnel. Synced files need no
// copy back.
func (p *SyncPair) Stop(ctx context.Context, id *domain.ServiceIdentifier) map[string]result.Result[[]string] {
	transport := p.remote.Manager().Transport()
	var connects []int
	peer := 0
	if transport != nil {
		for _, job := range p.local.find(ctx, id, true).Value {
			if port, err := strconv.Atoi(job.Label(labelSyncConnect)); err == nil {
				connects = append(connects, port)
			}
		}
		if remote := p.remote.List(ctx, id); remote.Success && len(remote.Value) > 0 {
			peer = remote.Value[0].ServicePorts["listen"]
		}
	}

	results := p.Multi.Stop(ctx, id, nil)
	if len(connects) == 0 {
		return results
	}
	local := results[SyncLocal]
	for _, connect := range connects {
		result.Absorb(&local, p.tunnels.Release(ctx, transport, connect, peer))
	}
	results[SyncLocal] = local
	return results
}

// pairLocal waits for the remote agent's device id and points the local
// agent at it. The local listen, connect and gui ports are taken as one
// free triad.
func (p *SyncPair) pairLocal(ctx context.Context, id domain.ServiceIdentifier, started result.Result[domain.ServiceInfo], opts map[string]domain.ServiceOptions) result.Result[struct{}] {
	out := result.OK(struct{}{})
	if !started.Success {
		out.AddWarning("remote sync agent did not start, local agent will not be paired")
		return out
	}

	ready := p.remote.WaitReady(ctx, id, p.wait)
	result.Absorb(&out, ready)
	if !ready.Success {
		return out
	}
	deviceID := ready.Value.Fields["device_id"]
	remoteListen := started.Value.ServicePorts["listen"]

	triad := network.NextAvailablePorts(ctx, p.local.Manager().PortChecker(), syncPortBase, 3)
	result.Absorb(&out, triad)
	if !triad.Success {
		return out
	}
	listen, connect, gui := triad.Value[0], triad.Value[1], triad.Value[2]

	local := opts[SyncLocal].Copy()
	local.Ports = append(local.Ports,
		domain.Port{HostPort: listen, ContainerPort: 22000, Address: network.LoopbackAddress},
		domain.Port{HostPort: gui, ContainerPort: 8384, Address: network.LoopbackAddress},
	)
	if local.Args == nil {
		local.Args = map[string]string{}
	}
	local.Args[ArgPeerDeviceID] = deviceID

	peerPort := remoteListen
	if transport := p.remote.Manager().Transport(); transport != nil {
		tunnel := p.tunnels.Start(ctx, transport, connect, remoteListen)
		result.Absorb(&out, tunnel)
		if !tunnel.Success {
			return out
		}
		peerPort = connect
		if local.Labels == nil {
			local.Labels = map[string]string{}
		}
		local.Labels[labelSyncConnect] = strconv.Itoa(connect)
	}
	local.Args[ArgPeerAddress] = fmt.Sprintf("tcp://%s:%d", p.PeerHost, peerPort)
	opts[SyncLocal] = local

	p.logger.Info("paired sync agents", zap.String("device_id", deviceID), zap.Int("peer_port", peerPort))
	return out
}
