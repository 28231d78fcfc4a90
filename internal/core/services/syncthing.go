package services

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/melih/lighthouse/internal/core/domain"
)

const (
	syncthingHome   = "/var/syncthing"
	syncthingFolder = "lighthouse"

	// Syncthing argument keys.
	ArgPeerDeviceID = "peer-device-id"
	ArgPeerAddress  = "peer-address"
	ArgSyncFolder   = "folder"
)

var syncthingDeviceID = regexp.MustCompile(`"myID":\s*"([A-Z0-9-]+)"`)

// Syncthing runs a file sync agent. The GUI port is the access port; the
// listen port accepts peers. Args: "peer-device-id" and "peer-address"
// (tcp://host:port) pair the agent with another one, "folder" is the
// shared directory inside the job.
type Syncthing struct{}

func (Syncthing) Prefix() string { return "Syncthing" }

func (Syncthing) Ports() []NamedPort {
	return []NamedPort{{Name: "gui", Port: 8384}, {Name: "listen", Port: 22000}}
}

func (Syncthing) Probe() Probe {
	return Probe{
		Command: []string{"syncthing", "cli", "--home=" + syncthingHome, "show", "system"},
		Pattern: syncthingDeviceID,
	}
}

// Command is a single shell line; the entrypoint runs it with sh -c.
func (Syncthing) Command(opts domain.ServiceOptions, ports map[string]int) []string {
	cli := "syncthing cli --home=" + syncthingHome
	var b strings.Builder
	fmt.Fprintf(&b, "syncthing generate --home=%s >/dev/null && ", syncthingHome)
	fmt.Fprintf(&b, "(syncthing serve --home=%s --no-browser --no-default-folder --gui-address=0.0.0.0:%d &) && ", syncthingHome, ports["gui"])
	fmt.Fprintf(&b, "until %s show system >/dev/null 2>&1; do sleep 1; done && ", cli)
	fmt.Fprintf(&b, "%s config options raw-listen-addresses add tcp://0.0.0.0:%d && ", cli, ports["listen"])
	fmt.Fprintf(&b, "%s config folders add --id %s --path %s", cli, syncthingFolder, opts.Arg(ArgSyncFolder, "/sync"))
	if peer := opts.Arg(ArgPeerDeviceID, ""); peer != "" {
		fmt.Fprintf(&b, " && %s config devices add --device-id %s --addresses %s", cli, peer, opts.Arg(ArgPeerAddress, "dynamic"))
		fmt.Fprintf(&b, " && %s config folders %s devices add --device-id %s", cli, syncthingFolder, peer)
	}
	b.WriteString(" && tail -f /dev/null")
	return []string{b.String()}
}

func (Syncthing) Entrypoint(domain.ServiceOptions) []string { return []string{"sh", "-c"} }

func (Syncthing) Parse(_ string, match []string) map[string]string {
	return map[string]string{"device_id": match[1]}
}
