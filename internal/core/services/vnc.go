package services

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/melih/lighthouse/internal/core/domain"
)

// vncBasePort is the port of display :0.
const vncBasePort = 5900

var vncSession = regexp.MustCompile(`(?m)^\s*:(\d+)\s+(\d+)`)

// VNC runs a remote desktop server. The display number follows from the
// resolved port. Args: "resolution" (WxH), "depth".
type VNC struct{}

func (VNC) Prefix() string { return "VNC" }

func (VNC) Ports() []NamedPort { return []NamedPort{{Name: "vnc", Port: vncBasePort + 1}} }

func (VNC) Probe() Probe {
	return Probe{Command: []string{"vncserver", "-list"}, Pattern: vncSession}
}

func (VNC) Command(opts domain.ServiceOptions, ports map[string]int) []string {
	display := max(ports["vnc"]-vncBasePort, 1)
	return []string{
		"vncserver", fmt.Sprintf(":%d", display),
		"-geometry", opts.Arg("resolution", "1920x1080"),
		"-depth", opts.Arg("depth", "24"),
		"-SecurityTypes", "None",
		"-localhost", "no",
		"-fg",
	}
}

func (VNC) Entrypoint(domain.ServiceOptions) []string { return nil }

func (VNC) Parse(_ string, match []string) map[string]string {
	fields := map[string]string{"display": match[1], "pid": match[2]}
	if d, err := strconv.Atoi(match[1]); err == nil {
		fields["port"] = strconv.Itoa(vncBasePort + d)
	}
	return fields
}
