package services

import (
	"fmt"
	"regexp"

	"github.com/melih/lighthouse/internal/core/domain"
)

const defaultTheiaMain = "/home/theia/src-gen/backend/main.js"

var theiaProcess = regexp.MustCompile(`node \S*main\.js.*--port=(\d+)`)

// Theia runs the browser IDE. Args: "main" (backend entry script),
// "workspace" (directory opened in the IDE).
type Theia struct{}

func (Theia) Prefix() string { return "Theia" }

func (Theia) Ports() []NamedPort { return []NamedPort{{Name: "theia", Port: 3000}} }

func (Theia) Probe() Probe {
	return Probe{Command: []string{"ps", "-eo", "args"}, Pattern: theiaProcess}
}

// Command is a single shell line; the entrypoint runs it with sh -c.
func (Theia) Command(opts domain.ServiceOptions, ports map[string]int) []string {
	return []string{fmt.Sprintf("node %s %s --hostname=0.0.0.0 --port=%d",
		opts.Arg("main", defaultTheiaMain), opts.Arg("workspace", "."), ports["theia"])}
}

func (Theia) Entrypoint(domain.ServiceOptions) []string { return []string{"sh", "-c"} }

func (Theia) Parse(_ string, match []string) map[string]string {
	return map[string]string{"port": match[1]}
}
