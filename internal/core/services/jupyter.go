package services

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/melih/lighthouse/internal/core/domain"
)

const (
	JupyterLab      = "lab"
	JupyterNotebook = "notebook"
)

var jupyterURL = regexp.MustCompile(`https?://\S+\?\S*token=[^\s&]+\S*`)

// Jupyter runs a notebook or lab server. Args: "mode" (lab or notebook).
type Jupyter struct{}

func (Jupyter) Prefix() string { return "Jupyter" }

func (Jupyter) Ports() []NamedPort { return []NamedPort{{Name: "jupyter", Port: 8888}} }

func (Jupyter) Probe() Probe {
	return Probe{
		Command: []string{"sh", "-c", "jupyter server list 2>/dev/null || jupyter notebook list"},
		Pattern: jupyterURL,
	}
}

func (Jupyter) Command(opts domain.ServiceOptions, ports map[string]int) []string {
	mode := opts.Arg("mode", JupyterLab)
	if mode != JupyterNotebook {
		mode = JupyterLab
	}
	return []string{
		"jupyter", mode,
		"--ip=0.0.0.0",
		fmt.Sprintf("--port=%d", ports["jupyter"]),
		"--no-browser",
		"--allow-root",
	}
}

func (Jupyter) Entrypoint(domain.ServiceOptions) []string { return nil }

// Parse extracts the server url and its access token.
func (Jupyter) Parse(_ string, match []string) map[string]string {
	fields := map[string]string{"url": match[0]}
	if u, err := url.Parse(match[0]); err == nil {
		fields["token"] = u.Query().Get("token")
	}
	return fields
}
