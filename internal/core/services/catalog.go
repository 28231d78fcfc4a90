package services

import (
	"strings"

	"go.uber.org/zap"

	"github.com/melih/lighthouse/internal/core/jobs"
	"github.com/melih/lighthouse/internal/core/network"
)

// Specs lists the built-in services.
func Specs() []Spec {
	return []Spec{Jupyter{}, Theia{}, VNC{}, Syncthing{}}
}

// Catalog builds every built-in service on manager, keyed by lower-case
// name.
func Catalog(manager jobs.Manager, tunnels network.Tunnels, logger *zap.Logger) map[string]*Generic {
	out := map[string]*Generic{}
	for _, spec := range Specs() {
		out[strings.ToLower(spec.Prefix())] = New(spec, manager, tunnels, logger)
	}
	return out
}
