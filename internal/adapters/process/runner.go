// Package process runs host executables such as rsync and ssh.
package process

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/melih/lighthouse/internal/core/ports"
)

// Runner implements ports.CommandRunner with os/exec.
type Runner struct {
	logger *zap.Logger
}

var _ ports.CommandRunner = (*Runner)(nil)

func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger}
}

// Run executes name and returns its stdout. On failure the error carries
// the trimmed stderr.
func (r *Runner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running command", zap.String("name", name), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return stdout.Bytes(), fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
		}
		return stdout.Bytes(), fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}
