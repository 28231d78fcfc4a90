package process

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReturnsStdout(t *testing.T) {
	out, err := NewRunner(nil).Run(context.Background(), "printf", "%s %s", "hello", "world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(out))
}

func TestRunIncludesStderrInError(t *testing.T) {
	_, err := NewRunner(nil).Run(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())
}

func TestRunMissingExecutable(t *testing.T) {
	_, err := NewRunner(nil).Run(context.Background(), "lighthouse-no-such-binary")
	assert.Error(t, err)
}

func TestRunHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewRunner(nil).Run(ctx, "sleep", "5")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
}
