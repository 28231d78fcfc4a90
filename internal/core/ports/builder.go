package ports

import (
	"context"

	"github.com/melih/lighthouse/internal/core/domain"
)

type BuildOptions struct {
	NoCache bool
	Pull    bool
}

// BuildDriver builds the image a stack runs on.
type BuildDriver interface {
	// Build builds the stack image from its build context or git source.
	Build(ctx context.Context, stack domain.StackConfiguration, stdio domain.StdioPolicy, opts BuildOptions) error
	// IsBuilt reports whether the stack image already exists.
	IsBuilt(ctx context.Context, stack domain.StackConfiguration) (bool, error)
	RemoveImage(ctx context.Context, stack domain.StackConfiguration) error
}
