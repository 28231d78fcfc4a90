package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

// Adapter implements ports.BuildDriver on the Docker daemon. Stacks with a
// git source are cloned first, stacks with a context directory are built
// from it, and stacks with only an image are pulled.
type Adapter struct {
	cli    *client.Client
	logger *zap.Logger
	Out    io.Writer
}

var _ ports.BuildDriver = (*Adapter)(nil)

func NewBuilderAdapter(cli *client.Client, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{cli: cli, logger: logger, Out: os.Stdout}
}

type source int

const (
	sourceNone source = iota
	sourceGit
	sourceContext
	sourcePull
)

// sourceOf picks where the stack image comes from. A git URL wins over a
// context directory, and a plain image is pulled.
func sourceOf(stack domain.StackConfiguration) source {
	switch {
	case stack.Build.GitURL != "":
		return sourceGit
	case stack.Build.ContextDir != "":
		return sourceContext
	case stack.Image != "":
		return sourcePull
	}
	return sourceNone
}

func (a *Adapter) Build(ctx context.Context, stack domain.StackConfiguration, stdio domain.StdioPolicy, opts ports.BuildOptions) error {
	out := io.Discard
	if stdio == domain.StdioInherit {
		out = a.Out
	}
	image := stack.ImageRef()

	switch sourceOf(stack) {
	case sourceGit:
		tmpDir, err := os.MkdirTemp("", "lighthouse-build-*")
		if err != nil {
			return fmt.Errorf("failed to create temp dir: %w", err)
		}
		defer os.RemoveAll(tmpDir)

		if err := a.clone(ctx, stack.Build, tmpDir, out); err != nil {
			return err
		}
		return a.build(ctx, tmpDir, image, stack.Build.Dockerfile, opts, out)
	case sourceContext:
		return a.build(ctx, stack.Build.ContextDir, image, stack.Build.Dockerfile, opts, out)
	case sourcePull:
		return a.pull(ctx, image, out)
	}
	return fmt.Errorf("%w: stack %q has neither an image nor a build source", domain.ErrValidation, stack.Path)
}

func (a *Adapter) clone(ctx context.Context, build domain.BuildConfiguration, dir string, progress io.Writer) error {
	a.logger.Info("cloning build source", zap.String("url", build.GitURL), zap.String("ref", build.GitRef))
	cloneOpts := &git.CloneOptions{
		URL:      build.GitURL,
		Progress: progress,
		Depth:    1,
	}
	if build.GitRef != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(build.GitRef)
		cloneOpts.SingleBranch = true
	}
	if _, err := git.PlainCloneContext(ctx, dir, false, cloneOpts); err != nil {
		return fmt.Errorf("failed to clone repo: %w", err)
	}
	return nil
}

func (a *Adapter) build(ctx context.Context, contextDir, image, dockerfile string, opts ports.BuildOptions, out io.Writer) error {
	dockerfile, err := dockerfilePath(contextDir, dockerfile)
	if err != nil {
		return err
	}

	tar, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}
	defer tar.Close()

	a.logger.Info("building image", zap.String("image", image), zap.String("context", contextDir))
	resp, err := a.cli.ImageBuild(ctx, tar, types.ImageBuildOptions{
		Tags:       []string{image},
		Dockerfile: dockerfile,
		Remove:     true,
		NoCache:    opts.NoCache,
		PullParent: opts.Pull,
	})
	if err != nil {
		return fmt.Errorf("failed to build image: %w", err)
	}
	defer resp.Body.Close()

	// The build only finishes once the body is drained; errors arrive in
	// the message stream.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, out, 0, false, nil); err != nil {
		return fmt.Errorf("failed to build image %s: %w", image, err)
	}
	return nil
}

func (a *Adapter) pull(ctx context.Context, image string, out io.Writer) error {
	a.logger.Info("pulling image", zap.String("image", image))
	reader, err := a.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(reader, out, 0, false, nil); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	return nil
}

func (a *Adapter) IsBuilt(ctx context.Context, stack domain.StackConfiguration) (bool, error) {
	_, _, err := a.cli.ImageInspectWithRaw(ctx, stack.ImageRef())
	if client.IsErrNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect image: %w", err)
	}
	return true, nil
}

func (a *Adapter) RemoveImage(ctx context.Context, stack domain.StackConfiguration) error {
	_, err := a.cli.ImageRemove(ctx, stack.ImageRef(), types.ImageRemoveOptions{PruneChildren: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove image: %w", err)
	}
	return nil
}

// dockerfilePath returns the Dockerfile location relative to the build
// context, which is what the daemon expects.
func dockerfilePath(contextDir, dockerfile string) (string, error) {
	if dockerfile == "" {
		return "Dockerfile", nil
	}
	if !filepath.IsAbs(dockerfile) {
		return dockerfile, nil
	}
	rel, err := filepath.Rel(contextDir, dockerfile)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: dockerfile %s is outside the build context %s", domain.ErrValidation, dockerfile, contextDir)
	}
	return rel, nil
}
