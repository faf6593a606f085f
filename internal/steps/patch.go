package steps

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/lucasnoah/batchpatch/internal/pipeline"
)

// ErrNoChanges is returned when the change source left the checkout untouched.
var ErrNoChanges = errors.New("change produced no file changes")

// Patch applies the change source to the checkout.
type Patch struct {
	git Git
	cmd CommandRunner
}

func (s *Patch) Execute(ctx context.Context, target pipeline.Target, cfg *RunConfig) (Result, error) {
	log := clog.FromContext(ctx)
	dir := cfg.CheckoutDir(target)

	// Always start from a clean tree; anything present was left by an
	// interrupted attempt or an earlier run.
	if err := s.git.Discard(dir); err != nil {
		return Result{}, fmt.Errorf("clean checkout before applying: %w", err)
	}

	var name string
	var args []string
	switch cfg.Source.Kind {
	case pipeline.SourceDiff:
		name, args = "patch", []string{"-t", "--forward", "-p1", "-i", cfg.Source.Path}
	case pipeline.SourceScript:
		name = cfg.Source.Path
	default:
		return Result{}, fmt.Errorf("unknown change source %q", cfg.Source.Kind)
	}

	log.Debugf("applying %s in %s", cfg.Source, dir)
	out, code, err := s.cmd.Run(ctx, dir, name, args...)
	if err == nil && code != 0 {
		err = fmt.Errorf("%s exited %d: %s", cfg.Source.Kind, code, tail(out, 500))
	}
	if err != nil {
		if derr := s.git.Discard(dir); derr != nil {
			log.Warnf("discard partial changes in %s: %v", dir, derr)
		}
		return Result{}, err
	}

	after, err := s.git.ChangedFiles(dir)
	if err != nil {
		return Result{}, err
	}
	if len(after) == 0 {
		return Result{}, ErrNoChanges
	}
	log.Infof("patched successfully, %d files updated", len(after))
	return Result{Detail: filesChanged(len(after))}, nil
}

func filesChanged(n int) string {
	if n == 1 {
		return "1 file changed"
	}
	return fmt.Sprintf("%d files changed", n)
}
