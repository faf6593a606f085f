package steps

import (
	"context"

	"github.com/chainguard-dev/clog"
	"github.com/lucasnoah/batchpatch/internal/pipeline"
)

// Clone checks out the repository under the work directory.
type Clone struct {
	git Git
}

func (s *Clone) Execute(ctx context.Context, target pipeline.Target, cfg *RunConfig) (Result, error) {
	dir := cfg.CheckoutDir(target)
	reused, err := s.git.Clone(ctx, cfg.CloneURL(target), dir)
	if err != nil {
		return Result{}, err
	}
	if reused {
		clog.FromContext(ctx).Infof("reusing existing checkout %s", dir)
		return Result{Detail: "reused " + dir}, nil
	}
	return Result{Detail: dir}, nil
}
