package steps

import (
	"context"

	"github.com/lucasnoah/batchpatch/internal/pipeline"
)

// Branch creates the work branch, or checks it out if it already exists.
type Branch struct {
	git Git
}

func (s *Branch) Execute(ctx context.Context, target pipeline.Target, cfg *RunConfig) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := s.git.CreateBranch(cfg.CheckoutDir(target), cfg.Branch); err != nil {
		return Result{}, err
	}
	return Result{Detail: cfg.Branch}, nil
}
