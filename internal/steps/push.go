package steps

import (
	"context"

	"github.com/lucasnoah/batchpatch/internal/pipeline"
)

// Push publishes the work branch to the repository's remote.
type Push struct {
	git Git
}

func (s *Push) Execute(ctx context.Context, target pipeline.Target, cfg *RunConfig) (Result, error) {
	if err := s.git.Push(ctx, cfg.CheckoutDir(target), cfg.Branch); err != nil {
		return Result{}, err
	}
	return Result{Detail: "refs/heads/" + cfg.Branch}, nil
}
