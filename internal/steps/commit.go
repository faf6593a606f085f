package steps

import (
	"context"

	"github.com/lucasnoah/batchpatch/internal/pipeline"
)

// Commit stages and commits everything in the checkout.
type Commit struct {
	git Git
}

func (s *Commit) Execute(ctx context.Context, target pipeline.Target, cfg *RunConfig) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	hash, err := s.git.CommitAll(cfg.CheckoutDir(target), cfg.CommitMessage, cfg.Author)
	if err != nil {
		return Result{}, err
	}
	return Result{Detail: hash}, nil
}
