package steps

import (
	"context"
	"errors"

	"github.com/lucasnoah/batchpatch/internal/github"
	"github.com/lucasnoah/batchpatch/internal/pipeline"
)

// CreatePR opens a pull request for the pushed branch, reusing an open one.
type CreatePR struct {
	prs PullRequests
}

func (s *CreatePR) Execute(ctx context.Context, target pipeline.Target, cfg *RunConfig) (Result, error) {
	if s.prs == nil {
		return Result{}, errors.New("no GitHub client configured")
	}
	title, body := cfg.PullRequest.Title, cfg.PullRequest.Body
	if title == "" {
		title = DefaultPRTitle
	}
	if body == "" {
		body = DefaultPRBody
	}
	pr, err := s.prs.OpenPullRequest(ctx, github.PRCreateOpts{
		Owner:  target.Owner,
		Repo:   target.Name,
		Branch: cfg.Branch,
		Base:   cfg.PullRequest.Base,
		Title:  title,
		Body:   body,
		Draft:  cfg.PullRequest.Draft,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Detail: pr.URL}, nil
}
