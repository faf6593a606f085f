// Package steps implements the six pipeline step executors. Executors act on
// a single repository checkout and know nothing about persisted state.
package steps

import (
	"context"
	"path/filepath"

	"github.com/lucasnoah/batchpatch/internal/git"
	"github.com/lucasnoah/batchpatch/internal/github"
	"github.com/lucasnoah/batchpatch/internal/pipeline"
)

const (
	DefaultPRTitle = "(chore): Batchpatch operations"
	DefaultPRBody  = "Batchpatch applied some operations, please see the commit list for details"
)

// PullRequestOptions controls the CreatePR step.
type PullRequestOptions struct {
	Title string
	Body  string
	Base  string // repository default branch when empty
	Draft bool
}

// RunConfig is the invocation-wide configuration every executor reads.
type RunConfig struct {
	Branch        string
	Source        pipeline.ChangeSource
	CommitMessage string
	Mode          git.Mode
	WorkDir       string
	Author        git.Signature
	PullRequest   PullRequestOptions
}

// CheckoutDir is where target is cloned: <workdir>/<owner>/<name>.
func (c *RunConfig) CheckoutDir(t pipeline.Target) string {
	return filepath.Join(c.WorkDir, t.Owner, t.Name)
}

// CloneURL returns the remote URL for t under the configured mode.
func (c *RunConfig) CloneURL(t pipeline.Target) string {
	if c.Mode == git.ModeHTTPS {
		return t.HTTPSURL()
	}
	return t.SSHURL()
}

// Meta returns the parameter snapshot this configuration runs under.
func (c *RunConfig) Meta() pipeline.Meta {
	return pipeline.Meta{Branch: c.Branch, Source: c.Source, CommitMessage: c.CommitMessage}
}

// Result carries diagnostics from a successful step.
type Result struct {
	Detail string
}

// Executor performs one step for one repository. A returned error means the
// step failed; its message becomes the recorded reason.
type Executor interface {
	Execute(ctx context.Context, target pipeline.Target, cfg *RunConfig) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, target pipeline.Target, cfg *RunConfig) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, target pipeline.Target, cfg *RunConfig) (Result, error) {
	return f(ctx, target, cfg)
}

// Set maps every step to its executor.
type Set map[pipeline.StepKind]Executor

// Git is the subset of git.Client the executors use.
type Git interface {
	Clone(ctx context.Context, url, dir string) (bool, error)
	CreateBranch(dir, branch string) error
	ChangedFiles(dir string) ([]string, error)
	Discard(dir string) error
	CommitAll(dir, message string, author git.Signature) (string, error)
	Push(ctx context.Context, dir, branch string) error
}

// PullRequests is the subset of github.Client the CreatePR step uses.
type PullRequests interface {
	OpenPullRequest(ctx context.Context, opts github.PRCreateOpts) (*github.PRCreateResult, error)
}

// NewSet wires the real executors.
func NewSet(g Git, prs PullRequests, cmd CommandRunner) Set {
	return Set{
		pipeline.StepClone:    &Clone{git: g},
		pipeline.StepBranch:   &Branch{git: g},
		pipeline.StepPatch:    &Patch{git: g, cmd: cmd},
		pipeline.StepCommit:   &Commit{git: g},
		pipeline.StepPush:     &Push{git: g},
		pipeline.StepCreatePR: &CreatePR{prs: prs},
	}
}
