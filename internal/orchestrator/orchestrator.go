// Package orchestrator runs the pipeline engine across a list of
// repositories and aggregates the outcome into a Report.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/jonboulle/clockwork"
	"github.com/lucasnoah/batchpatch/internal/engine"
	"github.com/lucasnoah/batchpatch/internal/pipeline"
	"golang.org/x/sync/errgroup"
)

// Processor runs one repository to its terminal state for this invocation.
type Processor interface {
	Process(ctx context.Context, target pipeline.Target) (engine.RepoResult, error)
}

// StateLister lists every repository the state file knows about.
type StateLister interface {
	Repos() []pipeline.RepoState
}

// RepoObserver is told when a repository reaches its terminal state.
type RepoObserver interface {
	RepoFinished(ctx context.Context, res engine.RepoResult)
}

// Driver iterates targets through a Processor.
type Driver struct {
	proc      Processor
	state     StateLister
	parallel  int
	noPush    bool
	observers []RepoObserver
	clock     clockwork.Clock
}

// Option configures a Driver.
type Option func(*Driver)

// WithParallel processes up to n repositories at once.
func WithParallel(n int) Option {
	return func(d *Driver) { d.parallel = n }
}

// WithNoPush marks the run as no-push, so committed repositories count as done.
func WithNoPush(noPush bool) Option {
	return func(d *Driver) { d.noPush = noPush }
}

// WithRepoObserver registers an observer for finished repositories.
func WithRepoObserver(o RepoObserver) Option {
	return func(d *Driver) { d.observers = append(d.observers, o) }
}

// WithClock sets the clock used to time the run.
func WithClock(c clockwork.Clock) Option {
	return func(d *Driver) { d.clock = c }
}

// NewDriver creates a Driver. state may be nil, in which case orphaned
// entries are not reported.
func NewDriver(proc Processor, state StateLister, opts ...Option) *Driver {
	d := &Driver{proc: proc, state: state, parallel: 1, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(d)
	}
	if d.parallel < 1 {
		d.parallel = 1
	}
	return d
}

// Run processes every target. A repository failure never stops the others;
// an error from the Processor (a state store failure) aborts the run and is
// returned.
func (d *Driver) Run(ctx context.Context, targets []pipeline.Target) (*Report, error) {
	log := clog.FromContext(ctx)
	start := d.clock.Now()
	log.Infof("processing %d repositories (parallel=%d)", len(targets), d.parallel)

	results := make([]engine.RepoResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallel)
	for i, t := range targets {
		g.Go(func() error {
			res, err := d.proc.Process(gctx, t)
			if err != nil {
				return fmt.Errorf("%s: %w", t, err)
			}
			results[i] = res
			for _, o := range d.observers {
				o.RepoFinished(gctx, res)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		Results:  results,
		Orphaned: d.orphaned(targets),
		NoPush:   d.noPush,
		Elapsed:  d.clock.Since(start),
	}
	if len(report.Orphaned) > 0 {
		log.Warnf("%d repositories in the state file are not in the list: %v", len(report.Orphaned), report.Orphaned)
	}
	return report, nil
}

// orphaned returns state entries whose repository is not in targets. They
// are left untouched in the state file.
func (d *Driver) orphaned(targets []pipeline.Target) []string {
	if d.state == nil {
		return nil
	}
	listed := make(map[string]bool, len(targets))
	for _, t := range targets {
		listed[t.String()] = true
	}
	var out []string
	for _, rs := range d.state.Repos() {
		if !listed[rs.Target] {
			out = append(out, rs.Target)
		}
	}
	return out
}
