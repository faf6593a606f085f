// Package engine drives a single repository through the fixed step sequence,
// resuming from whatever the state store already records.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/jonboulle/clockwork"
	"github.com/lucasnoah/batchpatch/internal/pipeline"
	"github.com/lucasnoah/batchpatch/internal/steps"
)

// ErrConfigurationDrift marks a repository whose recorded parameters differ
// from the current invocation's. Nothing is executed for it.
var ErrConfigurationDrift = errors.New("configuration drift")

// RepoStatus summarizes where a repository ended up after Process.
type RepoStatus string

const (
	StatusComplete    RepoStatus = "complete"
	StatusCommitted   RepoStatus = "committed" // stopped before push in no-push mode
	StatusFailed      RepoStatus = "failed"
	StatusDrift       RepoStatus = "drift"
	StatusInterrupted RepoStatus = "interrupted"
)

// RepoResult is the outcome of processing one repository.
type RepoResult struct {
	Target pipeline.Target
	Status RepoStatus
	Step   pipeline.StepKind // failing or interrupted step
	Reason string
	Detail string // detail of the last succeeded step; the PR URL when complete
	Err    error  // ErrConfigurationDrift for drift, nil otherwise
}

// Store is the part of pipeline.Store the engine needs.
type Store interface {
	RunID() string
	Repo(target pipeline.Target) (pipeline.RepoState, bool)
	BindMeta(target pipeline.Target, m pipeline.Meta) error
	RecordOutcome(target pipeline.Target, step pipeline.StepKind, o pipeline.Outcome) error
}

// Observer is told about every recorded step outcome.
type Observer interface {
	StepFinished(ctx context.Context, ev pipeline.StepEvent)
}

// Engine executes the per-repository pipeline.
type Engine struct {
	store       Store
	steps       steps.Set
	cfg         *steps.RunConfig
	noPush      bool
	stepTimeout time.Duration
	observers   []Observer
	clock       clockwork.Clock
}

// Option configures an Engine.
type Option func(*Engine)

// WithNoPush stops every repository after Commit.
func WithNoPush(noPush bool) Option {
	return func(e *Engine) { e.noPush = noPush }
}

// WithStepTimeout bounds each executor call. Zero means no bound.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) { e.stepTimeout = d }
}

// WithObserver registers an observer for step events.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithClock sets the clock used to time steps.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New creates an engine. set must hold an executor for every step.
func New(store Store, set steps.Set, cfg *steps.RunConfig, opts ...Option) (*Engine, error) {
	for _, s := range pipeline.Steps {
		if set[s] == nil {
			return nil, fmt.Errorf("no executor for step %s", s)
		}
	}
	e := &Engine{
		store: store,
		steps: set,
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Process runs the remaining steps for target. Step failures, drift and
// interrupts are reported in the result; only a store error is returned, and
// it should abort the whole run.
func (e *Engine) Process(ctx context.Context, target pipeline.Target) (RepoResult, error) {
	log := clog.FromContext(ctx).With("repo", target.String())
	ctx = clog.WithLogger(ctx, log)

	res := RepoResult{Target: target}
	meta := e.cfg.Meta()

	rs, known := e.store.Repo(target)
	if known && rs.Started() {
		if diff := rs.Meta.Diff(meta); len(diff) > 0 {
			res.Status = StatusDrift
			res.Err = ErrConfigurationDrift
			res.Reason = strings.Join(diff, "; ")
			log.Warnf("skipping: %v: %s", ErrConfigurationDrift, res.Reason)
			return res, nil
		}
	}
	if err := ctx.Err(); err != nil {
		res.Status = StatusInterrupted
		res.Reason = err.Error()
		return res, nil
	}
	if !known || rs.Meta != meta {
		if err := e.store.BindMeta(target, meta); err != nil {
			return res, fmt.Errorf("bind meta for %s: %w", target, err)
		}
	}

	for _, step := range pipeline.Steps {
		if known {
			if o := rs.Outcome(step); o.Status == pipeline.StatusSucceeded {
				res.Detail = o.Detail
				continue
			}
		}
		if e.noPush && (step == pipeline.StepPush || step == pipeline.StepCreatePR) {
			log.Infof("no-push mode: stopping before %s", step)
			res.Status = StatusCommitted
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			res.Status = StatusInterrupted
			res.Step = step
			res.Reason = err.Error()
			return res, nil
		}

		outcome, interrupted, dur := e.runStep(ctx, target, step)
		if interrupted {
			log.Warnf("step %s interrupted after %s, not recorded", step, dur.Round(time.Millisecond))
			res.Status = StatusInterrupted
			res.Step = step
			res.Reason = ctx.Err().Error()
			return res, nil
		}

		if err := e.store.RecordOutcome(target, step, outcome); err != nil {
			return res, fmt.Errorf("record %s for %s: %w", step, target, err)
		}
		e.notify(ctx, pipeline.StepEvent{
			RunID:    e.store.RunID(),
			Target:   target,
			Step:     step,
			Outcome:  outcome,
			Duration: dur,
		})

		if outcome.Status == pipeline.StatusFailed {
			log.Errorf("step %s failed: %s", step, outcome.Reason)
			res.Status = StatusFailed
			res.Step = step
			res.Reason = outcome.Reason
			return res, nil
		}
		log.Infof("step %s succeeded (%s) %s", step, dur.Round(time.Millisecond), outcome.Detail)
		res.Detail = outcome.Detail
	}

	res.Status = StatusComplete
	return res, nil
}

// runStep executes one step under the step timeout. interrupted is true when
// the parent context ended while the step ran; such a step is not recorded.
func (e *Engine) runStep(ctx context.Context, target pipeline.Target, step pipeline.StepKind) (outcome pipeline.Outcome, interrupted bool, dur time.Duration) {
	stepCtx := ctx
	cancel := context.CancelFunc(func() {})
	if e.stepTimeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
	}
	defer cancel()

	start := e.clock.Now()
	result, err := e.steps[step].Execute(stepCtx, target, e.cfg)
	dur = e.clock.Since(start)

	if err == nil {
		return pipeline.Succeeded(result.Detail), false, dur
	}
	if ctx.Err() != nil {
		return pipeline.Outcome{}, true, dur
	}
	reason := err.Error()
	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		reason = fmt.Sprintf("timed out after %s: %v", e.stepTimeout, err)
	}
	return pipeline.Failed(reason), false, dur
}

func (e *Engine) notify(ctx context.Context, ev pipeline.StepEvent) {
	for _, o := range e.observers {
		o.StepFinished(ctx, ev)
	}
}
