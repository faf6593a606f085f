package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/chainguard-dev/clog/slogtest"
	"github.com/google/go-cmp/cmp"
	"github.com/lucasnoah/batchpatch/internal/engine"
	"github.com/lucasnoah/batchpatch/internal/pipeline"
	"github.com/lucasnoah/batchpatch/internal/steps"
)

// world stands in for git and GitHub: every executor succeeds unless told
// otherwise, and calls are counted per (repo, step).
type world struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls map[string]int
}

func newWorld() *world {
	return &world{fail: map[string]bool{}, calls: map[string]int{}}
}

func (w *world) executors() steps.Set {
	set := steps.Set{}
	for _, step := range pipeline.Steps {
		set[step] = steps.ExecutorFunc(func(_ context.Context, t pipeline.Target, _ *steps.RunConfig) (steps.Result, error) {
			k := t.String() + "/" + string(step)
			w.mu.Lock()
			defer w.mu.Unlock()
			w.calls[k]++
			if w.fail[k] {
				return steps.Result{}, errors.New(string(step) + " rejected")
			}
			return steps.Result{Detail: string(step) + " done"}, nil
		})
	}
	return set
}

func (w *world) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.calls {
		n += c
	}
	return n
}

type invocation struct {
	branch string
	noPush bool
}

// run performs one full invocation against the state file at path, loading
// it fresh each time the way separate processes would.
func run(t *testing.T, path string, w *world, inv invocation, list ...string) *Report {
	t.Helper()
	ctx := slogtest.Context(t)
	store, err := pipeline.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := &steps.RunConfig{
		Branch:        inv.branch,
		Source:        pipeline.DiffFile("/fix.diff"),
		CommitMessage: "Apply batchpatch changes",
		WorkDir:       t.TempDir(),
	}
	if err := store.InitMeta(cfg.Meta()); err != nil {
		t.Fatalf("InitMeta: %v", err)
	}
	eng, err := engine.New(store, w.executors(), cfg, engine.WithNoPush(inv.noPush))
	if err != nil {
		t.Fatal(err)
	}
	report, err := NewDriver(eng, store, WithParallel(2), WithNoPush(inv.noPush)).Run(ctx, targets(list...))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return report
}

func stepStatuses(t *testing.T, path, repo string) []pipeline.Status {
	t.Helper()
	store, err := pipeline.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var out []pipeline.Status
	for _, s := range pipeline.Steps {
		out = append(out, store.OutcomeOf(pipeline.MustParseTarget(repo), s).Status)
	}
	return out
}

const (
	sOK = pipeline.StatusSucceeded
	sNo = pipeline.StatusNotStarted
	sKO = pipeline.StatusFailed
)

func TestE2EAllSucceed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	w := newWorld()

	report := run(t, path, w, invocation{branch: "fix"}, "org/a")
	if !report.OK() {
		t.Fatalf("report not OK: %+v", report.Results)
	}
	if diff := cmp.Diff([]pipeline.Status{sOK, sOK, sOK, sOK, sOK, sOK}, stepStatuses(t, path, "org/a")); diff != "" {
		t.Errorf("statuses (-want +got):\n%s", diff)
	}

	// A second invocation makes no executor calls.
	before := w.total()
	report = run(t, path, w, invocation{branch: "fix"}, "org/a")
	if !report.OK() {
		t.Error("rerun not OK")
	}
	if w.total() != before {
		t.Errorf("rerun made %d executor calls, want 0", w.total()-before)
	}
}

func TestE2EPatchFailureAndRetry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	w := newWorld()
	w.fail["org/a/patch"] = true

	report := run(t, path, w, invocation{branch: "fix"}, "org/a", "org/b")
	if report.OK() {
		t.Fatal("report should fail")
	}
	if diff := cmp.Diff([]pipeline.Status{sOK, sOK, sKO, sNo, sNo, sNo}, stepStatuses(t, path, "org/a")); diff != "" {
		t.Errorf("org/a statuses (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]pipeline.Status{sOK, sOK, sOK, sOK, sOK, sOK}, stepStatuses(t, path, "org/b")); diff != "" {
		t.Errorf("org/b statuses (-want +got):\n%s", diff)
	}

	w.fail["org/a/patch"] = false
	report = run(t, path, w, invocation{branch: "fix"}, "org/a", "org/b")
	if !report.OK() {
		t.Fatalf("retry not OK: %+v", report.Results)
	}
	if w.calls["org/a/patch"] != 2 || w.calls["org/a/clone"] != 1 || w.calls["org/b/clone"] != 1 {
		t.Errorf("calls = %v", w.calls)
	}
}

func TestE2ENoPush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	w := newWorld()

	report := run(t, path, w, invocation{branch: "fix", noPush: true}, "org/a")
	if !report.OK() {
		t.Fatalf("no-push run should be OK: %+v", report.Results)
	}
	if diff := cmp.Diff([]pipeline.Status{sOK, sOK, sOK, sOK, sNo, sNo}, stepStatuses(t, path, "org/a")); diff != "" {
		t.Errorf("statuses (-want +got):\n%s", diff)
	}

	report = run(t, path, w, invocation{branch: "fix"}, "org/a")
	if !report.OK() {
		t.Fatal("follow-up run should complete")
	}
	if w.calls["org/a/push"] != 1 || w.calls["org/a/commit"] != 1 {
		t.Errorf("calls = %v", w.calls)
	}
}

func TestE2EDrift(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	w := newWorld()
	w.fail["org/a/push"] = true

	run(t, path, w, invocation{branch: "fix"}, "org/a")
	w.fail["org/a/push"] = false

	report := run(t, path, w, invocation{branch: "other"}, "org/a", "org/b")
	byRepo := map[string]engine.RepoStatus{}
	for _, r := range report.Results {
		byRepo[r.Target.String()] = r.Status
	}
	if byRepo["org/a"] != engine.StatusDrift {
		t.Errorf("org/a = %q, want drift", byRepo["org/a"])
	}
	if byRepo["org/b"] != engine.StatusComplete {
		t.Errorf("org/b = %q, want complete", byRepo["org/b"])
	}
	if report.OK() {
		t.Error("drift should make the report fail")
	}
	if w.calls["org/a/push"] != 1 {
		t.Errorf("drifted repo retried push: %v", w.calls)
	}
}

func TestE2EOrphanedStateKept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	w := newWorld()
	run(t, path, w, invocation{branch: "fix"}, "org/a", "org/b")

	report := run(t, path, w, invocation{branch: "fix"}, "org/a")
	if diff := cmp.Diff([]string{"org/b"}, report.Orphaned); diff != "" {
		t.Errorf("orphaned (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]pipeline.Status{sOK, sOK, sOK, sOK, sOK, sOK}, stepStatuses(t, path, "org/b")); diff != "" {
		t.Errorf("orphaned entry changed (-want +got):\n%s", diff)
	}
}
