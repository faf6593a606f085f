package steps

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chainguard-dev/clog/slogtest"
	"github.com/google/go-cmp/cmp"
	"github.com/lucasnoah/batchpatch/internal/git"
	"github.com/lucasnoah/batchpatch/internal/github"
	"github.com/lucasnoah/batchpatch/internal/pipeline"
)

type fakeGit struct {
	calls      []string
	reused     bool
	cloneErr   error
	branchErr  error
	changed    [][]string // successive ChangedFiles results
	discarded  int
	discardErr error
	commitHash string
	commitErr  error
	pushErr    error
	gotAuthor  git.Signature
}

func (f *fakeGit) Clone(_ context.Context, url, dir string) (bool, error) {
	f.calls = append(f.calls, "clone "+url+" "+dir)
	return f.reused, f.cloneErr
}

func (f *fakeGit) CreateBranch(dir, branch string) error {
	f.calls = append(f.calls, "branch "+branch)
	return f.branchErr
}

func (f *fakeGit) ChangedFiles(dir string) ([]string, error) {
	f.calls = append(f.calls, "status")
	if len(f.changed) == 0 {
		return nil, nil
	}
	files := f.changed[0]
	f.changed = f.changed[1:]
	return files, nil
}

func (f *fakeGit) Discard(dir string) error {
	f.calls = append(f.calls, "discard")
	f.discarded++
	return f.discardErr
}

func (f *fakeGit) CommitAll(dir, message string, author git.Signature) (string, error) {
	f.calls = append(f.calls, "commit "+message)
	f.gotAuthor = author
	return f.commitHash, f.commitErr
}

func (f *fakeGit) Push(_ context.Context, dir, branch string) error {
	f.calls = append(f.calls, "push "+branch)
	return f.pushErr
}

type cmdCall struct {
	Dir  string
	Name string
	Args []string
}

type fakeCmd struct {
	calls  []cmdCall
	output string
	code   int
	err    error
}

func (f *fakeCmd) Run(_ context.Context, dir, name string, args ...string) (string, int, error) {
	f.calls = append(f.calls, cmdCall{Dir: dir, Name: name, Args: args})
	return f.output, f.code, f.err
}

type fakePRs struct {
	got github.PRCreateOpts
	url string
	err error
}

func (f *fakePRs) OpenPullRequest(_ context.Context, opts github.PRCreateOpts) (*github.PRCreateResult, error) {
	f.got = opts
	if f.err != nil {
		return nil, f.err
	}
	return &github.PRCreateResult{URL: f.url, Created: true}, nil
}

var target = pipeline.MustParseTarget("acme/widgets")

func testConfig() *RunConfig {
	return &RunConfig{
		Branch:        "batchpatch/fix",
		Source:        pipeline.DiffFile("/patches/fix.diff"),
		CommitMessage: "Apply batchpatch changes",
		Mode:          git.ModeSSH,
		WorkDir:       "/work",
		Author:        git.Signature{Name: "Bot", Email: "bot@example.com"},
	}
}

func TestRunConfigPaths(t *testing.T) {
	cfg := testConfig()
	if got, want := cfg.CheckoutDir(target), filepath.Join("/work", "acme", "widgets"); got != want {
		t.Errorf("CheckoutDir = %q, want %q", got, want)
	}
	if got := cfg.CloneURL(target); got != "git@github.com:acme/widgets.git" {
		t.Errorf("ssh CloneURL = %q", got)
	}
	cfg.Mode = git.ModeHTTPS
	if got := cfg.CloneURL(target); got != "https://github.com/acme/widgets.git" {
		t.Errorf("https CloneURL = %q", got)
	}
	want := pipeline.Meta{Branch: "batchpatch/fix", Source: pipeline.DiffFile("/patches/fix.diff"), CommitMessage: "Apply batchpatch changes"}
	if diff := cmp.Diff(want, cfg.Meta()); diff != "" {
		t.Errorf("Meta (-want +got):\n%s", diff)
	}
}

func TestNewSetCoversEveryStep(t *testing.T) {
	set := NewSet(&fakeGit{}, &fakePRs{}, &fakeCmd{})
	for _, step := range pipeline.Steps {
		if set[step] == nil {
			t.Errorf("no executor for %s", step)
		}
	}
}

func TestClone(t *testing.T) {
	g := &fakeGit{}
	res, err := (&Clone{git: g}).Execute(slogtest.Context(t), target, testConfig())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := "clone git@github.com:acme/widgets.git " + filepath.Join("/work", "acme", "widgets")
	if len(g.calls) != 1 || g.calls[0] != want {
		t.Errorf("calls = %v, want [%s]", g.calls, want)
	}
	if res.Detail != filepath.Join("/work", "acme", "widgets") {
		t.Errorf("Detail = %q", res.Detail)
	}

	g = &fakeGit{reused: true}
	res, err = (&Clone{git: g}).Execute(slogtest.Context(t), target, testConfig())
	if err != nil {
		t.Fatalf("Execute reused: %v", err)
	}
	if !strings.HasPrefix(res.Detail, "reused ") {
		t.Errorf("Detail = %q, want reused prefix", res.Detail)
	}

	g = &fakeGit{cloneErr: errors.New("repository not found")}
	if _, err := (&Clone{git: g}).Execute(slogtest.Context(t), target, testConfig()); err == nil {
		t.Fatal("expected clone error")
	}
}

func TestBranch(t *testing.T) {
	g := &fakeGit{}
	res, err := (&Branch{git: g}).Execute(slogtest.Context(t), target, testConfig())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Detail != "batchpatch/fix" || g.calls[0] != "branch batchpatch/fix" {
		t.Errorf("Detail = %q, calls = %v", res.Detail, g.calls)
	}

	ctx, cancel := context.WithCancel(slogtest.Context(t))
	cancel()
	g = &fakeGit{}
	if _, err := (&Branch{git: g}).Execute(ctx, target, testConfig()); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if len(g.calls) != 0 {
		t.Errorf("calls = %v, want none after cancel", g.calls)
	}
}

func TestPatchDiffFile(t *testing.T) {
	g := &fakeGit{changed: [][]string{{"a.go", "b.go"}}}
	cmd := &fakeCmd{output: "patching file a.go\npatching file b.go\n"}

	res, err := (&Patch{git: g, cmd: cmd}).Execute(slogtest.Context(t), target, testConfig())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Detail != "2 files changed" {
		t.Errorf("Detail = %q, want 2 files changed", res.Detail)
	}
	want := []cmdCall{{
		Dir:  filepath.Join("/work", "acme", "widgets"),
		Name: "patch",
		Args: []string{"-t", "--forward", "-p1", "-i", "/patches/fix.diff"},
	}}
	if diff := cmp.Diff(want, cmd.calls); diff != "" {
		t.Errorf("commands (-want +got):\n%s", diff)
	}
}

func TestPatchScript(t *testing.T) {
	g := &fakeGit{changed: [][]string{{"go.mod"}}}
	cmd := &fakeCmd{}
	cfg := testConfig()
	cfg.Source = pipeline.Script("/patches/bump.sh")

	res, err := (&Patch{git: g, cmd: cmd}).Execute(slogtest.Context(t), target, cfg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Detail != "1 file changed" {
		t.Errorf("Detail = %q", res.Detail)
	}
	if len(cmd.calls) != 1 || cmd.calls[0].Name != "/patches/bump.sh" || len(cmd.calls[0].Args) != 0 {
		t.Errorf("commands = %+v", cmd.calls)
	}
}

func TestPatchFailureDiscardsChanges(t *testing.T) {
	g := &fakeGit{}
	cmd := &fakeCmd{output: "1 out of 1 hunk FAILED -- saving rejects to file a.go.rej", code: 1}

	_, err := (&Patch{git: g, cmd: cmd}).Execute(slogtest.Context(t), target, testConfig())
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(err.Error(), "exited 1") || !strings.Contains(err.Error(), "hunk FAILED") {
		t.Errorf("error = %q, want exit code and output", err)
	}
	if g.discarded != 2 {
		t.Errorf("Discard called %d times, want before and after the attempt", g.discarded)
	}
}

func TestPatchNoChanges(t *testing.T) {
	g := &fakeGit{changed: [][]string{nil}}
	_, err := (&Patch{git: g, cmd: &fakeCmd{}}).Execute(slogtest.Context(t), target, testConfig())
	if !errors.Is(err, ErrNoChanges) {
		t.Fatalf("error = %v, want ErrNoChanges", err)
	}
}

func TestPatchCleansDirtyCheckoutFirst(t *testing.T) {
	// Leftovers from an interrupted attempt are thrown away and the change
	// is applied again from scratch.
	g := &fakeGit{changed: [][]string{{"a.go"}}}
	cmd := &fakeCmd{}
	res, err := (&Patch{git: g, cmd: cmd}).Execute(slogtest.Context(t), target, testConfig())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if diff := cmp.Diff([]string{"discard", "status"}, g.calls); diff != "" {
		t.Errorf("git calls (-want +got):\n%s", diff)
	}
	if len(cmd.calls) != 1 {
		t.Errorf("change source ran %d times, want 1", len(cmd.calls))
	}
	if res.Detail != "1 file changed" {
		t.Errorf("Detail = %q", res.Detail)
	}
}

func TestPatchFailsWhenCheckoutCannotBeCleaned(t *testing.T) {
	g := &fakeGit{discardErr: errors.New("index.lock exists")}
	cmd := &fakeCmd{}
	_, err := (&Patch{git: g, cmd: cmd}).Execute(slogtest.Context(t), target, testConfig())
	if err == nil || !strings.Contains(err.Error(), "index.lock") {
		t.Fatalf("error = %v, want discard failure", err)
	}
	if len(cmd.calls) != 0 {
		t.Errorf("change source ran on an unclean checkout: %+v", cmd.calls)
	}
}

func TestPatchUnknownSource(t *testing.T) {
	cfg := testConfig()
	cfg.Source = pipeline.ChangeSource{Kind: "tarball", Path: "/x"}
	if _, err := (&Patch{git: &fakeGit{}, cmd: &fakeCmd{}}).Execute(slogtest.Context(t), target, cfg); err == nil {
		t.Fatal("expected error for unknown source kind")
	}
}

func TestCommit(t *testing.T) {
	g := &fakeGit{commitHash: "abc123"}
	res, err := (&Commit{git: g}).Execute(slogtest.Context(t), target, testConfig())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Detail != "abc123" {
		t.Errorf("Detail = %q", res.Detail)
	}
	if g.gotAuthor.Email != "bot@example.com" {
		t.Errorf("author = %+v", g.gotAuthor)
	}

	g = &fakeGit{commitErr: git.ErrNothingToCommit}
	if _, err := (&Commit{git: g}).Execute(slogtest.Context(t), target, testConfig()); !errors.Is(err, git.ErrNothingToCommit) {
		t.Errorf("error = %v, want ErrNothingToCommit", err)
	}
}

func TestPush(t *testing.T) {
	g := &fakeGit{}
	res, err := (&Push{git: g}).Execute(slogtest.Context(t), target, testConfig())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Detail != "refs/heads/batchpatch/fix" {
		t.Errorf("Detail = %q", res.Detail)
	}

	g = &fakeGit{pushErr: errors.New("permission denied")}
	if _, err := (&Push{git: g}).Execute(slogtest.Context(t), target, testConfig()); err == nil {
		t.Fatal("expected push error")
	}
}

func TestCreatePRDefaults(t *testing.T) {
	prs := &fakePRs{url: "https://github.com/acme/widgets/pull/1"}
	res, err := (&CreatePR{prs: prs}).Execute(slogtest.Context(t), target, testConfig())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Detail != "https://github.com/acme/widgets/pull/1" {
		t.Errorf("Detail = %q", res.Detail)
	}
	want := github.PRCreateOpts{
		Owner:  "acme",
		Repo:   "widgets",
		Branch: "batchpatch/fix",
		Title:  DefaultPRTitle,
		Body:   DefaultPRBody,
	}
	if diff := cmp.Diff(want, prs.got); diff != "" {
		t.Errorf("PR options (-want +got):\n%s", diff)
	}
}

func TestCreatePRConfigured(t *testing.T) {
	prs := &fakePRs{url: "u"}
	cfg := testConfig()
	cfg.PullRequest = PullRequestOptions{Title: "Bump deps", Body: "See commits", Base: "develop", Draft: true}
	if _, err := (&CreatePR{prs: prs}).Execute(slogtest.Context(t), target, cfg); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if prs.got.Title != "Bump deps" || prs.got.Base != "develop" || !prs.got.Draft {
		t.Errorf("PR options = %+v", prs.got)
	}
}

func TestCreatePRWithoutClient(t *testing.T) {
	if _, err := (&CreatePR{}).Execute(slogtest.Context(t), target, testConfig()); err == nil {
		t.Fatal("expected error without a client")
	}
}

func TestExecRunner(t *testing.T) {
	dir := t.TempDir()
	out, code, err := ExecRunner{}.Run(context.Background(), dir, "sh", "-c", "pwd; echo oops >&2; exit 3")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	if !strings.Contains(out, "oops") {
		t.Errorf("output = %q, want stderr captured", out)
	}

	if _, _, err := (ExecRunner{}).Run(context.Background(), dir, filepath.Join(dir, "missing.sh")); err == nil {
		t.Error("expected error for missing executable")
	}
}

func TestTail(t *testing.T) {
	if got := tail("  short  ", 10); got != "short" {
		t.Errorf("tail = %q", got)
	}
	if got := tail("0123456789", 4); got != "...6789" {
		t.Errorf("tail = %q", got)
	}
}
