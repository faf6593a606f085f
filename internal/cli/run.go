package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/lucasnoah/batchpatch/internal/config"
	"github.com/lucasnoah/batchpatch/internal/db"
	"github.com/lucasnoah/batchpatch/internal/engine"
	"github.com/lucasnoah/batchpatch/internal/git"
	"github.com/lucasnoah/batchpatch/internal/github"
	"github.com/lucasnoah/batchpatch/internal/metrics"
	"github.com/lucasnoah/batchpatch/internal/orchestrator"
	"github.com/lucasnoah/batchpatch/internal/pipeline"
	"github.com/lucasnoah/batchpatch/internal/repolist"
	"github.com/lucasnoah/batchpatch/internal/steps"
	"github.com/spf13/cobra"
)

const defaultCommitMessage = "Apply batchpatch changes"

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Apply a change to every repository in a list, resuming from the state file",
		Args:  cobra.NoArgs,
		RunE:  runBatch,
	}
	f := cmd.Flags()
	f.String("config", "", "Config file (YAML or JSON)")
	f.String("state", "", "State file; created on first run")
	f.String("repos", "", "Repository list, one owner/name per line")
	f.String("mode", "ssh", "Clone protocol: ssh or https")
	f.String("branch", "", "Branch to create in each repository")
	f.String("patch-file", "", "Unified diff to apply with patch -p1")
	f.String("patch-script", "", "Executable run inside each checkout")
	f.String("message", defaultCommitMessage, "Commit message")
	f.Bool("no-push", false, "Stop after committing; skip push and pull request")
	f.Int("parallel", 1, "Repositories processed concurrently")
	f.String("workdir", ".", "Directory checkouts are cloned into")
	f.Bool("skip-invalid", false, "Skip malformed list lines instead of failing")
	f.String("base", "", "Pull request base branch (default: repository default branch)")
	f.String("pr-title", "", "Pull request title")
	f.String("pr-body", "", "Pull request body")
	f.Bool("draft", false, "Open pull requests as drafts")
	f.String("metrics-file", "", "Write Prometheus metrics to this file when the run ends")
	for _, name := range []string{"config", "state", "repos"} {
		_ = cmd.MarkFlagRequired(name)
	}
	cmd.MarkFlagsMutuallyExclusive("patch-file", "patch-script")
	return cmd
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := clog.FromContext(ctx)
	flags := cmd.Flags()

	configPath, _ := flags.GetString("config")
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		joined := make([]error, len(errs))
		for i, e := range errs {
			joined[i] = e
		}
		return fmt.Errorf("config %s: %w", configPath, errors.Join(joined...))
	}

	modeStr, _ := flags.GetString("mode")
	mode, err := git.ParseMode(modeStr)
	if err != nil {
		return err
	}

	reposPath, _ := flags.GetString("repos")
	skipInvalid, _ := flags.GetBool("skip-invalid")
	list, err := repolist.ReadFile(reposPath, repolist.Options{SkipInvalid: skipInvalid})
	if err != nil {
		return err
	}
	for _, s := range list.Skipped {
		log.Warnf("skipping %s %v", reposPath, s)
	}

	statePath, _ := flags.GetString("state")
	store, err := pipeline.Load(statePath)
	if err != nil {
		return err
	}

	meta, err := resolveMeta(cmd, store.Meta())
	if err != nil {
		return err
	}
	if err := store.InitMeta(meta); err != nil {
		return err
	}

	author := git.Signature{Name: cfg.GitUser.Name, Email: cfg.GitUser.Email}
	if author.Name == "" {
		if author, err = git.GlobalAuthor(); err != nil {
			return fmt.Errorf("no commit author: set git_user in the config or user.name and user.email in git: %w", err)
		}
	}

	workdir, _ := flags.GetString("workdir")
	if workdir, err = filepath.Abs(workdir); err != nil {
		return err
	}
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}

	noPush, _ := flags.GetBool("no-push")
	parallel, _ := flags.GetInt("parallel")
	rc := &steps.RunConfig{
		Branch:        meta.Branch,
		Source:        meta.Source,
		CommitMessage: meta.CommitMessage,
		Mode:          mode,
		WorkDir:       workdir,
		Author:        author,
		PullRequest:   pullRequestOptions(cmd, cfg.PullRequest),
	}

	gh, err := github.NewClient(ctx, github.Options{
		Token:         cfg.GitHubAccessToken,
		APIURL:        cfg.GitHubAPIURL,
		RatePerSecond: cfg.APIRatePerSecond,
	})
	if err != nil {
		return err
	}
	set := steps.NewSet(
		git.NewClient(git.Auth{Token: cfg.GitHubAccessToken, SSHKeyPath: cfg.GitSSHKeyPath}),
		gh,
		steps.ExecRunner{},
	)

	recorder := metrics.New()
	engOpts := []engine.Option{
		engine.WithNoPush(noPush),
		engine.WithStepTimeout(cfg.StepTimeoutDuration()),
		engine.WithObserver(recorder),
	}
	if cfg.EventsDSN != "" {
		events, err := db.Open(ctx, cfg.EventsDSN)
		if err != nil {
			return fmt.Errorf("event log: %w", err)
		}
		defer events.Close()
		if err := events.Migrate(ctx); err != nil {
			return fmt.Errorf("event log: %w", err)
		}
		engOpts = append(engOpts, engine.WithObserver(events))
	}

	eng, err := engine.New(store, set, rc, engOpts...)
	if err != nil {
		return err
	}
	driver := orchestrator.NewDriver(eng, store,
		orchestrator.WithParallel(parallel),
		orchestrator.WithNoPush(noPush),
		orchestrator.WithRepoObserver(recorder),
	)

	log.Infof("run %s: branch %s, %s, state %s", store.RunID(), meta.Branch, meta.Source, statePath)
	report, err := driver.Run(ctx, list.Targets)
	if err != nil {
		return err
	}
	for _, s := range list.Skipped {
		report.Skipped = append(report.Skipped, s.Error())
	}
	if err := report.Write(cmd.OutOrStdout()); err != nil {
		return err
	}

	if metricsFile, _ := flags.GetString("metrics-file"); metricsFile != "" {
		if err := recorder.WriteFile(metricsFile); err != nil {
			log.Warnf("%v", err)
		}
	}

	if !report.OK() {
		counts := report.Counts()
		return fmt.Errorf("%d of %d repositories did not finish", len(report.Results)-counts[engine.StatusComplete]-counts[engine.StatusCommitted], len(report.Results))
	}
	return nil
}

// resolveMeta merges the command line with the values recorded by an earlier
// run. Flags that were not given fall back to the recorded values; flags that
// were given win, and a mismatch surfaces later as per-repository drift.
func resolveMeta(cmd *cobra.Command, recorded pipeline.Meta) (pipeline.Meta, error) {
	flags := cmd.Flags()
	meta := recorded

	if branch, _ := flags.GetString("branch"); branch != "" {
		meta.Branch = branch
	}
	if meta.Branch == "" {
		return meta, errors.New("--branch is required on the first run")
	}
	if err := git.ValidateBranch(meta.Branch); err != nil {
		return meta, err
	}

	patchFile, _ := flags.GetString("patch-file")
	patchScript, _ := flags.GetString("patch-script")
	switch {
	case patchFile != "":
		path, err := existingFile(patchFile)
		if err != nil {
			return meta, fmt.Errorf("--patch-file: %w", err)
		}
		meta.Source = pipeline.DiffFile(path)
	case patchScript != "":
		path, err := existingFile(patchScript)
		if err != nil {
			return meta, fmt.Errorf("--patch-script: %w", err)
		}
		meta.Source = pipeline.Script(path)
	}
	if meta.Source.IsZero() {
		return meta, errors.New("one of --patch-file or --patch-script is required on the first run")
	}

	if flags.Changed("message") || meta.CommitMessage == "" {
		meta.CommitMessage, _ = flags.GetString("message")
	}
	return meta, nil
}

func existingFile(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", abs)
	}
	return abs, nil
}

// pullRequestOptions layers --base, --pr-title, --pr-body and --draft over
// the config file's pull_request section.
func pullRequestOptions(cmd *cobra.Command, pr config.PullRequest) steps.PullRequestOptions {
	flags := cmd.Flags()
	opts := steps.PullRequestOptions{Title: pr.Title, Body: pr.Body, Base: pr.Base, Draft: pr.Draft}
	if v, _ := flags.GetString("base"); v != "" {
		opts.Base = v
	}
	if v, _ := flags.GetString("pr-title"); v != "" {
		opts.Title = v
	}
	if v, _ := flags.GetString("pr-body"); v != "" {
		opts.Body = v
	}
	if flags.Changed("draft") {
		opts.Draft, _ = flags.GetBool("draft")
	}
	return opts
}
