// Package github opens pull requests through the GitHub REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Options configures a Client.
type Options struct {
	// Token authenticates API calls. Empty means unauthenticated.
	Token string
	// APIURL overrides https://api.github.com/, e.g. for GitHub Enterprise.
	APIURL string
	// RatePerSecond caps outgoing API requests. Zero disables the limit.
	RatePerSecond float64
	// HTTPClient is the base client; http.DefaultClient when nil.
	HTTPClient *http.Client
}

// Client provides the pull request operations a batch run needs.
type Client struct {
	gh *github.Client
}

// NewClient builds a GitHub client from opts.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	base := opts.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if opts.Token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}),
			Base:   transport,
		}
	}
	if opts.RatePerSecond > 0 {
		transport = &limitedTransport{
			base:    transport,
			limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		}
	}

	gh := github.NewClient(&http.Client{Transport: transport, Timeout: base.Timeout})
	if opts.APIURL != "" {
		u, err := url.Parse(opts.APIURL)
		if err != nil {
			return nil, fmt.Errorf("parse github api url %q: %w", opts.APIURL, err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		gh.BaseURL = u
	}
	clog.FromContext(ctx).Debugf("github client using %s", gh.BaseURL)
	return &Client{gh: gh}, nil
}

// limitedTransport waits on a shared limiter before every request.
type limitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

// PRCreateOpts holds options for opening a PR.
type PRCreateOpts struct {
	Owner  string
	Repo   string
	Branch string // head branch in the same repository
	Base   string // target branch; the repository default when empty
	Title  string
	Body   string
	Draft  bool
}

// PRCreateResult identifies an open pull request.
type PRCreateResult struct {
	URL     string
	Number  int
	Created bool // false when an existing PR was reused
}

// FindPRByBranch returns the open PR whose head is branch, or nil if none
// exists.
func (c *Client) FindPRByBranch(ctx context.Context, owner, repo, branch string) (*PRCreateResult, error) {
	prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		State:       "open",
		Head:        owner + ":" + branch,
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("find PR by branch %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &PRCreateResult{URL: prs[0].GetHTMLURL(), Number: prs[0].GetNumber()}, nil
}

// DefaultBranch returns the repository's default branch.
func (c *Client) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("get repository %s/%s: %w", owner, repo, err)
	}
	if r.GetDefaultBranch() == "" {
		return "", fmt.Errorf("repository %s/%s has no default branch", owner, repo)
	}
	return r.GetDefaultBranch(), nil
}

// CreatePR opens a pull request from opts.Branch.
func (c *Client) CreatePR(ctx context.Context, opts PRCreateOpts) (*PRCreateResult, error) {
	if strings.HasPrefix(opts.Branch, "-") || opts.Branch == "" {
		return nil, fmt.Errorf("invalid branch name %q", opts.Branch)
	}
	base := opts.Base
	if base == "" {
		var err error
		if base, err = c.DefaultBranch(ctx, opts.Owner, opts.Repo); err != nil {
			return nil, err
		}
	}

	pr, _, err := c.gh.PullRequests.Create(ctx, opts.Owner, opts.Repo, &github.NewPullRequest{
		Title: github.Ptr(opts.Title),
		Body:  github.Ptr(opts.Body),
		Head:  github.Ptr(opts.Branch),
		Base:  github.Ptr(base),
		Draft: github.Ptr(opts.Draft),
	})
	if err != nil {
		return nil, fmt.Errorf("create PR %s -> %s: %w", opts.Branch, base, describe(err))
	}
	return &PRCreateResult{URL: pr.GetHTMLURL(), Number: pr.GetNumber(), Created: true}, nil
}

// OpenPullRequest reuses an open PR for the branch or creates one, so a
// retried step never opens a duplicate.
func (c *Client) OpenPullRequest(ctx context.Context, opts PRCreateOpts) (*PRCreateResult, error) {
	existing, err := c.FindPRByBranch(ctx, opts.Owner, opts.Repo, opts.Branch)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		clog.FromContext(ctx).Infof("reusing open pull request %s", existing.URL)
		return existing, nil
	}
	return c.CreatePR(ctx, opts)
}

// describe folds the API's validation messages into the error text.
func describe(err error) error {
	var ge *github.ErrorResponse
	if !errors.As(err, &ge) || len(ge.Errors) == 0 {
		return err
	}
	msgs := make([]string, 0, len(ge.Errors))
	for _, e := range ge.Errors {
		if e.Message != "" {
			msgs = append(msgs, e.Message)
		} else {
			msgs = append(msgs, e.Code)
		}
	}
	return fmt.Errorf("%w (%s)", err, strings.Join(msgs, "; "))
}
