// Package git wraps the go-git operations a batch run needs: clone, branch,
// status, commit and push.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// ErrNothingToCommit is returned by CommitAll when the worktree is clean and
// HEAD does not already carry the requested commit.
var ErrNothingToCommit = errors.New("nothing to commit")

// Mode selects the clone transport.
type Mode string

const (
	ModeSSH   Mode = "ssh"
	ModeHTTPS Mode = "https"
)

// ParseMode accepts "ssh", "https" or "http" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ssh":
		return ModeSSH, nil
	case "https", "http":
		return ModeHTTPS, nil
	}
	return "", fmt.Errorf("invalid clone mode %q: must be ssh or https", s)
}

// Auth holds the credentials presented to remotes.
type Auth struct {
	Token      string // used as the password for https remotes
	SSHKeyPath string // private key for ssh remotes; ssh-agent when empty
}

// Signature identifies a commit author.
type Signature struct {
	Name  string
	Email string
}

// Client runs git operations with a fixed set of credentials.
type Client struct {
	auth Auth
	now  func() time.Time
}

// NewClient creates a git client.
func NewClient(auth Auth) *Client {
	return &Client{auth: auth, now: time.Now}
}

// authFor picks the auth method matching the transport of url.
func (c *Client) authFor(url string) (transport.AuthMethod, error) {
	ep, err := transport.NewEndpoint(url)
	if err != nil {
		return nil, fmt.Errorf("parse remote %q: %w", url, err)
	}
	switch ep.Protocol {
	case "ssh":
		if c.auth.SSHKeyPath != "" {
			keys, err := ssh.NewPublicKeysFromFile("git", c.auth.SSHKeyPath, "")
			if err != nil {
				return nil, fmt.Errorf("load ssh key %s: %w", c.auth.SSHKeyPath, err)
			}
			return keys, nil
		}
		agent, err := ssh.NewSSHAgentAuth("git")
		if err != nil {
			return nil, fmt.Errorf("ssh agent: %w", err)
		}
		return agent, nil
	case "http", "https":
		if c.auth.Token == "" {
			return nil, nil
		}
		return &githttp.BasicAuth{Username: "x-access-token", Password: c.auth.Token}, nil
	}
	return nil, nil
}

// Clone clones url into dir. If dir already holds a checkout whose origin is
// url, it is reused and reused is true: origin is fetched and the checkout is
// reset onto the remote default branch with a clean tree.
func (c *Client) Clone(ctx context.Context, url, dir string) (reused bool, err error) {
	if repo, err := gogit.PlainOpen(dir); err == nil {
		remote, err := repo.Remote("origin")
		if err != nil {
			return false, fmt.Errorf("existing checkout %s has no origin: %w", dir, err)
		}
		urls := remote.Config().URLs
		if len(urls) == 0 || urls[0] != url {
			return false, fmt.Errorf("existing checkout %s points at %v, want %s", dir, urls, url)
		}
		if err := c.resetToDefault(ctx, repo, remote); err != nil {
			return false, fmt.Errorf("reset existing checkout %s: %w", dir, err)
		}
		return true, nil
	}

	auth, err := c.authFor(url)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	_, err = gogit.PlainCloneContext(ctx, dir, false, &gogit.CloneOptions{
		URL:  url,
		Auth: auth,
	})
	if err != nil {
		return false, fmt.Errorf("clone %s: %w", url, err)
	}
	return false, nil
}

// resetToDefault fetches origin and checks out its default branch, discarding
// local commits, changes and untracked files left by earlier runs.
func (c *Client) resetToDefault(ctx context.Context, repo *gogit.Repository, remote *gogit.Remote) error {
	rc := remote.Config()
	auth, err := c.authFor(rc.URLs[0])
	if err != nil {
		return err
	}
	refs, err := remote.ListContext(ctx, &gogit.ListOptions{Auth: auth})
	if err != nil {
		return fmt.Errorf("list %s: %w", rc.Name, err)
	}
	branch, err := defaultBranch(refs)
	if err != nil {
		return err
	}

	err = repo.FetchContext(ctx, &gogit.FetchOptions{RemoteName: rc.Name, Auth: auth, Force: true})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch %s: %w", rc.Name, err)
	}
	tracking, err := repo.Reference(plumbing.NewRemoteReferenceName(rc.Name, branch.Short()), true)
	if err != nil {
		return fmt.Errorf("resolve %s/%s: %w", rc.Name, branch.Short(), err)
	}
	hash := tracking.Hash()

	if err := repo.Storer.SetReference(plumbing.NewHashReference(branch, hash)); err != nil {
		return fmt.Errorf("move %s: %w", branch.Short(), err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Branch: branch, Force: true}); err != nil {
		return fmt.Errorf("checkout %s: %w", branch.Short(), err)
	}
	if err := wt.Reset(&gogit.ResetOptions{Commit: hash, Mode: gogit.HardReset}); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := wt.Clean(&gogit.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	return nil
}

// defaultBranch finds the branch a remote's HEAD points at.
func defaultBranch(refs []*plumbing.Reference) (plumbing.ReferenceName, error) {
	var head *plumbing.Reference
	for _, r := range refs {
		if r.Name() == plumbing.HEAD {
			head = r
			break
		}
	}
	if head == nil {
		return "", errors.New("remote does not advertise HEAD")
	}
	if head.Type() == plumbing.SymbolicReference {
		return head.Target(), nil
	}
	var matches []string
	for _, r := range refs {
		if r.Name().IsBranch() && r.Hash() == head.Hash() {
			matches = append(matches, string(r.Name()))
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no branch matches remote HEAD %s", head.Hash())
	}
	sort.Strings(matches)
	return plumbing.ReferenceName(matches[0]), nil
}

// ValidateBranch checks that name is usable as a local branch name.
func ValidateBranch(name string) error {
	if name == "" {
		return errors.New("branch name is empty")
	}
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("invalid branch name %q: must not start with -", name)
	}
	if err := plumbing.NewBranchReferenceName(name).Validate(); err != nil {
		return fmt.Errorf("invalid branch name %q: %w", name, err)
	}
	return nil
}

// CreateBranch creates branch at HEAD (or reuses it if it exists) and checks
// it out, keeping any local changes.
func (c *Client) CreateBranch(dir, branch string) error {
	if err := ValidateBranch(branch); err != nil {
		return err
	}
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}

	ref := plumbing.NewBranchReferenceName(branch)
	_, err = repo.Reference(ref, false)
	switch {
	case err == nil:
		if err := wt.Checkout(&gogit.CheckoutOptions{Branch: ref, Keep: true}); err != nil {
			return fmt.Errorf("checkout %s: %w", branch, err)
		}
		return nil
	case errors.Is(err, plumbing.ErrReferenceNotFound):
	default:
		return fmt.Errorf("lookup branch %s: %w", branch, err)
	}

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("resolve HEAD: %w", err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Hash: head.Hash(), Branch: ref, Create: true, Keep: true}); err != nil {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	return nil
}

// CurrentBranch returns the short name of the checked-out branch.
func (c *Client) CurrentBranch(dir string) (string, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", dir, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached at %s", head.Hash())
	}
	return head.Name().Short(), nil
}

// ChangedFiles lists paths that differ from HEAD, including untracked files.
func (c *Client) ChangedFiles(dir string) ([]string, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	var files []string
	for path, fs := range status {
		if fs.Worktree != gogit.Unmodified || fs.Staging != gogit.Unmodified {
			files = append(files, path)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Discard resets the worktree to HEAD and removes untracked files.
func (c *Client) Discard(dir string) error {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	if err := wt.Reset(&gogit.ResetOptions{Mode: gogit.HardReset}); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := wt.Clean(&gogit.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	return nil
}

// CommitAll stages every change and commits it. When the tree is already clean
// and HEAD carries message, HEAD's hash is returned so a retried commit after
// a crash is not an error.
func (c *Client) CommitAll(dir, message string, author Signature) (string, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}

	changed, err := c.ChangedFiles(dir)
	if err != nil {
		return "", err
	}
	if len(changed) == 0 {
		head, err := repo.Head()
		if err != nil {
			return "", fmt.Errorf("resolve HEAD: %w", err)
		}
		commit, err := repo.CommitObject(head.Hash())
		if err != nil {
			return "", fmt.Errorf("read HEAD commit: %w", err)
		}
		if strings.TrimSpace(commit.Message) == strings.TrimSpace(message) {
			return head.Hash().String(), nil
		}
		return "", ErrNothingToCommit
	}

	if err := wt.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}
	hash, err := wt.Commit(message, &gogit.CommitOptions{
		Author: &object.Signature{Name: author.Name, Email: author.Email, When: c.now()},
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String(), nil
}

// Push pushes branch to the repository's only remote. A remote that is
// already up to date is not an error.
func (c *Client) Push(ctx context.Context, dir, branch string) error {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	remotes, err := repo.Remotes()
	if err != nil {
		return fmt.Errorf("list remotes: %w", err)
	}
	if len(remotes) != 1 {
		return fmt.Errorf("repository has %d remotes, want exactly 1", len(remotes))
	}
	rc := remotes[0].Config()
	if len(rc.URLs) == 0 {
		return fmt.Errorf("remote %s has no URL", rc.Name)
	}
	auth, err := c.authFor(rc.URLs[0])
	if err != nil {
		return err
	}

	ref := plumbing.NewBranchReferenceName(branch)
	spec := config.RefSpec(fmt.Sprintf("%s:%s", ref, ref))
	err = repo.PushContext(ctx, &gogit.PushOptions{
		RemoteName: rc.Name,
		RefSpecs:   []config.RefSpec{spec},
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push %s to %s: %w", branch, rc.Name, err)
	}
	return nil
}

// GlobalAuthor reads user.name and user.email from the global git config.
func GlobalAuthor() (Signature, error) {
	cfg, err := config.LoadConfig(config.GlobalScope)
	if err != nil {
		return Signature{}, fmt.Errorf("load global git config: %w", err)
	}
	if cfg.User.Name == "" || cfg.User.Email == "" {
		return Signature{}, errors.New("global git config has no user.name/user.email")
	}
	return Signature{Name: cfg.User.Name, Email: cfg.User.Email}, nil
}
