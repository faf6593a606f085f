package config

import "time"

// Config is the batchpatch configuration file. It holds credentials and
// settings shared by every run; per-run choices such as the branch and
// change source come from the command line.
type Config struct {
	GitHubAccessToken string      `yaml:"github_access_token"`
	GitSSHKeyPath     string      `yaml:"git_ssh_key_path"`
	GitUser           GitUser     `yaml:"git_user"`
	GitHubAPIURL      string      `yaml:"github_api_url"`
	PullRequest       PullRequest `yaml:"pull_request"`
	StepTimeout       string      `yaml:"step_timeout"`
	APIRatePerSecond  float64     `yaml:"api_rate_per_second"`
	EventsDSN         string      `yaml:"events_dsn"`
}

// GitUser is the commit author. When empty, the global git config is used.
type GitUser struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// PullRequest holds defaults for the pull requests batchpatch opens.
type PullRequest struct {
	Title string `yaml:"title"`
	Body  string `yaml:"body"`
	Base  string `yaml:"base"`
	Draft bool   `yaml:"draft"`
}

// envOverrides are read from the environment after the file is parsed. Set
// values replace the file's.
type envOverrides struct {
	GitHubToken string `env:"GITHUB_TOKEN"`
	SSHKey      string `env:"BATCHPATCH_SSH_KEY"`
	EventsDSN   string `env:"BATCHPATCH_EVENTS_DSN"`
}

const (
	defaultStepTimeout      = "15m"
	defaultAPIRatePerSecond = 2
)

// StepTimeoutDuration returns the parsed step timeout. Validate guarantees it
// parses; zero is returned otherwise.
func (c *Config) StepTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.StepTimeout)
	if err != nil {
		return 0
	}
	return d
}
