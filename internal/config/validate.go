package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a Config for missing or malformed values. It returns every
// problem found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(cfg.GitHubAccessToken) == "" {
		errs = append(errs, ValidationError{Field: "github_access_token", Message: "is required (or set GITHUB_TOKEN)"})
	}

	if cfg.GitSSHKeyPath != "" {
		if _, err := os.Stat(cfg.GitSSHKeyPath); err != nil {
			errs = append(errs, ValidationError{Field: "git_ssh_key_path", Message: fmt.Sprintf("cannot read key: %v", err)})
		}
	}

	if (cfg.GitUser.Name == "") != (cfg.GitUser.Email == "") {
		errs = append(errs, ValidationError{Field: "git_user", Message: "name and email must be set together"})
	}
	if cfg.GitUser.Email != "" && !strings.Contains(cfg.GitUser.Email, "@") {
		errs = append(errs, ValidationError{Field: "git_user.email", Message: fmt.Sprintf("%q is not an email address", cfg.GitUser.Email)})
	}

	if cfg.GitHubAPIURL != "" {
		u, err := url.Parse(cfg.GitHubAPIURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{Field: "github_api_url", Message: fmt.Sprintf("%q is not an absolute URL", cfg.GitHubAPIURL)})
		}
	}

	if d, err := time.ParseDuration(cfg.StepTimeout); err != nil {
		errs = append(errs, ValidationError{Field: "step_timeout", Message: fmt.Sprintf("invalid duration %q", cfg.StepTimeout)})
	} else if d <= 0 {
		errs = append(errs, ValidationError{Field: "step_timeout", Message: "must be positive"})
	}

	if cfg.APIRatePerSecond < 0 {
		errs = append(errs, ValidationError{Field: "api_rate_per_second", Message: "must not be negative"})
	}

	if strings.HasPrefix(cfg.PullRequest.Base, "-") {
		errs = append(errs, ValidationError{Field: "pull_request.base", Message: fmt.Sprintf("invalid branch name %q", cfg.PullRequest.Base)})
	}

	return errs
}
