package config

import (
	"context"
	"fmt"
	"os"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Load reads the configuration file at path, applies environment overrides
// and fills in defaults. YAML and JSON files are both accepted.
func Load(ctx context.Context, path string) (*Config, error) {
	return load(ctx, path, envconfig.OsLookuper())
}

func load(ctx context.Context, path string, lookuper envconfig.Lookuper) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := applyEnv(ctx, &cfg, lookuper); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyEnv(ctx context.Context, cfg *Config, lookuper envconfig.Lookuper) error {
	var env envOverrides
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &env,
		Lookuper: lookuper,
	}); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	if env.GitHubToken != "" {
		cfg.GitHubAccessToken = env.GitHubToken
	}
	if env.SSHKey != "" {
		cfg.GitSSHKeyPath = env.SSHKey
	}
	if env.EventsDSN != "" {
		cfg.EventsDSN = env.EventsDSN
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.StepTimeout == "" {
		cfg.StepTimeout = defaultStepTimeout
	}
	if cfg.APIRatePerSecond == 0 {
		cfg.APIRatePerSecond = defaultAPIRatePerSecond
	}
}
