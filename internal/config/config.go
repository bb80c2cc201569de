// Package config provides configuration loading for testwright.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then environment variable overrides. All values are fixed for the lifetime
// of a pipeline run; there is no hot reload.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Config holds the complete testwright configuration.
type Config struct {
	Repo      RepoConfig      `koanf:"repo"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	LLM       LLMConfig       `koanf:"llm"`
	GitHub    GitHubConfig    `koanf:"github"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// RepoConfig identifies the repository the pipeline operates on.
type RepoConfig struct {
	Owner        string `koanf:"owner"`
	Name         string `koanf:"name"`
	CloneURL     string `koanf:"clone_url"`
	TargetBranch string `koanf:"target_branch"`
}

// PipelineConfig holds workflow engine configuration.
type PipelineConfig struct {
	WorkspaceRoot   string   `koanf:"workspace_root"`
	BranchPrefix    string   `koanf:"branch_prefix"`
	ProposalTitle   string   `koanf:"proposal_title"`
	ProposalLabels  []string `koanf:"proposal_labels"`
	RevisionCeiling int      `koanf:"revision_ceiling"`
	RunTimeout      Duration `koanf:"run_timeout"`
	StandardsPath   string   `koanf:"standards_path"`
}

// LLMConfig holds chat model configuration.
type LLMConfig struct {
	Model             string  `koanf:"model"`
	BaseURL           string  `koanf:"base_url"`
	APIKey            Secret  `koanf:"api_key"`
	MaxTurns          int     `koanf:"max_turns"`
	RequestsPerMinute int     `koanf:"requests_per_minute"`
	Temperature       float64 `koanf:"temperature"`
}

// GitHubConfig holds remote host credentials.
type GitHubConfig struct {
	Token Secret `koanf:"token"`
}

// LoggingConfig holds the logging section as raw values; the logging package
// owns the typed form.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds the OpenTelemetry section.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
	Endpoint    string `koanf:"endpoint"`
	Insecure    bool   `koanf:"insecure"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Repo.TargetBranch == "" {
		cfg.Repo.TargetBranch = "main"
	}

	if cfg.Pipeline.BranchPrefix == "" {
		cfg.Pipeline.BranchPrefix = "testwright/add-tests-"
	}
	if cfg.Pipeline.ProposalTitle == "" {
		cfg.Pipeline.ProposalTitle = "Add unit tests to improve coverage"
	}
	if cfg.Pipeline.RevisionCeiling == 0 {
		cfg.Pipeline.RevisionCeiling = 3
	}
	if cfg.Pipeline.RunTimeout == 0 {
		cfg.Pipeline.RunTimeout = Duration(30 * time.Minute)
	}

	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o"
	}
	if cfg.LLM.MaxTurns == 0 {
		cfg.LLM.MaxTurns = 24
	}
	if cfg.LLM.RequestsPerMinute == 0 {
		cfg.LLM.RequestsPerMinute = 30
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "testwright"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Repo.Owner == "" {
		return errors.New("repo.owner is required")
	}
	if c.Repo.Name == "" {
		return errors.New("repo.name is required")
	}
	if c.Repo.TargetBranch == "" {
		return errors.New("repo.target_branch is required")
	}

	if c.Pipeline.WorkspaceRoot == "" {
		return errors.New("pipeline.workspace_root is required")
	}
	if !filepath.IsAbs(c.Pipeline.WorkspaceRoot) {
		return fmt.Errorf("pipeline.workspace_root must be absolute, got %q", c.Pipeline.WorkspaceRoot)
	}
	if c.Pipeline.RevisionCeiling < 1 {
		return fmt.Errorf("pipeline.revision_ceiling must be >= 1, got %d", c.Pipeline.RevisionCeiling)
	}
	if c.Pipeline.RunTimeout.Duration() <= 0 {
		return errors.New("pipeline.run_timeout must be positive")
	}

	if c.LLM.Model == "" {
		return errors.New("llm.model is required")
	}
	if c.LLM.MaxTurns < 1 {
		return fmt.Errorf("llm.max_turns must be >= 1, got %d", c.LLM.MaxTurns)
	}
	if c.LLM.RequestsPerMinute < 1 {
		return fmt.Errorf("llm.requests_per_minute must be >= 1, got %d", c.LLM.RequestsPerMinute)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be in [0, 2], got %v", c.LLM.Temperature)
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return errors.New("telemetry.service_name required when telemetry is enabled")
	}

	return nil
}

// CloneURL returns the configured clone URL, deriving the GitHub HTTPS form
// when unset.
func (c *Config) CloneURL() string {
	if c.Repo.CloneURL != "" {
		return c.Repo.CloneURL
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", c.Repo.Owner, c.Repo.Name)
}
