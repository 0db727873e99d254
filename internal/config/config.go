// Package config handles configuration loading and management for gantry.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for a gantry run.
type Config struct {
	Providers Providers       `mapstructure:"providers"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Git       GitConfig       `mapstructure:"git"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Verbose   bool            `mapstructure:"verbose"`
}

// Providers holds the agent backend selection.
type Providers struct {
	// Order is the configured provider list; round-robin assignment and
	// rotation follow this order.
	Order []string `mapstructure:"order"`
	// OpencodeModel is the model passed to the opencode CLI.
	OpencodeModel string `mapstructure:"opencode_model"`
}

// ExecutionConfig holds scheduling and retry settings.
type ExecutionConfig struct {
	// MaxParallel is the agent slot pool size.
	MaxParallel int `mapstructure:"max_parallel"`
	// MaxIterations caps total launches; 0 means unlimited.
	MaxIterations int `mapstructure:"max_iterations"`
	// MaxRetries is the per-task retry cap.
	MaxRetries int `mapstructure:"max_retries"`
	// RetryDelay is the base delay before a retried task becomes ready again.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// ExternalFailTimeout bounds total retry time for external failures.
	ExternalFailTimeout time.Duration `mapstructure:"external_fail_timeout"`
	// StallTimeout kills an agent whose diagnostic log goes quiet this long.
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
	// SkipTests asks agents to skip full test suite runs.
	SkipTests bool `mapstructure:"skip_tests"`
	// SkipLint asks agents to skip full lint runs.
	SkipLint bool `mapstructure:"skip_lint"`
	// TasksFile is the task graph file path, relative to the repo root.
	TasksFile string `mapstructure:"tasks_file"`
}

// GitConfig holds branch and merge settings.
type GitConfig struct {
	// BaseBranch is the branch task branches fork from and merge into.
	// Empty means the current branch at run start.
	BaseBranch string `mapstructure:"base_branch"`
	// RunBranch, when set, is switched to (or created) before the run.
	RunBranch string `mapstructure:"run_branch"`
	// BranchPerTask preserves merged task branches instead of deleting them.
	BranchPerTask bool `mapstructure:"branch_per_task"`
	// CreatePR pushes task branches and opens pull requests instead of merging.
	CreatePR bool `mapstructure:"create_pr"`
	// DraftPR opens pull requests as drafts.
	DraftPR bool `mapstructure:"draft_pr"`
}

// ArtifactsConfig holds report output settings.
type ArtifactsConfig struct {
	// Root is the directory run directories are created under.
	Root string `mapstructure:"root"`
	// HistoryDB is the SQLite attempt-history database path.
	// Empty disables history recording.
	HistoryDB string `mapstructure:"history_db"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (GANTRY_*)
// 2. Project config (.gantry.yaml in current directory or parent)
// 3. User config (~/.config/gantry/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("GANTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

// normalize trims and lowercases provider names and drops empty entries.
func (c *Config) normalize() {
	var providers []string
	for _, p := range c.Providers.Order {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			providers = append(providers, p)
		}
	}
	if len(providers) == 0 {
		providers = []string{"claude"}
	}
	c.Providers.Order = providers
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("providers.order", []string{"claude"})
	v.SetDefault("providers.opencode_model", "opencode/minimax-m2.1-free")

	v.SetDefault("execution.max_parallel", 3)
	v.SetDefault("execution.max_iterations", 0)
	v.SetDefault("execution.max_retries", 3)
	v.SetDefault("execution.retry_delay", "5s")
	v.SetDefault("execution.external_fail_timeout", "5m")
	v.SetDefault("execution.stall_timeout", "10m")
	v.SetDefault("execution.skip_tests", false)
	v.SetDefault("execution.skip_lint", false)
	v.SetDefault("execution.tasks_file", "tasks.yaml")

	v.SetDefault("git.base_branch", "")
	v.SetDefault("git.run_branch", "")
	v.SetDefault("git.branch_per_task", false)
	v.SetDefault("git.create_pr", false)
	v.SetDefault("git.draft_pr", false)

	v.SetDefault("artifacts.root", "artifacts")
	v.SetDefault("artifacts.history_db", filepath.Join(".gantry", "history.db"))

	v.SetDefault("verbose", false)
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// getUserConfigDir returns the XDG config directory for gantry.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "gantry")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "gantry")
	}
	return filepath.Join(home, ".config", "gantry")
}

// findProjectConfig searches for .gantry.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".gantry.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Providers: Providers{
			Order:         []string{"claude"},
			OpencodeModel: "opencode/minimax-m2.1-free",
		},
		Execution: ExecutionConfig{
			MaxParallel:         3,
			MaxIterations:       0,
			MaxRetries:          3,
			RetryDelay:          5 * time.Second,
			ExternalFailTimeout: 5 * time.Minute,
			StallTimeout:        10 * time.Minute,
			TasksFile:           "tasks.yaml",
		},
		Artifacts: ArtifactsConfig{
			Root:      "artifacts",
			HistoryDB: filepath.Join(".gantry", "history.db"),
		},
	}
}
