package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete agent configuration
type Config struct {
	AgentUserID string          `mapstructure:"agent_user_id" yaml:"agent_user_id"`
	Agent       AgentConfig     `mapstructure:"agent" yaml:"agent"`
	Worktree    WorktreeConfig  `mapstructure:"worktree" yaml:"worktree"`
	Providers   ProvidersConfig `mapstructure:"providers" yaml:"providers"`
	Webhook     WebhookConfig   `mapstructure:"webhook" yaml:"webhook"`
	GitHub      GitHubConfig    `mapstructure:"github" yaml:"github"`
	Store       StoreConfig     `mapstructure:"store" yaml:"store"`
	Server      ServerConfig    `mapstructure:"server" yaml:"server"`
	Repo        RepoConfig      `mapstructure:"repo" yaml:"repo"`
	Logging     LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// AgentConfig bounds the executor's tool-calling loop and the sandbox it drives.
type AgentConfig struct {
	// MaxPlanningIterations caps model round-trips while producing a plan.
	MaxPlanningIterations int `mapstructure:"max_planning_iterations" yaml:"max_planning_iterations"`
	// MaxExecutionIterations caps model round-trips while applying a plan.
	MaxExecutionIterations int `mapstructure:"max_execution_iterations" yaml:"max_execution_iterations"`
	// BashTimeout is the wall-clock limit for a single run_bash call.
	BashTimeout time.Duration `mapstructure:"bash_timeout" yaml:"bash_timeout"`
	// BlockedBashPatterns extends the built-in run_bash denylist.
	BlockedBashPatterns []string `mapstructure:"blocked_bash_patterns" yaml:"blocked_bash_patterns"`
	// ProtectedPaths are worktree-relative paths write_file and edit_file refuse.
	ProtectedPaths []string `mapstructure:"protected_paths" yaml:"protected_paths"`
	// MaxBudgetPerTask is the estimated USD ceiling per task (0 = unlimited).
	MaxBudgetPerTask float64 `mapstructure:"max_budget_per_task" yaml:"max_budget_per_task"`
	// MaxToolOutput truncates every tool result placed back into the conversation.
	MaxToolOutput int `mapstructure:"max_tool_output" yaml:"max_tool_output"`
	// MaxBashOutputBytes caps captured stdout+stderr for one run_bash call.
	MaxBashOutputBytes int `mapstructure:"max_bash_output_bytes" yaml:"max_bash_output_bytes"`
	GlobLimit          int `mapstructure:"glob_limit" yaml:"glob_limit"`
	GrepLimit          int `mapstructure:"grep_limit" yaml:"grep_limit"`
	// RedactSecrets scans read_file and run_bash output for credentials.
	RedactSecrets bool `mapstructure:"redact_secrets" yaml:"redact_secrets"`
}

// WorktreeConfig controls where task worktrees live and whether they are removed.
type WorktreeConfig struct {
	// BaseDir is resolved relative to the repository when not absolute.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// AutoCleanup removes worktrees when a phase ends. Disable to inspect them.
	AutoCleanup  bool   `mapstructure:"auto_cleanup" yaml:"auto_cleanup"`
	BranchPrefix string `mapstructure:"branch_prefix" yaml:"branch_prefix"`
	// GitTimeout bounds each git and gh subprocess.
	GitTimeout time.Duration `mapstructure:"git_timeout" yaml:"git_timeout"`
}

// ProviderConfig holds credentials for one model provider.
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	Model   string `mapstructure:"model" yaml:"model"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// ProvidersConfig lists the executors that can be selected by Workflow.AIService.
type ProvidersConfig struct {
	Default string         `mapstructure:"default" yaml:"default"`
	Claude  ProviderConfig `mapstructure:"claude" yaml:"claude"`
	OpenAI  ProviderConfig `mapstructure:"openai" yaml:"openai"`
}

// WebhookConfig configures outbound status callbacks and inbound verification.
type WebhookConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
	// Secret is the environment-level fallback secret. Per-user secrets come
	// from the store and are tried first.
	Secret  string        `mapstructure:"secret" yaml:"secret"`
	MaxAge  time.Duration `mapstructure:"max_age" yaml:"max_age"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// GitHubConfig enables API-based pull request handling. Without a token the
// gh CLI is used.
type GitHubConfig struct {
	Token string `mapstructure:"token" yaml:"token"`
	// Draft opens pull requests as drafts.
	Draft bool `mapstructure:"draft" yaml:"draft"`
	// Reviewers are requested on every pull request.
	Reviewers []string `mapstructure:"reviewers" yaml:"reviewers"`
	// ReviewersByPath maps glob patterns to reviewers requested when a
	// changed file matches.
	ReviewersByPath map[string][]string `mapstructure:"reviewers_by_path" yaml:"reviewers_by_path"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ServerConfig configures the HTTP listener used by serve.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// RepoConfig names the clone that worktrees are created from.
type RepoConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig controls log output. An empty Dir logs to stderr.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	Dir   string `mapstructure:"dir" yaml:"dir"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		AgentUserID: "astrid-agent",
		Agent: AgentConfig{
			MaxPlanningIterations:  20,
			MaxExecutionIterations: 30,
			BashTimeout:            120 * time.Second,
			BlockedBashPatterns:    []string{},
			ProtectedPaths:         []string{".git", ".env"},
			MaxBudgetPerTask:       0,
			MaxToolOutput:          10000,
			MaxBashOutputBytes:     1024 * 1024,
			GlobLimit:              100,
			GrepLimit:              50,
			RedactSecrets:          true,
		},
		Worktree: WorktreeConfig{
			BaseDir:      filepath.Join(".astrid", "worktrees"),
			AutoCleanup:  true,
			BranchPrefix: "astrid",
			GitTimeout:   2 * time.Minute,
		},
		Providers: ProvidersConfig{
			Default: "claude",
			Claude: ProviderConfig{
				Model:   "claude-sonnet-4-20250514",
				BaseURL: "https://api.anthropic.com",
			},
			OpenAI: ProviderConfig{
				Model:   "gpt-4o",
				BaseURL: "https://api.openai.com/v1",
			},
		},
		Webhook: WebhookConfig{
			MaxAge:  5 * time.Minute,
			Timeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Path: filepath.Join(DataDir(), "astrid.db"),
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Repo: RepoConfig{
			Path: ".",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("agent_user_id", defaults.AgentUserID)

	viper.SetDefault("agent.max_planning_iterations", defaults.Agent.MaxPlanningIterations)
	viper.SetDefault("agent.max_execution_iterations", defaults.Agent.MaxExecutionIterations)
	viper.SetDefault("agent.bash_timeout", defaults.Agent.BashTimeout)
	viper.SetDefault("agent.blocked_bash_patterns", defaults.Agent.BlockedBashPatterns)
	viper.SetDefault("agent.protected_paths", defaults.Agent.ProtectedPaths)
	viper.SetDefault("agent.max_budget_per_task", defaults.Agent.MaxBudgetPerTask)
	viper.SetDefault("agent.max_tool_output", defaults.Agent.MaxToolOutput)
	viper.SetDefault("agent.max_bash_output_bytes", defaults.Agent.MaxBashOutputBytes)
	viper.SetDefault("agent.glob_limit", defaults.Agent.GlobLimit)
	viper.SetDefault("agent.grep_limit", defaults.Agent.GrepLimit)
	viper.SetDefault("agent.redact_secrets", defaults.Agent.RedactSecrets)

	viper.SetDefault("worktree.base_dir", defaults.Worktree.BaseDir)
	viper.SetDefault("worktree.auto_cleanup", defaults.Worktree.AutoCleanup)
	viper.SetDefault("worktree.branch_prefix", defaults.Worktree.BranchPrefix)
	viper.SetDefault("worktree.git_timeout", defaults.Worktree.GitTimeout)

	viper.SetDefault("providers.default", defaults.Providers.Default)
	viper.SetDefault("providers.claude.api_key", "")
	viper.SetDefault("providers.claude.model", defaults.Providers.Claude.Model)
	viper.SetDefault("providers.claude.base_url", defaults.Providers.Claude.BaseURL)
	viper.SetDefault("providers.openai.api_key", "")
	viper.SetDefault("providers.openai.model", defaults.Providers.OpenAI.Model)
	viper.SetDefault("providers.openai.base_url", defaults.Providers.OpenAI.BaseURL)

	viper.SetDefault("webhook.url", "")
	viper.SetDefault("webhook.secret", "")
	viper.SetDefault("webhook.max_age", defaults.Webhook.MaxAge)
	viper.SetDefault("webhook.timeout", defaults.Webhook.Timeout)

	viper.SetDefault("github.token", "")
	viper.SetDefault("github.draft", false)
	viper.SetDefault("github.reviewers", []string{})
	viper.SetDefault("github.reviewers_by_path", map[string][]string{})
	viper.SetDefault("store.path", defaults.Store.Path)
	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("repo.path", defaults.Repo.Path)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", "")
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ResolveWorktreeDir returns the worktree base directory for a repository.
func (w *WorktreeConfig) ResolveWorktreeDir(repoPath string) string {
	path := w.BaseDir
	if path == "" {
		path = Default().Worktree.BaseDir
	}
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(repoPath, path)
	}
	return path
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "astrid")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".astrid"
	}
	return filepath.Join(home, ".config", "astrid")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DataDir returns the directory holding the default database.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".astrid"
	}
	return filepath.Join(home, ".astrid")
}
