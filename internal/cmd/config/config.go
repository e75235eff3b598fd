// Package config provides CLI commands for managing agent configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appconfig "github.com/astrid-app/astrid-agent/internal/config"
)

// Wrapper functions for exec to allow testing
var execLookPath = exec.LookPath
var execCommand = exec.Command

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify agent configuration",
	Long: `View or modify agent configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Show the effective configuration as YAML. Credentials are masked unless --reveal is set.`,
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  astrid-agent config set providers.default openai
  astrid-agent config set agent.bash_timeout 5m
  astrid-agent config set github.draft true

Run 'astrid-agent config keys' to list every settable key.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable configuration keys",
	RunE:  runConfigKeys,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/astrid/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in your editor",
	Long: `Open the config file in your preferred editor.

Uses $EDITOR environment variable, or falls back to common editors (vim, nano, vi).
If no config file exists, creates one with default values first.`,
	RunE: runConfigEdit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for errors",
	RunE:  runConfigValidate,
}

var revealSecrets bool

func init() {
	configShowCmd.Flags().BoolVar(&revealSecrets, "reveal", false, "show API keys, tokens and secrets")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configValidateCmd)
}

// Register adds all config-related commands to the given parent command.
// This is the main entry point for integrating the config subpackage with
// the root command.
func Register(parent *cobra.Command) {
	parent.AddCommand(configCmd)
}

// keyType names how a settable key's value is parsed.
type keyType string

const (
	typeString   keyType = "string"
	typeBool     keyType = "bool"
	typeInt      keyType = "int"
	typeFloat    keyType = "float"
	typeDuration keyType = "duration"
	typeList     keyType = "list"
	typeProvider keyType = "provider"
	typeLevel    keyType = "level"
)

var settableKeys = map[string]keyType{
	"agent_user_id":                  typeString,
	"agent.max_planning_iterations":  typeInt,
	"agent.max_execution_iterations": typeInt,
	"agent.bash_timeout":             typeDuration,
	"agent.blocked_bash_patterns":    typeList,
	"agent.protected_paths":          typeList,
	"agent.max_budget_per_task":      typeFloat,
	"agent.max_tool_output":          typeInt,
	"agent.max_bash_output_bytes":    typeInt,
	"agent.glob_limit":               typeInt,
	"agent.grep_limit":               typeInt,
	"agent.redact_secrets":           typeBool,
	"worktree.base_dir":              typeString,
	"worktree.auto_cleanup":          typeBool,
	"worktree.branch_prefix":         typeString,
	"worktree.git_timeout":           typeDuration,
	"providers.default":              typeProvider,
	"providers.claude.api_key":       typeString,
	"providers.claude.model":         typeString,
	"providers.claude.base_url":      typeString,
	"providers.openai.api_key":       typeString,
	"providers.openai.model":         typeString,
	"providers.openai.base_url":      typeString,
	"webhook.url":                    typeString,
	"webhook.secret":                 typeString,
	"webhook.max_age":                typeDuration,
	"webhook.timeout":                typeDuration,
	"github.token":                   typeString,
	"github.draft":                   typeBool,
	"github.reviewers":               typeList,
	"store.path":                     typeString,
	"server.addr":                    typeString,
	"repo.path":                      typeString,
	"logging.level":                  typeLevel,
	"logging.dir":                    typeString,
}

// parseValue converts value for key, validating enumerated keys.
func parseValue(key, value string) (any, error) {
	kt, ok := settableKeys[key]
	if !ok {
		return nil, fmt.Errorf("unknown configuration key: %s\nRun 'astrid-agent config keys' to see valid keys", key)
	}

	switch kt {
	case typeBool:
		if value != "true" && value != "false" {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return value == "true", nil
	case typeInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		return n, nil
	case typeFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 {
			return nil, fmt.Errorf("invalid value for %s: expected a non-negative number", key)
		}
		return f, nil
	case typeDuration:
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid value for %s: expected a positive duration like 30s or 5m", key)
		}
		return value, nil
	case typeList:
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return items, nil
	case typeProvider:
		if !slices.Contains(appconfig.ValidProviders(), value) {
			return nil, fmt.Errorf("invalid value for %s: %s\nValid options: %s",
				key, value, strings.Join(appconfig.ValidProviders(), ", "))
		}
		return value, nil
	case typeLevel:
		if !slices.Contains(appconfig.ValidLogLevels(), value) {
			return nil, fmt.Errorf("invalid value for %s: %s\nValid options: %s",
				key, value, strings.Join(appconfig.ValidLogLevels(), ", "))
		}
		return value, nil
	}
	return value, nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	if !revealSecrets {
		maskSecrets(cfg)
	}

	out := cmd.OutOrStdout()
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "# Config file: (none - using defaults)\n")
	}
	return writeYAML(out, cfg)
}

func writeYAML(w io.Writer, cfg *appconfig.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

const masked = "********"

func maskSecrets(cfg *appconfig.Config) {
	for _, s := range []*string{
		&cfg.Providers.Claude.APIKey,
		&cfg.Providers.OpenAI.APIKey,
		&cfg.Webhook.Secret,
		&cfg.GitHub.Token,
	} {
		if *s != "" {
			*s = masked
		}
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	typedValue, err := parseValue(key, args[1])
	if err != nil {
		return err
	}

	// Ensure config directory exists
	configDir := appconfig.ConfigDir()
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	viper.Set(key, typedValue)
	if _, err := appconfig.Load(); err != nil {
		return err
	}

	configFile := appconfig.ConfigFile()
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, typedValue)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", configFile)
	return nil
}

func runConfigKeys(cmd *cobra.Command, args []string) error {
	keys := make([]string, 0, len(settableKeys))
	for k := range settableKeys {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "  %-32s %s\n", k, settableKeys[k])
	}
	return nil
}

const configHeader = `# astrid-agent configuration
#
# Every key can also be set with an ASTRID_ environment variable, e.g.
# ASTRID_WEBHOOK_SECRET for webhook.secret. API keys are best kept there.
#
# github.reviewers_by_path maps glob patterns to reviewers requested when a
# changed file matches, e.g.
#   reviewers_by_path:
#     "internal/store/**": [db-team]
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := appconfig.ConfigDir()
	configFile := appconfig.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'astrid-agent config set' to modify values", configFile)
	}

	// Create config directory
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(configFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if _, err := io.WriteString(f, configHeader+"\n"); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := writeYAML(f, appconfig.Default()); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	fmt.Fprintln(cmd.OutOrStdout(), "Edit this file to customize the agent's behavior.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", appconfig.ConfigFile())
	}

	// Also show config search paths
	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(appconfig.ConfigDir(), "config.yaml"))
	fmt.Fprintf(out, "  2. ./config.yaml (current directory)\n")
	fmt.Fprintln(out, "\nEnvironment variables: ASTRID_* (e.g., ASTRID_PROVIDERS_CLAUDE_API_KEY)")
	return nil
}

func runConfigEdit(cmd *cobra.Command, args []string) error {
	configFile := appconfig.ConfigFile()

	// Check if config file exists, if not create it
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		fmt.Fprintf(cmd.OutOrStdout(), "Config file doesn't exist, creating with defaults...\n")
		if err := runConfigInit(cmd, args); err != nil {
			return err
		}
	}

	// Find an editor
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		// Try common editors
		for _, e := range []string{"vim", "nano", "vi"} {
			if _, err := execLookPath(e); err == nil {
				editor = e
				break
			}
		}
	}
	if editor == "" {
		return fmt.Errorf("no editor found. Set $EDITOR environment variable")
	}

	editorCmd := execCommand(editor, configFile)
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr

	if err := editorCmd.Run(); err != nil {
		return fmt.Errorf("editor exited with error: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Config file saved: %s\n", configFile)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if _, err := appconfig.Load(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
	return nil
}
