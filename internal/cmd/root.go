package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/astrid-app/astrid-agent/internal/cmd/config"
	appconfig "github.com/astrid-app/astrid-agent/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "astrid-agent",
	Short: "AI coding agent for task workflows",
	Long: `astrid-agent turns tasks into pull requests. It plans a change with a
language model, waits for the task creator to approve the plan in a comment,
implements it in an isolated git worktree and opens a pull request.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/astrid/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	config.Register(rootCmd)
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	appconfig.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(appconfig.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("ASTRID")
	// Replace dots with underscores for nested keys in env vars
	// e.g., ASTRID_WEBHOOK_SECRET for webhook.secret
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
