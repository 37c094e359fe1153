// Command media-relay runs the publish pipeline from a terminal or a cron job.
//
//	media-relay run [--account] [--force] [--dry-run] [--no-facebook]
//	media-relay classify <path-or-url> [--platform instagram|facebook]
//	media-relay schedule [--account]
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/fpang/media-relay/internal/config"
	"github.com/fpang/media-relay/internal/logging"
)

// Global flags
var (
	configFile string
	envFile    string
	account    string
)

// rootCmd is the main Cobra command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "media-relay",
	Short: "Publish the next queued media file to Instagram and Facebook",
	Long: `Media Relay takes the next photo or video from a storage folder and
publishes it to Instagram, and optionally to a Facebook Page, during the
account's scheduled posting slots.

Configuration comes from media-relay.yaml, a .env file, and MEDIA_RELAY_*
environment variables (highest precedence).

Examples:
  media-relay run                       # publish if now is a posting slot
  media-relay run --force --no-facebook # publish now, Instagram only
  media-relay run --dry-run --force     # show what would be published
  media-relay classify ./clip.mov --platform facebook
  media-relay schedule --account inkwisps`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ./media-relay.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Env file (default ./.env)")
	rootCmd.PersistentFlags().StringVarP(&account, "account", "a", "", "Account key (overrides config)")

	rootCmd.AddCommand(runCmd, classifyCmd, scheduleCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads configuration and applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Options{EnvFile: envFile, ConfigFile: configFile})
	if err != nil {
		return nil, err
	}
	if account != "" {
		cfg.Account = account
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("media-relay %s (built %s)\n", commitHash, buildTime)
	},
}
