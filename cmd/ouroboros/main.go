// Command ouroboros runs the self-modifying agent: a chat-driven supervisor
// that executes tasks with a budgeted model loop and evolves its own code on
// a protected branch.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"ouroboros/internal/config"
	"ouroboros/internal/logging"
)

// Set by -ldflags at build time.
var (
	version = "dev"
	commit  = ""
)

var (
	// Global flags
	verbose    bool
	dataDir    string
	configPath string

	// Loaded in PersistentPreRunE
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ouroboros",
	Short: "Ouroboros - a self-modifying agent under a budget",
	Long: `Ouroboros takes tasks over chat, runs them through a budgeted model loop with
tools, and improves its own source on a working branch. Changes reach the
stable branch only after passing the smoke test and the bible check.

Secrets come from the environment: OPENROUTER_API_KEY (or GEMINI_API_KEY),
TELEGRAM_BOT_TOKEN, TOTAL_BUDGET and GITHUB_TOKEN.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		var err error
		cfg, err = loadConfig()
		if err != nil {
			return err
		}
		return initLogging(cfg)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		if commit != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "ouroboros %s (%s)\n", version, commit)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ouroboros %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default $OUROBOROS_DATA_DIR or ./data)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default <data-dir>/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveConfigPath picks the config file from flags and environment.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	dir := dataDir
	if dir == "" {
		dir = os.Getenv(config.EnvDataDir)
	}
	if dir == "" {
		dir = config.DefaultConfig().DataDir
	}
	return config.DefaultPath(dir)
}

func loadConfig() (*config.Config, error) {
	c, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		c.DataDir = dataDir
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// initLogging builds the process logger. Console output stays on stderr;
// the log file and audit trail go under the data directory.
func initLogging(c *config.Config) error {
	level := c.Logging.Level
	if verbose {
		level = zapcore.DebugLevel.String()
	}
	if err := logging.Initialize(logging.Options{
		Level:      level,
		JSON:       c.Logging.Format == "json",
		Dir:        c.LogDir(),
		Categories: c.Logging.Categories,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}
