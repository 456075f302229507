// Command castlist builds and maintains a character roster from chat
// transcripts by asking an LLM which characters each batch of messages
// mentions and reconciling the answers into one deduplicated list.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/scrypster/castlist/internal/config"
)

var (
	// Global flags
	configPath string
	session    string
	backend    string
	dbPath     string
	verbose    bool
	timeout    time.Duration

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "castlist",
	Short: "Extract and maintain a character roster from chat transcripts",
	Long: `castlist reads chat transcripts, asks an LLM which characters appear in
each batch of messages, and reconciles the answers into a persistent roster.

Similar names are merged automatically; the roster can be reviewed and
adjusted by hand.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(resolveConfigPath())
		if err != nil {
			return err
		}
		if session != "" {
			cfg.Session = session
		}
		if backend != "" {
			cfg.LLM.Backend = backend
		}
		if verbose {
			cfg.Log.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err = buildLogger(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return os.Getenv("CASTLIST_CONFIG")
}

func buildLogger(lc config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (or set CASTLIST_CONFIG)")
	rootCmd.PersistentFlags().StringVarP(&session, "session", "s", "", "Roster session key (default from config)")
	rootCmd.PersistentFlags().StringVarP(&backend, "backend", "b", "", "LLM backend: primary or local")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Roster database path (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "Overall operation timeout")

	harvestCmd.Flags().IntVar(&batchSize, "batch-size", 0, "Messages per batch (default from config)")
	watchCmd.Flags().IntVar(&batchSize, "batch-size", 0, "Messages per batch (default from config)")
	watchCmd.Flags().BoolVar(&fromStart, "from-start", false, "Harvest the messages already in the file first")
	listCmd.Flags().BoolVar(&showIgnored, "all", false, "Include ignored characters")
	listCmd.Flags().BoolVar(&asJSON, "json", false, "Print the roster as JSON")
	showCmd.Flags().BoolVar(&asJSON, "json", false, "Print the character as JSON")

	rootCmd.AddCommand(harvestCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(ignoreCmd)
	rootCmd.AddCommand(unignoreCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(modelsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
