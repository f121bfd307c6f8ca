package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/zenova/internal/output"
	"github.com/joescharf/zenova/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui *output.UI
	db *store.DB

	verbose bool

	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "zenova",
	Short: "Zenova - dispatch Plane issues to AI coding agents",
	Long: `zenova listens to Plane webhooks and routes issues and comments to
AI coding agents running in containers or subprocesses. It tracks
agent sessions, reports progress back as issue comments, and queues
work when agents are at capacity.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/zenova/config.yaml)")
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "zenova")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("ZENOVA")
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "zenova")

	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "zenova.db"))
	viper.SetDefault("port", 4000)
	viper.SetDefault("plane.api_url", "")
	viper.SetDefault("plane.api_token", "")
	viper.SetDefault("workspace_slug", "")
	viper.SetDefault("webhook_secret", "")
	viper.SetDefault("bot_user_id", "")
	viper.SetDefault("agents_config", filepath.Join(defaultConfigDir, "agents.yaml"))
	viper.SetDefault("docker.socket", "/var/run/docker.sock")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")

	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
}

// getDB returns the shared database handle, initializing it on first call.
func getDB() (*store.DB, error) {
	if db != nil {
		return db, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	d, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := d.Migrate(rootCmd.Context()); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	db = d
	return db, nil
}
