// Package cli provides the command-line interface for openchat.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/raphaelgruber/openchat/internal/chat"
	"github.com/raphaelgruber/openchat/internal/client"
	"github.com/raphaelgruber/openchat/internal/config"
	"github.com/raphaelgruber/openchat/internal/db"
	"github.com/raphaelgruber/openchat/internal/llm"
	"github.com/raphaelgruber/openchat/internal/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose   bool
	serverURL string

	// Global config, logging and connections
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func() error
	collector *metrics.Collector
	dbClient  *db.Client
	remote    *client.Client

	// Lazy-initialized completion provider
	provider llm.Provider
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "openchat",
	Short: "Chat with an LLM, keeping every conversation",
	Long: `Openchat streams replies from a completion provider and keeps your
conversation history in SurrealDB.

Run "openchat chat" for the interactive terminal UI, or "openchat ask" for
one-shot questions that fit in a pipeline. With --server, commands that
support it go through a running openchat-server instead of the database.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()
		collector = metrics.NewCollector()

		// Full-screen UIs and quiet commands log to file only; --verbose adds stderr.
		switch {
		case cmd.Name() == "chat":
			logger, closeLog = config.SetupFileLogger(cfg.LogFile, cfg.LogLevel)
		case verbose:
			logger, closeLog = config.SetupLogger(cfg.LogFile, slog.LevelDebug)
		default:
			logger, closeLog = config.SetupFileLogger(cfg.LogFile, cfg.LogLevel)
		}
		slog.SetDefault(logger)

		if serverURL != "" {
			if !supportsRemote(cmd) {
				return fmt.Errorf("%s is not available with --server", cmd.Name())
			}
			remote = client.New(serverURL, cfg.UserID)
			return nil
		}

		// Connect to database
		ctx := context.Background()
		dbCfg := db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}

		var err error
		dbClient, err = db.NewClient(ctx, dbCfg, logger)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}

		// Initialize schema
		if err := dbClient.InitSchema(ctx); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		// Close database connection
		if dbClient != nil {
			if err := dbClient.Close(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
			}
		}
		if closeLog != nil {
			_ = closeLog()
		}
	},
}

// remoteCommands may run against an openchat-server.
var remoteCommands = map[string]bool{
	"ask":        true,
	"regenerate": true,
	"list":       true,
	"delete":     true,
	"usage":      true,
}

func supportsRemote(cmd *cobra.Command) bool {
	return remoteCommands[cmd.Name()]
}

// store returns the conversation store of the configured user.
func store() *db.ConversationStore {
	return dbClient.ForOwner(cfg.UserID, collector)
}

// getProvider creates the completion provider on first use.
func getProvider(ctx context.Context) (llm.Provider, error) {
	if provider == nil {
		p, err := llm.New(ctx, cfg, logger, collector)
		if err != nil {
			return nil, fmt.Errorf("init provider: %w", err)
		}
		provider = p
	}
	return provider, nil
}

// newSession creates a session over the local store.
func newSession(ctx context.Context) (*chat.Session, error) {
	p, err := getProvider(ctx)
	if err != nil {
		return nil, err
	}
	return chat.NewSession(p, store(), chat.Options{
		Model:         cfg.LLMModel,
		TitleModel:    cfg.TitleModel,
		TouchInterval: cfg.TouchInterval,
		Logger:        logger,
	}), nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "openchat-server URL (e.g. http://localhost:8484)")

	// Add subcommands
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(regenerateCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(usageCmd)
}
