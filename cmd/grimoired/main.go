// Grimoired is the spell-matching and patch-adaptation daemon.
//
// It receives GitHub pull-request webhooks, ranks stored fix patterns
// ("spells") against incoming errors, and adapts a chosen spell into a
// validated patch through a text-completion provider.
//
// Usage:
//
//	# Start the daemon with defaults (mock LLM provider, local SQLite)
//	grimoired serve
//
//	# Configure via file and environment
//	GRIMOIRE_LLM_PROVIDER=anthropic \
//	GRIMOIRE_LLM_API_KEY=sk-... \
//	grimoired serve --config grimoire.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/grimoire/internal/adapt"
	"github.com/fyrsmithlabs/grimoire/internal/config"
	"github.com/fyrsmithlabs/grimoire/internal/llm"
	"github.com/fyrsmithlabs/grimoire/internal/logging"
	"github.com/fyrsmithlabs/grimoire/internal/match"
	"github.com/fyrsmithlabs/grimoire/internal/server"
	"github.com/fyrsmithlabs/grimoire/internal/spell"
	"github.com/fyrsmithlabs/grimoire/internal/spellgen"
	"github.com/fyrsmithlabs/grimoire/internal/webhook"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "grimoired",
	Short:   "Spell matching and patch adaptation daemon",
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the grimoired HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("grimoired by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// run wires the daemon together and blocks until shutdown:
//
//  1. Loads and validates configuration
//  2. Initializes the redacting logger
//  3. Opens the spell store
//  4. Builds the completion provider, ranker, and adaptation engine
//  5. Starts the HTTP server
//  6. Performs graceful shutdown on SIGINT/SIGTERM
func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.NewLogger(logging.NewDefaultConfig())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zl := logger.Zap()

	zl.Info("grimoired starting",
		zap.String("version", version),
		zap.String("store_path", cfg.Store.Path),
		zap.String("llm_provider", cfg.LLM.Provider),
	)

	store, err := spell.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening spell store: %w", err)
	}
	defer func() { _ = store.Close() }()

	completer, err := llm.NewCompleter(cfg.LLM)
	if err != nil {
		return fmt.Errorf("creating completion provider: %w", err)
	}

	ranker := match.NewRanker(
		&match.RankerConfig{RepoBonus: cfg.Match.RepoBonus},
		match.NewKeywordScorer(cfg.Match.TypeBonus),
		zl.Named("match"),
	)

	engine := adapt.NewEngine(
		completer,
		adapt.ConstraintsFromConfig(cfg.Adapt),
		adapt.WithTimeout(cfg.LLM.Timeout.Duration()),
		adapt.WithLogger(zl.Named("adapt")),
	)

	generator := spellgen.NewGenerator(store, completer, cfg.Spells.AutoGenerate, zl.Named("spellgen"))
	processor := webhook.NewProcessor(cfg.GitHub, store, ranker, generator, zl.Named("webhook"))

	srv, err := server.NewServer(cfg.Server, store, ranker, engine, processor, logger.Named("http"))
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	select {
	case err := <-serverErrors:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		zl.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("server shutdown error", zap.Error(err))
		return err
	}

	zl.Info("server stopped gracefully")
	return nil
}
