// Recalld is a persistent-memory chat daemon: every exchange is stored,
// embedded, and retrieved across threads to augment future conversations.
//
// Usage:
//
//	# Start the daemon
//	recalld serve
//
//	# Complete embeddings for exchanges saved during a provider outage
//	recalld backfill
//
// Configuration is read from ~/.config/recalld/config.yaml and overridden
// by environment variables (SECTION_FIELD, e.g. SERVER_PORT).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/recallhq/recalld/internal/augment"
	"github.com/recallhq/recalld/internal/backfill"
	"github.com/recallhq/recalld/internal/config"
	"github.com/recallhq/recalld/internal/embeddings"
	"github.com/recallhq/recalld/internal/httpapi"
	"github.com/recallhq/recalld/internal/logging"
	"github.com/recallhq/recalld/internal/memory"
	"github.com/recallhq/recalld/internal/model"
	"github.com/recallhq/recalld/internal/orchestrator"
	"github.com/recallhq/recalld/internal/storage"
	"github.com/recallhq/recalld/internal/telemetry"
	"github.com/recallhq/recalld/internal/threads"
	"github.com/recallhq/recalld/internal/vectorindex"
)

// Version information (set via ldflags during build).
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "recalld",
	Short: "Persistent-memory chat daemon",
	Long: `recalld serves a chat API whose memory outlives any single thread:
exchanges are embedded and stored per user, and relevant past conversations
are folded into every new prompt.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recalld daemon",
	RunE:  runServe,
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Complete embeddings for exchanges missing them",
	Long: `Backfill walks exchanges persisted without embeddings (typically during
an embedding-provider outage), embeds them, and makes them retrievable.
Safe to re-run; failed rows are retried on the next run.`,
	RunE: runBackfill,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("recalld\nVersion:    %s\nCommit:     %s\nBuild Date: %s\n",
			version, gitCommit, buildDate)
	},
}

var backfillBatchSize int

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.config/recalld/config.yaml)")
	backfillCmd.Flags().IntVar(&backfillBatchSize, "batch-size", 100, "exchanges per backfill batch")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(versionCmd)
}

// app holds the wired component graph shared by the subcommands.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	index     vectorindex.Index
	store     *memory.Store
	threads   *threads.Manager
	embedder  *embeddings.Service
	modelCli  *model.Client
	builder   *augment.Builder
	orch      *orchestrator.Orchestrator

	closers []func(context.Context) error
}

func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn(ctx, "shutdown step failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// buildApp loads configuration and wires every component bottom-up.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}

	a.telemetry, err = telemetry.New(ctx, cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	a.closers = append(a.closers, a.telemetry.Shutdown)

	dbPath, err := config.ExpandPath(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving storage path: %w", err)
	}
	db, err := storage.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })

	a.embedder, err = embeddings.NewService(cfg.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("initializing embedding service: %w", err)
	}

	a.index, err = vectorindex.New(cfg.Index, cfg.Embeddings.Dimensions, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing vector index: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.index.Close() })

	a.store = memory.New(db, a.index, cfg.Memory.OverfetchMultiplier, logger)

	a.modelCli, err = model.NewClient(cfg.Model, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing model client: %w", err)
	}

	a.threads = threads.NewManager(db, a.store, a.modelCli, logger)
	a.builder = augment.NewBuilder(a.embedder, a.store, cfg.Memory.RelevanceK, logger)
	a.orch = orchestrator.New(a.threads, a.store, a.builder, a.embedder, a.modelCli, cfg.Memory.RecencyWindow, logger)

	return a, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	a.logger.Info(ctx, "starting recalld",
		zap.String("version", version),
		zap.Int("port", a.cfg.Server.Port),
		zap.String("index_provider", a.cfg.Index.Provider),
		zap.String("model", a.cfg.Model.Name))

	server, err := httpapi.NewServer(a.cfg.Server, a.cfg.Auth.JWTSecret, httpapi.Deps{
		Responder: a.orch,
		Threads:   a.threads,
		Store:     a.store,
		Reflector: a.builder,
		Completer: a.modelCli,
		Embedder:  a.embedder,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}

	a.logger.Info(context.Background(), "recalld stopped")
	return nil
}

func runBackfill(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	runner := backfill.NewRunner(a.store, a.embedder, backfillBatchSize, a.logger)
	result, err := runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("backfill: %w", err)
	}

	fmt.Printf("backfill complete: scanned=%d updated=%d failed=%d\n",
		result.Scanned, result.Updated, result.Failed)
	return nil
}
