// Package cli implements the loom command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/llmprovider"
	"github.com/loomworks/loom/processors"
	"github.com/loomworks/loom/queue"
	"github.com/loomworks/loom/server"
	"github.com/loomworks/loom/storage"
	"github.com/loomworks/loom/store"
	"github.com/loomworks/loom/telemetry"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the canvas HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to loom.yaml (default: ./loom.yaml, ~/.loom/config.yaml)")
	cmd.Flags().String("addr", "", "Listen address (overrides config)")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (overrides config)")
	cmd.Flags().String("media-root", "", "Media blob directory (overrides config)")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 120*time.Second, "HTTP write timeout")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	explicitConfigPath, _ := cmd.Flags().GetString("config")
	addrFlag, _ := cmd.Flags().GetString("addr")
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	mediaRoot, _ := cmd.Flags().GetString("media-root")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")

	cfg, err := config.Discover(explicitConfigPath)
	if err != nil {
		return exitError(exitConfig, "loading config: %v", err)
	}
	if addrFlag != "" {
		cfg.Server.Addr = addrFlag
	}
	if sqlitePath != "" {
		cfg.Database.DSN = sqlitePath
	}
	if mediaRoot != "" {
		cfg.Storage.Root = mediaRoot
	}

	logger := slog.Default()

	st, err := store.Open(store.Config{DSN: cfg.Database.DSN})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		_ = st.Close()
	}()

	if err := st.SeedTemplates(cmd.Context(), processors.BuiltinTemplates()); err != nil {
		return fmt.Errorf("seeding node templates: %w", err)
	}

	blobs, err := storage.NewFSStore(cfg.Storage.Root)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}
	media, err := storage.NewService(storage.ServiceConfig{
		Blobs:  blobs,
		Assets: st,
		Bucket: cfg.Storage.Bucket,
	})
	if err != nil {
		return fmt.Errorf("creating storage service: %w", err)
	}

	registry := engine.NewRegistry()
	processors.RegisterBuiltinsLLM(registry, processors.LLMConfig{
		DefaultModel: cfg.LLM.DefaultModel,
		Timeout:      cfg.LLM.Timeout,
	})

	jobs, err := queue.NewSQLiteQueue(queue.SQLiteConfig{DB: st.DB(), Logger: logger})
	if err != nil {
		return fmt.Errorf("creating job queue: %w", err)
	}

	engCfg := engine.Config{
		Store:    st,
		Queue:    jobs,
		Storage:  media,
		Registry: registry,
		Logger:   logger,
	}

	if cfg.LLM.Provider != "" {
		provider, err := llmprovider.NewProvider(cfg.LLM.Provider, cfg.LLM.APIKey)
		if err != nil {
			return exitError(exitProvider, "resolving llm provider: %v", err)
		}
		engCfg.Provider = provider
	}

	if cfg.Telemetry.Enabled {
		events, err := telemetry.Handler(
			otelapi.GetTracerProvider().Tracer("loom/engine"),
			otelapi.GetMeterProvider().Meter("loom/engine"),
		)
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		engCfg.Events = events
	}

	eng, err := engine.New(engCfg)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	if err := eng.Start(); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer func() {
		_ = eng.Close()
	}()

	reconciler := engine.NewReconciler(eng, engine.ReconcilerConfig{
		Schedule:   cfg.Reconciler.Schedule,
		StaleAfter: cfg.Reconciler.StaleAfter,
		Logger:     logger,
	})
	// Recover batches orphaned by a previous process before serving.
	if err := reconciler.Reconcile(cmd.Context()); err != nil {
		logger.Error("startup reconcile pass failed", "error", err)
	}
	if err := reconciler.Start(); err != nil {
		return fmt.Errorf("starting reconciler: %w", err)
	}
	defer reconciler.Stop()

	srv := server.NewServer(server.Config{
		Store:      st,
		Engine:     eng,
		Storage:    media,
		CORSOrigin: cfg.Server.CORSOrigin,
		MaxBody:    cfg.Server.MaxBody(),
		Logger:     logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "loom listening on %s\n", cfg.Server.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}
