// Command weftd runs the weft agent runtime: a node catalog, the workflow
// designer/executor/optimizer stages, and the WebSocket chat protocol that
// drives them, plus a small read-only HTTP surface for health and stats.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/weftworks/weft/core"
	"github.com/weftworks/weft/llm"
	_ "github.com/weftworks/weft/llm/providers/anthropic"
	_ "github.com/weftworks/weft/llm/providers/mock"
	_ "github.com/weftworks/weft/llm/providers/openai"
	"github.com/weftworks/weft/orchestration"
	"github.com/weftworks/weft/session"
	"github.com/weftworks/weft/telemetry"
)

func main() {
	cfg, err := core.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "weftd: %v\n", err)
		os.Exit(1)
	}

	logger := core.NewProductionLogger(cfg.Name)
	logger.SetLevel(cfg.Logging.Level)

	if err := run(cfg, logger); err != nil {
		logger.Error("weftd exited", map[string]interface{}{
			"operation": "startup",
			"error":     err.Error(),
		})
		os.Exit(1)
	}
}

func run(cfg *core.Config, logger *core.ProductionLogger) error {
	// Telemetry is optional: with no collector the process just runs
	// without metrics, it never refuses to start.
	if cfg.Telemetry.Enabled {
		if err := telemetry.Initialize(telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
		}); err != nil {
			logger.Warn("Telemetry initialization failed", map[string]interface{}{
				"operation": "startup",
				"error":     err.Error(),
			})
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				telemetry.Shutdown(ctx)
			}()
		}
	}

	ai, err := llm.NewClient(
		llm.WithProvider(cfg.LLM.Provider),
		llm.WithAPIKey(cfg.LLM.APIKey),
		llm.WithBaseURL(cfg.LLM.BaseURL),
		llm.WithModel(cfg.LLM.Model),
		llm.WithTemperature(cfg.LLM.Temperature),
		llm.WithMaxTokens(cfg.LLM.MaxTokens),
		llm.WithTimeout(cfg.LLM.Timeout),
		llm.WithLogger(logger.WithComponent("llm")),
	)
	if err != nil {
		return fmt.Errorf("llm client: %w", err)
	}

	// Node catalog: a registry document when configured, the built-in
	// capability set otherwise. Catalog failures are startup-fatal.
	catalog := orchestration.NewCatalog(logger.WithComponent("catalog"))
	builtins := orchestration.NewBuiltins(ai, logger.WithComponent("builtins"))
	if cfg.Registry.File != "" {
		if err := catalog.LoadCatalogFile(cfg.Registry.File, builtins.Binder()); err != nil {
			return fmt.Errorf("load catalog %s: %w", cfg.Registry.File, err)
		}
	} else if err := builtins.RegisterAll(catalog); err != nil {
		return fmt.Errorf("register built-in nodes: %w", err)
	}

	store, err := orchestration.NewStore(cfg.Store.Root, catalog, logger.WithComponent("store"))
	if err != nil {
		return fmt.Errorf("open workflow store: %w", err)
	}

	permissions := orchestration.NewPermissionManager(cfg.Permissions, logger.WithComponent("permissions"))
	defer permissions.Close()

	designerCfg := orchestration.DesignerConfig{
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}
	designer := orchestration.NewDesigner(ai, catalog, store, designerCfg, logger.WithComponent("designer"))
	reviewer := orchestration.NewReviewer(ai, catalog, designerCfg, logger.WithComponent("reviewer"))
	executor := orchestration.NewExecutor(catalog, permissions, cfg.Executor, logger.WithComponent("executor"))
	optimizer := orchestration.NewOptimizer(ai, store, designerCfg, logger.WithComponent("optimizer"))

	// Redis selects the distributed session and run backends; without it
	// everything lives in process memory.
	var (
		provider orchestration.StorageProvider
		manager  session.Manager
	)
	if cfg.Redis.URL != "" {
		provider, err = orchestration.NewRedisStorageProvider(cfg.Redis.URL, logger.WithComponent("runstore"))
		if err != nil {
			return fmt.Errorf("run store redis: %w", err)
		}
		manager, err = session.NewRedisManager(cfg.Redis.URL, session.ManagerConfig{
			MaxMessages: cfg.Session.HistoryWindow,
		}, logger.WithComponent("sessions"))
		if err != nil {
			return fmt.Errorf("session manager redis: %w", err)
		}
	} else {
		provider = orchestration.NewMemoryStorageProvider()
		manager = session.NewMemoryManager(session.ManagerConfig{
			MaxMessages: cfg.Session.HistoryWindow,
		}, logger.WithComponent("sessions"))
	}
	defer manager.Close()

	runs := orchestration.NewRunStore(provider, orchestration.RunStoreConfig{}, logger.WithComponent("runstore"))

	runtime := session.NewRuntime(session.RuntimeDeps{
		Designer:    designer,
		Reviewer:    reviewer,
		Executor:    executor,
		Optimizer:   optimizer,
		Permissions: permissions,
		Runs:        runs,
		Sessions:    manager,
	}, cfg, logger.WithComponent("runtime"))

	ws := session.NewWSHandler(runtime, nil, logger.WithComponent("ws"))
	srv := session.NewServer(cfg, store, runs, manager, ws, logger.WithComponent("http"))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("weftd started", map[string]interface{}{
		"operation": "startup",
		"port":      cfg.Port,
		"provider":  cfg.LLM.Provider,
		"nodes":     catalog.Len(),
		"templates": store.Stats().TotalTemplates,
		"redis":     cfg.Redis.URL != "",
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case sig := <-sigCh:
		logger.Info("Shutting down", map[string]interface{}{
			"operation": "shutdown",
			"signal":    sig.String(),
		})
		ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("HTTP shutdown incomplete", map[string]interface{}{
				"operation": "shutdown",
				"error":     err.Error(),
			})
		}
		runtime.Close()
	}
	return nil
}
