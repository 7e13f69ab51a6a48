package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mzanetti/agentrun/internal/agent"
	"github.com/mzanetti/agentrun/internal/config"
	"github.com/mzanetti/agentrun/internal/httpapi"
	"github.com/mzanetti/agentrun/internal/observability"
	"github.com/mzanetti/agentrun/internal/orchestrator"
	"github.com/mzanetti/agentrun/internal/reliability"
	"github.com/mzanetti/agentrun/internal/sessions"
	"github.com/mzanetti/agentrun/internal/stream"
	"github.com/mzanetti/agentrun/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := tasks.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("task store init failed: %v", err)
	}
	defer store.Close()

	storeMode := "memory"
	if cfg.DatabaseURL != "" {
		storeMode = "postgres"
	}
	log.Printf("task store: %s", storeMode)

	state := tasks.NewState(store)
	if err := state.Load(ctx); err != nil {
		log.Fatalf("task state load failed: %v", err)
	}
	state.SetRollbackObserver(func(entity string) {
		metrics.MutationRollbacks.WithLabelValues(entity).Inc()
	})

	runner, err := agent.NewRunner(agent.Config{
		Mode:       cfg.RunnerMode,
		GatewayURL: cfg.GatewayURL,
		Token:      cfg.GatewayToken,
	})
	if err != nil {
		log.Fatalf("agent runner init failed: %v", err)
	}

	ready := reliability.WaitReady(ctx, reliability.ProbeConfig{
		InitialDelay: cfg.ReadinessInitialDelay,
		MaxDelay:     cfg.ReadinessMaxDelay,
		MaxAttempts:  cfg.ReadinessMaxAttempts,
	}, runner.Health)
	if ready {
		log.Printf("agent runtime reachable at %s", cfg.GatewayURL)
	} else {
		// Serve anyway; /readyz stays red and executions fail fast until
		// the runtime comes up.
		log.Printf("agent runtime not reachable after %d attempts, continuing degraded", cfg.ReadinessMaxAttempts)
	}

	sessionStore := sessions.NewStore()
	orch := orchestrator.New(runner, state, sessionStore, metrics, cfg.ExecutionTimeout, cfg.DefaultModelID)

	api := httpapi.New(cfg, state, sessionStore, orch, runner, metrics, storeMode)
	sessionStore.SetChangeHook(api.SessionsChanged)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	consumer := stream.NewConsumer(runner, sessionStore, metrics, "", cfg.StreamReconnectInitial, cfg.StreamReconnectMax)
	stopConsumer := consumer.Start(runCtx)
	defer stopConsumer()

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
