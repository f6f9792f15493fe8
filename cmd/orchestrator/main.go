// Package main runs the pairdev orchestrator: sandbox lifecycle, warm
// pool, agent scheduling, multiplayer sessions and the HTTP/WebSocket
// surface, as one daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pairdev/pairdev/internal/agent/scheduler"
	"github.com/pairdev/pairdev/internal/agent/spawner"
	"github.com/pairdev/pairdev/internal/common/config"
	"github.com/pairdev/pairdev/internal/common/logger"
	"github.com/pairdev/pairdev/internal/events"
	gateway "github.com/pairdev/pairdev/internal/gateway/websocket"
	"github.com/pairdev/pairdev/internal/gitsync"
	"github.com/pairdev/pairdev/internal/sandbox"
	sandboxdocker "github.com/pairdev/pairdev/internal/sandbox/docker"
	"github.com/pairdev/pairdev/internal/sandbox/lifecycle"
	sandboxlocal "github.com/pairdev/pairdev/internal/sandbox/local"
	"github.com/pairdev/pairdev/internal/sandbox/snapshot"
	sandboxsprites "github.com/pairdev/pairdev/internal/sandbox/sprites"
	"github.com/pairdev/pairdev/internal/sandbox/warmpool"
	"github.com/pairdev/pairdev/internal/server"
	"github.com/pairdev/pairdev/internal/session/manager"
	"github.com/pairdev/pairdev/internal/session/store"
	"github.com/pairdev/pairdev/internal/tracing"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

const (
	exitOK      = 0
	exitError   = 1
	exitBadArgs = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitBadArgs
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitError
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting pairdev orchestrator",
		zap.String("store", cfg.Store.Backend),
		zap.String("sandbox_provider", cfg.Sandbox.Provider))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Error("Failed to initialize event bus", zap.Error(err))
		return exitError
	}
	defer func() { _ = busCleanup() }()
	eventBus := providedBus.Bus

	// State store: memory, sqlite or external postgres.
	sessionStore, storeCleanup, err := store.Provide(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize state store", zap.Error(err))
		return exitError
	}
	defer func() { _ = storeCleanup() }()

	// Sandbox provider.
	provider, err := newSandboxProvider(cfg, log)
	if err != nil {
		log.Error("Failed to initialize sandbox provider", zap.Error(err))
		return exitError
	}
	defer func() { _ = provider.Close() }()

	// Core components.
	sessions := manager.NewManager(sessionStore, eventBus, cfg.Session, log)
	defer sessions.Close()

	gate := gitsync.NewGate(sessions, eventBus, log)
	if err := gate.Start(); err != nil {
		log.Error("Failed to start git-sync gate", zap.Error(err))
		return exitError
	}
	defer gate.Stop()

	pool := warmpool.New(provider, cfg.WarmPool, eventBus, log)
	if err := pool.Start(ctx); err != nil {
		log.Error("Failed to start warm pool", zap.Error(err))
		return exitError
	}
	defer pool.Stop()

	snapshots := snapshot.New(provider, cfg.Snapshot, eventBus, log)
	snapshots.Start()
	defer snapshots.Stop()

	lc := lifecycle.New(sessions, snapshots, pool, provider, eventBus, cfg.Lifecycle, log)
	if err := lc.Start(); err != nil {
		log.Error("Failed to start snapshot lifecycle", zap.Error(err))
		return exitError
	}
	defer lc.Stop()

	sched := scheduler.New(spawner.New(eventBus, log), cfg.Scheduler, agentCallbacks(provider, pool, log), log)
	defer sched.Stop()

	// WebSocket gateway.
	hub := gateway.NewHub(log)
	go hub.Run(ctx)
	bridge := gateway.NewBridge(hub, eventBus, log)
	if err := bridge.Start(); err != nil {
		log.Error("Failed to start websocket bridge", zap.Error(err))
		return exitError
	}
	defer bridge.Stop()

	// HTTP surface.
	srv := server.New(cfg.Server, log)
	server.RegisterSandboxRoutes(srv.Engine(), provider, pool, snapshots, log)
	server.RegisterBackgroundRoutes(srv.Engine(), sched, eventBus, log)
	server.RegisterSessionRoutes(srv.Engine(), sessions, gate, log)
	gateway.NewHandler(hub, log).Register(srv.Engine())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
			return exitError
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracer shutdown incomplete", zap.Error(err))
	}

	log.Info("Orchestrator stopped")
	return exitOK
}

func newSandboxProvider(cfg *config.Config, log *logger.Logger) (sandbox.Provider, error) {
	switch cfg.Sandbox.Provider {
	case "docker":
		return sandboxdocker.NewProvider(cfg.Sandbox, log)
	case "sprites":
		return sandboxsprites.NewProvider(cfg.Sandbox, log)
	default:
		return sandboxlocal.NewProvider(time.Duration(cfg.Sandbox.ExecTimeout)*time.Second, log), nil
	}
}

// agentCallbacks provision a sandbox for each background agent (warm
// pool first) and execute its task inside it.
func agentCallbacks(provider sandbox.Provider, pool *warmpool.Pool, log *logger.Logger) scheduler.Callbacks {
	return scheduler.Callbacks{
		Initialize: func(ctx context.Context, agent *v1.Agent) (string, error) {
			key := sandbox.Key{Repository: agent.Repository, Branch: agent.Branch}
			if agent.Repository != "" {
				claim, err := pool.Claim(ctx, key, agent.ParentSessionID)
				if err == nil && claim.Sandbox != nil {
					return claim.Sandbox.ID, nil
				}
			}
			sb, err := provider.Create(ctx, sandbox.CreateInput{
				ProjectID:  agent.ParentSessionID,
				Repository: agent.Repository,
				Branch:     agent.Branch,
			})
			if err != nil {
				return "", err
			}
			return sb.ID, nil
		},
		Run: func(ctx context.Context, agent *v1.Agent) (string, error) {
			if agent.SandboxID == nil {
				return "", fmt.Errorf("agent %s has no sandbox", agent.ID)
			}
			result, err := provider.Execute(ctx, *agent.SandboxID, sandbox.ExecInput{
				Command: []string{"sh", "-c", agent.Task},
			})
			defer func() {
				if terminateErr := provider.Terminate(context.Background(), *agent.SandboxID); terminateErr != nil {
					log.Warn("Failed to terminate agent sandbox",
						zap.String("sandbox_id", *agent.SandboxID),
						zap.Error(terminateErr))
				}
			}()
			if err != nil {
				return "", err
			}
			if result.ExitCode != 0 {
				return "", fmt.Errorf("task exited with code %d: %s", result.ExitCode, result.Stderr)
			}
			return result.Stdout, nil
		},
	}
}
