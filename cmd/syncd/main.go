// Command syncd runs the collaborative memory synchronization daemon:
// the WebSocket session hub, the Redis persistence collaborator, and
// the embedding consistency layer behind one HTTP listener.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/config"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/embedding"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/graph"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/observability"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/presence"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/storage"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/transport"
)

func main() {
	logger := observability.NewStandardLogger("syncd")
	metrics := observability.NewInMemoryMetricsClient()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if cfg.Auth.RequireAuth && cfg.Auth.JWTSecret == "" {
		logger.Fatal("auth.require_auth is set but auth.jwt_secret is empty", nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence is a collaborator, not a requirement: without Redis the
	// daemon still serves sessions, it just cannot restore them.
	var store storage.Store
	redisStore, err := storage.NewRedisStore(storage.Config{
		Address:     cfg.Redis.Address,
		Password:    cfg.Redis.Password,
		Database:    cfg.Redis.Database,
		DialTimeout: cfg.Redis.DialTimeout,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, running without persistence", map[string]interface{}{
			"address": cfg.Redis.Address,
			"error":   err.Error(),
		})
	} else {
		store = redisStore
	}

	hub := transport.NewHub(transport.Config{
		HeartbeatInterval:  cfg.Sync.HeartbeatInterval,
		MissedHeartbeats:   cfg.Sync.MissedHeartbeats,
		ReconnectInitial:   cfg.Sync.ReconnectInitial,
		ReconnectMax:       cfg.Sync.ReconnectMax,
		SaveInterval:       cfg.Sync.SaveInterval,
		RateLimitPerSecond: cfg.Sync.RateLimitPerSecond,
		RateLimitBurst:     cfg.Sync.RateLimitBurst,
		MessageLatencyMax:  cfg.Sync.MessageLatencyMax,
		EndToEndLatencyMax: cfg.Sync.EndToEndLatencyMax,
		SendQueueSize:      cfg.Sync.SendQueueSize,
		MaxMessageSize:     cfg.Sync.MaxMessageSizeBytes,
		RequireAuth:        cfg.Auth.RequireAuth,
		JWTSecret:          cfg.Auth.JWTSecret,
	}, store, graph.Config{
		CyclePolicy:   graph.CyclePolicy(cfg.Graph.CyclePolicy),
		StrengthMerge: graph.StrengthMergeMode(cfg.Graph.StrengthMerge),
	}, presence.Config{
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		Timeout:           cfg.Presence.Timeout,
		CursorMinInterval: cfg.Presence.CursorMinInterval,
	}, logger, metrics)

	if cfg.Embedding.ServiceURL != "" {
		provider := embedding.NewHTTPProvider(embedding.HTTPProviderConfig{
			BaseURL: cfg.Embedding.ServiceURL,
			APIKey:  cfg.Embedding.APIKey,
			Model:   cfg.Embedding.Model,
		})
		hub.SetEmbeddingProvider(provider, embedding.Config{
			StalenessWindow: cfg.Embedding.StalenessWindow,
			CacheSize:       cfg.Embedding.CacheSize,
			RetryMaxElapsed: cfg.Embedding.RetryMaxElapsed,
		})
		logger.Info("embedding tracking enabled", map[string]interface{}{
			"service_url": cfg.Embedding.ServiceURL,
		})
	}

	server := transport.NewServer(hub, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("listening", map[string]interface{}{
			"address":     cfg.Server.ListenAddress,
			"environment": cfg.Environment,
			"persistence": store != nil,
		})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listener failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("listener shutdown failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	hub.Close()
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Error("storage close failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	logger.Info("stopped", nil)
	os.Exit(0)
}
