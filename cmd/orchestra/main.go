package main

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

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/structboard/orchestra/internal/audit"
	"github.com/structboard/orchestra/internal/auth"
	"github.com/structboard/orchestra/internal/config"
	"github.com/structboard/orchestra/internal/mcp"
	"github.com/structboard/orchestra/internal/ratelimit"
	"github.com/structboard/orchestra/internal/server"
	"github.com/structboard/orchestra/internal/storage"
	"github.com/structboard/orchestra/internal/telemetry"
	"github.com/structboard/orchestra/internal/tools"
	"github.com/structboard/orchestra/migrations"
)

// version is set at build time via -ldflags.
var version = "1.0.0"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("ORCHESTRA_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("orchestra starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open the backing store. Postgres when DATABASE_URL is set; otherwise
	// the embedded SQLite store for local development.
	store, storeKind, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() { _ = store.Close(context.Background()) }()
	logger.Info("store ready", "kind", storeKind)

	envKeys, err := cfg.EnvKeys()
	if err != nil {
		return fmt.Errorf("env keys: %w", err)
	}
	if cfg.RequireAPIKey && len(envKeys) == 0 && !cfg.DBKeysEnabled {
		logger.Warn("api key enforcement is on but no key source is configured; every call will be rejected")
	}

	resolver := auth.NewResolver(store, logger, auth.Options{
		Enforce:       cfg.RequireAPIKey,
		DBKeysEnabled: cfg.DBKeysEnabled,
		Pepper:        cfg.APIKeyPepper,
		EnvKeys:       envKeys,
		EnvProjects:   cfg.EnvKeyProjects,
	})

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewStoreLimiter(store, logger, cfg.RateLimitPerMin, cfg.RateLimitAnonMin)
		logger.Info("rate limiting: store-backed fixed window",
			"per_min", cfg.RateLimitPerMin, "anon_per_min", cfg.RateLimitAnonMin)
	} else {
		limiter = ratelimit.Noop{}
		logger.Info("rate limiting: disabled")
	}

	trail := audit.NewTrail(store, logger)
	registry := tools.NewRegistry(store, trail)

	gateway := server.NewGateway(server.GatewayConfig{
		Resolver:       resolver,
		Limiter:        limiter,
		Registry:       registry,
		Trail:          trail,
		Store:          store,
		Logger:         logger,
		Version:        version,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})

	// MCP server shares the gateway pipeline, mounted at /mcp.
	mcpSrv := mcp.New(gateway, version, logger)

	srv := server.New(server.ServerConfig{
		Gateway:             gateway,
		Logger:              logger,
		MCPHandler:          mcpSrv.HTTPHandler(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		StoreKind:           storeKind,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Expired idempotency records and closed rate-limit windows are swept
	// periodically so the store does not grow without bound.
	g.Go(func() error {
		cleanupLoop(gctx, store, logger, cfg.CleanupInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		slog.Info("orchestra shutting down")
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}

		// Let detached audit writes land before the store closes.
		trail.Flush()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("orchestra stopped")
	return nil
}

// openStore selects and initializes the backing store.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, string, error) {
	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, "", err
		}
		// Dev-mode migrations; production schemas are managed externally.
		if err := pg.RunMigrations(ctx, migrations.FS); err != nil {
			logger.Warn("migrations failed", "error", err)
		}
		return pg, "postgres", nil
	}

	lite, err := storage.NewSQLite(ctx, cfg.SQLitePath, logger)
	if err != nil {
		return nil, "", err
	}
	return lite, "sqlite", nil
}

func cleanupLoop(ctx context.Context, store storage.Store, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.CleanupExpired(ctx, time.Now().UTC())
			if err != nil {
				logger.Warn("cleanup sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("cleanup sweep complete", "rows_removed", removed)
			}
		}
	}
}
