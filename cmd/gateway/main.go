// Package main is the entry point for the gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/adapter"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/breaker"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/config"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/filter"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/gateway"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/healthprobe"
	httpserver "github.com/xiangbo1997/claude-api-gateway-sub002/internal/http"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/quota"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/ratelimit"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/scanner"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/selector"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/slots"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/storage"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/storage/postgres"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/telemetry"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/usage"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	manager, err := config.NewManager(*configPath, slog.Default())
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	defer manager.Close()
	cfg := manager.Get()

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("Starting gateway",
		"listen", cfg.Server.Listen,
		"db_driver", cfg.Database.Driver,
		"redis", cfg.Redis.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Config-backed repositories. Reloads swap whole snapshots.
	store := storage.NewConfigStore()
	if err := applyConfig(store, cfg); err != nil {
		slog.Error("Failed to apply configuration", "error", err)
		os.Exit(1)
	}
	manager.OnChange(func(next *config.Config) {
		if err := applyConfig(store, next); err != nil {
			slog.Error("Config reload rejected", "error", err)
		}
	})
	if err := manager.Watch(ctx); err != nil {
		slog.Warn("Config file watching unavailable", "error", err)
	}

	// Usage store.
	var usageRepo domain.UsageRepository
	switch cfg.Database.Driver {
	case "postgres":
		db, err := postgres.NewDB(postgres.Settings{
			DSN:      cfg.Database.GetDSN(),
			MaxConns: cfg.Database.MaxConns,
			MaxIdle:  cfg.Database.MaxIdle,
		})
		if err != nil {
			slog.Error("Failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			slog.Error("Failed to run migrations", "error", err)
			os.Exit(1)
		}
		usageRepo = postgres.NewUsageStore(db)
		slog.Info("Usage store initialized", "driver", "postgres")
	case "memory", "":
		usageRepo = usage.NewMemoryRepository()
		slog.Info("Usage store initialized", "driver", "memory")
	default:
		slog.Error("Unknown database driver", "driver", cfg.Database.Driver)
		os.Exit(1)
	}

	// Slot store. Redis shares slot counts across gateway instances.
	var slotStore slots.Store
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		slotStore = slots.NewRedisStore(client, cfg.Redis.KeyPrefix)
		slog.Info("Slot store initialized", "driver", "redis", "addr", cfg.Redis.Addr)
	} else {
		slotStore = slots.NewMemoryStore()
		slog.Info("Slot store initialized", "driver", "memory")
	}
	tracker := slots.NewTracker(slotStore, 0)

	metrics := telemetry.NewMetrics(nil)

	breakers := breaker.NewRegistry(
		breaker.WithLogger(logger),
		breaker.WithConfigFunc(func(providerID string) (int, time.Duration, error) {
			p, err := store.GetProvider(context.Background(), providerID)
			if err != nil {
				return 0, 0, err
			}
			return p.FailureThreshold, p.RecoveryWindow, nil
		}),
	)
	// Runs after the store swap above, so Refresh reads the new tuning.
	manager.OnChange(func(next *config.Config) {
		for _, p := range next.Providers {
			breakers.Refresh(p.ID)
		}
	})

	codec := adapter.New()

	prober := healthprobe.NewProber(healthprobe.Config{
		Enabled:  cfg.Health.Enabled,
		Interval: cfg.Health.Interval.Std(),
		Timeout:  cfg.Health.Timeout.Std(),
	}, store, codec, logger)
	prober.Start(ctx)

	// State gauges are sampled rather than pushed; the sources of truth are
	// the registry, the slot store, and the prober.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, snap := range breakers.Snapshot() {
					metrics.RecordBreakerState(snap.ProviderID, string(snap.State))
				}
				if providers, err := store.ListProviders(ctx); err == nil {
					for _, snap := range tracker.ProviderSnapshot(ctx, providers) {
						metrics.SlotsInUse.WithLabelValues(snap.ProviderID).Set(float64(snap.UsedSlots))
					}
				}
				for id, score := range prober.Scores() {
					metrics.HealthScore.WithLabelValues(id).Set(score)
				}
			}
		}
	}()

	sel := selector.NewSelector(store, breakers,
		selector.WithSlotCounter(tracker),
		selector.WithHealthScores(prober),
		selector.WithLogger(logger),
	)

	scanOpts := []scanner.Option{
		scanner.WithFuzzy(cfg.Scanner.Fuzzy),
		scanner.WithLogger(logger),
	}
	if cfg.Scanner.FuzzyThreshold > 0 {
		scanOpts = append(scanOpts, scanner.WithFuzzyThreshold(cfg.Scanner.FuzzyThreshold))
	}
	if ttl := cfg.Scanner.CacheTTL.Std(); ttl > 0 {
		scanOpts = append(scanOpts, scanner.WithTTL(ttl))
	}

	svc := gateway.NewService(gateway.Deps{
		Adapter:  codec,
		Selector: sel,
		Slots:    tracker,
		Quota:    quota.NewEnforcer(usageRepo, quota.WithLogger(logger)),
		Scanner:  scanner.NewScanner(store, scanOpts...),
		Filter:   filter.NewPipeline(store, filter.WithLogger(logger)),
		Usage:    usage.NewRecorder(usageRepo, logger),
		Metrics:  metrics,
		Price: func(model string) (domain.ModelPrice, bool) {
			return manager.Get().PriceFor(model)
		},
		Resolve: func(model string) string {
			return manager.Get().ResolveModel(model)
		},
		Logger:          logger,
		UpstreamTimeout: cfg.Server.UpstreamTimeout.Std(),
	})

	var limiter *ratelimit.KeyLimiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewKeyLimiter(ratelimit.Config{
			DefaultRPM: cfg.RateLimit.DefaultRPM,
			Burst:      cfg.RateLimit.Burst,
		})
	}

	handler := httpserver.NewServer(
		svc, codec, store, store, breakers, tracker, usageRepo,
		limiter, metrics, logger,
		httpserver.Options{
			AdminToken:     cfg.Server.AdminToken,
			MaxRequestSize: cfg.Server.MaxRequestSize,
		},
	)

	server := &http.Server{
		Addr:        cfg.Server.Listen,
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout.Std(),
		// WriteTimeout stays unset: streaming responses outlive any sane
		// fixed deadline. Per-attempt deadlines bound the upstream side.
	}

	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownTimeout := cfg.Server.ShutdownTimeout.Std()
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
	slog.Info("Gateway stopped")
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// applyConfig swaps the config-backed repositories to a new snapshot.
func applyConfig(store *storage.ConfigStore, cfg *config.Config) error {
	sealer, err := cfg.Sealer()
	if err != nil {
		return err
	}
	providers, err := cfg.DomainProviders(sealer)
	if err != nil {
		return err
	}
	keys, err := cfg.DomainKeys()
	if err != nil {
		return err
	}
	store.ReplaceProviders(providers)
	store.ReplaceKeys(keys)
	store.ReplaceFilterRules(cfg.DomainFilterRules())
	store.ReplaceWords(cfg.Scanner.Words)
	return nil
}
