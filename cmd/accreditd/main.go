// Package main is the entry point for the credentialing API server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/accredit/internal/accreditation"
	"github.com/pitabwire/accredit/internal/application"
	"github.com/pitabwire/accredit/internal/audit"
	"github.com/pitabwire/accredit/internal/cache"
	"github.com/pitabwire/accredit/internal/capability"
	"github.com/pitabwire/accredit/internal/changefeed"
	"github.com/pitabwire/accredit/internal/config"
	"github.com/pitabwire/accredit/internal/contract"
	"github.com/pitabwire/accredit/internal/decision"
	"github.com/pitabwire/accredit/internal/docstore"
	"github.com/pitabwire/accredit/internal/gateway"
	"github.com/pitabwire/accredit/internal/idempotency"
	"github.com/pitabwire/accredit/internal/observability"
	"github.com/pitabwire/accredit/internal/openapi"
	"github.com/pitabwire/accredit/internal/sanction"
	"github.com/pitabwire/accredit/internal/store"
	"github.com/pitabwire/accredit/internal/transport"
	"github.com/pitabwire/accredit/internal/webhook"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "accreditd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Persistence.
	st, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer storeCloser()

	// Step 5: Redis-backed cache and change feed (optional).
	var rdb *redis.Client
	if cfg.Cache.Driver == "redis" || cfg.ChangeFeed.Driver == "redis" {
		rdb, err = buildRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Error("redis initialization failed", zap.Error(err))
			return 1
		}
		defer rdb.Close()
	}

	var kv cache.Cache = cache.NewMemory()
	if cfg.Cache.Driver == "redis" {
		kv = cache.NewRedis(rdb, cfg.Cache.KeyPrefix)
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	hub := changefeed.NewHub(cfg.ChangeFeed.Buffer)
	hub.OnSubscribers = metrics.AddChangeFeedSubscribers
	var feed changefeed.Feed = hub
	if cfg.ChangeFeed.Driver == "redis" {
		rf := changefeed.NewRedisFeed(rdb, cfg.ChangeFeed.Channel, hub, logger)
		if err := rf.Start(bgCtx); err != nil {
			logger.Error("change feed initialization failed", zap.Error(err))
			return 1
		}
		feed = rf
	}

	// Step 6: Contract document storage.
	docs, err := buildDocuments(ctx, cfg.Documents)
	if err != nil {
		logger.Error("document store initialization failed", zap.Error(err))
		return 1
	}

	// Step 7: External service clients.
	clientOpts := []gateway.Option{gateway.WithLogger(logger), gateway.WithRecorder(metrics)}
	signer := gateway.NewSigningClient(gateway.NewClient("signing", cfg.Integrations.Signing, clientOpts...))
	var idValidator transport.IDValidator
	if cfg.Integrations.TaxID.BaseURL != "" && cfg.Integrations.License.BaseURL != "" {
		idValidator = gateway.NewIDValidator(
			gateway.NewClient("tax_id", cfg.Integrations.TaxID, clientOpts...),
			gateway.NewClient("license", cfg.Integrations.License, clientOpts...),
			kv, cfg.Integrations.TaxID.CacheTTL, cfg.Integrations.License.CacheTTL, logger, metrics,
		)
	} else {
		logger.Warn("tax id or license service not configured, validator endpoints disabled")
	}
	var geocoder *gateway.Geocoder
	if cfg.Integrations.Geocoding.BaseURL != "" {
		geocoder = gateway.NewGeocoder(
			gateway.NewClient("geocoding", cfg.Integrations.Geocoding, clientOpts...),
			kv, cfg.Integrations.Geocoding.CacheTTL, logger, metrics,
		)
	} else {
		logger.Warn("geocoding service not configured, providers are stored without coordinates")
	}

	// Step 8: Domain services.
	sink := audit.NewSink(st, feed, logger, metrics)

	templates, err := contract.LoadTemplates(cfg.Contracts.TemplatesDir)
	if err != nil {
		logger.Error("contract templates failed to load", zap.Error(err))
		return 1
	}

	var providerGeocoder accreditation.Geocoder
	if geocoder != nil {
		providerGeocoder = geocoder
	}
	providers := accreditation.NewService(st, providerGeocoder, sink, logger, cfg.Certificates)
	coordinator := contract.NewCoordinator(st, docs, templates, signer, providers, sink, metrics, logger, cfg.Contracts)
	sanctions := sanction.NewService(st, sink, metrics, logger)

	secret := config.Secret(cfg.Webhook.SecretEnv)
	if secret == "" {
		logger.Warn("webhook secret is empty, every signature callback will be rejected",
			zap.String("env", cfg.Webhook.SecretEnv))
	}
	receiver := webhook.NewReceiver(
		webhook.NewVerifier(cfg.Webhook, secret),
		kv, cfg.Webhook.DedupTTL, coordinator, metrics, logger,
	)

	// Step 9: Authorization and request schemas.
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		logger.Error("capability policy failed to load", zap.Error(err))
		return 1
	}
	capResolver := capability.NewResolver(evaluator, cfg.Capability.CacheTTL, metrics)

	schemas, err := openapi.Load()
	if err != nil {
		logger.Error("OpenAPI document failed to load", zap.Error(err))
		return 1
	}

	var idem *idempotency.Store
	if cfg.Server.IdempotencyTTL > 0 {
		idem = idempotency.NewStore(kv, cfg.Server.IdempotencyTTL)
	}

	// Step 10: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	deps := transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: capResolver,
		Metrics:            metrics,
		Readiness: observability.ReadinessChecks{
			Store:      observability.HealthCheckFunc(st.Ping),
			Cache:      observability.HealthCheckFunc(kv.Ping),
			Documents:  observability.HealthCheckFunc(docs.Ping),
			ChangeFeed: observability.HealthCheckFunc(feed.Ping),
		},
		Schemas:      schemas,
		Idempotency:  idem,
		Applications: application.NewService(st, sink, logger),
		Decisions:    decision.NewRecorder(st, sink, metrics, logger),
		Contracts:    coordinator,
		Providers:    providers,
		Sanctions:    sanctions,
		IDValidator:  idValidator,
		Changes:      feed,
		Webhooks:     receiver,
	}
	if geocoder != nil {
		deps.Geocoder = geocoder
	}
	router := transport.NewRouter(deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 11: Start background tasks.
	go sanctions.Run(bgCtx, cfg.Sanctions.CheckInterval)

	// Step 12: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.Strings("roles", evaluator.Roles()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests. Change
	// streams hold their connections open, so cancel them first.
	bgCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStore creates the store selected by config. The returned closer is
// never nil.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Warn("using in-memory store, data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	case "postgres":
		dsn := config.Secret(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		pg := store.NewPgStore(pool)
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("store: %w", err)
			}
		}
		return pg, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

func buildRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	addr := config.Secret(cfg.AddrEnv)
	if addr == "" {
		return nil, fmt.Errorf("redis: %s environment variable not set", cfg.AddrEnv)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.Secret(cfg.PasswordEnv),
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

func buildDocuments(ctx context.Context, cfg config.DocumentsConfig) (docstore.Store, error) {
	switch cfg.Driver {
	case "memory", "":
		return docstore.NewMemory(), nil
	case "minio":
		m, err := docstore.NewMinio(cfg)
		if err != nil {
			return nil, err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported documents driver: %q", cfg.Driver)
	}
}
