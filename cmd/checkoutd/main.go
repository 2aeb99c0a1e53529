package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/agentcommerce/checkout-bridge/internal/checkout"
	"github.com/agentcommerce/checkout-bridge/internal/config"
	httptransport "github.com/agentcommerce/checkout-bridge/internal/http"
	"github.com/agentcommerce/checkout-bridge/internal/http/handler"
	httpmiddleware "github.com/agentcommerce/checkout-bridge/internal/http/middleware"
	"github.com/agentcommerce/checkout-bridge/internal/idempotency"
	"github.com/agentcommerce/checkout-bridge/internal/identity"
	"github.com/agentcommerce/checkout-bridge/internal/kvstore"
	"github.com/agentcommerce/checkout-bridge/internal/merchant"
	"github.com/agentcommerce/checkout-bridge/internal/payment"
	"github.com/agentcommerce/checkout-bridge/internal/server"
	"github.com/agentcommerce/checkout-bridge/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newKVStore,
			newRegistry,
			newClientResolver,
			newTokenManager,
			identity.NewService,
			newSessionStore,
			newIdempotencyGuard,
			newPaymentProvider,
			payment.NewService,
			newMerchantAdapter,
			checkout.NewService,
			handler.NewCheckoutHandler,
			handler.NewPaymentHandler,
			handler.NewIdentityHandler,
			newAuthMiddleware,
			newRateLimiter,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, seedDemoRegistrations, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.IsProduction() {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newKVStore(client redis.UniversalClient) kvstore.Store {
	return kvstore.NewRedisStore(client)
}

func newRegistry(pool *pgxpool.Pool) identity.Registry {
	return identity.NewPostgresRegistry(pool)
}

func newClientResolver(registry identity.Registry, cfg config.Config, logger *zap.Logger) *identity.ClientResolver {
	return identity.NewClientResolver(registry, cfg, logger)
}

func newTokenManager(store kvstore.Store, cfg config.Config, logger *zap.Logger) *identity.TokenManager {
	return identity.NewTokenManager(store, cfg, logger)
}

func newSessionStore(store kvstore.Store, cfg config.Config) *checkout.SessionStore {
	return checkout.NewSessionStore(store, cfg.SessionTTL, cfg.CompletedRetentionTTL)
}

func newIdempotencyGuard(store kvstore.Store, cfg config.Config, logger *zap.Logger) *idempotency.Guard {
	return idempotency.NewGuard(store, cfg.IdempotencyWindow, logger)
}

func newPaymentProvider() payment.Provider {
	return payment.NewMockProvider()
}

func newMerchantAdapter(node *snowflake.Node) merchant.Adapter {
	return merchant.NewMockAdapter(node)
}

func newAuthMiddleware(tokens *identity.TokenManager) *httpmiddleware.Auth {
	return &httpmiddleware.Auth{Tokens: tokens}
}

func newRateLimiter(cfg config.Config) *httpmiddleware.RateLimiter {
	return httpmiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func seedDemoRegistrations(registry identity.Registry, cfg config.Config, logger *zap.Logger) error {
	return identity.EnsureDemoRegistrations(registry, cfg, logger)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
