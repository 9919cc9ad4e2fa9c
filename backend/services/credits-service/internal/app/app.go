package app

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	libredis "communityhub/backend/libs/redis"
	"communityhub/backend/services/credits-service/internal/auth"
	"communityhub/backend/services/credits-service/internal/config"
	"communityhub/backend/services/credits-service/internal/db"
	httpserver "communityhub/backend/services/credits-service/internal/http"
	"communityhub/backend/services/credits-service/internal/http/handlers"
	"communityhub/backend/services/credits-service/internal/http/middleware"
	redisstore "communityhub/backend/services/credits-service/internal/redis"
	"communityhub/backend/services/credits-service/internal/repository"
	"communityhub/backend/services/credits-service/internal/service"
)

const migrateTimeout = 30 * time.Second

// Core holds the storage handles and services shared by the server and the allocator.
type Core struct {
	DB          *sql.DB
	Redis       *redis.Client
	Credits     *service.CreditService
	Pricing     *service.PricingService
	Charges     *service.ChargeService
	Allocations *service.AllocationService

	logger *zap.Logger
}

// NewCore opens storage, applies migrations and builds the services.
func NewCore(cfg *config.Config, logger *zap.Logger) (*Core, error) {
	sqlDB, dialect, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	core := &Core{DB: sqlDB, logger: logger}

	repo := repository.NewLedgerRepository(sqlDB, dialect)
	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()
	if err := repo.Migrate(ctx); err != nil {
		core.Close()
		return nil, err
	}

	var cache service.BalanceCache
	if cfg.RedisEnabled() {
		client, err := libredis.NewRedisClient(libredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			core.Close()
			return nil, err
		}
		core.Redis = client
		cache = redisstore.NewBalanceCache(client, cfg.Redis.TTL)
	}

	core.Credits = service.NewCreditService(repo, cache, logger)
	core.Pricing = service.NewPricingService(cfg.PricingConfig(), core.Credits)
	core.Charges = service.NewChargeService(core.Pricing, core.Credits, logger)
	core.Allocations = service.NewAllocationService(core.Credits, cfg.Finance.Credits, logger)

	logger.Info("ledger storage ready",
		zap.String("driver", dialect.String()),
		zap.Bool("balance_cache", cache != nil),
	)
	return core, nil
}

// Close releases resources.
func (c *Core) Close() {
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.logger.Warn("failed to close db", zap.Error(err))
		}
	}
}

// App wires credits service dependencies.
type App struct {
	core   *Core
	server *httpserver.Server
}

// New constructs application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg.JWT.Secret == "" {
		return nil, errors.New("config: jwt secret required")
	}

	core, err := NewCore(cfg, logger)
	if err != nil {
		return nil, err
	}

	tokens := auth.NewTokenService(cfg.JWT.Secret, 0)
	router := httpserver.NewRouter(httpserver.RouterDeps{
		Member: handlers.NewMemberHandlers(core.Credits, core.Pricing, core.Charges, logger),
		Admin:  handlers.NewAdminHandlers(core.Credits, core.Allocations, logger),
		Health: handlers.NewHealthHandler(core.DB),
		Auth:   middleware.AuthMiddleware(tokens),
		Logger: logger,
	})

	return &App{
		core:   core,
		server: httpserver.NewServer(cfg.HTTPAddress(), router, logger),
	}, nil
}

// Run starts HTTP server.
func (a *App) Run(ctx context.Context) error {
	return a.server.Run(ctx)
}

// Close releases resources.
func (a *App) Close() {
	a.core.Close()
}
