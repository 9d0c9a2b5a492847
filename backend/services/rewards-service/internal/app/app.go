package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	libredis "evrewards/backend/libs/redis"
	"evrewards/backend/services/rewards-service/internal/config"
	"evrewards/backend/services/rewards-service/internal/consumer"
	"evrewards/backend/services/rewards-service/internal/db"
	httpserver "evrewards/backend/services/rewards-service/internal/http"
	"evrewards/backend/services/rewards-service/internal/http/handlers"
	"evrewards/backend/services/rewards-service/internal/http/middleware"
	redisstore "evrewards/backend/services/rewards-service/internal/redis"
	"evrewards/backend/services/rewards-service/internal/repository"
	"evrewards/backend/services/rewards-service/internal/service"
	"evrewards/backend/services/rewards-service/internal/store"
	"evrewards/backend/services/rewards-service/internal/store/memory"
	"evrewards/backend/services/rewards-service/internal/ws"
)

// Core is the storage and domain graph shared by every command.
type Core struct {
	Store    store.Store
	Services *service.Services
	Sweeper  *service.Sweeper

	redisClient *redis.Client
	logger      *zap.Logger
}

// NewCore opens storage and wires the domain services.
func NewCore(cfg *config.Config, logger *zap.Logger) (*Core, error) {
	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	core := &Core{Store: st, logger: logger}

	var locker service.Locker
	var cache service.SessionCache
	if cfg.RedisEnabled() {
		client, err := libredis.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("app: redis: %w", err)
		}
		core.redisClient = client
		locker = redisstore.NewLocker(client, cfg.LockTTL(), logger.Named("locker"))
		cache = redisstore.NewSessionCache(client, cfg.CacheTTL())
	}

	policies := cfg.Policies()
	core.Services = service.NewServices(st, locker, cache, policies, logger)
	core.Sweeper = service.NewSweeper(
		core.Services.Tracker,
		core.Services.Reconciler,
		core.Services.Ledger,
		cfg.SweepInterval(),
		cfg.AuditInterval(),
		policies.Matching.BatchSize,
		logger.Named("sweeper"),
	)
	return core, nil
}

func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.Database.Driver == config.DriverMemory {
		logger.Warn("using in-memory store; data is lost on restart")
		return memory.New(), nil
	}
	if cfg.Database.AutoMigrate {
		if err := db.MigrateUp(cfg.Database.DSN); err != nil {
			return nil, err
		}
	}
	sqlDB, err := db.NewPostgres(cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, fmt.Errorf("app: postgres: %w", err)
	}
	return repository.NewPostgresStore(sqlDB, logger.Named("store")), nil
}

// Close releases resources.
func (c *Core) Close() {
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			c.logger.Warn("failed to close store", zap.Error(err))
		}
	}
	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			c.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}

// App wires rewards-service dependencies.
type App struct {
	core     *Core
	server   *httpserver.Server
	manager  *ws.Manager
	consumer *consumer.Consumer
	logger   *zap.Logger
}

// New constructs the application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	core, err := NewCore(cfg, logger)
	if err != nil {
		return nil, err
	}
	services := core.Services

	var identity func(http.Handler) http.Handler = middleware.HeaderMiddleware
	var streamIdentity ws.IdentityFunc = ws.QueryIdentity
	if secret := cfg.Auth.JWTSecret; secret != "" {
		identity = middleware.AuthMiddleware(secret)
		streamIdentity = func(r *http.Request) (string, bool) {
			userID, err := middleware.UserFromToken(r, secret)
			return userID, err == nil
		}
	}

	manager := ws.NewManager(cfg.PingInterval())
	stream := ws.NewServer(manager, services.Tracker, streamIdentity, cfg.WriteTimeout(), logger.Named("ws"))

	router := httpserver.NewRouter(httpserver.RouterDeps{
		Sessions:  handlers.NewSessionsHandler(services.Tracker, logger),
		Pos:       handlers.NewPosHandler(services.Ingestor, logger),
		Wallet:    handlers.NewWalletHandler(services.Ledger, logger),
		Social:    handlers.NewSocialHandler(services.Reputation, logger),
		Merchants: handlers.NewMerchantsHandler(services.Merchants, services.Ledger, logger),
		Health: handlers.NewHealthHandler(func(r *http.Request) error {
			return core.Store.Ping(r.Context())
		}),
		Stream:   stream.HandleWS,
		Identity: identity,
	})

	a := &App{
		core:    core,
		server:  httpserver.NewServer(cfg.HTTPAddress(), router, logger),
		manager: manager,
		logger:  logger,
	}

	if cfg.RabbitEnabled() {
		a.consumer, err = consumer.New(consumer.Config{
			URL:           cfg.Rabbit.URL,
			WebhookQueue:  cfg.Rabbit.WebhookQueue,
			LocationQueue: cfg.Rabbit.LocationQueue,
			Prefetch:      cfg.Rabbit.Prefetch,
			Workers:       cfg.Rabbit.Workers,
		}, services.Ingestor, services.Tracker, logger.Named("consumer"))
		if err != nil {
			core.Close()
			return nil, err
		}
	}
	return a, nil
}

// Run starts every component and blocks until ctx ends or one of them fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		a.manager.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		a.core.Sweeper.Run(ctx)
	}()

	if a.consumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.consumer.Start(ctx); err != nil {
				errCh <- fmt.Errorf("consumer: %w", err)
				cancel()
			}
		}()
	}

	err := a.server.Run(ctx)
	cancel()
	wg.Wait()
	close(errCh)

	errs := []error{err}
	for e := range errCh {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}

// Close releases resources.
func (a *App) Close() {
	if a.consumer != nil {
		a.consumer.Close()
	}
	a.core.Close()
}
