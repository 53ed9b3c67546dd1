package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"bhr/internal/config"
	"bhr/internal/repository"
	"bhr/internal/service"
	"bhr/internal/storage"
	"bhr/internal/storage/postgres"
)

type App struct {
	Config           *config.Config
	RedisRepo        *repository.RedisRepository
	Store            storage.Store
	AuthService      *service.AuthService
	BlockService     *service.BlockService
	WhitelistService *service.WhitelistService
	GeoService       *service.GeoIPService
	Sweeper          *service.SweeperService
	RedisOpts        asynq.RedisClientOpt
}

func Bootstrap(cfg *config.Config) (*App, error) {
	redisRepo := repository.NewRedisRepository(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, cfg.RedisDB)
	if err := redisRepo.GetClient().Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store, err := postgres.New(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	geoService := service.NewGeoIPService(cfg.GeoIPDir)
	whitelistService := service.NewWhitelistService(store)
	blockService := service.NewBlockService(store, whitelistService, redisRepo, geoService)
	authService := service.NewAuthService(store)
	sweeper := service.NewSweeperService(blockService, redisRepo, time.Duration(cfg.SweepInterval)*time.Second)

	redisOpts := asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	return &App{
		Config:           cfg,
		RedisRepo:        redisRepo,
		Store:            store,
		AuthService:      authService,
		BlockService:     blockService,
		WhitelistService: whitelistService,
		GeoService:       geoService,
		Sweeper:          sweeper,
		RedisOpts:        redisOpts,
	}, nil
}

func (a *App) Close() {
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	if a.GeoService != nil {
		a.GeoService.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
	if a.RedisRepo != nil {
		_ = a.RedisRepo.Close()
	}
}
