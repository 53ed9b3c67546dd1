package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"bhr/internal/app"
	"bhr/internal/config"
	"bhr/internal/tasks"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zlog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg := config.Load()
	if cfg.LogDebug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	zlog.Info().Msg("Starting BHR Standalone Worker")

	a, err := app.Bootstrap(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to bootstrap app")
	}
	defer a.Close()

	asynqServer := asynq.NewServer(
		a.RedisOpts,
		asynq.Config{
			Concurrency: 20,
			Queues: map[string]int{
				"default": 5,
				"low":     2,
			},
		},
	)

	asynqMux := asynq.NewServeMux()
	asynqMux.Handle(tasks.TypeExpirySweep, tasks.NewSweepTaskHandler(a.BlockService))
	asynqMux.Handle(tasks.TypeGeoIPReload, tasks.NewGeoIPTaskHandler(a.GeoService))

	go func() {
		if err := asynqServer.Run(asynqMux); err != nil {
			zlog.Fatal().Err(err).Msg("Failed to run asynq server")
		}
	}()

	asynqScheduler := asynq.NewScheduler(a.RedisOpts, &asynq.SchedulerOpts{})
	if _, err := asynqScheduler.Register("@every 1m", tasks.NewExpirySweepTask()); err != nil {
		zlog.Error().Err(err).Msg("Failed to schedule expiry sweep")
	}
	if _, err := asynqScheduler.Register("@every 72h", tasks.NewGeoIPReloadTask()); err != nil {
		zlog.Error().Err(err).Msg("Failed to schedule GeoIP reload")
	}

	go func() {
		if err := asynqScheduler.Run(); err != nil {
			zlog.Fatal().Err(err).Msg("Failed to run asynq scheduler")
		}
	}()

	zlog.Info().Msg("Worker running. Press Ctrl+C to exit.")
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info().Msg("Shutting down worker...")
	asynqScheduler.Shutdown()
	asynqServer.Shutdown()
	zlog.Info().Msg("Worker exited")
}
