package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"visit-counter/internal/api"
	"visit-counter/internal/config"
	"visit-counter/internal/redis"
	"visit-counter/internal/service"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shardManager := redis.NewManager(cfg.RedisPoolSize)
	for _, node := range cfg.RedisNodes {
		if err := shardManager.AddShard(ctx, node); err != nil {
			logger.Fatal().Err(err).Str("shard", node).Msg("failed to add redis shard")
		}
	}

	flushEvents := config.NewFlushEventWriter(cfg.KafkaBrokers, cfg.KafkaFlushTopic)
	counterService := service.NewVisitCounterService(shardManager, cfg.CacheTTL, cfg.FlushInterval, flushEvents)
	visitHandler := api.NewVisitHandler(counterService, shardManager)

	flushDone := make(chan struct{})
	go func() {
		counterService.Run(ctx)
		close(flushDone)
	}()

	e := echo.New()

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.POST("/visit/:page_id", visitHandler.RecordVisit)
	e.GET("/visits/:page_id", visitHandler.GetVisits)

	admin := e.Group("/admin")
	if cfg.AdminJWTSecret != "" {
		admin.Use(echojwt.JWT([]byte(cfg.AdminJWTSecret)))
	}
	admin.GET("/shards", visitHandler.ListShards)
	admin.POST("/shards", visitHandler.AddShard)
	admin.DELETE("/shards", visitHandler.RemoveShard)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http server shutdown failed")
		}
	}()

	if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("http server failed")
	}

	// wait for the final buffer sweep before dropping the shard clients
	<-flushDone
	if flushEvents != nil {
		if err := flushEvents.Close(); err != nil {
			logger.Error().Err(err).Msg("closing kafka writer failed")
		}
	}
	if err := shardManager.Close(); err != nil {
		logger.Error().Err(err).Msg("closing shard clients failed")
	}
}
