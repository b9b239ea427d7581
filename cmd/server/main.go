package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/feedflow/config"
	"github.com/d60-Lab/feedflow/internal/api"
	"github.com/d60-Lab/feedflow/internal/api/handler"
	"github.com/d60-Lab/feedflow/internal/hub"
	"github.com/d60-Lab/feedflow/internal/queue"
	"github.com/d60-Lab/feedflow/internal/repository"
	"github.com/d60-Lab/feedflow/internal/service"
	"github.com/d60-Lab/feedflow/pkg/database"
	"github.com/d60-Lab/feedflow/pkg/logger"
	"github.com/d60-Lab/feedflow/pkg/telemetry"
)

// @title feedflow API
// @version 1.0
// @description 社交 feed 扇出与实时推送服务
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN}); err != nil {
			log.Warn("init sentry", zap.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.Setup(ctx, cfg)
	if err != nil {
		log.Fatal("init telemetry", zap.Error(err))
	}

	db, err := database.InitDB(cfg)
	if err != nil {
		log.Fatal("init database", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("ping redis", zap.Error(err))
	}

	var (
		q         queue.Queue
		kafkaStop context.CancelFunc
	)
	switch cfg.Queue.Driver {
	case "kafka":
		kq := queue.NewKafkaQueue(log, queue.KafkaQueueOptions{
			Brokers:     cfg.Queue.Brokers,
			Topic:       cfg.Queue.Stream,
			RetryTopic:  cfg.Queue.RetryTopic,
			DeadTopic:   cfg.Queue.DeadTopic,
			Group:       cfg.Queue.Group,
			MaxAttempts: cfg.Queue.MaxAttempts,
		})
		var kctx context.Context
		kctx, kafkaStop = context.WithCancel(ctx)
		go kq.RunRetryLoop(kctx)
		q = kq
	default:
		q, err = queue.NewRedisQueue(ctx, rdb, log, queue.RedisQueueOptions{
			Stream:            cfg.Queue.Stream,
			Group:             cfg.Queue.Group,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			MaxAttempts:       cfg.Queue.MaxAttempts,
		})
		if err != nil {
			log.Fatal("init redis queue", zap.Error(err))
		}
	}

	feedRepo := repository.NewFeedRepository(db, rdb, repository.FeedRepositoryOptions{
		Capacity: cfg.Feed.Capacity,
		CacheTTL: cfg.Feed.CacheTTL,
	})
	socialRepo := repository.NewSocialRepository(db, rdb, repository.SocialRepositoryOptions{
		FollowerPage: cfg.Feed.FollowerPage,
		FollowerTTL:  cfg.Feed.FollowerTTL,
	})

	pushHub := hub.New(log, hub.Options{WriteWait: cfg.Hub.WriteWait})

	fanout := service.NewFanoutService(q, feedRepo, socialRepo, pushHub, log, service.FanoutOptions{
		Workers:      cfg.Fanout.Workers,
		ChunkSize:    cfg.Fanout.ChunkSize,
		WritesPerSec: cfg.Fanout.WritesPerSec,
		ReceiveBatch: cfg.Fanout.ReceiveBatch,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BackoffBase:  cfg.Queue.BackoffBase,
		BackoffCap:   cfg.Queue.BackoffCap,
	})
	stopFanout := fanout.Start()

	// 墓碑保留窗口过期清扫
	sweepCtx, stopSweep := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-t.C:
				if err := feedRepo.SweepTombstones(sweepCtx, time.Now().Add(-cfg.Feed.TombstoneTTL)); err != nil {
					log.Warn("sweep tombstones", zap.Error(err))
				}
			}
		}
	}()

	publisher := service.NewPublisher(db, q, log)
	relService := service.NewRelationshipService(socialRepo)
	h := handler.New(publisher, relService, feedRepo, socialRepo, pushHub, cfg.Hub, log)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(cfg, h),
	}
	go func() {
		log.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := stopFanout(shutdownCtx); err != nil {
		log.Warn("stop fan-out workers", zap.Error(err))
	}
	stopSweep()
	if kafkaStop != nil {
		kafkaStop()
	}
	if err := q.Close(); err != nil {
		log.Warn("close queue", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("shutdown tracing", zap.Error(err))
	}
}
