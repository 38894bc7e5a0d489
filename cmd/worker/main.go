package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"faceattend/internal/cloudinary"
	"faceattend/internal/config"
	"faceattend/internal/logger"
	"faceattend/internal/metrics"
	"faceattend/internal/mirror"
	"faceattend/internal/queue"
	"faceattend/internal/store"
)

// Worker drains the mirror queue: enrollment photos go to Cloudinary and
// every record is posted to the downstream sink.
func main() {
	cfg := config.Load()
	log := logger.Must(cfg.Env).Named("worker")
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend == "memory" {
		log.Fatal("the worker needs QUEUE_BACKEND=redis; the in-memory queue is drained inside the api process")
	}
	if cfg.MirrorURL == "" {
		log.Fatal("MIRROR_URL is required")
	}

	redisClient := store.NewRedis(store.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx); err != nil {
		log.Warn("redis not reachable yet, consumer will keep retrying", zap.Error(err))
	}
	q := queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	q.OnDecodeError = func(raw string, err error) {
		log.Warn("dropping undecodable message", zap.Int("bytes", len(raw)), zap.Error(err))
	}

	sink := mirror.NewHTTPSink(cfg.MirrorURL)
	if err := sink.Health(ctx); err != nil {
		log.Warn("mirror sink not healthy, records will fail until it recovers", zap.Error(err))
	}

	var photos mirror.PhotoUploader
	cdn := cloudinary.New(cfg.Cloudinary.CloudName, cfg.Cloudinary.APIKey, cfg.Cloudinary.APISecret, cfg.Cloudinary.Folder)
	if cdn.Configured() {
		photos = cdn
		log.Info("cloudinary configured", zap.String("cloud", cfg.Cloudinary.CloudName))
	} else {
		log.Info("cloudinary not configured, enrollment photos are dropped")
	}

	reg := prometheus.NewRegistry()
	rec := metrics.NewCollector(reg)
	metricsSrv := &http.Server{Addr: ":" + cfg.WorkerMetricsPort, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	defer metricsSrv.Close()

	fwd := mirror.NewForwarder(sink, photos, log, rec)

	log.Info("worker started", zap.String("queue", cfg.QueueKey), zap.Int("workers", cfg.MirrorWorkers))
	if err := fwd.Run(ctx, q, cfg.MirrorWorkers); err != nil {
		log.Fatal("worker failed", zap.Error(err))
	}
	log.Info("worker stopped")
}
