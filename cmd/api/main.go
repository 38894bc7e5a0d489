package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"faceattend/internal/attendance"
	"faceattend/internal/auth"
	"faceattend/internal/cloudinary"
	"faceattend/internal/config"
	"faceattend/internal/face"
	"faceattend/internal/handler"
	"faceattend/internal/httpmiddleware"
	"faceattend/internal/kiosk"
	"faceattend/internal/logger"
	"faceattend/internal/metrics"
	"faceattend/internal/mirror"
	"faceattend/internal/queue"
	"faceattend/internal/store"
	"faceattend/internal/vision"
	"faceattend/internal/vision/cascade"
)

func main() {
	cfg := config.Load()
	log := logger.Must(cfg.Env)
	defer log.Sync()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewCollector(reg)

	haar, err := cascade.Load(cfg.CascadePath)
	if err != nil {
		return err
	}
	defer haar.Close()

	model := face.NewModel(
		vision.NewDetector(haar, vision.DefaultDetectParams),
		face.DefaultLBPH(),
		face.NewSQLStore(db),
		face.Options{MinSamples: cfg.MinSamples, Threshold: cfg.Threshold},
		log, rec,
	)
	if err := model.Load(ctx); err != nil {
		log.Warn("no usable model restored, recognition stays untrained until the next enrollment", zap.Error(err))
	}

	ledger := attendance.NewService(attendance.NewRepository(db), attendance.Options{
		DedupWindow:  cfg.DedupWindow,
		AutoRegister: cfg.AutoRegister,
		Location:     cfg.Location(),
	}, log, rec)

	redisClient := store.NewRedis(store.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer redisClient.Close()

	checks := map[string]handler.HealthCheck{"db": db.Ping}
	sink, err := resolveMirror(ctx, cfg, redisClient, rec, log, checks)
	if err != nil {
		return err
	}
	dispatcher := mirror.NewDispatcher(sink, cfg.MirrorTimeout, log, rec).WithMaxInFlight(cfg.MirrorMaxInFlight)

	signer := auth.NewSigner(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
	if cfg.AdminKey == "" {
		log.Warn("ADMIN_KEY not set, every registered device gets the admin role")
	}
	h := handler.New(handler.Config{
		Kiosk:        kiosk.New(model, ledger, vision.NewLivenessChecker(cfg.LivenessMin), dispatcher, log, rec).WithRemover(kiosk.NewSQLRemover(db)),
		Ledger:       ledger,
		Devices:      auth.NewDevices(auth.NewSQLDeviceStore(db), signer, cfg.AdminKey),
		Signer:       signer,
		Checks:       checks,
		MaxBodyBytes: cfg.MaxUploadBytes,
		Log:          log,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key"},
		MaxAge:          24 * time.Hour,
	}))
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewIPRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	h.Routes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced shutdown", zap.Error(err))
	}
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		log.Warn("mirror sends still in flight at exit", zap.Error(err))
	}
	log.Info("server exited")
	return nil
}

// resolveMirror picks the mirror once at startup. "queue" publishes to
// the configured queue; with the in-memory queue there is no separate
// worker process, so a forwarder is started here. "http" posts straight
// to MIRROR_URL.
func resolveMirror(ctx context.Context, cfg config.App, rdb *store.Redis, rec metrics.Recorder, log *zap.Logger, checks map[string]handler.HealthCheck) (mirror.Mirror, error) {
	switch cfg.MirrorBackend {
	case "", "none":
		return mirror.Noop{}, nil

	case "http":
		if cfg.MirrorURL == "" {
			return nil, errors.New("MIRROR_BACKEND=http requires MIRROR_URL")
		}
		return mirror.NewHTTPSink(cfg.MirrorURL), nil

	case "queue":
		if cfg.QueueBackend != "memory" {
			checks["redis"] = rdb.Ping
			return mirror.Queue{Q: queue.NewRedisQueue(rdb.Client, cfg.QueueKey)}, nil
		}
		if cfg.MirrorURL == "" {
			return nil, errors.New("MIRROR_BACKEND=queue with QUEUE_BACKEND=memory requires MIRROR_URL")
		}
		q := queue.NewInMemory(256)
		cdn := cloudinary.New(cfg.Cloudinary.CloudName, cfg.Cloudinary.APIKey, cfg.Cloudinary.APISecret, cfg.Cloudinary.Folder)
		var photos mirror.PhotoUploader
		if cdn.Configured() {
			photos = cdn
		}
		fwd := mirror.NewForwarder(mirror.NewHTTPSink(cfg.MirrorURL), photos, log, rec)
		go func() {
			if err := fwd.Run(ctx, q, cfg.MirrorWorkers); err != nil {
				log.Error("in-process forwarder stopped", zap.Error(err))
			}
		}()
		return mirror.Queue{Q: q}, nil
	}
	return nil, errors.New("unknown MIRROR_BACKEND " + cfg.MirrorBackend)
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

