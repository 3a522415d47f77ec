package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cnvidas/payments/libs/config"
	"github.com/cnvidas/payments/libs/db"
	"github.com/cnvidas/payments/libs/httpx"
	"github.com/cnvidas/payments/libs/kafkax"
	otelx "github.com/cnvidas/payments/libs/otel"
	"github.com/cnvidas/payments/libs/runtime"
	"github.com/cnvidas/payments/services/payments-service/internal/gateway"
	"github.com/cnvidas/payments/services/payments-service/internal/handlers"
	"github.com/cnvidas/payments/services/payments-service/internal/jobs"
	"github.com/cnvidas/payments/services/payments-service/internal/outbox"
	"github.com/cnvidas/payments/services/payments-service/internal/payments"
	"github.com/cnvidas/payments/services/payments-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "payments-service")
	port, err := config.Port("PORT", "8086")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	// The processor credential is a hard startup requirement: without it no
	// hold can ever be captured or released, so refusing to start beats
	// silently doing nothing.
	stripeKey, err := config.RequiredString("STRIPE_SECRET_KEY")
	if err != nil {
		panic(err)
	}
	gatewayTimeout := durationSeconds("STRIPE_CALL_TIMEOUT_SECONDS", 15)
	gw, err := gateway.NewClient(gateway.Config{SecretKey: stripeKey, Timeout: gatewayTimeout}, logger)
	if err != nil {
		panic(err)
	}

	outboxRepo := outbox.NewRepository(pool)
	repo := storage.NewRepository(pool, outboxRepo)
	svc := payments.New(repo, logger)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	captureJob := jobs.NewCaptureJob(gw, repo, svc, logger, jobs.CaptureJobConfig{
		LeadTime: durationHours("CAPTURE_LEAD_HOURS", 12),
		Window:   durationHours("CAPTURE_WINDOW_HOURS", 1),
	})
	expiryJob := jobs.NewExpiryJob(gw, repo, svc, logger, nil)

	// Scheduling failures are deliberately non-fatal: the webhook and health
	// surfaces keep working, operators see the warning and can intervene.
	scheduler := jobs.NewScheduler(logger)
	schedErr := scheduler.Register(ctx, config.String("CAPTURE_SCHEDULE", jobs.CaptureSchedule), "payment-capture", captureJob)
	if schedErr == nil {
		schedErr = scheduler.Register(ctx, config.String("EXPIRY_SCHEDULE", jobs.ExpirySchedule), "preauth-expiry", expiryJob)
	}
	if schedErr != nil {
		logger.Warn("scheduled payment jobs disabled", "err", schedErr)
	} else {
		scheduler.Start()
		defer func() { <-scheduler.Stop().Done() }()
		logger.Info("payment jobs scheduled", "jobs", scheduler.Entries())
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)

	tolSeconds, err := strconv.Atoi(config.String("STRIPE_WEBHOOK_TOLERANCE_SECONDS", "300"))
	if err != nil || tolSeconds <= 0 {
		tolSeconds = 300
	}
	h := handlers.New(repo, svc, gw, logger, handlers.Config{
		WebhookSecret:           config.String("STRIPE_WEBHOOK_SECRET", ""),
		WebhookToleranceSeconds: tolSeconds,
	})
	mux.HandleFunc("/api/v1/payments/webhooks/stripe", h.StripeWebhook)
	mux.HandleFunc("/api/v1/payments/holds", h.CreateHold)
	mux.HandleFunc("/api/v1/payments/holds/", h.HoldStatus)

	middlewares := []httpx.Middleware{
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS")),
			AllowedHeaders: parseList(config.String("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id")),
			MaxAge:         10 * time.Minute,
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1 << 20),
		httpx.WithTimeout(30 * time.Second),
	}
	limitPerMinute, err := strconv.Atoi(config.String("RATE_LIMIT_PER_MINUTE", "120"))
	if err != nil || limitPerMinute <= 0 {
		limitPerMinute = 120
	}
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		redisDB := 0
		if v, err := strconv.Atoi(config.String("REDIS_DB", "0")); err == nil && v >= 0 {
			redisDB = v
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       redisDB,
		})
		defer func() { _ = rdb.Close() }()

		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "payments-rl"))
		middlewares = append(middlewares, rl.Middleware(logger, isTruthy(config.String("RATE_LIMIT_FAIL_OPEN", "true"))))
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	} else {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		middlewares = append(middlewares, rl.Middleware())
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
	}

	handler := httpx.Chain(mux, middlewares...)
	handler = otelhttp.NewHandler(handler, "payments")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func durationSeconds(key string, fallback int) time.Duration {
	v, err := strconv.Atoi(config.String(key, strconv.Itoa(fallback)))
	if err != nil || v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

func durationHours(key string, fallback int) time.Duration {
	v, err := strconv.Atoi(config.String(key, strconv.Itoa(fallback)))
	if err != nil || v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Hour
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func isTruthy(s string) bool {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}
