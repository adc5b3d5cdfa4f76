// Command gateway is the HTTP ingress: command intake, command status
// lookup, DLQ requeue, and the live-status WebSocket upgrade.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/commandmesh/platform/internal/api/handlers"
	apimiddleware "github.com/commandmesh/platform/internal/api/middleware"
	"github.com/commandmesh/platform/internal/api/validation"
	"github.com/commandmesh/platform/internal/auth"
	"github.com/commandmesh/platform/internal/command"
	"github.com/commandmesh/platform/internal/database/postgres"
	"github.com/commandmesh/platform/internal/outbox"
	"github.com/commandmesh/platform/internal/queue"
	"github.com/commandmesh/platform/internal/ratelimit"
	"github.com/commandmesh/platform/internal/websocket"
	"github.com/commandmesh/platform/pkg/config"
	"github.com/commandmesh/platform/pkg/logger"
	"github.com/commandmesh/platform/pkg/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New("gateway", "info")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	m := metrics.New("gateway")

	tracer, err := config.SetupTracing(cfg, "gateway", log)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	if tracer != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracer.Shutdown(ctx); err != nil {
				log.Error("shutdown tracer", zap.Error(err))
			}
		}()
	}

	serviceCtx, serviceCancel := context.WithCancel(context.Background())
	defer serviceCancel()

	log.Info("connecting to database",
		zap.String("host", cfg.Database.Primary.Host),
		zap.String("db", cfg.Database.Primary.Database))

	var db *postgres.DB
	for i := 0; i < 5; i++ {
		db, err = postgres.InitFromConfig(cfg, log, m)
		if err == nil {
			break
		}
		if i < 4 {
			log.Warn("database connection failed, retrying", zap.Int("attempt", i+1), zap.Error(err))
			time.Sleep(2 * time.Second)
			continue
		}
		return fmt.Errorf("connect to database after retries: %w", err)
	}
	defer db.Close()

	producer, err := queue.NewProducer(queue.Config{
		Brokers: cfg.Kafka.Brokers,
		Version: cfg.Kafka.Version,
	}, log)
	if err != nil {
		return fmt.Errorf("create kafka producer: %w", err)
	}
	defer producer.Close()

	naming := command.Naming{
		CommandPrefix: cfg.QueueNaming.CommandPrefix,
		QueueSuffix:   cfg.QueueNaming.QueueSuffix,
		ReplyQueue:    cfg.QueueNaming.ReplyQueue,
		EventPrefix:   cfg.TopicNaming.EventPrefix,
	}

	outboxStore := outbox.NewStore(db, log)
	commandStore := command.NewStore(db)
	bus := command.NewBus(db, commandStore, outboxStore, naming, cfg.Ingress.StrictConflict)

	healthDeps := map[string]func() error{
		"database": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return db.Ping(ctx)
		},
		"kafka": func() error { return producer.Ping() },
	}

	chain := apimiddleware.NewChain(log, m)

	if cfg.Authz.Enabled {
		authorizer, err := auth.NewOPAAuthorizer(cfg.Authz.OPAEndpoint, cfg.Authz.OPAPolicy, log)
		if err != nil {
			return fmt.Errorf("init opa authorizer: %w", err)
		}
		chain.Use(auth.Middleware(authorizer, log))
	}

	if cfg.RateLimit.Enabled {
		redisOpts := &redis.Options{Addr: cfg.Redis.Addresses[0], Password: cfg.Redis.Password, DB: cfg.Redis.DB}
		limiter, err := ratelimit.New(ratelimit.Config{
			MaxTokens:   cfg.RateLimit.MaxTokens,
			Window:      cfg.RateLimit.Window,
			RedisConfig: redisOpts,
		}, log.Logger)
		if err != nil {
			return fmt.Errorf("init rate limiter: %w", err)
		}
		defer limiter.Close()
		rl := apimiddleware.NewRateLimitMiddleware(log.Logger)
		chain.Use(rl.RateLimit(limiter))
	}

	r := chi.NewRouter()
	r.Get("/health", handlers.HealthHandler("1.0.0", healthDeps))
	r.Handle("/metrics", promhttp.Handler())

	validator := validation.NewValidator(log)
	commandHandler := handlers.NewCommandHandler(bus, commandStore, log, m)
	dlqHandler := handlers.NewDLQHandler(bus, log, m)

	r.Post("/commands/{Name}", commandHandler.Submit)
	r.Get("/commands/{id}", commandHandler.Status)
	r.With(withValidationType(validation.RequeueRequest{}), validator.ValidateRequest).
		Post("/dlq/requeue", dlqHandler.Requeue)

	var hub *websocket.Hub
	if cfg.Websocket.Enabled {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addresses[0], Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		hub = websocket.NewHub(serviceCtx, redisClient, log.Logger, m)
		go hub.Run()
		defer hub.Stop()

		wsHandler := handlers.NewWebsocketHandler(hub, log)
		r.Get("/ws", wsHandler.Serve)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Handler:      chain.Then(r),
		ReadTimeout:  cfg.Gateway.ReadTimeout,
		WriteTimeout: cfg.Gateway.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// withValidationType stamps the context with the struct type the
// validation middleware decodes the request body into.
func withValidationType(v interface{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), validation.ValidationKey, v)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
