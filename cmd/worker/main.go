// Command worker is the executor side: it consumes command envelopes
// and replies off the queue, runs registered handlers inside the
// executor's leased transaction, and drives the process manager's
// saga steps from the replies it sees.
//
// Domain command handlers and process configurations are registered
// with the handler.Registry and process.ConfigRegistry built here
// before Run is called; this binary ships with neither populated; it
// is the generic shell a deployment's own handler package imports and
// extends.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/commandmesh/platform/internal/api/handlers"
	"github.com/commandmesh/platform/internal/command"
	"github.com/commandmesh/platform/internal/database/postgres"
	"github.com/commandmesh/platform/internal/envelope"
	"github.com/commandmesh/platform/internal/executor"
	"github.com/commandmesh/platform/internal/handler"
	"github.com/commandmesh/platform/internal/inbox"
	"github.com/commandmesh/platform/internal/outbox"
	"github.com/commandmesh/platform/internal/process"
	"github.com/commandmesh/platform/internal/queue"
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

	log, err := logger.New("worker", "info")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	m := metrics.New("worker")

	tracer, err := config.SetupTracing(cfg, "worker", log)
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

	commandStore := command.NewStore(db)
	inboxStore := inbox.NewStore(db)
	outboxStore := outbox.NewStore(db, log)
	processStore := process.NewStore(db)
	bus := command.NewBus(db, commandStore, outboxStore, naming, cfg.Ingress.StrictConflict)

	registry := handler.NewRegistry()
	registerHandlers(registry)

	processRegistry := process.NewConfigRegistry()
	registerProcesses(processRegistry)

	exec := executor.New(db, commandStore, inboxStore, outboxStore, registry, naming, executor.Config{
		HandlerTimeout: cfg.Executor.HandlerTimeout,
		MaxRetries:     cfg.Executor.MaxRetries,
	}, log)

	var hub *websocket.Hub
	if cfg.Websocket.Enabled {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addresses[0], Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		hub = websocket.NewHub(serviceCtx, redisClient, log.Logger, m)
		defer hub.Stop()
		exec.WithStatusPublisher(hub)
	}

	manager := process.NewManager(db, processStore, bus, processRegistry, cfg.ProcessManager.MaxRetriesPerStep, log)

	dispatcher := queue.NewDispatcher(log)
	for _, name := range registry.Names() {
		name := name
		dispatcher.Register(naming.DestinationFor(name), func(ctx context.Context, messageID, key string, payload []byte, headers map[string]string) error {
			cmd, err := envelope.UnmarshalCommand(payload)
			if err != nil {
				return fmt.Errorf("unmarshal command envelope: %w", err)
			}
			return exec.Process(ctx, messageID, cmd, headers)
		})
	}
	dispatcher.Register(naming.ReplyDestination(), func(ctx context.Context, messageID, key string, payload []byte, headers map[string]string) error {
		reply, err := envelope.UnmarshalReply(payload)
		if err != nil {
			return fmt.Errorf("unmarshal reply envelope: %w", err)
		}
		return manager.HandleReply(ctx, reply)
	})

	consumer, err := queue.NewConsumer(queue.Config{
		Brokers: cfg.Kafka.Brokers,
		Version: cfg.Kafka.Version,
	}, cfg.Kafka.GroupID, dispatcher, log)
	if err != nil {
		return fmt.Errorf("create kafka consumer: %w", err)
	}

	var watchdog *process.Watchdog
	if cfg.ProcessManager.WatchdogInterval > 0 {
		watchdog = process.NewWatchdog(processStore, cfg.ProcessManager.WatchdogInterval, cfg.ProcessManager.WatchdogStepAge, log)
		go watchdog.Run(serviceCtx)
	}

	consumerErrCh := make(chan error, 1)
	go func() {
		log.Info("starting command consumer", zap.Strings("topics", dispatcher.Topics()), zap.String("groupId", cfg.Kafka.GroupID))
		if err := consumer.Run(serviceCtx); err != nil {
			consumerErrCh <- err
		}
	}()

	healthDeps := map[string]func() error{
		"database": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return db.Ping(ctx)
		},
		"kafka": func() error { return producer.Ping() },
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", handlers.HealthHandler("1.0.0", healthDeps))
	healthMux.Handle("/metrics", promhttp.Handler())
	healthSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: healthMux}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("health server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("shutting down")
	case err := <-consumerErrCh:
		return fmt.Errorf("consumer failed: %w", err)
	}

	serviceCancel()
	consumer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return healthSrv.Shutdown(shutdownCtx)
}

// registerHandlers is the extension seam for domain command handlers.
// A deployment-specific package registers its own handler.Func values
// here (or imports a package that does via an init-time hook) before
// any command reaches the executor.
func registerHandlers(registry *handler.Registry) {
	_ = registry
}

// registerProcesses is the extension seam for saga/process-manager
// configurations, mirroring registerHandlers.
func registerProcesses(registry *process.ConfigRegistry) {
	_ = registry
}
