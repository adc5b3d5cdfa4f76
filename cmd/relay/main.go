// Command relay runs the transactional outbox sweeper: it claims NEW
// and due-for-retry outbox rows with FOR UPDATE SKIP LOCKED and
// dispatches each to the Kafka command queue or event topic it names,
// retiring it to PUBLISHED or rescheduling it with full-jitter backoff.
// Horizontal scaling is safe - every replica claims disjoint rows.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/commandmesh/platform/internal/api/handlers"
	"github.com/commandmesh/platform/internal/database/postgres"
	"github.com/commandmesh/platform/internal/outbox"
	"github.com/commandmesh/platform/internal/queue"
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

	log, err := logger.New("relay", "info")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	m := metrics.New("relay")

	tracer, err := config.SetupTracing(cfg, "relay", log)
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

	outboxStore := outbox.NewStore(db, log)

	relayCfg := outbox.RelayConfig{
		TickInterval:    cfg.OutboxRelay.TickInterval,
		BatchSize:       cfg.OutboxRelay.BatchSize,
		StaleLease:      cfg.OutboxRelay.StaleLease,
		BackoffBase:     cfg.OutboxRelay.BackoffBase,
		BackoffCap:      cfg.OutboxRelay.BackoffCap,
		DispatchWorkers: 8,
		DispatchTimeout: 10 * time.Second,
		ReplyTopic:      cfg.QueueNaming.ReplyQueue,
	}

	selfID := fmt.Sprintf("relay-%s", uuid.New().String())
	relay := outbox.NewRelay(outboxStore, producer, producer, relayCfg, selfID, log)

	go relay.Run(serviceCtx)
	log.Info("outbox relay started", zap.String("selfId", selfID), zap.Duration("tickInterval", relayCfg.TickInterval))

	healthDeps := map[string]func() error{
		"database": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return db.Ping(ctx)
		},
		"kafka": func() error { return producer.Ping() },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HealthHandler("1.0.0", healthDeps))
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("health server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	serviceCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
