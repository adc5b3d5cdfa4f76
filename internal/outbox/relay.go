package outbox

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/commandmesh/platform/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CommandQueue is the destination for category=command and
// category=reply rows.
type CommandQueue interface {
	Send(ctx context.Context, topic string, key string, payload []byte, headers map[string]string) error
}

// EventPublisher is the destination for category=event rows.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, key string, payload []byte, headers map[string]string) error
}

// RelayConfig controls the sweeper's cadence and retry policy.
type RelayConfig struct {
	TickInterval    time.Duration
	BatchSize       int
	StaleLease      time.Duration
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	DispatchWorkers int           // bounded parallelism within one claimed batch
	DispatchTimeout time.Duration // per-row dispatch deadline
	ReplyTopic      string        // destination for category=reply rows
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		TickInterval:    1 * time.Second,
		BatchSize:       2000,
		StaleLease:      60 * time.Second,
		BackoffBase:     1 * time.Second,
		BackoffCap:      60 * time.Second,
		DispatchWorkers: 8,
		DispatchTimeout: 10 * time.Second,
		ReplyTopic:      "APP.CMD.REPLY.Q",
	}
}

// Relay is the periodic sweeper that moves claimed rows to their
// external destination. One relay runs per process; horizontal
// scaling is safe because Claim uses SKIP LOCKED.
type Relay struct {
	store    *Store
	commands CommandQueue
	events   EventPublisher
	cfg      RelayConfig
	log      *logger.Logger
	tracer   trace.Tracer
	selfID   string
}

func NewRelay(store *Store, commands CommandQueue, events EventPublisher, cfg RelayConfig, selfID string, log *logger.Logger) *Relay {
	return &Relay{
		store:    store,
		commands: commands,
		events:   events,
		cfg:      cfg,
		log:      log,
		tracer:   otel.GetTracerProvider().Tracer("outbox-relay"),
		selfID:   selfID,
	}
}

// Run ticks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.log.Error("outbox sweep failed", zap.Error(err))
			}
		}
	}
}

func (r *Relay) sweep(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "outbox.sweep")
	defer span.End()

	rows, err := r.store.Claim(ctx, r.cfg.BatchSize, r.selfID, r.cfg.StaleLease)
	if err != nil {
		return fmt.Errorf("claim batch: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	span.SetAttributes(attribute.Int("outbox.claimed", len(rows)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.DispatchWorkers)

	for _, row := range rows {
		row := row
		g.Go(func() error {
			r.dispatchOne(gctx, row)
			return nil
		})
	}

	return g.Wait()
}

func (r *Relay) dispatchOne(ctx context.Context, row Row) {
	dctx, cancel := context.WithTimeout(ctx, r.cfg.DispatchTimeout)
	defer cancel()

	err := r.dispatch(dctx, row)
	if err == nil {
		if markErr := r.store.MarkPublished(ctx, row.ID); markErr != nil {
			r.log.Error("failed to mark outbox row published", zap.Int64("id", row.ID), zap.Error(markErr))
		}
		return
	}

	delay := backoffWithFullJitter(r.cfg.BackoffBase, r.cfg.BackoffCap, row.Attempts+1)
	r.log.Warn("outbox dispatch failed, rescheduling",
		zap.Int64("id", row.ID), zap.String("category", string(row.Category)),
		zap.Duration("delay", delay), zap.Error(err))

	if rescheduleErr := r.store.Reschedule(ctx, row.ID, delay, err.Error()); rescheduleErr != nil {
		r.log.Error("failed to reschedule outbox row", zap.Int64("id", row.ID), zap.Error(rescheduleErr))
	}
}

func (r *Relay) dispatch(ctx context.Context, row Row) error {
	switch row.Category {
	case CategoryCommand:
		return r.commands.Send(ctx, row.Topic, row.Key, row.Payload, row.Headers)
	case CategoryReply:
		topic := row.Topic
		if topic == "" {
			topic = r.cfg.ReplyTopic
		}
		return r.commands.Send(ctx, topic, row.Key, row.Payload, row.Headers)
	case CategoryEvent:
		return r.events.Publish(ctx, row.Topic, row.Key, row.Payload, row.Headers)
	default:
		return fmt.Errorf("unknown outbox category %q", row.Category)
	}
}

// backoffWithFullJitter returns a random delay in [0, min(cap, base*2^(attempt-1))),
// per https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/.
func backoffWithFullJitter(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	upper := base
	for i := 1; i < attempt; i++ {
		upper *= 2
		if upper >= cap {
			upper = cap
			break
		}
	}
	if upper > cap {
		upper = cap
	}
	if upper <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(upper)))
}
