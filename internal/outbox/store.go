package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/commandmesh/platform/internal/database"
	"github.com/commandmesh/platform/internal/database/repository"
	"github.com/commandmesh/platform/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Store persists outbox rows and exposes the claim/publish/reschedule
// primitives the relay drives. Insert participates in whatever
// transaction is open on ctx (see repository.BaseRepository), so a
// caller can write a business row and an outbox row atomically.
type Store struct {
	repository.BaseRepository
	db     database.DB
	log    *logger.Logger
	tracer trace.Tracer
}

func NewStore(db database.DB, log *logger.Logger) *Store {
	return &Store{
		BaseRepository: repository.NewBaseRepository(db),
		db:             db,
		log:            log,
		tracer:         otel.GetTracerProvider().Tracer("outbox-store"),
	}
}

func (s *Store) querier(ctx context.Context) interface {
	database.DB
	database.Tx
} {
	if tx, ok := repository.GetTx(ctx); ok {
		return tx
	}
	return s.db
}

// Insert appends a NEW row and returns its surrogate id. Never claims.
func (s *Store) Insert(ctx context.Context, row Row) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "outbox.insert",
		trace.WithAttributes(attribute.String("outbox.category", string(row.Category))))
	defer span.End()

	headers, err := json.Marshal(row.Headers)
	if err != nil {
		return 0, fmt.Errorf("marshal outbox headers: %w", err)
	}

	const query = `
		INSERT INTO outbox (category, topic, key, type, payload, headers, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	var id int64
	querier := s.querier(ctx)
	if err := querier.QueryRow(ctx, query,
		row.Category, row.Topic, row.Key, row.Type, row.Payload, headers, StatusNew,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert outbox row: %w", err)
	}

	return id, nil
}

// Claim atomically transitions up to limit visible rows to SENDING,
// stamping claimedBy/claimedAt, and also reclaims SENDING rows whose
// claim is older than staleLease (a crashed claimer's rows). Ordering
// is oldest-due-first.
func (s *Store) Claim(ctx context.Context, limit int, claimer string, staleLease time.Duration) ([]Row, error) {
	ctx, span := s.tracer.Start(ctx, "outbox.claim", trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	const query = `
		WITH candidates AS (
			SELECT id FROM outbox
			WHERE (status = 'NEW' AND (next_at IS NULL OR next_at <= now()))
			   OR (status = 'SENDING' AND claimed_at < now() - $2::interval)
			ORDER BY coalesce(next_at, to_timestamp(0)), created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox
		SET status = 'SENDING', claimed_by = $3, claimed_at = now()
		WHERE id IN (SELECT id FROM candidates)
		RETURNING id, category, coalesce(topic, ''), key, type, payload, headers, status,
			attempts, next_at, coalesce(reason, ''), claimed_by, claimed_at, created_at`

	rows, err := s.db.Query(ctx, query, limit, staleLease.String(), claimer)
	if err != nil {
		return nil, fmt.Errorf("claim outbox rows: %w", err)
	}
	defer rows.Close()

	var claimed []Row
	for rows.Next() {
		var r Row
		var headers []byte
		if err := rows.Scan(
			&r.ID, &r.Category, &r.Topic, &r.Key, &r.Type, &r.Payload, &headers, &r.Status,
			&r.Attempts, &r.NextAt, &r.Reason, &r.ClaimedBy, &r.ClaimedAt, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan claimed outbox row: %w", err)
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &r.Headers); err != nil {
				return nil, fmt.Errorf("unmarshal outbox headers: %w", err)
			}
		}
		claimed = append(claimed, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed outbox rows: %w", err)
	}

	if len(claimed) > 0 {
		s.log.Debug("claimed outbox rows", zap.Int("count", len(claimed)), zap.String("claimer", claimer))
	}

	return claimed, nil
}

// MarkPublished performs the terminal SENDING->PUBLISHED transition.
// Idempotent: an already-PUBLISHED row is a no-op.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	const query = `UPDATE outbox SET status = 'PUBLISHED' WHERE id = $1 AND status != 'PUBLISHED'`
	_, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark outbox row published: %w", err)
	}
	return nil
}

// Reschedule moves a row from SENDING back to NEW with attempts++ and
// nextAt = now + delay, recording reason for diagnostics.
func (s *Store) Reschedule(ctx context.Context, id int64, delay time.Duration, reason string) error {
	const query = `
		UPDATE outbox
		SET status = 'NEW', attempts = attempts + 1, next_at = now() + $2::interval, reason = $3
		WHERE id = $1`
	_, err := s.db.Exec(ctx, query, id, delay.String(), reason)
	if err != nil {
		return fmt.Errorf("reschedule outbox row: %w", err)
	}
	return nil
}
