package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/commandmesh/platform/internal/database"
	"github.com/commandmesh/platform/internal/database/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Store persists command rows and the DLQ. Every write participates
// in the caller's transaction when one is present on ctx, so ingress
// and the executor can make the command row and its outbox row atomic.
type Store struct {
	repository.BaseRepository
	db database.DB
}

func NewStore(db database.DB) *Store {
	return &Store{
		BaseRepository: repository.NewBaseRepository(db),
		db:             db,
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

// SavePending inserts a new command row in PENDING. Returns
// ErrDuplicateIdempotencyKey on a unique-constraint violation.
func (s *Store) SavePending(ctx context.Context, name, idemKey, businessKey string, payload json.RawMessage, headers map[string]string) (string, error) {
	id := uuid.New().String()
	headerJSON, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("marshal command headers: %w", err)
	}

	const query = `
		INSERT INTO command (id, name, business_key, payload, idempotency_key, status, headers)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = s.querier(ctx).Exec(ctx, query, id, name, businessKey, payload, idemKey, StatusPending, headerJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrDuplicateIdempotencyKey
		}
		return "", fmt.Errorf("insert command row: %w", err)
	}

	return id, nil
}

// ExistsByIdempotencyKey is a cheap precheck; the insert's unique
// constraint is what's authoritative.
func (s *Store) ExistsByIdempotencyKey(ctx context.Context, idemKey string) (string, bool, error) {
	const query = `SELECT id FROM command WHERE idempotency_key = $1`

	var id string
	err := s.querier(ctx).QueryRow(ctx, query, idemKey).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup command by idempotency key: %w", err)
	}

	return id, true, nil
}

// MarkRunning transitions PENDING|FAILED|TIMED_OUT -> RUNNING and sets
// the lease.
func (s *Store) MarkRunning(ctx context.Context, id string, leaseUntil time.Time) error {
	const query = `
		UPDATE command
		SET status = 'RUNNING', lease_until = $2, updated_at = now()
		WHERE id = $1 AND status IN ('PENDING', 'FAILED', 'TIMED_OUT')`

	tag, err := s.querier(ctx).Exec(ctx, query, id, leaseUntil)
	if err != nil {
		return fmt.Errorf("mark command running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("command %s not in a runnable state", id)
	}
	return nil
}

func (s *Store) MarkSucceeded(ctx context.Context, id string) error {
	const query = `UPDATE command SET status = 'SUCCEEDED', updated_at = now() WHERE id = $1`
	_, err := s.querier(ctx).Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark command succeeded: %w", err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	const query = `UPDATE command SET status = 'FAILED', error = $2, updated_at = now() WHERE id = $1`
	_, err := s.querier(ctx).Exec(ctx, query, id, errMsg)
	if err != nil {
		return fmt.Errorf("mark command failed: %w", err)
	}
	return nil
}

func (s *Store) MarkTimedOut(ctx context.Context, id string) error {
	const query = `UPDATE command SET status = 'TIMED_OUT', updated_at = now() WHERE id = $1`
	_, err := s.querier(ctx).Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark command timed out: %w", err)
	}
	return nil
}

// ResetPending puts a dead-lettered command back to PENDING with a
// clean retry counter, ready to be re-executed from scratch.
func (s *Store) ResetPending(ctx context.Context, id string) error {
	const query = `
		UPDATE command
		SET status = 'PENDING', retries = 0, error = NULL, lease_until = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('FAILED', 'TIMED_OUT')`
	tag, err := s.querier(ctx).Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("reset command to pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("command %s is not in a dead-lettered state", id)
	}
	return nil
}

// BumpRetry atomically increments retries; callers use the returned
// count to decide whether the budget is exhausted.
func (s *Store) BumpRetry(ctx context.Context, id string) (int, error) {
	const query = `UPDATE command SET retries = retries + 1, updated_at = now() WHERE id = $1 RETURNING retries`

	var retries int
	if err := s.querier(ctx).QueryRow(ctx, query, id).Scan(&retries); err != nil {
		return 0, fmt.Errorf("bump command retries: %w", err)
	}
	return retries, nil
}

// Get loads a command row by id.
func (s *Store) Get(ctx context.Context, id string) (Row, error) {
	const query = `
		SELECT id, name, business_key, payload, idempotency_key, status, retries,
			lease_until, coalesce(error, ''), headers, created_at, updated_at
		FROM command WHERE id = $1`

	var r Row
	var headerJSON []byte
	err := s.querier(ctx).QueryRow(ctx, query, id).Scan(
		&r.ID, &r.Name, &r.BusinessKey, &r.Payload, &r.IdempotencyKey, &r.Status, &r.Retries,
		&r.LeaseUntil, &r.Error, &headerJSON, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Row{}, fmt.Errorf("command %s: %w", id, repository.ErrNotFound)
		}
		return Row{}, fmt.Errorf("load command row: %w", err)
	}
	if len(headerJSON) > 0 {
		if err := json.Unmarshal(headerJSON, &r.Headers); err != nil {
			return Row{}, fmt.Errorf("unmarshal command headers: %w", err)
		}
	}

	return r, nil
}

// InsertDLQ records a terminal-failure snapshot of the command.
func (s *Store) InsertDLQ(ctx context.Context, cmd Row, reason string) error {
	const query = `
		INSERT INTO command_dlq (id, command_id, name, business_key, payload, reason, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.querier(ctx).Exec(ctx, query, uuid.New().String(), cmd.ID, cmd.Name, cmd.BusinessKey, cmd.Payload, reason, cmd.Retries)
	if err != nil {
		return fmt.Errorf("insert command dlq row: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && (containsCode(err, "23505"))
}

func containsCode(err error, code string) bool {
	type sqlStateGetter interface{ SQLState() string }
	var pgErr sqlStateGetter
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == code
	}
	return false
}
