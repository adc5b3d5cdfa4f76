package process

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

// Store persists process instances and their append-only log. Every
// write participates in the caller's transaction when one is present
// on ctx, so an instance update and its log row are always atomic.
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

// Create inserts a new NEW instance and returns its id.
func (s *Store) Create(ctx context.Context, processType, businessKey string, data map[string]interface{}, currentStep string) (string, error) {
	id := uuid.New().String()
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal process data: %w", err)
	}

	const query = `
		INSERT INTO process_instance (process_id, process_type, business_key, status, current_step, data, retries)
		VALUES ($1, $2, $3, $4, $5, $6, 0)`
	_, err = s.querier(ctx).Exec(ctx, query, id, processType, businessKey, StatusNew, currentStep, dataJSON)
	if err != nil {
		return "", fmt.Errorf("insert process instance: %w", err)
	}
	return id, nil
}

// Get loads an instance by id.
func (s *Store) Get(ctx context.Context, processID string) (Instance, error) {
	const query = `
		SELECT process_id, process_type, business_key, status, current_step, data, retries, created_at, updated_at
		FROM process_instance WHERE process_id = $1`

	var inst Instance
	var dataJSON []byte
	err := s.querier(ctx).QueryRow(ctx, query, processID).Scan(
		&inst.ProcessID, &inst.ProcessType, &inst.BusinessKey, &inst.Status, &inst.CurrentStep,
		&dataJSON, &inst.Retries, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Instance{}, fmt.Errorf("process %s: %w", processID, repository.ErrNotFound)
		}
		return Instance{}, fmt.Errorf("load process instance: %w", err)
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &inst.Data); err != nil {
			return Instance{}, fmt.Errorf("unmarshal process data: %w", err)
		}
	}
	if inst.Data == nil {
		inst.Data = make(map[string]interface{})
	}
	return inst, nil
}

// Save persists the full mutable state of an instance (status,
// currentStep, data, retries). The process manager always loads,
// mutates in memory, and calls Save once per transition.
func (s *Store) Save(ctx context.Context, inst Instance) error {
	dataJSON, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal process data: %w", err)
	}

	const query = `
		UPDATE process_instance
		SET status = $2, current_step = $3, data = $4, retries = $5, updated_at = now()
		WHERE process_id = $1`
	_, err = s.querier(ctx).Exec(ctx, query, inst.ProcessID, inst.Status, inst.CurrentStep, dataJSON, inst.Retries)
	if err != nil {
		return fmt.Errorf("save process instance: %w", err)
	}
	return nil
}

// ListStalled returns every RUNNING or COMPENSATING instance whose
// last update predates cutoff - a step whose command reply never
// arrived (lost message, crashed worker before submit) or never will.
// The watchdog only reports these; resolving a stall is an operator
// decision (requeue the stuck step's command, or fail the process).
func (s *Store) ListStalled(ctx context.Context, cutoff time.Time) ([]Instance, error) {
	const query = `
		SELECT process_id, process_type, business_key, status, current_step, data, retries, created_at, updated_at
		FROM process_instance
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC`

	rows, err := s.querier(ctx).Query(ctx, query, StatusRunning, StatusCompensating, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stalled process instances: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		var inst Instance
		var dataJSON []byte
		if err := rows.Scan(&inst.ProcessID, &inst.ProcessType, &inst.BusinessKey, &inst.Status, &inst.CurrentStep,
			&dataJSON, &inst.Retries, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stalled process instance: %w", err)
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &inst.Data); err != nil {
				return nil, fmt.Errorf("unmarshal process data: %w", err)
			}
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// CompletedSteps returns the step (or parallel branch) names that have
// logged a StepCompleted event for this process, in the order they
// completed. It is the source of truth a compensation chain walks
// backwards through - not the graph's own edges, since a step that
// already completed before a later one failed leaves no other trace on
// the instance once its reply has been merged into Data.
func (s *Store) CompletedSteps(ctx context.Context, processID string) ([]string, error) {
	const query = `
		SELECT step FROM process_log
		WHERE process_id = $1 AND event = $2
		ORDER BY sequence ASC`

	rows, err := s.querier(ctx).Query(ctx, query, processID, EventStepCompleted)
	if err != nil {
		return nil, fmt.Errorf("list completed process steps: %w", err)
	}
	defer rows.Close()

	var steps []string
	for rows.Next() {
		var step string
		if err := rows.Scan(&step); err != nil {
			return nil, fmt.Errorf("scan completed process step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// AppendLog writes the next sequence number's log row for a process.
func (s *Store) AppendLog(ctx context.Context, processID, event, step string, payload map[string]interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal process log payload: %w", err)
	}

	const query = `
		INSERT INTO process_log (process_id, sequence, event, step, payload)
		VALUES ($1, coalesce((SELECT max(sequence) + 1 FROM process_log WHERE process_id = $1), 0), $2, $3, $4)`
	_, err = s.querier(ctx).Exec(ctx, query, processID, event, step, payloadJSON)
	if err != nil {
		return fmt.Errorf("append process log: %w", err)
	}
	return nil
}
