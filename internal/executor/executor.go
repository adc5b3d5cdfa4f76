// Package executor drives the per-message command lifecycle: inbox
// dedupe, handler dispatch inside a leased transaction, and the
// success/failure/retry/timeout routing that keeps the command row,
// the DLQ, and the outbox in sync.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/commandmesh/platform/internal/command"
	"github.com/commandmesh/platform/internal/database"
	"github.com/commandmesh/platform/internal/database/repository"
	"github.com/commandmesh/platform/internal/envelope"
	"github.com/commandmesh/platform/internal/handler"
	"github.com/commandmesh/platform/internal/inbox"
	"github.com/commandmesh/platform/internal/outbox"
	"github.com/commandmesh/platform/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config controls the command lease and retry budget.
type Config struct {
	HandlerTimeout time.Duration
	MaxRetries     int
}

// StatusPublisher pushes a command's lifecycle transition to anything
// subscribed to it (the websocket hub). Optional: a nil publisher is a
// no-op, so the executor works the same with or without live status.
type StatusPublisher interface {
	Publish(ctx context.Context, room, updateType string, data json.RawMessage) error
}

// Executor wires together the stores every command delivery touches.
type Executor struct {
	db       database.DB
	commands *command.Store
	inbox    *inbox.Store
	outbox   *outbox.Store
	registry *handler.Registry
	naming   command.Naming
	cfg      Config
	log      *logger.Logger
	tracer   trace.Tracer
	status   StatusPublisher
}

func New(db database.DB, commands *command.Store, inboxStore *inbox.Store, outboxStore *outbox.Store, registry *handler.Registry, naming command.Naming, cfg Config, log *logger.Logger) *Executor {
	return &Executor{
		db:       db,
		commands: commands,
		inbox:    inboxStore,
		outbox:   outboxStore,
		registry: registry,
		naming:   naming,
		cfg:      cfg,
		log:      log,
		tracer:   otel.GetTracerProvider().Tracer("executor"),
	}
}

// WithStatusPublisher attaches a live status sink; returns the executor
// for chaining at construction time.
func (e *Executor) WithStatusPublisher(p StatusPublisher) *Executor {
	e.status = p
	return e
}

func (e *Executor) publishStatus(ctx context.Context, commandID string, status command.Status) {
	if e.status == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{"commandId": commandID, "status": string(status)})
	if err != nil {
		return
	}
	if err := e.status.Publish(ctx, commandID, "command.status", payload); err != nil {
		e.log.Warn("status publish failed", zap.String("commandId", commandID), zap.Error(err))
	}
}

// Process handles one delivered command envelope. messageID identifies
// this specific delivery (e.g. a topic-partition-offset triple) for
// inbox dedupe; it is distinct from cmd.CommandID, which identifies the
// command row and survives retries. headers are the delivery's
// transport headers (idempotencyKey, businessKey, parallelBranch, ...),
// not the envelope body.
func (e *Executor) Process(ctx context.Context, messageID string, cmd envelope.Command, headers map[string]string) error {
	ctx, span := e.tracer.Start(ctx, "executor.process")
	defer span.End()

	inserted, err := e.inbox.TryInsert(ctx, messageID, cmd.CommandType)
	if err != nil {
		return fmt.Errorf("inbox dedupe: %w", err)
	}
	if !inserted {
		e.log.Debug("duplicate delivery, skipping",
			zap.String("messageId", messageID), zap.String("commandId", cmd.CommandID))
		return nil
	}

	leaseUntil := time.Now().Add(e.cfg.HandlerTimeout)
	if err := e.commands.MarkRunning(ctx, cmd.CommandID, leaseUntil); err != nil {
		return fmt.Errorf("mark command running: %w", err)
	}
	e.publishStatus(ctx, cmd.CommandID, command.StatusRunning)

	row, err := e.commands.Get(ctx, cmd.CommandID)
	if err != nil {
		return fmt.Errorf("load command row: %w", err)
	}

	fn, lookupErr := e.registry.Lookup(cmd.CommandType)
	if lookupErr != nil {
		return e.failNoHandler(ctx, cmd, row, headers)
	}

	hctx, cancel := context.WithDeadline(ctx, leaseUntil)
	defer cancel()

	var (
		result map[string]interface{}
		events *handler.EventCollector
		runErr error
	)

	txRepo := repository.NewBaseRepository(e.db)
	txErr := txRepo.Transaction(hctx, func(txCtx context.Context) error {
		events = &handler.EventCollector{}
		result, runErr = fn(txCtx, cmd, events)
		return runErr
	})

	if hctx.Err() == context.DeadlineExceeded {
		return e.handleTimeout(ctx, cmd, row, headers)
	}
	if txErr != nil {
		return e.handleFailure(ctx, cmd, row, headers, txErr)
	}

	return e.handleSuccess(ctx, cmd, row, headers, result, events.Events())
}

func (e *Executor) handleSuccess(ctx context.Context, cmd envelope.Command, row command.Row, headers map[string]string, result map[string]interface{}, events []envelope.Event) error {
	txRepo := repository.NewBaseRepository(e.db)
	err := txRepo.Transaction(ctx, func(txCtx context.Context) error {
		if err := e.commands.MarkSucceeded(txCtx, row.ID); err != nil {
			return err
		}
		if err := e.appendReply(txCtx, cmd, headers, envelope.StatusCompleted, result, ""); err != nil {
			return err
		}
		for _, ev := range events {
			out := outbox.NewRow(outbox.CategoryEvent, e.naming.EventTopic(ev.Type), ev.Key, ev.Type, ev.Payload, nil)
			if _, err := e.outbox.Insert(txCtx, out); err != nil {
				return fmt.Errorf("append event %s: %w", ev.Type, err)
			}
		}
		return nil
	})
	if err == nil {
		e.publishStatus(ctx, row.ID, command.StatusSucceeded)
	}
	return err
}

func (e *Executor) handleFailure(ctx context.Context, cmd envelope.Command, row command.Row, headers map[string]string, runErr error) error {
	if handler.IsRetryable(runErr) && row.Retries < e.cfg.MaxRetries {
		return e.retry(ctx, cmd, row, headers, runErr.Error())
	}

	txRepo := repository.NewBaseRepository(e.db)
	err := txRepo.Transaction(ctx, func(txCtx context.Context) error {
		if err := e.commands.MarkFailed(txCtx, row.ID, runErr.Error()); err != nil {
			return err
		}
		if err := e.commands.InsertDLQ(txCtx, row, runErr.Error()); err != nil {
			return err
		}
		return e.appendReply(txCtx, cmd, headers, envelope.StatusFailed, nil, runErr.Error())
	})
	if err == nil {
		e.publishStatus(ctx, row.ID, command.StatusFailed)
	}
	return err
}

// handleTimeout marks the row TIMED_OUT unconditionally, then applies
// the same retry-budget check the failure path does: a timed-out
// command is retryable up to the configured budget, just like any
// other transient failure.
func (e *Executor) handleTimeout(ctx context.Context, cmd envelope.Command, row command.Row, headers map[string]string) error {
	txRepo := repository.NewBaseRepository(e.db)
	if err := txRepo.Transaction(ctx, func(txCtx context.Context) error {
		return e.commands.MarkTimedOut(txCtx, row.ID)
	}); err != nil {
		return fmt.Errorf("mark command timed out: %w", err)
	}
	e.publishStatus(ctx, row.ID, command.StatusTimedOut)

	if row.Retries < e.cfg.MaxRetries {
		return e.retry(ctx, cmd, row, headers, "")
	}

	const reason = "lease expired, retry budget exhausted"
	txRepo2 := repository.NewBaseRepository(e.db)
	return txRepo2.Transaction(ctx, func(txCtx context.Context) error {
		if err := e.commands.InsertDLQ(txCtx, row, reason); err != nil {
			return err
		}
		return e.appendReply(txCtx, cmd, headers, envelope.StatusTimedOut, nil, reason)
	})
}

func (e *Executor) failNoHandler(ctx context.Context, cmd envelope.Command, row command.Row, headers map[string]string) error {
	const reason = "no handler registered"
	txRepo := repository.NewBaseRepository(e.db)
	return txRepo.Transaction(ctx, func(txCtx context.Context) error {
		if err := e.commands.MarkFailed(txCtx, row.ID, reason); err != nil {
			return err
		}
		if err := e.commands.InsertDLQ(txCtx, row, reason); err != nil {
			return err
		}
		return e.appendReply(txCtx, cmd, headers, envelope.StatusFailed, nil, reason)
	})
}

// retry atomically bumps the retry counter and re-enqueues the command
// with the same commandId and payload. No reply is emitted: the caller
// (broker or relay) will redeliver it for another attempt.
//
// failureReason marks the row FAILED before bumping the retry count,
// leaving it in one of the pre-RUNNING states (command.store.go's
// MarkRunning only matches PENDING|FAILED|TIMED_OUT) so the next
// delivery's MarkRunning call has a row to claim. Pass "" when the
// caller already left the row in a valid pre-RUNNING state itself
// (handleTimeout's MarkTimedOut runs before it calls retry).
func (e *Executor) retry(ctx context.Context, cmd envelope.Command, row command.Row, headers map[string]string, failureReason string) error {
	txRepo := repository.NewBaseRepository(e.db)
	err := txRepo.Transaction(ctx, func(txCtx context.Context) error {
		if failureReason != "" {
			if err := e.commands.MarkFailed(txCtx, row.ID, failureReason); err != nil {
				return err
			}
		}
		if _, err := e.commands.BumpRetry(txCtx, row.ID); err != nil {
			return err
		}

		payload, err := envelope.MarshalCommand(cmd)
		if err != nil {
			return fmt.Errorf("marshal retry envelope: %w", err)
		}

		retryHeaders := make(map[string]string, len(row.Headers)+len(headers))
		for k, v := range row.Headers {
			retryHeaders[k] = v
		}
		for k, v := range headers {
			retryHeaders[k] = v
		}

		out := outbox.NewRow(outbox.CategoryCommand, e.naming.DestinationFor(cmd.CommandType), row.BusinessKey, cmd.CommandType, payload, retryHeaders)
		_, err = e.outbox.Insert(txCtx, out)
		return err
	})
	if err == nil && failureReason != "" {
		e.publishStatus(ctx, row.ID, command.StatusFailed)
	}
	return err
}

func (e *Executor) appendReply(ctx context.Context, cmd envelope.Command, headers map[string]string, status envelope.ReplyStatus, data map[string]interface{}, errMsg string) error {
	data = withParallelBranch(data, headers)
	reply := envelope.Reply{
		CommandID:     cmd.CommandID,
		CorrelationID: cmd.CorrelationID,
		Status:        status,
		Data:          data,
		Error:         errMsg,
	}

	payload, err := envelope.MarshalReply(reply)
	if err != nil {
		return fmt.Errorf("marshal reply envelope: %w", err)
	}

	row := outbox.NewRow(outbox.CategoryReply, "", cmd.CommandID, "reply", payload, nil)
	_, err = e.outbox.Insert(ctx, row)
	return err
}

// withParallelBranch stamps reply.data.parallelBranch so the process
// manager can route a parallel branch's reply even though the branch
// name only ever traveled as a transport header, never in the payload.
func withParallelBranch(data map[string]interface{}, headers map[string]string) map[string]interface{} {
	branch := headers[envelope.HeaderParallelBranch]
	if branch == "" {
		return data
	}
	if data == nil {
		data = make(map[string]interface{})
	}
	data["parallelBranch"] = branch
	return data
}
