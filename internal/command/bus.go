package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/commandmesh/platform/internal/database"
	"github.com/commandmesh/platform/internal/database/repository"
	"github.com/commandmesh/platform/internal/envelope"
	"github.com/commandmesh/platform/internal/outbox"
)

// Bus is the command intake gate: it deduplicates by idempotency key
// and writes the command row and its outbox envelope in one
// transaction, so an outbox row exists for every committed command.
type Bus struct {
	db     database.DB
	store  *Store
	outbox *outbox.Store
	naming Naming

	// StrictConflict selects the ingress open-question default: true
	// returns 409 on any idempotency-key replay; false returns the
	// existing commandId instead.
	StrictConflict bool
}

func NewBus(db database.DB, store *Store, outboxStore *outbox.Store, naming Naming, strictConflict bool) *Bus {
	return &Bus{
		db:             db,
		store:          store,
		outbox:         outboxStore,
		naming:         naming,
		StrictConflict: strictConflict,
	}
}

var errAlreadySubmitted = errors.New("command already submitted")

// Submit accepts a new command, returning its id. correlationID is
// empty for root requests and equal to the owning process id for saga
// steps. extraHeaders is merged over the idempotency/business-key
// headers every command carries - the process manager uses it to stamp
// parallelBranch on a fan-out branch's command.
func (b *Bus) Submit(ctx context.Context, name, idemKey, businessKey, correlationID string, payload json.RawMessage, extraHeaders map[string]string) (commandID string, err error) {
	txRepo := repository.NewBaseRepository(b.db)

	headers := make(map[string]string, len(extraHeaders)+2)
	for k, v := range extraHeaders {
		headers[k] = v
	}
	headers[envelope.HeaderIdempotencyKey] = idemKey
	headers[envelope.HeaderBusinessKey] = businessKey

	err = txRepo.Transaction(ctx, func(txCtx context.Context) error {
		existingID, exists, lookupErr := b.store.ExistsByIdempotencyKey(txCtx, idemKey)
		if lookupErr != nil {
			return lookupErr
		}
		if exists {
			if b.StrictConflict {
				return ErrDuplicateIdempotencyKey
			}
			commandID = existingID
			return errAlreadySubmitted
		}

		id, saveErr := b.store.SavePending(txCtx, name, idemKey, businessKey, payload, headers)
		if saveErr != nil {
			return saveErr
		}
		commandID = id

		cmdEnvelope := envelope.Command{
			CommandID:     id,
			CorrelationID: correlationID,
			CommandType:   name,
			Payload:       payload,
		}
		envelopeBytes, marshalErr := envelope.MarshalCommand(cmdEnvelope)
		if marshalErr != nil {
			return fmt.Errorf("marshal command envelope: %w", marshalErr)
		}

		row := outbox.NewRow(outbox.CategoryCommand, b.naming.DestinationFor(name), businessKey, name, envelopeBytes, headers)
		if _, insertErr := b.outbox.Insert(txCtx, row); insertErr != nil {
			return insertErr
		}

		return nil
	})

	if errors.Is(err, errAlreadySubmitted) {
		return commandID, nil
	}
	if err != nil {
		return "", err
	}
	return commandID, nil
}

// Requeue resets a dead-lettered command to PENDING and re-enqueues its
// original envelope, giving it a fresh retry budget. It is the admin
// counterpart to the executor's own retry path.
func (b *Bus) Requeue(ctx context.Context, commandID string) error {
	txRepo := repository.NewBaseRepository(b.db)
	return txRepo.Transaction(ctx, func(txCtx context.Context) error {
		row, err := b.store.Get(txCtx, commandID)
		if err != nil {
			return err
		}
		if err := b.store.ResetPending(txCtx, commandID); err != nil {
			return err
		}

		cmdEnvelope := envelope.Command{
			CommandID:   row.ID,
			CommandType: row.Name,
			Payload:     row.Payload,
		}
		envelopeBytes, err := envelope.MarshalCommand(cmdEnvelope)
		if err != nil {
			return fmt.Errorf("marshal requeue envelope: %w", err)
		}

		out := outbox.NewRow(outbox.CategoryCommand, b.naming.DestinationFor(row.Name), row.BusinessKey, row.Name, envelopeBytes, row.Headers)
		_, err = b.outbox.Insert(txCtx, out)
		return err
	})
}
