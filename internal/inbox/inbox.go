// Package inbox implements the per-handler dedupe ledger: the
// executor calls TryInsert once per delivered envelope and only
// proceeds to run the handler if the message hasn't been seen before.
package inbox

import (
	"context"
	"fmt"

	"github.com/commandmesh/platform/internal/database"
	"github.com/commandmesh/platform/internal/database/repository"
)

// Store enforces "handled at most once per (messageId, handler)".
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

// TryInsert attempts to record that handler has started processing
// messageID. Returns inserted=true the first time; a duplicate is
// reported as a normal result, never an error.
func (s *Store) TryInsert(ctx context.Context, messageID, handler string) (inserted bool, err error) {
	const query = `
		INSERT INTO inbox (message_id, handler)
		VALUES ($1, $2)
		ON CONFLICT (message_id, handler) DO NOTHING`

	tag, err := s.querier(ctx).Exec(ctx, query, messageID, handler)
	if err != nil {
		return false, fmt.Errorf("insert inbox row: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}
