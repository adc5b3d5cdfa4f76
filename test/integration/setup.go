package integration

import (
	"context"
	"fmt"

	"github.com/commandmesh/platform/internal/database"
)

// TruncateAll clears every table the platform owns, leaving the
// schema itself untouched. Integration tests call this between runs
// so a stale command/process row from a previous run can't mask a
// fresh assertion.
func TruncateAll(ctx context.Context, db database.DB) error {
	tables := []string{"command_dlq", "inbox", "outbox", "process_log", "process_instance", "command"}
	for _, table := range tables {
		if _, err := db.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return nil
}
