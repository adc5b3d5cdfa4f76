// Package outbox implements the transactional outbox: a staging table
// written inside the same transaction as the business change that
// justifies it, and a relay that claims rows with FOR UPDATE SKIP
// LOCKED and dispatches them to the command queue or event bus.
package outbox

import (
	"encoding/json"
	"time"
)

// Category names the external destination a row is headed for.
type Category string

const (
	CategoryCommand Category = "command"
	CategoryReply   Category = "reply"
	CategoryEvent   Category = "event"
)

// Status is the row's position in the claim/publish lifecycle.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusSending   Status = "SENDING"
	StatusPublished Status = "PUBLISHED"
)

// Row is one outbox entry.
type Row struct {
	ID         int64
	Category   Category
	Topic      string
	Key        string
	Type       string
	Payload    json.RawMessage
	Headers    map[string]string
	Status     Status
	Attempts   int
	NextAt     *time.Time
	Reason     string
	ClaimedBy  string
	ClaimedAt  *time.Time
	CreatedAt  time.Time
}

// NewRow builds an unsaved NEW row. Topic may be empty for reply rows,
// which the relay sends to its configured reply topic; command and event
// rows are sent to Topic as given, and the relay derives no destination
// for them.
func NewRow(category Category, topic, key, typ string, payload json.RawMessage, headers map[string]string) Row {
	return Row{
		Category: category,
		Topic:    topic,
		Key:      key,
		Type:     typ,
		Payload:  payload,
		Headers:  headers,
		Status:   StatusNew,
	}
}
