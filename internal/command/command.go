// Package command owns the command row lifecycle and the ingress bus
// that accepts new commands, gates them on idempotency, and writes the
// PENDING row plus its outbox envelope in one transaction.
package command

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is a command row's position in its lifecycle.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// Row is a persisted command. It is created once at ingress and
// mutated only by the executor; rows are never deleted.
type Row struct {
	ID             string
	Name           string
	BusinessKey    string
	Payload        json.RawMessage
	IdempotencyKey string
	Status         Status
	Retries        int
	LeaseUntil     *time.Time
	Error          string
	Headers        map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DLQRow is a snapshot of a command that exceeded its retry budget or
// suffered a non-retryable error.
type DLQRow struct {
	ID          string
	CommandID   string
	Name        string
	BusinessKey string
	Payload     json.RawMessage
	Reason      string
	Attempts    int
	InsertedAt  time.Time
}

// ErrDuplicateIdempotencyKey is surfaced at ingress as 409.
var ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
