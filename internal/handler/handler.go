// Package handler is the command-tag handler registry the executor
// dispatches into. Application code registers one Func per
// command name at startup; the executor looks the name up per message.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/commandmesh/platform/internal/envelope"
)

// Func executes one command and returns the reply data on success.
// Returning an error fails the command; whether it is retried is
// decided by the executor using IsRetryable below. Domain events the
// handler wants published alongside its reply are appended to events;
// they only reach the outbox if the handler returns a nil error, since
// they are collected inside the same transaction as the state change.
type Func func(ctx context.Context, cmd envelope.Command, events *EventCollector) (map[string]interface{}, error)

// EventCollector gathers the domain events a handler emits during one
// invocation so the executor can append them to the outbox in the same
// transaction as the command's terminal state change.
type EventCollector struct {
	events []envelope.Event
}

// Emit records one domain event for outbox insertion.
func (c *EventCollector) Emit(eventType, key string, payload json.RawMessage) {
	c.events = append(c.events, envelope.Event{Type: eventType, Key: key, Payload: payload})
}

// Events returns every event emitted so far.
func (c *EventCollector) Events() []envelope.Event {
	return c.events
}

// NonRetryable wraps an error to tell the executor not to retry the
// command even though attempts remain in its budget - for validation
// failures and other errors retrying cannot fix.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

type nonRetryableError struct{ err error }

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// IsRetryable reports whether the executor should schedule another
// attempt for an error a handler returned.
func IsRetryable(err error) bool {
	var nr *nonRetryableError
	return !errors.As(err, &nr)
}

// ErrUnknownCommand is returned by Lookup when no handler was
// registered for a command name.
var ErrUnknownCommand = errors.New("no handler registered for command")

// Registry maps command names to their handler. Registration happens
// once at startup, before the executor or any consumer starts reading
// from the command queue.
type Registry struct {
	handlers map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Func)}
}

// Register binds fn to a command name. Registering the same name
// twice is a programming error and panics immediately rather than
// silently dropping one handler.
func (r *Registry) Register(name string, fn Func) {
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler: command %q already has a registered handler", name))
	}
	r.handlers[name] = fn
}

// Lookup returns the handler bound to name, or ErrUnknownCommand.
func (r *Registry) Lookup(name string) (Func, error) {
	fn, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownCommand)
	}
	return fn, nil
}

// Names returns every registered command name, used to compute which
// queues a worker needs to subscribe to.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	return names
}
