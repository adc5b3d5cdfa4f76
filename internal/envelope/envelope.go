// Package envelope defines the wire shapes exchanged between the
// gateway, the command queue, and the event bus, plus the header
// conventions the outbox relay and executor rely on to route them.
package envelope

import "encoding/json"

// ReplyStatus is the terminal outcome of a command execution.
type ReplyStatus string

const (
	StatusCompleted ReplyStatus = "COMPLETED"
	StatusFailed    ReplyStatus = "FAILED"
	StatusTimedOut  ReplyStatus = "TIMED_OUT"
)

// Command is the envelope published on a command destination.
type Command struct {
	CommandID     string          `json:"commandId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CommandType   string          `json:"commandType"`
	Payload       json.RawMessage `json:"payload"`
}

// Reply is the envelope published on the reply destination.
type Reply struct {
	CommandID     string                 `json:"commandId"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Status        ReplyStatus            `json:"status"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// IsSuccess reports whether the reply represents a completed command.
func (r Reply) IsSuccess() bool {
	return r.Status == StatusCompleted
}

// ParallelBranch returns the branch name carried in a parallel-step
// reply's data map, if any.
func (r Reply) ParallelBranch() (string, bool) {
	v, ok := r.Data["parallelBranch"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Event is an opaque domain event; the platform only transports it —
// the payload shape is the emitting handler's concern.
type Event struct {
	Type    string          `json:"type"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Well-known header keys. Headers are always a flat string->string map
// on the wire so they survive every broker's header representation.
const (
	HeaderIdempotencyKey = "idempotencyKey"
	HeaderBusinessKey    = "businessKey"
	HeaderParallelBranch = "parallelBranch"
	HeaderReplyTo        = "replyTo"
)

type Headers map[string]string

func (h Headers) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[key]
}

// MarshalCommand serializes a command envelope.
func MarshalCommand(c Command) ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalCommand deserializes a command envelope.
func UnmarshalCommand(data []byte) (Command, error) {
	var c Command
	err := json.Unmarshal(data, &c)
	return c, err
}

// MarshalReply serializes a reply envelope.
func MarshalReply(r Reply) ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalReply deserializes a reply envelope.
func UnmarshalReply(data []byte) (Reply, error) {
	var r Reply
	err := json.Unmarshal(data, &r)
	return r, err
}
