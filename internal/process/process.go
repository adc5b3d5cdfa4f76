// Package process implements the saga/process-manager engine: a
// declarative graph of steps (internal/process's Builder), persisted
// instance state, and the Manager state machine that drives a command
// through its steps by way of the command bus and the replies it
// receives back.
package process

import "time"

// Status is a process instance's position in its lifecycle.
type Status string

const (
	StatusNew          Status = "NEW"
	StatusRunning      Status = "RUNNING"
	StatusSucceeded    Status = "SUCCEEDED"
	StatusFailed       Status = "FAILED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusPaused       Status = "PAUSED"
)

// Instance is a persisted saga run. Data accumulates the merged output
// of every completed step's reply, plus the process manager's own
// bookkeeping keys (the "_parallel_<step>" branch-status maps).
type Instance struct {
	ProcessID   string
	ProcessType string
	BusinessKey string
	Status      Status
	CurrentStep string
	Data        map[string]interface{}
	Retries     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LogEntry is one row of a process instance's audit trail. Every state
// transition writes exactly one of these in the same transaction as
// the instance update.
type LogEntry struct {
	ProcessID string
	Sequence  int
	Event     string
	Step      string
	Payload   map[string]interface{}
	LoggedAt  time.Time
}

// Event names used in process_log rows.
const (
	EventProcessStarted     = "ProcessStarted"
	EventStepStarted        = "StepStarted"
	EventStepCompleted      = "StepCompleted"
	EventStepFailed         = "StepFailed"
	EventProcessCompleted   = "ProcessCompleted"
	EventProcessFailed      = "ProcessFailed"
	EventCompensating       = "Compensating"
	EventProcessCompensated = "ProcessCompensated"
)

// parallelDataKey is the instance.Data key holding the branch-status
// map for a parallel step, e.g. "_parallel_shipAndBill".
func parallelDataKey(step string) string {
	return "_parallel_" + step
}

const (
	branchPending   = "PENDING"
	branchCompleted = "COMPLETED"
)

// compensationQueueKey holds the list of completed-step names (most
// recently completed first) still awaiting their compensation command,
// once a failure starts a compensation chain.
const compensationQueueKey = "_compensationQueue"
