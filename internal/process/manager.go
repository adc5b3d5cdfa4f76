package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/commandmesh/platform/internal/database"
	"github.com/commandmesh/platform/internal/database/repository"
	"github.com/commandmesh/platform/internal/envelope"
	"github.com/commandmesh/platform/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// CommandSubmitter is the command bus surface the process manager
// drives steps through. internal/command.Bus satisfies it.
type CommandSubmitter interface {
	Submit(ctx context.Context, name, idemKey, businessKey, correlationID string, payload json.RawMessage, extraHeaders map[string]string) (commandID string, err error)
}

// Manager is the saga state machine: one instance serves every process
// type registered in its ConfigRegistry.
type Manager struct {
	db                database.DB
	store             *Store
	submitter         CommandSubmitter
	registry          *ConfigRegistry
	defaultMaxRetries int
	log               *logger.Logger
	tracer            trace.Tracer
}

func NewManager(db database.DB, store *Store, submitter CommandSubmitter, registry *ConfigRegistry, defaultMaxRetries int, log *logger.Logger) *Manager {
	return &Manager{
		db:                db,
		store:             store,
		submitter:         submitter,
		registry:          registry,
		defaultMaxRetries: defaultMaxRetries,
		log:               log,
		tracer:            otel.GetTracerProvider().Tracer("process-manager"),
	}
}

// StartProcess creates a new instance of processType and runs its
// first step.
func (m *Manager) StartProcess(ctx context.Context, processType, businessKey string, initialData map[string]interface{}) (string, error) {
	ctx, span := m.tracer.Start(ctx, "process.start")
	defer span.End()

	cfg, ok := m.registry.Lookup(processType)
	if !ok {
		return "", fmt.Errorf("process: no configuration registered for type %q", processType)
	}
	if initialData == nil {
		initialData = make(map[string]interface{})
	}

	var processID string
	txRepo := repository.NewBaseRepository(m.db)
	err := txRepo.Transaction(ctx, func(txCtx context.Context) error {
		initial := cfg.Graph.Initial()
		id, err := m.store.Create(txCtx, processType, businessKey, initialData, initial)
		if err != nil {
			return err
		}
		processID = id

		if err := m.store.AppendLog(txCtx, id, EventProcessStarted, initial, nil); err != nil {
			return err
		}

		inst := Instance{
			ProcessID:   id,
			ProcessType: processType,
			BusinessKey: businessKey,
			Status:      StatusRunning,
			CurrentStep: initial,
			Data:        initialData,
		}
		return m.executeStep(txCtx, cfg, &inst)
	})
	if err != nil {
		return "", err
	}
	return processID, nil
}

// executeStep issues the command(s) for inst.CurrentStep, sequential
// or parallel depending on the step's node kind, and persists the
// resulting RUNNING state. Must run inside a transaction.
func (m *Manager) executeStep(ctx context.Context, cfg Configuration, inst *Instance) error {
	step, ok := cfg.Graph.Step(inst.CurrentStep)
	if !ok {
		return fmt.Errorf("process: step %q is not defined for type %q", inst.CurrentStep, cfg.Type)
	}

	if step.Node.Kind == NodeParallel {
		return m.executeParallelStep(ctx, inst, step)
	}
	return m.executeSequentialStep(ctx, inst, step)
}

func (m *Manager) executeSequentialStep(ctx context.Context, inst *Instance, step Step) error {
	idemKey := fmt.Sprintf("%s:%s", inst.ProcessID, step.Name)
	if inst.Retries > 0 {
		idemKey = fmt.Sprintf("%s:retry%d", idemKey, inst.Retries)
	}

	payload, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal step %s payload: %w", step.Name, err)
	}

	commandID, err := m.submitter.Submit(ctx, step.Name, idemKey, inst.BusinessKey, inst.ProcessID, payload, nil)
	if err != nil {
		return fmt.Errorf("submit step %s: %w", step.Name, err)
	}

	inst.Status = runningStatus(inst.Status)
	if err := m.store.Save(ctx, *inst); err != nil {
		return err
	}
	return m.store.AppendLog(ctx, inst.ProcessID, EventStepStarted, step.Name, map[string]interface{}{"commandId": commandID})
}

func (m *Manager) executeParallelStep(ctx context.Context, inst *Instance, step Step) error {
	branchStatus := make(map[string]interface{}, len(step.Node.Branches))
	for _, branch := range step.Node.Branches {
		branchStatus[branch] = branchPending
	}
	inst.Data[parallelDataKey(step.Name)] = branchStatus

	payload, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal parallel step %s payload: %w", step.Name, err)
	}

	inst.CurrentStep = step.Node.JoinStep
	inst.Status = runningStatus(inst.Status)
	if err := m.store.Save(ctx, *inst); err != nil {
		return err
	}

	for _, branch := range step.Node.Branches {
		idemKey := fmt.Sprintf("%s:%s:%s", inst.ProcessID, step.Name, branch)
		headers := map[string]string{envelope.HeaderParallelBranch: branch}

		commandID, err := m.submitter.Submit(ctx, branch, idemKey, inst.BusinessKey, inst.ProcessID, payload, headers)
		if err != nil {
			return fmt.Errorf("submit parallel branch %s/%s: %w", step.Name, branch, err)
		}
		if err := m.store.AppendLog(ctx, inst.ProcessID, EventStepStarted, branch, map[string]interface{}{"commandId": commandID, "parallelBranch": branch}); err != nil {
			return err
		}
	}

	return nil
}

// HandleReply routes a reply envelope to the owning process instance.
// A reply for an unknown process is logged and dropped - it arrived
// for a process that no longer exists or was never started by this
// manager.
func (m *Manager) HandleReply(ctx context.Context, reply envelope.Reply) error {
	ctx, span := m.tracer.Start(ctx, "process.handleReply")
	defer span.End()

	processID := reply.CorrelationID
	if processID == "" {
		return nil
	}

	txRepo := repository.NewBaseRepository(m.db)
	return txRepo.Transaction(ctx, func(txCtx context.Context) error {
		inst, err := m.store.Get(txCtx, processID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				m.log.Debug("reply for unknown process, dropping",
					zap.String("processId", processID), zap.String("commandId", reply.CommandID))
				return nil
			}
			return err
		}

		cfg, ok := m.registry.Lookup(inst.ProcessType)
		if !ok {
			return fmt.Errorf("process: no configuration registered for type %q", inst.ProcessType)
		}

		if branch, isParallel := reply.ParallelBranch(); isParallel {
			if _, hasFanout := inst.Data[parallelDataKey(inst.CurrentStepFanoutKey())]; hasFanout {
				return m.handleParallelReply(txCtx, cfg, &inst, branch, reply)
			}
			// The fan-out this branch belonged to already resolved
			// (another branch's failure moved the process on) - this is
			// a late straggler, not a reply for the process's current
			// step, so it must be dropped rather than mistaken for one.
			m.log.Debug("parallel branch reply for already-resolved fan-out, dropping",
				zap.String("processId", inst.ProcessID), zap.String("branch", branch))
			return nil
		}
		return m.handleSequentialReply(txCtx, cfg, &inst, reply)
	})
}

// CurrentStepFanoutKey resolves which parallel fan-out a reply belongs
// to. The instance's currentStep has already advanced to the join
// step by the time replies arrive, so the fan-out's own data key is
// the only place branch names survive; this finds it by convention
// (there is at most one live "_parallel_*" key awaiting completion).
func (inst *Instance) CurrentStepFanoutKey() string {
	for key := range inst.Data {
		if len(key) > len("_parallel_") && key[:len("_parallel_")] == "_parallel_" {
			return key[len("_parallel_"):]
		}
	}
	return ""
}

func (m *Manager) handleSequentialReply(ctx context.Context, cfg Configuration, inst *Instance, reply envelope.Reply) error {
	step := inst.CurrentStep

	switch reply.Status {
	case envelope.StatusCompleted:
		mergeData(inst.Data, reply.Data)
		if err := m.store.AppendLog(ctx, inst.ProcessID, EventStepCompleted, step, reply.Data); err != nil {
			return err
		}

		if inst.Status == StatusCompensating {
			return m.advanceCompensation(ctx, cfg, inst, step)
		}

		next, ok := cfg.Graph.GetNextStep(step, inst.Data)
		if !ok {
			inst.Status = StatusSucceeded
			if err := m.store.Save(ctx, *inst); err != nil {
				return err
			}
			return m.store.AppendLog(ctx, inst.ProcessID, EventProcessCompleted, step, nil)
		}

		inst.CurrentStep = next
		inst.Retries = 0
		return m.executeStep(ctx, cfg, inst)

	case envelope.StatusFailed, envelope.StatusTimedOut:
		// A compensation command's own failure is not retried or
		// chained further: compensation is best-effort cleanup, and a
		// failed undo leaves the process in a state an operator must
		// resolve, not one this engine can reason its way out of.
		if inst.Status == StatusCompensating {
			if err := m.store.AppendLog(ctx, inst.ProcessID, EventStepFailed, step, map[string]interface{}{"error": reply.Error, "compensation": true}); err != nil {
				return err
			}
			delete(inst.Data, compensationQueueKey)
			inst.Status = StatusFailed
			if err := m.store.Save(ctx, *inst); err != nil {
				return err
			}
			return m.store.AppendLog(ctx, inst.ProcessID, EventProcessFailed, step, map[string]interface{}{"error": reply.Error, "compensationFailed": true})
		}

		retryable := reply.Status == envelope.StatusFailed && cfg.isRetryable(step, errors.New(reply.Error))
		maxRetries := cfg.maxRetries(step, m.defaultMaxRetries)

		if err := m.store.AppendLog(ctx, inst.ProcessID, EventStepFailed, step, map[string]interface{}{"retryable": retryable, "error": reply.Error}); err != nil {
			return err
		}

		if retryable && inst.Retries < maxRetries {
			inst.Retries++
			return m.executeStep(ctx, cfg, inst)
		}

		return m.startCompensation(ctx, cfg, inst, step, reply.Error)

	default:
		return fmt.Errorf("process: unknown reply status %q", reply.Status)
	}
}

// handleParallelReply implements the fail-fast completion protocol: a
// single branch failure moves the whole instance to FAILED (or
// COMPENSATING) immediately; in-flight branches' later replies match no
// PENDING branch and are dropped.
func (m *Manager) handleParallelReply(ctx context.Context, cfg Configuration, inst *Instance, branch string, reply envelope.Reply) error {
	fanoutStep := inst.CurrentStepFanoutKey()
	dataKey := parallelDataKey(fanoutStep)

	branchStatus, _ := inst.Data[dataKey].(map[string]interface{})
	if branchStatus == nil {
		return nil
	}
	if current, _ := branchStatus[branch].(string); current != branchPending {
		m.log.Debug("parallel branch reply for already-resolved branch, dropping",
			zap.String("processId", inst.ProcessID), zap.String("branch", branch))
		return nil
	}

	if reply.Status == envelope.StatusFailed || reply.Status == envelope.StatusTimedOut {
		if err := m.store.AppendLog(ctx, inst.ProcessID, EventStepFailed, branch, map[string]interface{}{"parallelBranch": branch, "error": reply.Error}); err != nil {
			return err
		}

		delete(inst.Data, dataKey)
		return m.startCompensation(ctx, cfg, inst, branch, reply.Error)
	}

	mergeData(inst.Data, reply.Data)
	branchStatus[branch] = branchCompleted
	inst.Data[dataKey] = branchStatus

	if err := m.store.AppendLog(ctx, inst.ProcessID, EventStepCompleted, branch, reply.Data); err != nil {
		return err
	}

	for _, status := range branchStatus {
		if s, _ := status.(string); s == branchPending {
			return m.store.Save(ctx, *inst)
		}
	}

	delete(inst.Data, dataKey)
	next, ok := cfg.Graph.GetNextStep(inst.CurrentStep, inst.Data)
	if !ok {
		inst.Status = StatusSucceeded
		if err := m.store.Save(ctx, *inst); err != nil {
			return err
		}
		return m.store.AppendLog(ctx, inst.ProcessID, EventProcessCompleted, inst.CurrentStep, nil)
	}

	inst.CurrentStep = next
	inst.Retries = 0
	return m.executeStep(ctx, cfg, inst)
}

// startCompensation builds the compensation chain for a failed step: the
// process log's completed steps, reversed, filtered down to the ones
// that declare a compensation. It then hands off to advanceCompensation
// to issue the first one. A chain with nothing to compensate (no
// completed step declared one) fails the process directly rather than
// entering COMPENSATING for nothing.
func (m *Manager) startCompensation(ctx context.Context, cfg Configuration, inst *Instance, failedStep, reason string) error {
	completed, err := m.store.CompletedSteps(ctx, inst.ProcessID)
	if err != nil {
		return err
	}

	queue := make([]string, 0, len(completed))
	for i := len(completed) - 1; i >= 0; i-- {
		if cfg.Graph.RequiresCompensation(completed[i]) {
			queue = append(queue, completed[i])
		}
	}

	if len(queue) == 0 {
		inst.Status = StatusFailed
		if err := m.store.Save(ctx, *inst); err != nil {
			return err
		}
		return m.store.AppendLog(ctx, inst.ProcessID, EventProcessFailed, failedStep, map[string]interface{}{"error": reason})
	}

	inst.Data[compensationQueueKey] = toInterfaceSlice(queue)
	return m.advanceCompensation(ctx, cfg, inst, failedStep)
}

// advanceCompensation issues the next queued compensation command, or -
// once the queue is exhausted - marks the instance COMPENSATED. A
// compensation step name is never registered as its own graph node (it
// only exists as a label attached via Builder.Compensate), so it is
// submitted directly rather than routed through executeStep/Graph.Step.
func (m *Manager) advanceCompensation(ctx context.Context, cfg Configuration, inst *Instance, forStep string) error {
	queue, _ := inst.Data[compensationQueueKey].([]interface{})
	if len(queue) == 0 {
		delete(inst.Data, compensationQueueKey)
		inst.Status = StatusCompensated
		if err := m.store.Save(ctx, *inst); err != nil {
			return err
		}
		return m.store.AppendLog(ctx, inst.ProcessID, EventProcessCompensated, forStep, nil)
	}

	completedStep, _ := queue[0].(string)
	inst.Data[compensationQueueKey] = queue[1:]

	compStep, ok := cfg.Graph.CompensationStep(completedStep)
	if !ok {
		// RequiresCompensation gated this step into the queue, so
		// CompensationStep should always resolve; skip defensively
		// rather than getting the instance stuck mid-chain.
		return m.advanceCompensation(ctx, cfg, inst, forStep)
	}

	idemKey := fmt.Sprintf("%s:compensate:%s", inst.ProcessID, completedStep)
	payload, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal compensation %s payload: %w", compStep, err)
	}

	commandID, err := m.submitter.Submit(ctx, compStep, idemKey, inst.BusinessKey, inst.ProcessID, payload, nil)
	if err != nil {
		return fmt.Errorf("submit compensation %s: %w", compStep, err)
	}

	inst.Status = StatusCompensating
	inst.CurrentStep = compStep
	inst.Retries = 0
	if err := m.store.Save(ctx, *inst); err != nil {
		return err
	}
	return m.store.AppendLog(ctx, inst.ProcessID, EventCompensating, compStep, map[string]interface{}{"forStep": completedStep, "commandId": commandID})
}

// toInterfaceSlice lets a freshly built queue share the same []interface{}
// shape Data holds after a JSON round trip, so advanceCompensation's type
// assertion succeeds whether the queue was just built in memory or
// reloaded from a saved instance.
func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// runningStatus preserves COMPENSATING across executeStep calls made
// while running a compensation chain; every other starting status
// becomes the ordinary RUNNING.
func runningStatus(current Status) Status {
	if current == StatusCompensating {
		return StatusCompensating
	}
	return StatusRunning
}

// mergeData shallow-merges src into dst, skipping the manager's own
// bookkeeping keys.
func mergeData(dst, src map[string]interface{}) {
	for k, v := range src {
		if len(k) >= len("_parallel_") && k[:len("_parallel_")] == "_parallel_" {
			continue
		}
		dst[k] = v
	}
}
