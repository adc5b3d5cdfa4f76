package process

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/commandmesh/platform/internal/envelope"
	"github.com/commandmesh/platform/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []submittedCommand
}

type submittedCommand struct {
	name, idemKey, businessKey, correlationID string
	payload                                   json.RawMessage
}

func (f *fakeSubmitter) Submit(_ context.Context, name, idemKey, businessKey, correlationID string, payload json.RawMessage, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, submittedCommand{name, idemKey, businessKey, correlationID, payload})
	return uuid.New().String(), nil
}

func newTestManager(t *testing.T, registry *ConfigRegistry) (*Manager, *fakeSubmitter) {
	t.Helper()
	store := newTestStore(t)
	submitter := &fakeSubmitter{}
	log, err := logger.New("test", "debug")
	require.NoError(t, err)
	manager := NewManager(store.db, store, submitter, registry, 3, log)
	return manager, submitter
}

func shipOrderGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := NewGraph("reserveInventory").
		Linear("reserveInventory", "chargePayment").
		Compensate("releaseInventory").
		Linear("chargePayment", "shipOrder").
		Terminal("shipOrder").
		Build()
	require.NoError(t, err)
	return g
}

func TestManagerStartProcessExecutesInitialStep(t *testing.T) {
	registry := NewConfigRegistry()
	registry.Register(Configuration{Type: "ShipOrderSaga", Graph: shipOrderGraph(t)})
	manager, submitter := newTestManager(t, registry)

	processID, err := manager.StartProcess(context.Background(), "ShipOrderSaga", "order-1", map[string]interface{}{"orderId": "order-1"})
	require.NoError(t, err)
	require.NotEmpty(t, processID)

	inst, err := manager.store.Get(context.Background(), processID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, inst.Status)
	require.Equal(t, "reserveInventory", inst.CurrentStep)

	require.Len(t, submitter.calls, 1)
	require.Equal(t, "reserveInventory", submitter.calls[0].name)
	require.Equal(t, processID, submitter.calls[0].correlationID)
}

func TestManagerHandleReplyAdvancesToNextStep(t *testing.T) {
	registry := NewConfigRegistry()
	registry.Register(Configuration{Type: "ShipOrderSaga", Graph: shipOrderGraph(t)})
	manager, submitter := newTestManager(t, registry)
	ctx := context.Background()

	processID, err := manager.StartProcess(ctx, "ShipOrderSaga", "order-1", map[string]interface{}{})
	require.NoError(t, err)

	err = manager.HandleReply(ctx, envelope.Reply{
		CommandID:     "cmd-1",
		CorrelationID: processID,
		Status:        envelope.StatusCompleted,
		Data:          map[string]interface{}{"reservationId": "res-1"},
	})
	require.NoError(t, err)

	inst, err := manager.store.Get(ctx, processID)
	require.NoError(t, err)
	require.Equal(t, "chargePayment", inst.CurrentStep)
	require.Equal(t, StatusRunning, inst.Status)
	require.Equal(t, "res-1", inst.Data["reservationId"])
	require.Len(t, submitter.calls, 2)
	require.Equal(t, "chargePayment", submitter.calls[1].name)
}

func TestManagerHandleReplyCompletesTerminalStep(t *testing.T) {
	registry := NewConfigRegistry()
	registry.Register(Configuration{Type: "ShipOrderSaga", Graph: shipOrderGraph(t)})
	manager, _ := newTestManager(t, registry)
	ctx := context.Background()

	processID, err := manager.StartProcess(ctx, "ShipOrderSaga", "order-1", map[string]interface{}{})
	require.NoError(t, err)

	require.NoError(t, manager.HandleReply(ctx, envelope.Reply{CorrelationID: processID, Status: envelope.StatusCompleted}))
	require.NoError(t, manager.HandleReply(ctx, envelope.Reply{CorrelationID: processID, Status: envelope.StatusCompleted}))
	require.NoError(t, manager.HandleReply(ctx, envelope.Reply{CorrelationID: processID, Status: envelope.StatusCompleted}))

	inst, err := manager.store.Get(ctx, processID)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, inst.Status)
}

func TestManagerHandleReplyTriggersCompensationOnNonRetryableFailure(t *testing.T) {
	registry := NewConfigRegistry()
	registry.Register(Configuration{
		Type:  "ShipOrderSaga",
		Graph: shipOrderGraph(t),
		IsRetryable: func(step string, err error) bool {
			return false
		},
	})
	manager, submitter := newTestManager(t, registry)
	ctx := context.Background()

	processID, err := manager.StartProcess(ctx, "ShipOrderSaga", "order-1", map[string]interface{}{})
	require.NoError(t, err)

	err = manager.HandleReply(ctx, envelope.Reply{CorrelationID: processID, Status: envelope.StatusCompleted})
	require.NoError(t, err)

	err = manager.HandleReply(ctx, envelope.Reply{CorrelationID: processID, Status: envelope.StatusFailed, Error: "payment declined"})
	require.NoError(t, err)

	inst, err := manager.store.Get(ctx, processID)
	require.NoError(t, err)
	require.Equal(t, StatusCompensating, inst.Status)
	require.Equal(t, "releaseInventory", inst.CurrentStep)
	require.Equal(t, "releaseInventory", submitter.calls[len(submitter.calls)-1].name)
}

func TestManagerHandleReplyCompensatesAllCompletedStepsInReverseOrder(t *testing.T) {
	graph, err := NewGraph("stepA").
		Linear("stepA", "stepB").
		Compensate("undoA").
		Linear("stepB", "stepC").
		Compensate("undoB").
		Terminal("stepC").
		Build()
	require.NoError(t, err)

	registry := NewConfigRegistry()
	registry.Register(Configuration{
		Type:        "ThreeStepSaga",
		Graph:       graph,
		IsRetryable: func(step string, err error) bool { return false },
	})
	manager, submitter := newTestManager(t, registry)
	ctx := context.Background()

	processID, err := manager.StartProcess(ctx, "ThreeStepSaga", "order-1", map[string]interface{}{})
	require.NoError(t, err)

	require.NoError(t, manager.HandleReply(ctx, envelope.Reply{CorrelationID: processID, Status: envelope.StatusCompleted}))
	require.NoError(t, manager.HandleReply(ctx, envelope.Reply{CorrelationID: processID, Status: envelope.StatusCompleted}))

	inst, err := manager.store.Get(ctx, processID)
	require.NoError(t, err)
	require.Equal(t, "stepC", inst.CurrentStep)

	require.NoError(t, manager.HandleReply(ctx, envelope.Reply{CorrelationID: processID, Status: envelope.StatusFailed, Error: "boom"}))

	inst, err = manager.store.Get(ctx, processID)
	require.NoError(t, err)
	require.Equal(t, StatusCompensating, inst.Status)
	require.Equal(t, "undoB", inst.CurrentStep, "compensation must walk backwards starting with the most recently completed step")

	require.NoError(t, manager.HandleReply(ctx, envelope.Reply{CorrelationID: processID, Status: envelope.StatusCompleted}))

	inst, err = manager.store.Get(ctx, processID)
	require.NoError(t, err)
	require.Equal(t, StatusCompensating, inst.Status, "the chain must continue to the next completed step's compensation")
	require.Equal(t, "undoA", inst.CurrentStep)

	require.NoError(t, manager.HandleReply(ctx, envelope.Reply{CorrelationID: processID, Status: envelope.StatusCompleted}))

	inst, err = manager.store.Get(ctx, processID)
	require.NoError(t, err)
	require.Equal(t, StatusCompensated, inst.Status, "the instance reaches COMPENSATED only once the full backward chain is exhausted")

	require.Equal(t, []string{"stepA", "stepB", "undoB", "undoA"},
		[]string{submitter.calls[0].name, submitter.calls[1].name, submitter.calls[2].name, submitter.calls[3].name})
}

func TestManagerHandleReplyRetriesRetryableFailure(t *testing.T) {
	registry := NewConfigRegistry()
	registry.Register(Configuration{Type: "ShipOrderSaga", Graph: shipOrderGraph(t)})
	manager, submitter := newTestManager(t, registry)
	ctx := context.Background()

	processID, err := manager.StartProcess(ctx, "ShipOrderSaga", "order-1", map[string]interface{}{})
	require.NoError(t, err)

	err = manager.HandleReply(ctx, envelope.Reply{CorrelationID: processID, Status: envelope.StatusFailed, Error: "timeout"})
	require.NoError(t, err)

	inst, err := manager.store.Get(ctx, processID)
	require.NoError(t, err)
	require.Equal(t, "reserveInventory", inst.CurrentStep, "a retryable failure should re-issue the same step")
	require.Equal(t, 1, inst.Retries)
	require.Len(t, submitter.calls, 2)
	require.Equal(t, submitter.calls[0].idemKey+":retry1", submitter.calls[1].idemKey)
}

func TestManagerHandleReplyForUnknownProcessIsDroppedNotErrored(t *testing.T) {
	registry := NewConfigRegistry()
	registry.Register(Configuration{Type: "ShipOrderSaga", Graph: shipOrderGraph(t)})
	manager, _ := newTestManager(t, registry)

	err := manager.HandleReply(context.Background(), envelope.Reply{CorrelationID: uuid.New().String(), Status: envelope.StatusCompleted})
	require.NoError(t, err)
}

func TestManagerHandleReplyEmptyCorrelationIDIsNoop(t *testing.T) {
	registry := NewConfigRegistry()
	manager, submitter := newTestManager(t, registry)

	err := manager.HandleReply(context.Background(), envelope.Reply{Status: envelope.StatusCompleted})
	require.NoError(t, err)
	require.Empty(t, submitter.calls)
}

func TestManagerParallelStepFanOutAndJoin(t *testing.T) {
	graph, err := NewGraph("fanOut").
		Parallel("fanOut", []string{"shipItem", "billCustomer"}, "finish").
		Terminal("finish").
		Build()
	require.NoError(t, err)

	registry := NewConfigRegistry()
	registry.Register(Configuration{Type: "ParallelSaga", Graph: graph})
	manager, submitter := newTestManager(t, registry)
	ctx := context.Background()

	processID, err := manager.StartProcess(ctx, "ParallelSaga", "order-1", map[string]interface{}{})
	require.NoError(t, err)
	require.Len(t, submitter.calls, 2)

	inst, err := manager.store.Get(ctx, processID)
	require.NoError(t, err)
	require.Equal(t, "finish", inst.CurrentStep, "a parallel step should advance currentStep to its joinStep immediately")

	err = manager.HandleReply(ctx, envelope.Reply{
		CorrelationID: processID, Status: envelope.StatusCompleted,
		Data: map[string]interface{}{"parallelBranch": "shipItem"},
	})
	require.NoError(t, err)

	inst, err = manager.store.Get(ctx, processID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, inst.Status, "the process should stay RUNNING while a branch is still pending")

	err = manager.HandleReply(ctx, envelope.Reply{
		CorrelationID: processID, Status: envelope.StatusCompleted,
		Data: map[string]interface{}{"parallelBranch": "billCustomer"},
	})
	require.NoError(t, err)

	inst, err = manager.store.Get(ctx, processID)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, inst.Status, "both branches completing should succeed the process")
}

func TestManagerParallelStepFailFastOnSingleBranchFailure(t *testing.T) {
	graph, err := NewGraph("fanOut").
		Parallel("fanOut", []string{"shipItem", "billCustomer"}, "finish").
		Terminal("finish").
		Build()
	require.NoError(t, err)

	registry := NewConfigRegistry()
	registry.Register(Configuration{Type: "ParallelSaga", Graph: graph})
	manager, _ := newTestManager(t, registry)
	ctx := context.Background()

	processID, err := manager.StartProcess(ctx, "ParallelSaga", "order-1", map[string]interface{}{})
	require.NoError(t, err)

	err = manager.HandleReply(ctx, envelope.Reply{
		CorrelationID: processID, Status: envelope.StatusFailed, Error: "out of stock",
		Data: map[string]interface{}{"parallelBranch": "shipItem"},
	})
	require.NoError(t, err)

	inst, err := manager.store.Get(ctx, processID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, inst.Status)

	err = manager.HandleReply(ctx, envelope.Reply{
		CorrelationID: processID, Status: envelope.StatusCompleted,
		Data: map[string]interface{}{"parallelBranch": "billCustomer"},
	})
	require.NoError(t, err, "a late reply for an already-resolved branch should be dropped, not erred")

	inst, err = manager.store.Get(ctx, processID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, inst.Status, "a dropped straggler reply must not resurrect an already-resolved process")
}

func TestManagerStartProcessUnknownTypeErrors(t *testing.T) {
	registry := NewConfigRegistry()
	manager, _ := newTestManager(t, registry)

	_, err := manager.StartProcess(context.Background(), "NoSuchSaga", "order-1", nil)
	require.Error(t, err)
}
