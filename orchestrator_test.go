package sagaway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureInvoker records invocations without executing anything, so tests can
// drive Advance/HandleFailure by hand the way an async collaborator would.
type captureInvoker struct {
	mu    sync.Mutex
	calls []Invocation
}

func (inv *captureInvoker) Invoke(_ context.Context, call Invocation) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.calls = append(inv.calls, call)

	return nil
}

func (inv *captureInvoker) Calls() []Invocation {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	return append([]Invocation(nil), inv.calls...)
}

func (inv *captureInvoker) Last() Invocation {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	return inv.calls[len(inv.calls)-1]
}

type recordAlerter struct {
	mu      sync.Mutex
	alerts  []string
	reasons []string
}

func (a *recordAlerter) Alert(_ context.Context, instanceID, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, instanceID)
	a.reasons = append(a.reasons, reason)
}

func (a *recordAlerter) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.alerts)
}

// invocationLog records the order actions actually ran in.
type invocationLog struct {
	mu    sync.Mutex
	names []string
}

func (l *invocationLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func (l *invocationLog) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.names...)
}

func markAction(name string, log *invocationLog) Action {
	return NewJSONAction(name, func(_ context.Context, _ ActionContext, data map[string]any) (map[string]any, error) {
		log.add(name)
		data[name] = true

		return data, nil
	})
}

func failAction(name string, log *invocationLog, err error) Action {
	return NewActionFunc(name, func(_ context.Context, _ ActionContext, _ json.RawMessage) (json.RawMessage, error) {
		log.add(name)

		return nil, err
	})
}

func orderDefinition(t *testing.T) *SagaDefinition {
	t.Helper()

	def, err := NewDefinition("order-processing",
		NewStep("validate-order", "validate-order"),
		NewStep("reserve-inventory", "reserve-inventory", WithCompensation("release-inventory")),
		NewStep("charge-payment", "charge-payment", WithCompensation("refund-payment")),
		NewStep("confirm-order", "confirm-order", WithCompensation("unconfirm-order")),
	)
	require.NoError(t, err)

	return def
}

func TestOrchestratorHappyPath(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	orch := NewOrchestrator(store)

	log := &invocationLog{}
	for _, name := range []string{"validate-order", "reserve-inventory", "charge-payment", "confirm-order"} {
		orch.RegisterAction(markAction(name, log))
	}

	require.NoError(t, orch.RegisterDefinition(ctx, orderDefinition(t)))

	instanceID, err := orch.StartSaga(ctx, "order-processing", "order-1",
		json.RawMessage(`{"order_id": "12345", "amount": 99.99}`))
	require.NoError(t, err)

	inst, err := store.GetInstance(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inst.Status)
	assert.Equal(t, []string{"validate-order", "reserve-inventory", "charge-payment", "confirm-order"}, log.Names())

	for _, name := range []string{"validate-order", "reserve-inventory", "charge-payment", "confirm-order"} {
		state := inst.StepStates[name]
		require.NotNil(t, state)
		assert.Equal(t, PhaseSucceeded, state.Phase)
		assert.Equal(t, 1, state.Attempts)
	}

	var payload map[string]any
	require.NoError(t, json.Unmarshal(inst.Payload, &payload))
	assert.Equal(t, true, payload["confirm-order"])
	assert.Equal(t, "12345", payload["order_id"])
}

func TestOrchestratorPermanentFailureCompensatesInReverse(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	orch := NewOrchestrator(store)

	log := &invocationLog{}
	orch.RegisterAction(markAction("validate-order", log))
	orch.RegisterAction(markAction("reserve-inventory", log))
	orch.RegisterAction(failAction("charge-payment", log, NewPermanentError("card declined", nil)))
	orch.RegisterAction(markAction("confirm-order", log))
	orch.RegisterAction(markAction("release-inventory", log))
	orch.RegisterAction(markAction("refund-payment", log))

	require.NoError(t, orch.RegisterDefinition(ctx, orderDefinition(t)))

	instanceID, err := orch.StartSaga(ctx, "order-processing", "order-2",
		json.RawMessage(`{"order_id": "12345"}`))
	require.NoError(t, err)

	inst, err := store.GetInstance(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, inst.Status)

	// Only SUCCEEDED steps are compensated, highest index first. The failed
	// step never ran its compensation, confirm-order never ran at all, and
	// validate-order has no compensating action.
	assert.Equal(t,
		[]string{"validate-order", "reserve-inventory", "charge-payment", "release-inventory"},
		log.Names())

	assert.Equal(t, PhaseCompensated, inst.StepStates["reserve-inventory"].Phase)
	assert.Equal(t, PhaseCompensated, inst.StepStates["validate-order"].Phase)
	assert.Equal(t, PhaseFailed, inst.StepStates["charge-payment"].Phase)
	assert.Equal(t, PhasePending, inst.StepStates["confirm-order"].Phase)
	require.NotNil(t, inst.StepStates["charge-payment"].LastError)
	assert.Contains(t, *inst.StepStates["charge-payment"].LastError, "card declined")
}

func TestOrchestratorUnclassifiedErrorIsPermanent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	orch := NewOrchestrator(store)

	log := &invocationLog{}
	orch.RegisterAction(markAction("validate-order", log))
	orch.RegisterAction(markAction("reserve-inventory", log))
	orch.RegisterAction(failAction("charge-payment", log, assert.AnError))
	orch.RegisterAction(markAction("release-inventory", log))

	require.NoError(t, orch.RegisterDefinition(ctx, orderDefinition(t)))

	instanceID, err := orch.StartSaga(ctx, "order-processing", "order-3",
		json.RawMessage(`{"order_id": "12345"}`))
	require.NoError(t, err)

	inst, err := store.GetInstance(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, inst.Status)
	// Exactly one attempt: unclassified errors are never retried.
	assert.Equal(t, 1, inst.StepStates["charge-payment"].Attempts)
}

func TestOrchestratorTransientRetryUntilSuccess(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	orch := NewOrchestrator(store)
	orch.Start()
	defer orch.Shutdown()

	var mu sync.Mutex
	attempts := 0
	orch.RegisterAction(NewActionFunc("flaky", func(_ context.Context, _ ActionContext, payload json.RawMessage) (json.RawMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, NewTransientError("dependency unavailable", nil)
		}

		return payload, nil
	}))

	def, err := NewDefinition("flaky-saga",
		NewStep("flaky-step", "flaky", WithRetry(RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    time.Second,
			Multiplier:  1,
		})),
	)
	require.NoError(t, err)
	require.NoError(t, orch.RegisterDefinition(ctx, def))

	instanceID, err := orch.StartSaga(ctx, "flaky-saga", "", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		inst, err := store.GetInstance(ctx, instanceID)

		return err == nil && inst.Status == StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	inst, err := store.GetInstance(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, 3, inst.StepStates["flaky-step"].Attempts)

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
}

func TestOrchestratorRetryBudgetExhaustedCompensates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	orch := NewOrchestrator(store)
	orch.Start()
	defer orch.Shutdown()

	log := &invocationLog{}
	orch.RegisterAction(markAction("reserve", log))
	orch.RegisterAction(markAction("release", log))
	orch.RegisterAction(failAction("always-down", log, NewTransientError("dependency unavailable", nil)))

	def, err := NewDefinition("doomed-saga",
		NewStep("reserve-slot", "reserve", WithCompensation("release")),
		NewStep("call-dependency", "always-down", WithRetry(RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    time.Second,
			Multiplier:  1,
		})),
	)
	require.NoError(t, err)
	require.NoError(t, orch.RegisterDefinition(ctx, def))

	instanceID, err := orch.StartSaga(ctx, "doomed-saga", "", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		inst, err := store.GetInstance(ctx, instanceID)

		return err == nil && inst.Status == StatusCompensated
	}, 5*time.Second, 10*time.Millisecond)

	inst, err := store.GetInstance(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, 3, inst.StepStates["call-dependency"].Attempts)
	assert.Equal(t, []string{"reserve", "always-down", "always-down", "always-down", "release"}, log.Names())
}

func TestOrchestratorStepTimeout(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	orch := NewOrchestrator(store)

	log := &invocationLog{}
	orch.RegisterAction(markAction("reserve", log))
	orch.RegisterAction(markAction("release", log))
	orch.RegisterAction(NewActionFunc("hang", func(ctx context.Context, _ ActionContext, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	}))

	def, err := NewDefinition("slow-saga",
		NewStep("reserve-slot", "reserve", WithCompensation("release")),
		NewStep("slow-call", "hang",
			WithTimeout(30*time.Millisecond),
			WithMaxAttempts(1)),
	)
	require.NoError(t, err)
	require.NoError(t, orch.RegisterDefinition(ctx, def))

	instanceID, err := orch.StartSaga(ctx, "slow-saga", "", json.RawMessage(`{}`))
	require.NoError(t, err)

	inst, err := store.GetInstance(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, inst.Status)
	require.NotNil(t, inst.StepStates["slow-call"].LastError)
	assert.Contains(t, *inst.StepStates["slow-call"].LastError, "timeout")
	assert.Equal(t, []string{"reserve", "release"}, log.Names())
}

func TestOrchestratorDuplicateAdvanceDiscarded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	invoker := &captureInvoker{}
	orch := NewOrchestrator(store, WithStepInvoker(invoker))

	require.NoError(t, orch.RegisterDefinition(ctx, orderDefinition(t)))

	instanceID, err := orch.StartSaga(ctx, "order-processing", "", json.RawMessage(`{}`))
	require.NoError(t, err)

	first := invoker.Last()
	assert.Equal(t, "validate-order", first.StepName)

	require.NoError(t, orch.Advance(ctx, instanceID, first.StepName, first.IdempotencyKey, nil))

	inst, err := store.GetInstance(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, 1, inst.CurrentStepIndex)
	versionAfter := inst.Version

	// Redelivered completion for a step that already advanced: no-op.
	require.NoError(t, orch.Advance(ctx, instanceID, first.StepName, first.IdempotencyKey, nil))

	inst, err = store.GetInstance(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, 1, inst.CurrentStepIndex)
	assert.Equal(t, versionAfter, inst.Version)
	assert.Len(t, invoker.Calls(), 2)

	history, err := orch.History(ctx, instanceID)
	require.NoError(t, err)
	var discarded int
	for _, entry := range history {
		if entry.Outcome == OutcomeDuplicateDiscarded {
			discarded++
		}
	}
	assert.Equal(t, 1, discarded)
}

func TestOrchestratorAdvanceWithWrongKeyDiscarded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	invoker := &captureInvoker{}
	orch := NewOrchestrator(store, WithStepInvoker(invoker))

	require.NoError(t, orch.RegisterDefinition(ctx, orderDefinition(t)))

	instanceID, err := orch.StartSaga(ctx, "order-processing", "", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, orch.Advance(ctx, instanceID, "validate-order", "bogus-key", nil))

	inst, err := store.GetInstance(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, 0, inst.CurrentStepIndex)
	assert.Equal(t, PhaseInvoked, inst.StepStates["validate-order"].Phase)
}

func TestOrchestratorCancelCompensatesAtStepBoundary(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	invoker := &captureInvoker{}
	orch := NewOrchestrator(store, WithStepInvoker(invoker))

	require.NoError(t, orch.RegisterDefinition(ctx, orderDefinition(t)))

	instanceID, err := orch.StartSaga(ctx, "order-processing", "", json.RawMessage(`{}`))
	require.NoError(t, err)

	first := invoker.Last()
	require.NoError(t, orch.Advance(ctx, instanceID, first.StepName, first.IdempotencyKey, nil))

	second := invoker.Last()
	assert.Equal(t, "reserve-inventory", second.StepName)

	reason := "customer changed their mind"
	require.NoError(t, orch.Cancel(ctx, instanceID, "support", &reason))

	// The in-flight step finishes normally; the cancel lands at the boundary.
	require.NoError(t, orch.Advance(ctx, instanceID, second.StepName, second.IdempotencyKey, nil))

	inst, err := store.GetInstance(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensating, inst.Status)

	comp := invoker.Last()
	assert.Equal(t, DirectionCompensate, comp.Direction)
	assert.Equal(t, "reserve-inventory", comp.StepName)
	assert.Equal(t, "release-inventory", comp.Action)

	require.NoError(t, orch.Advance(ctx, instanceID, comp.StepName, comp.IdempotencyKey, nil))

	inst, err = store.GetInstance(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, inst.Status)
	assert.Equal(t, PhaseCompensated, inst.StepStates["validate-order"].Phase)

	// Cancelling a terminal instance is rejected.
	err = orch.Cancel(ctx, instanceID, "support", nil)
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestOrchestratorCancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	invoker := &captureInvoker{}
	orch := NewOrchestrator(store, WithStepInvoker(invoker))

	require.NoError(t, orch.RegisterDefinition(ctx, orderDefinition(t)))

	instanceID, err := orch.StartSaga(ctx, "order-processing", "", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, orch.Cancel(ctx, instanceID, "alice", nil))
	require.NoError(t, orch.Cancel(ctx, instanceID, "bob", nil))

	req, err := store.GetCancelRequest(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, "alice", req.RequestedBy)
}

func TestOrchestratorFailedCompensationAlertsOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	alerter := &recordAlerter{}
	orch := NewOrchestrator(store, WithAlerter(alerter))

	log := &invocationLog{}
	orch.RegisterAction(markAction("reserve", log))
	orch.RegisterAction(failAction("charge", log, NewPermanentError("card declined", nil)))
	orch.RegisterAction(failAction("release", log, NewPermanentError("inventory service gone", nil)))

	def, err := NewDefinition("stuck-saga",
		NewStep("reserve-inventory", "reserve", WithCompensation("release")),
		NewStep("charge-payment", "charge", WithCompensation("refund")),
	)
	require.NoError(t, err)
	require.NoError(t, orch.RegisterDefinition(ctx, def))

	instanceID, err := orch.StartSaga(ctx, "stuck-saga", "", json.RawMessage(`{}`))
	require.NoError(t, err)

	inst, err := store.GetInstance(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailedCompensation, inst.Status)
	assert.Equal(t, PhaseCompensationFailed, inst.StepStates["reserve-inventory"].Phase)

	require.Equal(t, 1, alerter.Count())
	assert.Equal(t, instanceID, alerter.alerts[0])
	assert.Contains(t, alerter.reasons[0], "inventory service gone")

	// Redelivered failure after the terminal transition must not re-alert.
	require.NoError(t, orch.HandleFailure(ctx, instanceID, "reserve-inventory",
		NewPermanentError("inventory service gone", nil)))
	assert.Equal(t, 1, alerter.Count())
}

func TestOrchestratorNonCompensatableStepsSkipped(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	orch := NewOrchestrator(store)

	log := &invocationLog{}
	orch.RegisterAction(markAction("lookup", log))
	orch.RegisterAction(markAction("audit", log))
	orch.RegisterAction(failAction("charge", log, NewPermanentError("card declined", nil)))

	def, err := NewDefinition("read-heavy-saga",
		NewStep("lookup-customer", "lookup"),
		NewStep("record-audit", "audit"),
		NewStep("charge-payment", "charge"),
	)
	require.NoError(t, err)
	require.NoError(t, orch.RegisterDefinition(ctx, def))

	instanceID, err := orch.StartSaga(ctx, "read-heavy-saga", "", json.RawMessage(`{}`))
	require.NoError(t, err)

	inst, err := store.GetInstance(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, inst.Status)
	// Pure reads are marked compensated without any call.
	assert.Equal(t, PhaseCompensated, inst.StepStates["lookup-customer"].Phase)
	assert.Equal(t, PhaseCompensated, inst.StepStates["record-audit"].Phase)
	assert.Equal(t, []string{"lookup", "audit", "charge"}, log.Names())
}

func TestOrchestratorStartSagaValidation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	orch := NewOrchestrator(store)

	require.NoError(t, orch.RegisterDefinition(ctx, orderDefinition(t)))

	var validation *ValidationError

	_, err := orch.StartSaga(ctx, "order-processing", "", nil)
	require.ErrorAs(t, err, &validation)

	_, err = orch.StartSaga(ctx, "no-such-definition", "", json.RawMessage(`{}`))
	require.ErrorAs(t, err, &validation)
}

func TestOrchestratorLeaseHeldElsewhereAborts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	invoker := &captureInvoker{}
	orchA := NewOrchestrator(store, WithStepInvoker(invoker), WithLeaseOwner("worker-a"))

	require.NoError(t, orchA.RegisterDefinition(ctx, orderDefinition(t)))

	instanceID, err := orchA.StartSaga(ctx, "order-processing", "", json.RawMessage(`{}`))
	require.NoError(t, err)

	// Another worker sees the unexpired lease and silently backs off.
	orchB := NewOrchestrator(store, WithStepInvoker(&captureInvoker{}), WithLeaseOwner("worker-b"))
	first := invoker.Last()
	require.NoError(t, orchB.Advance(ctx, instanceID, first.StepName, first.IdempotencyKey, nil))

	inst, err := store.GetInstance(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, 0, inst.CurrentStepIndex)
	assert.Equal(t, "worker-a", inst.LeaseOwner)
}

func TestOrchestratorStepLogRecordsLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	orch := NewOrchestrator(store)

	log := &invocationLog{}
	orch.RegisterAction(markAction("validate-order", log))
	orch.RegisterAction(markAction("reserve-inventory", log))
	orch.RegisterAction(failAction("charge-payment", log, NewPermanentError("card declined", nil)))
	orch.RegisterAction(markAction("release-inventory", log))

	require.NoError(t, orch.RegisterDefinition(ctx, orderDefinition(t)))

	instanceID, err := orch.StartSaga(ctx, "order-processing", "", json.RawMessage(`{}`))
	require.NoError(t, err)

	history, err := orch.History(ctx, instanceID)
	require.NoError(t, err)

	type key struct {
		step    string
		outcome string
	}
	seen := make(map[key]int)
	for _, entry := range history {
		seen[key{entry.StepName, entry.Outcome}]++
	}

	assert.Equal(t, 1, seen[key{"validate-order", OutcomeSucceeded}])
	assert.Equal(t, 1, seen[key{"reserve-inventory", OutcomeSucceeded}])
	assert.Equal(t, 1, seen[key{"charge-payment", OutcomeFailed}])
	assert.Equal(t, 1, seen[key{"reserve-inventory", OutcomeCompensated}])
	assert.Zero(t, seen[key{"confirm-order", OutcomeInvoked}])
}
