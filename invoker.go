package sagaway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// IdempotencyKey is stable across retries of the same step in the same
// direction, so downstream services can detect duplicate deliveries.
func IdempotencyKey(instanceID, stepName string, direction Direction) string {
	return instanceID + ":" + stepName + ":" + string(direction)
}

// Invocation carries everything a collaborator needs to execute a step's
// forward or compensating action once, duplicates included.
type Invocation struct {
	InstanceID     string          `json:"instance_id"`
	StepName       string          `json:"step_name"`
	Direction      Direction       `json:"direction"`
	Action         string          `json:"action"`
	IdempotencyKey string          `json:"idempotency_key"`
	Attempt        int             `json:"attempt"`
	Timeout        time.Duration   `json:"timeout"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Completer is the slice of the orchestrator that invocation results feed
// back into, directly (sync invoker) or via the gateway (async invoker).
type Completer interface {
	Advance(ctx context.Context, instanceID, stepName, idempotencyKey string, result json.RawMessage) error
	HandleFailure(ctx context.Context, instanceID, stepName string, stepErr error) error
}

// StepInvoker dispatches a step action. An implementation either reports the
// result through the Completer before returning (sync) or immediately returns
// after handing the invocation off (async). A non-nil error means dispatch
// itself failed and the step never ran.
type StepInvoker interface {
	Invoke(ctx context.Context, inv Invocation) error
}

var _ StepInvoker = (*SyncInvoker)(nil)

// SyncInvoker runs registered actions in-process, blocking up to the step
// timeout, and completes the step on the spot. For fast, colocated actions.
type SyncInvoker struct {
	registry  *ActionRegistry
	completer Completer
}

func NewSyncInvoker(registry *ActionRegistry, completer Completer) *SyncInvoker {
	return &SyncInvoker{registry: registry, completer: completer}
}

func (inv *SyncInvoker) Invoke(ctx context.Context, call Invocation) error {
	action, ok := inv.registry.Lookup(call.Action)
	if !ok {
		return fmt.Errorf("action not registered: %s", call.Action)
	}

	if call.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}

	actionCtx := &actionContext{
		instanceID:     call.InstanceID,
		stepName:       call.StepName,
		direction:      call.Direction,
		idempotencyKey: call.IdempotencyKey,
		attempt:        call.Attempt,
	}

	result, err := action.Execute(ctx, actionCtx, call.Payload)
	if err != nil {
		if ctx.Err() != nil {
			err = NewTransientError("timeout", err)
		}

		return inv.completer.HandleFailure(ctx, call.InstanceID, call.StepName, err)
	}

	return inv.completer.Advance(ctx, call.InstanceID, call.StepName, call.IdempotencyKey, result)
}

var _ StepInvoker = (*AsyncInvoker)(nil)

// AsyncInvoker publishes the invocation on the event bus and returns. The
// executing service reports back through the gateway's completion topic.
type AsyncInvoker struct {
	bus   EventBus
	topic string
}

func NewAsyncInvoker(bus EventBus) *AsyncInvoker {
	return &AsyncInvoker{bus: bus, topic: TopicStepInvoke}
}

func (inv *AsyncInvoker) Invoke(ctx context.Context, call Invocation) error {
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("marshal invocation: %w", err)
	}

	if err := inv.bus.Publish(ctx, inv.topic+"."+call.Action, data); err != nil {
		return fmt.Errorf("publish invocation: %w", err)
	}

	return nil
}
