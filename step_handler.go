package sagaway

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
)

// Action is the business logic behind a step, forward or compensating.
// The engine treats it as opaque: it must be idempotent-safe, because the
// same idempotency key may be delivered more than once.
type Action interface {
	Execute(ctx context.Context, actionCtx ActionContext, payload json.RawMessage) (json.RawMessage, error)
	Name() string
}

type ActionContext interface {
	InstanceID() string
	StepName() string
	Direction() Direction
	IdempotencyKey() string
	Attempt() int
}

var _ ActionContext = (*actionContext)(nil)

type actionContext struct {
	instanceID     string
	stepName       string
	direction      Direction
	idempotencyKey string
	attempt        int
}

func (c *actionContext) InstanceID() string     { return c.instanceID }
func (c *actionContext) StepName() string       { return c.stepName }
func (c *actionContext) Direction() Direction   { return c.direction }
func (c *actionContext) IdempotencyKey() string { return c.idempotencyKey }
func (c *actionContext) Attempt() int           { return c.attempt }

// ActionRegistry maps action names to implementations, populated once at
// startup and read on every invocation.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]Action)}
}

func (r *ActionRegistry) Register(action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[action.Name()] = wrapPanicAction(action)
}

func (r *ActionRegistry) Lookup(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	action, ok := r.actions[name]

	return action, ok
}

// ActionFunc adapts a plain function to the Action interface.
type ActionFunc struct {
	name string
	fn   func(ctx context.Context, actionCtx ActionContext, payload json.RawMessage) (json.RawMessage, error)
}

func NewActionFunc(
	name string,
	fn func(ctx context.Context, actionCtx ActionContext, payload json.RawMessage) (json.RawMessage, error),
) *ActionFunc {
	return &ActionFunc{name: name, fn: fn}
}

func (a *ActionFunc) Name() string { return a.name }

func (a *ActionFunc) Execute(
	ctx context.Context,
	actionCtx ActionContext,
	payload json.RawMessage,
) (json.RawMessage, error) {
	return a.fn(ctx, actionCtx, payload)
}

// JSONAction decodes the payload into a map, runs fn, and re-encodes the
// result. Convenient for actions that shuttle business keys around.
type JSONAction struct {
	name string
	fn   func(ctx context.Context, actionCtx ActionContext, data map[string]any) (map[string]any, error)
}

func NewJSONAction(
	name string,
	fn func(ctx context.Context, actionCtx ActionContext, data map[string]any) (map[string]any, error),
) *JSONAction {
	return &JSONAction{name: name, fn: fn}
}

func (a *JSONAction) Name() string { return a.name }

func (a *JSONAction) Execute(
	ctx context.Context,
	actionCtx ActionContext,
	payload json.RawMessage,
) (json.RawMessage, error) {
	var data map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	} else {
		data = make(map[string]any)
	}

	result, err := a.fn(ctx, actionCtx, data)
	if err != nil {
		return nil, err
	}

	return json.Marshal(result)
}

type noPanicAction struct {
	action Action
}

func wrapPanicAction(action Action) *noPanicAction {
	return &noPanicAction{action: action}
}

func (a *noPanicAction) Execute(
	ctx context.Context,
	actionCtx ActionContext,
	payload json.RawMessage,
) (out json.RawMessage, errRes error) {
	defer func() {
		if r := recover(); r != nil {
			errRes = NewPermanentError(
				fmt.Sprintf("panic in action %q: %v\n%s", a.Name(), r, debug.Stack()), nil)
		}
	}()

	return a.action.Execute(ctx, actionCtx, payload)
}

func (a *noPanicAction) Name() string {
	return a.action.Name()
}
