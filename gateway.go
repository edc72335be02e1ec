package sagaway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// EventBus is the narrow publish/subscribe contract the engine depends on.
// Any broker works; the repo ships an in-process bus and a NATS adapter.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers handler for topic and returns an unsubscribe func.
	// Topics ending in ".>" match any suffix.
	Subscribe(topic string, handler func(ctx context.Context, payload []byte)) (func(), error)
}

// CompletionEvent is the wire form of a step outcome arriving from an
// asynchronous collaborator.
type CompletionEvent struct {
	Type           string          `json:"type"`
	InstanceID     string          `json:"instance_id"`
	StepName       string          `json:"step_name"`
	IdempotencyKey string          `json:"idempotency_key"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	Permanent      bool            `json:"permanent,omitempty"`
}

type CompletionHandler func(ctx context.Context, event CompletionEvent) error

// Gateway translates bus events into orchestrator calls. Event types map to
// handlers through an explicit registry populated once at construction.
type Gateway struct {
	bus       EventBus
	completer Completer
	logger    *zap.Logger
	handlers  *xsync.MapOf[string, CompletionHandler]
	unsub     func()
}

func NewGateway(bus EventBus, completer Completer, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}

	gw := &Gateway{
		bus:       bus,
		completer: completer,
		logger:    logger,
		handlers:  xsync.NewMapOf[string, CompletionHandler](),
	}

	gw.handlers.Store(EventStepSucceeded, gw.onStepSucceeded)
	gw.handlers.Store(EventStepFailed, gw.onStepFailed)

	return gw
}

// Start subscribes to the completion topic. Call Close to detach.
func (gw *Gateway) Start(ctx context.Context) error {
	unsub, err := gw.bus.Subscribe(TopicStepComplete, func(ctx context.Context, payload []byte) {
		var event CompletionEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			gw.logger.Warn("gateway: drop malformed completion event", zap.Error(err))

			return
		}

		if err := gw.Dispatch(ctx, event); err != nil {
			gw.logger.Error("gateway: dispatch completion event",
				zap.String("instance_id", event.InstanceID),
				zap.String("step", event.StepName),
				zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicStepComplete, err)
	}

	gw.unsub = unsub
	_ = ctx

	return nil
}

func (gw *Gateway) Close() {
	if gw.unsub != nil {
		gw.unsub()
		gw.unsub = nil
	}
}

// Dispatch routes one completion event by type. Unknown types are an error;
// collaborators speaking a newer protocol must not be silently dropped.
func (gw *Gateway) Dispatch(ctx context.Context, event CompletionEvent) error {
	handler, ok := gw.handlers.Load(event.Type)
	if !ok {
		return fmt.Errorf("unknown event type: %q", event.Type)
	}

	return handler(ctx, event)
}

func (gw *Gateway) onStepSucceeded(ctx context.Context, event CompletionEvent) error {
	return gw.completer.Advance(ctx, event.InstanceID, event.StepName, event.IdempotencyKey, event.Result)
}

func (gw *Gateway) onStepFailed(ctx context.Context, event CompletionEvent) error {
	var stepErr error
	if event.Permanent {
		stepErr = NewPermanentError(event.Error, nil)
	} else {
		stepErr = NewTransientError(event.Error, nil)
	}

	return gw.completer.HandleFailure(ctx, event.InstanceID, event.StepName, stepErr)
}

// PublishCompletion is the collaborator-side helper that emits a step outcome
// back to the orchestrator.
func PublishCompletion(ctx context.Context, bus EventBus, event CompletionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal completion event: %w", err)
	}

	return bus.Publish(ctx, TopicStepComplete, data)
}

var _ EventBus = (*InProcBus)(nil)

// InProcBus is a synchronous in-process EventBus for colocated deployments
// and tests. Handlers run on the publisher's goroutine, so delivery order is
// deterministic.
type InProcBus struct {
	topics *xsync.MapOf[string, *topicSubs]
}

type topicSubs struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]func(ctx context.Context, payload []byte)
}

func NewInProcBus() *InProcBus {
	return &InProcBus{topics: xsync.NewMapOf[string, *topicSubs]()}
}

func (b *InProcBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.topics.Range(func(pattern string, subs *topicSubs) bool {
		if !topicMatches(pattern, topic) {
			return true
		}

		subs.mu.RLock()
		handlers := make([]func(ctx context.Context, payload []byte), 0, len(subs.handlers))
		for _, h := range subs.handlers {
			handlers = append(handlers, h)
		}
		subs.mu.RUnlock()

		for _, h := range handlers {
			h(ctx, payload)
		}

		return true
	})

	return nil
}

func (b *InProcBus) Subscribe(topic string, handler func(ctx context.Context, payload []byte)) (func(), error) {
	subs, _ := b.topics.LoadOrCompute(topic, func() *topicSubs {
		return &topicSubs{handlers: make(map[int]func(ctx context.Context, payload []byte))}
	})

	subs.mu.Lock()
	id := subs.nextID
	subs.nextID++
	subs.handlers[id] = handler
	subs.mu.Unlock()

	return func() {
		subs.mu.Lock()
		delete(subs.handlers, id)
		subs.mu.Unlock()
	}, nil
}

// topicMatches supports NATS-style trailing ".>" wildcards, which is all the
// invoker topics need.
func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	const wildcard = ".>"
	if len(pattern) > len(wildcard) && pattern[len(pattern)-len(wildcard):] == wildcard {
		prefix := pattern[:len(pattern)-len(wildcard)+1] // keep the dot
		return len(topic) > len(prefix) && topic[:len(prefix)] == prefix
	}

	return false
}
