package sagaway

import (
	"time"
)

// DefaultRetryPolicy is applied to steps that do not override it.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	Multiplier:  2.0,
	Jitter:      0.2,
}

const DefaultStepTimeout = 30 * time.Second

type StepOption func(step *StepDefinition)

// WithCompensation sets the compensating action for the step. Steps without
// one (pure reads) are marked compensated without any call during rollback.
func WithCompensation(action string) StepOption {
	return func(step *StepDefinition) {
		step.CompensateAction = action
	}
}

func WithTimeout(timeout time.Duration) StepOption {
	return func(step *StepDefinition) {
		step.Timeout = timeout
	}
}

func WithRetry(policy RetryPolicy) StepOption {
	return func(step *StepDefinition) {
		step.Retry = policy
	}
}

func WithMaxAttempts(attempts int) StepOption {
	return func(step *StepDefinition) {
		step.Retry.MaxAttempts = attempts
	}
}

// NewStep describes one saga step. The forward action is the handler name
// (sync invoker) or outbound action identifier (async invoker).
func NewStep(name, forwardAction string, opts ...StepOption) StepDefinition {
	step := StepDefinition{
		Name:          name,
		ForwardAction: forwardAction,
		Timeout:       DefaultStepTimeout,
		Retry:         DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(&step)
	}

	return step
}

// NewDefinition validates and freezes an ordered step list.
func NewDefinition(id string, steps ...StepDefinition) (*SagaDefinition, error) {
	if id == "" {
		return nil, NewValidationError("definition id is required")
	}

	if len(steps) == 0 {
		return nil, NewValidationError("definition %q has no steps", id)
	}

	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if step.Name == "" {
			return nil, NewValidationError("definition %q: step %d has no name", id, i)
		}

		if step.ForwardAction == "" {
			return nil, NewValidationError("definition %q: step %q has no forward action", id, step.Name)
		}

		if _, dup := seen[step.Name]; dup {
			return nil, NewValidationError("definition %q: duplicate step name %q", id, step.Name)
		}
		seen[step.Name] = struct{}{}

		if step.Timeout <= 0 {
			return nil, NewValidationError("definition %q: step %q has non-positive timeout", id, step.Name)
		}

		if step.Retry.MaxAttempts < 1 {
			return nil, NewValidationError("definition %q: step %q needs max attempts >= 1", id, step.Name)
		}
	}

	def := &SagaDefinition{
		ID:        id,
		Steps:     append([]StepDefinition(nil), steps...),
		CreatedAt: time.Now(),
	}

	return def, nil
}
