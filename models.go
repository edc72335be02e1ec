package sagaway

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusRunning            Status = "running"
	StatusCompensating       Status = "compensating"
	StatusCompleted          Status = "completed"
	StatusCompensated        Status = "compensated"
	StatusFailedCompensation Status = "failed_compensation"
)

// IsTerminal reports whether no further transition may leave the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailedCompensation:
		return true
	default:
		return false
	}
}

type StepPhase string

const (
	PhasePending            StepPhase = "pending"
	PhaseInvoked            StepPhase = "invoked"
	PhaseSucceeded          StepPhase = "succeeded"
	PhaseFailed             StepPhase = "failed"
	PhaseCompensating       StepPhase = "compensating"
	PhaseCompensated        StepPhase = "compensated"
	PhaseCompensationFailed StepPhase = "compensation_failed"
)

type Direction string

const (
	DirectionForward    Direction = "forward"
	DirectionCompensate Direction = "compensate"
)

// RetryPolicy controls retry of a single step's action invocations.
// Delay for attempt n (1-based) is BaseDelay * Multiplier^(n-1), capped at
// MaxDelay, with up to +/-Jitter fraction of random spread.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Multiplier  float64       `json:"multiplier"`
	Jitter      float64       `json:"jitter"`
}

type StepDefinition struct {
	Name             string        `json:"name"`
	ForwardAction    string        `json:"forward_action"`
	CompensateAction string        `json:"compensate_action,omitempty"` // empty = non-compensatable
	Timeout          time.Duration `json:"timeout"`
	Retry            RetryPolicy   `json:"retry"`
}

// Compensatable reports whether the step has a compensating action.
func (s StepDefinition) Compensatable() bool {
	return s.CompensateAction != ""
}

// SagaDefinition is an immutable, ordered step list. Construct with
// NewDefinition; a zero value is not valid.
type SagaDefinition struct {
	ID        string           `json:"id"`
	Steps     []StepDefinition `json:"steps"`
	CreatedAt time.Time        `json:"created_at"`
}

// StepIndex returns the position of the named step, or -1.
func (d *SagaDefinition) StepIndex(name string) int {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return i
		}
	}

	return -1
}

type StepState struct {
	Phase          StepPhase  `json:"phase"`
	Attempts       int        `json:"attempts"`
	LastError      *string    `json:"last_error,omitempty"`
	InvokedAt      *time.Time `json:"invoked_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

type SagaInstance struct {
	ID               string                `json:"id"`
	DefinitionID     string                `json:"definition_id"`
	CorrelationID    string                `json:"correlation_id"`
	Status           Status                `json:"status"`
	CurrentStepIndex int                   `json:"current_step_index"`
	StepStates       map[string]*StepState `json:"step_states"`
	Payload          json.RawMessage       `json:"payload"`
	Version          int64                 `json:"version"`
	LeaseOwner       string                `json:"lease_owner,omitempty"`
	LeaseExpiry      *time.Time            `json:"lease_expiry,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// LeasedBy reports whether owner holds an unexpired lease on the instance.
func (inst *SagaInstance) LeasedBy(owner string, now time.Time) bool {
	return inst.LeaseOwner == owner && inst.LeaseExpiry != nil && inst.LeaseExpiry.After(now)
}

// LeaseExpired reports whether any previously granted lease has lapsed.
func (inst *SagaInstance) LeaseExpired(now time.Time) bool {
	return inst.LeaseOwner == "" || inst.LeaseExpiry == nil || !inst.LeaseExpiry.After(now)
}

func (inst *SagaInstance) clone() *SagaInstance {
	cp := *inst
	cp.StepStates = make(map[string]*StepState, len(inst.StepStates))
	for name, state := range inst.StepStates {
		stateCp := *state
		cp.StepStates[name] = &stateCp
	}
	if inst.LeaseExpiry != nil {
		expiry := *inst.LeaseExpiry
		cp.LeaseExpiry = &expiry
	}
	if inst.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), inst.Payload...)
	}

	return &cp
}

// StepLogEntry is one row of the append-only audit trail.
type StepLogEntry struct {
	ID             int64     `json:"id"`
	InstanceID     string    `json:"instance_id"`
	StepName       string    `json:"step_name"`
	Direction      Direction `json:"direction"`
	Attempt        int       `json:"attempt"`
	Outcome        string    `json:"outcome"`
	IdempotencyKey string    `json:"idempotency_key"`
	Error          *string   `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type CancelRequest struct {
	ID          int64     `json:"id"`
	InstanceID  string    `json:"instance_id"`
	RequestedBy string    `json:"requested_by"`
	Reason      *string   `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type SummaryStats struct {
	Total              int `json:"total"`
	Running            int `json:"running"`
	Compensating       int `json:"compensating"`
	Completed          int `json:"completed"`
	Compensated        int `json:"compensated"`
	FailedCompensation int `json:"failed_compensation"`
}
