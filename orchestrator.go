package sagaway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Alerter is the external observability collaborator. Alert is called exactly
// once when an instance enters FAILED_COMPENSATION.
type Alerter interface {
	Alert(ctx context.Context, instanceID, reason string)
}

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, string, string) {}

// Orchestrator drives saga instances through their steps, triggers
// compensations on failure, and recovers abandoned instances after a crash.
// Workers on any number of processes coordinate purely through the store's
// CAS contract and per-instance leases.
type Orchestrator struct {
	store      Store
	registry   *ActionRegistry
	invoker    StepInvoker
	scheduler  *Scheduler
	alerter    Alerter
	logger     *zap.Logger
	owner      string
	leaseTTL   time.Duration
	casRetries int
	now        func() time.Time
}

func NewOrchestrator(store Store, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		registry:   NewActionRegistry(),
		alerter:    nopAlerter{},
		logger:     zap.NewNop(),
		owner:      uuid.New().String(),
		leaseTTL:   30 * time.Second,
		casRetries: 5,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.invoker == nil {
		o.invoker = NewSyncInvoker(o.registry, o)
	}

	o.scheduler = NewScheduler(o.onDeadline)

	return o
}

// RegisterAction adds a step action to the in-process registry used by the
// default synchronous invoker.
func (o *Orchestrator) RegisterAction(action Action) {
	o.registry.Register(action)
}

// RegisterDefinition validates and persists a saga definition. Definitions
// are immutable once registered.
func (o *Orchestrator) RegisterDefinition(ctx context.Context, def *SagaDefinition) error {
	if def == nil {
		return NewValidationError("definition is nil")
	}

	// Re-run constructor validation in case the caller built the struct by hand.
	validated, err := NewDefinition(def.ID, def.Steps...)
	if err != nil {
		return err
	}
	validated.CreatedAt = def.CreatedAt

	return o.store.SaveDefinition(ctx, validated)
}

// Start begins the scheduler loop. Shutdown stops it.
func (o *Orchestrator) Start() {
	o.scheduler.Start()
}

func (o *Orchestrator) Shutdown() {
	o.scheduler.Stop()
}

// Owner returns this worker's lease owner identity.
func (o *Orchestrator) Owner() string { return o.owner }

// StartSaga persists a new RUNNING instance and invokes its first step.
func (o *Orchestrator) StartSaga(
	ctx context.Context,
	definitionID, correlationID string,
	payload json.RawMessage,
) (string, error) {
	if payload == nil {
		return "", NewValidationError("payload is required")
	}

	def, err := o.store.GetDefinition(ctx, definitionID)
	if err != nil {
		if errors.Is(err, ErrEntityNotFound) {
			return "", NewValidationError("unknown definition %q", definitionID)
		}

		return "", fmt.Errorf("get definition: %w", err)
	}

	now := o.now()
	expiry := now.Add(o.leaseTTL)
	inst := &SagaInstance{
		ID:            uuid.New().String(),
		DefinitionID:  def.ID,
		CorrelationID: correlationID,
		Status:        StatusRunning,
		StepStates:    make(map[string]*StepState, len(def.Steps)),
		Payload:       payload,
		LeaseOwner:    o.owner,
		LeaseExpiry:   &expiry,
	}
	for _, step := range def.Steps {
		inst.StepStates[step.Name] = &StepState{Phase: PhasePending}
	}

	if err := o.store.CreateInstance(ctx, inst); err != nil {
		return "", fmt.Errorf("create instance: %w", err)
	}

	o.logger.Info("saga started",
		zap.String("instance_id", inst.ID),
		zap.String("definition_id", def.ID),
		zap.String("correlation_id", correlationID))

	o.invokeCurrent(ctx, inst.ID)

	return inst.ID, nil
}

// Advance is called when a forward or compensating action succeeds. Stale or
// duplicate callbacks for a non-current step are discarded as no-ops.
func (o *Orchestrator) Advance(
	ctx context.Context,
	instanceID, stepName, idempotencyKey string,
	result json.RawMessage,
) error {
	return o.update(ctx, instanceID, func(inst *SagaInstance, def *SagaDefinition) (followUp, error) {
		switch inst.Status {
		case StatusRunning:
			_, state, ok := o.outstandingForward(inst, def, stepName, PhaseInvoked)
			if !ok || !keyMatches(state, idempotencyKey) {
				return nil, o.discardStale(ctx, inst, stepName, idempotencyKey)
			}

			now := o.now()
			state.Phase = PhaseSucceeded
			state.CompletedAt = &now
			state.LastError = nil
			if result != nil {
				inst.Payload = result
			}

			cancelled := o.cancelRequested(ctx, inst.ID)
			lastStep := inst.CurrentStepIndex == len(def.Steps)-1

			switch {
			case cancelled:
				inst.Status = StatusCompensating
			case lastStep:
				inst.Status = StatusCompleted
			default:
				inst.CurrentStepIndex++
			}

			return func(ctx context.Context) {
				o.scheduler.Cancel(inst.ID, stepName)
				o.logStep(ctx, inst.ID, stepName, DirectionForward, state.Attempts, OutcomeSucceeded, state.IdempotencyKey, nil)

				switch {
				case cancelled:
					o.logger.Info("saga cancelled, compensating", zap.String("instance_id", inst.ID))
					o.invokeCurrent(ctx, inst.ID)
				case lastStep:
					o.logger.Info("saga completed", zap.String("instance_id", inst.ID))
				default:
					o.invokeCurrent(ctx, inst.ID)
				}
			}, nil

		case StatusCompensating:
			_, state, ok := o.outstandingCompensation(inst, def, stepName)
			if !ok || !keyMatches(state, idempotencyKey) {
				return nil, o.discardStale(ctx, inst, stepName, idempotencyKey)
			}

			now := o.now()
			state.Phase = PhaseCompensated
			state.CompletedAt = &now
			state.LastError = nil

			return func(ctx context.Context) {
				o.scheduler.Cancel(inst.ID, stepName)
				o.logStep(ctx, inst.ID, stepName, DirectionCompensate, state.Attempts, OutcomeCompensated, state.IdempotencyKey, nil)
				o.invokeCurrent(ctx, inst.ID)
			}, nil

		default:
			return nil, errSkipWrite
		}
	})
}

// HandleFailure is called when a forward or compensating action fails. A
// transient failure within the retry budget schedules a backoff retry; a
// permanent failure, or an exhausted budget, flips the saga to compensation
// (or to FAILED_COMPENSATION if the failure happened while compensating).
func (o *Orchestrator) HandleFailure(ctx context.Context, instanceID, stepName string, stepErr error) error {
	return o.update(ctx, instanceID, func(inst *SagaInstance, def *SagaDefinition) (followUp, error) {
		switch inst.Status {
		case StatusRunning:
			step, state, ok := o.outstandingForward(inst, def, stepName, PhaseInvoked)
			if !ok {
				return nil, o.discardStale(ctx, inst, stepName, "")
			}

			errMsg := stepErr.Error()
			state.LastError = &errMsg
			state.Phase = PhaseFailed

			if IsTransient(stepErr) && state.Attempts < step.Retry.MaxAttempts {
				retryAt := o.now().Add(NextRetryDelay(step.Retry, state.Attempts))

				return func(ctx context.Context) {
					o.logStep(ctx, inst.ID, stepName, DirectionForward, state.Attempts, OutcomeRetryScheduled, state.IdempotencyKey, &errMsg)
					o.scheduler.Arm(inst.ID, stepName, TimerRetry, retryAt)
				}, nil
			}

			inst.Status = StatusCompensating

			return func(ctx context.Context) {
				o.scheduler.Cancel(inst.ID, stepName)
				o.logStep(ctx, inst.ID, stepName, DirectionForward, state.Attempts, OutcomeFailed, state.IdempotencyKey, &errMsg)
				o.logger.Warn("step failed, compensating",
					zap.String("instance_id", inst.ID),
					zap.String("step", stepName),
					zap.Error(stepErr))
				o.invokeCurrent(ctx, inst.ID)
			}, nil

		case StatusCompensating:
			step, state, ok := o.outstandingCompensation(inst, def, stepName)
			if !ok {
				return nil, o.discardStale(ctx, inst, stepName, "")
			}

			compErr := &CompensationError{StepName: stepName, Cause: stepErr}
			errMsg := compErr.Error()
			state.LastError = &errMsg

			if IsTransient(stepErr) && state.Attempts < step.Retry.MaxAttempts {
				retryAt := o.now().Add(NextRetryDelay(step.Retry, state.Attempts))

				return func(ctx context.Context) {
					o.logStep(ctx, inst.ID, stepName, DirectionCompensate, state.Attempts, OutcomeRetryScheduled, state.IdempotencyKey, &errMsg)
					o.scheduler.Arm(inst.ID, stepName, TimerRetry, retryAt)
				}, nil
			}

			state.Phase = PhaseCompensationFailed
			inst.Status = StatusFailedCompensation

			return func(ctx context.Context) {
				o.scheduler.Cancel(inst.ID, stepName)
				o.logStep(ctx, inst.ID, stepName, DirectionCompensate, state.Attempts, OutcomeCompensationFailed, state.IdempotencyKey, &errMsg)
				o.logger.Error("compensation failed, manual intervention required",
					zap.String("instance_id", inst.ID),
					zap.String("step", stepName),
					zap.Error(compErr))
				o.alerter.Alert(ctx, inst.ID, errMsg)
			}, nil

		default:
			return nil, errSkipWrite
		}
	})
}

// Cancel marks the instance for compensation. An in-flight forward call is
// not preempted; the cancel takes effect at the next step boundary.
func (o *Orchestrator) Cancel(ctx context.Context, instanceID, requestedBy string, reason *string) error {
	inst, err := o.store.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("get instance: %w", err)
	}

	if inst.Status.IsTerminal() {
		return NewValidationError("instance %s is already %s", instanceID, inst.Status)
	}

	req := &CancelRequest{
		InstanceID:  instanceID,
		RequestedBy: requestedBy,
		Reason:      reason,
	}
	if err := o.store.CreateCancelRequest(ctx, req); err != nil {
		return fmt.Errorf("create cancel request: %w", err)
	}

	o.logger.Info("cancel requested",
		zap.String("instance_id", instanceID),
		zap.String("requested_by", requestedBy))

	return nil
}

// ResumeIncomplete scans for RUNNING/COMPENSATING instances whose lease has
// expired, re-acquires them, and re-arms their timers from persisted state.
// This is the sole recovery path after a crash; it is also safe to run
// periodically on a live system.
func (o *Orchestrator) ResumeIncomplete(ctx context.Context) (int, error) {
	instances, err := o.store.QueryByStatus(ctx, StatusRunning, StatusCompensating)
	if err != nil {
		return 0, fmt.Errorf("query by status: %w", err)
	}

	resumed := 0
	for _, inst := range instances {
		now := o.now()
		if !inst.LeaseExpired(now) && inst.LeaseOwner != o.owner {
			continue
		}

		if err := o.resumeInstance(ctx, inst.ID); err != nil {
			o.logger.Warn("resume instance", zap.String("instance_id", inst.ID), zap.Error(err))

			continue
		}
		resumed++
	}

	return resumed, nil
}

func (o *Orchestrator) resumeInstance(ctx context.Context, instanceID string) error {
	return o.update(ctx, instanceID, func(inst *SagaInstance, def *SagaDefinition) (followUp, error) {
		switch inst.Status {
		case StatusRunning:
			step := def.Steps[inst.CurrentStepIndex]
			state := inst.StepStates[step.Name]

			switch state.Phase {
			case PhaseInvoked:
				deadline := state.InvokedAt.Add(step.Timeout)

				return func(ctx context.Context) {
					o.scheduler.Arm(inst.ID, step.Name, TimerTimeout, deadline)
				}, nil

			case PhaseFailed:
				if state.Attempts < step.Retry.MaxAttempts {
					retryAt := state.InvokedAt.Add(NextRetryDelay(step.Retry, state.Attempts))

					return func(ctx context.Context) {
						o.scheduler.Arm(inst.ID, step.Name, TimerRetry, retryAt)
					}, nil
				}

				// Crashed between exhausting retries and flipping to compensation.
				inst.Status = StatusCompensating

				return func(ctx context.Context) {
					o.invokeCurrent(ctx, inst.ID)
				}, nil

			case PhasePending:
				// Crashed between committing the previous success and invoking.
				return func(ctx context.Context) {
					o.invokeCurrent(ctx, inst.ID)
				}, nil

			default:
				return nil, errSkipWrite
			}

		case StatusCompensating:
			for i := len(def.Steps) - 1; i >= 0; i-- {
				step := def.Steps[i]
				state := inst.StepStates[step.Name]
				if state.Phase != PhaseCompensating {
					continue
				}

				if state.LastError != nil && state.Attempts < step.Retry.MaxAttempts {
					retryAt := state.InvokedAt.Add(NextRetryDelay(step.Retry, state.Attempts))

					return func(ctx context.Context) {
						o.scheduler.Arm(inst.ID, step.Name, TimerRetry, retryAt)
					}, nil
				}

				deadline := state.InvokedAt.Add(step.Timeout)

				return func(ctx context.Context) {
					o.scheduler.Arm(inst.ID, step.Name, TimerTimeout, deadline)
				}, nil
			}

			// No compensation in flight: pick up where the rollback stopped.
			return func(ctx context.Context) {
				o.invokeCurrent(ctx, inst.ID)
			}, nil

		default:
			return nil, errSkipWrite
		}
	})
}

// History returns the append-only audit trail for an instance.
func (o *Orchestrator) History(ctx context.Context, instanceID string) ([]*StepLogEntry, error) {
	return o.store.GetStepLog(ctx, instanceID)
}

func (o *Orchestrator) GetInstance(ctx context.Context, instanceID string) (*SagaInstance, error) {
	return o.store.GetInstance(ctx, instanceID)
}

// invokeCurrent issues the next outstanding invocation for the instance:
// the current forward step while RUNNING, the highest-indexed SUCCEEDED
// step's compensation while COMPENSATING, or the terminal transition when
// nothing remains.
func (o *Orchestrator) invokeCurrent(ctx context.Context, instanceID string) {
	var invocation *Invocation
	var timeoutAt time.Time

	err := o.update(ctx, instanceID, func(inst *SagaInstance, def *SagaDefinition) (followUp, error) {
		invocation = nil

		switch inst.Status {
		case StatusRunning:
			step := def.Steps[inst.CurrentStepIndex]
			state := inst.StepStates[step.Name]
			if state.Phase != PhasePending && state.Phase != PhaseFailed {
				return nil, errSkipWrite
			}

			now := o.now()
			state.Phase = PhaseInvoked
			state.Attempts++
			state.InvokedAt = &now
			state.IdempotencyKey = IdempotencyKey(inst.ID, step.Name, DirectionForward)
			timeoutAt = now.Add(step.Timeout)

			invocation = &Invocation{
				InstanceID:     inst.ID,
				StepName:       step.Name,
				Direction:      DirectionForward,
				Action:         step.ForwardAction,
				IdempotencyKey: state.IdempotencyKey,
				Attempt:        state.Attempts,
				Timeout:        step.Timeout,
				Payload:        inst.Payload,
			}

			return o.dispatchFollowUp(invocation, timeoutAt), nil

		case StatusCompensating:
			// A compensation already in flight means this call is stale.
			for _, state := range inst.StepStates {
				if state.Phase == PhaseCompensating {
					return nil, errSkipWrite
				}
			}

			for i := len(def.Steps) - 1; i >= 0; i-- {
				step := def.Steps[i]
				state := inst.StepStates[step.Name]
				if state.Phase != PhaseSucceeded {
					continue
				}

				if !step.Compensatable() {
					// Nothing to undo (pure read); mark and keep scanning.
					now := o.now()
					state.Phase = PhaseCompensated
					state.CompletedAt = &now

					continue
				}

				now := o.now()
				state.Phase = PhaseCompensating
				state.Attempts = 1
				state.InvokedAt = &now
				state.CompletedAt = nil
				state.LastError = nil
				state.IdempotencyKey = IdempotencyKey(inst.ID, step.Name, DirectionCompensate)
				timeoutAt = now.Add(step.Timeout)

				invocation = &Invocation{
					InstanceID:     inst.ID,
					StepName:       step.Name,
					Direction:      DirectionCompensate,
					Action:         step.CompensateAction,
					IdempotencyKey: state.IdempotencyKey,
					Attempt:        state.Attempts,
					Timeout:        step.Timeout,
					Payload:        inst.Payload,
				}

				return o.dispatchFollowUp(invocation, timeoutAt), nil
			}

			// Every previously successful step is rolled back.
			inst.Status = StatusCompensated

			return func(ctx context.Context) {
				o.logger.Info("saga compensated", zap.String("instance_id", inst.ID))
			}, nil

		default:
			return nil, errSkipWrite
		}
	})
	if err != nil {
		o.logger.Error("invoke current step", zap.String("instance_id", instanceID), zap.Error(err))
	}
}

// retryStep re-invokes the outstanding step after a retry timer fires.
func (o *Orchestrator) retryStep(ctx context.Context, instanceID, stepName string) {
	var invocation *Invocation
	var timeoutAt time.Time

	err := o.update(ctx, instanceID, func(inst *SagaInstance, def *SagaDefinition) (followUp, error) {
		invocation = nil

		switch inst.Status {
		case StatusRunning:
			step, state, ok := o.outstandingForward(inst, def, stepName, PhaseFailed)
			if !ok {
				return nil, errSkipWrite
			}

			now := o.now()
			state.Phase = PhaseInvoked
			state.Attempts++
			state.InvokedAt = &now
			timeoutAt = now.Add(step.Timeout)

			invocation = &Invocation{
				InstanceID:     inst.ID,
				StepName:       step.Name,
				Direction:      DirectionForward,
				Action:         step.ForwardAction,
				IdempotencyKey: state.IdempotencyKey,
				Attempt:        state.Attempts,
				Timeout:        step.Timeout,
				Payload:        inst.Payload,
			}

			return o.dispatchFollowUp(invocation, timeoutAt), nil

		case StatusCompensating:
			step, state, ok := o.outstandingCompensation(inst, def, stepName)
			if !ok {
				return nil, errSkipWrite
			}

			now := o.now()
			state.Attempts++
			state.InvokedAt = &now
			timeoutAt = now.Add(step.Timeout)

			invocation = &Invocation{
				InstanceID:     inst.ID,
				StepName:       step.Name,
				Direction:      DirectionCompensate,
				Action:         step.CompensateAction,
				IdempotencyKey: state.IdempotencyKey,
				Attempt:        state.Attempts,
				Timeout:        step.Timeout,
				Payload:        inst.Payload,
			}

			return o.dispatchFollowUp(invocation, timeoutAt), nil

		default:
			return nil, errSkipWrite
		}
	})
	if err != nil {
		o.logger.Error("retry step",
			zap.String("instance_id", instanceID),
			zap.String("step", stepName),
			zap.Error(err))
	}
}

func (o *Orchestrator) dispatchFollowUp(invocation *Invocation, timeoutAt time.Time) followUp {
	inv := *invocation

	return func(ctx context.Context) {
		o.logStep(ctx, inv.InstanceID, inv.StepName, inv.Direction, inv.Attempt, OutcomeInvoked, inv.IdempotencyKey, nil)
		o.scheduler.Arm(inv.InstanceID, inv.StepName, TimerTimeout, timeoutAt)

		if err := o.invoker.Invoke(ctx, inv); err != nil {
			// Dispatch never reached the action; route through the normal
			// failure path so the retry budget applies.
			if failErr := o.HandleFailure(ctx, inv.InstanceID, inv.StepName,
				NewTransientError("dispatch", err)); failErr != nil {
				o.logger.Error("handle dispatch failure",
					zap.String("instance_id", inv.InstanceID),
					zap.String("step", inv.StepName),
					zap.Error(failErr))
			}
		}
	}
}

func (o *Orchestrator) onDeadline(instanceID, stepName string, kind TimerKind) {
	ctx := context.Background()

	switch kind {
	case TimerTimeout:
		if err := o.HandleFailure(ctx, instanceID, stepName, NewTransientError("timeout", nil)); err != nil {
			o.logger.Error("handle timeout",
				zap.String("instance_id", instanceID),
				zap.String("step", stepName),
				zap.Error(err))
		}
	case TimerRetry:
		o.retryStep(ctx, instanceID, stepName)
	}
}

type followUp func(ctx context.Context)

// errSkipWrite signals that the decision found nothing to mutate (stale or
// duplicate callback); the instance is left untouched.
var errSkipWrite = errors.New("skip write")

// update loads the instance, takes or renews the lease, applies decide, and
// CAS-commits the result. On a version conflict it re-reads and retries its
// own decision. A lease held by another live worker silently aborts the
// operation, per the lease discipline.
func (o *Orchestrator) update(
	ctx context.Context,
	instanceID string,
	decide func(inst *SagaInstance, def *SagaDefinition) (followUp, error),
) error {
	for attempt := 0; attempt < o.casRetries; attempt++ {
		inst, err := o.store.GetInstance(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("get instance: %w", err)
		}

		if inst.Status.IsTerminal() {
			return nil
		}

		now := o.now()
		if inst.LeaseOwner != o.owner && !inst.LeaseExpired(now) {
			o.logger.Debug("lease held elsewhere, aborting",
				zap.String("instance_id", instanceID),
				zap.String("lease_owner", inst.LeaseOwner))

			return nil
		}

		def, err := o.store.GetDefinition(ctx, inst.DefinitionID)
		if err != nil {
			return fmt.Errorf("get definition: %w", err)
		}

		inst.LeaseOwner = o.owner
		expiry := now.Add(o.leaseTTL)
		inst.LeaseExpiry = &expiry

		next, err := decide(inst, def)
		if err != nil {
			if errors.Is(err, errSkipWrite) {
				return nil
			}

			return err
		}

		if err := o.store.CompareAndSwap(ctx, inst.Version, inst); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}

			return fmt.Errorf("compare and swap: %w", err)
		}

		if next != nil {
			next(ctx)
		}

		return nil
	}

	return ErrVersionConflict
}

// outstandingForward returns the current forward step iff it matches the
// given name and phase.
func (o *Orchestrator) outstandingForward(
	inst *SagaInstance,
	def *SagaDefinition,
	stepName string,
	phase StepPhase,
) (StepDefinition, *StepState, bool) {
	if inst.CurrentStepIndex >= len(def.Steps) {
		return StepDefinition{}, nil, false
	}

	step := def.Steps[inst.CurrentStepIndex]
	if step.Name != stepName {
		return StepDefinition{}, nil, false
	}

	state := inst.StepStates[step.Name]
	if state == nil || state.Phase != phase {
		return StepDefinition{}, nil, false
	}

	return step, state, true
}

// outstandingCompensation returns the in-flight compensating step iff it
// matches the given name.
func (o *Orchestrator) outstandingCompensation(
	inst *SagaInstance,
	def *SagaDefinition,
	stepName string,
) (StepDefinition, *StepState, bool) {
	idx := def.StepIndex(stepName)
	if idx < 0 {
		return StepDefinition{}, nil, false
	}

	step := def.Steps[idx]
	state := inst.StepStates[step.Name]
	if state == nil || state.Phase != PhaseCompensating {
		return StepDefinition{}, nil, false
	}

	return step, state, true
}

func keyMatches(state *StepState, idempotencyKey string) bool {
	return idempotencyKey == "" || idempotencyKey == state.IdempotencyKey
}

func (o *Orchestrator) cancelRequested(ctx context.Context, instanceID string) bool {
	_, err := o.store.GetCancelRequest(ctx, instanceID)

	return err == nil
}

// discardStale records a duplicate/stale callback in the audit log and skips
// the write. This, plus the CAS, is the idempotency guard.
func (o *Orchestrator) discardStale(ctx context.Context, inst *SagaInstance, stepName, idempotencyKey string) error {
	o.logStep(ctx, inst.ID, stepName, DirectionForward, 0, OutcomeDuplicateDiscarded, idempotencyKey, nil)
	o.logger.Debug("stale callback discarded",
		zap.String("instance_id", inst.ID),
		zap.String("step", stepName))

	return errSkipWrite
}

func (o *Orchestrator) logStep(
	ctx context.Context,
	instanceID, stepName string,
	direction Direction,
	attempt int,
	outcome, idempotencyKey string,
	errMsg *string,
) {
	entry := &StepLogEntry{
		InstanceID:     instanceID,
		StepName:       stepName,
		Direction:      direction,
		Attempt:        attempt,
		Outcome:        outcome,
		IdempotencyKey: idempotencyKey,
		Error:          errMsg,
	}
	if err := o.store.AppendStepLog(ctx, entry); err != nil {
		o.logger.Warn("append step log", zap.String("instance_id", instanceID), zap.Error(err))
	}
}
