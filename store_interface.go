package sagaway

import (
	"context"
)

// Store is the durable, versioned persistence contract for saga state.
// All writes are single-instance atomic; there are no cross-instance
// transactions. CompareAndSwap is the only synchronization primitive the
// orchestrator relies on.
type Store interface {
	SaveDefinition(ctx context.Context, def *SagaDefinition) error
	GetDefinition(ctx context.Context, id string) (*SagaDefinition, error)

	// CreateInstance persists a new instance at version 1.
	// Returns ErrAlreadyExists if the id is taken.
	CreateInstance(ctx context.Context, inst *SagaInstance) error
	GetInstance(ctx context.Context, id string) (*SagaInstance, error)
	GetByCorrelationID(ctx context.Context, correlationID string) ([]*SagaInstance, error)

	// CompareAndSwap writes inst if the stored version equals expectedVersion,
	// bumping inst.Version to expectedVersion+1 on success. A mismatch returns
	// ErrVersionConflict and leaves the stored instance untouched.
	CompareAndSwap(ctx context.Context, expectedVersion int64, inst *SagaInstance) error

	// QueryByStatus lists instances for recovery scans and stats.
	QueryByStatus(ctx context.Context, statuses ...Status) ([]*SagaInstance, error)

	// AppendStepLog adds a row to the append-only audit trail.
	AppendStepLog(ctx context.Context, entry *StepLogEntry) error
	GetStepLog(ctx context.Context, instanceID string) ([]*StepLogEntry, error)

	// CreateCancelRequest is idempotent per instance: the first request wins.
	CreateCancelRequest(ctx context.Context, req *CancelRequest) error
	// GetCancelRequest returns ErrEntityNotFound when no cancel was requested.
	GetCancelRequest(ctx context.Context, instanceID string) (*CancelRequest, error)
}
