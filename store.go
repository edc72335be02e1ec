package sagaway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
)

var _ Store = (*StoreImpl)(nil)

// StoreImpl is the Postgres-backed Store.
type StoreImpl struct {
	db *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *StoreImpl {
	return &StoreImpl{db: pool}
}

func (store *StoreImpl) SaveDefinition(ctx context.Context, def *SagaDefinition) error {
	const query = `
INSERT INTO sagas.saga_definitions (id, steps, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE
SET steps = EXCLUDED.steps
RETURNING created_at`

	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	createdAt := def.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return store.db.QueryRow(ctx, query, def.ID, stepsJSON, createdAt).Scan(&def.CreatedAt)
}

func (store *StoreImpl) GetDefinition(ctx context.Context, id string) (*SagaDefinition, error) {
	const query = `
SELECT id, steps, created_at
FROM sagas.saga_definitions
WHERE id = $1`

	var def SagaDefinition
	var stepsJSON []byte

	err := store.db.QueryRow(ctx, query, id).Scan(&def.ID, &stepsJSON, &def.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntityNotFound
		}

		return nil, err
	}

	if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}

	return &def, nil
}

func (store *StoreImpl) CreateInstance(ctx context.Context, inst *SagaInstance) error {
	const query = `
INSERT INTO sagas.saga_instances
	(id, definition_id, correlation_id, status, current_step_index, step_states,
	 payload, version, lease_owner, lease_expiry, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9, $10, $10)
RETURNING created_at, updated_at`

	statesJSON, err := json.Marshal(inst.StepStates)
	if err != nil {
		return fmt.Errorf("marshal step states: %w", err)
	}

	now := time.Now()
	err = store.db.QueryRow(ctx, query,
		inst.ID, inst.DefinitionID, inst.CorrelationID, inst.Status, inst.CurrentStepIndex,
		statesJSON, inst.Payload, inst.LeaseOwner, inst.LeaseExpiry, now,
	).Scan(&inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}

		return err
	}

	inst.Version = 1

	return nil
}

const instanceColumns = `
id, definition_id, correlation_id, status, current_step_index, step_states,
payload, version, lease_owner, lease_expiry, created_at, updated_at`

func (store *StoreImpl) scanInstance(row pgx.Row) (*SagaInstance, error) {
	var inst SagaInstance
	var statesJSON, payload []byte

	err := row.Scan(
		&inst.ID, &inst.DefinitionID, &inst.CorrelationID, &inst.Status, &inst.CurrentStepIndex,
		&statesJSON, &payload, &inst.Version, &inst.LeaseOwner, &inst.LeaseExpiry,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntityNotFound
		}

		return nil, err
	}

	if err := json.Unmarshal(statesJSON, &inst.StepStates); err != nil {
		return nil, fmt.Errorf("unmarshal step states: %w", err)
	}
	if payload != nil {
		inst.Payload = json.RawMessage(payload)
	}

	return &inst, nil
}

func (store *StoreImpl) GetInstance(ctx context.Context, id string) (*SagaInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM sagas.saga_instances WHERE id = $1`

	return store.scanInstance(store.db.QueryRow(ctx, query, id))
}

func (store *StoreImpl) GetByCorrelationID(ctx context.Context, correlationID string) ([]*SagaInstance, error) {
	query := `SELECT ` + instanceColumns + `
FROM sagas.saga_instances
WHERE correlation_id = $1
ORDER BY created_at`

	rows, err := store.db.Query(ctx, query, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SagaInstance
	for rows.Next() {
		inst, err := store.scanInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}

	return result, rows.Err()
}

func (store *StoreImpl) CompareAndSwap(ctx context.Context, expectedVersion int64, inst *SagaInstance) error {
	const query = `
UPDATE sagas.saga_instances
SET status = $2,
	current_step_index = $3,
	step_states = $4,
	payload = $5,
	lease_owner = $6,
	lease_expiry = $7,
	version = version + 1,
	updated_at = $8
WHERE id = $1 AND version = $9
RETURNING version, updated_at`

	statesJSON, err := json.Marshal(inst.StepStates)
	if err != nil {
		return fmt.Errorf("marshal step states: %w", err)
	}

	err = store.db.QueryRow(ctx, query,
		inst.ID, inst.Status, inst.CurrentStepIndex, statesJSON, inst.Payload,
		inst.LeaseOwner, inst.LeaseExpiry, time.Now(), expectedVersion,
	).Scan(&inst.Version, &inst.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Distinguish a missing instance from a losing race.
			var exists bool
			checkErr := store.db.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM sagas.saga_instances WHERE id = $1)`, inst.ID,
			).Scan(&exists)
			if checkErr != nil {
				return checkErr
			}
			if !exists {
				return ErrEntityNotFound
			}

			return ErrVersionConflict
		}

		return err
	}

	return nil
}

func (store *StoreImpl) QueryByStatus(ctx context.Context, statuses ...Status) ([]*SagaInstance, error) {
	query := `SELECT ` + instanceColumns + `
FROM sagas.saga_instances
WHERE status = ANY($1)
ORDER BY created_at`

	list := make([]string, 0, len(statuses))
	for _, status := range statuses {
		list = append(list, string(status))
	}

	rows, err := store.db.Query(ctx, query, list)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SagaInstance
	for rows.Next() {
		inst, err := store.scanInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}

	return result, rows.Err()
}

func (store *StoreImpl) AppendStepLog(ctx context.Context, entry *StepLogEntry) error {
	const query = `
INSERT INTO sagas.saga_step_log
	(instance_id, step_name, direction, attempt, outcome, idempotency_key, error, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, created_at`

	return store.db.QueryRow(ctx, query,
		entry.InstanceID, entry.StepName, entry.Direction, entry.Attempt,
		entry.Outcome, entry.IdempotencyKey, entry.Error, time.Now(),
	).Scan(&entry.ID, &entry.CreatedAt)
}

func (store *StoreImpl) GetStepLog(ctx context.Context, instanceID string) ([]*StepLogEntry, error) {
	const query = `
SELECT id, instance_id, step_name, direction, attempt, outcome, idempotency_key, error, created_at
FROM sagas.saga_step_log
WHERE instance_id = $1
ORDER BY id`

	rows, err := store.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*StepLogEntry
	for rows.Next() {
		var entry StepLogEntry
		err := rows.Scan(
			&entry.ID, &entry.InstanceID, &entry.StepName, &entry.Direction, &entry.Attempt,
			&entry.Outcome, &entry.IdempotencyKey, &entry.Error, &entry.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		result = append(result, &entry)
	}

	return result, rows.Err()
}

func (store *StoreImpl) CreateCancelRequest(ctx context.Context, req *CancelRequest) error {
	const query = `
INSERT INTO sagas.saga_cancel_requests (instance_id, requested_by, reason, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (instance_id) DO NOTHING
RETURNING id, created_at`

	err := store.db.QueryRow(ctx, query,
		req.InstanceID, req.RequestedBy, req.Reason, time.Now(),
	).Scan(&req.ID, &req.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// An earlier request already exists; first one wins.
		return nil
	}

	return err
}

func (store *StoreImpl) GetCancelRequest(ctx context.Context, instanceID string) (*CancelRequest, error) {
	const query = `
SELECT id, instance_id, requested_by, reason, created_at
FROM sagas.saga_cancel_requests
WHERE instance_id = $1`

	var req CancelRequest
	err := store.db.QueryRow(ctx, query, instanceID).Scan(
		&req.ID, &req.InstanceID, &req.RequestedBy, &req.Reason, &req.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntityNotFound
		}

		return nil, err
	}

	return &req, nil
}
