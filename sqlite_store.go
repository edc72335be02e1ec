package sagaway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore provides a lightweight Store backed by SQLite, for tests and
// single-node deployments.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serialize critical sections for SQLite
}

// NewSQLiteInMemoryStore creates an in-memory SQLite database and initializes
// the schema.
func NewSQLiteInMemoryStore() (*SQLiteStore, error) {
	return NewSQLiteStore(":memory:")
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	_, _ = db.Exec("PRAGMA journal_mode=WAL;")
	_, _ = db.Exec("PRAGMA foreign_keys=ON;")
	_, _ = db.Exec("PRAGMA busy_timeout=5000;")
	// single connection keeps :memory: consistent and avoids lock churn
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := RunSQLiteMigrations(context.Background(), db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveDefinition(ctx context.Context, def *SagaDefinition) error {
	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	createdAt := def.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	const q = `INSERT INTO saga_definitions (id, steps, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET steps = excluded.steps`
	if _, err := s.db.ExecContext(ctx, q, def.ID, stepsJSON, createdAt); err != nil {
		return err
	}

	return nil
}

func (s *SQLiteStore) GetDefinition(ctx context.Context, id string) (*SagaDefinition, error) {
	const q = `SELECT id, steps, created_at FROM saga_definitions WHERE id = ?`

	var def SagaDefinition
	var stepsJSON []byte
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&def.ID, &stepsJSON, &def.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}

		return nil, err
	}

	if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}

	return &def, nil
}

func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *SagaInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	statesJSON, err := json.Marshal(inst.StepStates)
	if err != nil {
		return fmt.Errorf("marshal step states: %w", err)
	}

	now := time.Now()
	const q = `INSERT INTO saga_instances
		(id, definition_id, correlation_id, status, current_step_index, step_states,
		 payload, version, lease_owner, lease_expiry, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		inst.ID, inst.DefinitionID, inst.CorrelationID, inst.Status, inst.CurrentStepIndex,
		statesJSON, nullableJSON(inst.Payload), inst.LeaseOwner, inst.LeaseExpiry, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}

		return err
	}

	inst.Version = 1
	inst.CreatedAt = now
	inst.UpdatedAt = now

	return nil
}

const sqliteInstanceColumns = `id, definition_id, correlation_id, status, current_step_index,
	step_states, payload, version, lease_owner, lease_expiry, created_at, updated_at`

type sqliteRow interface {
	Scan(dest ...any) error
}

func scanSQLiteInstance(row sqliteRow) (*SagaInstance, error) {
	var inst SagaInstance
	var statesJSON []byte
	var payload sql.NullString

	err := row.Scan(
		&inst.ID, &inst.DefinitionID, &inst.CorrelationID, &inst.Status, &inst.CurrentStepIndex,
		&statesJSON, &payload, &inst.Version, &inst.LeaseOwner, &inst.LeaseExpiry,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}

		return nil, err
	}

	if err := json.Unmarshal(statesJSON, &inst.StepStates); err != nil {
		return nil, fmt.Errorf("unmarshal step states: %w", err)
	}
	if payload.Valid {
		inst.Payload = json.RawMessage(payload.String)
	}

	return &inst, nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*SagaInstance, error) {
	q := `SELECT ` + sqliteInstanceColumns + ` FROM saga_instances WHERE id = ?`

	return scanSQLiteInstance(s.db.QueryRowContext(ctx, q, id))
}

func (s *SQLiteStore) GetByCorrelationID(ctx context.Context, correlationID string) ([]*SagaInstance, error) {
	q := `SELECT ` + sqliteInstanceColumns + ` FROM saga_instances
		WHERE correlation_id = ? ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, q, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SagaInstance
	for rows.Next() {
		inst, err := scanSQLiteInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}

	return result, rows.Err()
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, expectedVersion int64, inst *SagaInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	statesJSON, err := json.Marshal(inst.StepStates)
	if err != nil {
		return fmt.Errorf("marshal step states: %w", err)
	}

	now := time.Now()
	const q = `UPDATE saga_instances
		SET status = ?, current_step_index = ?, step_states = ?, payload = ?,
			lease_owner = ?, lease_expiry = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`
	res, err := s.db.ExecContext(ctx, q,
		inst.Status, inst.CurrentStepIndex, statesJSON, nullableJSON(inst.Payload),
		inst.LeaseOwner, inst.LeaseExpiry, now, inst.ID, expectedVersion,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists bool
		checkErr := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM saga_instances WHERE id = ?)`, inst.ID,
		).Scan(&exists)
		if checkErr != nil {
			return checkErr
		}
		if !exists {
			return ErrEntityNotFound
		}

		return ErrVersionConflict
	}

	inst.Version = expectedVersion + 1
	inst.UpdatedAt = now

	return nil
}

func (s *SQLiteStore) QueryByStatus(ctx context.Context, statuses ...Status) ([]*SagaInstance, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]

	q := `SELECT ` + sqliteInstanceColumns + ` FROM saga_instances
		WHERE status IN (` + placeholders + `) ORDER BY created_at`

	args := make([]any, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, string(status))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SagaInstance
	for rows.Next() {
		inst, err := scanSQLiteInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}

	return result, rows.Err()
}

func (s *SQLiteStore) AppendStepLog(ctx context.Context, entry *StepLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	const q = `INSERT INTO saga_step_log
		(instance_id, step_name, direction, attempt, outcome, idempotency_key, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q,
		entry.InstanceID, entry.StepName, entry.Direction, entry.Attempt,
		entry.Outcome, entry.IdempotencyKey, entry.Error, now,
	)
	if err != nil {
		return err
	}

	entry.ID, _ = res.LastInsertId()
	entry.CreatedAt = now

	return nil
}

func (s *SQLiteStore) GetStepLog(ctx context.Context, instanceID string) ([]*StepLogEntry, error) {
	const q = `SELECT id, instance_id, step_name, direction, attempt, outcome,
		idempotency_key, error, created_at
		FROM saga_step_log WHERE instance_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, instanceID)
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

func (s *SQLiteStore) CreateCancelRequest(ctx context.Context, req *CancelRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	const q = `INSERT INTO saga_cancel_requests (instance_id, requested_by, reason, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (instance_id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, q, req.InstanceID, req.RequestedBy, req.Reason, now)
	if err != nil {
		return err
	}

	if affected, _ := res.RowsAffected(); affected > 0 {
		req.ID, _ = res.LastInsertId()
		req.CreatedAt = now
	}

	return nil
}

func (s *SQLiteStore) GetCancelRequest(ctx context.Context, instanceID string) (*CancelRequest, error) {
	const q = `SELECT id, instance_id, requested_by, reason, created_at
		FROM saga_cancel_requests WHERE instance_id = ?`

	var req CancelRequest
	err := s.db.QueryRowContext(ctx, q, instanceID).Scan(
		&req.ID, &req.InstanceID, &req.RequestedBy, &req.Reason, &req.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}

		return nil, err
	}

	return &req, nil
}

// nullableJSON maps an absent payload to NULL instead of the empty string.
func nullableJSON(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}

	return string(raw)
}
