package sagaway

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is the in-process reference Store. It honors the same CAS
// contract as the SQL stores and doubles as the test backend.
type MemoryStore struct {
	mu             sync.RWMutex
	definitions    map[string]*SagaDefinition
	instances      map[string]*SagaInstance
	stepLog        map[string][]*StepLogEntry
	cancelRequests map[string]*CancelRequest
	nextLogID      int64
	nextCancelID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions:    make(map[string]*SagaDefinition),
		instances:      make(map[string]*SagaInstance),
		stepLog:        make(map[string][]*StepLogEntry),
		cancelRequests: make(map[string]*CancelRequest),
		nextLogID:      1,
		nextCancelID:   1,
	}
}

func (s *MemoryStore) SaveDefinition(_ context.Context, def *SagaDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *def
	cp.Steps = append([]StepDefinition(nil), def.Steps...)
	s.definitions[def.ID] = &cp

	return nil
}

func (s *MemoryStore) GetDefinition(_ context.Context, id string) (*SagaDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[id]
	if !ok {
		return nil, ErrEntityNotFound
	}

	cp := *def
	cp.Steps = append([]StepDefinition(nil), def.Steps...)

	return &cp, nil
}

func (s *MemoryStore) CreateInstance(_ context.Context, inst *SagaInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return ErrAlreadyExists
	}

	now := time.Now()
	inst.Version = 1
	inst.CreatedAt = now
	inst.UpdatedAt = now
	s.instances[inst.ID] = inst.clone()

	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id string) (*SagaInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrEntityNotFound
	}

	return inst.clone(), nil
}

func (s *MemoryStore) GetByCorrelationID(_ context.Context, correlationID string) ([]*SagaInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*SagaInstance
	for _, inst := range s.instances {
		if inst.CorrelationID == correlationID {
			result = append(result, inst.clone())
		}
	}

	return result, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, expectedVersion int64, inst *SagaInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.instances[inst.ID]
	if !ok {
		return ErrEntityNotFound
	}

	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}

	inst.Version = expectedVersion + 1
	inst.UpdatedAt = time.Now()
	s.instances[inst.ID] = inst.clone()

	return nil
}

func (s *MemoryStore) QueryByStatus(_ context.Context, statuses ...Status) ([]*SagaInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*SagaInstance
	for _, inst := range s.instances {
		for _, status := range statuses {
			if inst.Status == status {
				result = append(result, inst.clone())

				break
			}
		}
	}

	return result, nil
}

func (s *MemoryStore) AppendStepLog(_ context.Context, entry *StepLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	cp.ID = s.nextLogID
	cp.CreatedAt = time.Now()
	s.nextLogID++
	s.stepLog[entry.InstanceID] = append(s.stepLog[entry.InstanceID], &cp)
	entry.ID = cp.ID

	return nil
}

func (s *MemoryStore) GetStepLog(_ context.Context, instanceID string) ([]*StepLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.stepLog[instanceID]
	result := make([]*StepLogEntry, 0, len(entries))
	for _, entry := range entries {
		cp := *entry
		result = append(result, &cp)
	}

	return result, nil
}

func (s *MemoryStore) CreateCancelRequest(_ context.Context, req *CancelRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cancelRequests[req.InstanceID]; exists {
		return nil
	}

	cp := *req
	cp.ID = s.nextCancelID
	cp.CreatedAt = time.Now()
	s.nextCancelID++
	s.cancelRequests[req.InstanceID] = &cp
	req.ID = cp.ID

	return nil
}

func (s *MemoryStore) GetCancelRequest(_ context.Context, instanceID string) (*CancelRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.cancelRequests[instanceID]
	if !ok {
		return nil, ErrEntityNotFound
	}

	cp := *req

	return &cp, nil
}
