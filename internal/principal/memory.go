package principal

import (
	"context"
	"sync"
)

// MemoryStore is an in-process user directory for tests and local tooling.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[int64]Principal
}

func NewMemoryStore(users ...Principal) *MemoryStore {
	m := &MemoryStore{users: make(map[int64]Principal, len(users))}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *MemoryStore) Put(p Principal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[p.ID] = p
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) RoleOf(ctx context.Context, id int64) (Role, error) {
	p, err := m.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return p.Role, nil
}

func (m *MemoryStore) AssignedStaffOf(ctx context.Context, patientID int64) (*int64, error) {
	p, err := m.Get(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if p.Role != RolePatient {
		return nil, ErrNotPatient
	}
	return p.AssignedStaffID, nil
}

func (m *MemoryStore) SetAssignedStaff(_ context.Context, patientID int64, staffID *int64) (*int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.users[patientID]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Role != RolePatient {
		return nil, ErrNotPatient
	}
	prev := p.AssignedStaffID
	p.AssignedStaffID = staffID
	m.users[patientID] = p
	return prev, nil
}

func (m *MemoryStore) DisplayNames(_ context.Context, ids []int64) (map[int64]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make(map[int64]string, len(ids))
	for _, id := range ids {
		if p, ok := m.users[id]; ok {
			names[id] = p.DisplayName
		}
	}
	return names, nil
}
