package store

import (
	"context"
	"sync"
	"time"

	"github.com/fleetmeter/fleetmeter/internal/domain"
)

// MemoryStore is an in-memory Store implementation used by tests across
// the ingest and usage packages. It enforces the same single-open-session
// invariant a Postgres partial unique index would, via a plain map guarded
// by a mutex.
type MemoryStore struct {
	mu sync.Mutex

	nodes    map[string]*domain.Node
	sessions map[string]*domain.Session // keyed by ID
	tracked  map[string]domain.TrackedVM
	rentals  map[string]*domain.Rental
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:    make(map[string]*domain.Node),
		sessions: make(map[string]*domain.Session),
		tracked:  make(map[string]domain.TrackedVM),
		rentals:  make(map[string]*domain.Rental),
	}
}

func trackedKey(node, vmID string) string { return node + "/" + vmID }

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) RegisterNode(ctx context.Context, name, hostname string) (*domain.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[name]
	if !ok {
		n = &domain.Node{Name: name}
		m.nodes[name] = n
	}
	if hostname != "" {
		n.Hostname = hostname
	}
	n.IsActive = true
	n.LastSeen = time.Now()
	copy := *n
	return &copy, nil
}

func (m *MemoryStore) TouchNode(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[name]
	if !ok {
		n = &domain.Node{Name: name, IsActive: true}
		m.nodes[name] = n
	}
	n.LastSeen = time.Now()
	return nil
}

func (m *MemoryStore) BumpNodeEventStats(ctx context.Context, name string, eventTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[name]
	if !ok {
		n = &domain.Node{Name: name, IsActive: true}
		m.nodes[name] = n
	}
	n.TotalEvents++
	n.LastEventTime = eventTime
	return nil
}

func (m *MemoryStore) GetNode(ctx context.Context, name string) (*domain.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copy := *n
	return &copy, nil
}

func (m *MemoryStore) FindOpen(ctx context.Context, node, vmID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findOpenLocked(node, vmID)
}

func (m *MemoryStore) findOpenLocked(node, vmID string) (*domain.Session, error) {
	for _, s := range m.sessions {
		if s.Node == node && s.VMID == vmID && s.IsRunning {
			copy := *s
			return &copy, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) OpenSession(ctx context.Context, node, vmID string, kind domain.GuestKind, startTime time.Time) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, _ := m.findOpenLocked(node, vmID); existing != nil {
		return nil, domain.ErrAlreadyOpen
	}

	now := time.Now()
	sess := &domain.Session{
		ID:        newID(),
		Node:      node,
		VMID:      vmID,
		Kind:      kind,
		StartTime: startTime,
		IsRunning: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[sess.ID] = sess
	copy := *sess
	return &copy, nil
}

func (m *MemoryStore) WidenSessionStart(ctx context.Context, id string, newStart time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	sess.StartTime = newStart
	sess.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CloseSession(ctx context.Context, id string, endTime time.Time) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	dur := int64(endTime.Sub(sess.StartTime).Seconds())
	if dur < 0 {
		dur = 0
	}
	sess.EndTime = &endTime
	sess.DurationSeconds = &dur
	sess.IsRunning = false
	sess.UpdatedAt = time.Now()

	copy := *sess
	return &copy, nil
}

func (m *MemoryStore) OpenSessionsForNode(ctx context.Context, node string) (map[string]*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]*domain.Session)
	for _, s := range m.sessions {
		if s.Node == node && s.IsRunning {
			copy := *s
			out[s.VMID] = &copy
		}
	}
	return out, nil
}

func (m *MemoryStore) CloseOlderDuplicates(ctx context.Context, node, vmID, keep string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		if s.Node == node && s.VMID == vmID && s.IsRunning && id != keep {
			dur := int64(at.Sub(s.StartTime).Seconds())
			if dur < 0 {
				dur = 0
			}
			s.EndTime = &at
			s.DurationSeconds = &dur
			s.IsRunning = false
		}
	}
	return nil
}

func (m *MemoryStore) UpsertTrackedVM(ctx context.Context, vm domain.TrackedVM) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[trackedKey(vm.Node, vm.VMID)] = vm
	return nil
}

func (m *MemoryStore) SessionsOverlapping(ctx context.Context, vmID, node string, t0, t1 time.Time) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Session
	for _, s := range m.sessions {
		if s.VMID != vmID {
			continue
		}
		if node != "" && s.Node != node {
			continue
		}
		end := time.Now().Add(24 * time.Hour)
		if s.EndTime != nil {
			end = *s.EndTime
		}
		if s.StartTime.Before(t1) && end.After(t0) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateRental(ctx context.Context, r domain.Rental) (*domain.Rental, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ID == "" {
		r.ID = newID()
	}
	if r.Currency == "" {
		r.Currency = "USD"
	}
	m.rentals[r.ID] = &r
	copy := r
	return &copy, nil
}

func (m *MemoryStore) GetRental(ctx context.Context, id string) (*domain.Rental, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rentals[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copy := *r
	return &copy, nil
}

func (m *MemoryStore) ListRentals(ctx context.Context, vmID, node string) ([]domain.Rental, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Rental
	for _, r := range m.rentals {
		if r.VMID != vmID {
			continue
		}
		if node != "" && r.Node != node && r.Node != "" {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}
