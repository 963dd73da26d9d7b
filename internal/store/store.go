// Package store implements the State Store (C5): last-known vehicle
// state per VIN, active monitoring cases, active special-charging
// sessions, and a cached off-peak plan hash. All writes are
// single-document; the interface exposes atomic upsert semantics per
// key, matching §4.5's "key-value document store with three
// collections" contract.
package store

import (
	"context"
	"sync"

	"github.com/mac923/offpeak-ev-controller/internal/errs"
	"github.com/mac923/offpeak-ev-controller/internal/model"
)

// Store is the C5 contract. Implementations must make UpsertX calls
// atomic per key; no cross-document transactions are required.
type Store interface {
	GetLastKnownState(ctx context.Context, vin string) (*model.LastKnownState, error)
	UpsertLastKnownState(ctx context.Context, s model.LastKnownState) error

	GetMonitoringCase(ctx context.Context, vin string) (*model.MonitoringCase, error)
	UpsertMonitoringCase(ctx context.Context, c model.MonitoringCase) error
	DeleteMonitoringCase(ctx context.Context, vin string) error

	GetSession(ctx context.Context, sessionID string) (*model.SpecialChargingSession, error)
	UpsertSession(ctx context.Context, s model.SpecialChargingSession) error
	ListSessionsByVIN(ctx context.Context, vin string) ([]model.SpecialChargingSession, error)
	ListActiveSessions(ctx context.Context) ([]model.SpecialChargingSession, error)

	GetPlanHash(ctx context.Context, vin string) (string, error)
	SetPlanHash(ctx context.Context, vin, hash string) error

	// Reset purges all in-memory monitoring state (§6 GET /reset).
	Reset(ctx context.Context) error
}

// MemoryStore is an in-memory Store, the default for tests and for the
// Scheduler-driven deployment's local dev mode.
type MemoryStore struct {
	mu        sync.Mutex
	lastKnown map[string]model.LastKnownState
	cases     map[string]model.MonitoringCase
	sessions  map[string]model.SpecialChargingSession
	planHash  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lastKnown: make(map[string]model.LastKnownState),
		cases:     make(map[string]model.MonitoringCase),
		sessions:  make(map[string]model.SpecialChargingSession),
		planHash:  make(map[string]string),
	}
}

func (m *MemoryStore) GetLastKnownState(_ context.Context, vin string) (*model.LastKnownState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.lastKnown[vin]
	if !ok {
		return nil, nil
	}
	cp := s
	return &cp, nil
}

func (m *MemoryStore) UpsertLastKnownState(_ context.Context, s model.LastKnownState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastKnown[s.VIN] = s
	return nil
}

func (m *MemoryStore) GetMonitoringCase(_ context.Context, vin string) (*model.MonitoringCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[vin]
	if !ok {
		return nil, nil
	}
	cp := c
	return &cp, nil
}

func (m *MemoryStore) UpsertMonitoringCase(_ context.Context, c model.MonitoringCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cases[c.VIN] = c
	return nil
}

func (m *MemoryStore) DeleteMonitoringCase(_ context.Context, vin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cases, vin)
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*model.SpecialChargingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := s
	return &cp, nil
}

func (m *MemoryStore) UpsertSession(_ context.Context, s model.SpecialChargingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = s
	return nil
}

func (m *MemoryStore) ListSessionsByVIN(_ context.Context, vin string) ([]model.SpecialChargingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SpecialChargingSession
	for _, s := range m.sessions {
		if s.VIN == vin {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListActiveSessions(_ context.Context) ([]model.SpecialChargingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SpecialChargingSession
	for _, s := range m.sessions {
		if s.Status == model.SessionActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetPlanHash(_ context.Context, vin string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.planHash[vin], nil
}

func (m *MemoryStore) SetPlanHash(_ context.Context, vin, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planHash[vin] = hash
	return nil
}

func (m *MemoryStore) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastKnown = make(map[string]model.LastKnownState)
	m.cases = make(map[string]model.MonitoringCase)
	m.sessions = make(map[string]model.SpecialChargingSession)
	m.planHash = make(map[string]string)
	return nil
}
