package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"homehealth/services/staff-tracker/internal/metrics"
	"homehealth/services/staff-tracker/internal/tracking"
)

var (
	ErrInvalidKey = errors.New("staff_id is required")
	ErrShutdown   = errors.New("session manager is shut down")
)

type entry struct {
	s    *Session
	refs int
}

// Manager mounts one Session per key and shares it between viewers. The
// session is unmounted when its last viewer releases it.
type Manager struct {
	ctx  context.Context
	deps Deps

	mu       sync.Mutex
	sessions map[Key]*entry
	closed   bool
}

func NewManager(ctx context.Context, deps Deps) *Manager {
	return &Manager{ctx: ctx, deps: deps, sessions: make(map[Key]*entry)}
}

// Acquire returns the session for key, mounting it if needed. patient, when
// non-nil, is used instead of resolving the patient by name; it only
// applies to the viewer that mounts the session. The returned release
// function must be called exactly once; extra calls are ignored.
func (m *Manager) Acquire(key Key, patient *tracking.PatientLocation) (*Session, func(), error) {
	key.StaffID = strings.TrimSpace(key.StaffID)
	key.PatientName = strings.TrimSpace(key.PatientName)
	if key.StaffID == "" {
		return nil, nil, ErrInvalidKey
	}
	if patient != nil && !patient.Point().Valid() {
		patient = nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrShutdown
	}
	e, ok := m.sessions[key]
	if !ok {
		e = &entry{s: newSession(key, patient, m.deps)}
		m.sessions[key] = e
		e.s.start(m.ctx)
		metrics.ActiveSessions.Inc()
	}
	e.refs++

	var once sync.Once
	release := func() { once.Do(func() { m.release(key, e) }) }
	return e.s, release, nil
}

func (m *Manager) release(key Key, e *entry) {
	m.mu.Lock()
	e.refs--
	if e.refs > 0 || m.sessions[key] != e {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, key)
	m.mu.Unlock()
	metrics.ActiveSessions.Dec()
	e.s.stop()
}

// Nudge refreshes every session tracking staffID and returns how many
// were nudged.
func (m *Manager) Nudge(staffID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.sessions {
		if k.StaffID == staffID {
			e.s.Nudge()
			n++
		}
	}
	return n
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Get returns a mounted session without taking a reference.
func (m *Manager) Get(key Key) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[key]
	if !ok {
		return nil, false
	}
	return e.s, true
}

// Shutdown stops every session. Later Acquire calls fail.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for k, e := range m.sessions {
		all = append(all, e.s)
		delete(m.sessions, k)
	}
	m.mu.Unlock()
	for _, s := range all {
		metrics.ActiveSessions.Dec()
		s.stop()
	}
}

// Evaluate fetches the staff location once and derives the state without
// mounting a session.
func (m *Manager) Evaluate(ctx context.Context, key Key) (tracking.State, error) {
	if strings.TrimSpace(key.StaffID) == "" {
		return tracking.State{}, ErrInvalidKey
	}
	var patient *tracking.PatientLocation
	if key.PatientName != "" && m.deps.Patients != nil {
		pctx, cancel := context.WithTimeout(ctx, m.deps.patientTimeout())
		loc, err := m.deps.Patients.PatientLocation(pctx, key.PatientName)
		cancel()
		if err == nil {
			patient = loc
		}
	}
	obs, err := m.deps.Staff.StaffLocation(ctx, key.StaffID)
	if err != nil {
		return tracking.State{}, fmt.Errorf("fetch staff location: %w", err)
	}
	var fromStart *float64
	if d, ok := tracking.DistanceFromStart(obs.Trip, patient); ok {
		fromStart = &d
	}
	now := m.deps.Now
	if now == nil {
		now = time.Now
	}
	return tracking.Estimate(obs, key.PatientName, patient, fromStart, now()), nil
}
