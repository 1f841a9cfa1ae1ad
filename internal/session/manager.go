package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrClosed       = errors.New("session closed")
	ErrAlreadyBound = errors.New("session already has a live connection")
)

// Session is the registry view of one conversation.
type Session struct {
	ID             string    `json:"session_id"`
	Status         Status    `json:"status"`
	Transport      string    `json:"transport"`
	Bound          bool      `json:"bound"`
	ActiveTurnID   string    `json:"active_turn_id"`
	TurnCount      int       `json:"turn_count"`
	BusyCount      int       `json:"busy_count"`
	FramesDropped  uint64    `json:"frames_dropped"`
	EndReason      string    `json:"end_reason,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type entry struct {
	Session
	// cancel stops the tasks of a bound session.
	cancel context.CancelFunc
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(transport string) *Session {
	transport = strings.ToLower(strings.TrimSpace(transport))
	if transport == "" {
		transport = "socket"
	}
	now := time.Now().UTC()
	e := &entry{Session: Session{
		ID:             uuid.NewString(),
		Status:         StatusOpen,
		Transport:      transport,
		StartedAt:      now,
		LastActivityAt: now,
	}}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[e.ID] = e
	return e.snapshot()
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.snapshot(), nil
}

// Bind attaches the running tasks of a live connection to an open session.
// End and inactivity expiry call cancel.
func (m *Manager) Bind(sessionID string, cancel context.CancelFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusOpen {
		return ErrClosed
	}
	if e.Bound {
		return ErrAlreadyBound
	}
	e.Bound = true
	e.cancel = cancel
	e.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(e *entry) {})
}

func (m *Manager) StartTurn(sessionID, turnID string) error {
	return m.update(sessionID, func(e *entry) {
		e.ActiveTurnID = turnID
		e.TurnCount++
	})
}

func (m *Manager) EndTurn(sessionID, turnID string) error {
	return m.update(sessionID, func(e *entry) {
		if e.ActiveTurnID == turnID {
			e.ActiveTurnID = ""
		}
	})
}

// RecordBusy counts a final transcript that arrived during an active turn.
func (m *Manager) RecordBusy(sessionID string) error {
	return m.update(sessionID, func(e *entry) { e.BusyCount++ })
}

// RecordFramesDropped stores the number of captured frames the session's
// ingestion queue discarded.
func (m *Manager) RecordFramesDropped(sessionID string, n uint64) error {
	return m.update(sessionID, func(e *entry) { e.FramesDropped = n })
}

func (m *Manager) update(sessionID string, fn func(*entry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(e)
	e.LastActivityAt = time.Now().UTC()
	return nil
}

// End closes the session and cancels its tasks. Ending a closed session
// returns it unchanged.
func (m *Manager) End(sessionID, reason string) (*Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	cancel := e.close(reason, time.Now().UTC())
	s := e.snapshot()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return s, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.Status == StatusOpen {
			count++
		}
	}
	return count
}

// EndAll closes every open session with reason and cancels their tasks.
// It returns the number of sessions closed.
func (m *Manager) EndAll(reason string) int {
	now := time.Now().UTC()
	var cancels []context.CancelFunc

	m.mu.Lock()
	closed := 0
	for _, e := range m.sessions {
		if e.Status != StatusOpen {
			continue
		}
		closed++
		if cancel := e.close(reason, now); cancel != nil {
			cancels = append(cancels, cancel)
		}
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return closed
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var (
		expired []*Session
		cancels []context.CancelFunc
	)

	m.mu.Lock()
	for id, e := range m.sessions {
		if e.Status != StatusOpen {
			// Closed sessions are kept for one more timeout so late
			// lookups still see the end reason.
			if now.Sub(e.LastActivityAt) >= m.inactivityTimeout {
				delete(m.sessions, id)
			}
			continue
		}
		if now.Sub(e.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		if cancel := e.close("inactive", now); cancel != nil {
			cancels = append(cancels, cancel)
		}
		expired = append(expired, e.snapshot())
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

// close marks e closed and returns its cancel func, once.
func (e *entry) close(reason string, now time.Time) context.CancelFunc {
	if e.Status == StatusClosed {
		return nil
	}
	e.Status = StatusClosed
	e.ActiveTurnID = ""
	e.EndReason = reason
	e.LastActivityAt = now
	cancel := e.cancel
	e.cancel = nil
	return cancel
}

func (e *entry) snapshot() *Session {
	c := e.Session
	return &c
}
