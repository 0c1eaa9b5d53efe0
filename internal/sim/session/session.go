// Package session tracks connected participants: authentication identity,
// liveness, and the outbound replication cursor. It is the only owner of
// liveness state.
package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"meridian.world/internal/auth"
)

type State string

const (
	StateConnecting    State = "CONNECTING"
	StateAuthenticated State = "AUTHENTICATED"
	StateActive        State = "ACTIVE"
	StateDisconnected  State = "DISCONNECTED" // terminal
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotActive      = errors.New("session not active")
	ErrBadTransition  = errors.New("invalid session state transition")
)

type Session struct {
	ID        string
	Principal string
	State     State
	AvatarID  string

	LastHeartbeatTick uint64
	AckedTick         uint64

	Out chan []byte // outbound frames; owned by the transport writer
}

// Snapshot is a by-value view of one session.
type Snapshot struct {
	ID                string
	Principal         string
	State             State
	AvatarID          string
	LastHeartbeatTick uint64
	AckedTick         uint64
	Out               chan []byte
}

type Manager struct {
	provider     auth.Provider
	timeoutTicks uint64

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(provider auth.Provider, timeoutTicks uint64) *Manager {
	if timeoutTicks == 0 {
		timeoutTicks = 100
	}
	return &Manager{
		provider:     provider,
		timeoutTicks: timeoutTicks,
		sessions:     map[string]*Session{},
	}
}

// Connect admits a new connection in Connecting state.
func (m *Manager) Connect(out chan []byte, nowTick uint64) Snapshot {
	s := &Session{
		ID:                uuid.NewString(),
		State:             StateConnecting,
		LastHeartbeatTick: nowTick,
		Out:               out,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return snap(s)
}

// Authenticate validates credentials against the external provider.
// Failure leaves the session in Connecting; the transport then drops it.
func (m *Manager) Authenticate(sessionID, token string) (Snapshot, error) {
	principal, err := m.provider.Authenticate(token)
	if err != nil {
		return Snapshot{}, auth.ErrAuthFailed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sessionID]
	if s == nil {
		return Snapshot{}, ErrUnknownSession
	}
	if s.State != StateConnecting {
		return Snapshot{}, ErrBadTransition
	}
	s.Principal = principal
	s.State = StateAuthenticated
	return snap(s), nil
}

// Activate records the first successful world join (avatar spawned,
// interest registered).
func (m *Manager) Activate(sessionID, avatarID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sessionID]
	if s == nil {
		return Snapshot{}, ErrUnknownSession
	}
	if s.State != StateAuthenticated {
		return Snapshot{}, ErrBadTransition
	}
	s.State = StateActive
	s.AvatarID = avatarID
	return snap(s), nil
}

// Disconnect moves a session to its terminal state and returns the final
// snapshot so the caller can run teardown (despawn, escrow release).
func (m *Manager) Disconnect(sessionID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sessionID]
	if s == nil || s.State == StateDisconnected {
		return Snapshot{}, false
	}
	s.State = StateDisconnected
	out := snap(s)
	delete(m.sessions, sessionID)
	return out, true
}

func (m *Manager) Heartbeat(sessionID string, nowTick uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sessionID]
	if s == nil {
		return ErrUnknownSession
	}
	s.LastHeartbeatTick = nowTick
	return nil
}

// AckTick advances the replication cursor. Acks are clamped to the current
// tick: a claimed future tick would make the replicator's behind-by math
// wrap and pin the session on the snapshot path.
func (m *Manager) AckTick(sessionID string, tick, nowTick uint64) {
	if tick > nowTick {
		tick = nowTick
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.sessions[sessionID]; s != nil && tick > s.AckedTick {
		s.AckedTick = tick
	}
}

func (m *Manager) Get(sessionID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sessions[sessionID]
	if s == nil {
		return Snapshot{}, false
	}
	return snap(s), true
}

func (m *Manager) IsActive(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sessions[sessionID]
	return s != nil && s.State == StateActive
}

func (m *Manager) Active() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.State == StateActive {
			out = append(out, snap(s))
		}
	}
	return out
}

// SweepExpired disconnects every session whose heartbeat is older than the
// timeout window and returns their final snapshots for teardown.
func (m *Manager) SweepExpired(nowTick uint64) []Snapshot {
	m.mu.Lock()
	var expired []*Session
	for _, s := range m.sessions {
		if s.State == StateDisconnected {
			continue
		}
		if nowTick > s.LastHeartbeatTick && nowTick-s.LastHeartbeatTick > m.timeoutTicks {
			expired = append(expired, s)
		}
	}
	out := make([]Snapshot, 0, len(expired))
	for _, s := range expired {
		s.State = StateDisconnected
		out = append(out, snap(s))
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()
	return out
}

func snap(s *Session) Snapshot {
	return Snapshot{
		ID:                s.ID,
		Principal:         s.Principal,
		State:             s.State,
		AvatarID:          s.AvatarID,
		LastHeartbeatTick: s.LastHeartbeatTick,
		AckedTick:         s.AckedTick,
		Out:               s.Out,
	}
}
