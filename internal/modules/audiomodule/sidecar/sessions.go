package sidecar

import "sync"

// Session records one active capture session and the page connection that
// owns it. Ownership routes frames and ended-events, and drives teardown
// when the owning connection goes away.
type Session struct {
	SessionID  string
	OwnerKey   string
	TargetID   string
	SampleRate uint32
	Channels   uint16
}

// SessionTable is the concurrent session ownership registry.
type SessionTable struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[string]Session)}
}

func (t *SessionTable) Add(s Session) {
	t.mu.Lock()
	t.sessions[s.SessionID] = s
	t.mu.Unlock()
}

func (t *SessionTable) Get(sessionID string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[sessionID]
	return s, ok
}

func (t *SessionTable) Remove(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}

// ByOwner returns every session owned by a connection key.
func (t *SessionTable) ByOwner(ownerKey string) []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Session
	for _, s := range t.sessions {
		if s.OwnerKey == ownerKey {
			out = append(out, s)
		}
	}
	return out
}

// All returns a snapshot of every session.
func (t *SessionTable) All() []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

func (t *SessionTable) Clear() {
	t.mu.Lock()
	t.sessions = make(map[string]Session)
	t.mu.Unlock()
}

func (t *SessionTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
