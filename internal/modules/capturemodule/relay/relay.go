// Package relay carries the user's source choice across the privilege
// boundary: a one-shot, session-scoped slot written by the picker just
// before the platform display-media call and consumed exactly once by the
// capture request handler.
package relay

import (
	"sync"

	"github.com/sweetshark/sweetshark/internal/events"
	"github.com/sweetshark/sweetshark/internal/logger"
)

// Selection is a pending share choice for one session.
type Selection struct {
	SourceID            string `json:"source_id"`
	ShareAudioRequested bool   `json:"share_audio_requested"`
	IsScreenSource      bool   `json:"is_screen_source"`
}

// Registry holds at most one pending selection per session key. Writes
// are last-write-wins: the UI permits only one active picker per session,
// so a racing second write replaces a selection nobody will consume.
// Consumption removes the slot atomically.
type Registry struct {
	mu    sync.Mutex
	slots map[string]Selection
	bus   events.EventBus
}

// NewRegistry creates an empty relay registry. bus may be nil.
func NewRegistry(bus events.EventBus) *Registry {
	return &Registry{slots: make(map[string]Selection), bus: bus}
}

// SetPending stores the selection for a session, replacing any
// unconsumed one. Must complete before the picker triggers the platform's
// native display-media call: the capture request handler has no other way
// to learn the choice.
func (r *Registry) SetPending(sessionKey string, sel Selection) {
	r.mu.Lock()
	if prev, existed := r.slots[sessionKey]; existed {
		logger.Warn("overwriting unconsumed pending selection",
			logger.String("session", sessionKey),
			logger.String("previous_source", prev.SourceID),
			logger.String("source", sel.SourceID))
	}
	r.slots[sessionKey] = sel
	r.mu.Unlock()

	r.publish(events.EventSelectionPending, sessionKey, sel.SourceID)
}

// Consume removes and returns the pending selection for a session. The
// second of two concurrent consumers sees ok == false.
func (r *Registry) Consume(sessionKey string) (Selection, bool) {
	r.mu.Lock()
	sel, ok := r.slots[sessionKey]
	if ok {
		delete(r.slots, sessionKey)
	}
	r.mu.Unlock()

	if ok {
		r.publish(events.EventSelectionConsumed, sessionKey, sel.SourceID)
	}
	return sel, ok
}

// Clear drops any pending selection for a session. Called on session
// teardown so stale choices never leak into a future share.
func (r *Registry) Clear(sessionKey string) {
	r.mu.Lock()
	delete(r.slots, sessionKey)
	r.mu.Unlock()
}

// Pending reports whether a session has an unconsumed selection.
func (r *Registry) Pending(sessionKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.slots[sessionKey]
	return ok
}

func (r *Registry) publish(t events.EventType, sessionKey, sourceID string) {
	if r.bus == nil {
		return
	}
	r.bus.PublishAsync(events.Event{
		Type:   t,
		Source: "relay",
		Data: map[string]interface{}{
			"session_key": sessionKey,
			"source_id":   sourceID,
		},
	})
}
