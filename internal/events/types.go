// Package events provides the in-process event bus used for share and
// audio lifecycle notifications between modules.
package events

import "time"

// EventType identifies a kind of event.
type EventType string

// Share negotiation and audio capture event types.
const (
	// Share negotiation events
	EventSelectionPending  EventType = "share.selection.pending"
	EventSelectionConsumed EventType = "share.selection.consumed"
	EventSelectionDeclined EventType = "share.selection.declined"
	EventPickerCancelled   EventType = "share.picker.cancelled"

	// Sidecar lifecycle events
	EventSidecarReady    EventType = "sidecar.ready"
	EventSidecarExited   EventType = "sidecar.exited"
	EventSidecarDegraded EventType = "sidecar.degraded"

	// Audio session events
	EventAudioSessionStarted EventType = "audio.session.started"
	EventAudioSessionEnded   EventType = "audio.session.ended"
	EventAudioFramesDropped  EventType = "audio.frames.dropped"

	// Egress channel events
	EventEgressConnected    EventType = "egress.connected"
	EventEgressDisconnected EventType = "egress.disconnected"

	// System events
	EventSystemStarted EventType = "system.started"
	EventSystemStopped EventType = "system.stopped"
)

// Event is one bus message.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventHandler handles a delivered event.
type EventHandler func(event Event) error

// EventFilter selects which events a subscription receives. Empty filters
// match everything.
type EventFilter struct {
	Types   []EventType `json:"types,omitempty"`
	Sources []string    `json:"sources,omitempty"`
}

// Matches reports whether an event passes the filter.
func (f EventFilter) Matches(e Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == e.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Sources) > 0 {
		ok := false
		for _, s := range f.Sources {
			if s == e.Source {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Subscription is one registered handler.
type Subscription struct {
	ID         string       `json:"id"`
	Filter     EventFilter  `json:"filter"`
	Handler    EventHandler `json:"-"`
	Subscriber string       `json:"subscriber"`
	Created    time.Time    `json:"created"`
}

// Stats summarizes bus activity.
type Stats struct {
	TotalEvents         int64            `json:"total_events"`
	EventsByType        map[string]int64 `json:"events_by_type"`
	DroppedEvents       int64            `json:"dropped_events"`
	ActiveSubscriptions int              `json:"active_subscriptions"`
}

// Config configures the bus.
type Config struct {
	BufferSize int `json:"buffer_size"`
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{BufferSize: 256}
}
