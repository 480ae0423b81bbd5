// Package handler answers the platform's "supply a display media source"
// callback using the previously relayed selection. Registered once per
// isolated session at session-creation time: an explicit interception
// adapter, never a runtime override of the platform entrypoint.
package handler

import (
	"context"
	"errors"

	"github.com/sweetshark/sweetshark/internal/events"
	"github.com/sweetshark/sweetshark/internal/logger"
	"github.com/sweetshark/sweetshark/internal/modules/capturemodule/relay"
	"github.com/sweetshark/sweetshark/internal/modules/capturemodule/sources"
)

// ErrNoSelection declines the request because nothing was relayed for the
// session. The platform surfaces the decline as a user cancellation.
var ErrNoSelection = errors.New("no pending selection for session")

// ErrSourceGone declines the request because the chosen source vanished
// between pick and callback (window closed).
var ErrSourceGone = errors.New("selected source no longer exists")

// Response is the answer to a display-media request: the video source
// only. Audio is never supplied through this path; loopback-safe audio is
// the sidecar's job.
type Response struct {
	Source         sources.CaptureSource `json:"source"`
	AudioRequested bool                  `json:"audio_requested"`
	IsScreenSource bool                  `json:"is_screen_source"`
}

// Handler resolves display-media requests for all sessions.
type Handler struct {
	relay  *relay.Registry
	lister *sources.Lister
	bus    events.EventBus
}

// New creates a capture request handler. bus may be nil.
func New(r *relay.Registry, lister *sources.Lister, bus events.EventBus) *Handler {
	return &Handler{relay: r, lister: lister, bus: bus}
}

// HandleRequest answers the platform callback for one session.
//
// The pending selection is consumed atomically, then the chosen id is
// re-resolved against a fresh listing: ids, not positions, are
// authoritative, and the picker's listing may be stale by the time the
// platform calls back. Any failure declines the request; a decline is
// never an unhandled fault.
func (h *Handler) HandleRequest(ctx context.Context, sessionKey string) (*Response, error) {
	sel, ok := h.relay.Consume(sessionKey)
	if !ok {
		h.declined(sessionKey, "no_selection")
		return nil, ErrNoSelection
	}

	listed := h.lister.List(ctx, sources.AllTypes())
	for _, src := range listed {
		if src.ID == sel.SourceID {
			return &Response{
				Source:         src,
				AudioRequested: sel.ShareAudioRequested,
				IsScreenSource: sel.IsScreenSource,
			}, nil
		}
	}

	logger.Warn("selected source vanished before platform callback",
		logger.String("session", sessionKey),
		logger.String("source", sel.SourceID))
	h.declined(sessionKey, "source_gone")
	return nil, ErrSourceGone
}

func (h *Handler) declined(sessionKey, reason string) {
	if h.bus == nil {
		return
	}
	h.bus.PublishAsync(events.Event{
		Type:   events.EventSelectionDeclined,
		Source: "capture-handler",
		Data: map[string]interface{}{
			"session_key": sessionKey,
			"reason":      reason,
		},
	})
}
