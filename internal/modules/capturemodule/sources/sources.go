// Package sources lists capturable screens and windows with bounded
// thumbnail snapshots for the in-page picker.
package sources

import (
	"context"
	"image"
	"strings"

	"github.com/sweetshark/sweetshark/internal/logger"
)

// Source id grammar: "screen:<display>:<n>" for whole displays,
// "window:<handle>:<n>" for application windows. Ids are opaque to
// everything except kind classification; positions in a listing are never
// authoritative.
const (
	screenIDPrefix = "screen:"
	windowIDPrefix = "window:"
)

// Types selects which source kinds to enumerate.
type Types struct {
	Window bool `json:"window"`
	Screen bool `json:"screen"`
}

// AllTypes enumerates both kinds.
func AllTypes() Types {
	return Types{Window: true, Screen: true}
}

// CaptureSource is one selectable screen or window. Ephemeral: recreated
// on every listing call, never persisted. Thumbnail is a webp snapshot
// bounded to the configured dimension.
type CaptureSource struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Thumbnail   []byte `json:"thumbnail,omitempty"`
}

// IsScreen reports whether the source is a whole display rather than an
// application window.
func (s CaptureSource) IsScreen() bool {
	return IsScreenID(s.ID)
}

// IsScreenID classifies a source id by its prefix.
func IsScreenID(id string) bool {
	return strings.HasPrefix(id, screenIDPrefix)
}

// IsWindowID reports whether the id names a window-backed source.
func IsWindowID(id string) bool {
	return strings.HasPrefix(id, windowIDPrefix)
}

// RawSource is a platform enumeration result before thumbnail processing.
type RawSource struct {
	ID          string
	DisplayName string
	Thumbnail   image.Image
}

// Provider enumerates sources from the host platform. Implementations wrap
// the platform capturer; tests use a fake.
type Provider interface {
	ListSources(ctx context.Context, types Types) ([]RawSource, error)
}

// Lister wraps a Provider and produces picker-ready sources: each call
// yields fresh, bounded thumbnails and fails softly to an empty list on
// platform errors. Safe to call repeatedly; no state is retained between
// calls.
type Lister struct {
	provider Provider
	maxDim   int
}

// NewLister creates a lister bounding thumbnails to maxDim on their
// longest side.
func NewLister(provider Provider, maxDim int) *Lister {
	return &Lister{provider: provider, maxDim: maxDim}
}

// List enumerates sources. A platform failure returns an empty list, not
// an error: the caller falls back to the unassisted platform flow.
func (l *Lister) List(ctx context.Context, types Types) []CaptureSource {
	raw, err := l.provider.ListSources(ctx, types)
	if err != nil {
		logger.Warn("source listing failed, returning empty list", logger.Err(err))
		return nil
	}

	out := make([]CaptureSource, 0, len(raw))
	for _, r := range raw {
		src := CaptureSource{ID: r.ID, DisplayName: r.DisplayName}
		if r.Thumbnail != nil {
			thumb, err := EncodeThumbnail(r.Thumbnail, l.maxDim)
			if err != nil {
				logger.Debug("thumbnail encode failed", logger.String("source", r.ID), logger.Err(err))
			} else {
				src.Thumbnail = thumb
			}
		}
		out = append(out, src)
	}
	return out
}
