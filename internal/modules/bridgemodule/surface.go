package bridgemodule

import (
	"fmt"
	"sync"

	"github.com/sweetshark/sweetshark/internal/modules/capturemodule/sources"
)

// wsSurface renders the picker inside the page over its bridge
// connection. Removal fires when the connection closes: the page going
// away is exactly the "surface torn out of the page" case, and it must
// cancel the picker rather than strand it.
type wsSurface struct {
	conn *Connection

	closeOnce sync.Once
	removed   chan struct{}
}

func newWSSurface(conn *Connection) *wsSurface {
	return &wsSurface{conn: conn, removed: conn.closed}
}

type renderEntry struct {
	SourceID    string `json:"sourceId"`
	DisplayName string `json:"displayName"`
	IsScreen    bool   `json:"isScreen"`
	Thumbnail   []byte `json:"thumbnail,omitempty"`
}

func (s *wsSurface) Render(entries []sources.CaptureSource) error {
	if s.closedConn() {
		return fmt.Errorf("page connection is closed")
	}
	out := make([]renderEntry, len(entries))
	for i, e := range entries {
		out[i] = renderEntry{
			SourceID:    e.ID,
			DisplayName: e.DisplayName,
			IsScreen:    e.IsScreen(),
			Thumbnail:   e.Thumbnail,
		}
	}
	s.conn.sendEvent("picker.render", map[string]interface{}{"entries": out})
	return nil
}

func (s *wsSurface) UpdateThumbnail(sourceID string, thumbnail []byte) error {
	if s.closedConn() {
		return fmt.Errorf("page connection is closed")
	}
	s.conn.sendEvent("picker.thumbnail", map[string]interface{}{
		"sourceId":  sourceID,
		"thumbnail": thumbnail,
	})
	return nil
}

func (s *wsSurface) Removed() <-chan struct{} {
	return s.removed
}

func (s *wsSurface) Close() {
	s.closeOnce.Do(func() {
		if !s.closedConn() {
			s.conn.sendEvent("picker.close", nil)
		}
	})
}

func (s *wsSurface) closedConn() bool {
	select {
	case <-s.conn.closed:
		return true
	default:
		return false
	}
}
