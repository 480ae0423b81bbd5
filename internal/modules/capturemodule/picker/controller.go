// Package picker implements the in-page source picker controller: the
// Idle → Listing → AwaitingSelection → (Selected | Cancelled) state
// machine, the periodic thumbnail refresh, and the persisted audio toggle.
package picker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sweetshark/sweetshark/internal/logger"
	"github.com/sweetshark/sweetshark/internal/modules/capturemodule/sources"
)

// State is the picker lifecycle state.
type State string

const (
	StateIdle              State = "idle"
	StateListing           State = "listing"
	StateAwaitingSelection State = "awaiting_selection"
	StateSelected          State = "selected"
	StateCancelled         State = "cancelled"
)

// ErrCancelled reports that the user dismissed the picker, or that its
// surface was removed from the page. Not a technical failure; callers
// surface it as a normal abort.
var ErrCancelled = errors.New("picker cancelled")

// ErrFallbackToNative reports that the assisted picker cannot run (no
// sources, or the surface failed) and the caller should invoke the
// platform's unassisted display-media flow instead.
var ErrFallbackToNative = errors.New("fall back to native display media flow")

// Selection is the resolved pick. AudioRequested is snapshotted at the
// moment of selection; later toggle changes do not alter it.
type Selection struct {
	SourceID       string `json:"source_id"`
	AudioRequested bool   `json:"audio_requested"`
	IsScreenSource bool   `json:"is_screen_source"`
}

// Surface is the selection UI rendered inside the embedded page. The
// bridge implements it over the page connection. Removed fires when the
// surface leaves the page through any path, not just the cancel control;
// the host environment can tear the picker out without routing through it.
type Surface interface {
	Render(entries []sources.CaptureSource) error
	UpdateThumbnail(sourceID string, thumbnail []byte) error
	Removed() <-chan struct{}
	Close()
}

// Config controls one picker invocation.
type Config struct {
	RefreshInterval time.Duration
	ProfileKey      string
}

type resolution struct {
	selection Selection
	err       error
}

// Controller drives one picker invocation. Create one per invocation; a
// controller resolves exactly once.
type Controller struct {
	lister  *sources.Lister
	prefs   *PreferenceStore
	surface Surface
	cfg     Config

	mu          sync.Mutex
	state       State
	entries     map[string]sources.CaptureSource
	order       []string
	audioToggle bool
	resolved    bool

	resultCh    chan resolution
	refreshStop chan struct{}
	refreshDone chan struct{}
}

// NewController creates a picker controller.
func NewController(lister *sources.Lister, prefs *PreferenceStore, surface Surface, cfg Config) *Controller {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.ProfileKey == "" {
		cfg.ProfileKey = DefaultProfileKey
	}
	return &Controller{
		lister:      lister,
		prefs:       prefs,
		surface:     surface,
		cfg:         cfg,
		state:       StateIdle,
		entries:     make(map[string]sources.CaptureSource),
		resultCh:    make(chan resolution, 1),
		refreshStop: make(chan struct{}),
		refreshDone: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AudioShareEnabled returns the current toggle value.
func (c *Controller) AudioShareEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioToggle
}

// Run lists sources, renders the surface, and blocks until the user
// selects a source, cancels, the surface is removed, or ctx ends. All
// teardown paths stop the refresh task and release thumbnail state.
func (c *Controller) Run(ctx context.Context) (Selection, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return Selection{}, fmt.Errorf("picker already ran (state %s)", c.state)
	}
	c.state = StateListing
	c.audioToggle = c.prefs.ShareAudio(c.cfg.ProfileKey)
	c.mu.Unlock()

	listed := c.lister.List(ctx, sources.AllTypes())
	if len(listed) == 0 {
		c.finishState(StateCancelled)
		return Selection{}, ErrFallbackToNative
	}

	if err := c.surface.Render(listed); err != nil {
		logger.Warn("picker surface render failed", logger.Err(err))
		c.surface.Close()
		c.finishState(StateCancelled)
		return Selection{}, ErrFallbackToNative
	}

	c.mu.Lock()
	for _, s := range listed {
		c.entries[s.ID] = s
		c.order = append(c.order, s.ID)
	}
	c.state = StateAwaitingSelection
	c.mu.Unlock()

	go c.refreshLoop(ctx)

	var res resolution
	select {
	case res = <-c.resultCh:
	case <-c.surface.Removed():
		res = resolution{err: ErrCancelled}
	case <-ctx.Done():
		res = resolution{err: ErrCancelled}
	}

	c.teardown()
	if res.err != nil {
		c.finishState(StateCancelled)
		return Selection{}, res.err
	}
	c.finishState(StateSelected)
	return res.selection, nil
}

// Select resolves the picker with the given source. The audio toggle is
// snapshotted here; it cannot change for this selection afterwards.
func (c *Controller) Select(sourceID string) error {
	c.mu.Lock()
	if c.state != StateAwaitingSelection {
		c.mu.Unlock()
		return fmt.Errorf("no selection expected in state %s", c.state)
	}
	if _, ok := c.entries[sourceID]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("unknown source id: %s", sourceID)
	}
	sel := Selection{
		SourceID:       sourceID,
		AudioRequested: c.audioToggle,
		IsScreenSource: sources.IsScreenID(sourceID),
	}
	c.mu.Unlock()

	c.resolveOnce(resolution{selection: sel})
	return nil
}

// SetAudioShare updates and persists the toggle. Independent of source
// selection; has no effect on an already-resolved selection.
func (c *Controller) SetAudioShare(enabled bool) {
	c.mu.Lock()
	c.audioToggle = enabled
	c.mu.Unlock()
	if err := c.prefs.SetShareAudio(c.cfg.ProfileKey, enabled); err != nil {
		logger.Warn("failed to persist audio share preference", logger.Err(err))
	}
}

// Cancel resolves the picker as a user cancellation.
func (c *Controller) Cancel() {
	c.resolveOnce(resolution{err: ErrCancelled})
}

func (c *Controller) resolveOnce(res resolution) {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		return
	}
	c.resolved = true
	c.mu.Unlock()
	c.resultCh <- res
}

// refreshLoop re-lists sources on a fixed interval and patches only the
// thumbnail imagery of entries that still exist. It never rebuilds the
// grid: entry identity, order, and count stay stable across refreshes.
func (c *Controller) refreshLoop(ctx context.Context) {
	defer close(c.refreshDone)
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.refreshStop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		listed := c.lister.List(ctx, sources.AllTypes())
		if len(listed) == 0 {
			// Transient platform hiccup; keep the existing grid.
			continue
		}
		fresh := make(map[string][]byte, len(listed))
		for _, s := range listed {
			fresh[s.ID] = s.Thumbnail
		}

		type patch struct {
			id    string
			thumb []byte
		}
		c.mu.Lock()
		if c.state != StateAwaitingSelection {
			c.mu.Unlock()
			return
		}
		var patches []patch
		for _, id := range c.order {
			thumb, ok := fresh[id]
			if !ok || len(thumb) == 0 {
				continue
			}
			entry := c.entries[id]
			entry.Thumbnail = thumb
			c.entries[id] = entry
			patches = append(patches, patch{id: id, thumb: thumb})
		}
		c.mu.Unlock()

		for _, p := range patches {
			if err := c.surface.UpdateThumbnail(p.id, p.thumb); err != nil {
				logger.Debug("thumbnail patch failed", logger.Err(err))
			}
		}
	}
}

// teardown stops the refresh task and releases thumbnail memory. Runs on
// every resolution path: selection, cancellation, and external removal.
func (c *Controller) teardown() {
	close(c.refreshStop)
	<-c.refreshDone

	c.mu.Lock()
	c.entries = make(map[string]sources.CaptureSource)
	c.order = nil
	c.mu.Unlock()

	c.surface.Close()
}

func (c *Controller) finishState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
