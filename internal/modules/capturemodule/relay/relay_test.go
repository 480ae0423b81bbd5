package relay

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeReturnsPendingExactlyOnce(t *testing.T) {
	r := NewRegistry(nil)
	r.SetPending("sess-1", Selection{SourceID: "window:10:1", ShareAudioRequested: true})

	sel, ok := r.Consume("sess-1")
	require.True(t, ok)
	assert.Equal(t, "window:10:1", sel.SourceID)
	assert.True(t, sel.ShareAudioRequested)

	_, ok = r.Consume("sess-1")
	assert.False(t, ok)
}

func TestConsumeWithoutPendingSelection(t *testing.T) {
	r := NewRegistry(nil)
	_, ok := r.Consume("sess-1")
	assert.False(t, ok)
}

func TestLastWriteWins(t *testing.T) {
	r := NewRegistry(nil)
	r.SetPending("sess-1", Selection{SourceID: "window:10:1"})
	r.SetPending("sess-1", Selection{SourceID: "screen:0:1", IsScreenSource: true})

	sel, ok := r.Consume("sess-1")
	require.True(t, ok)
	assert.Equal(t, "screen:0:1", sel.SourceID)
	assert.True(t, sel.IsScreenSource)
}

func TestSessionsAreIsolated(t *testing.T) {
	r := NewRegistry(nil)
	r.SetPending("sess-1", Selection{SourceID: "window:10:1"})
	r.SetPending("sess-2", Selection{SourceID: "screen:0:1"})

	sel, ok := r.Consume("sess-1")
	require.True(t, ok)
	assert.Equal(t, "window:10:1", sel.SourceID)
	assert.True(t, r.Pending("sess-2"))
}

func TestClearDropsPending(t *testing.T) {
	r := NewRegistry(nil)
	r.SetPending("sess-1", Selection{SourceID: "window:10:1"})
	r.Clear("sess-1")
	assert.False(t, r.Pending("sess-1"))
}

func TestConcurrentConsumeYieldsOneWinner(t *testing.T) {
	r := NewRegistry(nil)
	r.SetPending("sess-1", Selection{SourceID: "window:10:1"})

	const consumers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, consumers)
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.Consume("sess-1"); ok {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}
