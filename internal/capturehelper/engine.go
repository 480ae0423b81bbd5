// Package capturehelper implements the sweetshark-capture helper: the
// stdio RPC loop, the loopback binary egress listener, and the pluggable
// capture engine behind both.
package capturehelper

import (
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/sweetshark/sweetshark/pkg/sidecarproto"
)

// EngineFromEnv selects the capture engine. SWEETSHARK_CAPTURE_ENGINE set
// to "synthetic" enables the tone generator; anything else gets the
// platform default, which on this build is unsupported.
func EngineFromEnv() Engine {
	if os.Getenv("SWEETSHARK_CAPTURE_ENGINE") == "synthetic" {
		return NewSyntheticEngine()
	}
	return unsupportedEngine{}
}

// CaptureTarget describes what one session captures. Exactly one mode:
// include captures a single process tree, exclude captures everything but
// one.
type CaptureTarget struct {
	Mode     string // "include" or "exclude"
	PID      uint32
	TargetID string
}

// Engine is the platform capture backend. Implementations deliver
// interleaved float32 PCM in fixed buffers of FrameSize samples per
// channel at TargetSampleRate.
type Engine interface {
	Name() string
	// Supported reports whether per-application capture works on this
	// platform and build.
	Supported() bool
	ListTargets() ([]sidecarproto.AudioTarget, error)
	// ResolvePID maps a window-backed source id to its owning pid, nil if
	// unknown.
	ResolvePID(sourceID string) (*uint32, error)
	// Start begins capturing; emit is called from the engine's own
	// goroutine with each PCM buffer, and ended once with the end reason
	// when capture stops for any cause other than the returned stop
	// function. Start returns a stop function that is idempotent.
	Start(target CaptureTarget, emit func(pcm []float32), ended func(reason string)) (stop func(), err error)
}

// unsupportedEngine is the default on platforms without a capture
// backend. The helper still answers every RPC; capabilities report
// unsupported and starts fail cleanly.
type unsupportedEngine struct{}

func (unsupportedEngine) Name() string    { return "unsupported" }
func (unsupportedEngine) Supported() bool { return false }

func (unsupportedEngine) ListTargets() ([]sidecarproto.AudioTarget, error) {
	return nil, nil
}

func (unsupportedEngine) ResolvePID(string) (*uint32, error) {
	return nil, nil
}

func (unsupportedEngine) Start(CaptureTarget, func([]float32), func(string)) (func(), error) {
	return nil, fmt.Errorf("audio capture is not supported on this platform")
}

// syntheticEngine produces a sine tone in real time. It exists for
// end-to-end testing of the protocol, framing, and playback path without
// platform audio.
type syntheticEngine struct {
	frequency float64
}

// NewSyntheticEngine returns an engine that captures a generated tone.
func NewSyntheticEngine() Engine {
	return &syntheticEngine{frequency: 440}
}

func (e *syntheticEngine) Name() string    { return "synthetic" }
func (e *syntheticEngine) Supported() bool { return true }

func (e *syntheticEngine) ListTargets() ([]sidecarproto.AudioTarget, error) {
	return []sidecarproto.AudioTarget{
		{ID: "pid:4242", Label: "Synthetic Tone", PID: 4242, ProcessName: "synthetic"},
	}, nil
}

func (e *syntheticEngine) ResolvePID(sourceID string) (*uint32, error) {
	if sidecarproto.IsWindowSourceID(sourceID) {
		pid := uint32(4242)
		return &pid, nil
	}
	return nil, nil
}

func (e *syntheticEngine) Start(target CaptureTarget, emit func([]float32), ended func(string)) (func(), error) {
	stopCh := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(stopCh) }) }

	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		phase := 0.0
		step := 2 * math.Pi * e.frequency / float64(sidecarproto.TargetSampleRate)
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				pcm := make([]float32, sidecarproto.FrameSize*sidecarproto.TargetChannels)
				for i := range pcm {
					pcm[i] = float32(0.1 * math.Sin(phase))
					phase += step
				}
				emit(pcm)
			}
		}
	}()
	return stop, nil
}
