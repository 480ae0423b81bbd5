package sidecarproto

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame(seq uint64, samples int) *AudioFrame {
	pcm := make([]float32, samples)
	for i := range pcm {
		pcm[i] = float32(i%7) * 0.125
	}
	return &AudioFrame{
		SessionID:       "sess-1",
		TargetID:        "pid:4321",
		Sequence:        seq,
		SampleRate:      TargetSampleRate,
		Channels:        TargetChannels,
		FrameCount:      uint32(samples),
		ProtocolVersion: ProtocolVersion,
		PCM:             pcm,
	}
}

func drainFrames(t *testing.T, d *FrameDecoder) []*AudioFrame {
	t.Helper()
	var out []*AudioFrame
	for {
		f, err := d.Next()
		if err != nil {
			continue
		}
		if f == nil {
			return out
		}
		out = append(out, f)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	in := testFrame(42, FrameSize)
	in.DroppedFrameCount = 3

	data, err := EncodeFrame(in)
	require.NoError(t, err)

	d := NewFrameDecoder()
	d.Feed(data)
	out, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, in.SessionID, out.SessionID)
	assert.Equal(t, in.TargetID, out.TargetID)
	assert.Equal(t, uint64(42), out.Sequence)
	assert.Equal(t, uint32(TargetSampleRate), out.SampleRate)
	assert.Equal(t, uint16(TargetChannels), out.Channels)
	assert.Equal(t, uint32(FrameSize), out.FrameCount)
	assert.Equal(t, uint32(3), out.DroppedFrameCount)
	assert.Equal(t, in.PCM, out.PCM)
	assert.Equal(t, 0, d.Buffered())
}

// Decoding must be chunk-boundary independent: splitting the stream at any
// byte offset, including mid-field, yields the identical frame sequence.
func TestFrameDecodeAcrossArbitraryChunkBoundaries(t *testing.T) {
	var stream []byte
	for seq := uint64(0); seq < 5; seq++ {
		data, err := EncodeFrame(testFrame(seq, 96))
		require.NoError(t, err)
		stream = append(stream, data...)
	}

	whole := NewFrameDecoder()
	whole.Feed(stream)
	want := drainFrames(t, whole)
	require.Len(t, want, 5)

	for _, chunk := range []int{1, 3, 7, 64, 1023} {
		d := NewFrameDecoder()
		var got []*AudioFrame
		for off := 0; off < len(stream); off += chunk {
			end := off + chunk
			if end > len(stream) {
				end = len(stream)
			}
			d.Feed(stream[off:end])
			got = append(got, drainFrames(t, d)...)
		}
		require.Len(t, got, 5, "chunk size %d", chunk)
		for i := range want {
			assert.Equal(t, want[i].Sequence, got[i].Sequence, "chunk size %d", chunk)
			assert.Equal(t, want[i].PCM, got[i].PCM, "chunk size %d", chunk)
		}
	}
}

// A single malformed frame between two well-formed frames must not prevent
// decoding the frame that follows it.
func TestFrameDecodeSkipsMalformedFrame(t *testing.T) {
	first, err := EncodeFrame(testFrame(1, 32))
	require.NoError(t, err)
	third, err := EncodeFrame(testFrame(3, 32))
	require.NoError(t, err)

	// Well-formed outer length, garbage payload.
	bad := make([]byte, 4+10)
	binary.LittleEndian.PutUint32(bad[:4], 10)
	for i := 4; i < len(bad); i++ {
		bad[i] = 0xFF
	}

	d := NewFrameDecoder()
	d.Feed(first)
	d.Feed(bad)
	d.Feed(third)

	f1, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, f1)
	assert.Equal(t, uint64(1), f1.Sequence)

	_, err = d.Next()
	require.Error(t, err, "malformed frame should be reported")

	f3, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, f3)
	assert.Equal(t, uint64(3), f3.Sequence)
}

func TestFrameDecodeRejectsOversizedLength(t *testing.T) {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], MaxBinaryFrameBytes+1)

	d := NewFrameDecoder()
	d.Feed(hdr[:])
	f, err := d.Next()
	assert.Nil(t, f)
	assert.Error(t, err)
	assert.Equal(t, 0, d.Buffered(), "poisoned buffer should be discarded")
}

func TestFrameDecodeWaitsForFullFrame(t *testing.T) {
	data, err := EncodeFrame(testFrame(9, 16))
	require.NoError(t, err)

	d := NewFrameDecoder()
	d.Feed(data[:len(data)-1])
	f, err := d.Next()
	require.NoError(t, err)
	assert.Nil(t, f, "partial frame must not decode")

	d.Feed(data[len(data)-1:])
	f, err = d.Next()
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, uint64(9), f.Sequence)
}

func TestEncodeFrameValidation(t *testing.T) {
	f := testFrame(0, 8)
	f.SessionID = ""
	_, err := EncodeFrame(f)
	assert.Error(t, err)

	f = testFrame(0, 8)
	f.SampleRate = 0
	_, err = EncodeFrame(f)
	assert.Error(t, err)
}

func TestFrameDecoderResetDropsPartial(t *testing.T) {
	data, err := EncodeFrame(testFrame(5, 16))
	require.NoError(t, err)

	d := NewFrameDecoder()
	d.Feed(data[:7])
	d.Reset()
	require.Equal(t, 0, d.Buffered())

	// A fresh stream after reconnect decodes cleanly.
	d.Feed(data)
	f, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, uint64(5), f.Sequence)
}
