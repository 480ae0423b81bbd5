package sidecarproto

import (
	"encoding/binary"
	"fmt"
	"math"
)

// AudioFrame is one decoded capture chunk from the binary egress stream.
// Sequence is monotonically increasing per session; gaps indicate drops and
// must be tolerated by consumers, never treated as fatal.
type AudioFrame struct {
	SessionID         string
	TargetID          string
	Sequence          uint64
	SampleRate        uint32
	Channels          uint16
	FrameCount        uint32
	ProtocolVersion   uint32
	DroppedFrameCount uint32
	PCM               []float32 // interleaved samples
}

// Duration of the frame in seconds, derived from FrameCount and SampleRate.
func (f *AudioFrame) Duration() float64 {
	if f.SampleRate == 0 {
		return 0
	}
	return float64(f.FrameCount) / float64(f.SampleRate)
}

// fixed header bytes inside the payload, everything except the two id
// strings and the pcm body:
// sequence(8) + sample_rate(4) + channels(2) + frame_count(4) +
// protocol_version(4) + dropped_frame_count(4) + pcm_byte_len(4)
const frameFixedPayloadBytes = 8 + 4 + 2 + 4 + 4 + 4 + 4

// EncodeFrame serializes a frame in the length-prefixed little-endian
// layout of the binary egress channel. The producer side (the helper) uses
// this; the host only decodes.
func EncodeFrame(f *AudioFrame) ([]byte, error) {
	sid := []byte(f.SessionID)
	tid := []byte(f.TargetID)
	if len(sid) == 0 || len(sid) > math.MaxUint16 {
		return nil, fmt.Errorf("invalid session id length %d", len(sid))
	}
	if len(tid) == 0 || len(tid) > math.MaxUint16 {
		return nil, fmt.Errorf("invalid target id length %d", len(tid))
	}
	if f.SampleRate == 0 || f.Channels == 0 || f.FrameCount == 0 {
		return nil, fmt.Errorf("invalid frame parameters: rate=%d channels=%d count=%d",
			f.SampleRate, f.Channels, f.FrameCount)
	}
	pcmBytes := 4 * len(f.PCM)
	payloadLen := 2 + len(sid) + 2 + len(tid) + frameFixedPayloadBytes + pcmBytes
	if payloadLen > MaxBinaryFrameBytes {
		return nil, fmt.Errorf("frame payload %d exceeds limit %d", payloadLen, MaxBinaryFrameBytes)
	}

	buf := make([]byte, 0, 4+payloadLen)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(payloadLen))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(sid)))
	buf = append(buf, sid...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(tid)))
	buf = append(buf, tid...)
	buf = binary.LittleEndian.AppendUint64(buf, f.Sequence)
	buf = binary.LittleEndian.AppendUint32(buf, f.SampleRate)
	buf = binary.LittleEndian.AppendUint16(buf, f.Channels)
	buf = binary.LittleEndian.AppendUint32(buf, f.FrameCount)
	buf = binary.LittleEndian.AppendUint32(buf, f.ProtocolVersion)
	buf = binary.LittleEndian.AppendUint32(buf, f.DroppedFrameCount)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(pcmBytes))
	for _, s := range f.PCM {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(s))
	}
	return buf, nil
}

// FrameDecoder incrementally parses the binary egress stream. Bytes are fed
// in whatever chunks the socket delivers; Next returns complete frames once
// enough bytes are buffered. Decoding is chunk-boundary independent: the
// same byte stream yields the same frames regardless of how it was split.
//
// A structurally invalid frame is skipped: its bytes are consumed using
// the outer length prefix and scanning resumes at the next frame, so one
// corrupt chunk never tears down the connection.
type FrameDecoder struct {
	buf []byte
}

// NewFrameDecoder returns a decoder with an empty receive buffer.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{}
}

// Feed appends raw bytes from the socket to the receive buffer.
func (d *FrameDecoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports how many bytes are waiting to be parsed.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}

// Reset discards all buffered bytes. Call after a reconnect: the stream
// restarts at a frame boundary, so partial bytes from the dead connection
// must not be prepended to it.
func (d *FrameDecoder) Reset() {
	d.buf = nil
}

// Next returns the next complete frame, or (nil, nil) when more bytes are
// needed. A non-nil error reports a skipped malformed frame; the decoder
// remains usable and the caller should keep calling Next.
func (d *FrameDecoder) Next() (*AudioFrame, error) {
	for {
		if len(d.buf) < 4 {
			return nil, nil
		}
		payloadLen := int(binary.LittleEndian.Uint32(d.buf[:4]))
		if payloadLen > MaxBinaryFrameBytes {
			// Length prefix is garbage; resynchronization is impossible,
			// so drop the buffer and let the connection layer restart.
			d.buf = nil
			return nil, fmt.Errorf("frame length %d exceeds limit %d, discarding buffer", payloadLen, MaxBinaryFrameBytes)
		}
		if len(d.buf) < 4+payloadLen {
			return nil, nil
		}
		payload := d.buf[4 : 4+payloadLen]
		// Slice the consumed bytes out of the buffer before parsing so a
		// malformed payload still advances the stream.
		d.buf = d.buf[4+payloadLen:]

		frame, err := parseFramePayload(payload)
		if err != nil {
			return nil, fmt.Errorf("skipping malformed frame: %w", err)
		}
		return frame, nil
	}
}

func parseFramePayload(p []byte) (*AudioFrame, error) {
	sid, p, err := readLenPrefixedString(p)
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	tid, p, err := readLenPrefixedString(p)
	if err != nil {
		return nil, fmt.Errorf("target id: %w", err)
	}
	if len(p) < frameFixedPayloadBytes {
		return nil, fmt.Errorf("truncated header: %d bytes left, need %d", len(p), frameFixedPayloadBytes)
	}

	f := &AudioFrame{SessionID: sid, TargetID: tid}
	f.Sequence = binary.LittleEndian.Uint64(p[0:8])
	f.SampleRate = binary.LittleEndian.Uint32(p[8:12])
	f.Channels = binary.LittleEndian.Uint16(p[12:14])
	f.FrameCount = binary.LittleEndian.Uint32(p[14:18])
	f.ProtocolVersion = binary.LittleEndian.Uint32(p[18:22])
	f.DroppedFrameCount = binary.LittleEndian.Uint32(p[22:26])
	pcmByteLen := int(binary.LittleEndian.Uint32(p[26:30]))
	p = p[30:]

	if pcmByteLen%4 != 0 {
		return nil, fmt.Errorf("pcm byte length %d is not a multiple of 4", pcmByteLen)
	}
	if len(p) != pcmByteLen {
		return nil, fmt.Errorf("pcm length mismatch: header says %d, payload has %d", pcmByteLen, len(p))
	}
	if f.SampleRate == 0 || f.Channels == 0 {
		return nil, fmt.Errorf("invalid format: rate=%d channels=%d", f.SampleRate, f.Channels)
	}

	f.PCM = make([]float32, pcmByteLen/4)
	for i := range f.PCM {
		f.PCM[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[i*4 : i*4+4]))
	}
	return f, nil
}

func readLenPrefixedString(p []byte) (string, []byte, error) {
	if len(p) < 2 {
		return "", nil, fmt.Errorf("truncated length prefix")
	}
	n := int(binary.LittleEndian.Uint16(p[:2]))
	p = p[2:]
	if n == 0 {
		return "", nil, fmt.Errorf("empty string")
	}
	if len(p) < n {
		return "", nil, fmt.Errorf("truncated string: need %d bytes, have %d", n, len(p))
	}
	return string(p[:n]), p[n:], nil
}
