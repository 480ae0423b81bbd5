package sidecarproto

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// DecodeBase64PCM decodes the fallback event encoding: standard base64
// wrapping little-endian float32 samples.
func DecodeBase64PCM(s string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 pcm: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("pcm byte length %d is not a multiple of 4", len(raw))
	}
	pcm := make([]float32, len(raw)/4)
	for i := range pcm {
		pcm[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return pcm, nil
}

// EncodeBase64PCM is the inverse of DecodeBase64PCM.
func EncodeBase64PCM(pcm []float32) string {
	raw := make([]byte, len(pcm)*4)
	for i, v := range pcm {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(raw)
}
