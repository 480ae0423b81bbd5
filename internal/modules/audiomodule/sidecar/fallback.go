package sidecar

import (
	"fmt"

	"github.com/sweetshark/sweetshark/pkg/sidecarproto"
)

// frameFromFallbackEvent converts a base64 fallback frame event into the
// same AudioFrame the binary egress path produces, so downstream routing
// and playback see one frame type regardless of transport.
func frameFromFallbackEvent(p *sidecarproto.FrameEventParams) (*sidecarproto.AudioFrame, error) {
	if p.Encoding != "" && p.Encoding != sidecarproto.PCMEncoding {
		return nil, fmt.Errorf("unknown pcm encoding %q", p.Encoding)
	}
	pcm, err := sidecarproto.DecodeBase64PCM(p.PCMBase64)
	if err != nil {
		return nil, err
	}
	return &sidecarproto.AudioFrame{
		SessionID:       p.SessionID,
		TargetID:        p.TargetID,
		Sequence:        p.Sequence,
		SampleRate:      uint32(p.SampleRate),
		Channels:        uint16(p.Channels),
		FrameCount:      uint32(p.FrameCount),
		ProtocolVersion: p.ProtocolVersion,
		PCM:             pcm,
	}, nil
}
