// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package negotiator_internal

import (
	"time"

	pionwebrtc "github.com/pion/webrtc/v4"
)

// Opus audio constants (WebRTC standard: 48kHz)
const (
	OpusSampleRate    = 48000
	OpusFrameDuration = 20 * time.Millisecond
	OpusFrameSamples  = 960 // 20ms at 48kHz, mono
	OpusChannels      = 2   // opus/48000/2 is always signalled per RFC 7587
	OpusPayloadType   = 111
	OpusSDPFmtpLine   = "minptime=10;useinbandfec=1;stereo=0;sprop-stereo=0"
)

const (
	RTPBufferSize        = 1500 // MTU
	MaxConsecutiveErrors = 50   // read errors before the remote reader gives up
	MaxPendingCandidates = 32   // early candidates kept per call, oldest dropped
)

// Config holds WebRTC configuration.
type Config struct {
	ICEServers         []ICEServer
	ICETransportPolicy string // "all" or "relay"
}

// ICEServer represents a STUN/TURN server.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// DefaultConfig returns the public Google STUN servers with no relay restriction.
func DefaultConfig() *Config {
	return &Config{
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
		},
		ICETransportPolicy: "all",
	}
}

// Configuration converts to the pion peer connection configuration.
func (c *Config) Configuration() pionwebrtc.Configuration {
	iceServers := make([]pionwebrtc.ICEServer, 0, len(c.ICEServers))
	for _, srv := range c.ICEServers {
		if len(srv.URLs) == 0 {
			continue
		}
		iceServers = append(iceServers, pionwebrtc.ICEServer{
			URLs:       srv.URLs,
			Username:   srv.Username,
			Credential: srv.Credential,
		})
	}
	pcConfig := pionwebrtc.Configuration{ICEServers: iceServers}
	if c.ICETransportPolicy == "relay" {
		pcConfig.ICETransportPolicy = pionwebrtc.ICETransportPolicyRelay
	}
	return pcConfig
}

// OpusCapability is the codec capability of every local track.
func OpusCapability() pionwebrtc.RTPCodecCapability {
	return pionwebrtc.RTPCodecCapability{
		MimeType:    pionwebrtc.MimeTypeOpus,
		ClockRate:   OpusSampleRate,
		Channels:    OpusChannels,
		SDPFmtpLine: OpusSDPFmtpLine,
	}
}

// CandidateQueue keeps ICE candidates that arrive before the remote
// description. It is not safe for concurrent use.
type CandidateQueue struct {
	items   []pionwebrtc.ICECandidateInit
	limit   int
	dropped int
}

func NewCandidateQueue(limit int) *CandidateQueue {
	return &CandidateQueue{limit: limit}
}

// Push appends c, dropping the oldest entry when full.
func (q *CandidateQueue) Push(c pionwebrtc.ICECandidateInit) {
	if q.limit > 0 && len(q.items) >= q.limit {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, c)
}

// Drain returns all queued candidates in arrival order and empties the queue.
func (q *CandidateQueue) Drain() []pionwebrtc.ICECandidateInit {
	out := q.items
	q.items = nil
	return out
}

func (q *CandidateQueue) Len() int     { return len(q.items) }
func (q *CandidateQueue) Dropped() int { return q.dropped }
