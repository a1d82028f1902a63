// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_type

import (
	"context"
	"time"
)

// UserID identifies an authenticated user on the signaling server.
type UserID uint64

// State is the lifecycle state of the single active call of a client.
type State int

const (
	StateIdle State = iota
	StateCalling
	StateRinging
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// Direction tells whether the local user placed or received the call.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// EndReason records why a session returned to idle.
type EndReason string

const (
	EndReasonLocalHangup     EndReason = "local_hangup"
	EndReasonLocalDeclined   EndReason = "local_declined"
	EndReasonRemoteEnded     EndReason = "remote_ended"
	EndReasonRemoteRejected  EndReason = "remote_rejected"
	EndReasonRemoteBusy      EndReason = "remote_busy"
	EndReasonSignalingFailed EndReason = "signaling_failed"
	EndReasonNegotiation     EndReason = "negotiation_failed"
	EndReasonTransportFailed EndReason = "transport_failed"
	EndReasonTransportClosed EndReason = "transport_closed"
	EndReasonShutdown        EndReason = "shutdown"
)

// Session is a copy of the call context. The zero value is an idle session.
type Session struct {
	SessionID       string    `json:"sessionId,omitempty"`
	State           State     `json:"-"`
	StateName       string    `json:"state"`
	PeerID          UserID    `json:"peerId,omitempty"`
	RoomID          string    `json:"roomId,omitempty"`
	Direction       Direction `json:"direction,omitempty"`
	RecordingID     string    `json:"recordingId,omitempty"`
	RecordingActive bool      `json:"recordingActive"`
	RecordingPaused bool      `json:"recordingPaused"`
	ConnectedAt     time.Time `json:"connectedAt,omitempty"`
	StartedAt       time.Time `json:"startedAt,omitempty"`
}

// IsIdle reports whether there is no call.
func (s Session) IsIdle() bool {
	return s.State == StateIdle
}

// StateChange is published to UI subscribers on every transition.
type StateChange struct {
	Previous State     `json:"-"`
	Session  Session   `json:"session"`
	Reason   EndReason `json:"reason,omitempty"`
	Time     time.Time `json:"time"`
}

// Signaler emits call-control and negotiation events on the signaling channel.
type Signaler interface {
	Emit(ctx context.Context, event string, payload interface{}) error
}

// SignalHandler receives inbound signaling envelopes.
type SignalHandler interface {
	OnSignal(ctx context.Context, envelope Envelope)
}

// TokenSource resolves a bearer token. Implementations must not cache across
// calls unless the underlying store does.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// AudioSink consumes Opus payloads from both sides of a call.
type AudioSink interface {
	WriteLocal(payload []byte)
	WriteRemote(payload []byte)
}

// NegotiationObserver is notified by the negotiator about transport events.
// Calls arrive on background goroutines.
type NegotiationObserver interface {
	OnRemoteStream(peer UserID)
	OnTransportFailed(peer UserID)
	OnEnded(peer UserID)
}

// Negotiator owns the peer connection of the current call.
type Negotiator interface {
	PrepareReceiver(ctx context.Context, peer UserID) error
	StartCall(ctx context.Context, peer UserID) error
	HandleOffer(ctx context.Context, offer SessionDescription, peer UserID) error
	HandleAnswer(ctx context.Context, answer SessionDescription) error
	HandleICECandidate(ctx context.Context, candidate ICECandidate) error
	EndCall()

	HasTransport() bool
	HasRemoteStream() bool

	Observe(observer NegotiationObserver)
	AttachAudioSink(sink AudioSink)
}

// RecordingConditions are the preconditions for starting a recorder.
type RecordingConditions struct {
	HasTransport    bool
	HasRemoteStream bool
	RecordingID     string
}

// Ready reports whether all three preconditions hold.
func (c RecordingConditions) Ready() bool {
	return c.HasTransport && c.HasRemoteStream && c.RecordingID != ""
}

// RecordingSummary is returned once a pipeline has drained.
type RecordingSummary struct {
	Started     bool
	RecordingID string
	StreamID    string
	Chunks      int
	Uploaded    int
	Dropped     int
	Finalized   bool
}

// RecordingPipeline records one call session.
type RecordingPipeline interface {
	AudioSink
	MaybeStart(ctx context.Context, conditions RecordingConditions) bool
	Toggle() (paused bool, err error)
	Stop(ctx context.Context) RecordingSummary
}

// ToneKind selects the audible indicator.
type ToneKind int

const (
	ToneRingtone ToneKind = iota
	ToneRingback
)

func (k ToneKind) String() string {
	if k == ToneRingback {
		return "ringback"
	}
	return "ringtone"
}

// Indicator plays ringtone/ringback while a call is ringing or calling.
type Indicator interface {
	Start(kind ToneKind)
	Stop()
}
