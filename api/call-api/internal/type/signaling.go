// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_type

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// =============================================================================
// Event names
// =============================================================================

// Outbound (client to server).
const (
	EventCallUser     = "callUser"
	EventAcceptCall   = "acceptCall"
	EventRejectCall   = "rejectCall"
	EventEndCall      = "endCall"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventIceCandidate = "iceCandidate"
)

// Inbound (server to client). offer, answer and iceCandidate share names with
// their outbound counterparts but carry the bare description or candidate.
const (
	EventIncomingCall   = "incomingCall"
	EventCallAccepted   = "callAccepted"
	EventCallRejected   = "callRejected"
	EventCallEnded      = "callEnded"
	EventUserBusy       = "userBusy"
	EventCallLogCreated = "callLogCreated"
)

// RejectReasonBusy is sent when an invite arrives during another call.
const RejectReasonBusy = "busy"

// Envelope frames every signaling message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the envelope payload into v. An empty payload leaves v untouched.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 || bytes.Equal(e.Data, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Event, err)
	}
	return nil
}

// NewEnvelope marshals payload under the given event name.
func NewEnvelope(event string, payload interface{}) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// =============================================================================
// Negotiation values
// =============================================================================

// SessionDescription is an SDP offer or answer as exchanged with the server.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// RecordingID accepts both string and numeric call log identifiers.
type RecordingID string

func (r *RecordingID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = RecordingID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("callLogId must be a string or number: %w", err)
	}
	*r = RecordingID(n.String())
	return nil
}

// =============================================================================
// Outbound payloads
// =============================================================================

type CallUserPayload struct {
	TargetUserID UserID `json:"targetUserId"`
	RoomID       string `json:"roomId,omitempty"`
}

type AcceptCallPayload struct {
	CallerID UserID `json:"callerId"`
}

type RejectCallPayload struct {
	CallerID UserID `json:"callerId"`
	Reason   string `json:"reason,omitempty"`
}

type OfferPayload struct {
	TargetUserID UserID             `json:"targetUserId"`
	Offer        SessionDescription `json:"offer"`
}

type AnswerPayload struct {
	TargetUserID UserID             `json:"targetUserId"`
	Answer       SessionDescription `json:"answer"`
}

type IceCandidatePayload struct {
	TargetUserID UserID       `json:"targetUserId"`
	Candidate    ICECandidate `json:"candidate"`
}

// =============================================================================
// Inbound payloads
// =============================================================================

type IncomingCallPayload struct {
	CallerID  UserID      `json:"callerId"`
	CallLogID RecordingID `json:"callLogId,omitempty"`
}

type CallAcceptedPayload struct {
	ReceiverID UserID      `json:"receiverId"`
	CallLogID  RecordingID `json:"callLogId,omitempty"`
}

type CallLogCreatedPayload struct {
	CallLogID RecordingID `json:"callLogId"`
}

// UserIDFromString parses a decimal user id.
func UserIDFromString(s string) (UserID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q: %w", s, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("invalid user id %q: must be positive", s)
	}
	return UserID(v), nil
}
