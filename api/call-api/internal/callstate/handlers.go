// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_callstate

import (
	"context"

	internal_calllog "github.com/rapidaai/peercall/api/call-api/internal/calllog"
	internal_type "github.com/rapidaai/peercall/api/call-api/internal/type"
)

// ============================================================================
// Signaling events
// ============================================================================

// OnSignal queues an inbound signaling event. Events that do not fit the
// current call are dropped.
func (m *Machine) OnSignal(_ context.Context, envelope internal_type.Envelope) {
	if !m.post(func() { m.dispatch(envelope) }) {
		m.logger.Debugf("machine closed, dropping %s", envelope.Event)
	}
}

func (m *Machine) dispatch(envelope internal_type.Envelope) {
	switch envelope.Event {
	case internal_type.EventIncomingCall:
		m.onIncomingCall(envelope)
	case internal_type.EventCallAccepted:
		m.onCallAccepted(envelope)
	case internal_type.EventCallRejected:
		m.onRemoteTermination(envelope.Event, internal_type.EndReasonRemoteRejected)
	case internal_type.EventUserBusy:
		m.onRemoteTermination(envelope.Event, internal_type.EndReasonRemoteBusy)
	case internal_type.EventCallEnded:
		m.onRemoteTermination(envelope.Event, internal_type.EndReasonRemoteEnded)
	case internal_type.EventOffer:
		m.onOffer(envelope)
	case internal_type.EventAnswer:
		m.onAnswer(envelope)
	case internal_type.EventIceCandidate:
		m.onIceCandidate(envelope)
	case internal_type.EventCallLogCreated:
		m.onCallLogCreated(envelope)
	default:
		m.logger.Debugf("ignoring signaling event %s", envelope.Event)
	}
}

func (m *Machine) onIncomingCall(envelope internal_type.Envelope) {
	var payload internal_type.IncomingCallPayload
	if err := envelope.Decode(&payload); err != nil {
		m.logger.Warnw("malformed incomingCall", "error", err)
		return
	}
	if payload.CallerID == 0 {
		m.logger.Warnw("incomingCall without caller, ignoring")
		return
	}

	if m.session.State != internal_type.StateIdle {
		if payload.CallerID == m.session.PeerID {
			m.logger.Debugf("duplicate incomingCall from %d", payload.CallerID)
			return
		}
		m.logger.Infow("busy, rejecting incoming call", "caller", payload.CallerID, "current", m.session.PeerID)
		if err := m.signaler.Emit(m.ctx, internal_type.EventRejectCall, internal_type.RejectCallPayload{
			CallerID: payload.CallerID,
			Reason:   internal_type.RejectReasonBusy,
		}); err != nil {
			m.logger.Warnw("failed to send busy rejectCall", "caller", payload.CallerID, "error", err)
		}
		return
	}

	m.begin(payload.CallerID, "", internal_type.DirectionInbound, string(payload.CallLogID))
	m.transition(internal_type.StateRinging, "")

	// The receiver side is prepared before any offer can arrive.
	if err := m.negotiator.PrepareReceiver(m.ctx, payload.CallerID); err != nil {
		m.logger.Errorw("failed to prepare receiver", "caller", payload.CallerID, "error", err)
		if err := m.signaler.Emit(m.ctx, internal_type.EventRejectCall, internal_type.RejectCallPayload{
			CallerID: payload.CallerID,
		}); err != nil {
			m.logger.Warnw("failed to send rejectCall", "caller", payload.CallerID, "error", err)
		}
		m.teardown(internal_type.EndReasonNegotiation, false)
	}
}

func (m *Machine) onCallAccepted(envelope internal_type.Envelope) {
	if m.session.State != internal_type.StateCalling {
		m.logger.Debugf("ignoring callAccepted in %s", m.session.State)
		return
	}
	var payload internal_type.CallAcceptedPayload
	if err := envelope.Decode(&payload); err != nil {
		m.logger.Warnw("malformed callAccepted", "error", err)
		return
	}
	if payload.ReceiverID != 0 && payload.ReceiverID != m.session.PeerID {
		m.logger.Warnw("callAccepted from unexpected receiver", "receiver", payload.ReceiverID, "peer", m.session.PeerID)
		return
	}
	if payload.CallLogID != "" {
		m.session.RecordingID = string(payload.CallLogID)
		sessionID, recordingID := m.session.SessionID, m.session.RecordingID
		m.writeCallLog("set recording id", func(ctx context.Context, store internal_calllog.Store) error {
			return store.SetRecordingID(ctx, sessionID, recordingID)
		})
	}
	m.transition(internal_type.StateConnecting, "")

	// Only the side that receives callAccepted offers.
	if err := m.negotiator.StartCall(m.ctx, m.session.PeerID); err != nil {
		m.logger.Errorw("failed to start negotiation", "peer", m.session.PeerID, "error", err)
		m.teardown(internal_type.EndReasonNegotiation, true)
		return
	}
	m.maybeStartRecording()
}

func (m *Machine) onRemoteTermination(event string, reason internal_type.EndReason) {
	switch m.session.State {
	case internal_type.StateIdle:
		m.logger.Debugf("ignoring %s while idle", event)
		return
	case internal_type.StateRinging:
		if event != internal_type.EventCallEnded {
			m.logger.Debugf("ignoring %s while ringing", event)
			return
		}
	}
	m.teardown(reason, false)
}

func (m *Machine) onOffer(envelope internal_type.Envelope) {
	if m.session.State == internal_type.StateIdle || m.session.PeerID == 0 {
		m.logger.Debugf("ignoring offer without a caller")
		return
	}
	var offer internal_type.SessionDescription
	if err := envelope.Decode(&offer); err != nil {
		m.logger.Warnw("malformed offer", "error", err)
		return
	}

	switch m.session.State {
	case internal_type.StateRinging:
		m.logger.Debugf("parking offer until the call is accepted")
		m.parkedOffer = &offer
	case internal_type.StateConnecting, internal_type.StateConnected:
		if m.session.Direction != internal_type.DirectionInbound {
			m.logger.Warnw("ignoring offer on outbound call", "peer", m.session.PeerID)
			return
		}
		m.applyOffer(offer)
	default:
		m.logger.Debugf("ignoring offer in %s", m.session.State)
	}
}

func (m *Machine) applyOffer(offer internal_type.SessionDescription) {
	if err := m.negotiator.HandleOffer(m.ctx, offer, m.session.PeerID); err != nil {
		m.logger.Errorw("failed to answer offer", "peer", m.session.PeerID, "error", err)
		m.teardown(internal_type.EndReasonNegotiation, true)
		return
	}
	m.maybeStartRecording()
}

func (m *Machine) onAnswer(envelope internal_type.Envelope) {
	state := m.session.State
	if (state != internal_type.StateConnecting && state != internal_type.StateConnected) ||
		m.session.Direction != internal_type.DirectionOutbound {
		m.logger.Debugf("ignoring answer in %s", state)
		return
	}
	var answer internal_type.SessionDescription
	if err := envelope.Decode(&answer); err != nil {
		m.logger.Warnw("malformed answer", "error", err)
		return
	}
	if err := m.negotiator.HandleAnswer(m.ctx, answer); err != nil {
		m.logger.Errorw("failed to apply answer", "peer", m.session.PeerID, "error", err)
		m.teardown(internal_type.EndReasonNegotiation, true)
		return
	}
	m.maybeStartRecording()
}

func (m *Machine) onIceCandidate(envelope internal_type.Envelope) {
	if m.session.State == internal_type.StateIdle {
		m.logger.Debugf("ignoring ICE candidate while idle")
		return
	}
	var candidate internal_type.ICECandidate
	if err := envelope.Decode(&candidate); err != nil {
		m.logger.Warnw("malformed ICE candidate", "error", err)
		return
	}
	if err := m.negotiator.HandleICECandidate(m.ctx, candidate); err != nil {
		m.logger.Warnw("failed to handle ICE candidate", "error", err)
	}
}

func (m *Machine) onCallLogCreated(envelope internal_type.Envelope) {
	if m.session.State == internal_type.StateIdle {
		m.logger.Debugf("ignoring callLogCreated while idle")
		return
	}
	var payload internal_type.CallLogCreatedPayload
	if err := envelope.Decode(&payload); err != nil {
		m.logger.Warnw("malformed callLogCreated", "error", err)
		return
	}
	if payload.CallLogID == "" {
		return
	}
	m.assignRecordingID(string(payload.CallLogID))
}

// ============================================================================
// Negotiator callbacks
// ============================================================================

// OnRemoteStream moves a connecting call to connected on first inbound media.
func (m *Machine) OnRemoteStream(peer internal_type.UserID) {
	m.post(func() {
		if peer != m.session.PeerID {
			return
		}
		switch m.session.State {
		case internal_type.StateConnecting:
			m.session.ConnectedAt = m.now()
			sessionID, at := m.session.SessionID, m.session.ConnectedAt
			m.transition(internal_type.StateConnected, "")
			m.writeCallLog("mark connected", func(ctx context.Context, store internal_calllog.Store) error {
				return store.MarkConnected(ctx, sessionID, at)
			})
		case internal_type.StateConnected:
		default:
			return
		}
		m.maybeStartRecording()
	})
}

// OnTransportFailed ends the call when ICE gives up.
func (m *Machine) OnTransportFailed(peer internal_type.UserID) {
	m.post(func() {
		if peer != m.session.PeerID || m.session.State == internal_type.StateIdle {
			return
		}
		m.teardown(internal_type.EndReasonTransportFailed, true)
	})
}

// OnEnded reacts to the transport closing outside of a teardown. A closed
// transport for an earlier call to the same peer is told apart by the new
// call still holding its own transport.
func (m *Machine) OnEnded(peer internal_type.UserID) {
	m.post(func() {
		if peer != m.session.PeerID || m.tearingDown {
			return
		}
		switch m.session.State {
		case internal_type.StateConnecting, internal_type.StateConnected:
		default:
			return
		}
		if m.negotiator.HasTransport() {
			return
		}
		m.teardown(internal_type.EndReasonTransportClosed, true)
	})
}
