// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_negotiator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pionwebrtc "github.com/pion/webrtc/v4"

	negotiator_internal "github.com/rapidaai/peercall/api/call-api/internal/negotiator/internal"
	internal_type "github.com/rapidaai/peercall/api/call-api/internal/type"
	"github.com/rapidaai/peercall/pkg/commons"
	"github.com/rapidaai/peercall/pkg/utils"
)

// ============================================================================
// negotiator - one PeerConnection per call, signalled over the Signaler
// ============================================================================

// negotiator owns the single peer connection of the current call. All entry
// points are called from the call state machine; pion callbacks arrive on
// their own goroutines and only touch fields under mu.
type negotiator struct {
	mu sync.Mutex

	logger   commons.Logger
	config   *negotiator_internal.Config
	signaler internal_type.Signaler
	capturer MediaCapturer
	api      *pionwebrtc.API

	settingEngine *pionwebrtc.SettingEngine

	observer internal_type.NegotiationObserver
	sink     internal_type.AudioSink

	// per call
	peer                 internal_type.UserID
	pc                   *pionwebrtc.PeerConnection
	localMedia           LocalMedia
	remoteTrack          *pionwebrtc.TrackRemote
	remoteDescriptionSet bool
	pending              *negotiator_internal.CandidateQueue

	mediaCtx    context.Context
	mediaCancel context.CancelFunc
	mediaWg     sync.WaitGroup
}

// Config is the ICE configuration of every peer connection.
type Config = negotiator_internal.Config

// ICEServer is one STUN or TURN server.
type ICEServer = negotiator_internal.ICEServer

// DefaultConfig uses public STUN servers and allows every candidate type.
func DefaultConfig() *Config {
	return negotiator_internal.DefaultConfig()
}

// Option customises the negotiator.
type Option func(*negotiator)

// WithConfig overrides the ICE configuration.
func WithConfig(config *Config) Option {
	return func(n *negotiator) { n.config = config }
}

// WithCapturer sets the local audio source.
func WithCapturer(capturer MediaCapturer) Option {
	return func(n *negotiator) { n.capturer = capturer }
}

// WithSettingEngine applies low level pion settings (network types, loopback
// candidates, mDNS).
func WithSettingEngine(se pionwebrtc.SettingEngine) Option {
	return func(n *negotiator) { n.settingEngine = &se }
}

// NewNegotiator builds the pion API once. Peer connections are created per call.
func NewNegotiator(logger commons.Logger, signaler internal_type.Signaler, opts ...Option) (internal_type.Negotiator, error) {
	n := &negotiator{
		logger:   logger,
		config:   negotiator_internal.DefaultConfig(),
		signaler: signaler,
		capturer: NewNoCapture(),
		pending:  negotiator_internal.NewCandidateQueue(negotiator_internal.MaxPendingCandidates),
	}
	for _, opt := range opts {
		opt(n)
	}

	api, err := n.buildAPI()
	if err != nil {
		return nil, err
	}
	n.api = api
	return n, nil
}

func (n *negotiator) buildAPI() (*pionwebrtc.API, error) {
	mediaEngine := &pionwebrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(pionwebrtc.RTPCodecParameters{
		RTPCodecCapability: negotiator_internal.OpusCapability(),
		PayloadType:        negotiator_internal.OpusPayloadType,
	}, pionwebrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register Opus codec: %w", err)
	}

	// Interceptors (default includes NACK for audio packet recovery)
	registry := &interceptor.Registry{}
	if err := pionwebrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	options := []func(*pionwebrtc.API){
		pionwebrtc.WithMediaEngine(mediaEngine),
		pionwebrtc.WithInterceptorRegistry(registry),
	}
	if n.settingEngine != nil {
		options = append(options, pionwebrtc.WithSettingEngine(*n.settingEngine))
	}
	return pionwebrtc.NewAPI(options...), nil
}

// Observe registers the receiver of transport events.
func (n *negotiator) Observe(observer internal_type.NegotiationObserver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observer = observer
}

// AttachAudioSink routes local and remote Opus payloads to sink. nil detaches.
func (n *negotiator) AttachAudioSink(sink internal_type.AudioSink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sink = sink
}

func (n *negotiator) HasTransport() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pc != nil
}

func (n *negotiator) HasRemoteStream() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remoteTrack != nil
}

// ============================================================================
// Negotiation
// ============================================================================

// PrepareReceiver creates the transport ahead of the offer so that local
// capture is ready when the user accepts.
func (n *negotiator) PrepareReceiver(ctx context.Context, peer internal_type.UserID) error {
	_, err := n.ensureTransport(ctx, peer)
	return err
}

// StartCall creates an offer for peer and emits it.
func (n *negotiator) StartCall(ctx context.Context, peer internal_type.UserID) error {
	start := time.Now()
	pc, err := n.ensureTransport(ctx, peer)
	if err != nil {
		return err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	if err := n.signaler.Emit(ctx, internal_type.EventOffer, internal_type.OfferPayload{
		TargetUserID: peer,
		Offer:        toWireDescription(offer),
	}); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}
	n.logger.Benchmark("Negotiator.StartCall", time.Since(start))
	return nil
}

// HandleOffer applies a remote offer, flushes early candidates and answers.
func (n *negotiator) HandleOffer(ctx context.Context, offer internal_type.SessionDescription, peer internal_type.UserID) error {
	start := time.Now()
	pc, err := n.ensureTransport(ctx, peer)
	if err != nil {
		return err
	}

	if err := pc.SetRemoteDescription(fromWireDescription(offer, pionwebrtc.SDPTypeOffer)); err != nil {
		return fmt.Errorf("failed to set remote offer: %w", err)
	}
	n.flushCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	if err := n.signaler.Emit(ctx, internal_type.EventAnswer, internal_type.AnswerPayload{
		TargetUserID: peer,
		Answer:       toWireDescription(answer),
	}); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}
	n.logger.Benchmark("Negotiator.HandleOffer", time.Since(start))
	return nil
}

// HandleAnswer applies the remote answer. Without a transport, or when no
// offer is outstanding, the answer is ignored.
func (n *negotiator) HandleAnswer(ctx context.Context, answer internal_type.SessionDescription) error {
	n.mu.Lock()
	pc := n.pc
	n.mu.Unlock()
	if pc == nil {
		n.logger.Debugf("ignoring answer, no transport")
		return nil
	}
	if pc.SignalingState() != pionwebrtc.SignalingStateHaveLocalOffer {
		n.logger.Debugf("ignoring answer in signaling state %s", pc.SignalingState())
		return nil
	}

	if err := pc.SetRemoteDescription(fromWireDescription(answer, pionwebrtc.SDPTypeAnswer)); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	n.flushCandidates(pc)
	return nil
}

// HandleICECandidate adds a remote candidate, or queues it until the remote
// description is applied. Failures to add are logged, never fatal.
func (n *negotiator) HandleICECandidate(ctx context.Context, candidate internal_type.ICECandidate) error {
	init := pionwebrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	}

	n.mu.Lock()
	pc := n.pc
	if pc == nil || !n.remoteDescriptionSet {
		n.pending.Push(init)
		n.mu.Unlock()
		n.logger.Debugf("queued early ICE candidate")
		return nil
	}
	n.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		n.logger.Warnw("failed to add ICE candidate", "error", err)
	}
	return nil
}

// EndCall closes the transport and local capture and notifies the observer.
// Calling it without a transport is a no-op.
func (n *negotiator) EndCall() {
	n.mu.Lock()
	pc := n.pc
	localMedia := n.localMedia
	cancel := n.mediaCancel
	peer := n.peer
	observer := n.observer

	n.pc = nil
	n.localMedia = nil
	n.remoteTrack = nil
	n.remoteDescriptionSet = false
	n.pending.Drain()
	n.peer = 0
	n.mediaCtx = nil
	n.mediaCancel = nil
	n.mu.Unlock()

	if pc == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	if err := pc.Close(); err != nil {
		n.logger.Warnw("failed to close peer connection", "error", err)
	}
	if localMedia != nil {
		if err := localMedia.Close(); err != nil {
			n.logger.Warnw("failed to release capture device", "error", err)
		}
	}
	n.mediaWg.Wait()
	n.logger.Infow("peer connection closed", "peer", peer)

	if observer != nil {
		utils.Go(context.Background(), func() { observer.OnEnded(peer) })
	}
}

// ============================================================================
// Peer Connection Setup
// ============================================================================

// ensureTransport returns the transport for peer, creating it on first use.
// A transport for a different peer never survives into another call.
func (n *negotiator) ensureTransport(ctx context.Context, peer internal_type.UserID) (*pionwebrtc.PeerConnection, error) {
	n.mu.Lock()
	if n.pc != nil && n.peer == peer {
		pc := n.pc
		n.mu.Unlock()
		return pc, nil
	}
	stale := n.pc != nil
	n.mu.Unlock()
	if stale {
		n.EndCall()
	}
	return n.createPeerConnection(ctx, peer)
}

func (n *negotiator) createPeerConnection(ctx context.Context, peer internal_type.UserID) (*pionwebrtc.PeerConnection, error) {
	pc, err := n.api.NewPeerConnection(n.config.Configuration())
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	mediaCtx, mediaCancel := context.WithCancel(context.Background())
	n.setupPeerEventHandlers(pc, peer)

	localMedia, err := n.capturer.Capture(ctx)
	switch {
	case err == nil:
		if _, err := pc.AddTrack(localMedia.Track()); err != nil {
			mediaCancel()
			_ = localMedia.Close()
			_ = pc.Close()
			return nil, fmt.Errorf("failed to add track: %w", err)
		}
	case errors.Is(err, ErrNoCaptureDevice):
		n.logger.Warnw("no capture device, continuing receive-only", "peer", peer, "error", err)
		localMedia = nil
		if _, err := pc.AddTransceiverFromKind(pionwebrtc.RTPCodecTypeAudio, pionwebrtc.RTPTransceiverInit{
			Direction: pionwebrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			mediaCancel()
			_ = pc.Close()
			return nil, fmt.Errorf("failed to add receive-only transceiver: %w", err)
		}
	default:
		mediaCancel()
		_ = pc.Close()
		return nil, fmt.Errorf("failed to acquire local audio: %w", err)
	}

	n.mu.Lock()
	n.pc = pc
	n.peer = peer
	n.localMedia = localMedia
	n.remoteTrack = nil
	n.remoteDescriptionSet = false
	n.mediaCtx = mediaCtx
	n.mediaCancel = mediaCancel
	if localMedia != nil {
		n.mediaWg.Add(1)
	}
	n.mu.Unlock()

	if localMedia != nil {
		utils.Go(mediaCtx, func() {
			defer n.mediaWg.Done()
			if err := localMedia.Run(mediaCtx, n.forwardLocal); err != nil {
				n.logger.Warnw("local capture stopped", "error", err)
			}
		})
	}
	n.logger.Infow("peer connection created", "peer", peer, "capture", localMedia != nil)
	return pc, nil
}

func (n *negotiator) setupPeerEventHandlers(pc *pionwebrtc.PeerConnection, peer internal_type.UserID) {
	pc.OnICECandidate(func(c *pionwebrtc.ICECandidate) {
		if c == nil || !n.isCurrent(pc) {
			return
		}
		cJSON := c.ToJSON()
		if err := n.signaler.Emit(context.Background(), internal_type.EventIceCandidate, internal_type.IceCandidatePayload{
			TargetUserID: peer,
			Candidate: internal_type.ICECandidate{
				Candidate:        cJSON.Candidate,
				SDPMid:           cJSON.SDPMid,
				SDPMLineIndex:    cJSON.SDPMLineIndex,
				UsernameFragment: cJSON.UsernameFragment,
			},
		}); err != nil {
			n.logger.Warnw("failed to send ICE candidate", "error", err)
		}
	})

	pc.OnConnectionStateChange(func(state pionwebrtc.PeerConnectionState) {
		n.logger.Infow("WebRTC connection state changed", "state", state, "peer", peer)
		if !n.isCurrent(pc) {
			return
		}
		switch state {
		case pionwebrtc.PeerConnectionStateFailed:
			n.mu.Lock()
			observer := n.observer
			n.mu.Unlock()
			if observer != nil {
				observer.OnTransportFailed(peer)
			}
		case pionwebrtc.PeerConnectionStateDisconnected:
			n.logger.Warnw("WebRTC peer disconnected, waiting for ICE to recover", "peer", peer)
		}
	})

	pc.OnTrack(func(track *pionwebrtc.TrackRemote, _ *pionwebrtc.RTPReceiver) {
		if track.Kind() != pionwebrtc.RTPCodecTypeAudio {
			return
		}
		n.mu.Lock()
		if n.pc != pc {
			n.mu.Unlock()
			return
		}
		n.remoteTrack = track
		observer := n.observer
		mediaCtx := n.mediaCtx
		// Add before launching so EndCall's Wait cannot race the reader.
		n.mediaWg.Add(1)
		n.mu.Unlock()

		n.logger.Infow("Remote audio track received", "codec", track.Codec().MimeType, "peer", peer)
		go n.readRemoteAudio(mediaCtx, track)
		if observer != nil {
			observer.OnRemoteStream(peer)
		}
	})
}

func (n *negotiator) isCurrent(pc *pionwebrtc.PeerConnection) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pc == pc
}

func (n *negotiator) flushCandidates(pc *pionwebrtc.PeerConnection) {
	n.mu.Lock()
	if n.pc != pc {
		n.mu.Unlock()
		return
	}
	n.remoteDescriptionSet = true
	queued := n.pending.Drain()
	n.mu.Unlock()

	for _, c := range queued {
		if err := pc.AddICECandidate(c); err != nil {
			n.logger.Warnw("failed to add queued ICE candidate", "error", err)
		}
	}
	if len(queued) > 0 {
		n.logger.Debugf("flushed %d queued ICE candidates", len(queued))
	}
}

// ============================================================================
// Media
// ============================================================================

func (n *negotiator) forwardLocal(payload []byte) {
	n.mu.Lock()
	sink := n.sink
	n.mu.Unlock()
	if sink != nil {
		sink.WriteLocal(payload)
	}
}

// readRemoteAudio reads RTP from the remote track and hands Opus payloads to
// the attached sink until the track ends.
func (n *negotiator) readRemoteAudio(ctx context.Context, track *pionwebrtc.TrackRemote) {
	defer n.mediaWg.Done()
	if ctx == nil {
		return
	}

	buf := make([]byte, negotiator_internal.RTPBufferSize)
	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		read, _, err := track.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			consecutiveErrors++
			if consecutiveErrors >= negotiator_internal.MaxConsecutiveErrors {
				n.logger.Errorw("Too many consecutive read errors, stopping audio reader", "lastError", err)
				return
			}
			continue
		}
		consecutiveErrors = 0

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:read]); err != nil {
			n.logger.Debugw("Failed to unmarshal RTP packet", "error", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		n.mu.Lock()
		sink := n.sink
		n.mu.Unlock()
		if sink != nil {
			sink.WriteRemote(pkt.Payload)
		}
	}
}

// ============================================================================
// Wire conversion
// ============================================================================

func toWireDescription(sd pionwebrtc.SessionDescription) internal_type.SessionDescription {
	return internal_type.SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}
}

func fromWireDescription(sd internal_type.SessionDescription, fallback pionwebrtc.SDPType) pionwebrtc.SessionDescription {
	sdpType := pionwebrtc.NewSDPType(sd.Type)
	if sdpType == pionwebrtc.SDPTypeUnknown {
		sdpType = fallback
	}
	return pionwebrtc.SessionDescription{Type: sdpType, SDP: sd.SDP}
}
