// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_callstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	internal_calllog "github.com/rapidaai/peercall/api/call-api/internal/calllog"
	internal_type "github.com/rapidaai/peercall/api/call-api/internal/type"
	"github.com/rapidaai/peercall/pkg/commons"
	"github.com/rapidaai/peercall/pkg/utils"
)

var (
	// ErrInvalidState is returned by local actions that the current call state
	// does not allow.
	ErrInvalidState = errors.New("action not allowed in current call state")

	// ErrClosed is returned once the machine has shut down.
	ErrClosed = errors.New("call machine closed")

	// ErrNoRecording is returned by ToggleRecording when the call has no
	// running recorder.
	ErrNoRecording = errors.New("call is not being recorded")
)

const (
	mailboxSize      = 64
	subscriberBuffer = 16
	callLogTimeout   = 5 * time.Second
)

// allowedTransitions lists every legal state change. Idle is reachable from
// every state; nothing else goes backwards.
var allowedTransitions = map[internal_type.State]map[internal_type.State]struct{}{
	internal_type.StateIdle: {
		internal_type.StateCalling: {},
		internal_type.StateRinging: {},
	},
	internal_type.StateCalling: {
		internal_type.StateConnecting: {},
		internal_type.StateIdle:       {},
	},
	internal_type.StateRinging: {
		internal_type.StateConnecting: {},
		internal_type.StateIdle:       {},
	},
	internal_type.StateConnecting: {
		internal_type.StateConnected: {},
		internal_type.StateIdle:      {},
	},
	internal_type.StateConnected: {
		internal_type.StateIdle: {},
	},
}

// PipelineFactory creates the recording pipeline of one call session.
type PipelineFactory func(sessionID string) internal_type.RecordingPipeline

// Option customises a Machine.
type Option func(*Machine)

// WithIndicator sets the ringtone/ringback player.
func WithIndicator(indicator internal_type.Indicator) Option {
	return func(m *Machine) { m.indicator = indicator }
}

// WithPipelineFactory enables recording. Without it calls are not recorded.
func WithPipelineFactory(factory PipelineFactory) Option {
	return func(m *Machine) { m.newPipeline = factory }
}

// WithCallLog writes every session to the call history.
func WithCallLog(store internal_calllog.Store) Option {
	return func(m *Machine) { m.calllog = store }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// ============================================================================
// Machine - the single authority over the current call
// ============================================================================

// Machine tracks the one call of this client. UI actions, signaling events and
// negotiator callbacks are all posted to a mailbox and run one at a time on
// the loop goroutine, so the fields below the mailbox need no locking.
type Machine struct {
	logger     commons.Logger
	signaler   internal_type.Signaler
	negotiator internal_type.Negotiator
	indicator  internal_type.Indicator
	calllog    internal_calllog.Store
	now        func() time.Time

	newPipeline PipelineFactory

	ctx       context.Context
	cancel    context.CancelFunc
	mailbox   chan func()
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	drains    sync.WaitGroup

	// owned by the loop goroutine
	session     internal_type.Session
	pipeline    internal_type.RecordingPipeline
	parkedOffer *internal_type.SessionDescription
	tearingDown bool

	snapshotMu sync.RWMutex
	snapshot   internal_type.Session

	subscribersMu sync.Mutex
	subscribers   map[int]chan internal_type.StateChange
	nextSub       int
}

var (
	_ internal_type.SignalHandler       = (*Machine)(nil)
	_ internal_type.NegotiationObserver = (*Machine)(nil)
)

// NewMachine starts the loop and registers itself as the negotiator observer.
func NewMachine(logger commons.Logger, signaler internal_type.Signaler, negotiator internal_type.Negotiator, opts ...Option) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		logger:      logger,
		signaler:    signaler,
		negotiator:  negotiator,
		indicator:   noopIndicator{},
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		mailbox:     make(chan func(), mailboxSize),
		closed:      make(chan struct{}),
		done:        make(chan struct{}),
		subscribers: make(map[int]chan internal_type.StateChange),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.snapshot = m.idleSession()
	negotiator.Observe(m)
	utils.Go(ctx, m.run)
	return m
}

func (m *Machine) run() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.mailbox:
			fn()
		case <-m.closed:
			return
		}
	}
}

// post queues fn on the loop. It reports false once the machine is closed.
func (m *Machine) post(fn func()) bool {
	select {
	case <-m.closed:
		return false
	default:
	}
	select {
	case m.mailbox <- fn:
		return true
	case <-m.closed:
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (m *Machine) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !m.post(func() { result <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	}
}

// ============================================================================
// Local actions
// ============================================================================

// CallUser places an outbound call. Only allowed while idle.
func (m *Machine) CallUser(ctx context.Context, peer internal_type.UserID, roomID string) error {
	return m.do(ctx, func() error {
		if m.session.State != internal_type.StateIdle {
			return fmt.Errorf("%w: cannot call from %s", ErrInvalidState, m.session.State)
		}
		if peer == 0 {
			return fmt.Errorf("invalid peer id %d", peer)
		}

		m.begin(peer, roomID, internal_type.DirectionOutbound, "")
		m.transition(internal_type.StateCalling, "")

		if err := m.signaler.Emit(m.ctx, internal_type.EventCallUser, internal_type.CallUserPayload{
			TargetUserID: peer,
			RoomID:       roomID,
		}); err != nil {
			m.teardown(internal_type.EndReasonSignalingFailed, false)
			return fmt.Errorf("failed to call user %d: %w", peer, err)
		}
		return nil
	})
}

// AcceptCall answers the ringing call and applies an offer that arrived while
// ringing.
func (m *Machine) AcceptCall(ctx context.Context) error {
	return m.do(ctx, func() error {
		if m.session.State != internal_type.StateRinging {
			return fmt.Errorf("%w: cannot accept from %s", ErrInvalidState, m.session.State)
		}
		caller := m.session.PeerID
		if err := m.signaler.Emit(m.ctx, internal_type.EventAcceptCall, internal_type.AcceptCallPayload{
			CallerID: caller,
		}); err != nil {
			m.teardown(internal_type.EndReasonSignalingFailed, false)
			return fmt.Errorf("failed to accept call from %d: %w", caller, err)
		}
		m.transition(internal_type.StateConnecting, "")

		if offer := m.parkedOffer; offer != nil {
			m.parkedOffer = nil
			m.applyOffer(*offer)
		}
		return nil
	})
}

// RejectCall declines the ringing call.
func (m *Machine) RejectCall(ctx context.Context) error {
	return m.do(ctx, func() error {
		if m.session.State != internal_type.StateRinging {
			return fmt.Errorf("%w: cannot reject from %s", ErrInvalidState, m.session.State)
		}
		m.reject()
		return nil
	})
}

// EndCall hangs up. It is a no-op while idle; while ringing it declines.
func (m *Machine) EndCall(ctx context.Context) error {
	return m.do(ctx, func() error {
		switch m.session.State {
		case internal_type.StateIdle:
			return nil
		case internal_type.StateRinging:
			m.reject()
		default:
			m.teardown(internal_type.EndReasonLocalHangup, true)
		}
		return nil
	})
}

// ToggleRecording pauses or resumes the recorder and reports whether it is
// now paused.
func (m *Machine) ToggleRecording(ctx context.Context) (bool, error) {
	var paused bool
	err := m.do(ctx, func() error {
		if m.pipeline == nil || m.session.State == internal_type.StateIdle {
			return ErrNoRecording
		}
		p, err := m.pipeline.Toggle()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNoRecording, err)
		}
		paused = p
		m.session.RecordingPaused = p
		m.publish(m.session.State, "")
		return nil
	})
	return paused, err
}

// SetRecordingID assigns the server recording id of the current call.
func (m *Machine) SetRecordingID(ctx context.Context, recordingID string) error {
	return m.do(ctx, func() error {
		if m.session.State == internal_type.StateIdle {
			return fmt.Errorf("%w: no call", ErrInvalidState)
		}
		if recordingID == "" {
			return errors.New("empty recording id")
		}
		m.assignRecordingID(recordingID)
		return nil
	})
}

// Session returns a copy of the current call.
func (m *Machine) Session() internal_type.Session {
	m.snapshotMu.RLock()
	defer m.snapshotMu.RUnlock()
	return m.snapshot
}

// Subscribe returns a stream of state changes and a function that ends the
// subscription. Slow subscribers lose changes rather than stall the loop.
func (m *Machine) Subscribe() (<-chan internal_type.StateChange, func()) {
	ch := make(chan internal_type.StateChange, subscriberBuffer)

	m.subscribersMu.Lock()
	select {
	case <-m.closed:
		m.subscribersMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = ch
	m.subscribersMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subscribersMu.Lock()
			defer m.subscribersMu.Unlock()
			if sub, ok := m.subscribers[id]; ok {
				delete(m.subscribers, id)
				close(sub)
			}
		})
	}
}

// Close ends any call, stops the loop and waits for recordings to drain or
// for ctx to expire.
func (m *Machine) Close(ctx context.Context) error {
	err := m.do(ctx, func() error {
		if m.session.State != internal_type.StateIdle {
			m.teardown(internal_type.EndReasonShutdown, true)
		}
		return nil
	})
	if errors.Is(err, ErrClosed) {
		err = nil
	}

	m.closeOnce.Do(func() { close(m.closed) })
	<-m.done

	drained := make(chan struct{})
	go func() {
		m.drains.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("recordings still draining: %w", ctx.Err())
		}
	}
	m.cancel()

	m.subscribersMu.Lock()
	for id, ch := range m.subscribers {
		delete(m.subscribers, id)
		close(ch)
	}
	m.subscribersMu.Unlock()
	return err
}

// ============================================================================
// Session lifecycle (loop goroutine only)
// ============================================================================

func (m *Machine) begin(peer internal_type.UserID, roomID string, direction internal_type.Direction, recordingID string) {
	m.session = internal_type.Session{
		SessionID:   uuid.NewString(),
		State:       internal_type.StateIdle,
		PeerID:      peer,
		RoomID:      roomID,
		Direction:   direction,
		RecordingID: recordingID,
		StartedAt:   m.now(),
	}
	m.parkedOffer = nil
	if m.newPipeline != nil {
		m.pipeline = m.newPipeline(m.session.SessionID)
		m.negotiator.AttachAudioSink(m.pipeline)
	}
	session := m.session
	m.writeCallLog("open", func(ctx context.Context, store internal_calllog.Store) error {
		return store.Open(ctx, session)
	})
}

// transition moves to a new state. An illegal change is logged and refused.
func (m *Machine) transition(to internal_type.State, reason internal_type.EndReason) bool {
	from := m.session.State
	if _, ok := allowedTransitions[from][to]; !ok {
		m.logger.Errorw("refusing call state transition", "from", from, "to", to, "session", m.session.SessionID)
		return false
	}
	m.session.State = to
	m.updateIndicator(to)
	m.publish(from, reason)
	return true
}

func (m *Machine) updateIndicator(state internal_type.State) {
	switch state {
	case internal_type.StateCalling:
		m.indicator.Start(internal_type.ToneRingback)
	case internal_type.StateRinging:
		m.indicator.Start(internal_type.ToneRingtone)
	default:
		m.indicator.Stop()
	}
}

// reject declines the ringing call and returns to idle.
func (m *Machine) reject() {
	caller := m.session.PeerID
	if err := m.signaler.Emit(m.ctx, internal_type.EventRejectCall, internal_type.RejectCallPayload{
		CallerID: caller,
	}); err != nil {
		m.logger.Warnw("failed to send rejectCall", "caller", caller, "error", err)
	}
	m.teardown(internal_type.EndReasonLocalDeclined, false)
}

// teardown releases the transport, hands the recording to a background drain
// and returns to idle. A second teardown for the same call is a no-op.
func (m *Machine) teardown(reason internal_type.EndReason, emitEnd bool) {
	if m.session.State == internal_type.StateIdle || m.tearingDown {
		return
	}
	m.tearingDown = true
	defer func() { m.tearingDown = false }()

	ended := m.session
	if emitEnd {
		if err := m.signaler.Emit(m.ctx, internal_type.EventEndCall, struct{}{}); err != nil {
			m.logger.Warnw("failed to send endCall", "peer", ended.PeerID, "error", err)
		}
	}

	m.indicator.Stop()
	m.negotiator.EndCall()
	m.negotiator.AttachAudioSink(nil)

	pipeline := m.pipeline
	m.pipeline = nil
	m.parkedOffer = nil

	m.session = m.idleSession()
	m.publish(ended.State, reason)
	m.logger.Infow("call ended", "session", ended.SessionID, "peer", ended.PeerID, "reason", reason)

	endedAt := m.now()
	m.writeCallLog("complete", func(ctx context.Context, store internal_calllog.Store) error {
		return store.Complete(ctx, ended.SessionID, reason, endedAt)
	})

	if pipeline != nil {
		m.drainRecording(ended.SessionID, pipeline)
	}
}

// drainRecording stops the pipeline off the loop so the call returns to idle
// while pending uploads settle and finalize runs.
func (m *Machine) drainRecording(sessionID string, pipeline internal_type.RecordingPipeline) {
	m.drains.Add(1)
	utils.Go(context.Background(), func() {
		defer m.drains.Done()
		start := time.Now()
		summary := pipeline.Stop(context.Background())
		m.logger.Benchmark("Machine.drainRecording", time.Since(start))
		if !summary.Started {
			return
		}
		if m.calllog == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), callLogTimeout)
		defer cancel()
		if err := m.calllog.UpdateRecording(ctx, sessionID, summary); err != nil {
			m.logger.Warnw("failed to store recording summary", "session", sessionID, "error", err)
		}
	})
}

func (m *Machine) assignRecordingID(recordingID string) {
	if m.session.RecordingID == recordingID {
		m.maybeStartRecording()
		return
	}
	m.session.RecordingID = recordingID
	sessionID := m.session.SessionID
	m.writeCallLog("set recording id", func(ctx context.Context, store internal_calllog.Store) error {
		return store.SetRecordingID(ctx, sessionID, recordingID)
	})
	m.publish(m.session.State, "")
	m.maybeStartRecording()
}

// maybeStartRecording starts the recorder once the transport, the remote
// stream and the recording id are all present, whichever arrives last.
func (m *Machine) maybeStartRecording() {
	if m.pipeline == nil || m.session.State == internal_type.StateIdle || m.session.RecordingActive {
		return
	}
	started := m.pipeline.MaybeStart(m.ctx, internal_type.RecordingConditions{
		HasTransport:    m.negotiator.HasTransport(),
		HasRemoteStream: m.negotiator.HasRemoteStream(),
		RecordingID:     m.session.RecordingID,
	})
	if started {
		m.session.RecordingActive = true
		m.publish(m.session.State, "")
	}
}

// publish refreshes the snapshot and fans the change out to subscribers.
func (m *Machine) publish(previous internal_type.State, reason internal_type.EndReason) {
	session := m.session
	session.StateName = session.State.String()

	m.snapshotMu.Lock()
	m.snapshot = session
	m.snapshotMu.Unlock()

	change := internal_type.StateChange{
		Previous: previous,
		Session:  session,
		Reason:   reason,
		Time:     m.now(),
	}
	if previous != session.State {
		m.logger.Infow("call state changed", "from", previous, "to", session.State, "session", session.SessionID, "reason", reason)
	}

	m.subscribersMu.Lock()
	defer m.subscribersMu.Unlock()
	for id, ch := range m.subscribers {
		select {
		case ch <- change:
		default:
			m.logger.Warnw("subscriber channel full, dropping state change", "subscriber", id)
		}
	}
}

func (m *Machine) writeCallLog(action string, fn func(ctx context.Context, store internal_calllog.Store) error) {
	if m.calllog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callLogTimeout)
	defer cancel()
	if err := fn(ctx, m.calllog); err != nil {
		m.logger.Warnw("call log write failed", "action", action, "error", err)
	}
}

func (m *Machine) idleSession() internal_type.Session {
	return internal_type.Session{
		State:     internal_type.StateIdle,
		StateName: internal_type.StateIdle.String(),
	}
}

type noopIndicator struct{}

func (noopIndicator) Start(internal_type.ToneKind) {}
func (noopIndicator) Stop()                        {}
