// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_type "github.com/rapidaai/peercall/api/call-api/internal/type"
	"github.com/rapidaai/peercall/pkg/commons"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) Token(context.Context) (string, error) {
	return s.token, s.err
}

type recordingHandler struct {
	mu       sync.Mutex
	received []internal_type.Envelope
	notify   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{notify: make(chan struct{}, 16)}
}

func (h *recordingHandler) OnSignal(_ context.Context, env internal_type.Envelope) {
	h.mu.Lock()
	h.received = append(h.received, env)
	h.mu.Unlock()
	h.notify <- struct{}{}
}

func (h *recordingHandler) wait(t *testing.T) internal_type.Envelope {
	t.Helper()
	select {
	case <-h.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.received[len(h.received)-1]
}

// signalingServer upgrades one connection, forwards everything it reads to
// inbound and writes whatever arrives on outbound.
type signalingServer struct {
	*httptest.Server
	header   chan http.Header
	inbound  chan []byte
	outbound chan []byte
	closeNow chan struct{}
}

func newSignalingServer(t *testing.T) *signalingServer {
	t.Helper()
	s := &signalingServer{
		header:   make(chan http.Header, 1),
		inbound:  make(chan []byte, 16),
		outbound: make(chan []byte, 16),
		closeNow: make(chan struct{}),
	}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.header <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				s.inbound <- msg
			}
		}()
		for {
			select {
			case msg := <-s.outbound:
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-s.closeNow:
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
				return
			case <-readerDone:
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *signalingServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func newTestClient(t *testing.T, url string, token string) *Client {
	t.Helper()
	logger, err := commons.NewApplicationLogger(commons.Name("signaling-test"), commons.Path(t.TempDir()))
	require.NoError(t, err)
	cfg := DefaultConfig(url)
	cfg.HandshakeTimeout = 5 * time.Second
	return NewClient(logger, cfg, staticTokens{token: token})
}

func TestConnect_SendsBearerToken(t *testing.T) {
	server := newSignalingServer(t)
	client := newTestClient(t, server.wsURL(), "good-token")

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	select {
	case h := <-server.header:
		assert.Equal(t, "Bearer good-token", h.Get("Authorization"))
		assert.NotEmpty(t, h.Get("x-connection-id"))
		assert.Equal(t, "call-agent", h.Get("x-client-source"))
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the handshake")
	}
	assert.True(t, client.Connected())
}

func TestConnect_RejectedToken(t *testing.T) {
	server := newSignalingServer(t)
	client := newTestClient(t, server.wsURL(), "bad-token")

	err := client.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, client.Connected())
}

func TestConnect_TokenSourceFailure(t *testing.T) {
	logger, err := commons.NewApplicationLogger(commons.Path(t.TempDir()))
	require.NoError(t, err)
	client := NewClient(logger, DefaultConfig("ws://127.0.0.1:1"), staticTokens{err: errors.New("no token")})

	err = client.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token")
}

func TestEmit_WritesEnvelope(t *testing.T) {
	server := newSignalingServer(t)
	client := newTestClient(t, server.wsURL(), "good-token")
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	require.NoError(t, client.Emit(context.Background(), internal_type.EventCallUser,
		internal_type.CallUserPayload{TargetUserID: 9, RoomID: "r1"}))

	select {
	case msg := <-server.inbound:
		assert.JSONEq(t, `{"event":"callUser","data":{"targetUserId":9,"roomId":"r1"}}`, string(msg))
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the event")
	}
}

func TestEmit_NotConnected(t *testing.T) {
	client := newTestClient(t, "ws://127.0.0.1:1", "good-token")
	err := client.Emit(context.Background(), internal_type.EventEndCall, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestListen_DispatchesToHandler(t *testing.T) {
	server := newSignalingServer(t)
	client := newTestClient(t, server.wsURL(), "good-token")
	handler := newRecordingHandler()
	client.Subscribe(handler)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	server.outbound <- []byte(`not json`)
	server.outbound <- []byte(`{"data":{}}`)
	server.outbound <- []byte(`{"event":"incomingCall","data":{"callerId":5,"callLogId":77}}`)

	env := handler.wait(t)
	assert.Equal(t, internal_type.EventIncomingCall, env.Event)

	var payload internal_type.IncomingCallPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, internal_type.UserID(5), payload.CallerID)
	assert.Equal(t, internal_type.RecordingID("77"), payload.CallLogID)

	handler.mu.Lock()
	assert.Len(t, handler.received, 1)
	handler.mu.Unlock()
}

func TestServerClose_MakesEmitFail(t *testing.T) {
	server := newSignalingServer(t)
	client := newTestClient(t, server.wsURL(), "good-token")
	require.NoError(t, client.Connect(context.Background()))
	done := client.Done()
	require.NotNil(t, done)

	close(server.closeNow)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not stop after server close")
	}

	assert.False(t, client.Connected())
	assert.ErrorIs(t, client.Emit(context.Background(), internal_type.EventEndCall, nil), ErrNotConnected)
	assert.NoError(t, client.Close())
}

func TestClose_Idempotent(t *testing.T) {
	server := newSignalingServer(t)
	client := newTestClient(t, server.wsURL(), "good-token")
	require.NoError(t, client.Connect(context.Background()))

	require.NoError(t, client.Close())
	assert.NoError(t, client.Close())
	assert.False(t, client.Connected())
}

func TestConnect_Twice(t *testing.T) {
	server := newSignalingServer(t)
	client := newTestClient(t, server.wsURL(), "good-token")
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))
	select {
	case <-server.header:
	case <-time.After(5 * time.Second):
		t.Fatal("no handshake")
	}
	select {
	case <-server.header:
		t.Fatal("second Connect must not dial again")
	case <-time.After(100 * time.Millisecond):
	}
}
