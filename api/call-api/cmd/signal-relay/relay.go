// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	internal_type "github.com/rapidaai/peercall/api/call-api/internal/type"
	"github.com/rapidaai/peercall/pkg/commons"
	"github.com/rapidaai/peercall/pkg/utils"
)

const writeWait = 10 * time.Second

var errPeerOffline = errors.New("peer is not connected")

// Relay is an in-memory signaling server for local testing. Users are known by
// their bearer token: a decimal user id or a JWT whose subject is one.
type Relay struct {
	logger   commons.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[internal_type.UserID]*relayClient
	// pairs holds both directions of every call in progress
	pairs   map[internal_type.UserID]internal_type.UserID
	callLog map[internal_type.UserID]string
}

type relayClient struct {
	user    internal_type.UserID
	connID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewRelay(logger commons.Logger) *Relay {
	return &Relay{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[internal_type.UserID]*relayClient),
		pairs:   make(map[internal_type.UserID]internal_type.UserID),
		callLog: make(map[internal_type.UserID]string),
	}
}

func (r *Relay) Routes(engine *gin.Engine) {
	engine.GET("/ws", r.Connect)
	engine.GET("/online", r.Online)
}

// Online lists connected users.
func (r *Relay) Online(c *gin.Context) {
	r.mu.Lock()
	users := make([]internal_type.UserID, 0, len(r.clients))
	for user := range r.clients {
		users = append(users, user)
	}
	r.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"success": true, "data": users})
}

func (r *Relay) Connect(c *gin.Context) {
	user, err := UserFromToken(strings.TrimPrefix(c.GetHeader(utils.HEADER_AUTH_KEY), utils.BEARER_PREFIX))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &relayClient{user: user, conn: conn, connID: c.GetHeader(utils.HEADER_CONNECTION_ID)}
	if client.connID == "" {
		client.connID = uuid.NewString()
	}
	r.register(client)
	defer r.unregister(client)

	for {
		var envelope internal_type.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Debugf("relay read error user=%d conn=%s err=%v", client.user, client.connID, err)
			}
			return
		}
		if err := r.route(client.user, envelope); err != nil {
			r.logger.Warnw("relay could not route event", "user", client.user, "event", envelope.Event, "error", err)
		}
	}
}

func (r *Relay) register(client *relayClient) {
	r.mu.Lock()
	previous := r.clients[client.user]
	r.clients[client.user] = client
	r.mu.Unlock()
	if previous != nil {
		previous.conn.Close()
	}
	r.logger.Infow("relay user connected", "user", client.user, "conn", client.connID)
}

// unregister ends any call of the user as if they had hung up.
func (r *Relay) unregister(client *relayClient) {
	client.conn.Close()
	r.mu.Lock()
	if current, ok := r.clients[client.user]; !ok || current != client {
		r.mu.Unlock()
		return
	}
	delete(r.clients, client.user)
	r.mu.Unlock()

	if peer, ok := r.unpair(client.user); ok {
		_ = r.send(peer, internal_type.EventCallEnded, nil)
	}
	r.logger.Infow("relay user disconnected", "user", client.user)
}

func (r *Relay) route(from internal_type.UserID, envelope internal_type.Envelope) error {
	switch envelope.Event {
	case internal_type.EventCallUser:
		var payload internal_type.CallUserPayload
		if err := envelope.Decode(&payload); err != nil {
			return err
		}
		return r.callUser(from, payload)

	case internal_type.EventAcceptCall:
		var payload internal_type.AcceptCallPayload
		if err := envelope.Decode(&payload); err != nil {
			return err
		}
		if !r.paired(from, payload.CallerID) {
			return nil
		}
		return r.send(payload.CallerID, internal_type.EventCallAccepted, internal_type.CallAcceptedPayload{
			ReceiverID: from,
			CallLogID:  internal_type.RecordingID(r.callLogOf(from)),
		})

	case internal_type.EventRejectCall:
		var payload internal_type.RejectCallPayload
		if err := envelope.Decode(&payload); err != nil {
			return err
		}
		if payload.Reason == internal_type.RejectReasonBusy {
			return r.send(payload.CallerID, internal_type.EventUserBusy, nil)
		}
		if !r.paired(from, payload.CallerID) {
			return nil
		}
		r.unpair(from)
		return r.send(payload.CallerID, internal_type.EventCallRejected, nil)

	case internal_type.EventEndCall:
		if peer, ok := r.unpair(from); ok {
			return r.send(peer, internal_type.EventCallEnded, nil)
		}
		return nil

	case internal_type.EventOffer:
		var payload internal_type.OfferPayload
		if err := envelope.Decode(&payload); err != nil {
			return err
		}
		return r.forward(from, payload.TargetUserID, envelope.Event, payload.Offer)

	case internal_type.EventAnswer:
		var payload internal_type.AnswerPayload
		if err := envelope.Decode(&payload); err != nil {
			return err
		}
		return r.forward(from, payload.TargetUserID, envelope.Event, payload.Answer)

	case internal_type.EventIceCandidate:
		var payload internal_type.IceCandidatePayload
		if err := envelope.Decode(&payload); err != nil {
			return err
		}
		return r.forward(from, payload.TargetUserID, envelope.Event, payload.Candidate)
	}
	r.logger.Debugf("relay ignoring %s from %d", envelope.Event, from)
	return nil
}

func (r *Relay) callUser(from internal_type.UserID, payload internal_type.CallUserPayload) error {
	target := payload.TargetUserID
	r.mu.Lock()
	_, online := r.clients[target]
	_, targetBusy := r.pairs[target]
	_, callerBusy := r.pairs[from]
	if !online || targetBusy || callerBusy || target == from {
		r.mu.Unlock()
		if !online {
			return r.send(from, internal_type.EventCallRejected, nil)
		}
		return r.send(from, internal_type.EventUserBusy, nil)
	}
	callLogID := uuid.NewString()
	r.pairs[from], r.pairs[target] = target, from
	r.callLog[from], r.callLog[target] = callLogID, callLogID
	r.mu.Unlock()

	r.logger.Infow("relay call", "caller", from, "receiver", target, "room", payload.RoomID, "call_log", callLogID)
	if err := r.send(target, internal_type.EventIncomingCall, internal_type.IncomingCallPayload{
		CallerID:  from,
		CallLogID: internal_type.RecordingID(callLogID),
	}); err != nil {
		r.unpair(from)
		return r.send(from, internal_type.EventCallRejected, nil)
	}
	return r.send(from, internal_type.EventCallLogCreated, internal_type.CallLogCreatedPayload{
		CallLogID: internal_type.RecordingID(callLogID),
	})
}

// forward passes negotiation payloads only between the two sides of a call.
func (r *Relay) forward(from, to internal_type.UserID, event string, payload interface{}) error {
	if !r.paired(from, to) {
		r.logger.Debugf("relay dropping %s from %d to %d outside a call", event, from, to)
		return nil
	}
	return r.send(to, event, payload)
}

func (r *Relay) paired(a, b internal_type.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.pairs[a]
	return ok && peer == b
}

func (r *Relay) callLogOf(user internal_type.UserID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callLog[user]
}

func (r *Relay) unpair(user internal_type.UserID) (internal_type.UserID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.pairs[user]
	if !ok {
		return 0, false
	}
	delete(r.pairs, user)
	delete(r.pairs, peer)
	delete(r.callLog, user)
	delete(r.callLog, peer)
	return peer, true
}

func (r *Relay) send(to internal_type.UserID, event string, payload interface{}) error {
	r.mu.Lock()
	client, ok := r.clients[to]
	r.mu.Unlock()
	if !ok {
		return errPeerOffline
	}
	envelope, err := internal_type.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	client.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return client.conn.WriteMessage(websocket.TextMessage, data)
}

// UserFromToken reads the user id from a decimal token or a JWT subject. The
// signature is not checked.
func UserFromToken(token string) (internal_type.UserID, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, errors.New("missing bearer token")
	}
	if _, err := strconv.ParseUint(token, 10, 64); err == nil {
		return internal_type.UserIDFromString(token)
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0, errors.New("token is neither a user id nor a JWT")
	}
	return internal_type.UserIDFromString(claims.Subject)
}
