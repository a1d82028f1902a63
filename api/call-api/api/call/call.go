// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package call_api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	internal_calllog "github.com/rapidaai/peercall/api/call-api/internal/calllog"
	internal_callstate "github.com/rapidaai/peercall/api/call-api/internal/callstate"
	internal_type "github.com/rapidaai/peercall/api/call-api/internal/type"
	"github.com/rapidaai/peercall/pkg/commons"
	"github.com/rapidaai/peercall/pkg/utils"
)

const (
	actionTimeout = 15 * time.Second
	eventsWait    = 10 * time.Second
	eventsPing    = 30 * time.Second
)

// CallController is the part of the call state machine the UI drives.
type CallController interface {
	CallUser(ctx context.Context, peer internal_type.UserID, roomID string) error
	AcceptCall(ctx context.Context) error
	RejectCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	ToggleRecording(ctx context.Context) (bool, error)
	Session() internal_type.Session
	Subscribe() (<-chan internal_type.StateChange, func())
}

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type CallApi struct {
	logger     commons.Logger
	controller CallController
	history    internal_calllog.Store
}

func NewCallApi(logger commons.Logger, controller CallController, history internal_calllog.Store) *CallApi {
	return &CallApi{logger: logger, controller: controller, history: history}
}

// CallUser places a call.
//
// @Router /v1/call/:peerId [post]
// @Param peerId path uint64 true "User to call"
// @Param roomId query string false "Chat room the call belongs to"
func (cApi *CallApi) CallUser(c *gin.Context) {
	peer, err := internal_type.UserIDFromString(c.Param("peerId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	cApi.act(c, "CallUser", func(ctx context.Context) error {
		return cApi.controller.CallUser(ctx, peer, c.Query("roomId"))
	})
}

// @Router /v1/call/accept [post]
func (cApi *CallApi) AcceptCall(c *gin.Context) {
	cApi.act(c, "AcceptCall", cApi.controller.AcceptCall)
}

// @Router /v1/call/reject [post]
func (cApi *CallApi) RejectCall(c *gin.Context) {
	cApi.act(c, "RejectCall", cApi.controller.RejectCall)
}

// @Router /v1/call/end [post]
func (cApi *CallApi) EndCall(c *gin.Context) {
	cApi.act(c, "EndCall", cApi.controller.EndCall)
}

// ToggleRecording pauses or resumes the recording of the current call.
//
// @Router /v1/call/recording/toggle [post]
func (cApi *CallApi) ToggleRecording(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), actionTimeout)
	defer cancel()

	paused, err := cApi.controller.ToggleRecording(ctx)
	if err != nil {
		cApi.fail(c, "ToggleRecording", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "paused": paused, "data": cApi.controller.Session()})
}

// @Router /v1/call [get]
func (cApi *CallApi) GetCall(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": cApi.controller.Session()})
}

// GetHistory lists finished and ongoing calls, newest first.
//
// @Router /v1/call/history [get]
// @Param limit query int false "Page size"
func (cApi *CallApi) GetHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "limit must be a positive number"})
			return
		}
		limit = v
	}
	rows, err := cApi.history.List(c.Request.Context(), limit)
	if err != nil {
		cApi.logger.Errorf("failed to list call history: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "unable to read call history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": rows})
}

// Events streams every call state change over a WebSocket. The current
// session is sent first.
//
// @Router /v1/call/events [get]
// @Success 101 "Switching Protocols"
func (cApi *CallApi) Events(c *gin.Context) {
	conn, err := eventsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cApi.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	changes, unsubscribe := cApi.controller.Subscribe()
	defer unsubscribe()

	// reader only watches for the client going away
	gone := make(chan struct{})
	utils.Go(c.Request.Context(), func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	send := func(change internal_type.StateChange) error {
		conn.SetWriteDeadline(time.Now().Add(eventsWait))
		return conn.WriteJSON(change)
	}

	if err := send(internal_type.StateChange{Session: cApi.controller.Session(), Time: time.Now()}); err != nil {
		return
	}

	ping := time.NewTicker(eventsPing)
	defer ping.Stop()
	for {
		select {
		case change, ok := <-changes:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			}
			if err := send(change); err != nil {
				cApi.logger.Debugf("events client write failed: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func (cApi *CallApi) act(c *gin.Context, name string, fn func(ctx context.Context) error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(c.Request.Context(), actionTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		cApi.fail(c, name, err)
		return
	}
	cApi.logger.Benchmark("CallApi."+name, time.Since(start))
	c.JSON(http.StatusOK, gin.H{"success": true, "data": cApi.controller.Session()})
}

func (cApi *CallApi) fail(c *gin.Context, name string, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, internal_callstate.ErrInvalidState), errors.Is(err, internal_callstate.ErrNoRecording):
		status = http.StatusConflict
	case errors.Is(err, internal_callstate.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	cApi.logger.Warnf("%s failed: %v", name, err)
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}
