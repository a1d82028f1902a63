// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package health_check_api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rapidaai/peercall/api/call-api/config"
	"github.com/rapidaai/peercall/pkg/commons"
	"github.com/rapidaai/peercall/pkg/connectors"
)

const readinessTimeout = 2 * time.Second

var errNotConnected = errors.New("not connected")

// SignalingStatus reports whether the signaling channel is usable.
type SignalingStatus interface {
	Connected() bool
}

type healthCheckApi struct {
	cfg       *config.AppConfig
	logger    commons.Logger
	sql       connectors.SQLConnector
	signaling SignalingStatus
}

func New(cfg *config.AppConfig, logger commons.Logger, sql connectors.SQLConnector, signaling SignalingStatus) *healthCheckApi {
	return &healthCheckApi{cfg: cfg, logger: logger, sql: sql, signaling: signaling}
}

// Readiness is ok once the call log answers and signaling is connected.
func (h *healthCheckApi) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	components := gin.H{"signaling": "ok", "call_log": "ok"}
	ready := true
	if !h.signaling.Connected() {
		components["signaling"] = "disconnected"
		ready = false
	}
	if err := h.pingSQL(ctx); err != nil {
		h.logger.Warnf("readiness: %s unavailable: %v", h.sql.Name(), err)
		components["call_log"] = err.Error()
		ready = false
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"healthy": ready, "version": h.cfg.Version, "components": components})
}

// Healthz only tells the process is serving.
func (h *healthCheckApi) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"healthy": true, "service": h.cfg.Name})
}

func (h *healthCheckApi) pingSQL(ctx context.Context) error {
	db := h.sql.DB(ctx)
	if db == nil {
		return errNotConnected
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
