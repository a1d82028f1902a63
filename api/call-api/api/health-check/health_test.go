// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package health_check_api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/peercall/api/call-api/config"
	"github.com/rapidaai/peercall/pkg/commons"
	"github.com/rapidaai/peercall/pkg/connectors"
)

type signalingStub bool

func (s signalingStub) Connected() bool { return bool(s) }

func newEngine(t *testing.T, connected bool, connect bool) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger, err := commons.NewApplicationLogger(commons.Name("health-test"), commons.Path(t.TempDir()))
	require.NoError(t, err)

	sql := connectors.NewSQLConnector(&connectors.SQLConfig{Driver: "sqlite", DSN: ":memory:", MaxOpenConnection: 1}, logger)
	if connect {
		require.NoError(t, sql.Connect(context.Background()))
		t.Cleanup(func() { _ = sql.Disconnect(context.Background()) })
	}

	api := New(&config.AppConfig{Name: "call-api", Version: "1.2.3"}, logger, sql, signalingStub(connected))
	engine := gin.New()
	engine.GET("/readiness/", api.Readiness)
	engine.GET("/healthz/", api.Healthz)
	return engine
}

func get(t *testing.T, engine *gin.Engine, path string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealthz_AlwaysOk(t *testing.T) {
	code, body := get(t, newEngine(t, false, false), "/healthz/")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["healthy"])
	assert.Equal(t, "call-api", body["service"])
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		connectDB bool
		want      int
		signaling string
	}{
		{"all up", true, true, http.StatusOK, "ok"},
		{"signaling down", false, true, http.StatusServiceUnavailable, "disconnected"},
		{"call log down", true, false, http.StatusServiceUnavailable, "ok"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, body := get(t, newEngine(t, tc.connected, tc.connectDB), "/readiness/")
			assert.Equal(t, tc.want, code)
			assert.Equal(t, tc.want == http.StatusOK, body["healthy"])
			assert.Equal(t, "1.2.3", body["version"])
			components := body["components"].(map[string]interface{})
			assert.Equal(t, tc.signaling, components["signaling"])
			if !tc.connectDB {
				assert.Equal(t, "not connected", components["call_log"])
			}
		})
	}
}
