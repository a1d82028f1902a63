// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T) (*AppConfig, error) {
	t.Helper()
	v, err := InitConfig()
	require.NoError(t, err)
	return GetApplicationConfig(v)
}

func TestConfig_Defaults(t *testing.T) {
	t.Setenv("ENV_PATH", "")
	t.Setenv("AUTH__TOKEN", "tok")

	cfg, err := load(t)
	require.NoError(t, err)

	assert.Equal(t, "call-api", cfg.Name)
	assert.Equal(t, 9095, cfg.Port)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CorsOrigins)

	assert.Equal(t, "ws://localhost:8080/ws", cfg.SignalingConfig.URL)
	assert.Equal(t, 30*time.Second, cfg.SignalingConfig.HandshakeTimeout)
	assert.Equal(t, 25*time.Second, cfg.SignalingConfig.PingInterval)
	assert.Equal(t, int64(1<<20), cfg.SignalingConfig.ReadLimit)

	assert.Equal(t, []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}, cfg.WebRTCConfig.ICEServers)
	assert.False(t, cfg.WebRTCConfig.RelayOnly)

	assert.False(t, cfg.RecordingConfig.Enabled)
	assert.Equal(t, 2*time.Second, cfg.RecordingConfig.ChunkInterval)
	assert.Equal(t, 8, cfg.RecordingConfig.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.RecordingConfig.RetryDelay)

	assert.Equal(t, "static", cfg.AuthConfig.Source)
	assert.Equal(t, "tok", cfg.AuthConfig.Token)
	assert.Equal(t, "sqlite", cfg.CallLogConfig.Driver)
}

func TestConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("ENV_PATH", "")
	t.Setenv("ENV", "production")
	t.Setenv("PORT", "7000")
	t.Setenv("SIGNALING__URL", "wss://signal.example.com/ws")
	t.Setenv("SIGNALING__PING_INTERVAL", "5s")
	t.Setenv("WEBRTC__ICE_SERVERS", "turn:turn.example.com:3478")
	t.Setenv("WEBRTC__RELAY_ONLY", "true")
	t.Setenv("RECORDING__ENABLED", "true")
	t.Setenv("RECORDING__API_BASE_URL", "https://api.example.com")
	t.Setenv("RECORDING__MAX_ATTEMPTS", "3")
	t.Setenv("AUTH__SOURCE", "redis")
	t.Setenv("AUTH__REDIS_KEY", "session:42:token")
	t.Setenv("CALL_LOG__DRIVER", "postgres")
	t.Setenv("CALL_LOG__DSN", "host=localhost user=call dbname=call")

	cfg, err := load(t)
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "wss://signal.example.com/ws", cfg.SignalingConfig.URL)
	assert.Equal(t, 5*time.Second, cfg.SignalingConfig.PingInterval)
	assert.Equal(t, []string{"turn:turn.example.com:3478"}, cfg.WebRTCConfig.ICEServers)
	assert.True(t, cfg.WebRTCConfig.RelayOnly)
	assert.True(t, cfg.RecordingConfig.Enabled)
	assert.Equal(t, 3, cfg.RecordingConfig.MaxAttempts)
	assert.Equal(t, "redis", cfg.AuthConfig.Source)
	assert.Equal(t, "session:42:token", cfg.AuthConfig.RedisKey)
	assert.Equal(t, "postgres", cfg.CallLogConfig.Driver)
}

func TestConfig_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "call.env")
	require.NoError(t, os.WriteFile(path, []byte("SERVICE_NAME=desk-agent\nAUTH__TOKEN=from-file\nRECORDING__CHUNK_INTERVAL=4s\n"), 0o600))
	t.Setenv("ENV_PATH", path)

	cfg, err := load(t)
	require.NoError(t, err)
	assert.Equal(t, "desk-agent", cfg.Name)
	assert.Equal(t, "from-file", cfg.AuthConfig.Token)
	assert.Equal(t, 4*time.Second, cfg.RecordingConfig.ChunkInterval)
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"static without token", map[string]string{}},
		{"redis without key", map[string]string{"AUTH__SOURCE": "redis"}},
		{"unknown token source", map[string]string{"AUTH__SOURCE": "vault", "AUTH__TOKEN": "t"}},
		{"recording without api", map[string]string{"AUTH__TOKEN": "t", "RECORDING__ENABLED": "true"}},
		{"zero attempts", map[string]string{"AUTH__TOKEN": "t", "RECORDING__MAX_ATTEMPTS": "0"}},
		{"bad signaling url", map[string]string{"AUTH__TOKEN": "t", "SIGNALING__URL": "not a url"}},
		{"unknown sql driver", map[string]string{"AUTH__TOKEN": "t", "CALL_LOG__DRIVER": "mysql"}},
		{"bad log level", map[string]string{"AUTH__TOKEN": "t", "LOG_LEVEL": "verbose"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ENV_PATH", "")
			t.Setenv("AUTH__TOKEN", "")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := load(t)
			assert.Error(t, err)
		})
	}
}

func TestConfig_GinMode(t *testing.T) {
	tests := []struct {
		env      string
		expected string
	}{
		{"production", gin.ReleaseMode},
		{"Production", gin.ReleaseMode},
		{"development", gin.DebugMode},
		{"staging", gin.DebugMode},
		{"", gin.DebugMode},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			cfg := &AppConfig{Environment: tt.env}
			assert.Equal(t, tt.expected, cfg.GinMode())
		})
	}
}
