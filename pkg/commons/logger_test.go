// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package commons

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewApplicationLogger_WritesToFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewApplicationLogger(Name("test-logger"), Path(dir), Level("debug"))
	require.NoError(t, err)

	logger.Infow("call state changed", "state", "ringing")
	logger.Benchmark("Negotiator.StartCall", 15*time.Millisecond)
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "test-logger.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "call state changed")
	assert.Contains(t, string(data), "Negotiator.StartCall")
}

func TestNewApplicationLogger_LevelFilters(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewApplicationLogger(Name("warn-only"), Path(dir), Level("warn"))
	require.NoError(t, err)

	logger.Debugf("hidden %d", 1)
	logger.Warnf("visible %d", 2)
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "warn-only.log"))
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "hidden 1"))
	assert.Contains(t, string(data), "visible 2")
}

func TestNewApplicationLogger_InvalidLevel(t *testing.T) {
	logger, err := NewApplicationLogger(Level("loud"), Path(t.TempDir()))
	assert.Error(t, err)
	assert.Nil(t, logger)
}

func TestWith_CarriesFields(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewApplicationLogger(Name("with"), Path(dir))
	require.NoError(t, err)

	child := logger.With("session", "abc-123")
	child.Infow("child message")
	require.NoError(t, child.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "with.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "abc-123")
}
