// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_tone

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_type "github.com/rapidaai/peercall/api/call-api/internal/type"
	"github.com/rapidaai/peercall/pkg/commons"
)

type blockingPlayer struct {
	mu     sync.Mutex
	bursts []int
	active bool
}

func (p *blockingPlayer) Play(ctx context.Context, samples []int16) error {
	p.mu.Lock()
	p.bursts = append(p.bursts, len(samples))
	p.active = true
	p.mu.Unlock()

	<-ctx.Done()

	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
	return nil
}

func (p *blockingPlayer) snapshot() ([]int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.bursts...), p.active
}

func newTestLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger(commons.Name("tone-test"), commons.Path(t.TempDir()))
	require.NoError(t, err)
	return logger
}

func TestGenerate_LengthAndAmplitude(t *testing.T) {
	samples := Generate(Cadence{Frequencies: []float64{440, 480}, On: 500 * time.Millisecond, Amplitude: 0.5})
	assert.Len(t, samples, SampleRate/2)

	var peak int16
	for _, s := range samples {
		if s > peak {
			peak = s
		}
	}
	assert.Greater(t, peak, int16(0))
	assert.LessOrEqual(t, int(peak), 32767/2)
}

func TestGenerate_NoFrequenciesIsSilence(t *testing.T) {
	samples := Generate(Cadence{On: 10 * time.Millisecond})
	assert.Len(t, samples, 80)
	for _, s := range samples {
		assert.Equal(t, int16(0), s)
	}
}

func TestIndicator_StartAndStop(t *testing.T) {
	player := &blockingPlayer{}
	ind := NewIndicator(newTestLogger(t), player)

	ind.Start(internal_type.ToneRingtone)
	require.Eventually(t, func() bool {
		_, active := player.snapshot()
		return active
	}, time.Second, 5*time.Millisecond)

	kind, active := ind.Current()
	assert.True(t, active)
	assert.Equal(t, internal_type.ToneRingtone, kind)

	ind.Stop()
	bursts, playing := player.snapshot()
	assert.False(t, playing)
	assert.Equal(t, []int{int(Ringtone.On * SampleRate / time.Second)}, bursts)

	_, active = ind.Current()
	assert.False(t, active)
}

func TestIndicator_StartReplacesTone(t *testing.T) {
	player := &blockingPlayer{}
	ind := NewIndicator(newTestLogger(t), player)
	defer ind.Stop()

	ind.Start(internal_type.ToneRingtone)
	ind.Start(internal_type.ToneRingback)

	kind, active := ind.Current()
	assert.True(t, active)
	assert.Equal(t, internal_type.ToneRingback, kind)
}

func TestIndicator_StopWithoutStart(t *testing.T) {
	ind := NewIndicator(newTestLogger(t), &blockingPlayer{})
	ind.Stop()
	ind.Stop()
}

func TestLogPlayer_HonoursCancel(t *testing.T) {
	player := NewLogPlayer(newTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	require.NoError(t, player.Play(ctx, Generate(Ringtone)))
	assert.Less(t, time.Since(start), time.Second)
}
