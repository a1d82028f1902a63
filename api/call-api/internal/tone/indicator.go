// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_tone

import (
	"context"
	"math"
	"sync"
	"time"

	internal_type "github.com/rapidaai/peercall/api/call-api/internal/type"
	"github.com/rapidaai/peercall/pkg/commons"
	"github.com/rapidaai/peercall/pkg/utils"
)

const SampleRate = 8000

// Cadence describes one repeating tone pattern.
type Cadence struct {
	Frequencies []float64
	On          time.Duration
	Off         time.Duration
	Amplitude   float64
}

// Ringtone is played while an incoming call is ringing.
var Ringtone = Cadence{Frequencies: []float64{440, 480}, On: 2 * time.Second, Off: 4 * time.Second, Amplitude: 0.4}

// Ringback is played to the caller while the callee is being alerted.
var Ringback = Cadence{Frequencies: []float64{440, 480}, On: time.Second, Off: 3 * time.Second, Amplitude: 0.2}

func cadenceFor(kind internal_type.ToneKind) Cadence {
	if kind == internal_type.ToneRingback {
		return Ringback
	}
	return Ringtone
}

// Player renders PCM at SampleRate. Play blocks for the burst duration or
// until ctx is done.
type Player interface {
	Play(ctx context.Context, samples []int16) error
}

type logPlayer struct {
	logger commons.Logger
}

// NewLogPlayer is a headless player that only paces and logs bursts.
func NewLogPlayer(logger commons.Logger) Player {
	return &logPlayer{logger: logger}
}

func (p *logPlayer) Play(ctx context.Context, samples []int16) error {
	p.logger.Debugf("tone burst of %d samples", len(samples))
	timer := time.NewTimer(time.Duration(len(samples)) * time.Second / SampleRate)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return nil
}

// Indicator plays one cadence at a time on a background goroutine.
type Indicator struct {
	mu      sync.Mutex
	logger  commons.Logger
	player  Player
	cancel  context.CancelFunc
	done    chan struct{}
	current internal_type.ToneKind
	active  bool
}

var _ internal_type.Indicator = (*Indicator)(nil)

func NewIndicator(logger commons.Logger, player Player) *Indicator {
	return &Indicator{logger: logger, player: player}
}

// Start replaces any playing tone with kind.
func (i *Indicator) Start(kind internal_type.ToneKind) {
	i.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	burst := Generate(cadenceFor(kind))

	i.mu.Lock()
	i.cancel = cancel
	i.done = done
	i.current = kind
	i.active = true
	i.mu.Unlock()

	i.logger.Debugf("starting %s", kind)
	utils.Go(ctx, func() {
		defer close(done)
		i.loop(ctx, cadenceFor(kind), burst)
	})
}

// Stop silences the indicator and waits for the player to return.
func (i *Indicator) Stop() {
	i.mu.Lock()
	cancel, done := i.cancel, i.done
	i.cancel, i.done = nil, nil
	i.active = false
	i.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Current reports the playing tone, if any.
func (i *Indicator) Current() (internal_type.ToneKind, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.current, i.active
}

func (i *Indicator) loop(ctx context.Context, cadence Cadence, burst []int16) {
	for {
		if err := i.player.Play(ctx, burst); err != nil {
			i.logger.Warnw("tone playback failed", "error", err)
			return
		}
		timer := time.NewTimer(cadence.Off)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Generate renders the "on" part of a cadence as summed sine waves.
func Generate(cadence Cadence) []int16 {
	n := int(cadence.On * SampleRate / time.Second)
	samples := make([]int16, n)
	if len(cadence.Frequencies) == 0 {
		return samples
	}
	scale := cadence.Amplitude * math.MaxInt16 / float64(len(cadence.Frequencies))
	for s := range samples {
		var v float64
		for _, f := range cadence.Frequencies {
			v += math.Sin(2 * math.Pi * f * float64(s) / SampleRate)
		}
		samples[s] = int16(v * scale)
	}
	return samples
}
