// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_negotiator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	negotiator_internal "github.com/rapidaai/peercall/api/call-api/internal/negotiator/internal"
	"github.com/rapidaai/peercall/pkg/commons"
	"github.com/rapidaai/peercall/pkg/utils"
)

// ErrNoCaptureDevice means no local audio source is configured. The call then
// proceeds receive-only.
var ErrNoCaptureDevice = errors.New("no audio capture device available")

// MediaCapturer acquires the local microphone for one call.
type MediaCapturer interface {
	Capture(ctx context.Context) (LocalMedia, error)
}

// LocalMedia is an acquired local audio source.
type LocalMedia interface {
	Track() pionwebrtc.TrackLocal
	// Run pumps audio into the track until ctx is done or the source ends.
	// onPayload sees each Opus payload that was sent.
	Run(ctx context.Context, onPayload func([]byte)) error
	Close() error
}

// =============================================================================
// No capture
// =============================================================================

type noCapture struct{}

// NewNoCapture returns a capturer that always reports ErrNoCaptureDevice.
func NewNoCapture() MediaCapturer {
	return noCapture{}
}

func (noCapture) Capture(context.Context) (LocalMedia, error) {
	return nil, ErrNoCaptureDevice
}

// =============================================================================
// Ogg/Opus file capture
// =============================================================================

type oggFileCapturer struct {
	logger commons.Logger
	path   string
	loop   bool
}

// NewOggFileCapturer plays an Ogg/Opus file as the local microphone. With loop
// set the file restarts at EOF.
func NewOggFileCapturer(logger commons.Logger, path string, loop bool) MediaCapturer {
	if utils.IsEmpty(path) {
		return NewNoCapture()
	}
	return &oggFileCapturer{logger: logger, path: path, loop: loop}
}

func (c *oggFileCapturer) Capture(ctx context.Context) (LocalMedia, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoCaptureDevice, c.path)
		}
		return nil, fmt.Errorf("failed to open capture source: %w", err)
	}
	track, err := pionwebrtc.NewTrackLocalStaticSample(
		negotiator_internal.OpusCapability(),
		"audio",
		"peercall-audio",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create local audio track: %w", err)
	}
	c.logger.Debugf("capturing local audio from %s", c.path)
	return &oggFileMedia{logger: c.logger, data: data, loop: c.loop, track: track}, nil
}

type oggFileMedia struct {
	logger commons.Logger
	data   []byte
	loop   bool
	track  *pionwebrtc.TrackLocalStaticSample
}

func (m *oggFileMedia) Track() pionwebrtc.TrackLocal {
	return m.track
}

func (m *oggFileMedia) Close() error {
	return nil
}

func (m *oggFileMedia) Run(ctx context.Context, onPayload func([]byte)) error {
	for {
		if err := m.playOnce(ctx, onPayload); err != nil {
			return err
		}
		if !m.loop || ctx.Err() != nil {
			return nil
		}
	}
}

func (m *oggFileMedia) playOnce(ctx context.Context, onPayload func([]byte)) error {
	ogg, _, err := oggreader.NewWith(bytes.NewReader(m.data))
	if err != nil {
		return fmt.Errorf("failed to read ogg header: %w", err)
	}

	ticker := time.NewTicker(negotiator_internal.OpusFrameDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		pageData, pageHeader, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to parse ogg page: %w", err)
		}
		if bytes.HasPrefix(pageData, []byte("OpusTags")) {
			continue
		}

		duration := negotiator_internal.OpusFrameDuration
		if pageHeader.GranulePosition > lastGranule {
			sampleCount := pageHeader.GranulePosition - lastGranule
			duration = time.Duration(sampleCount) * time.Second / negotiator_internal.OpusSampleRate
		}
		lastGranule = pageHeader.GranulePosition

		if err := m.track.WriteSample(media.Sample{Data: pageData, Duration: duration}); err != nil {
			m.logger.Debugw("failed to write local sample", "error", err)
			continue
		}
		if onPayload != nil {
			onPayload(pageData)
		}
	}
}
