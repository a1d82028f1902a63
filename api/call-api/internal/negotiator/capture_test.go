// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_negotiator

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeOggFixture(t *testing.T, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mic.ogg")
	writer, err := oggwriter.New(path, 48000, 2)
	require.NoError(t, err)
	for i := 0; i < frames; i++ {
		require.NoError(t, writer.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				SequenceNumber: uint16(i),
				Timestamp:      uint32(i * 960),
			},
			Payload: []byte{0xf8, 0xff, 0xfe, byte(i)},
		}))
	}
	require.NoError(t, writer.Close())
	return path
}

func TestNoCapture(t *testing.T) {
	_, err := NewNoCapture().Capture(context.Background())
	assert.ErrorIs(t, err, ErrNoCaptureDevice)

	_, err = NewOggFileCapturer(newTestLogger(t), "", false).Capture(context.Background())
	assert.ErrorIs(t, err, ErrNoCaptureDevice)
}

func TestOggFileCapturer_MissingFile(t *testing.T) {
	capturer := NewOggFileCapturer(newTestLogger(t), filepath.Join(t.TempDir(), "missing.ogg"), false)
	_, err := capturer.Capture(context.Background())
	assert.ErrorIs(t, err, ErrNoCaptureDevice)
}

func TestOggFileCapturer_PlaysEveryPage(t *testing.T) {
	path := writeOggFixture(t, 5)
	localMedia, err := NewOggFileCapturer(newTestLogger(t), path, false).Capture(context.Background())
	require.NoError(t, err)
	defer localMedia.Close()
	assert.Equal(t, "audio", localMedia.Track().ID())

	var payloads [][]byte
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, localMedia.Run(ctx, func(p []byte) {
		payloads = append(payloads, append([]byte(nil), p...))
	}))

	require.Len(t, payloads, 5)
	for i, p := range payloads {
		assert.Equal(t, byte(i), p[len(p)-1])
	}
}

func TestOggFileCapturer_LoopStopsOnCancel(t *testing.T) {
	path := writeOggFixture(t, 2)
	localMedia, err := NewOggFileCapturer(newTestLogger(t), path, true).Capture(context.Background())
	require.NoError(t, err)

	var count atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- localMedia.Run(ctx, func([]byte) { count.Add(1) }) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("looping capture kept running after cancel")
	}
	assert.Greater(t, count.Load(), int32(2))
}

func TestOggFileCapturer_LoopStopsWhenAlreadyCancelled(t *testing.T) {
	path := writeOggFixture(t, 2)
	localMedia, err := NewOggFileCapturer(newTestLogger(t), path, true).Capture(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- localMedia.Run(ctx, nil) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("looping capture ignored a cancelled context")
	}
}
