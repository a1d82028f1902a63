// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_recording

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_type "github.com/rapidaai/peercall/api/call-api/internal/type"
	"github.com/rapidaai/peercall/pkg/utils"
)

// scriptedUploader fails every attempt for sequences in failing, fails the
// first flaky[seq] attempts of the others and records the attempt counts seen
// at the moment Finalize is called.
type scriptedUploader struct {
	mu               sync.Mutex
	failing          map[int]bool
	flaky            map[int]int
	delay            time.Duration
	attempts         map[int]int
	succeeded        map[int]bool
	streams          map[string]bool
	finalizeCalls    int
	attemptsAtFinal  map[int]int
	succeededAtFinal int
	finalizeErr      error
}

func newScriptedUploader(failing ...int) *scriptedUploader {
	u := &scriptedUploader{
		failing:   map[int]bool{},
		flaky:     map[int]int{},
		attempts:  map[int]int{},
		succeeded: map[int]bool{},
		streams:   map[string]bool{},
	}
	for _, seq := range failing {
		u.failing[seq] = true
	}
	return u
}

func (u *scriptedUploader) UploadChunk(_ context.Context, chunk Chunk) error {
	if u.delay > 0 {
		time.Sleep(u.delay)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.attempts[chunk.Sequence]++
	u.streams[chunk.StreamID] = true
	if u.failing[chunk.Sequence] || u.attempts[chunk.Sequence] <= u.flaky[chunk.Sequence] {
		return errors.New("backend unavailable")
	}
	u.succeeded[chunk.Sequence] = true
	return nil
}

func (u *scriptedUploader) Finalize(context.Context, string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.finalizeCalls++
	u.attemptsAtFinal = map[int]int{}
	for k, v := range u.attempts {
		u.attemptsAtFinal[k] = v
	}
	u.succeededAtFinal = len(u.succeeded)
	return u.finalizeErr
}

func readyConditions() internal_type.RecordingConditions {
	return internal_type.RecordingConditions{HasTransport: true, HasRemoteStream: true, RecordingID: "55"}
}

func newTestPipeline(t *testing.T, uploader Uploader) *Pipeline {
	return NewPipeline(newTestLogger(t), uploader, fakeCodecs{},
		WithChunkInterval(time.Hour),
		WithRetryPolicy(utils.RetryPolicy{MaxAttempts: DefaultMaxAttempts, Delay: time.Millisecond}),
		WithFinalizeTimeout(time.Second),
	)
}

func TestPipeline_FinalizeAfterFailingChunkExhaustsRetries(t *testing.T) {
	uploader := newScriptedUploader(5)
	p := newTestPipeline(t, uploader)
	require.True(t, p.MaybeStart(context.Background(), readyConditions()))

	for i := 0; i < 5; i++ {
		p.enqueue([]byte{byte(i)})
	}
	summary := p.Stop(context.Background())

	uploader.mu.Lock()
	defer uploader.mu.Unlock()
	assert.Equal(t, 1, uploader.finalizeCalls)
	assert.Equal(t, DefaultMaxAttempts, uploader.attemptsAtFinal[5])
	assert.Equal(t, 4, uploader.succeededAtFinal)
	for seq := 1; seq <= 4; seq++ {
		assert.Equal(t, 1, uploader.attemptsAtFinal[seq])
	}

	assert.True(t, summary.Started)
	assert.True(t, summary.Finalized)
	assert.Equal(t, 5, summary.Chunks)
	assert.Equal(t, 4, summary.Uploaded)
	assert.Equal(t, 1, summary.Dropped)
	assert.Equal(t, "55", summary.RecordingID)
}

func TestPipeline_ChunkRecoveringWithinRetriesCountsAsUploaded(t *testing.T) {
	uploader := newScriptedUploader()
	uploader.flaky[2] = 3
	p := newTestPipeline(t, uploader)
	require.True(t, p.MaybeStart(context.Background(), readyConditions()))

	for i := 0; i < 3; i++ {
		p.enqueue([]byte{byte(i)})
	}
	summary := p.Stop(context.Background())

	uploader.mu.Lock()
	defer uploader.mu.Unlock()
	assert.Equal(t, 1, uploader.finalizeCalls)
	assert.Equal(t, 4, uploader.attemptsAtFinal[2])
	assert.Equal(t, 3, uploader.succeededAtFinal)

	assert.True(t, summary.Finalized)
	assert.Equal(t, 3, summary.Chunks)
	assert.Equal(t, 3, summary.Uploaded)
	assert.Equal(t, 0, summary.Dropped)
}

func TestPipeline_FinalizeWaitsForSlowUploads(t *testing.T) {
	uploader := newScriptedUploader()
	uploader.delay = 50 * time.Millisecond
	p := newTestPipeline(t, uploader)
	require.True(t, p.MaybeStart(context.Background(), readyConditions()))

	for i := 0; i < 3; i++ {
		p.enqueue([]byte{byte(i)})
	}
	p.Stop(context.Background())

	uploader.mu.Lock()
	defer uploader.mu.Unlock()
	assert.Equal(t, 3, uploader.succeededAtFinal)
}

func TestPipeline_FinalChunkUploadedBeforeFinalize(t *testing.T) {
	uploader := newScriptedUploader()
	p := newTestPipeline(t, uploader)
	require.True(t, p.MaybeStart(context.Background(), readyConditions()))

	p.WriteLocal([]byte{1})
	p.WriteRemote([]byte{2})
	summary := p.Stop(context.Background())

	assert.Equal(t, 1, summary.Chunks)
	uploader.mu.Lock()
	defer uploader.mu.Unlock()
	assert.Equal(t, 1, uploader.succeededAtFinal)
	assert.Len(t, uploader.streams, 1)
}

func TestPipeline_StartsAtMostOnce(t *testing.T) {
	p := newTestPipeline(t, newScriptedUploader())

	assert.False(t, p.MaybeStart(context.Background(), internal_type.RecordingConditions{HasTransport: true, HasRemoteStream: true}))
	assert.False(t, p.MaybeStart(context.Background(), internal_type.RecordingConditions{HasTransport: true, RecordingID: "55"}))
	require.True(t, p.MaybeStart(context.Background(), readyConditions()))
	first := p.streamID

	assert.True(t, p.MaybeStart(context.Background(), readyConditions()))
	assert.Equal(t, first, p.streamID)
	p.Stop(context.Background())
}

func TestPipeline_StopWithoutStartSkipsFinalize(t *testing.T) {
	uploader := newScriptedUploader()
	p := newTestPipeline(t, uploader)

	summary := p.Stop(context.Background())
	assert.False(t, summary.Started)
	assert.Equal(t, 0, uploader.finalizeCalls)

	assert.False(t, p.MaybeStart(context.Background(), readyConditions()))
}

func TestPipeline_StopTwiceFinalizesOnce(t *testing.T) {
	uploader := newScriptedUploader()
	p := newTestPipeline(t, uploader)
	require.True(t, p.MaybeStart(context.Background(), readyConditions()))
	p.enqueue([]byte{1})

	first := p.Stop(context.Background())
	second := p.Stop(context.Background())
	assert.Equal(t, first, second)
	assert.Equal(t, 1, uploader.finalizeCalls)
}

func TestPipeline_FinalizeFailureIsReported(t *testing.T) {
	uploader := newScriptedUploader()
	uploader.finalizeErr = errors.New("gone")
	p := newTestPipeline(t, uploader)
	require.True(t, p.MaybeStart(context.Background(), readyConditions()))
	p.enqueue([]byte{1})

	summary := p.Stop(context.Background())
	assert.False(t, summary.Finalized)
	assert.Equal(t, 1, uploader.finalizeCalls)
}

func TestPipeline_ToggleKeepsStream(t *testing.T) {
	uploader := newScriptedUploader()
	p := newTestPipeline(t, uploader)

	_, err := p.Toggle()
	assert.ErrorIs(t, err, ErrNotRecording)

	require.True(t, p.MaybeStart(context.Background(), readyConditions()))
	stream := p.streamID

	paused, err := p.Toggle()
	require.NoError(t, err)
	assert.True(t, paused)
	p.WriteLocal([]byte{3})

	paused, err = p.Toggle()
	require.NoError(t, err)
	assert.False(t, paused)
	p.WriteLocal([]byte{4})

	summary := p.Stop(context.Background())
	assert.Equal(t, stream, summary.StreamID)
	assert.Equal(t, 1, summary.Chunks)
	assert.Len(t, uploader.streams, 1)

	_, err = p.Toggle()
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestPipelineFactory_NewPipelinePerSession(t *testing.T) {
	factory := NewPipelineFactory(newTestLogger(t), newScriptedUploader(), fakeCodecs{})
	a := factory("session-a")
	b := factory("session-b")
	assert.NotSame(t, a, b)
}
