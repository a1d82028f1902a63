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
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	internal_type "github.com/rapidaai/peercall/api/call-api/internal/type"
	"github.com/rapidaai/peercall/pkg/commons"
	"github.com/rapidaai/peercall/pkg/utils"
)

// ErrNotRecording is returned by Toggle before the recorder has started.
var ErrNotRecording = errors.New("recording has not started")

const (
	DefaultChunkInterval = 2 * time.Second
	DefaultMaxAttempts   = 8
	DefaultRetryDelay    = 2 * time.Second
	DefaultFinalizeWait  = 30 * time.Second
)

type pipelineOptions struct {
	interval     time.Duration
	retry        utils.RetryPolicy
	finalizeWait time.Duration
}

// PipelineOption customises a Pipeline.
type PipelineOption func(*pipelineOptions)

// WithChunkInterval sets how often buffered audio becomes a chunk.
func WithChunkInterval(d time.Duration) PipelineOption {
	return func(o *pipelineOptions) { o.interval = d }
}

// WithRetryPolicy sets the per-chunk upload retry policy.
func WithRetryPolicy(policy utils.RetryPolicy) PipelineOption {
	return func(o *pipelineOptions) { o.retry = policy }
}

// WithFinalizeTimeout bounds the single finalize request.
func WithFinalizeTimeout(d time.Duration) PipelineOption {
	return func(o *pipelineOptions) { o.finalizeWait = d }
}

// Pipeline records one call session: it starts at most once, uploads every
// chunk with retries, and after Stop finalizes once all uploads settled.
type Pipeline struct {
	mu sync.Mutex

	logger   commons.Logger
	uploader Uploader
	codecs   CodecFactory
	options  pipelineOptions

	recorder    *recorder
	recordingID string
	streamID    string
	started     bool
	stopped     bool
	paused      bool
	sequence    int

	// pending holds one goroutine per in-flight chunk upload.
	pending  errgroup.Group
	uploaded int
	dropped  int

	summary *internal_type.RecordingSummary
}

var _ internal_type.RecordingPipeline = (*Pipeline)(nil)

// NewPipeline creates an idle pipeline for one session.
func NewPipeline(logger commons.Logger, uploader Uploader, codecs CodecFactory, opts ...PipelineOption) *Pipeline {
	options := pipelineOptions{
		interval:     DefaultChunkInterval,
		retry:        utils.RetryPolicy{MaxAttempts: DefaultMaxAttempts, Delay: DefaultRetryDelay},
		finalizeWait: DefaultFinalizeWait,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Pipeline{
		logger:   logger,
		uploader: uploader,
		codecs:   codecs,
		options:  options,
	}
}

// NewPipelineFactory returns a constructor producing one pipeline per call
// session, all sharing uploader and codecs.
func NewPipelineFactory(logger commons.Logger, uploader Uploader, codecs CodecFactory, opts ...PipelineOption) func(sessionID string) internal_type.RecordingPipeline {
	return func(sessionID string) internal_type.RecordingPipeline {
		return NewPipeline(logger.With("session", sessionID), uploader, codecs, opts...)
	}
}

// MaybeStart starts the recorder once the transport exists, the remote stream
// arrived and a recording id is known. It is a no-op after the first start and
// after Stop. It reports whether the pipeline is recording.
func (p *Pipeline) MaybeStart(ctx context.Context, conditions internal_type.RecordingConditions) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return p.started && !p.stopped
	}
	if !conditions.Ready() {
		p.logger.Debugw("recording preconditions not met",
			"transport", conditions.HasTransport,
			"remoteStream", conditions.HasRemoteStream,
			"recordingId", conditions.RecordingID)
		return false
	}

	streamID := uuid.NewString()
	rec, err := newRecorder(p.logger, p.codecs, streamID, p.options.interval, p.enqueue)
	if err != nil {
		p.logger.Errorw("failed to start recorder", "error", err, "recordingId", conditions.RecordingID)
		return false
	}
	p.recorder = rec
	p.recordingID = conditions.RecordingID
	p.streamID = streamID
	p.started = true
	rec.start()

	p.logger.Infow("recording started", "recordingId", p.recordingID, "streamId", streamID)
	return true
}

// Toggle pauses or resumes capture on the same stream. It reports the new
// paused state.
func (p *Pipeline) Toggle() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recorder == nil || p.stopped {
		return false, ErrNotRecording
	}
	p.paused = !p.paused
	if p.paused {
		p.recorder.pause()
	} else {
		p.recorder.resume()
	}
	p.logger.Infow("recording toggled", "paused", p.paused, "streamId", p.streamID)
	return p.paused, nil
}

func (p *Pipeline) WriteLocal(payload []byte) {
	if rec := p.activeRecorder(); rec != nil {
		rec.WriteLocal(payload)
	}
}

func (p *Pipeline) WriteRemote(payload []byte) {
	if rec := p.activeRecorder(); rec != nil {
		rec.WriteRemote(payload)
	}
}

func (p *Pipeline) activeRecorder() *recorder {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	return p.recorder
}

// enqueue registers one upload in the pending set. The recorder calls it from
// its flush loop and, for the final chunk, from stop.
func (p *Pipeline) enqueue(data []byte) {
	p.mu.Lock()
	p.sequence++
	chunk := Chunk{
		RecordingID: p.recordingID,
		StreamID:    p.streamID,
		Sequence:    p.sequence,
		Data:        data,
	}
	p.mu.Unlock()

	p.pending.Go(func() error {
		p.upload(chunk)
		return nil
	})
}

func (p *Pipeline) upload(chunk Chunk) {
	err := utils.Retry(context.Background(), p.options.retry, func(ctx context.Context, attempt int) error {
		if err := p.uploader.UploadChunk(ctx, chunk); err != nil {
			p.logger.Warnw("chunk upload attempt failed",
				"sequence", chunk.Sequence, "attempt", attempt, "error", err)
			return err
		}
		return nil
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.dropped++
		p.logger.Errorw("dropping chunk after retries", "sequence", chunk.Sequence, "streamId", chunk.StreamID, "error", err)
		return
	}
	p.uploaded++
}

// Stop ends the recording: the final chunk is enqueued, every pending upload
// settles, then finalize is sent once. A pipeline that never started returns
// immediately. Repeated calls return the first summary.
func (p *Pipeline) Stop(ctx context.Context) internal_type.RecordingSummary {
	p.mu.Lock()
	if p.summary != nil {
		summary := *p.summary
		p.mu.Unlock()
		return summary
	}
	if p.stopped {
		p.mu.Unlock()
		return internal_type.RecordingSummary{}
	}
	p.stopped = true
	rec := p.recorder
	p.mu.Unlock()

	if rec == nil {
		summary := internal_type.RecordingSummary{}
		p.setSummary(summary)
		return summary
	}

	rec.stop()
	_ = p.pending.Wait()

	p.mu.Lock()
	summary := internal_type.RecordingSummary{
		Started:     true,
		RecordingID: p.recordingID,
		StreamID:    p.streamID,
		Chunks:      p.sequence,
		Uploaded:    p.uploaded,
		Dropped:     p.dropped,
	}
	p.mu.Unlock()

	finalizeCtx, cancel := context.WithTimeout(ctx, p.options.finalizeWait)
	defer cancel()
	if err := p.uploader.Finalize(finalizeCtx, summary.RecordingID); err != nil {
		p.logger.Errorw("failed to finalize recording", "recordingId", summary.RecordingID, "error", err)
	} else {
		summary.Finalized = true
		p.logger.Infow("recording finalized",
			"recordingId", summary.RecordingID,
			"chunks", summary.Chunks,
			"dropped", summary.Dropped)
	}

	p.setSummary(summary)
	return summary
}

func (p *Pipeline) setSummary(summary internal_type.RecordingSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summary = &summary
}
