// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_recording

import (
	"bytes"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/rapidaai/peercall/pkg/commons"
)

// recorder mixes the local and remote Opus streams into one mono Ogg/Opus
// stream and hands out the bytes produced since the last flush as a chunk.
// The first chunk carries the Ogg headers; chunks concatenate into a valid file.
type recorder struct {
	mu sync.Mutex

	logger   commons.Logger
	streamID string
	interval time.Duration
	onChunk  func([]byte)

	localDecoder  Decoder
	remoteDecoder Decoder
	encoder       Encoder

	local  []int16
	remote []int16

	out       bytes.Buffer
	ogg       *oggwriter.OggWriter
	timestamp uint32
	sequence  uint16
	frames    int // frames encoded since the last chunk

	paused  bool
	stopped bool

	stopCh chan struct{}
	done   chan struct{}
}

func newRecorder(
	logger commons.Logger,
	codecs CodecFactory,
	streamID string,
	interval time.Duration,
	onChunk func([]byte),
) (*recorder, error) {
	localDecoder, err := codecs.NewDecoder()
	if err != nil {
		return nil, err
	}
	remoteDecoder, err := codecs.NewDecoder()
	if err != nil {
		return nil, err
	}
	encoder, err := codecs.NewEncoder()
	if err != nil {
		return nil, err
	}

	r := &recorder{
		logger:        logger,
		streamID:      streamID,
		interval:      interval,
		onChunk:       onChunk,
		localDecoder:  localDecoder,
		remoteDecoder: remoteDecoder,
		encoder:       encoder,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	ogg, err := oggwriter.NewWith(&r.out, SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create ogg writer: %w", err)
	}
	r.ogg = ogg
	return r, nil
}

// start launches the periodic flush loop.
func (r *recorder) start() {
	go r.run()
}

func (r *recorder) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.flush(false)
		}
	}
}

func (r *recorder) WriteLocal(payload []byte) {
	r.write(payload, r.localDecoder, &r.local)
}

func (r *recorder) WriteRemote(payload []byte) {
	r.write(payload, r.remoteDecoder, &r.remote)
}

func (r *recorder) write(payload []byte, dec Decoder, pending *[]int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused || r.stopped || len(payload) == 0 {
		return
	}
	pcm, err := dec.Decode(payload)
	if err != nil {
		r.logger.Debugw("opus decode failed", "error", err, "payloadSize", len(payload))
		return
	}
	*pending = append(*pending, pcm...)
}

func (r *recorder) pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
}

func (r *recorder) resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
}

// stop flushes everything buffered as the final chunk and returns after
// onChunk has seen it. Later calls are no-ops.
func (r *recorder) stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.done
	r.flush(true)

	r.mu.Lock()
	if err := r.ogg.Close(); err != nil {
		r.logger.Warnw("failed to close ogg writer", "error", err, "stream", r.streamID)
	}
	r.mu.Unlock()
}

// flush encodes every complete 20ms frame (and on the final flush the padded
// remainder) and emits the produced bytes as one chunk.
func (r *recorder) flush(final bool) {
	r.mu.Lock()
	frames := mixFrames(&r.local, &r.remote, final)
	for _, frame := range frames {
		packet, err := r.encoder.Encode(frame)
		if err != nil {
			r.logger.Debugw("opus encode failed", "error", err)
			continue
		}
		if err := r.ogg.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    111,
				SequenceNumber: r.sequence,
				Timestamp:      r.timestamp,
			},
			Payload: packet,
		}); err != nil {
			r.logger.Warnw("failed to write ogg page", "error", err)
			continue
		}
		r.sequence++
		r.timestamp += FrameSamples
		r.frames++
	}

	if r.frames == 0 {
		r.mu.Unlock()
		return
	}
	chunk := make([]byte, r.out.Len())
	copy(chunk, r.out.Bytes())
	r.out.Reset()
	r.frames = 0
	r.mu.Unlock()

	r.onChunk(chunk)
}

// mixFrames consumes whole frames from both pending buffers and returns their
// saturating sum. A side that is behind contributes silence. With final set the
// trailing partial frame is padded and consumed too.
func mixFrames(local, remote *[]int16, final bool) [][]int16 {
	available := len(*local)
	if len(*remote) > available {
		available = len(*remote)
	}
	count := available / FrameSamples
	if final && available%FrameSamples != 0 {
		count++
	}
	if count == 0 {
		return nil
	}

	frames := make([][]int16, count)
	for f := 0; f < count; f++ {
		frame := make([]int16, FrameSamples)
		base := f * FrameSamples
		for i := range frame {
			var sum int32
			if idx := base + i; idx < len(*local) {
				sum += int32((*local)[idx])
			}
			if idx := base + i; idx < len(*remote) {
				sum += int32((*remote)[idx])
			}
			frame[i] = saturate(sum)
		}
		frames[f] = frame
	}

	consumed := count * FrameSamples
	*local = consume(*local, consumed)
	*remote = consume(*remote, consumed)
	return frames
}

func consume(buf []int16, n int) []int16 {
	if n >= len(buf) {
		return buf[:0]
	}
	return append(buf[:0], buf[n:]...)
}

func saturate(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
