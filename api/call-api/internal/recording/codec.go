// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_recording

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// Opus settings of the mixed recording.
const (
	SampleRate      = 48000
	Channels        = 1
	FrameSamples    = 960 // 20ms
	maxFrameSamples = 5760
	maxPacketBytes  = 4000
)

// Decoder turns one Opus payload into mono PCM.
type Decoder interface {
	Decode(payload []byte) ([]int16, error)
}

// Encoder turns exactly FrameSamples of mono PCM into one Opus packet.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
}

// CodecFactory creates one stateful decoder per input track and one encoder
// per recording.
type CodecFactory interface {
	NewDecoder() (Decoder, error)
	NewEncoder() (Encoder, error)
}

type opusCodecFactory struct{}

// NewOpusCodecFactory uses libopus through hraban/opus.
func NewOpusCodecFactory() CodecFactory {
	return opusCodecFactory{}
}

func (opusCodecFactory) NewDecoder() (Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec, pcm: make([]int16, maxFrameSamples*Channels)}, nil
}

func (opusCodecFactory) NewEncoder() (Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc, out: make([]byte, maxPacketBytes)}, nil
}

type opusDecoder struct {
	dec *opus.Decoder
	pcm []int16
}

func (d *opusDecoder) Decode(payload []byte) ([]int16, error) {
	n, err := d.dec.Decode(payload, d.pcm)
	if err != nil {
		return nil, err
	}
	out := make([]int16, n*Channels)
	copy(out, d.pcm[:n*Channels])
	return out, nil
}

type opusEncoder struct {
	enc *opus.Encoder
	out []byte
}

func (e *opusEncoder) Encode(pcm []int16) ([]byte, error) {
	n, err := e.enc.Encode(pcm, e.out)
	if err != nil {
		return nil, err
	}
	packet := make([]byte, n)
	copy(packet, e.out[:n])
	return packet, nil
}
