// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_recording

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpusCodec_RoundTrip(t *testing.T) {
	codecs := NewOpusCodecFactory()
	enc, err := codecs.NewEncoder()
	require.NoError(t, err)
	dec, err := codecs.NewDecoder()
	require.NoError(t, err)

	pcm := make([]int16, FrameSamples)
	for i := range pcm {
		pcm[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/SampleRate))
	}

	packet, err := enc.Encode(pcm)
	require.NoError(t, err)
	assert.NotEmpty(t, packet)

	decoded, err := dec.Decode(packet)
	require.NoError(t, err)
	assert.Len(t, decoded, FrameSamples)
}

func TestOpusCodec_RejectsGarbage(t *testing.T) {
	dec, err := NewOpusCodecFactory().NewDecoder()
	require.NoError(t, err)
	_, err = dec.Decode([]byte{})
	assert.Error(t, err)
}
