// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio_converter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_audio "github.com/rapidaai/voice-bridge/internal/audio"
	"github.com/rapidaai/voice-bridge/pkg/commons"
)

func newTestConverter(t *testing.T) Converter {
	logger, _ := commons.NewApplicationLogger()
	converter, err := GetConverter(logger)
	require.NoError(t, err)
	return converter
}

// sine8k generates n samples of a 440Hz tone at 8kHz, amplitude-limited so
// µ-law companding stays well inside its linear range.
func sine8k(n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/8000))
	}
	return samples
}

// ============================================================================
// Convert
// ============================================================================

func TestConvert_ZeroLengthInput(t *testing.T) {
	converter := newTestConverter(t)
	out, err := converter.Convert([]byte{},
		internal_audio.NewMulaw8khzMonoAudioConfig(),
		internal_audio.NewLinear16khzMonoAudioConfig())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestConvert_SameFormatIsIdentity(t *testing.T) {
	converter := newTestConverter(t)
	cfg := internal_audio.NewLinear16khzMonoAudioConfig()
	in := pcmToBytes(sine8k(160))

	out, err := converter.Convert(in, cfg, cfg)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestConvert_UnsupportedCodec(t *testing.T) {
	converter := newTestConverter(t)
	bad := &internal_audio.AudioConfig{SampleRate: 8000, Channels: 1, AudioFormat: "OPUS"}

	_, err := converter.Convert([]byte{1, 2, 3, 4},
		bad, internal_audio.NewLinear16khzMonoAudioConfig())
	require.Error(t, err)
	var codecErr *internal_audio.UnsupportedCodecError
	assert.ErrorAs(t, err, &codecErr)
	assert.Equal(t, "OPUS", codecErr.Codec)
}

func TestConvert_MulawRoundTripPreservesWaveform(t *testing.T) {
	converter := newTestConverter(t)
	mulaw := internal_audio.NewMulaw8khzMonoAudioConfig()
	linear8k := &internal_audio.AudioConfig{SampleRate: 8000, Channels: 1, AudioFormat: internal_audio.Linear16}
	original := sine8k(320)

	encoded, err := converter.Convert(pcmToBytes(original), linear8k, mulaw)
	require.NoError(t, err)
	decoded, err := converter.Convert(encoded, mulaw, linear8k)
	require.NoError(t, err)

	// rates match so no resampling happens; µ-law is lossy so compare
	// within a companding tolerance
	roundTrip := bytesToPCM(decoded)
	require.Len(t, roundTrip, len(original))
	for i := range original {
		diff := math.Abs(float64(original[i]) - float64(roundTrip[i]))
		assert.LessOrEqualf(t, diff, 300.0, "sample %d drifted too far", i)
	}
}

// ============================================================================
// ToUpstream / FromUpstream
// ============================================================================

func TestToUpstream_UpsamplesMulawToSixteenKilohertz(t *testing.T) {
	converter := newTestConverter(t)
	src := internal_audio.NewMulaw8khzMonoAudioConfig()
	in := make([]byte, 160) // 20ms of µ-law at 8kHz

	out, err := converter.ToUpstream(in, src)
	require.NoError(t, err)
	// 160 µ-law samples → 320 linear16 samples → 640 bytes
	assert.Len(t, out, 640)
}

func TestFromUpstream_DownsamplesToSwitchRate(t *testing.T) {
	converter := newTestConverter(t)
	dst := internal_audio.NewMulaw8khzMonoAudioConfig()
	in := pcmToBytes(sine8k(480)) // 20ms of linear16 at 24kHz

	out, err := converter.FromUpstream(in, dst)
	require.NoError(t, err)
	// 480 samples at 24kHz → 160 samples at 8kHz → 160 µ-law bytes
	assert.Len(t, out, 160)
}

func TestFromUpstream_LinearSixteenPassesUnchangedAtMatchingRate(t *testing.T) {
	converter := newTestConverter(t)
	dst := internal_audio.NewLinear24khzMonoAudioConfig()
	in := pcmToBytes(sine8k(480))

	out, err := converter.FromUpstream(in, dst)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

// ============================================================================
// resampleLinear
// ============================================================================

func TestResampleLinear_LengthRatios(t *testing.T) {
	tests := []struct {
		name     string
		srcRate  int
		dstRate  int
		inLen    int
		expected int
	}{
		{"8k to 16k doubles", 8000, 16000, 80, 160},
		{"24k to 8k thirds", 24000, 8000, 240, 80},
		{"16k to 16k identity", 16000, 16000, 123, 123},
		{"empty stays empty", 8000, 16000, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := resampleLinear(make([]int16, tc.inLen), tc.srcRate, tc.dstRate)
			assert.Len(t, out, tc.expected)
		})
	}
}

func TestResampleLinear_InterpolatesBetweenSamples(t *testing.T) {
	out := resampleLinear([]int16{0, 100, 200, 300}, 8000, 16000)
	require.Len(t, out, 8)
	// odd positions land halfway between neighbours
	assert.Equal(t, int16(0), out[0])
	assert.Equal(t, int16(50), out[1])
	assert.Equal(t, int16(100), out[2])
	assert.Equal(t, int16(150), out[3])
}
