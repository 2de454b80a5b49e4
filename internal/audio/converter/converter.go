// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio_converter

import (
	"encoding/binary"

	"github.com/zaf/g711"

	internal_audio "github.com/rapidaai/voice-bridge/internal/audio"
	"github.com/rapidaai/voice-bridge/pkg/commons"
)

// Converter transforms raw audio between the switch's declared format and
// the fixed Gemini Live formats. All operations are stateless and
// deterministic; zero-length input yields zero-length output.
type Converter interface {
	// Convert decodes src-encoded bytes, resamples and re-encodes for dst.
	Convert(data []byte, src, dst *internal_audio.AudioConfig) ([]byte, error)

	// ToUpstream converts switch audio to the Gemini input format
	// (linear16 16kHz).
	ToUpstream(data []byte, src *internal_audio.AudioConfig) ([]byte, error)

	// FromUpstream converts Gemini output audio (linear16 24kHz) back to
	// the switch's format.
	FromUpstream(data []byte, dst *internal_audio.AudioConfig) ([]byte, error)
}

type pcmConverter struct {
	logger commons.Logger
}

// GetConverter returns the codec converter.
func GetConverter(logger commons.Logger) (Converter, error) {
	return &pcmConverter{logger: logger}, nil
}

func (c *pcmConverter) Convert(data []byte, src, dst *internal_audio.AudioConfig) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}
	samples, err := decodeSamples(data, src)
	if err != nil {
		return nil, err
	}
	samples = resampleLinear(samples, src.SampleRate, dst.SampleRate)
	return encodeSamples(samples, dst)
}

func (c *pcmConverter) ToUpstream(data []byte, src *internal_audio.AudioConfig) ([]byte, error) {
	return c.Convert(data, src, internal_audio.GEMINI_INPUT_AUDIO_CONFIG)
}

func (c *pcmConverter) FromUpstream(data []byte, dst *internal_audio.AudioConfig) ([]byte, error) {
	return c.Convert(data, internal_audio.GEMINI_OUTPUT_AUDIO_CONFIG, dst)
}

// decodeSamples expands encoded bytes to signed 16-bit samples.
func decodeSamples(data []byte, cfg *internal_audio.AudioConfig) ([]int16, error) {
	switch cfg.AudioFormat {
	case internal_audio.MuLaw8:
		return bytesToPCM(g711.DecodeUlaw(data)), nil
	case internal_audio.Linear16:
		return bytesToPCM(data), nil
	default:
		return nil, &internal_audio.UnsupportedCodecError{Codec: string(cfg.AudioFormat)}
	}
}

// encodeSamples compands/serialises signed 16-bit samples into the target
// encoding.
func encodeSamples(samples []int16, cfg *internal_audio.AudioConfig) ([]byte, error) {
	switch cfg.AudioFormat {
	case internal_audio.MuLaw8:
		return g711.EncodeUlaw(pcmToBytes(samples)), nil
	case internal_audio.Linear16:
		return pcmToBytes(samples), nil
	default:
		return nil, &internal_audio.UnsupportedCodecError{Codec: string(cfg.AudioFormat)}
	}
}

// resampleLinear converts between sample rates by linear interpolation.
// The bridge only ever moves between 8, 16 and 24 kHz narrow/wideband
// speech, where this is the standard kernel for live telephony bridges.
func resampleLinear(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	ratio := float64(srcRate) / float64(dstRate)
	outLen := int(float64(len(samples)) / ratio)
	out := make([]int16, outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int16(float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac)
	}
	return out
}

func bytesToPCM(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

func pcmToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}
