// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

import (
	"fmt"
)

// AudioFormat identifies the encoding of raw audio bytes as declared on
// the wire by the telephony switch.
type AudioFormat string

const (
	// Linear16 is signed 16-bit little-endian PCM.
	Linear16 AudioFormat = "L16"
	// MuLaw8 is G.711 µ-law companded 8-bit audio.
	MuLaw8 AudioFormat = "PCMU"
)

// UnsupportedCodecError reports a codec value that the bridge cannot
// decode or encode. Bytes are never passed through unconverted.
type UnsupportedCodecError struct {
	Codec string
}

func (e *UnsupportedCodecError) Error() string {
	return fmt.Sprintf("unsupported audio codec: %q", e.Codec)
}

// AudioConfig describes one direction of an audio stream: sample rate,
// channel count and byte encoding. Configs are immutable once built.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	AudioFormat AudioFormat
}

// BytesPerSample returns the size of one encoded sample.
func (c *AudioConfig) BytesPerSample() int {
	if c.AudioFormat == MuLaw8 {
		return 1
	}
	return 2
}

func NewMulaw8khzMonoAudioConfig() *AudioConfig {
	return &AudioConfig{SampleRate: 8000, Channels: 1, AudioFormat: MuLaw8}
}

func NewLinear16khzMonoAudioConfig() *AudioConfig {
	return &AudioConfig{SampleRate: 16000, Channels: 1, AudioFormat: Linear16}
}

func NewLinear24khzMonoAudioConfig() *AudioConfig {
	return &AudioConfig{SampleRate: 24000, Channels: 1, AudioFormat: Linear16}
}

// Gemini Live fixed formats: 16kHz LPCM up, 24kHz LPCM down.
var (
	GEMINI_INPUT_AUDIO_CONFIG  = NewLinear16khzMonoAudioConfig()
	GEMINI_OUTPUT_AUDIO_CONFIG = NewLinear24khzMonoAudioConfig()
)

// ParseAudioConfig builds an AudioConfig from the codec name and sample
// rate carried in a start control message.
func ParseAudioConfig(codec string, sampleRate int) (*AudioConfig, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", sampleRate)
	}
	switch AudioFormat(codec) {
	case MuLaw8:
		return &AudioConfig{SampleRate: sampleRate, Channels: 1, AudioFormat: MuLaw8}, nil
	case Linear16:
		return &AudioConfig{SampleRate: sampleRate, Channels: 1, AudioFormat: Linear16}, nil
	default:
		return nil, &UnsupportedCodecError{Codec: codec}
	}
}
