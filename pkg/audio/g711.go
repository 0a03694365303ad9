// Package audio provides the stateless codec for the telephony ↔ model audio
// path: ITU-T G.711 μ-law expansion/compression and linear sample-rate
// conversion between the telephony side (8 kHz) and the model side
// (16 kHz in, 16 or 24 kHz out).
//
// All functions are pure: no package-level state, no hidden allocation reuse,
// deterministic output for a given input. PCM inputs with an odd byte count
// are rejected rather than silently truncated.
package audio

import (
	"errors"
	"fmt"
)

// MulawSilence is the μ-law code for a zero-amplitude sample. Padding frames
// with this byte produces audible silence on the telephony side.
const MulawSilence byte = 0xFF

// ErrTruncatedPCM is returned when a PCM16 input does not contain a whole
// number of 16-bit samples.
var ErrTruncatedPCM = errors.New("audio: truncated PCM frame")

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawDecodeSample expands a single G.711 μ-law byte to a linear int16 sample.
func MulawDecodeSample(u byte) int16 {
	u = ^u
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	t := ((int32(mantissa) << 3) + mulawBias) << exponent
	t -= mulawBias
	if u&0x80 != 0 {
		return int16(-t)
	}
	return int16(t)
}

// MulawEncodeSample compresses a linear int16 sample to a G.711 μ-law byte.
func MulawEncodeSample(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// MulawDecode expands μ-law bytes to little-endian PCM16 at the same sample
// rate (8 kHz in, 8 kHz out; one input byte becomes two output bytes).
func MulawDecode(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, u := range mulaw {
		s := MulawDecodeSample(u)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// MulawEncode compresses little-endian PCM16 to μ-law at the same sample rate.
// Returns [ErrTruncatedPCM] if pcm does not hold whole int16 samples.
func MulawEncode(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrTruncatedPCM
	}
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = MulawEncodeSample(s)
	}
	return out, nil
}

// MulawToPCM16k converts telephony μ-law@8k to model-input PCM16LE@16k:
// G.711 expansion followed by a linear 8 k → 16 k upsample. Linear
// interpolation is sufficient for speech; the signature permits swapping in
// a polyphase filter without changing callers.
func MulawToPCM16k(mulaw []byte) []byte {
	return ResampleMono16(MulawDecode(mulaw), 8000, 16000)
}

// PCMToMulaw8k converts model-output PCM16LE at inputRate (16000 or 24000 Hz)
// to telephony μ-law@8k: linear downsample to 8 kHz, then G.711 compression.
// Returns [ErrTruncatedPCM] for odd-length input and an error for an
// unsupported rate.
func PCMToMulaw8k(pcm []byte, inputRate int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrTruncatedPCM
	}
	switch inputRate {
	case 16000, 24000:
	default:
		return nil, fmt.Errorf("audio: unsupported input rate %d Hz", inputRate)
	}
	return MulawEncode(ResampleMono16(pcm, inputRate, 8000))
}
