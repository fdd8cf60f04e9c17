package audio

import (
	"encoding/binary"
	"errors"
)

// ErrOddPCMLength reports a PCM16 payload whose byte length is not sample aligned.
var ErrOddPCMLength = errors.New("pcm16 payload length must be a multiple of 2")

// DecodePCM16LE converts little-endian 16-bit PCM bytes into float32 samples
// normalized to [-1, 1).
func DecodePCM16LE(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, ErrOddPCMLength
	}
	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[2*i:]))
		samples[i] = float32(v) / 32768.0
	}
	return samples, nil
}

// EncodePCM16LE converts float32 samples back to little-endian 16-bit PCM,
// clamping out-of-range values.
func EncodePCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// SilenceFrame returns an all-zero PCM16LE frame of n bytes. Zero frames are
// classified as non-speech unconditionally by the VAD, so they are safe to use
// as keepalive filler.
func SilenceFrame(n int) []byte {
	if n <= 0 {
		n = 3200
	}
	return make([]byte, n)
}
