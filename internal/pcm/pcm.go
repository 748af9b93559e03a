// Package pcm converts between floating-point audio samples and the
// 16-bit little-endian wire format the transcription service consumes.
package pcm

import "encoding/binary"

// Fixed audio format. The transcription endpoint only accepts this shape,
// so none of it is configurable per deployment.
const (
	SampleRate   = 16000
	Channels     = 1
	FrameSamples = 4096
	FrameBytes   = FrameSamples * 2
)

// EncodeLE quantizes float samples to signed 16-bit little-endian PCM.
// Inputs are expected in [-1, 1]; values outside are clamped, never rejected.
func EncodeLE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		var v int16
		switch {
		case s >= 1:
			v = 32767
		case s <= -1:
			v = -32768
		case s >= 0:
			v = int16(s * 32767)
		default:
			v = int16(s * 32768)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DecodeLE is the inverse of EncodeLE, used by the WAV tap and tests.
func DecodeLE(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// Silence returns n samples of PCM silence.
func Silence(n int) []byte {
	return make([]byte, n*2)
}

// Mix sums two gain-adjusted float frames into a new frame. The shorter
// input determines the output length; the sum saturates at full scale once
// encoded, so no clamping happens here.
func Mix(a, b []float32, gainA, gainB float32) []float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = a[i]*gainA + b[i]*gainB
	}
	return out
}

// Scale applies a gain to a frame in place.
func Scale(frame []float32, gain float32) {
	if gain == 1 {
		return
	}
	for i := range frame {
		frame[i] *= gain
	}
}
