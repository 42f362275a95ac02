// Package pcm converts captured audio into wire-ready 16-bit PCM.
//
// All functions are pure: they never retain or mutate their inputs.
package pcm

import (
	"encoding/binary"
	"math"
	"time"
)

// TargetRate is the sample rate the inference endpoint expects.
const TargetRate = 16000

// FloatToPCM16 converts float samples in [-1, 1] to signed 16-bit PCM.
// Values outside the range are clamped first and NaN becomes silence.
// Negative values scale by
// 0x8000 and positive values by 0x7FFF, truncating toward zero.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s)
		if math.IsNaN(v) {
			v = 0
		}
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		if v < 0 {
			out[i] = int16(v * 0x8000)
		} else {
			out[i] = int16(v * 0x7FFF)
		}
	}
	return out
}

// ResampleLinear changes the sample rate of samples from sourceRate to
// targetRate. The output has round(len*targetRate/sourceRate) samples, each
// the mean of the source samples inside its proportional input window.
// It is a box filter, good enough for speech, not for music.
func ResampleLinear(samples []float32, sourceRate, targetRate int) []float32 {
	if len(samples) == 0 || sourceRate <= 0 || targetRate <= 0 {
		return []float32{}
	}
	if sourceRate == targetRate {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	n := int(math.Round(float64(len(samples)) * float64(targetRate) / float64(sourceRate)))
	out := make([]float32, n)
	ratio := float64(sourceRate) / float64(targetRate)

	for i := range out {
		start := int(math.Floor(float64(i) * ratio))
		end := int(math.Floor(float64(i+1) * ratio))
		if start >= len(samples) {
			start = len(samples) - 1
		}
		if end > len(samples) {
			end = len(samples)
		}

		// Upsampling leaves windows empty; take the nearest sample.
		if end <= start {
			out[i] = samples[start]
			continue
		}

		var sum float64
		for _, s := range samples[start:end] {
			sum += float64(s)
		}
		out[i] = float32(sum / float64(end-start))
	}
	return out
}

// PCM16ToBytes encodes samples as s16le.
func PCM16ToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToPCM16 decodes s16le bytes. A trailing odd byte is ignored.
func BytesToPCM16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// Mono averages interleaved frames down to a single channel.
func Mono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	out := make([]int16, len(samples)/channels)
	for i := range out {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(samples[i*channels+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// Duration returns the play time of n mono samples at rate.
func Duration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
