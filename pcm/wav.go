package pcm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WavHeaderSize is the size of the canonical header written by PCM16ToWav.
const WavHeaderSize = 44

var (
	ErrNotWav          = errors.New("not a RIFF/WAVE stream")
	ErrUnsupportedWav  = errors.New("unsupported WAV encoding")
	ErrMissingWavChunk = errors.New("WAV stream is missing a fmt or data chunk")
)

// Format describes a decoded WAV stream.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// PCM16ToWav wraps mono 16-bit samples in a canonical 44-byte WAV header.
//
// Layout: RIFF <size> WAVE | "fmt " 16 PCM(1) mono rate byterate align bits |
// "data" <size> samples...
func PCM16ToWav(samples []int16, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
		blockAlign    = channels * bitsPerSample / 8
	)
	dataSize := len(samples) * 2
	buf := make([]byte, WavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:34], blockAlign)
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[WavHeaderSize+i*2:], uint16(s))
	}
	return buf
}

// DecodeWav reads a 16-bit PCM WAV stream. Unknown chunks (LIST, fact, ...)
// are skipped. Samples are returned interleaved as stored.
func DecodeWav(data []byte) ([]int16, Format, error) {
	var format Format
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, format, ErrNotWav
	}

	var (
		haveFmt bool
		pos     = 12
	)
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8

		// Streaming writers leave the size at 0xFFFFFFFF or 0.
		if size < 0 || body+size > len(data) || (id == "data" && size == 0) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, format, fmt.Errorf("fmt chunk too short: %d bytes", size)
			}
			audioFormat := binary.LittleEndian.Uint16(data[body : body+2])
			format.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			format.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			// 0xFFFE is WAVE_FORMAT_EXTENSIBLE, still integer PCM for our writers.
			if (audioFormat != 1 && audioFormat != 0xFFFE) || format.BitsPerSample != 16 {
				return nil, format, fmt.Errorf("%w: format %d, %d bits", ErrUnsupportedWav, audioFormat, format.BitsPerSample)
			}
			if format.Channels < 1 || format.SampleRate <= 0 {
				return nil, format, fmt.Errorf("%w: %d channels at %d Hz", ErrUnsupportedWav, format.Channels, format.SampleRate)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, format, ErrMissingWavChunk
			}
			return BytesToPCM16(data[body : body+size]), format, nil
		}

		pos = body + size
		if size%2 == 1 {
			pos++
		}
	}
	return nil, format, ErrMissingWavChunk
}
