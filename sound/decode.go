package sound

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"

	"github.com/d1nch8g/signstream/pcm"
)

// Clip is decoded mono PCM ready for the output stream.
type Clip struct {
	Samples    []int16
	SampleRate int
}

// Decode sniffs the payload and decodes WAV or MP3 into a mono clip.
func Decode(data []byte) (Clip, error) {
	switch {
	case isWav(data):
		samples, format, err := pcm.DecodeWav(data)
		if err != nil {
			return Clip{}, fmt.Errorf("failed to decode wav: %w", err)
		}
		return Clip{
			Samples:    pcm.Mono(samples, format.Channels),
			SampleRate: format.SampleRate,
		}, nil

	case isMP3(data):
		decoder, err := mp3.NewDecoder(bytes.NewReader(data))
		if err != nil {
			return Clip{}, fmt.Errorf("failed to open mp3: %w", err)
		}
		raw, err := io.ReadAll(decoder)
		if err != nil {
			return Clip{}, fmt.Errorf("failed to decode mp3: %w", err)
		}
		// go-mp3 always yields 16-bit little-endian stereo.
		return Clip{
			Samples:    pcm.Mono(pcm.BytesToPCM16(raw), 2),
			SampleRate: decoder.SampleRate(),
		}, nil

	default:
		return Clip{}, ErrUnsupportedFormat
	}
}

func isWav(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

func isMP3(data []byte) bool {
	if len(data) >= 3 && string(data[0:3]) == "ID3" {
		return true
	}
	// Frame sync: 11 set bits.
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}
