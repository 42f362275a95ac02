package audio

import (
	"context"
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"
)

type Config struct {
	SampleRate      float64
	FramesPerBuffer int
	InputChannels   int
}

type PortaudioStreamer struct {
	stream      *portaudio.Stream
	audioBuffer []float32
	config      Config
	logger      *zap.Logger
}

func NewPortaudioStreamer(config Config, logger *zap.Logger) *PortaudioStreamer {
	def := GetDefaultConfig()
	if config.SampleRate <= 0 {
		config.SampleRate = def.SampleRate
	}
	if config.FramesPerBuffer <= 0 {
		config.FramesPerBuffer = def.FramesPerBuffer
	}
	if config.InputChannels <= 0 {
		config.InputChannels = def.InputChannels
	}
	return &PortaudioStreamer{
		config:      config,
		audioBuffer: make([]float32, config.FramesPerBuffer*config.InputChannels),
		logger:      logger.With(zap.String("component", "microphone")),
	}
}

func (a *PortaudioStreamer) Initialize() error {
	return portaudio.Initialize()
}

func (a *PortaudioStreamer) Terminate() {
	portaudio.Terminate()
}

func (a *PortaudioStreamer) SampleRate() int {
	return int(a.config.SampleRate)
}

func (a *PortaudioStreamer) Open() error {
	stream, err := portaudio.OpenDefaultStream(
		a.config.InputChannels,
		0,
		a.config.SampleRate,
		a.config.FramesPerBuffer,
		a.audioBuffer,
	)
	if err != nil {
		return fmt.Errorf("failed to open input stream: %w", err)
	}
	a.stream = stream
	return nil
}

func (a *PortaudioStreamer) Close() error {
	if a.stream != nil {
		err := a.stream.Close()
		a.stream = nil
		return err
	}
	return nil
}

func (a *PortaudioStreamer) StartCapture(ctx context.Context, chunks chan<- []float32) error {
	if a.stream == nil {
		return errors.New("Stream not opened")
	}

	if err := a.stream.Start(); err != nil {
		return fmt.Errorf("failed to start input stream: %w", err)
	}
	defer a.stream.Stop()

	var dropped int
	for {
		select {
		case <-ctx.Done():
			if dropped > 0 {
				a.logger.Debug("capture stopped", zap.Int("dropped_chunks", dropped))
			}
			return ctx.Err()
		default:
			if err := a.stream.Read(); err != nil {
				// Overflows are expected when the consumer stalls.
				if !errors.Is(err, portaudio.InputOverflowed) {
					a.logger.Warn("error reading audio", zap.Error(err))
				}
				continue
			}

			chunk := downmix(a.audioBuffer, a.config.InputChannels)

			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			default:
				// Drop audio if channel is full
				dropped++
			}
		}
	}
}

// downmix copies the interleaved buffer into a fresh mono chunk.
func downmix(buffer []float32, channels int) []float32 {
	if channels <= 1 {
		return append([]float32(nil), buffer...)
	}
	out := make([]float32, len(buffer)/channels)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += buffer[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

func GetDefaultConfig() Config {
	return Config{
		SampleRate:      48000,
		FramesPerBuffer: 4096,
		InputChannels:   1,
	}
}
