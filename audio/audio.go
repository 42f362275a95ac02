package audio

import "context"

// AudioStreamer defines the interface for microphone capture implementations
type AudioStreamer interface {
	// Initialize initializes the audio system
	Initialize() error

	// Terminate terminates the audio system
	Terminate()

	// Open acquires the input device with configured parameters
	Open() error

	// Close releases the input device
	Close() error

	// SampleRate is the rate of captured chunks in Hz
	SampleRate() int

	// StartCapture reads mono float32 chunks in [-1, 1] and sends them to the
	// provided channel, dropping chunks when the channel is full.
	// The method blocks until the context is cancelled
	StartCapture(ctx context.Context, chunks chan<- []float32) error
}
