package stt

import "context"

// Result is one recognition update. Interim results are replaced by later
// ones until a final result closes the utterance.
type Result struct {
	Text  string
	Final bool
}

// Recognizer defines the interface for local speech-to-text services.
// It is owned by the caller: nothing runs between Stop and the next Start.
type Recognizer interface {
	// Start begins recognizing mono PCM16 audio at sampleRate.
	Start(ctx context.Context, sampleRate int) error

	// Feed hands captured samples to the active stream. Samples are dropped
	// when the recognizer is stopped or busy.
	Feed(samples []int16)

	// Results delivers interim and final results for the recognizer's
	// lifetime. It is closed by Close.
	Results() <-chan Result

	// Stop ends recognition and waits for the stream to finish.
	Stop() error

	// Close stops the recognizer and cleans up resources
	Close() error
}
