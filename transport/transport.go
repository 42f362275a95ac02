// Package transport carries captured media to the inference service over a
// persistent WebSocket channel, with a one-shot HTTP upload used while the
// channel is down.
package transport

import (
	"context"
	"errors"

	"github.com/d1nch8g/signstream/video"
)

var (
	// ErrNotConnected means the payload was dropped because the channel is
	// not open. Nothing is queued.
	ErrNotConnected = errors.New("channel not connected")
	// ErrAlreadyOpen is returned by Open on a session that is running.
	ErrAlreadyOpen = errors.New("session already open")
	// ErrClosed is returned by Open after Close.
	ErrClosed = errors.New("session closed")
)

// State of the persistent channel.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Channel is the persistent, bidirectional connection to the service.
type Channel interface {
	Open(ctx context.Context) error
	SendBinary(data []byte) error
	SendText(data []byte) error
	SendFrame(meta video.FrameMeta, jpeg []byte) error
	Messages() <-chan Envelope
	State() State
	Close() error
}

// Fallback performs one-shot uploads when the channel is unavailable.
type Fallback interface {
	PostAudio(ctx context.Context, wav []byte) ([]Envelope, error)
	PostFrame(ctx context.Context, jpeg []byte) ([]Envelope, error)
}
