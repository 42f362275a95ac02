package sound

import (
	"context"
	"errors"
)

// ErrUnsupportedFormat is returned for payloads that are neither WAV nor MP3.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Item is one response clip: either a reference to fetch or inline bytes.
type Item struct {
	URL  string
	Data []byte
}

// Player renders a single item.
type Player interface {
	// Play blocks until the item has been rendered, failed or ctx was
	// cancelled.
	Play(ctx context.Context, item Item) error
}
