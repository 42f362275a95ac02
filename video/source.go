package video

import (
	"context"
	"image"
	"time"
)

// FrameSource is a camera that keeps its most recent frame available.
type FrameSource interface {
	// Open acquires the device. It fails if the camera cannot be accessed.
	Open(ctx context.Context) error

	// Latest returns the newest captured frame. It reports false while no
	// frame has been buffered yet.
	Latest() (image.Image, bool)

	// Close releases the device.
	Close() error
}

// FrameMeta is the JSON header sent ahead of every binary frame.
type FrameMeta struct {
	Type   string `json:"type"`
	TS     int64  `json:"ts"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// NewFrameMeta stamps a header for a frame of the given size.
func NewFrameMeta(width, height int, now time.Time) FrameMeta {
	return FrameMeta{
		Type:   "frame",
		TS:     now.UnixMilli(),
		Width:  width,
		Height: height,
	}
}
