package video

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = 255
	}
	return img
}

func TestDownscaleKeepsAspectRatio(t *testing.T) {
	tests := []struct {
		w, h       int
		wantHeight int
	}{
		{1280, 720, 180},
		{640, 480, 240},
		{320, 320, 320},
		{1000, 1, 240},
	}

	for _, tt := range tests {
		got := Downscale(solid(tt.w, tt.h, color.RGBA{10, 20, 30, 255}), 320)
		if got.Rect.Dx() != 320 || got.Rect.Dy() != tt.wantHeight {
			t.Errorf("%dx%d -> %dx%d, want 320x%d", tt.w, tt.h, got.Rect.Dx(), got.Rect.Dy(), tt.wantHeight)
		}
	}
}

func TestMotionFractionFirstFrame(t *testing.T) {
	cur := solid(32, 24, color.RGBA{1, 2, 3, 255})
	if m := MotionFraction(nil, cur, 10, 30); m != 1 {
		t.Errorf("expected motion 1 without previous frame, got %v", m)
	}
}

func TestMotionFractionSizeMismatch(t *testing.T) {
	a := solid(32, 24, color.RGBA{})
	b := solid(32, 25, color.RGBA{})
	if m := MotionFraction(a, b, 10, 30); m != 1 {
		t.Errorf("expected motion 1 on size mismatch, got %v", m)
	}
}

func TestMotionFractionIdenticalFrames(t *testing.T) {
	a := solid(320, 180, color.RGBA{120, 60, 30, 255})
	b := solid(320, 180, color.RGBA{120, 60, 30, 255})
	if m := MotionFraction(a, b, 10, 30); m != 0 {
		t.Errorf("expected motion 0 for identical frames, got %v", m)
	}
}

func TestMotionFractionNoiseThreshold(t *testing.T) {
	a := solid(100, 10, color.RGBA{100, 100, 100, 255})
	quiet := solid(100, 10, color.RGBA{110, 110, 110, 255}) // delta 30, not above
	loud := solid(100, 10, color.RGBA{111, 110, 110, 255})  // delta 31

	if m := MotionFraction(a, quiet, 10, 30); m != 0 {
		t.Errorf("delta at threshold must not count, got %v", m)
	}
	if m := MotionFraction(a, loud, 10, 30); m != 1 {
		t.Errorf("delta above threshold must count, got %v", m)
	}
}

func TestMotionFractionPartial(t *testing.T) {
	// 100 pixels in one row, stride 10 samples x = 0, 10, ..., 90.
	a := solid(100, 1, color.RGBA{})
	b := solid(100, 1, color.RGBA{})
	for _, x := range []int{0, 10, 20} {
		b.SetRGBA(x, 0, color.RGBA{255, 255, 255, 255})
	}
	// Unsampled pixels are ignored.
	b.SetRGBA(5, 0, color.RGBA{255, 255, 255, 255})

	if m := MotionFraction(a, b, 10, 30); m != 0.3 {
		t.Errorf("expected motion 0.3, got %v", m)
	}
}

func TestContentHash(t *testing.T) {
	h := ContentHash(solid(320, 240, color.RGBA{12, 200, 99, 255}))
	if h != (Hash{12, 200, 99}) {
		t.Errorf("unexpected hash %v", h)
	}
	if h.String() != "12-200-99" {
		t.Errorf("unexpected hash string %q", h.String())
	}
}

func TestGateFirstFrameIsSent(t *testing.T) {
	g := NewGate(DefaultConfig())

	res, err := g.Evaluate(solid(640, 480, color.RGBA{200, 10, 10, 255}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Motion != 1 {
		t.Errorf("expected motion 1 for first frame, got %v", res.Motion)
	}
	if res.Decision != Send {
		t.Fatalf("expected first frame to be sent, got %v", res.Decision)
	}
	if res.Width != 320 || res.Height != 240 {
		t.Errorf("expected 320x240 candidate, got %dx%d", res.Width, res.Height)
	}

	decoded, err := jpeg.Decode(bytes.NewReader(res.JPEG))
	if err != nil {
		t.Fatalf("payload is not a JPEG: %v", err)
	}
	if decoded.Bounds().Dx() != 320 || decoded.Bounds().Dy() != 240 {
		t.Errorf("unexpected JPEG size %v", decoded.Bounds())
	}
}

func TestGateIdenticalFramesSkipped(t *testing.T) {
	g := NewGate(DefaultConfig())
	frame := solid(640, 480, color.RGBA{90, 180, 45, 255})

	if res, _ := g.Evaluate(frame); res.Decision != Send {
		t.Fatalf("expected first frame sent, got %v", res.Decision)
	}

	for i := 0; i < 5; i++ {
		res, err := g.Evaluate(solid(640, 480, color.RGBA{90, 180, 45, 255}))
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if res.Motion != 0 {
			t.Errorf("frame %d: expected motion 0, got %v", i, res.Motion)
		}
		if res.Decision != SkipStill {
			t.Errorf("frame %d: expected still skip, got %v", i, res.Decision)
		}
		if res.JPEG != nil {
			t.Errorf("frame %d: skipped frame must not be encoded", i)
		}
	}
}

func TestGateSuppressesDuplicateHashDespiteMotion(t *testing.T) {
	g := NewGate(DefaultConfig())
	frame := solid(320, 240, color.RGBA{50, 50, 50, 255})

	if res, _ := g.Evaluate(frame); res.Decision != Send {
		t.Fatalf("expected first frame sent, got %v", res.Decision)
	}

	// Flicker: the previous sampled frame differs, the content does not.
	g.prev = solid(320, 240, color.RGBA{250, 250, 250, 255})

	res, err := g.Evaluate(frame)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Motion < 0.99 {
		t.Fatalf("expected full motion against flicker frame, got %v", res.Motion)
	}
	if res.Decision != SkipDuplicate {
		t.Errorf("expected duplicate skip, got %v", res.Decision)
	}
}

func TestGateSendsChangedContent(t *testing.T) {
	g := NewGate(DefaultConfig())

	colors := []color.RGBA{{0, 0, 0, 255}, {200, 0, 0, 255}, {0, 200, 0, 255}, {0, 0, 200, 255}}
	for i, c := range colors {
		res, err := g.Evaluate(solid(320, 240, c))
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if res.Decision != Send {
			t.Errorf("frame %d: expected send, got %v", i, res.Decision)
		}
	}
}

func TestGateResetTreatsNextFrameAsFirst(t *testing.T) {
	g := NewGate(DefaultConfig())
	frame := solid(320, 240, color.RGBA{7, 7, 7, 255})

	g.Evaluate(frame)
	g.Reset()

	res, _ := g.Evaluate(frame)
	if res.Decision != Send || res.Motion != 1 {
		t.Errorf("expected send with motion 1 after reset, got %v motion %v", res.Decision, res.Motion)
	}
}

func TestGateRejectsEmptyFrame(t *testing.T) {
	g := NewGate(DefaultConfig())
	if _, err := g.Evaluate(image.NewRGBA(image.Rect(0, 0, 0, 0))); err != ErrEmptyFrame {
		t.Errorf("expected ErrEmptyFrame, got %v", err)
	}
}

func TestNewFrameMeta(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	meta := NewFrameMeta(320, 180, now)
	if meta.Type != "frame" || meta.TS != 1700000000123 || meta.Width != 320 || meta.Height != 180 {
		t.Errorf("unexpected meta %+v", meta)
	}
}
