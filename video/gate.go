// Package video captures camera frames and decides which of them are worth
// sending: frames are downscaled, compared against the previous frame for
// motion, checked against the last sent frame for duplicates and only then
// JPEG encoded.
package video

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"golang.org/x/image/draw"
)

var (
	// ErrEncode is returned when a frame that passed the gate could not be
	// encoded. The tick is skipped.
	ErrEncode = errors.New("frame encode failed")
	// ErrEmptyFrame is returned for frames with no pixels.
	ErrEmptyFrame = errors.New("empty frame")
)

// Config tunes the gate.
type Config struct {
	// Width of the downscaled frame; height follows the source aspect ratio.
	Width int
	// MotionThreshold is the minimum motion fraction for a frame to be sent.
	MotionThreshold float64
	// NoiseThreshold is the summed |dR|+|dG|+|dB| above which a sampled pixel
	// counts as changed.
	NoiseThreshold int
	// Stride samples every Nth pixel for motion estimation.
	Stride int
	// Quality of the JPEG payload, 1-100.
	Quality int
}

// DefaultConfig matches the defaults the inference service was tuned with.
func DefaultConfig() Config {
	return Config{
		Width:           320,
		MotionThreshold: 0.02,
		NoiseThreshold:  30,
		Stride:          10,
		Quality:         65,
	}
}

// Decision is the outcome of gating one frame.
type Decision int

const (
	Send Decision = iota
	SkipStill
	SkipDuplicate
)

func (d Decision) String() string {
	switch d {
	case Send:
		return "sent"
	case SkipStill:
		return "still"
	case SkipDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Hash is a coarse content fingerprint: the mean color of a pixel sample.
type Hash struct {
	R, G, B uint8
}

func (h Hash) String() string {
	return fmt.Sprintf("%d-%d-%d", h.R, h.G, h.B)
}

// Candidate is a downscaled frame with its gate measurements.
type Candidate struct {
	Image  *image.RGBA
	Width  int
	Height int
	Motion float64
	Hash   Hash
}

// Result is what Evaluate decided for a frame. JPEG is set only for Send.
type Result struct {
	Decision Decision
	Candidate
	JPEG []byte
}

// Gate holds the state needed between frames: the previous sampled frame
// and the hash of the last frame that was actually sent.
type Gate struct {
	config Config

	prev         *image.RGBA
	lastSentHash Hash
	hasSent      bool
}

// NewGate creates a gate, filling zero config values with defaults.
func NewGate(config Config) *Gate {
	def := DefaultConfig()
	if config.Width <= 0 {
		config.Width = def.Width
	}
	if config.MotionThreshold < 0 {
		config.MotionThreshold = 0
	}
	if config.NoiseThreshold <= 0 {
		config.NoiseThreshold = def.NoiseThreshold
	}
	if config.Stride <= 0 {
		config.Stride = def.Stride
	}
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = def.Quality
	}
	return &Gate{config: config}
}

// Evaluate runs one frame through the gate. The previous-frame reference is
// updated on every call; the last-sent hash only when the frame is sent.
func (g *Gate) Evaluate(frame image.Image) (Result, error) {
	if frame == nil || frame.Bounds().Empty() {
		return Result{}, ErrEmptyFrame
	}

	small := Downscale(frame, g.config.Width)
	motion := MotionFraction(g.prev, small, g.config.Stride, g.config.NoiseThreshold)
	g.prev = small

	res := Result{
		Candidate: Candidate{
			Image:  small,
			Width:  small.Rect.Dx(),
			Height: small.Rect.Dy(),
			Motion: motion,
		},
	}

	if motion < g.config.MotionThreshold {
		res.Decision = SkipStill
		return res, nil
	}

	res.Hash = ContentHash(small)
	if g.hasSent && res.Hash == g.lastSentHash {
		res.Decision = SkipDuplicate
		return res, nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, small, &jpeg.Options{Quality: g.config.Quality}); err != nil {
		return res, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	g.lastSentHash = res.Hash
	g.hasSent = true
	res.Decision = Send
	res.JPEG = buf.Bytes()
	return res, nil
}

// Reset forgets the previous and last-sent frames, so the next frame is
// treated as the first one.
func (g *Gate) Reset() {
	g.prev = nil
	g.lastSentHash = Hash{}
	g.hasSent = false
}

// Downscale resizes src to the given width, keeping the aspect ratio.
func Downscale(src image.Image, width int) *image.RGBA {
	b := src.Bounds()
	height := int(math.Round(float64(b.Dy()) / float64(b.Dx()) * float64(width)))
	if height <= 0 {
		height = 240
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// MotionFraction returns the share of sampled pixels that changed between
// prev and cur. Without a comparable previous frame every pixel is new and
// the result is 1.
func MotionFraction(prev, cur *image.RGBA, stride, noise int) float64 {
	if prev == nil || cur == nil || prev.Rect.Size() != cur.Rect.Size() {
		return 1
	}
	if stride <= 0 {
		stride = 1
	}

	w, h := cur.Rect.Dx(), cur.Rect.Dy()
	pixels := w * h
	if pixels == 0 {
		return 1
	}

	var changed, sampled int
	for p := 0; p < pixels; p += stride {
		x, y := p%w, p/w
		a := prev.Pix[y*prev.Stride+x*4:]
		c := cur.Pix[y*cur.Stride+x*4:]

		delta := absDiff(a[0], c[0]) + absDiff(a[1], c[1]) + absDiff(a[2], c[2])
		if delta > noise {
			changed++
		}
		sampled++
	}
	return float64(changed) / float64(sampled)
}

// ContentHash averages R, G and B over a bounded sample of pixels.
func ContentHash(img *image.RGBA) Hash {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	pixels := w * h
	if pixels == 0 {
		return Hash{}
	}

	// Roughly 1250 samples regardless of resolution.
	step := max(4, pixels*4/5000)

	var r, g, b, count int
	for p := 0; p < pixels; p += step {
		x, y := p%w, p/w
		px := img.Pix[y*img.Stride+x*4:]
		r += int(px[0])
		g += int(px[1])
		b += int(px[2])
		count++
	}

	return Hash{
		R: uint8(math.Round(float64(r) / float64(count))),
		G: uint8(math.Round(float64(g) / float64(count))),
		B: uint8(math.Round(float64(b) / float64(count))),
	}
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
