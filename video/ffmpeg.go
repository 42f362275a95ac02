package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CameraConfig selects the capture device and the raw frame geometry.
type CameraConfig struct {
	// FFmpegPath defaults to "ffmpeg" on PATH.
	FFmpegPath string
	// InputFormat is the ffmpeg demuxer: v4l2, avfoundation or dshow.
	InputFormat string
	// Device is passed to -i, e.g. /dev/video0, "0" or "video=Integrated Camera".
	Device    string
	Width     int
	Height    int
	FrameRate int
	// OpenTimeout bounds the wait for the first frame.
	OpenTimeout time.Duration
}

// DefaultCameraConfig captures 1280x720 from the first V4L2 device.
func DefaultCameraConfig() CameraConfig {
	return CameraConfig{
		FFmpegPath:  "ffmpeg",
		InputFormat: "v4l2",
		Device:      "/dev/video0",
		Width:       1280,
		Height:      720,
		FrameRate:   30,
		OpenTimeout: 5 * time.Second,
	}
}

// FFmpegCamera reads raw RGBA frames from an ffmpeg child process and keeps
// only the newest one.
type FFmpegCamera struct {
	config CameraConfig
	logger *zap.Logger

	mu      sync.Mutex
	latest  *image.RGBA
	frames  int64
	cancel  context.CancelFunc
	cmd     *exec.Cmd
	stderr  *bytes.Buffer
	done    chan struct{}
	readErr error
}

// NewFFmpegCamera creates a camera source. Nothing runs until Open.
func NewFFmpegCamera(config CameraConfig, logger *zap.Logger) *FFmpegCamera {
	def := DefaultCameraConfig()
	if config.FFmpegPath == "" {
		config.FFmpegPath = def.FFmpegPath
	}
	if config.InputFormat == "" {
		config.InputFormat = def.InputFormat
	}
	if config.Device == "" {
		config.Device = def.Device
	}
	if config.Width <= 0 || config.Height <= 0 {
		config.Width, config.Height = def.Width, def.Height
	}
	if config.FrameRate <= 0 {
		config.FrameRate = def.FrameRate
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = def.OpenTimeout
	}

	return &FFmpegCamera{
		config: config,
		logger: logger.With(zap.String("component", "camera"), zap.String("device", config.Device)),
	}
}

func (c *FFmpegCamera) args() []string {
	return []string{
		"-nostdin",
		"-hide_banner", "-loglevel", "error",
		"-f", c.config.InputFormat,
		"-framerate", strconv.Itoa(c.config.FrameRate),
		"-video_size", fmt.Sprintf("%dx%d", c.config.Width, c.config.Height),
		"-i", c.config.Device,
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d", c.config.Width, c.config.Height),
		"-pix_fmt", "rgba",
		"-f", "rawvideo",
		"pipe:1",
	}
}

// Open starts ffmpeg and blocks until the first frame arrives, the process
// dies or OpenTimeout passes.
func (c *FFmpegCamera) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.cmd != nil {
		c.mu.Unlock()
		return errors.New("camera already open")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, c.config.FFmpegPath, c.args()...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("ffmpeg start: %w", err)
	}

	c.cmd = cmd
	c.cancel = cancel
	c.stderr = stderr
	c.done = make(chan struct{})
	c.latest = nil
	c.frames = 0
	c.readErr = nil
	done := c.done
	c.mu.Unlock()

	first := make(chan struct{})
	go c.readLoop(stdout, first, done)

	timer := time.NewTimer(c.config.OpenTimeout)
	defer timer.Stop()

	select {
	case <-first:
		c.logger.Info("camera started",
			zap.Int("width", c.config.Width),
			zap.Int("height", c.config.Height))
		return nil
	case <-done:
		// Wait for ffmpeg so stderr is fully copied.
		c.Close()
		return c.failure()
	case <-timer.C:
		c.Close()
		return fmt.Errorf("no frame from %s within %s", c.config.Device, c.config.OpenTimeout)
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}
}

func (c *FFmpegCamera) readLoop(r io.Reader, first, done chan struct{}) {
	defer close(done)

	size := c.config.Width * c.config.Height * 4
	var once sync.Once
	for {
		frame := image.NewRGBA(image.Rect(0, 0, c.config.Width, c.config.Height))
		if _, err := io.ReadFull(r, frame.Pix[:size]); err != nil {
			c.mu.Lock()
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				c.readErr = err
			}
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		c.latest = frame
		c.frames++
		c.mu.Unlock()

		once.Do(func() { close(first) })
	}
}

func (c *FFmpegCamera) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readErr != nil {
		return fmt.Errorf("camera read: %w", c.readErr)
	}
	msg := strings.TrimSpace(c.stderr.String())
	if msg == "" {
		msg = "ffmpeg exited before the first frame"
	}
	return fmt.Errorf("camera %s: %s", c.config.Device, msg)
}

// Latest returns the newest frame.
func (c *FFmpegCamera) Latest() (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.latest == nil {
		return nil, false
	}
	return c.latest, true
}

// Close stops ffmpeg. Idempotent.
func (c *FFmpegCamera) Close() error {
	c.mu.Lock()
	cmd, cancel, done := c.cmd, c.cancel, c.done
	c.cmd, c.cancel = nil, nil
	frames := c.frames
	c.mu.Unlock()

	if cmd == nil {
		return nil
	}

	cancel()
	<-done
	cmd.Wait()

	c.logger.Info("camera stopped", zap.Int64("frames", frames))
	return nil
}
