// Package engine drives a streaming session: it owns the capture devices,
// feeds captured media through the gate and the batcher into the transport,
// and routes responses into transcript state and the playback queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/d1nch8g/signstream/audio"
	"github.com/d1nch8g/signstream/batch"
	"github.com/d1nch8g/signstream/pcm"
	"github.com/d1nch8g/signstream/sound"
	"github.com/d1nch8g/signstream/stt"
	"github.com/d1nch8g/signstream/transport"
	"github.com/d1nch8g/signstream/tts"
	"github.com/d1nch8g/signstream/video"
)

var (
	ErrAlreadyRunning = errors.New("engine is already running")
	ErrNotRunning     = errors.New("engine is not running")

	errNotLive = errors.New("engine stopping")
)

// DeviceAccessError means a capture device could not be acquired. Nothing
// was started.
type DeviceAccessError struct {
	Device string
	Err    error
}

func (e *DeviceAccessError) Error() string {
	return fmt.Sprintf("failed to access %s: %v", e.Device, e.Err)
}

func (e *DeviceAccessError) Unwrap() error {
	return e.Err
}

// Mode selects which media are streamed.
type Mode int

const (
	ModeAudio Mode = 1 << iota
	ModeVideo

	ModeBoth = ModeAudio | ModeVideo
)

func (m Mode) String() string {
	switch m {
	case ModeAudio:
		return "audio"
	case ModeVideo:
		return "video"
	case ModeBoth:
		return "both"
	default:
		return "none"
	}
}

// ParseMode accepts audio, video or both.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "audio":
		return ModeAudio, nil
	case "video":
		return ModeVideo, nil
	case "both":
		return ModeBoth, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

// Playback is the response audio queue.
type Playback interface {
	Enqueue(item sound.Item)
	Clear()
	Len() int
}

// TransportFactory returns a fresh, unopened channel for each run.
type TransportFactory func() transport.Channel

// Deps are the collaborators of the engine. Recognizer and Synthesizer are
// optional; Microphone and Camera are required only by the modes that use
// them.
type Deps struct {
	Microphone  audio.AudioStreamer
	Camera      video.FrameSource
	Transport   TransportFactory
	Uploader    transport.Fallback
	Queue       Playback
	Recognizer  stt.Recognizer
	Synthesizer tts.Synthesizer
}

// EngineConfig holds the configuration for the streaming engine
type EngineConfig struct {
	Mode Mode
	// FPS is the video send rate, independent of the camera frame rate.
	FPS       int
	Gate      video.Config
	Batch     batch.Config
	EnableTTS bool
	// SynthesisTimeout bounds one local synthesis call.
	SynthesisTimeout time.Duration
	MaxHistorySize   int
}

// Engine orchestrates the capture, send and response flow
type Engine struct {
	config EngineConfig
	deps   Deps
	logger *zap.Logger

	batcher *batch.Batcher
	gate    *video.Gate

	isRunning    bool
	runningMutex sync.Mutex
	live         atomic.Bool

	channel       transport.Channel
	recognizing   bool
	captureCancel context.CancelFunc
	flushCancel   context.CancelFunc
	dispatchStop  context.CancelFunc
	sendCancel    context.CancelFunc
	captureWG     sync.WaitGroup
	flushWG       sync.WaitGroup
	sendWG        sync.WaitGroup
	dispatchWG    sync.WaitGroup

	audioOut chan []int16
	frameOut chan framePayload
	synth    atomic.Pointer[synthWorker]

	state      transcriptState
	stateMutex sync.RWMutex
}

// NewEngine creates a new streaming engine instance
func NewEngine(config EngineConfig, deps Deps, logger *zap.Logger) *Engine {
	if config.Mode == 0 {
		config.Mode = ModeVideo
	}
	if config.FPS < 1 {
		config.FPS = 1
	}
	if config.SynthesisTimeout <= 0 {
		config.SynthesisTimeout = 10 * time.Second
	}
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = 10 // Default to last 10 transcripts
	}
	config.Batch.SampleRate = pcm.TargetRate

	return &Engine{
		config:  config,
		deps:    deps,
		logger:  logger.With(zap.String("component", "engine")),
		batcher: batch.New(config.Batch, logger),
		gate:    video.NewGate(config.Gate),
		state:   transcriptState{status: "idle"},
	}
}

// Start acquires the devices, opens the transport and starts the capture,
// flush, send, synthesis and dispatch tasks.
func (e *Engine) Start(ctx context.Context) error {
	e.runningMutex.Lock()
	defer e.runningMutex.Unlock()

	if e.isRunning {
		return ErrAlreadyRunning
	}

	if err := e.acquireDevices(ctx); err != nil {
		e.setStatus("device error: " + err.Error())
		return err
	}

	channel := e.deps.Transport()
	if err := channel.Open(ctx); err != nil {
		e.releaseDevices()
		return fmt.Errorf("failed to open transport: %w", err)
	}
	e.stateMutex.Lock()
	e.channel = channel
	e.stateMutex.Unlock()

	e.gate.Reset()
	e.batcher.Reset()

	e.recognizing = false
	if e.deps.Recognizer != nil && e.config.Mode&ModeAudio != 0 {
		if err := e.deps.Recognizer.Start(ctx, pcm.TargetRate); err != nil {
			e.logger.Warn("local recognition unavailable", zap.Error(err))
		} else {
			e.recognizing = true
		}
	}

	e.live.Store(true)

	var dispatchCtx, flushCtx, captureCtx context.Context
	dispatchCtx, e.dispatchStop = context.WithCancel(ctx)
	flushCtx, e.flushCancel = context.WithCancel(ctx)
	captureCtx, e.captureCancel = context.WithCancel(ctx)

	var results <-chan stt.Result
	if e.recognizing {
		results = e.deps.Recognizer.Results()
	}
	e.dispatchWG.Add(1)
	go e.dispatchLoop(dispatchCtx, channel.Messages(), results)

	e.startSynthesis(ctx)
	e.startSenders(ctx)

	e.flushWG.Add(1)
	go func() {
		defer e.flushWG.Done()
		e.batcher.Run(flushCtx, e.publishAudio)
	}()

	if e.config.Mode&ModeAudio != 0 {
		e.captureWG.Add(1)
		go e.captureAudio(captureCtx)
	}
	if e.config.Mode&ModeVideo != 0 {
		e.captureWG.Add(1)
		go e.captureVideo(captureCtx)
	}

	e.isRunning = true
	e.setStatus("streaming")
	e.logger.Info("engine started",
		zap.Stringer("mode", e.config.Mode),
		zap.Int("fps", e.config.FPS),
		zap.Duration("batch_interval", e.config.Batch.Interval))
	return nil
}

// Stop tears the session down in order: capture, flush timer, senders,
// transport, devices. Playback is cleared.
func (e *Engine) Stop() error {
	e.runningMutex.Lock()
	defer e.runningMutex.Unlock()

	if !e.isRunning {
		return ErrNotRunning
	}

	// Nothing may be sent after this point.
	e.live.Store(false)

	e.captureCancel()
	e.captureWG.Wait()

	e.flushCancel()
	e.flushWG.Wait()

	e.stopSenders()

	if e.recognizing {
		if err := e.deps.Recognizer.Stop(); err != nil {
			e.logger.Warn("failed to stop recognizer", zap.Error(err))
		}
		e.recognizing = false
	}

	if err := e.channel.Close(); err != nil {
		e.logger.Warn("failed to close transport", zap.Error(err))
	}
	e.dispatchStop()
	e.dispatchWG.Wait()
	e.stopSynthesis()

	e.releaseDevices()

	if e.deps.Queue != nil {
		e.deps.Queue.Clear()
	}

	e.isRunning = false
	e.setStatus("stopped")
	e.logger.Info("engine stopped", zap.Int("pending_samples_dropped", e.batcher.Pending()))
	e.batcher.Reset()
	return nil
}

// IsRunning returns whether the engine is currently running
func (e *Engine) IsRunning() bool {
	e.runningMutex.Lock()
	defer e.runningMutex.Unlock()
	return e.isRunning
}

func (e *Engine) acquireDevices(ctx context.Context) error {
	if e.config.Mode&ModeAudio != 0 {
		mic := e.deps.Microphone
		if mic == nil {
			return &DeviceAccessError{Device: "microphone", Err: errors.New("no microphone configured")}
		}
		if err := mic.Initialize(); err != nil {
			return &DeviceAccessError{Device: "microphone", Err: err}
		}
		if err := mic.Open(); err != nil {
			mic.Terminate()
			return &DeviceAccessError{Device: "microphone", Err: err}
		}
	}

	if e.config.Mode&ModeVideo != 0 {
		cam := e.deps.Camera
		var err error
		if cam == nil {
			err = errors.New("no camera configured")
		} else {
			err = cam.Open(ctx)
		}
		if err != nil {
			if e.config.Mode&ModeAudio != 0 {
				e.deps.Microphone.Close()
				e.deps.Microphone.Terminate()
			}
			return &DeviceAccessError{Device: "camera", Err: err}
		}
		e.setStatus("camera ready")
	}
	return nil
}

func (e *Engine) releaseDevices() {
	if e.config.Mode&ModeAudio != 0 {
		if err := e.deps.Microphone.Close(); err != nil {
			e.logger.Warn("failed to close microphone", zap.Error(err))
		}
		e.deps.Microphone.Terminate()
	}
	if e.config.Mode&ModeVideo != 0 {
		if err := e.deps.Camera.Close(); err != nil {
			e.logger.Warn("failed to close camera", zap.Error(err))
		}
	}
}

// captureAudio converts device chunks to 16 kHz PCM and appends them to the
// pending batch.
func (e *Engine) captureAudio(ctx context.Context) {
	defer e.captureWG.Done()

	mic := e.deps.Microphone
	rate := mic.SampleRate()
	chunks := make(chan []float32, 8)

	e.captureWG.Add(1)
	go func() {
		defer e.captureWG.Done()
		if err := mic.StartCapture(ctx, chunks); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("audio capture failed", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-chunks:
			if !e.live.Load() {
				continue
			}
			samples := pcm.FloatToPCM16(pcm.ResampleLinear(chunk, rate, pcm.TargetRate))
			e.batcher.Append(samples)
			if e.recognizing {
				e.deps.Recognizer.Feed(samples)
			}
		}
	}
}

// captureVideo samples the camera at the configured rate, independent of
// the device frame rate.
func (e *Engine) captureVideo(ctx context.Context) {
	defer e.captureWG.Done()

	ticker := time.NewTicker(time.Second / time.Duration(e.config.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.videoTick()
		}
	}
}

func (e *Engine) videoTick() {
	frame, ok := e.deps.Camera.Latest()
	if !ok {
		return
	}

	res, err := e.gate.Evaluate(frame)
	if err != nil {
		recordFrame("error")
		e.logger.Warn("frame skipped", zap.Error(err))
		return
	}
	recordFrame(res.Decision.String())
	if res.Decision != video.Send || !e.live.Load() {
		return
	}

	e.publishFrame(framePayload{
		meta: video.NewFrameMeta(res.Width, res.Height, time.Now()),
		jpeg: res.JPEG,
	})
}
