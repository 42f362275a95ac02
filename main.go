package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/d1nch8g/signstream/audio"
	"github.com/d1nch8g/signstream/batch"
	"github.com/d1nch8g/signstream/config"
	"github.com/d1nch8g/signstream/engine"
	"github.com/d1nch8g/signstream/sound"
	"github.com/d1nch8g/signstream/status"
	"github.com/d1nch8g/signstream/stt"
	"github.com/d1nch8g/signstream/transport"
	"github.com/d1nch8g/signstream/tts"
	"github.com/d1nch8g/signstream/video"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	idle := flag.Bool("idle", false, "wait for POST /session/start instead of streaming right away")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, *idle, logger); err != nil {
		logger.Error("signstream failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, idle bool, logger *zap.Logger) error {
	mode, err := engine.ParseMode(cfg.Stream.Mode)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID := uuid.New().String()
	logger = logger.With(zap.String("session_id", sessionID))

	header := http.Header{}
	header.Set("X-Session-ID", sessionID)
	sessionConfig := transport.SessionConfig{
		URL:            cfg.Stream.WSURL,
		ReconnectDelay: cfg.Stream.ReconnectDelay,
		Header:         header,
	}

	uploader := transport.NewUploader(transport.UploaderConfig{
		AudioURL:  cfg.Stream.AudioFallbackURL,
		FrameURL:  cfg.Stream.FrameFallbackURL,
		SessionID: sessionID,
	}, logger)

	// Response playback
	playerConfig := sound.GetDefaultConfig()
	playerConfig.BaseURL = httpBase(cfg.Stream.WSURL)
	player := sound.NewPortaudioPlayer(playerConfig, logger)
	if err := player.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize audio output: %w", err)
	}
	defer player.Terminate()

	queue := sound.NewQueue(player, logger)
	defer queue.Close()

	deps := engine.Deps{
		Microphone: audio.NewPortaudioStreamer(audio.Config{
			SampleRate:      cfg.Audio.SampleRate,
			FramesPerBuffer: cfg.Audio.FramesPerBuffer,
			InputChannels:   1,
		}, logger),
		Camera: video.NewFFmpegCamera(cameraConfig(cfg.Video), logger),
		Transport: func() transport.Channel {
			return transport.NewSession(sessionConfig, logger)
		},
		Uploader: uploader,
		Queue:    queue,
	}

	// Local speech services are optional
	if cfg.Recognizer.IamToken != "" {
		recognizer, err := stt.NewYandexRecognizer(stt.YandexConfig{
			IamToken:   cfg.Recognizer.IamToken,
			FolderID:   cfg.Recognizer.FolderID,
			Language:   cfg.Recognizer.Language,
			Continuous: cfg.Recognizer.Continuous,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create recognizer: %w", err)
		}
		defer recognizer.Close()
		deps.Recognizer = recognizer
	}
	if cfg.Synthesizer.ApiKey != "" {
		options := tts.GetDefaultSynthesisOptions()
		options.Voice = cfg.Synthesizer.Voice
		synthesizer, err := tts.NewYandexTTSClient(tts.YandexConfig{
			ApiKey:   cfg.Synthesizer.ApiKey,
			FolderID: cfg.Synthesizer.FolderID,
			Options:  options,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create synthesizer: %w", err)
		}
		defer synthesizer.Close()
		deps.Synthesizer = synthesizer
	}

	gate := video.DefaultConfig()
	gate.Width = cfg.Video.Width
	gate.MotionThreshold = cfg.Video.MotionThreshold
	gate.Quality = cfg.Video.Quality

	eng := engine.NewEngine(engine.EngineConfig{
		Mode: mode,
		FPS:  cfg.Video.FPS,
		Gate: gate,
		Batch: batch.Config{
			Interval:   cfg.Audio.BatchInterval,
			MinSamples: cfg.Audio.BatchMinSamples,
		},
		EnableTTS: cfg.Stream.EnableTTS,
	}, deps, logger)

	var server *status.Server
	if cfg.Status.Addr != "" {
		server = status.NewServer(ctx, cfg.Status.Addr, eng, logger)
		go func() {
			if err := server.ListenAndServe(); err != nil {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
	}

	if !idle {
		if err := eng.Start(ctx); err != nil {
			var deviceErr *engine.DeviceAccessError
			if errors.As(err, &deviceErr) {
				return fmt.Errorf("check that the %s is connected and not in use: %w", deviceErr.Device, err)
			}
			return err
		}
		logger.Info("streaming, press Ctrl-C to stop", zap.Stringer("mode", mode))
	}

	<-ctx.Done()
	logger.Info("stopping")

	if err := eng.Stop(); err != nil && !errors.Is(err, engine.ErrNotRunning) {
		logger.Warn("failed to stop engine", zap.Error(err))
	}
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, err
	}

	zapConfig := zap.NewDevelopmentConfig()
	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	return zapConfig.Build()
}

func cameraConfig(v config.VideoConfig) video.CameraConfig {
	c := video.DefaultCameraConfig()
	c.Device = v.CameraDevice
	if v.CameraFormat != "" {
		c.InputFormat = v.CameraFormat
	}
	if v.CaptureWidth > 0 && v.CaptureHeight > 0 {
		c.Width, c.Height = v.CaptureWidth, v.CaptureHeight
	}
	return c
}

// httpBase maps the channel URL to the origin relative audio references are
// served from.
func httpBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path, u.RawQuery = "", ""
	return u.String()
}
