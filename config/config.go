package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Stream      StreamConfig      `yaml:"stream"`
	Video       VideoConfig       `yaml:"video"`
	Audio       AudioConfig       `yaml:"audio"`
	Recognizer  RecognizerConfig  `yaml:"recognizer"`
	Synthesizer SynthesizerConfig `yaml:"synthesizer"`
	Logging     LoggingConfig     `yaml:"logging"`
	Status      StatusConfig      `yaml:"status"`
}

// StreamConfig describes the inference endpoint.
type StreamConfig struct {
	WSURL            string `yaml:"ws_url"`
	AudioFallbackURL string `yaml:"audio_fallback_url"`
	FrameFallbackURL string `yaml:"frame_fallback_url"`
	// Mode is audio, video or both.
	Mode           string        `yaml:"mode"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	EnableTTS      bool          `yaml:"enable_tts"`
}

type VideoConfig struct {
	FPS             int     `yaml:"fps"`
	MotionThreshold float64 `yaml:"motion_threshold"`
	Width           int     `yaml:"width"`
	Quality         int     `yaml:"quality"`
	CameraDevice    string  `yaml:"camera_device"`
	CameraFormat    string  `yaml:"camera_format"`
	CaptureWidth    int     `yaml:"capture_width"`
	CaptureHeight   int     `yaml:"capture_height"`
}

type AudioConfig struct {
	SampleRate      float64       `yaml:"sample_rate"`
	FramesPerBuffer int           `yaml:"frames_per_buffer"`
	BatchInterval   time.Duration `yaml:"batch_interval"`
	BatchMinSamples int           `yaml:"batch_min_samples"`
}

// RecognizerConfig enables local speech recognition when IamToken is set.
type RecognizerConfig struct {
	IamToken   string `yaml:"iam_token"`
	FolderID   string `yaml:"folder_id"`
	Language   string `yaml:"language"`
	Continuous bool   `yaml:"continuous"`
}

// SynthesizerConfig enables local speech synthesis when ApiKey is set.
type SynthesizerConfig struct {
	ApiKey   string `yaml:"api_key"`
	FolderID string `yaml:"folder_id"`
	Voice    string `yaml:"voice"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
}

type StatusConfig struct {
	// Addr of the local status server; empty disables it.
	Addr string `yaml:"addr"`
}

func Default() *Config {
	return &Config{
		Stream: StreamConfig{
			WSURL:            "ws://localhost:8000/ws",
			AudioFallbackURL: "http://localhost:8000/api/transcribe",
			FrameFallbackURL: "http://localhost:8000/api/signframe",
			Mode:             "video",
			ReconnectDelay:   time.Second,
			EnableTTS:        true,
		},
		Video: VideoConfig{
			FPS:             6,
			MotionThreshold: 0.02,
			Width:           320,
			Quality:         65,
			CameraDevice:    "/dev/video0",
			CameraFormat:    "v4l2",
			CaptureWidth:    1280,
			CaptureHeight:   720,
		},
		Audio: AudioConfig{
			SampleRate:      48000,
			FramesPerBuffer: 4096,
			BatchInterval:   300 * time.Millisecond,
			BatchMinSamples: 0,
		},
		Recognizer: RecognizerConfig{
			Language:   "en-US",
			Continuous: true,
		},
		Synthesizer: SynthesizerConfig{
			Voice: "marina",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file
// and the environment, in that order of precedence. A .env file in the
// working directory is loaded into the environment first.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("SIGNSTREAM_WS_URL", &c.Stream.WSURL)
	e.str("SIGNSTREAM_AUDIO_FALLBACK_URL", &c.Stream.AudioFallbackURL)
	e.str("SIGNSTREAM_FRAME_FALLBACK_URL", &c.Stream.FrameFallbackURL)
	e.str("SIGNSTREAM_MODE", &c.Stream.Mode)
	e.duration("SIGNSTREAM_RECONNECT_DELAY", &c.Stream.ReconnectDelay)
	e.boolean("SIGNSTREAM_ENABLE_TTS", &c.Stream.EnableTTS)

	e.integer("SIGNSTREAM_FPS", &c.Video.FPS)
	e.float("SIGNSTREAM_MOTION_THRESHOLD", &c.Video.MotionThreshold)
	e.str("SIGNSTREAM_CAMERA_DEVICE", &c.Video.CameraDevice)
	e.str("SIGNSTREAM_CAMERA_FORMAT", &c.Video.CameraFormat)

	e.duration("SIGNSTREAM_BATCH_INTERVAL", &c.Audio.BatchInterval)
	e.integer("SIGNSTREAM_BATCH_MIN_SAMPLES", &c.Audio.BatchMinSamples)

	e.str("IAM_TOKEN", &c.Recognizer.IamToken)
	e.str("FOLDER_ID", &c.Recognizer.FolderID)
	e.str("LANGUAGE", &c.Recognizer.Language)

	e.str("TTS_API_KEY", &c.Synthesizer.ApiKey)
	if c.Synthesizer.FolderID == "" {
		c.Synthesizer.FolderID = c.Recognizer.FolderID
	}

	e.str("SIGNSTREAM_LOG_LEVEL", &c.Logging.Level)
	e.str("SIGNSTREAM_STATUS_ADDR", &c.Status.Addr)

	return e.err
}

// envReader keeps the first parse error so the caller checks once.
type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := e.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.err = fmt.Errorf("%s: invalid integer %q", key, v)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.err = fmt.Errorf("%s: invalid number %q", key, v)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.err = fmt.Errorf("%s: invalid boolean %q", key, v)
			return
		}
		*dst = b
	}
}

// duration accepts Go durations ("300ms") or bare milliseconds ("300").
func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		if ms, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			e.err = fmt.Errorf("%s: invalid duration %q", key, v)
			return
		}
		*dst = d
	}
}

func (c *Config) Validate() error {
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}
	if err := c.Video.Validate(); err != nil {
		return fmt.Errorf("video config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Recognizer.Validate(); err != nil {
		return fmt.Errorf("recognizer config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func (s *StreamConfig) Validate() error {
	u, err := url.Parse(s.WSURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("ws_url must be a ws:// or wss:// URL, got %q", s.WSURL)
	}

	for name, raw := range map[string]string{
		"audio_fallback_url": s.AudioFallbackURL,
		"frame_fallback_url": s.FrameFallbackURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%s must be an http(s) URL, got %q", name, raw)
		}
	}

	switch s.Mode {
	case "audio", "video", "both":
	default:
		return fmt.Errorf("mode must be audio, video or both, got %q", s.Mode)
	}

	if s.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be positive, got %s", s.ReconnectDelay)
	}
	return nil
}

func (v *VideoConfig) Validate() error {
	if v.FPS < 1 {
		return fmt.Errorf("fps must be at least 1, got %d", v.FPS)
	}
	if v.MotionThreshold < 0 || v.MotionThreshold > 1 {
		return fmt.Errorf("motion_threshold must be between 0 and 1, got %f", v.MotionThreshold)
	}
	if v.Width < 16 {
		return fmt.Errorf("width must be at least 16, got %d", v.Width)
	}
	if v.Quality < 1 || v.Quality > 100 {
		return fmt.Errorf("quality must be between 1 and 100, got %d", v.Quality)
	}
	if v.CameraDevice == "" {
		return fmt.Errorf("camera_device cannot be empty")
	}
	return nil
}

func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 {
		return fmt.Errorf("sample_rate must be at least 8000 Hz, got %v", a.SampleRate)
	}
	if a.FramesPerBuffer < 64 {
		return fmt.Errorf("frames_per_buffer must be at least 64, got %d", a.FramesPerBuffer)
	}
	if a.BatchInterval <= 0 {
		return fmt.Errorf("batch_interval must be positive, got %s", a.BatchInterval)
	}
	if a.BatchMinSamples < 0 {
		return fmt.Errorf("batch_min_samples cannot be negative, got %d", a.BatchMinSamples)
	}
	return nil
}

func (r *RecognizerConfig) Validate() error {
	if r.IamToken != "" && r.FolderID == "" {
		return fmt.Errorf("folder_id is required when iam_token is set")
	}
	return nil
}

func (l *LoggingConfig) Validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be debug, info, warn or error, got %q", l.Level)
	}
	switch l.Format {
	case "json", "console":
	default:
		return fmt.Errorf("format must be json or console, got %q", l.Format)
	}
	return nil
}
