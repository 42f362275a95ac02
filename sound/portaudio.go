package sound

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/d1nch8g/signstream/pcm"
)

// Response clips are a few seconds of speech.
const maxClipSize = 32 << 20

type PlayerConfig struct {
	FramesPerBuffer int
	// BaseURL resolves relative audio references such as "/tts/1.mp3".
	BaseURL      string
	FetchTimeout time.Duration
}

func GetDefaultConfig() PlayerConfig {
	return PlayerConfig{
		FramesPerBuffer: 1024,
		FetchTimeout:    15 * time.Second,
	}
}

// PortaudioPlayer renders clips on the default output device, opening a
// stream per clip at the clip's own sample rate.
type PortaudioPlayer struct {
	config PlayerConfig
	client *http.Client
	logger *zap.Logger
}

func NewPortaudioPlayer(config PlayerConfig, logger *zap.Logger) *PortaudioPlayer {
	if config.FramesPerBuffer <= 0 {
		config.FramesPerBuffer = GetDefaultConfig().FramesPerBuffer
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = GetDefaultConfig().FetchTimeout
	}
	return &PortaudioPlayer{
		config: config,
		client: &http.Client{Timeout: config.FetchTimeout},
		logger: logger.With(zap.String("component", "player")),
	}
}

func (p *PortaudioPlayer) Initialize() error {
	return portaudio.Initialize()
}

func (p *PortaudioPlayer) Terminate() {
	portaudio.Terminate()
}

// Play fetches, decodes and writes the clip until it ends or ctx is done.
func (p *PortaudioPlayer) Play(ctx context.Context, item Item) error {
	data := item.Data
	if len(data) == 0 {
		fetched, err := p.fetch(ctx, item.URL)
		if err != nil {
			return err
		}
		data = fetched
	}

	clip, err := Decode(data)
	if err != nil {
		return err
	}
	if len(clip.Samples) == 0 {
		return nil
	}

	buffer := make([]int16, p.config.FramesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(clip.SampleRate), len(buffer), buffer)
	if err != nil {
		return fmt.Errorf("failed to open output stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start output stream: %w", err)
	}
	defer stream.Stop()

	p.logger.Debug("playing clip",
		zap.String("url", item.URL),
		zap.Int("rate", clip.SampleRate),
		zap.Duration("duration", pcm.Duration(len(clip.Samples), clip.SampleRate)))

	for offset := 0; offset < len(clip.Samples); offset += len(buffer) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n := copy(buffer, clip.Samples[offset:])
		for i := n; i < len(buffer); i++ {
			buffer[i] = 0
		}

		if err := stream.Write(); err != nil {
			p.logger.Debug("output write failed", zap.Error(err))
			continue
		}
	}
	return nil
}

func (p *PortaudioPlayer) fetch(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("empty playback item")
	}

	target, err := ResolveURL(p.config.BaseURL, ref)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("audio fetch failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxClipSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	return data, nil
}

// ResolveURL resolves ref against base. Absolute references are returned
// unchanged; a relative one without a base is an error.
func ResolveURL(base, ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid audio url %q: %w", ref, err)
	}
	if r.IsAbs() {
		return r.String(), nil
	}
	if base == "" {
		return "", fmt.Errorf("relative audio url %q without base", ref)
	}

	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", base, err)
	}
	return b.ResolveReference(r).String(), nil
}
