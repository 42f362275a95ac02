package tts

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"

	tts "github.com/yandex-cloud/go-genproto/yandex/cloud/ai/tts/v3"
)

const (
	YandexTTSEndpoint = "tts.api.cloud.yandex.net:443"
)

type YandexConfig struct {
	ApiKey   string
	FolderID string
	Options  SynthesisOptions
}

type YandexTTSClient struct {
	client   tts.SynthesizerClient
	conn     *grpc.ClientConn
	apiKey   string
	folderID string
	options  SynthesisOptions
	logger   *zap.Logger
}

// Ensure YandexTTSClient implements Synthesizer interface
var _ Synthesizer = (*YandexTTSClient)(nil)

func GetDefaultSynthesisOptions() SynthesisOptions {
	return SynthesisOptions{
		Voice:  "marina",
		Speed:  1.0,
		Volume: 0.0,
		Model:  "general",
	}
}

func NewYandexTTSClient(config YandexConfig, logger *zap.Logger) (*YandexTTSClient, error) {
	// Create TLS credentials
	creds := credentials.NewTLS(&tls.Config{})

	// Create gRPC connection
	conn, err := grpc.NewClient(YandexTTSEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to TTS service: %w", err)
	}

	c := newClient(tts.NewSynthesizerClient(conn), config, logger)
	c.conn = conn
	return c, nil
}

func newClient(client tts.SynthesizerClient, config YandexConfig, logger *zap.Logger) *YandexTTSClient {
	options := config.Options
	def := GetDefaultSynthesisOptions()
	if options.Voice == "" {
		options.Voice = def.Voice
	}
	if options.Speed == 0 {
		options.Speed = def.Speed
	}
	if options.Model == "" {
		options.Model = def.Model
	}
	return &YandexTTSClient{
		client:   client,
		apiKey:   config.ApiKey,
		folderID: config.FolderID,
		options:  options,
		logger:   logger.With(zap.String("component", "synthesizer")),
	}
}

// Synthesize collects the streamed WAV chunks into one clip.
func (c *YandexTTSClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, errors.New("nothing to synthesize")
	}

	chunks := make(chan []byte, 16)
	errc := make(chan error, 1)
	go func() {
		errc <- c.SynthesizeToStreamWithContext(ctx, text, chunks)
	}()

	var buf bytes.Buffer
	for chunk := range chunks {
		buf.Write(chunk)
	}
	if err := <-errc; err != nil {
		return nil, err
	}

	c.logger.Debug("synthesized", zap.Int("chars", len(text)), zap.Int("bytes", buf.Len()))
	return buf.Bytes(), nil
}

// SynthesizeToStreamWithContext streams audio chunks to audioData and
// closes it when done.
func (c *YandexTTSClient) SynthesizeToStreamWithContext(ctx context.Context, text string, audioData chan<- []byte) error {
	defer close(audioData)

	// Create context with API key and folder ID
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Api-Key "+c.apiKey)
	ctx = metadata.AppendToOutgoingContext(ctx, "x-folder-id", c.folderID)

	// Call synthesis
	stream, err := c.client.UtteranceSynthesis(ctx, c.buildRequest(text))
	if err != nil {
		return fmt.Errorf("failed to start synthesis: %w", err)
	}

	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to receive audio data: %w", err)
		}

		if audioChunk := resp.GetAudioChunk(); audioChunk != nil {
			select {
			case audioData <- audioChunk.GetData():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *YandexTTSClient) buildRequest(text string) *tts.UtteranceSynthesisRequest {
	req := &tts.UtteranceSynthesisRequest{}
	req.SetModel(c.options.Model)
	req.SetText(text)

	voiceHint := &tts.Hints{}
	voiceHint.SetVoice(c.options.Voice)

	speedHint := &tts.Hints{}
	speedHint.SetSpeed(c.options.Speed)

	volumeHint := &tts.Hints{}
	volumeHint.SetVolume(c.options.Volume)

	req.SetHints([]*tts.Hints{voiceHint, speedHint, volumeHint})

	// Playback sniffs RIFF, so always ask for a WAV container.
	containerAudio := &tts.ContainerAudio{}
	containerAudio.SetContainerAudioType(tts.ContainerAudio_WAV)
	audioSpec := &tts.AudioFormatOptions{}
	audioSpec.SetContainerAudio(containerAudio)
	req.SetOutputAudioSpec(audioSpec)

	req.SetLoudnessNormalizationType(tts.UtteranceSynthesisRequest_LUFS)
	return req
}

func (c *YandexTTSClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
