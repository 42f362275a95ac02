package stt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"

	speechkit "github.com/yandex-cloud/go-genproto/yandex/cloud/ai/stt/v3"

	"github.com/d1nch8g/signstream/metrics"
	"github.com/d1nch8g/signstream/pcm"
)

const YandexSTTEndpoint = "stt.api.cloud.yandex.net:443"

var (
	ErrAlreadyStarted = errors.New("recognizer already started")
	ErrNotStarted     = errors.New("recognizer not started")
)

type YandexConfig struct {
	IamToken string
	FolderID string
	Language string
	// Continuous restarts the recognition stream whenever the service ends
	// it, until Stop.
	Continuous   bool
	RestartDelay time.Duration
}

type YandexRecognizer struct {
	client speechkit.RecognizerClient
	conn   *grpc.ClientConn
	config YandexConfig
	logger *zap.Logger

	audio   chan []byte
	results chan Result
	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// Ensure YandexRecognizer implements Recognizer interface
var _ Recognizer = (*YandexRecognizer)(nil)

func NewYandexRecognizer(config YandexConfig, logger *zap.Logger) (*YandexRecognizer, error) {
	tlsConfig := &tls.Config{}
	conn, err := grpc.NewClient(YandexSTTEndpoint, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Yandex STT: %w", err)
	}

	r := newRecognizer(speechkit.NewRecognizerClient(conn), config, logger)
	r.conn = conn
	return r, nil
}

func newRecognizer(client speechkit.RecognizerClient, config YandexConfig, logger *zap.Logger) *YandexRecognizer {
	if config.Language == "" {
		config.Language = "en-US"
	}
	if config.RestartDelay <= 0 {
		config.RestartDelay = 250 * time.Millisecond
	}
	return &YandexRecognizer{
		client:  client,
		config:  config,
		logger:  logger.With(zap.String("component", "recognizer")),
		audio:   make(chan []byte, 64),
		results: make(chan Result, 32),
	}
}

func (r *YandexRecognizer) Results() <-chan Result {
	return r.results
}

func (r *YandexRecognizer) Start(ctx context.Context, sampleRate int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("recognizer closed")
	}
	if r.cancel != nil {
		return ErrAlreadyStarted
	}

	// Leftovers from a previous run.
	for len(r.audio) > 0 {
		<-r.audio
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running.Store(true)

	go r.run(runCtx, sampleRate, r.done)
	return nil
}

func (r *YandexRecognizer) Feed(samples []int16) {
	if !r.running.Load() || len(samples) == 0 {
		return
	}
	select {
	case r.audio <- pcm.PCM16ToBytes(samples):
	default:
	}
}

func (r *YandexRecognizer) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return ErrNotStarted
	}

	r.running.Store(false)
	cancel()
	<-done
	return nil
}

func (r *YandexRecognizer) Close() error {
	if err := r.Stop(); err != nil && !errors.Is(err, ErrNotStarted) {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.results)

	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

func (r *YandexRecognizer) run(ctx context.Context, sampleRate int, done chan struct{}) {
	defer close(done)

	for {
		err := r.recognize(ctx, int64(sampleRate))
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.logger.Warn("recognition stream failed", zap.Error(err))
		}
		if !r.config.Continuous {
			r.running.Store(false)
			return
		}

		metrics.RecognizerRestartsTotal.Inc()
		r.logger.Debug("restarting recognition stream")

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.config.RestartDelay):
		}
	}
}

// recognize runs one streaming session until the service ends it, an error
// occurs or ctx is cancelled.
func (r *YandexRecognizer) recognize(ctx context.Context, sampleRate int64) error {
	// Create metadata with authorization
	md := metadata.Pairs(
		"authorization", "Bearer "+r.config.IamToken,
		"x-folder-id", r.config.FolderID,
	)
	streamCtx, cancel := context.WithCancel(metadata.NewOutgoingContext(ctx, md))
	defer cancel()

	stream, err := r.client.RecognizeStreaming(streamCtx)
	if err != nil {
		return fmt.Errorf("failed to create streaming client: %w", err)
	}

	if err := stream.Send(r.sessionOptions(sampleRate)); err != nil {
		return fmt.Errorf("failed to send session options: %w", err)
	}

	recvErr := make(chan error, 1)
	go func() {
		recvErr <- r.receive(stream)
	}()

	for {
		select {
		case <-ctx.Done():
			stream.CloseSend()
			cancel()
			<-recvErr
			return ctx.Err()

		case err := <-recvErr:
			return err

		case chunk := <-r.audio:
			audioRequest := &speechkit.StreamingRequest{
				Event: &speechkit.StreamingRequest_Chunk{
					Chunk: &speechkit.AudioChunk{
						Data: chunk,
					},
				},
			}
			if err := stream.Send(audioRequest); err != nil {
				cancel()
				<-recvErr
				return fmt.Errorf("failed to send audio chunk: %w", err)
			}
		}
	}
}

func (r *YandexRecognizer) receive(stream speechkit.Recognizer_RecognizeStreamingClient) error {
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to receive response: %w", err)
		}

		if partial := resp.GetPartial(); partial != nil {
			if text := firstText(partial.GetAlternatives()); text != "" {
				r.deliver(Result{Text: text})
			}
		}
		if final := resp.GetFinal(); final != nil {
			if text := firstText(final.GetAlternatives()); text != "" {
				r.deliver(Result{Text: text, Final: true})
			}
		}
	}
}

func (r *YandexRecognizer) deliver(result Result) {
	select {
	case r.results <- result:
	default:
		r.logger.Debug("result dropped", zap.Bool("final", result.Final))
	}
}

func firstText(alternatives []*speechkit.Alternative) string {
	for _, alternative := range alternatives {
		if text := alternative.GetText(); text != "" {
			return text
		}
	}
	return ""
}

func (r *YandexRecognizer) sessionOptions(sampleRate int64) *speechkit.StreamingRequest {
	return &speechkit.StreamingRequest{
		Event: &speechkit.StreamingRequest_SessionOptions{
			SessionOptions: &speechkit.StreamingOptions{
				RecognitionModel: &speechkit.RecognitionModelOptions{
					AudioFormat: &speechkit.AudioFormatOptions{
						AudioFormat: &speechkit.AudioFormatOptions_RawAudio{
							RawAudio: &speechkit.RawAudio{
								AudioEncoding:     speechkit.RawAudio_LINEAR16_PCM,
								SampleRateHertz:   sampleRate,
								AudioChannelCount: 1,
							},
						},
					},
					TextNormalization: &speechkit.TextNormalizationOptions{
						TextNormalization: speechkit.TextNormalizationOptions_TEXT_NORMALIZATION_ENABLED,
					},
					LanguageRestriction: &speechkit.LanguageRestrictionOptions{
						RestrictionType: speechkit.LanguageRestrictionOptions_WHITELIST,
						LanguageCode:    []string{r.config.Language},
					},
					AudioProcessingType: speechkit.RecognitionModelOptions_REAL_TIME,
				},
			},
		},
	}
}
