package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"go.uber.org/zap"

	"github.com/d1nch8g/signstream/metrics"
)

const defaultUploadTimeout = 10 * time.Second

// UploaderConfig holds the one-shot upload endpoints.
type UploaderConfig struct {
	AudioURL string
	FrameURL string
	// SessionID is sent as the session_id form field when set.
	SessionID string
	Timeout   time.Duration
}

// Uploader posts single payloads as multipart forms. It is used only while
// the persistent channel is down; a failed upload is not retried.
type Uploader struct {
	config     UploaderConfig
	HTTPClient *http.Client
	logger     *zap.Logger
}

// NewUploader creates a fallback uploader with its own HTTP client.
func NewUploader(config UploaderConfig, logger *zap.Logger) *Uploader {
	if config.Timeout <= 0 {
		config.Timeout = defaultUploadTimeout
	}
	return &Uploader{
		config:     config,
		HTTPClient: &http.Client{Timeout: config.Timeout},
		logger:     logger.With(zap.String("component", "fallback")),
	}
}

// PostAudio uploads a WAV clip as field "file".
func (u *Uploader) PostAudio(ctx context.Context, wav []byte) ([]Envelope, error) {
	return u.post(ctx, "audio", u.config.AudioURL, formFile{
		field:       "file",
		filename:    "audio.wav",
		contentType: "audio/wav",
		data:        wav,
	})
}

// PostFrame uploads a JPEG frame as field "frame".
func (u *Uploader) PostFrame(ctx context.Context, jpeg []byte) ([]Envelope, error) {
	return u.post(ctx, "frame", u.config.FrameURL, formFile{
		field:       "frame",
		filename:    "frame.jpg",
		contentType: "image/jpeg",
		data:        jpeg,
	})
}

type formFile struct {
	field       string
	filename    string
	contentType string
	data        []byte
}

func (u *Uploader) post(ctx context.Context, payload, url string, file formFile) ([]Envelope, error) {
	if url == "" {
		metrics.FallbackRequestsTotal.WithLabelValues(payload, "disabled").Inc()
		return nil, fmt.Errorf("no fallback endpoint for %s", payload)
	}

	body, contentType, err := u.createMultipartBody(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if u.config.SessionID != "" {
		req.Header.Set("X-Session-ID", u.config.SessionID)
	}

	start := time.Now()
	resp, err := u.HTTPClient.Do(req)
	metrics.FallbackLatency.WithLabelValues(payload).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.FallbackRequestsTotal.WithLabelValues(payload, "error").Inc()
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		metrics.FallbackRequestsTotal.WithLabelValues(payload, "error").Inc()
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.FallbackRequestsTotal.WithLabelValues(payload, "rejected").Inc()
		return nil, fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	envelopes, err := ParseFallbackResponse(respBody)
	if err != nil {
		// The upload itself went through.
		metrics.FallbackRequestsTotal.WithLabelValues(payload, "ok").Inc()
		metrics.MalformedMessagesTotal.Inc()
		u.logger.Debug("unparsed fallback response", zap.String("payload", payload), zap.Error(err))
		return nil, nil
	}

	metrics.FallbackRequestsTotal.WithLabelValues(payload, "ok").Inc()
	u.logger.Debug("fallback upload done",
		zap.String("payload", payload),
		zap.Int("bytes", len(file.data)),
		zap.Int("envelopes", len(envelopes)),
		zap.Duration("took", time.Since(start)))
	return envelopes, nil
}

func (u *Uploader) createMultipartBody(file formFile) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	// CreateFormFile would force application/octet-stream.
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, file.field, file.filename))
	h.Set("Content-Type", file.contentType)

	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(file.data); err != nil {
		return nil, "", fmt.Errorf("failed to write form file: %w", err)
	}

	if u.config.SessionID != "" {
		if err := writer.WriteField("session_id", u.config.SessionID); err != nil {
			return nil, "", fmt.Errorf("failed to write field session_id: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}
