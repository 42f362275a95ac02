package transport

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestPostAudioSendsMultipartWav(t *testing.T) {
	var (
		gotField, gotName, gotType, gotSession string
		gotBody                                []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("not a multipart form: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		for field, headers := range r.MultipartForm.File {
			gotField = field
			gotName = headers[0].Filename
			gotType = headers[0].Header.Get("Content-Type")
			f, _ := headers[0].Open()
			gotBody, _ = io.ReadAll(f)
			f.Close()
		}
		gotSession = r.FormValue("session_id")

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"transcription":"good morning","audio":"`+base64.StdEncoding.EncodeToString([]byte("RIFF"))+`"}`)
	}))
	defer server.Close()

	u := NewUploader(UploaderConfig{AudioURL: server.URL, SessionID: "abc"}, zap.NewNop())
	envelopes, err := u.PostAudio(context.Background(), []byte("wavdata"))
	if err != nil {
		t.Fatalf("PostAudio failed: %v", err)
	}

	if gotField != "file" || gotName != "audio.wav" || gotType != "audio/wav" {
		t.Errorf("unexpected form file %q %q %q", gotField, gotName, gotType)
	}
	if string(gotBody) != "wavdata" {
		t.Errorf("unexpected upload body %q", gotBody)
	}
	if gotSession != "abc" {
		t.Errorf("expected session_id abc, got %q", gotSession)
	}

	if len(envelopes) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(envelopes))
	}
	env := envelopes[0]
	if env.Kind != KindTranscript || env.Text != "good morning" || string(env.Audio) != "RIFF" {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestPostFrameUsesFrameField(t *testing.T) {
	var gotField, gotName string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		for field, headers := range r.MultipartForm.File {
			gotField = field
			gotName = headers[0].Filename
		}
		io.WriteString(w, `{"prediction":"thank you","sign_language":"THANK-YOU"}`)
	}))
	defer server.Close()

	u := NewUploader(UploaderConfig{FrameURL: server.URL}, zap.NewNop())
	envelopes, err := u.PostFrame(context.Background(), []byte{0xff, 0xd8})
	if err != nil {
		t.Fatalf("PostFrame failed: %v", err)
	}
	if gotField != "frame" || gotName != "frame.jpg" {
		t.Errorf("unexpected form file %q %q", gotField, gotName)
	}
	if len(envelopes) != 1 || envelopes[0].Text != "thank you" || envelopes[0].Sign != "THANK-YOU" {
		t.Errorf("unexpected envelopes %+v", envelopes)
	}
}

func TestPostRejectsNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	u := NewUploader(UploaderConfig{AudioURL: server.URL}, zap.NewNop())
	if _, err := u.PostAudio(context.Background(), []byte("x")); err == nil {
		t.Error("expected error for 503 response")
	}
}

func TestPostWithoutEndpoint(t *testing.T) {
	u := NewUploader(UploaderConfig{}, zap.NewNop())
	if _, err := u.PostFrame(context.Background(), []byte("x")); err == nil {
		t.Error("expected error without a frame endpoint")
	}
}

func TestPostToleratesEmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	u := NewUploader(UploaderConfig{FrameURL: server.URL}, zap.NewNop())
	envelopes, err := u.PostFrame(context.Background(), []byte("x"))
	if err != nil {
		t.Fatalf("PostFrame failed: %v", err)
	}
	if len(envelopes) != 0 {
		t.Errorf("expected no envelopes, got %d", len(envelopes))
	}
}
