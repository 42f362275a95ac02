package transport

import (
	"errors"
	"testing"
)

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Envelope
		wantErr bool
	}{
		{
			name:  "transcript defaults to final",
			input: `{"type":"transcript","text":"hi"}`,
			want:  Envelope{Kind: KindTranscript, Text: "hi", Final: true},
		},
		{
			name:  "interim transcript with sign and audio",
			input: `{"type":"transcript","text":"hel","sign_language":"H","audio_url":"/tts/1.mp3","final":false}`,
			want:  Envelope{Kind: KindTranscript, Text: "hel", Sign: "H", AudioURL: "/tts/1.mp3"},
		},
		{
			name:  "info",
			input: `{"type":"info","message":"queue full"}`,
			want:  Envelope{Kind: KindInfo, Message: "queue full"},
		},
		{
			name:  "info without message",
			input: `{"type":"info"}`,
			want:  Envelope{Kind: KindInfo, Message: "info"},
		},
		{
			name:  "audio reference",
			input: `{"type":"audio","audio_url":"http://x/y.wav"}`,
			want:  Envelope{Kind: KindAudio, AudioURL: "http://x/y.wav"},
		},
		{name: "audio without url", input: `{"type":"audio"}`, wantErr: true},
		{name: "unknown type", input: `{"type":"pong"}`, wantErr: true},
		{name: "not json", input: `hello`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEnvelope([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Kind != tt.want.Kind || got.Text != tt.want.Text || got.Sign != tt.want.Sign ||
				got.Final != tt.want.Final || got.Message != tt.want.Message || got.AudioURL != tt.want.AudioURL {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseEnvelopeUnknownIsSentinel(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"type":"stats"}`))
	if !errors.Is(err, ErrUnknownEnvelope) {
		t.Errorf("expected ErrUnknownEnvelope, got %v", err)
	}
}

func TestParseFallbackResponse(t *testing.T) {
	envs, err := ParseFallbackResponse([]byte(`{"audio_url":"/r.mp3"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(envs) != 1 || envs[0].Kind != KindAudio || envs[0].AudioURL != "/r.mp3" {
		t.Errorf("unexpected envelopes %+v", envs)
	}

	envs, err = ParseFallbackResponse([]byte(`{"status":"ok"}`))
	if err != nil || len(envs) != 0 {
		t.Errorf("expected no envelopes, got %+v (%v)", envs, err)
	}

	if _, err := ParseFallbackResponse([]byte(`{"audio":"***"}`)); err == nil {
		t.Error("expected error for invalid base64 audio")
	}
}
