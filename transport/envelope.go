package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownEnvelope is returned for well-formed JSON of a type the client
// does not handle.
var ErrUnknownEnvelope = errors.New("unknown envelope type")

// Kind tags an inbound response.
type Kind int

const (
	KindTranscript Kind = iota
	KindInfo
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindTranscript:
		return "transcript"
	case KindInfo:
		return "info"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Envelope is one parsed response from the inference service. Which fields
// are meaningful depends on Kind:
//
//	KindTranscript: Text, Sign, Final, optionally AudioURL or Audio
//	KindInfo:       Message
//	KindAudio:      AudioURL or Audio
type Envelope struct {
	Kind Kind

	Text  string
	Sign  string
	Final bool

	Message string

	AudioURL string
	Audio    []byte
}

// HasAudio reports whether the envelope references something playable.
func (e Envelope) HasAudio() bool {
	return e.AudioURL != "" || len(e.Audio) > 0
}

type wireMessage struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	SignLanguage string `json:"sign_language"`
	AudioURL     string `json:"audio_url"`
	Final        *bool  `json:"final"`
	Message      string `json:"message"`
}

// ParseEnvelope decodes a text message from the persistent channel.
func ParseEnvelope(data []byte) (Envelope, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode message: %w", err)
	}

	switch msg.Type {
	case "transcript":
		env := Envelope{
			Kind:     KindTranscript,
			Text:     msg.Text,
			Sign:     msg.SignLanguage,
			AudioURL: msg.AudioURL,
			Final:    true,
		}
		if msg.Final != nil {
			env.Final = *msg.Final
		}
		return env, nil
	case "info":
		message := msg.Message
		if message == "" {
			message = "info"
		}
		return Envelope{Kind: KindInfo, Message: message}, nil
	case "audio":
		if msg.AudioURL == "" {
			return Envelope{}, fmt.Errorf("audio message without audio_url")
		}
		return Envelope{Kind: KindAudio, AudioURL: msg.AudioURL}, nil
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEnvelope, msg.Type)
	}
}

type fallbackResponse struct {
	Prediction    string `json:"prediction"`
	Transcription string `json:"transcription"`
	SignLanguage  string `json:"sign_language"`
	Audio         string `json:"audio"`
	AudioURL      string `json:"audio_url"`
}

// ParseFallbackResponse decodes the JSON body of a one-shot upload. An empty
// body yields no envelopes.
func ParseFallbackResponse(data []byte) ([]Envelope, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var resp fallbackResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var audio []byte
	if resp.Audio != "" {
		decoded, err := base64.StdEncoding.DecodeString(resp.Audio)
		if err != nil {
			return nil, fmt.Errorf("failed to decode audio: %w", err)
		}
		audio = decoded
	}

	text := resp.Prediction
	if text == "" {
		text = resp.Transcription
	}

	var out []Envelope
	if text != "" || resp.SignLanguage != "" {
		out = append(out, Envelope{
			Kind:     KindTranscript,
			Text:     text,
			Sign:     resp.SignLanguage,
			Final:    true,
			AudioURL: resp.AudioURL,
			Audio:    audio,
		})
	} else if len(audio) > 0 || resp.AudioURL != "" {
		out = append(out, Envelope{Kind: KindAudio, AudioURL: resp.AudioURL, Audio: audio})
	}
	return out, nil
}
