package stt

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	speechkit "github.com/yandex-cloud/go-genproto/yandex/cloud/ai/stt/v3"

	"github.com/d1nch8g/signstream/testutil"
)

type fakeStream struct {
	grpc.ClientStream

	ctx       context.Context
	responses []*speechkit.StreamingResponse
	// hold keeps the stream open after the scripted responses.
	hold bool

	mu   sync.Mutex
	sent []*speechkit.StreamingRequest
}

func (s *fakeStream) Send(req *speechkit.StreamingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, req)
	return nil
}

func (s *fakeStream) Recv() (*speechkit.StreamingResponse, error) {
	s.mu.Lock()
	if len(s.responses) > 0 {
		resp := s.responses[0]
		s.responses = s.responses[1:]
		s.mu.Unlock()
		return resp, nil
	}
	hold := s.hold
	s.mu.Unlock()

	if !hold {
		return nil, io.EOF
	}
	<-s.ctx.Done()
	return nil, s.ctx.Err()
}

func (s *fakeStream) CloseSend() error { return nil }

func (s *fakeStream) chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, req := range s.sent {
		if req.GetChunk() != nil {
			n++
		}
	}
	return n
}

type fakeClient struct {
	speechkit.RecognizerClient

	mu      sync.Mutex
	streams []*fakeStream
	script  func(n int) *fakeStream
}

func (c *fakeClient) RecognizeStreaming(ctx context.Context, opts ...grpc.CallOption) (speechkit.Recognizer_RecognizeStreamingClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stream := c.script(len(c.streams))
	stream.ctx = ctx
	c.streams = append(c.streams, stream)
	return stream, nil
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func update(text string, final bool) *speechkit.StreamingResponse {
	alt := &speechkit.AlternativeUpdate{
		Alternatives: []*speechkit.Alternative{{Text: text}},
	}
	if final {
		return &speechkit.StreamingResponse{Event: &speechkit.StreamingResponse_Final{Final: alt}}
	}
	return &speechkit.StreamingResponse{Event: &speechkit.StreamingResponse_Partial{Partial: alt}}
}

func TestRecognizerDeliversInterimAndFinal(t *testing.T) {
	client := &fakeClient{script: func(n int) *fakeStream {
		return &fakeStream{
			responses: []*speechkit.StreamingResponse{update("hel", false), update("hello", true)},
			hold:      true,
		}
	}}
	r := newRecognizer(client, YandexConfig{Language: "en-US"}, zap.NewNop())
	defer r.Close()

	if err := r.Start(context.Background(), 16000); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var got []Result
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case res := <-r.Results():
			got = append(got, res)
		case <-timeout:
			t.Fatalf("expected 2 results, got %v", got)
		}
	}

	if got[0] != (Result{Text: "hel"}) || got[1] != (Result{Text: "hello", Final: true}) {
		t.Errorf("unexpected results %v", got)
	}

	client.mu.Lock()
	first := client.streams[0].sent[0]
	client.mu.Unlock()
	raw := first.GetSessionOptions().GetRecognitionModel().GetAudioFormat().GetRawAudio()
	if raw.GetSampleRateHertz() != 16000 || raw.GetAudioChannelCount() != 1 {
		t.Errorf("unexpected session options %v", raw)
	}
}

func TestRecognizerForwardsFedAudio(t *testing.T) {
	client := &fakeClient{script: func(n int) *fakeStream {
		return &fakeStream{hold: true}
	}}
	r := newRecognizer(client, YandexConfig{}, zap.NewNop())
	defer r.Close()

	r.Feed([]int16{1, 2, 3})
	if err := r.Start(context.Background(), 16000); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	testutil.WaitFor(t, func() bool { return client.count() == 1 })

	r.Feed([]int16{1, 2, 3})
	r.Feed([]int16{4, 5})
	testutil.WaitFor(t, func() bool { return client.streams[0].chunks() == 2 })

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	r.Feed([]int16{6})
	time.Sleep(10 * time.Millisecond)
	if n := client.streams[0].chunks(); n != 2 {
		t.Errorf("audio fed while stopped reached the stream: %d chunks", n)
	}
}

func TestRecognizerContinuousRestart(t *testing.T) {
	client := &fakeClient{script: func(n int) *fakeStream {
		// The service ends the first two streams.
		return &fakeStream{
			responses: []*speechkit.StreamingResponse{update("part", true)},
			hold:      n >= 2,
		}
	}}
	r := newRecognizer(client, YandexConfig{Continuous: true, RestartDelay: time.Millisecond}, zap.NewNop())
	defer r.Close()

	r.Start(context.Background(), 16000)
	testutil.WaitFor(t, func() bool { return client.count() == 3 })

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if client.count() != 3 {
		t.Errorf("recognizer restarted after Stop: %d streams", client.count())
	}
}

func TestRecognizerStartStopMisuse(t *testing.T) {
	client := &fakeClient{script: func(n int) *fakeStream { return &fakeStream{hold: true} }}
	r := newRecognizer(client, YandexConfig{}, zap.NewNop())
	defer r.Close()

	if err := r.Stop(); err != ErrNotStarted {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
	r.Start(context.Background(), 16000)
	if err := r.Start(context.Background(), 16000); err != ErrAlreadyStarted {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}
