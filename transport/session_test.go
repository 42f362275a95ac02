package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/d1nch8g/signstream/testutil"
	"github.com/d1nch8g/signstream/video"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestSession(url string, delay time.Duration) *Session {
	return NewSession(SessionConfig{URL: url, ReconnectDelay: delay}, zap.NewNop())
}

func TestSendBeforeOpenIsDropped(t *testing.T) {
	s := newTestSession("ws://127.0.0.1:1/ws", time.Second)
	defer s.Close()

	if err := s.SendBinary([]byte{1, 2}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := s.SendFrame(video.NewFrameMeta(1, 1, time.Now()), []byte{0xff}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if s.State() != Disconnected {
		t.Errorf("expected disconnected, got %v", s.State())
	}
}

func TestOpenTwiceIsMisuse(t *testing.T) {
	s := newTestSession("ws://127.0.0.1:1/ws", time.Hour)
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Open(context.Background()); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("expected ErrAlreadyOpen, got %v", err)
	}
}

func TestReconnectsAfterServerCloses(t *testing.T) {
	const delay = 50 * time.Millisecond

	var (
		mu    sync.Mutex
		times []time.Time
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		conn.Close()
	}))
	defer server.Close()

	s := newTestSession(wsURL(server), delay)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// First connection plus three reconnects after three induced closes.
	testutil.WaitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(times) >= 4
	})
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < delay {
			t.Errorf("reconnect %d came after %v, want at least %v", i, gap, delay)
		}
	}
	if s.Attempts() < 4 {
		t.Errorf("expected at least 4 dial attempts, got %d", s.Attempts())
	}
}

func TestSendWhileDisconnectedIsDropped(t *testing.T) {
	var (
		mu       sync.Mutex
		received int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Take one message, then drop the connection.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		mu.Lock()
		received++
		mu.Unlock()
	}))
	defer server.Close()

	s := newTestSession(wsURL(server), time.Hour)
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	testutil.WaitFor(t, func() bool { return s.State() == Connected })

	if err := s.SendBinary([]byte{1}); err != nil {
		t.Fatalf("send while connected failed: %v", err)
	}
	testutil.WaitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 1
	})

	// The session waits an hour before redialing.
	testutil.WaitFor(t, func() bool { return s.State() == Disconnected })

	for i := 0; i < 3; i++ {
		if err := s.SendBinary([]byte{2}); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if received != 1 {
		t.Errorf("dropped payloads must not be delivered later, server got %d", received)
	}
}

func TestInboundMessagesAreParsed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript","text":"hello","sign_language":"HELLO","audio_url":"/a.mp3"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"unknown"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"info","message":"model warming up"}`))
		conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})

		conn.ReadMessage()
	}))
	defer server.Close()

	s := newTestSession(wsURL(server), time.Hour)
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	var got []Envelope
	timeout := time.After(3 * time.Second)
	for len(got) < 3 {
		select {
		case env := <-s.Messages():
			got = append(got, env)
		case <-timeout:
			t.Fatalf("expected 3 envelopes, got %d", len(got))
		}
	}

	if got[0].Kind != KindTranscript || got[0].Text != "hello" || got[0].Sign != "HELLO" || got[0].AudioURL != "/a.mp3" {
		t.Errorf("unexpected transcript %+v", got[0])
	}
	if got[1].Kind != KindInfo || got[1].Message != "model warming up" {
		t.Errorf("unexpected info %+v", got[1])
	}
	if got[2].Kind != KindAudio || len(got[2].Audio) != 3 {
		t.Errorf("unexpected audio %+v", got[2])
	}
}

func TestSendFrameWritesHeaderThenImage(t *testing.T) {
	type message struct {
		kind int
		data []byte
	}
	messages := make(chan message, 2)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			messages <- message{kind, data}
		}
	}))
	defer server.Close()

	s := newTestSession(wsURL(server), time.Hour)
	defer s.Close()
	s.Open(context.Background())
	testutil.WaitFor(t, func() bool { return s.State() == Connected })

	meta := video.NewFrameMeta(320, 240, time.UnixMilli(42))
	if err := s.SendFrame(meta, []byte{0xff, 0xd8}); err != nil {
		t.Fatalf("SendFrame failed: %v", err)
	}

	header := <-messages
	if header.kind != websocket.TextMessage {
		t.Fatalf("expected text header first, got type %d", header.kind)
	}
	var decoded map[string]any
	if err := json.Unmarshal(header.data, &decoded); err != nil {
		t.Fatalf("header is not JSON: %v", err)
	}
	if decoded["type"] != "frame" || decoded["ts"] != float64(42) || decoded["width"] != float64(320) || decoded["height"] != float64(240) {
		t.Errorf("unexpected header %s", header.data)
	}

	image := <-messages
	if image.kind != websocket.BinaryMessage || len(image.data) != 2 {
		t.Errorf("unexpected image message type %d len %d", image.kind, len(image.data))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	baseline := runtime.NumGoroutine()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	s := newTestSession(wsURL(server), 10*time.Millisecond)
	s.Open(context.Background())
	testutil.WaitFor(t, func() bool { return s.State() == Connected })

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if s.State() != Disconnected {
		t.Errorf("expected disconnected after close, got %v", s.State())
	}
	if _, ok := <-s.Messages(); ok {
		t.Error("expected messages channel to be closed")
	}
	if err := s.Open(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}

	attempts := s.Attempts()
	time.Sleep(50 * time.Millisecond)
	if s.Attempts() != attempts {
		t.Error("session kept dialing after Close")
	}

	server.Close()
	testutil.AssertNoGoroutineLeaks(t, baseline, 0)
}

func TestSilentPeerTriggersReconnect(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Never read, so pings are never answered.
		<-release
	}))
	defer server.Close()
	defer close(release)

	s := NewSession(SessionConfig{
		URL:            wsURL(server),
		ReconnectDelay: 10 * time.Millisecond,
		PongWait:       100 * time.Millisecond,
	}, zap.NewNop())
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	testutil.WaitFor(t, func() bool { return s.Attempts() >= 2 })
}

func TestAnsweringPeerStaysConnected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Reading lets the default ping handler answer with pongs.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	s := NewSession(SessionConfig{
		URL:            wsURL(server),
		ReconnectDelay: 10 * time.Millisecond,
		PongWait:       100 * time.Millisecond,
	}, zap.NewNop())
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	testutil.WaitFor(t, func() bool { return s.State() == Connected })

	time.Sleep(500 * time.Millisecond)
	if s.Attempts() != 1 || s.State() != Connected {
		t.Errorf("expected one stable connection, got %d attempts in state %v", s.Attempts(), s.State())
	}
}
