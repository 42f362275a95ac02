package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/d1nch8g/signstream/metrics"
	"github.com/d1nch8g/signstream/video"
)

const (
	defaultReconnectDelay   = time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultMessageBuffer    = 64
	defaultPongWait         = 60 * time.Second

	// Responses are small JSON documents or short audio clips.
	maxMessageSize = 8 << 20
)

// SessionConfig describes the persistent channel.
type SessionConfig struct {
	URL string
	// ReconnectDelay is the fixed wait between an unexpected close and the
	// next dial attempt.
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	// WriteTimeout bounds a single send so a stalled peer turns into a
	// dropped payload.
	WriteTimeout time.Duration
	// Header is sent with every handshake.
	Header http.Header
	// MessageBuffer is the capacity of the Messages channel.
	MessageBuffer int
	// PongWait is how long the connection may stay silent before it is
	// treated as lost. Pings go out every 9/10 of it.
	PongWait time.Duration
}

// Session owns one logical connection to the service and keeps it alive:
// after an unexpected close it waits ReconnectDelay and dials again, with
// no limit on attempts.
type Session struct {
	config SessionConfig
	logger *zap.Logger
	dialer *websocket.Dialer

	state    atomic.Int32
	attempts atomic.Int64

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu     sync.Mutex
	opened bool
	closed bool
	cancel context.CancelFunc
	done   chan struct{}

	messages chan Envelope
}

// NewSession creates a session. Nothing is dialed until Open.
func NewSession(config SessionConfig, logger *zap.Logger) *Session {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaultReconnectDelay
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteTimeout
	}
	if config.MessageBuffer <= 0 {
		config.MessageBuffer = defaultMessageBuffer
	}
	if config.PongWait <= 0 {
		config.PongWait = defaultPongWait
	}

	return &Session{
		config: config,
		logger: logger.With(zap.String("component", "transport"), zap.String("url", config.URL)),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		messages: make(chan Envelope, config.MessageBuffer),
	}
}

// Open starts the connection goroutine. It returns immediately; the state
// moves to Connected once the first dial succeeds.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.opened {
		return ErrAlreadyOpen
	}
	s.opened = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx)
	return nil
}

// State returns the current channel state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Attempts returns the number of dials made so far.
func (s *Session) Attempts() int {
	return int(s.attempts.Load())
}

// Messages delivers parsed inbound envelopes. The channel is closed by Close.
func (s *Session) Messages() <-chan Envelope {
	return s.messages
}

func (s *Session) setState(state State) {
	prev := State(s.state.Swap(int32(state)))
	metrics.ConnectionState.Set(float64(state))
	if prev != state {
		s.logger.Debug("state changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", state))
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	for {
		s.setState(Connecting)
		s.attempts.Add(1)

		conn, _, err := s.dialer.DialContext(ctx, s.config.URL, s.config.Header)
		if err != nil {
			if ctx.Err() != nil {
				s.setState(Disconnected)
				return
			}
			s.logger.Warn("dial failed", zap.Error(err), zap.Int("attempt", s.Attempts()))
		} else if s.attach(ctx, conn) {
			s.logger.Info("connected", zap.Int("attempt", s.Attempts()))
			stop := make(chan struct{})
			pinged := make(chan struct{})
			go func() {
				defer close(pinged)
				s.keepAlive(conn, stop)
			}()
			s.readLoop(conn)
			close(stop)
			<-pinged
			s.detach(conn)

			if ctx.Err() != nil {
				s.setState(Disconnected)
				return
			}
			s.logger.Warn("connection lost, reconnecting",
				zap.Duration("delay", s.config.ReconnectDelay))
		}

		if ctx.Err() != nil {
			s.setState(Disconnected)
			return
		}
		s.setState(Disconnected)
		metrics.ReconnectsTotal.Inc()

		timer := time.NewTimer(s.config.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// attach publishes conn for writers. A session closed while dialing gets
// the connection closed instead.
func (s *Session) attach(ctx context.Context, conn *websocket.Conn) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if ctx.Err() != nil {
		conn.Close()
		return false
	}

	conn.SetReadLimit(maxMessageSize)
	s.conn = conn
	s.setState(Connected)
	return true
}

func (s *Session) detach(conn *websocket.Conn) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.conn == conn {
		s.conn = nil
	}
	conn.Close()
}

// keepAlive pings the peer until stop is closed or a ping fails. A peer
// that stops answering trips the read deadline in readLoop.
func (s *Session) keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.config.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			if s.conn != conn {
				s.writeMu.Unlock()
				return
			}
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
		return nil
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Warn("peer stopped answering", zap.Duration("pong_wait", s.config.PongWait))
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(s.config.PongWait))

		var env Envelope
		switch messageType {
		case websocket.TextMessage:
			env, err = ParseEnvelope(data)
			if err != nil {
				metrics.MalformedMessagesTotal.Inc()
				s.logger.Debug("ignoring message", zap.Error(err), zap.Int("size", len(data)))
				continue
			}
		case websocket.BinaryMessage:
			env = Envelope{Kind: KindAudio, Audio: data}
		default:
			continue
		}

		s.deliver(env)
	}
}

func (s *Session) deliver(env Envelope) {
	select {
	case s.messages <- env:
		metrics.EnvelopesTotal.WithLabelValues(env.Kind.String()).Inc()
	default:
		s.logger.Warn("consumer lagging, envelope dropped", zap.Stringer("kind", env.Kind))
	}
}

// SendBinary writes one binary message. Outside the Connected state the
// payload is dropped and ErrNotConnected returned.
func (s *Session) SendBinary(data []byte) error {
	return s.write("binary", func(conn *websocket.Conn) error {
		return conn.WriteMessage(websocket.BinaryMessage, data)
	})
}

// SendText writes one text message.
func (s *Session) SendText(data []byte) error {
	return s.write("text", func(conn *websocket.Conn) error {
		return conn.WriteMessage(websocket.TextMessage, data)
	})
}

// SendFrame writes the JSON header and the JPEG back to back so no other
// message can land between them.
func (s *Session) SendFrame(meta video.FrameMeta, jpeg []byte) error {
	header, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal frame header: %w", err)
	}

	return s.write("frame", func(conn *websocket.Conn) error {
		if err := conn.WriteMessage(websocket.TextMessage, header); err != nil {
			return err
		}
		return conn.WriteMessage(websocket.BinaryMessage, jpeg)
	})
}

func (s *Session) write(kind string, fn func(*websocket.Conn) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.conn == nil || s.State() != Connected {
		metrics.PayloadsDroppedTotal.WithLabelValues(kind).Inc()
		return ErrNotConnected
	}

	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := fn(s.conn); err != nil {
		// The read loop sees the closed socket and starts the reconnect.
		s.conn.Close()
		s.conn = nil
		metrics.PayloadsDroppedTotal.WithLabelValues(kind).Inc()
		return fmt.Errorf("failed to write %s: %w", kind, err)
	}
	return nil
}

// Close stops reconnecting, sends a normal closure and waits for the
// connection goroutine. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	opened, cancel, done := s.opened, s.cancel, s.done
	s.mu.Unlock()

	if !opened {
		close(s.messages)
		return nil
	}

	s.setState(Closing)
	cancel()

	s.writeMu.Lock()
	if s.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.logger.Debug("close frame not sent", zap.Error(err))
		}
		s.conn.Close()
		s.conn = nil
	}
	s.writeMu.Unlock()

	<-done
	s.setState(Disconnected)
	close(s.messages)

	s.logger.Info("session closed", zap.Int("attempts", s.Attempts()))
	return nil
}
