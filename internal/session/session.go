package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is a session's position in the connection lifecycle.
type State string

// Session states. Pending moves to Authenticating when a hello arrives,
// then to Authenticated or Failed. Failed and Closed are terminal.
const (
	StatePending        State = "pending"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateFailed         State = "failed"
	StateClosed         State = "closed"
)

// CloseAuthFailure is the close code sent when authentication fails or
// times out, distinguishable from normal closure by the client.
const CloseAuthFailure = 4001

// Conn is the transport a session replies through.
// Implemented by the websocket layer.
type Conn interface {
	// Send writes a JSON message to the device.
	Send(v any) error
	// Close terminates the connection with a close code and reason.
	Close(code int, reason string) error
}

// Verifier checks device credentials. Implemented by registry.Registry.
type Verifier interface {
	Verify(ctx context.Context, deviceID, secret string) bool
}

// Logger is the minimal logging interface the session needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}

// Options configures a session.
type Options struct {
	// AuthTimeout is how long the device has to authenticate before the
	// connection is closed (default 10s).
	AuthTimeout time.Duration

	// QueueLimit bounds the pre-auth message queue (default 64). When the
	// queue is full the newest arrivals are dropped; earlier messages are
	// preserved.
	QueueLimit int

	// OnAuthenticated fires once, immediately after a successful hello and
	// before any queued messages are delivered.
	OnAuthenticated func(deviceID string)

	// OnMessage receives every validated non-hello message, queued
	// pre-auth messages included. Never called before authentication.
	OnMessage func(deviceID string, msg *Message)

	// OnClosed fires once when the session ends, with the device ID if
	// authentication had succeeded ("" otherwise).
	OnClosed func(deviceID string)

	Logger Logger
}

// Session drives one device connection through its lifecycle.
//
// Thread Safety: Handle must be called from a single reader goroutine;
// Close may be called from any goroutine and is idempotent.
type Session struct {
	conn     Conn
	verifier Verifier
	limiter  *RateLimiter
	logger   Logger

	onAuthenticated func(deviceID string)
	onMessage       func(deviceID string, msg *Message)
	onClosed        func(deviceID string)

	queueLimit int

	mu        sync.Mutex
	state     State
	deviceID  string
	preAuth   []*Message
	authTimer *time.Timer
	dropped   int
}

// New creates a session for the given connection and starts its auth
// deadline. The device must complete a hello before the deadline or the
// connection is closed with CloseAuthFailure.
func New(conn Conn, verifier Verifier, limiter *RateLimiter, opts Options) *Session {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.QueueLimit <= 0 {
		opts.QueueLimit = 64
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	s := &Session{
		conn:            conn,
		verifier:        verifier,
		limiter:         limiter,
		logger:          opts.Logger,
		onAuthenticated: opts.OnAuthenticated,
		onMessage:       opts.OnMessage,
		onClosed:        opts.OnClosed,
		queueLimit:      opts.QueueLimit,
		state:           StatePending,
	}
	s.authTimer = time.AfterFunc(opts.AuthTimeout, s.authExpired)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DeviceID returns the authenticated device's ID, or "" before auth.
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAuthenticated {
		return s.deviceID
	}
	return ""
}

// Handle processes one raw inbound frame.
//
// Invalid frames are answered with an error message and reported to the
// caller; the session stays open except for authentication failures.
func (s *Session) Handle(ctx context.Context, data []byte) error {
	msg, err := Parse(data)
	if err != nil {
		s.sendError(err.Error())
		return err
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StatePending, StateAuthenticating:
		if msg.Kind == KindHello {
			return s.authenticate(ctx, msg)
		}
		s.enqueuePreAuth(msg)
		return nil

	case StateAuthenticated:
		return s.handleAuthenticated(msg)

	default:
		return ErrClosed
	}
}

// authenticate verifies a hello and, on success, flushes the pre-auth
// queue in arrival order.
func (s *Session) authenticate(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	if s.state != StatePending && s.state != StateAuthenticating {
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = StateAuthenticating
	s.mu.Unlock()

	if !s.verifier.Verify(ctx, msg.DeviceID, msg.Secret) {
		s.mu.Lock()
		s.state = StateFailed
		timer := s.authTimer
		s.mu.Unlock()
		if timer != nil {
			timer.Stop()
		}

		s.logger.Warn("device authentication failed", "device_id", msg.DeviceID)
		s.sendError("authentication failed")
		s.conn.Close(CloseAuthFailure, "authentication failed") //nolint:errcheck // Connection is being torn down
		s.notifyClosed("")
		return fmt.Errorf("%w: device %s", ErrAuthFailed, msg.DeviceID)
	}

	s.mu.Lock()
	s.state = StateAuthenticated
	s.deviceID = msg.DeviceID
	queued := s.preAuth
	s.preAuth = nil
	dropped := s.dropped
	timer := s.authTimer
	s.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}

	s.logger.Info("device authenticated", "device_id", msg.DeviceID, "queued", len(queued))
	if dropped > 0 {
		s.logger.Warn("pre-auth messages dropped", "device_id", msg.DeviceID, "dropped", dropped)
	}

	if s.onAuthenticated != nil {
		s.onAuthenticated(msg.DeviceID)
	}
	s.send(map[string]any{"kind": KindHello, "status": AckOK, "deviceId": msg.DeviceID})

	for _, m := range queued {
		s.dispatch(msg.DeviceID, m)
	}
	return nil
}

// handleAuthenticated processes a frame after auth: rejects repeat
// hellos, applies the rate limit, then hands the message to the caller.
func (s *Session) handleAuthenticated(msg *Message) error {
	s.mu.Lock()
	deviceID := s.deviceID
	s.mu.Unlock()

	if msg.Kind == KindHello {
		s.sendError("already authenticated")
		return fmt.Errorf("%w: device %s", ErrAlreadyAuthenticated, deviceID)
	}

	if s.limiter != nil && !s.limiter.Allow(deviceID) {
		s.sendError("rate limit exceeded")
		return fmt.Errorf("%w: device %s", ErrRateLimited, deviceID)
	}

	s.dispatch(deviceID, msg)
	return nil
}

// dispatch forwards a message to the caller's handler. Pings are answered
// here so every transport gets pong behaviour for free.
func (s *Session) dispatch(deviceID string, msg *Message) {
	if msg.Kind == KindPing {
		s.send(map[string]any{"kind": "pong", "timestamp": msg.Timestamp})
	}
	if s.onMessage != nil {
		s.onMessage(deviceID, msg)
	}
}

// enqueuePreAuth buffers a message that arrived before authentication.
// When the queue is full the newest message is dropped; earlier arrivals
// keep their place.
func (s *Session) enqueuePreAuth(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePending && s.state != StateAuthenticating {
		return
	}
	if len(s.preAuth) >= s.queueLimit {
		s.dropped++
		return
	}
	s.preAuth = append(s.preAuth, msg)
}

// authExpired fires when the auth deadline passes without a successful
// hello.
func (s *Session) authExpired() {
	s.mu.Lock()
	if s.state != StatePending && s.state != StateAuthenticating {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.mu.Unlock()

	s.logger.Warn("authentication deadline expired")
	s.conn.Close(CloseAuthFailure, "authentication timeout") //nolint:errcheck // Connection is being torn down
	s.notifyClosed("")
}

// Close ends the session. Safe to call multiple times and from the
// connection's read-loop teardown.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	deviceID := ""
	if s.state == StateAuthenticated {
		deviceID = s.deviceID
	}
	s.state = StateClosed
	timer := s.authTimer
	s.preAuth = nil
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	s.notifyClosed(deviceID)
}

func (s *Session) notifyClosed(deviceID string) {
	if s.onClosed != nil {
		s.onClosed(deviceID)
	}
}

func (s *Session) send(v any) {
	if err := s.conn.Send(v); err != nil {
		s.logger.Debug("send failed", "error", err)
	}
}

func (s *Session) sendError(detail string) {
	s.send(map[string]any{"kind": "error", "error": detail})
}
