package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockConn records messages and close calls.
type mockConn struct {
	mu        sync.Mutex
	sent      []any
	closeCode int
	closed    bool
}

func (m *mockConn) Send(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, v)
	return nil
}

func (m *mockConn) Close(code int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.closeCode = code
	return nil
}

func (m *mockConn) closedWith() (bool, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed, m.closeCode
}

func (m *mockConn) sentKinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]string, 0, len(m.sent))
	for _, v := range m.sent {
		if msg, ok := v.(map[string]any); ok {
			if k, ok := msg["kind"].(string); ok {
				kinds = append(kinds, k)
			}
		}
	}
	return kinds
}

// mockVerifier accepts a fixed device/secret pair.
type mockVerifier struct {
	deviceID string
	secret   string
}

func (m *mockVerifier) Verify(ctx context.Context, deviceID, secret string) bool {
	return deviceID == m.deviceID && secret == m.secret
}

const testSecret = "0123456789abcdef0123456789abcdef0123456789abcdef"

func helloFrame(deviceID, secret string) []byte {
	return []byte(`{"kind":"hello","deviceId":"` + deviceID + `","secret":"` + secret + `"}`)
}

func newTestSession(t *testing.T, opts Options) (*Session, *mockConn) {
	t.Helper()
	conn := &mockConn{}
	verifier := &mockVerifier{deviceID: "dev-1", secret: testSecret}
	if opts.AuthTimeout == 0 {
		opts.AuthTimeout = time.Minute
	}
	s := New(conn, verifier, NewRateLimiter(10, time.Second), opts)
	t.Cleanup(s.Close)
	return s, conn
}

func TestAuthenticateSuccess(t *testing.T) {
	var authenticated []string
	s, conn := newTestSession(t, Options{
		OnAuthenticated: func(id string) { authenticated = append(authenticated, id) },
	})
	ctx := context.Background()

	if s.State() != StatePending {
		t.Fatalf("expected pending, got %s", s.State())
	}

	if err := s.Handle(ctx, helloFrame("dev-1", testSecret)); err != nil {
		t.Fatalf("hello failed: %v", err)
	}
	if s.State() != StateAuthenticated {
		t.Errorf("expected authenticated, got %s", s.State())
	}
	if s.DeviceID() != "dev-1" {
		t.Errorf("expected device dev-1, got %q", s.DeviceID())
	}
	if len(authenticated) != 1 || authenticated[0] != "dev-1" {
		t.Errorf("expected one OnAuthenticated call, got %v", authenticated)
	}

	kinds := conn.sentKinds()
	if len(kinds) != 1 || kinds[0] != KindHello {
		t.Errorf("expected a hello confirmation, got %v", kinds)
	}
}

func TestAuthenticateWrongSecret(t *testing.T) {
	s, conn := newTestSession(t, Options{})
	ctx := context.Background()

	err := s.Handle(ctx, helloFrame("dev-1", strings.Repeat("f", 48)))
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if s.State() != StateFailed {
		t.Errorf("expected failed, got %s", s.State())
	}

	closed, code := conn.closedWith()
	if !closed || code != CloseAuthFailure {
		t.Errorf("expected close with code %d, got closed=%v code=%d", CloseAuthFailure, closed, code)
	}
}

func TestSecondHelloRejected(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	ctx := context.Background()

	if err := s.Handle(ctx, helloFrame("dev-1", testSecret)); err != nil {
		t.Fatalf("first hello failed: %v", err)
	}
	err := s.Handle(ctx, helloFrame("dev-1", testSecret))
	if !errors.Is(err, ErrAlreadyAuthenticated) {
		t.Errorf("expected ErrAlreadyAuthenticated, got %v", err)
	}
	// The session itself stays healthy.
	if s.State() != StateAuthenticated {
		t.Errorf("repeat hello must not change state, got %s", s.State())
	}
}

func TestPreAuthQueueFlushesInOrder(t *testing.T) {
	var delivered []string
	var mu sync.Mutex
	s, _ := newTestSession(t, Options{
		OnMessage: func(deviceID string, msg *Message) {
			mu.Lock()
			delivered = append(delivered, msg.Kind+":"+msg.ID)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	// Messages before auth are queued, not delivered.
	if err := s.Handle(ctx, []byte(`{"kind":"ack","id":"first","status":"ok"}`)); err != nil {
		t.Fatalf("pre-auth ack failed: %v", err)
	}
	if err := s.Handle(ctx, []byte(`{"kind":"ack","id":"second","status":"ok"}`)); err != nil {
		t.Fatalf("pre-auth ack failed: %v", err)
	}
	mu.Lock()
	n := len(delivered)
	mu.Unlock()
	if n != 0 {
		t.Fatalf("nothing may be delivered before auth, got %v", delivered)
	}

	if err := s.Handle(ctx, helloFrame("dev-1", testSecret)); err != nil {
		t.Fatalf("hello failed: %v", err)
	}
	if err := s.Handle(ctx, []byte(`{"kind":"ack","id":"third","status":"ok"}`)); err != nil {
		t.Fatalf("post-auth ack failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"ack:first", "ack:second", "ack:third"}
	if len(delivered) != len(want) {
		t.Fatalf("expected %v, got %v", want, delivered)
	}
	for i := range want {
		if delivered[i] != want[i] {
			t.Fatalf("queue flush out of order: expected %v, got %v", want, delivered)
		}
	}
}

func TestPreAuthQueueBounded(t *testing.T) {
	var delivered int
	var mu sync.Mutex
	s, _ := newTestSession(t, Options{
		QueueLimit: 3,
		OnMessage: func(deviceID string, msg *Message) {
			mu.Lock()
			delivered++
			mu.Unlock()
		},
	})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if err := s.Handle(ctx, []byte(`{"kind":"ping"}`)); err != nil {
			t.Fatalf("pre-auth ping failed: %v", err)
		}
	}
	if err := s.Handle(ctx, helloFrame("dev-1", testSecret)); err != nil {
		t.Fatalf("hello failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered != 3 {
		t.Errorf("expected 3 queued messages delivered, got %d", delivered)
	}
}

func TestAuthDeadline(t *testing.T) {
	conn := &mockConn{}
	verifier := &mockVerifier{deviceID: "dev-1", secret: testSecret}
	closed := make(chan string, 1)
	s := New(conn, verifier, nil, Options{
		AuthTimeout: 20 * time.Millisecond,
		OnClosed:    func(deviceID string) { closed <- deviceID },
	})
	defer s.Close()

	select {
	case id := <-closed:
		if id != "" {
			t.Errorf("unauthenticated close should report empty device ID, got %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("auth deadline never fired")
	}

	wasClosed, code := conn.closedWith()
	if !wasClosed || code != CloseAuthFailure {
		t.Errorf("expected close with code %d, got closed=%v code=%d", CloseAuthFailure, wasClosed, code)
	}
	if s.State() != StateFailed {
		t.Errorf("expected failed, got %s", s.State())
	}
}

func TestAuthDeadlineCancelledBySuccess(t *testing.T) {
	s, conn := newTestSession(t, Options{AuthTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	if err := s.Handle(ctx, helloFrame("dev-1", testSecret)); err != nil {
		t.Fatalf("hello failed: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if closed, _ := conn.closedWith(); closed {
		t.Error("deadline must not fire after successful auth")
	}
	if s.State() != StateAuthenticated {
		t.Errorf("expected authenticated, got %s", s.State())
	}
}

func TestRateLimitEnforced(t *testing.T) {
	conn := &mockConn{}
	verifier := &mockVerifier{deviceID: "dev-1", secret: testSecret}
	limiter := NewRateLimiter(3, time.Hour)
	s := New(conn, verifier, limiter, Options{AuthTimeout: time.Minute})
	defer s.Close()
	ctx := context.Background()

	if err := s.Handle(ctx, helloFrame("dev-1", testSecret)); err != nil {
		t.Fatalf("hello failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.Handle(ctx, []byte(`{"kind":"ping"}`)); err != nil {
			t.Fatalf("ping %d failed: %v", i+1, err)
		}
	}
	err := s.Handle(ctx, []byte(`{"kind":"ping"}`))
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
	// The connection is not closed for rate violations.
	if closed, _ := conn.closedWith(); closed {
		t.Error("rate limiting must not close the connection")
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	s, conn := newTestSession(t, Options{})
	ctx := context.Background()

	if err := s.Handle(ctx, helloFrame("dev-1", testSecret)); err != nil {
		t.Fatalf("hello failed: %v", err)
	}
	if err := s.Handle(ctx, []byte(`{"kind":"ping","timestamp":42}`)); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	kinds := conn.sentKinds()
	found := false
	for _, k := range kinds {
		if k == "pong" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a pong reply, got %v", kinds)
	}
}

func TestInvalidFrameAnsweredWithError(t *testing.T) {
	s, conn := newTestSession(t, Options{})
	ctx := context.Background()

	if err := s.Handle(ctx, []byte(`not json`)); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}

	kinds := conn.sentKinds()
	if len(kinds) != 1 || kinds[0] != "error" {
		t.Errorf("expected an error reply, got %v", kinds)
	}
	// Invalid frames do not end the session.
	if s.State() != StatePending {
		t.Errorf("expected pending, got %s", s.State())
	}
}

func TestCloseReportsDeviceID(t *testing.T) {
	closed := make(chan string, 1)
	s, _ := newTestSession(t, Options{
		OnClosed: func(deviceID string) { closed <- deviceID },
	})
	ctx := context.Background()

	if err := s.Handle(ctx, helloFrame("dev-1", testSecret)); err != nil {
		t.Fatalf("hello failed: %v", err)
	}
	s.Close()

	select {
	case id := <-closed:
		if id != "dev-1" {
			t.Errorf("expected dev-1, got %q", id)
		}
	default:
		t.Fatal("OnClosed never fired")
	}

	// Idempotent.
	s.Close()
	select {
	case <-closed:
		t.Error("OnClosed must fire only once")
	default:
	}
}

func TestHandleAfterClose(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	s.Close()
	if err := s.Handle(context.Background(), []byte(`{"kind":"ping"}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
