package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/pixelmesa/fleet-core/internal/infrastructure/mqtt"
	"github.com/pixelmesa/fleet-core/internal/registry"
)

// memStore is an in-memory registry store backing the test registry.
type memStore struct {
	mu   sync.Mutex
	data []byte
}

func (s *memStore) Load(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data, nil
}

func (s *memStore) Save(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}

// published captures a single MQTT publish.
type published struct {
	topic    string
	payload  []byte
	retained bool
}

// mockPublisher records publishes and subscriptions.
type mockPublisher struct {
	mu         sync.Mutex
	messages   []published
	subscribed []string
	subErr     error
}

func (p *mockPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{topic: topic, payload: payload, retained: retained})
	return nil
}

func (p *mockPublisher) PublishRetained(topic string, payload []byte) error {
	return p.Publish(topic, payload, 1, true)
}

func (p *mockPublisher) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	if p.subErr != nil {
		return p.subErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribed = append(p.subscribed, topic)
	return nil
}

func (p *mockPublisher) Unsubscribe(topic string) error { return nil }

// onTopic returns all captured publishes for a topic.
func (p *mockPublisher) onTopic(topic string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// mockMetrics records telemetry writes.
type mockMetrics struct {
	mu         sync.Mutex
	heartbeats []string // "deviceID:status"
	sessions   []string // "deviceID:event"
	commands   []string // "deviceID:delivered"
}

func (m *mockMetrics) WriteHeartbeat(deviceID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats = append(m.heartbeats, deviceID+":"+status)
}

func (m *mockMetrics) WriteSessionEvent(deviceID, event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, deviceID+":"+event)
}

func (m *mockMetrics) WriteCommandMetric(deviceID string, delivered bool, queueDepth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := deviceID + ":queued"
	if delivered {
		key = deviceID + ":live"
	}
	m.commands = append(m.commands, key)
}

// mockHistory records status transitions.
type mockHistory struct {
	mu      sync.Mutex
	rows    []string // "deviceID:status:previous"
	lastErr error
}

func (h *mockHistory) Record(ctx context.Context, deviceID, status, previousStatus string) error {
	if h.lastErr != nil {
		return h.lastErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows = append(h.rows, deviceID+":"+status+":"+previousStatus)
	return nil
}

// mockRouter records routed commands.
type mockRouter struct {
	mu        sync.Mutex
	delivered bool
	routed    []string // "deviceID:name"
}

func (r *mockRouter) DeliverOrQueue(deviceID, name string, payload map[string]any) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routed = append(r.routed, deviceID+":"+name)
	return "cmd-1", r.delivered
}

func (r *mockRouter) QueueDepth(deviceID string) int { return 0 }

func newTestMirror(t *testing.T) (*Mirror, *registry.Registry, *mockPublisher, *mockMetrics, *mockHistory) {
	t.Helper()

	reg := registry.New(&memStore{})
	pub := &mockPublisher{}
	metrics := &mockMetrics{}
	hist := &mockHistory{}

	m := New(Options{
		Registry: reg,
		Pub:      pub,
		Metrics:  metrics,
		History:  hist,
		Router:   &mockRouter{delivered: true},
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(m.Stop)

	return m, reg, pub, metrics, hist
}

// TestMirrorRegisteredDevice verifies a registration fans out to all sinks.
func TestMirrorRegisteredDevice(t *testing.T) {
	_, reg, pub, metrics, hist := newTestMirror(t)
	ctx := context.Background()

	dev, _, err := reg.Register(ctx, registry.RegisterParams{Name: "Lobby display", InstallID: "inst-1"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	var topics mqtt.Topics
	statuses := pub.onTopic(topics.DeviceStatus(dev.ID))
	if len(statuses) != 1 {
		t.Fatalf("status publishes = %d, want 1", len(statuses))
	}
	if !statuses[0].retained {
		t.Error("status publish should be retained")
	}

	var doc statusPayload
	if err := json.Unmarshal(statuses[0].payload, &doc); err != nil {
		t.Fatalf("unmarshal status payload: %v", err)
	}
	if doc.DeviceID != dev.ID || doc.Status != "unknown" || doc.Name != "Lobby display" {
		t.Errorf("status payload = %+v", doc)
	}

	events := pub.onTopic("fleetcore/event/device/registered")
	if len(events) != 1 {
		t.Fatalf("event publishes = %d, want 1", len(events))
	}
	if strings.Contains(string(events[0].payload), "secretHash") {
		t.Error("event payload leaked secret hash")
	}

	if len(metrics.heartbeats) != 1 || metrics.heartbeats[0] != dev.ID+":unknown" {
		t.Errorf("heartbeats = %v", metrics.heartbeats)
	}
	if len(hist.rows) != 1 || hist.rows[0] != dev.ID+":unknown:" {
		t.Errorf("history rows = %v", hist.rows)
	}
}

// TestMirrorStatusTransitions verifies history rows only appear on change.
func TestMirrorStatusTransitions(t *testing.T) {
	_, reg, _, _, hist := newTestMirror(t)
	ctx := context.Background()

	dev, _, err := reg.Register(ctx, registry.RegisterParams{InstallID: "inst-1"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// unknown -> online
	if _, err := reg.Heartbeat(ctx, dev.ID, registry.HeartbeatParams{}); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	// online -> online: no new transition
	if _, err := reg.Heartbeat(ctx, dev.ID, registry.HeartbeatParams{}); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	// online -> offline
	if err := reg.MarkDisconnected(ctx, dev.ID); err != nil {
		t.Fatalf("MarkDisconnected() error = %v", err)
	}

	want := []string{
		dev.ID + ":unknown:",
		dev.ID + ":online:unknown",
		dev.ID + ":offline:online",
	}
	if len(hist.rows) != len(want) {
		t.Fatalf("history rows = %v, want %v", hist.rows, want)
	}
	for i, row := range want {
		if hist.rows[i] != row {
			t.Errorf("row[%d] = %q, want %q", i, hist.rows[i], row)
		}
	}
}

// TestMirrorDeleteClearsRetainedStatus verifies the retained topic is wiped.
func TestMirrorDeleteClearsRetainedStatus(t *testing.T) {
	_, reg, pub, _, _ := newTestMirror(t)
	ctx := context.Background()

	dev, _, err := reg.Register(ctx, registry.RegisterParams{InstallID: "inst-1"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Delete(ctx, dev.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	var topics mqtt.Topics
	statuses := pub.onTopic(topics.DeviceStatus(dev.ID))
	if len(statuses) != 2 {
		t.Fatalf("status publishes = %d, want 2", len(statuses))
	}
	last := statuses[len(statuses)-1]
	if len(last.payload) != 0 || !last.retained {
		t.Errorf("delete should publish empty retained payload, got %q retained=%v", last.payload, last.retained)
	}

	if got := pub.onTopic("fleetcore/event/device/deleted"); len(got) != 1 {
		t.Errorf("deleted event publishes = %d, want 1", len(got))
	}
}

// TestMirrorSeedsRetainedStatuses verifies Start republishes known devices.
func TestMirrorSeedsRetainedStatuses(t *testing.T) {
	reg := registry.New(&memStore{})
	ctx := context.Background()

	a, _, err := reg.Register(ctx, registry.RegisterParams{InstallID: "inst-a"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	b, _, err := reg.Register(ctx, registry.RegisterParams{InstallID: "inst-b"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	pub := &mockPublisher{}
	m := New(Options{Registry: reg, Pub: pub, Router: &mockRouter{}})
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	var topics mqtt.Topics
	for _, id := range []string{a.ID, b.ID} {
		if got := pub.onTopic(topics.DeviceStatus(id)); len(got) != 1 {
			t.Errorf("seed publishes for %s = %d, want 1", id, len(got))
		}
	}
	if len(pub.subscribed) != 1 || pub.subscribed[0] != topics.AllDeviceCommands() {
		t.Errorf("subscribed = %v, want [%s]", pub.subscribed, topics.AllDeviceCommands())
	}
}

// TestMirrorCommandIngestion verifies MQTT-injected commands reach the router.
func TestMirrorCommandIngestion(t *testing.T) {
	router := &mockRouter{delivered: true}
	metrics := &mockMetrics{}
	m := New(Options{Router: router, Metrics: metrics})

	err := m.handleCommandMessage("fleetcore/device/dev-1/command",
		[]byte(`{"name":"reload","payload":{"url":"https://example.com"}}`))
	if err != nil {
		t.Fatalf("handleCommandMessage() error = %v", err)
	}

	if len(router.routed) != 1 || router.routed[0] != "dev-1:reload" {
		t.Errorf("routed = %v", router.routed)
	}
	if len(metrics.commands) != 1 || metrics.commands[0] != "dev-1:live" {
		t.Errorf("command metrics = %v", metrics.commands)
	}
}

// TestMirrorCommandIngestionRejections verifies malformed injections error out.
func TestMirrorCommandIngestionRejections(t *testing.T) {
	router := &mockRouter{}
	m := New(Options{Router: router})

	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"wrong topic", "fleetcore/device/dev-1/status", `{"name":"reload"}`},
		{"empty device id", "fleetcore/device//command", `{"name":"reload"}`},
		{"bad json", "fleetcore/device/dev-1/command", `{not json`},
		{"missing name", "fleetcore/device/dev-1/command", `{"payload":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.handleCommandMessage(tt.topic, []byte(tt.payload)); err == nil {
				t.Error("expected error")
			}
		})
	}
	if len(router.routed) != 0 {
		t.Errorf("routed = %v, want none", router.routed)
	}
}

// TestMirrorNilSinks verifies the mirror tolerates missing backends.
func TestMirrorNilSinks(t *testing.T) {
	reg := registry.New(&memStore{})
	m := New(Options{Registry: reg})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	m.SessionEvent("dev-1", SessionConnected)
	m.CommandOutcome("dev-1", true, 0)

	if _, _, err := reg.Register(context.Background(), registry.RegisterParams{InstallID: "i"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
}

// TestMirrorHistoryFailureIsSwallowed verifies sink errors don't propagate.
func TestMirrorHistoryFailureIsSwallowed(t *testing.T) {
	reg := registry.New(&memStore{})
	hist := &mockHistory{lastErr: errors.New("disk full")}
	m := New(Options{Registry: reg, History: hist})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	if _, _, err := reg.Register(context.Background(), registry.RegisterParams{InstallID: "i"}); err != nil {
		t.Fatalf("Register() should not surface history errors, got %v", err)
	}
}
