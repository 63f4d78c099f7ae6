package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pixelmesa/fleet-core/internal/infrastructure/mqtt"
	"github.com/pixelmesa/fleet-core/internal/registry"
)

// Session lifecycle event names recorded against the metrics sink.
const (
	SessionConnected    = "connected"
	SessionDisconnected = "disconnected"
	SessionAuthFailed   = "auth_failed"
	SessionRateLimited  = "rate_limited"
)

// Registry is the slice of the device registry the mirror consumes.
type Registry interface {
	// Subscribe registers a handler for registry change events and
	// returns an unsubscribe function.
	Subscribe(kind string, h registry.Handler) func()

	// List returns all devices, used to seed retained status topics.
	List(ctx context.Context) ([]*registry.Device, error)
}

// Publisher is the MQTT surface the mirror writes to and reads from.
// Satisfied by *mqtt.Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// MetricsWriter is the telemetry sink. Satisfied by *influxdb.Client.
// Writes are fire-and-forget; implementations must not block.
type MetricsWriter interface {
	WriteHeartbeat(deviceID string, status string)
	WriteSessionEvent(deviceID string, event string)
	WriteCommandMetric(deviceID string, delivered bool, queueDepth int)
}

// HistoryRecorder appends status transitions to durable storage.
// Satisfied by *history.SQLiteRepository.
type HistoryRecorder interface {
	Record(ctx context.Context, deviceID, status, previousStatus string) error
}

// CommandRouter delivers commands injected over MQTT.
// Satisfied by *dispatch.Dispatcher.
type CommandRouter interface {
	DeliverOrQueue(deviceID, name string, payload map[string]any) (string, bool)
	QueueDepth(deviceID string) int
}

// Logger is the minimal logging interface used by the mirror.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Options configures a Mirror. Any sink may be nil; the mirror simply
// skips that sink.
type Options struct {
	Registry Registry
	Pub      Publisher
	Metrics  MetricsWriter
	History  HistoryRecorder
	Router   CommandRouter
	Logger   Logger
}

// Mirror bridges the registry to MQTT, InfluxDB, and the status history.
type Mirror struct {
	reg     Registry
	pub     Publisher
	metrics MetricsWriter
	history HistoryRecorder
	router  CommandRouter
	logger  Logger
	topics  mqtt.Topics

	mu         sync.Mutex
	lastStatus map[string]registry.Status
	unsubs     []func()
	started    bool
}

// statusPayload is the retained presence document published per device.
type statusPayload struct {
	DeviceID   string     `json:"deviceId"`
	Status     string     `json:"status"`
	Name       string     `json:"name,omitempty"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// eventPayload is the envelope published under fleetcore/event/...
type eventPayload struct {
	Kind      string           `json:"kind"`
	DeviceID  string           `json:"deviceId"`
	Device    *registry.Device `json:"device,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// commandEnvelope is the expected shape of MQTT-injected commands.
type commandEnvelope struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

// New creates a Mirror. Call Start to begin mirroring.
func New(opts Options) *Mirror {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Mirror{
		reg:        opts.Registry,
		pub:        opts.Pub,
		metrics:    opts.Metrics,
		history:    opts.History,
		router:     opts.Router,
		logger:     logger,
		lastStatus: make(map[string]registry.Status),
	}
}

// Start subscribes to registry events, seeds retained status topics from
// the current device set, and begins accepting MQTT-injected commands.
//
// Parameters:
//   - ctx: Used for the initial device listing only
//
// Returns:
//   - error: If the command subscription cannot be established
func (m *Mirror) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if m.reg != nil {
		unsub := m.reg.Subscribe("", m.handleEvent)
		m.mu.Lock()
		m.unsubs = append(m.unsubs, unsub)
		m.mu.Unlock()

		m.seed(ctx)
	}

	if m.pub != nil && m.router != nil {
		topic := m.topics.AllDeviceCommands()
		if err := m.pub.Subscribe(topic, 1, m.handleCommandMessage); err != nil {
			return fmt.Errorf("subscribing to command topic: %w", err)
		}
	}

	return nil
}

// Stop unsubscribes from registry events. MQTT subscriptions are torn
// down with the client itself.
func (m *Mirror) Stop() {
	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.started = false
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// SessionEvent records a connection lifecycle event against the metrics
// sink. Safe to call with a nil metrics backend.
func (m *Mirror) SessionEvent(deviceID, event string) {
	if m.metrics == nil {
		return
	}
	m.metrics.WriteSessionEvent(deviceID, event)
}

// CommandOutcome records a command delivery outcome against the metrics
// sink. Safe to call with a nil metrics backend.
func (m *Mirror) CommandOutcome(deviceID string, delivered bool, queueDepth int) {
	if m.metrics == nil {
		return
	}
	m.metrics.WriteCommandMetric(deviceID, delivered, queueDepth)
}

// seed publishes retained status documents for every known device so the
// broker reflects reality after a restart.
func (m *Mirror) seed(ctx context.Context) {
	devices, err := m.reg.List(ctx)
	if err != nil {
		m.logger.Warn("mirror: listing devices for seed", "error", err)
		return
	}

	m.mu.Lock()
	for _, d := range devices {
		m.lastStatus[d.ID] = d.Status
	}
	m.mu.Unlock()

	for _, d := range devices {
		m.publishStatus(d)
	}
}

// handleEvent fans a single registry event out to all sinks.
func (m *Mirror) handleEvent(ev registry.Event) {
	switch ev.Kind {
	case registry.EventDeleted:
		m.handleDeleted(ev)
	default:
		m.handleUpsert(ev)
	}
	m.publishEvent(ev)
}

func (m *Mirror) handleUpsert(ev registry.Event) {
	if ev.Device == nil {
		return
	}

	m.publishStatus(ev.Device)

	if m.metrics != nil {
		m.metrics.WriteHeartbeat(ev.DeviceID, string(ev.Device.Status))
	}

	m.mu.Lock()
	previous, seen := m.lastStatus[ev.DeviceID]
	changed := !seen || previous != ev.Device.Status
	m.lastStatus[ev.DeviceID] = ev.Device.Status
	m.mu.Unlock()

	if changed && m.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.history.Record(ctx, ev.DeviceID, string(ev.Device.Status), string(previous)); err != nil {
			m.logger.Warn("mirror: recording status transition", "deviceId", ev.DeviceID, "error", err)
		}
	}
}

func (m *Mirror) handleDeleted(ev registry.Event) {
	m.mu.Lock()
	delete(m.lastStatus, ev.DeviceID)
	m.mu.Unlock()

	if m.pub == nil {
		return
	}

	// Empty retained payload clears the broker's stored status.
	topic := m.topics.DeviceStatus(ev.DeviceID)
	if err := m.pub.PublishRetained(topic, nil); err != nil {
		m.logger.Warn("mirror: clearing status topic", "deviceId", ev.DeviceID, "error", err)
	}
}

// publishStatus publishes the retained presence document for a device.
func (m *Mirror) publishStatus(d *registry.Device) {
	if m.pub == nil {
		return
	}

	payload, err := json.Marshal(statusPayload{
		DeviceID:   d.ID,
		Status:     string(d.Status),
		Name:       d.Name,
		LastSeenAt: d.LastSeenAt,
		UpdatedAt:  d.UpdatedAt,
	})
	if err != nil {
		m.logger.Warn("mirror: marshalling status", "deviceId", d.ID, "error", err)
		return
	}

	if err := m.pub.PublishRetained(m.topics.DeviceStatus(d.ID), payload); err != nil {
		m.logger.Warn("mirror: publishing status", "deviceId", d.ID, "error", err)
	}
}

// publishEvent publishes the event envelope under fleetcore/event/...
func (m *Mirror) publishEvent(ev registry.Event) {
	if m.pub == nil {
		return
	}

	var device *registry.Device
	if ev.Device != nil {
		device = ev.Device.Sanitized()
	}

	payload, err := json.Marshal(eventPayload{
		Kind:      ev.Kind,
		DeviceID:  ev.DeviceID,
		Device:    device,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		m.logger.Warn("mirror: marshalling event", "kind", ev.Kind, "error", err)
		return
	}

	if err := m.pub.Publish(m.topics.Event(ev.Kind), payload, 1, false); err != nil {
		m.logger.Warn("mirror: publishing event", "kind", ev.Kind, "error", err)
	}
}

// handleCommandMessage routes an MQTT-injected command through the
// dispatcher. Malformed envelopes are rejected with an error so the MQTT
// client's handler wrapper logs them.
func (m *Mirror) handleCommandMessage(topic string, payload []byte) error {
	deviceID := m.topics.DeviceIDFromCommandTopic(topic)
	if deviceID == "" {
		return fmt.Errorf("unexpected command topic %q", topic)
	}

	var envelope commandEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("decoding command payload: %w", err)
	}
	if envelope.Name == "" {
		return fmt.Errorf("command payload missing name")
	}

	_, delivered := m.router.DeliverOrQueue(deviceID, envelope.Name, envelope.Payload)
	m.CommandOutcome(deviceID, delivered, m.router.QueueDepth(deviceID))

	m.logger.Debug("mirror: routed mqtt command",
		"deviceId", deviceID,
		"name", envelope.Name,
		"delivered", delivered,
	)
	return nil
}
