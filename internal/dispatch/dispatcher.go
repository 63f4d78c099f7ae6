package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sender delivers a JSON message to one connected device.
// Implemented by the websocket layer.
type Sender interface {
	Send(v any) error
}

// Logger is the minimal logging interface the dispatcher needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Warn(msg string, args ...any)  {}

// commandFrame is the wire shape of an outbound command.
type commandFrame struct {
	Kind    string         `json:"kind"`
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

// QueuedCommand is a command held for an offline device.
type QueuedCommand struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Payload  map[string]any `json:"payload,omitempty"`
	QueuedAt time.Time      `json:"queuedAt"`
}

// AckResult is a device's response to an awaited command.
type AckResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Tally summarizes a fan-out delivery.
type Tally struct {
	Live   int `json:"live"`
	Queued int `json:"queued"`
}

// queueWarnThreshold is the queue depth past which growth is logged.
// Queues are unbounded; a device that never reconnects is cleaned up by
// deletion, which drops its queue.
const queueWarnThreshold = 1000

// defaultAckTimeout bounds SendCommandAwait when the caller's context
// carries no deadline.
const defaultAckTimeout = 30 * time.Second

type pendingAck struct {
	deviceID string
	ch       chan AckResult
}

// Dispatcher routes commands to devices.
//
// Thread Safety: all methods are safe for concurrent use.
type Dispatcher struct {
	logger     Logger
	ackTimeout time.Duration

	mu      sync.Mutex
	live    map[string]Sender
	pending map[string]*pendingAck
	queues  map[string][]QueuedCommand
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		logger:     noopLogger{},
		ackTimeout: defaultAckTimeout,
		live:       make(map[string]Sender),
		pending:    make(map[string]*pendingAck),
		queues:     make(map[string][]QueuedCommand),
	}
}

// SetLogger configures logging output.
func (d *Dispatcher) SetLogger(logger Logger) {
	if logger != nil {
		d.logger = logger
	}
}

// SetAckTimeout overrides the default acknowledgement deadline.
func (d *Dispatcher) SetAckTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.ackTimeout = timeout
	}
}

// SetLive registers the device's active connection, replacing any
// previous one.
func (d *Dispatcher) SetLive(deviceID string, sender Sender) {
	d.mu.Lock()
	d.live[deviceID] = sender
	d.mu.Unlock()
}

// ClearLive removes the device's connection, but only when the given
// sender is still the registered one. A stale disconnect arriving after
// the device has already reconnected leaves the new connection in place.
func (d *Dispatcher) ClearLive(deviceID string, sender Sender) {
	d.mu.Lock()
	if d.live[deviceID] == sender {
		delete(d.live, deviceID)
	}
	d.mu.Unlock()
}

// IsConnected reports whether the device has a live connection.
func (d *Dispatcher) IsConnected(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live[deviceID] != nil
}

// SendCommand sends a command to a connected device without awaiting the
// acknowledgement. Returns the command ID, or ErrNotConnected.
func (d *Dispatcher) SendCommand(deviceID, name string, payload map[string]any) (string, error) {
	d.mu.Lock()
	sender := d.live[deviceID]
	d.mu.Unlock()

	if sender == nil {
		return "", fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}

	id := uuid.NewString()
	if err := sender.Send(commandFrame{Kind: "command", ID: id, Name: name, Payload: payload}); err != nil {
		return "", fmt.Errorf("sending command %s to %s: %w", name, deviceID, err)
	}
	d.logger.Debug("command sent", "device_id", deviceID, "command", name, "command_id", id)
	return id, nil
}

// SendCommandAwait sends a command and waits for the device's ack.
//
// Returns ErrNotConnected when the device has no live connection and
// ErrAckTimeout when no ack arrives before the context deadline or the
// configured timeout, whichever is sooner.
func (d *Dispatcher) SendCommandAwait(ctx context.Context, deviceID, name string, payload map[string]any) (AckResult, error) {
	d.mu.Lock()
	sender := d.live[deviceID]
	if sender == nil {
		d.mu.Unlock()
		return AckResult{}, fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}

	id := uuid.NewString()
	p := &pendingAck{deviceID: deviceID, ch: make(chan AckResult, 1)}
	d.pending[id] = p
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
	}()

	if err := sender.Send(commandFrame{Kind: "command", ID: id, Name: name, Payload: payload}); err != nil {
		return AckResult{}, fmt.Errorf("sending command %s to %s: %w", name, deviceID, err)
	}

	timer := time.NewTimer(d.ackTimeout)
	defer timer.Stop()

	select {
	case res, ok := <-p.ch:
		if !ok {
			return AckResult{}, fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
		}
		return res, nil
	case <-timer.C:
		return AckResult{}, fmt.Errorf("%w: command %s on %s", ErrAckTimeout, name, deviceID)
	case <-ctx.Done():
		// A caller deadline lapsing is the same outcome as the ack window
		// lapsing; only explicit cancellation surfaces as-is.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return AckResult{}, fmt.Errorf("%w: command %s on %s", ErrAckTimeout, name, deviceID)
		}
		return AckResult{}, ctx.Err()
	}
}

// HandleAck resolves a pending command with the device's response.
// Reports whether anyone was awaiting it; acks from the wrong device or
// for unknown command IDs are ignored.
func (d *Dispatcher) HandleAck(deviceID, commandID, status, errDetail string) bool {
	d.mu.Lock()
	p := d.pending[commandID]
	if p == nil || p.deviceID != deviceID {
		d.mu.Unlock()
		return false
	}
	delete(d.pending, commandID)
	d.mu.Unlock()

	p.ch <- AckResult{OK: status == "ok", Error: errDetail}
	return true
}

// QueueCommand appends a command to the device's offline queue and
// returns its ID.
func (d *Dispatcher) QueueCommand(deviceID, name string, payload map[string]any) string {
	cmd := QueuedCommand{
		ID:       uuid.NewString(),
		Name:     name,
		Payload:  payload,
		QueuedAt: time.Now().UTC(),
	}

	d.mu.Lock()
	d.queues[deviceID] = append(d.queues[deviceID], cmd)
	depth := len(d.queues[deviceID])
	d.mu.Unlock()

	if depth > queueWarnThreshold {
		d.logger.Warn("command queue growing", "device_id", deviceID, "depth", depth)
	}
	return cmd.ID
}

// Requeue returns previously popped commands to the front of the
// device's offline queue, preserving their IDs and order. Used when a
// flush fails mid-send: a device must see the same command ID on the
// next attempt so client-side dedup keeps working.
func (d *Dispatcher) Requeue(deviceID string, cmds ...QueuedCommand) {
	if len(cmds) == 0 {
		return
	}

	d.mu.Lock()
	d.queues[deviceID] = append(append([]QueuedCommand{}, cmds...), d.queues[deviceID]...)
	d.mu.Unlock()
}

// PopCommands drains the device's offline queue in arrival order.
// Returns an empty slice when nothing is queued.
func (d *Dispatcher) PopCommands(deviceID string) []QueuedCommand {
	d.mu.Lock()
	cmds := d.queues[deviceID]
	delete(d.queues, deviceID)
	d.mu.Unlock()

	if cmds == nil {
		return []QueuedCommand{}
	}
	return cmds
}

// QueueDepth returns how many commands are queued for the device.
func (d *Dispatcher) QueueDepth(deviceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[deviceID])
}

// DropDevice removes all dispatcher state for a deleted device: its live
// connection, its queue, and any callers awaiting acks (which fail with
// ErrNotConnected).
func (d *Dispatcher) DropDevice(deviceID string) {
	d.mu.Lock()
	delete(d.live, deviceID)
	delete(d.queues, deviceID)
	var orphaned []*pendingAck
	for id, p := range d.pending {
		if p.deviceID == deviceID {
			orphaned = append(orphaned, p)
			delete(d.pending, id)
		}
	}
	d.mu.Unlock()

	for _, p := range orphaned {
		close(p.ch)
	}
	d.logger.Debug("dispatcher state dropped", "device_id", deviceID)
}

// DeliverOrQueue sends the command when the device is connected, queueing
// it otherwise. A failed send also falls back to the queue. Reports the
// command ID and whether it went out live.
func (d *Dispatcher) DeliverOrQueue(deviceID, name string, payload map[string]any) (string, bool) {
	id, err := d.SendCommand(deviceID, name, payload)
	if err == nil {
		return id, true
	}
	return d.QueueCommand(deviceID, name, payload), false
}

// Broadcast delivers a command to every listed device, live where
// possible and queued otherwise, and tallies the split.
func (d *Dispatcher) Broadcast(deviceIDs []string, name string, payload map[string]any) Tally {
	var tally Tally
	for _, id := range deviceIDs {
		if _, live := d.DeliverOrQueue(id, name, payload); live {
			tally.Live++
		} else {
			tally.Queued++
		}
	}
	return tally
}

// SendApplySettings pushes a settings payload to the device, queueing it
// when offline. Reports whether it was delivered live.
func (d *Dispatcher) SendApplySettings(deviceID string, settings map[string]any) (string, bool) {
	return d.DeliverOrQueue(deviceID, "applySettings", map[string]any{"settings": settings})
}
