package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pixelmesa/fleet-core/internal/mirror"
	"github.com/pixelmesa/fleet-core/internal/registry"
	"github.com/pixelmesa/fleet-core/internal/session"
)

// wsWriteTimeout bounds a single WebSocket write.
const wsWriteTimeout = 10 * time.Second

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Devices connect from kiosk shells and file:// origins; identity
		// is established by the hello frame, not the Origin header.
		return true
	},
}

// wsDevice adapts a gorilla connection to the session transport and the
// dispatcher sender. Writes are serialized with a mutex: the session's
// reader goroutine and HTTP handler goroutines both send through it.
type wsDevice struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

var errSocketClosed = errors.New("api: websocket closed")

// Send writes a JSON message to the device.
func (d *wsDevice) Send(v any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errSocketClosed
	}
	//nolint:errcheck // Deadline errors surface on the write itself
	d.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return d.conn.WriteJSON(v)
}

// Close sends a close frame with the given code and tears the socket down.
func (d *wsDevice) Close(code int, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	msg := websocket.FormatCloseMessage(code, reason)
	//nolint:errcheck // Best effort; the peer may already be gone
	d.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
	return d.conn.Close()
}

// handleDeviceSocket upgrades the connection and drives a device session.
//
// The device must present a valid hello frame before the auth deadline or
// the socket is closed with the auth failure code. Once authenticated the
// dispatcher treats the socket as the device's live connection and any
// queued commands are flushed to it.
func (s *Server) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	readLimit := int64(session.MaxMessageSize)
	if s.sessCfg.MaxMessageSize > 0 {
		readLimit = int64(s.sessCfg.MaxMessageSize)
	}
	conn.SetReadLimit(readLimit)

	dev := &wsDevice{conn: conn}

	var sess *session.Session
	sess = session.New(dev, s.registry, s.limiter, session.Options{
		AuthTimeout: time.Duration(s.sessCfg.AuthTimeout) * time.Second,
		QueueLimit:  s.sessCfg.QueueLimit,
		Logger:      s.logger,
		OnAuthenticated: func(deviceID string) {
			s.onDeviceAuthenticated(deviceID, dev)
		},
		OnMessage: s.onDeviceMessage,
		OnClosed: func(deviceID string) {
			s.onDeviceClosed(deviceID, dev, sess)
		},
	})

	// Server shutdown closes lingering device sockets: they are hijacked
	// connections and survive http.Server.Shutdown on their own.
	stop := context.AfterFunc(s.ctx, func() {
		sess.Close()
		//nolint:errcheck // Socket teardown during shutdown
		dev.Close(websocket.CloseGoingAway, "server shutting down")
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		err = sess.Handle(r.Context(), data)
		if errors.Is(err, session.ErrClosed) {
			break
		}
		if errors.Is(err, session.ErrRateLimited) && s.mirror != nil {
			s.mirror.SessionEvent(sess.DeviceID(), mirror.SessionRateLimited)
		}
	}

	sess.Close()
	//nolint:errcheck // Already closed in most paths
	dev.Close(websocket.CloseNormalClosure, "")
}

// onDeviceAuthenticated wires a freshly authenticated socket into the
// dispatcher and flushes the device's offline queue.
func (s *Server) onDeviceAuthenticated(deviceID string, dev *wsDevice) {
	s.dispatcher.SetLive(deviceID, dev)

	if s.mirror != nil {
		s.mirror.SessionEvent(deviceID, mirror.SessionConnected)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.registry.Heartbeat(ctx, deviceID, registry.HeartbeatParams{}); err != nil {
		s.logger.Warn("marking device online failed", "deviceId", deviceID, "error", err)
	}

	queued := s.dispatcher.PopCommands(deviceID)
	for i, cmd := range queued {
		frame := map[string]any{
			"kind":    "command",
			"id":      cmd.ID,
			"name":    cmd.Name,
			"payload": cmd.Payload,
		}
		if err := dev.Send(frame); err != nil {
			s.logger.Warn("flushing queued command failed",
				"deviceId", deviceID, "commandId", cmd.ID, "error", err)
			// Socket is broken; put this command and the rest back under
			// their original IDs for the next session.
			s.dispatcher.Requeue(deviceID, queued[i:]...)
			return
		}
	}
	if len(queued) > 0 {
		s.logger.Info("flushed queued commands", "deviceId", deviceID, "count", len(queued))
	}
}

// onDeviceMessage routes validated post-auth frames to the registry and
// dispatcher.
func (s *Server) onDeviceMessage(deviceID string, msg *session.Message) {
	switch msg.Kind {
	case session.KindStatus:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := s.registry.Heartbeat(ctx, deviceID, registry.HeartbeatParams{
			InstallID:    msg.InstallID,
			HardwareID:   msg.HardwareID,
			ClientInfo:   msg.ClientInfo,
			CurrentState: msg.CurrentState,
		})
		if err != nil {
			s.logger.Warn("heartbeat failed", "deviceId", deviceID, "error", err)
		}
	case session.KindAck:
		if !s.dispatcher.HandleAck(deviceID, msg.ID, msg.Status, msg.Error) {
			s.logger.Debug("ack for unknown command", "deviceId", deviceID, "commandId", msg.ID)
		}
	case session.KindPing:
		// The session answers pings itself; nothing to route.
	}
}

// onDeviceClosed detaches a finished session from the dispatcher and
// registry.
func (s *Server) onDeviceClosed(deviceID string, dev *wsDevice, sess *session.Session) {
	if deviceID == "" {
		if s.mirror != nil && sess != nil && sess.State() == session.StateFailed {
			s.mirror.SessionEvent("", mirror.SessionAuthFailed)
		}
		return
	}

	s.dispatcher.ClearLive(deviceID, dev)
	s.limiter.Forget(deviceID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.registry.MarkDisconnected(ctx, deviceID); err != nil {
		s.logger.Warn("marking device disconnected failed", "deviceId", deviceID, "error", err)
	}

	if s.mirror != nil {
		s.mirror.SessionEvent(deviceID, mirror.SessionDisconnected)
	}
}
