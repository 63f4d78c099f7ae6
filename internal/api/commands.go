package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pixelmesa/fleet-core/internal/dispatch"
	"github.com/pixelmesa/fleet-core/internal/registry"
)

// commandRequest is the payload for command submission.
type commandRequest struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`
}

// decodeCommand parses and validates a command request body.
func decodeCommand(w http.ResponseWriter, r *http.Request) (*commandRequest, bool) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return nil, false
	}
	if req.Name == "" {
		writeBadRequest(w, "name is required")
		return nil, false
	}
	return &req, true
}

// requireDevice verifies the device exists before command operations.
func (s *Server) requireDevice(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := s.registry.Get(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return "", false
		}
		writeInternalError(w, "failed to look up device")
		return "", false
	}
	return id, true
}

// handleSendCommand pushes a command to a live device connection.
// Fails with not_connected when the device has no socket; use the queue
// endpoint for offline delivery.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireDevice(w, r)
	if !ok {
		return
	}
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}

	commandID, err := s.dispatcher.SendCommand(id, req.Name, req.Payload)
	if err != nil {
		if errors.Is(err, dispatch.ErrNotConnected) {
			writeError(w, http.StatusConflict, ErrCodeNotConnect, "device is not connected")
			return
		}
		writeInternalError(w, "failed to send command")
		return
	}

	if s.mirror != nil {
		s.mirror.CommandOutcome(id, true, s.dispatcher.QueueDepth(id))
	}

	writeJSON(w, http.StatusOK, map[string]any{"commandId": commandID, "delivered": true})
}

// handleSendCommandAwait pushes a command and blocks until the device
// acknowledges it, the ack window lapses, or the request is cancelled.
func (s *Server) handleSendCommandAwait(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireDevice(w, r)
	if !ok {
		return
	}
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}

	ack, err := s.dispatcher.SendCommandAwait(r.Context(), id, req.Name, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrNotConnected):
			writeError(w, http.StatusConflict, ErrCodeNotConnect, "device is not connected")
		case errors.Is(err, dispatch.ErrAckTimeout):
			writeError(w, http.StatusGatewayTimeout, ErrCodeAckTimeout, "device did not acknowledge in time")
		default:
			writeInternalError(w, "failed to send command")
		}
		return
	}

	if s.mirror != nil {
		s.mirror.CommandOutcome(id, true, s.dispatcher.QueueDepth(id))
	}

	writeJSON(w, http.StatusOK, map[string]any{"ack": ack})
}

// applySettingsRequest carries the settings document to push.
type applySettingsRequest struct {
	Settings map[string]any `json:"settings"`
}

// handleApplySettings delivers a settings snapshot to the device, queueing
// it when the device is offline.
func (s *Server) handleApplySettings(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireDevice(w, r)
	if !ok {
		return
	}

	var req applySettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	commandID, delivered := s.dispatcher.SendApplySettings(id, req.Settings)
	if s.mirror != nil {
		s.mirror.CommandOutcome(id, delivered, s.dispatcher.QueueDepth(id))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"commandId": commandID,
		"delivered": delivered,
	})
}

// handleQueueCommand stores a command for later collection by the device.
func (s *Server) handleQueueCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireDevice(w, r)
	if !ok {
		return
	}
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}

	commandID := s.dispatcher.QueueCommand(id, req.Name, req.Payload)
	if s.mirror != nil {
		s.mirror.CommandOutcome(id, false, s.dispatcher.QueueDepth(id))
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"commandId": commandID,
		"queued":    true,
		"depth":     s.dispatcher.QueueDepth(id),
	})
}

// handlePopCommands drains the device's offline queue in FIFO order.
func (s *Server) handlePopCommands(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireDevice(w, r)
	if !ok {
		return
	}

	commands := s.dispatcher.PopCommands(id)
	writeJSON(w, http.StatusOK, map[string]any{"commands": commands, "count": len(commands)})
}

// handleQueueDepth reports the device's offline queue depth.
func (s *Server) handleQueueDepth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId": id,
		"depth":    s.dispatcher.QueueDepth(id),
	})
}

// broadcastRequest targets a command at many devices at once.
// An empty deviceIds list means every registered device.
type broadcastRequest struct {
	DeviceIDs []string       `json:"deviceIds"`
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload"`
}

// handleBroadcast delivers a command to each target, queueing for devices
// that are offline, and reports the live/queued tally.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}

	targets := req.DeviceIDs
	if len(targets) == 0 {
		devices, err := s.registry.List(r.Context())
		if err != nil {
			writeInternalError(w, "failed to list devices")
			return
		}
		for _, d := range devices {
			targets = append(targets, d.ID)
		}
	}

	tally := s.dispatcher.Broadcast(targets, req.Name, req.Payload)
	writeJSON(w, http.StatusOK, tally)
}
