package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pixelmesa/fleet-core/internal/registry"
)

// handleListDevices returns all devices, optionally filtered by status.
//
// Query parameters:
//   - status: filter by status (online, offline, unknown)
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.registry.List(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list devices")
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := make([]*registry.Device, 0, len(devices))
		for _, d := range devices {
			if string(d.Status) == status {
				filtered = append(filtered, d)
			}
		}
		devices = filtered
	}

	out := make([]*registry.Device, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Sanitized())
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dev, err := s.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, dev.Sanitized())
}

// registerRequest is the payload for device registration.
type registerRequest struct {
	Name       string `json:"name"`
	Location   string `json:"location"`
	InstallID  string `json:"installId"`
	HardwareID string `json:"hardwareId"`
}

// handleRegisterDevice registers a device and returns its record together
// with a freshly minted plaintext secret. The secret is shown exactly
// once; only its hash is stored.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	dev, secret, err := s.registry.Register(r.Context(), registry.RegisterParams{
		Name:       req.Name,
		Location:   req.Location,
		InstallID:  req.InstallID,
		HardwareID: req.HardwareID,
	})
	if err != nil {
		s.logger.Error("device registration failed", "error", err)
		writeInternalError(w, "failed to register device")
		return
	}

	// Opportunistic cleanup: a re-imaged device sometimes leaves a stale
	// twin behind. Best effort, never blocks the registration response.
	pruned := s.registry.PruneLikelyDuplicates(r.Context(), registry.PruneParams{
		KeepID:     dev.ID,
		HardwareID: req.HardwareID,
	})
	if pruned > 0 {
		s.logger.Info("pruned duplicate device records", "deviceId", dev.ID, "pruned", pruned)
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"device": dev.Sanitized(),
		"secret": secret,
	})
}

// patchRequest is the payload for partial device updates. Pointer fields
// distinguish "not supplied" from "set to zero value".
type patchRequest struct {
	Name             *string        `json:"name"`
	Location         *string        `json:"location"`
	Tags             []string       `json:"tags"`
	Groups           []string       `json:"groups"`
	ProfileID        *string        `json:"profileId"`
	SettingsOverride map[string]any `json:"settingsOverride"`
}

// handlePatchDevice applies a partial update to a device.
func (s *Server) handlePatchDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	dev, err := s.registry.PatchDevice(r.Context(), id, registry.Patch{
		Name:             req.Name,
		Location:         req.Location,
		Tags:             req.Tags,
		Groups:           req.Groups,
		ProfileID:        req.ProfileID,
		SettingsOverride: req.SettingsOverride,
	})
	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to update device")
		return
	}

	// Push the new settings to the device if it holds a settings override.
	if req.SettingsOverride != nil {
		_, delivered := s.dispatcher.SendApplySettings(id, dev.SettingsOverride)
		if s.mirror != nil {
			s.mirror.CommandOutcome(id, delivered, s.dispatcher.QueueDepth(id))
		}
	}

	writeJSON(w, http.StatusOK, dev.Sanitized())
}

// handleDeleteDevice removes a device and drops its queued commands.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.registry.Delete(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to delete device")
		return
	}

	// Disconnect the live socket (if any) and clear the offline queue.
	s.dispatcher.DropDevice(id)

	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// handleDeviceConnected reports whether a device has a live connection.
func (s *Server) handleDeviceConnected(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId":  id,
		"connected": s.dispatcher.IsConnected(id),
	})
}

// handleDeviceHistory returns recent status transitions for a device.
//
// Query parameters:
//   - limit: maximum entries to return (default 50, max 200)
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "status history is not enabled")
		return
	}

	id := chi.URLParam(r, "id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	entries, err := s.history.ListForDevice(r.Context(), id, limit)
	if err != nil {
		writeInternalError(w, "failed to query status history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// mergeRequest is the payload for merging duplicate device records.
type mergeRequest struct {
	TargetID  string   `json:"targetId"`
	SourceIDs []string `json:"sourceIds"`
}

// handleMergeDevices merges duplicate records into a surviving target.
func (s *Server) handleMergeDevices(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	result, err := s.registry.MergeDevices(r.Context(), req.TargetID, req.SourceIDs)
	if err != nil {
		if errors.Is(err, registry.ErrMergeTarget) {
			writeError(w, http.StatusNotFound, ErrCodeMergeTarget, "merge target not found")
			return
		}
		writeInternalError(w, "failed to merge devices")
		return
	}

	if result.OK {
		// Absorbed records are gone; their sockets and queues go with them.
		for _, sourceID := range req.SourceIDs {
			if sourceID != req.TargetID {
				s.dispatcher.DropDevice(sourceID)
			}
		}
	}
	if result.Target != nil {
		result.Target = result.Target.Sanitized()
	}

	writeJSON(w, http.StatusOK, result)
}

// pruneDuplicatesRequest identifies the surviving record and the
// correlators used to spot its likely duplicates.
type pruneDuplicatesRequest struct {
	KeepID     string         `json:"keepId"`
	HardwareID string         `json:"hardwareId"`
	UserAgent  string         `json:"userAgent"`
	Screen     map[string]any `json:"screen"`
	MaxDelete  int            `json:"maxDelete"`
}

// handlePruneDuplicates removes stale records that likely describe the
// same physical device as the keeper.
func (s *Server) handlePruneDuplicates(w http.ResponseWriter, r *http.Request) {
	var req pruneDuplicatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.KeepID == "" {
		writeBadRequest(w, "keepId is required")
		return
	}

	pruned := s.registry.PruneLikelyDuplicates(r.Context(), registry.PruneParams{
		KeepID:     req.KeepID,
		HardwareID: req.HardwareID,
		UserAgent:  req.UserAgent,
		Screen:     req.Screen,
		MaxDelete:  req.MaxDelete,
	})

	writeJSON(w, http.StatusOK, map[string]any{"pruned": pruned})
}

// pruneOrphanGroupsRequest carries the set of group IDs that still exist.
type pruneOrphanGroupsRequest struct {
	ValidGroupIDs []string `json:"validGroupIds"`
}

// handlePruneOrphanGroups strips references to deleted groups from all
// device records.
func (s *Server) handlePruneOrphanGroups(w http.ResponseWriter, r *http.Request) {
	var req pruneOrphanGroupsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	result, err := s.registry.PruneOrphanGroupRefs(r.Context(), req.ValidGroupIDs)
	if err != nil {
		writeInternalError(w, "failed to prune group references")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
