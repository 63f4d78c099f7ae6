package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pixelmesa/fleet-core/internal/registry"
)

// generatePairingRequest tunes a pairing grant. Zero values fall back to
// the configured defaults.
type generatePairingRequest struct {
	TTLSeconds   int   `json:"ttlSeconds"`
	RequireToken *bool `json:"requireToken"`
}

// handleGeneratePairing mints a short-lived pairing code for a device.
//
// The response includes the token; it is shown once and never listed
// afterwards.
func (s *Server) handleGeneratePairing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req generatePairingRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}
	if req.TTLSeconds < 0 {
		writeBadRequest(w, "ttlSeconds must not be negative")
		return
	}

	pairing, err := s.registry.GeneratePairing(r.Context(), id, registry.PairingOptions{
		TTL:          time.Duration(req.TTLSeconds) * time.Second,
		RequireToken: req.RequireToken,
	})
	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to generate pairing")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"deviceId": id,
		"pairing":  pairing,
	})
}

// handleRevokePairing cancels a device's active pairing grant.
func (s *Server) handleRevokePairing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	revoked, err := s.registry.RevokePairing(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to revoke pairing")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

// handleListPairings lists active pairing grants. Tokens are never
// included.
func (s *Server) handleListPairings(w http.ResponseWriter, r *http.Request) {
	grants, err := s.registry.ActivePairings(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list pairings")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"pairings": grants, "count": len(grants)})
}

// claimPairingRequest is the device-supplied claim payload.
type claimPairingRequest struct {
	Code     string `json:"code"`
	Token    string `json:"token"`
	Name     string `json:"name"`
	Location string `json:"location"`
}

// handleClaimPairing exchanges a pairing code (plus token, when required)
// for the device record and a fresh secret. A claim consumes the grant:
// codes are single use.
func (s *Server) handleClaimPairing(w http.ResponseWriter, r *http.Request) {
	var req claimPairingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Code == "" {
		writeBadRequest(w, "code is required")
		return
	}

	dev, secret, err := s.registry.ClaimPairing(r.Context(), registry.ClaimParams{
		Code:     req.Code,
		Token:    req.Token,
		Name:     req.Name,
		Location: req.Location,
	})
	if err != nil {
		if errors.Is(err, registry.ErrPairingNotFound) {
			// Wrong code, wrong token, and expired grant all look the
			// same to the caller.
			writeNotFound(w, "pairing not found")
			return
		}
		writeInternalError(w, "failed to claim pairing")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device": dev.Sanitized(),
		"secret": secret,
	})
}
