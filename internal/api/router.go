package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Device registry
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/register", s.handleRegisterDevice)
			r.Post("/merge", s.handleMergeDevices)
			r.Post("/prune-duplicates", s.handlePruneDuplicates)
			r.Post("/prune-orphan-groups", s.handlePruneOrphanGroups)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Patch("/", s.handlePatchDevice)
				r.Delete("/", s.handleDeleteDevice)
				r.Get("/connected", s.handleDeviceConnected)
				r.Get("/history", s.handleDeviceHistory)

				// Pairing grants
				r.Post("/pairing", s.handleGeneratePairing)
				r.Delete("/pairing", s.handleRevokePairing)

				// Command delivery
				r.Post("/commands", s.handleSendCommand)
				r.Post("/commands/await", s.handleSendCommandAwait)
				r.Post("/apply-settings", s.handleApplySettings)
				r.Route("/queue", func(r chi.Router) {
					r.Get("/", s.handleQueueDepth)
					r.Post("/", s.handleQueueCommand)
					r.Post("/pop", s.handlePopCommands)
				})
			})
		})

		// Pairing claim flow (device-facing, unauthenticated by design:
		// the code and token are the credential)
		r.Get("/pairing", s.handleListPairings)
		r.Post("/pairing/claim", s.handleClaimPairing)

		// Broadcast to many devices at once
		r.Post("/commands/broadcast", s.handleBroadcast)

		// Device WebSocket (auth via hello frame, validated in session)
		r.Get("/ws", s.handleDeviceSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
