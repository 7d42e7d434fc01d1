// Package httpapi exposes the backend's session registry over the
// JSON/websocket surface described in spec.md §6: robot discovery, session
// inspection, task/help/feedback mutation, and the controller handshake.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/TeamEDMO/Server/backend"
	"github.com/TeamEDMO/Server/rtc"
)

// NewRouter builds the full route table over b.
func NewRouter(b *backend.Backend) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "PUT", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/edmos", handleListEdmos(b))
	r.Get("/sessions", handleListSessions(b))
	r.Get("/sessions/{id}", handleSessionDetail(b))
	r.Put("/sessions/{id}/tasks", handleSetTask(b))
	r.Put("/sessions/{id}/helpEnabled", handleSetHelpEnabled(b))
	r.Put("/sessions/{id}/feedback", handleFeedback(b))
	r.Get("/simpleView", handleGetSimpleView(b))
	r.Put("/simpleView", handleSetSimpleView(b))
	r.Get("/controller/{id}", handleController(b))
	r.Get("/controller/{id}/override/{number}", handleOverrideController(b))
	r.Put("/controller/{id}/override/{token}", handleCancelOverride(b))

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("httpapi: response encode failed")
	}
}

func handleListEdmos(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, b.ListEdmoIDs())
	}
}

func handleListSessions(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, b.ListSessionInfo())
	}
}

func handleSessionDetail(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s, ok := b.GetSession(id)
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, s.GetDetailedInfo())
	}
}

type setTaskRequest struct {
	Key       string `json:"key"`
	Completed bool   `json:"completed"`
}

func handleSetTask(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s, ok := b.GetSession(id)
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		var req setTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		if !s.SetTasks(req.Key, req.Completed) {
			http.Error(w, "unknown task key", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

type boolValueRequest struct {
	Value bool `json:"Value"`
}

func handleSetHelpEnabled(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s, ok := b.GetSession(id)
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		var req boolValueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		s.SetHelpEnabled(req.Value)
		w.WriteHeader(http.StatusOK)
	}
}

func handleFeedback(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s, ok := b.GetSession(id)
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		s.SendFeedback(string(body))
		w.WriteHeader(http.StatusOK)
	}
}

func handleGetSimpleView(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, boolValueRequest{Value: b.GetSimpleView()})
	}
}

func handleSetSimpleView(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req boolValueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		b.SetSimpleView(req.Value)
		w.WriteHeader(http.StatusOK)
	}
}

// handleController performs the connectivity/saturation pre-checks spec.md
// §6 requires before the websocket upgrade, then hands off to rtc for the
// offer/answer exchange. Status codes can't be sent once the upgrade
// succeeds, so both checks happen first. GetOrCreateSession lazily creates
// the session on first registration, per spec.md §3.
func handleController(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s, ok := b.GetOrCreateSession(id)
		if !ok {
			http.Error(w, "unknown robot", http.StatusNotFound)
			return
		}
		if s.Saturated() {
			http.Error(w, "session saturated", http.StatusUnauthorized)
			return
		}
		rtc.ServePlayer(s, w, r)
	}
}

func handleOverrideController(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s, ok := b.GetOrCreateSession(id)
		if !ok {
			http.Error(w, "unknown robot", http.StatusNotFound)
			return
		}

		number, err := strconv.Atoi(chi.URLParam(r, "number"))
		if err != nil {
			http.Error(w, "bad motor number", http.StatusBadRequest)
			return
		}
		rtc.ServeOverride(s, number, w, r)
	}
}

func handleCancelOverride(b *backend.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s, ok := b.GetSession(id)
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		if !s.CancelOverride(chi.URLParam(r, "token")) {
			http.Error(w, "unknown override token", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
