package daemon

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/basestate/runid/tabs"
)

// Router builds the loopback HTTP API consumed by the rendering layer.
func (d *Daemon) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", d.handleStatus)
		r.Get("/provenance", d.handleProvenance)
		r.Get("/collections", d.handleCollections)
		r.Get("/collections/{id}/drift", d.handleDrift)
		r.Get("/cursor", d.handleCursor)
		r.Get("/history", d.handleHistory)
		r.Post("/follow-mode", d.handleFollowMode)

		r.Get("/tabs", d.handleTabs)
		r.Post("/tabs/open", d.handleTabOpen)
		r.Post("/tabs/{id}/close", d.handleTabClose)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (d *Daemon) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"follow_mode": d.coord.FollowMode(),
		"tabs":        d.tabs.Len(),
		"provenance":  d.log.Len(),
		"coord":       d.coord.Stats(),
		"bus":         d.bus.Stats(),
		"notices":     d.Notices(),
	})
}

func (d *Daemon) handleProvenance(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.log.Entries())
}

func (d *Daemon) handleCollections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.cache.Collections())
}

func (d *Daemon) handleDrift(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	summary, ok := d.cache.Drift(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no drift summary for "+id)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (d *Daemon) handleCursor(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.cache.Cursor())
}

func (d *Daemon) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad limit")
			return
		}
		limit = n
	}
	entries, err := d.store.History(r.Context(), r.URL.Query().Get("collection"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (d *Daemon) handleFollowMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad body")
		return
	}
	d.coord.SetFollowMode(body.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": body.Enabled})
}

func (d *Daemon) handleTabs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tabs":      d.tabs.Tabs(),
		"order":     d.tabs.Order(),
		"active_id": d.tabs.ActiveID(),
	})
}

type tabOpenRequest struct {
	Label   string            `json:"label,omitempty"`
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Source  *tabs.Source      `json:"source,omitempty"`
}

// handleTabOpen is the idempotent open-or-focus entry point: when the
// request names a source that already backs an open tab, that tab is
// activated instead of duplicated.
func (d *Daemon) handleTabOpen(w http.ResponseWriter, r *http.Request) {
	var body tabOpenRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad body")
		return
	}
	if body.Source != nil {
		if id, ok := d.tabs.FindBySource(*body.Source); ok {
			d.tabs.Activate(id)
			writeJSON(w, http.StatusOK, map[string]any{"id": id, "focused": true})
			return
		}
	}
	id := d.tabs.Open(tabs.OpenOptions{
		Label:   body.Label,
		Method:  body.Method,
		URL:     body.URL,
		Headers: body.Headers,
		Body:    body.Body,
		Source:  body.Source,
	})
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "focused": false})
}

func (d *Daemon) handleTabClose(w http.ResponseWriter, r *http.Request) {
	d.tabs.Close(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]any{
		"active_id": d.tabs.ActiveID(),
		"open":      d.tabs.Len(),
	})
}
