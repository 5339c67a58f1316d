// Package api serves the read path: event queries, detector status, health
// and the live WebSocket feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/argus/internal/detector"
	"github.com/rcourtman/argus/internal/event"
	"github.com/rcourtman/argus/internal/eventstore"
	"github.com/rcourtman/argus/internal/websocket"
)

// EventReader is the slice of the event store the API consumes.
type EventReader interface {
	Query(ctx context.Context, f eventstore.Filter) ([]*event.Event, error)
	LastWriteError() error
}

// StatusFunc snapshots detector registrations for /api/detectors.
type StatusFunc func() []detector.Registration

// Server exposes the HTTP read API.
type Server struct {
	store  EventReader
	status StatusFunc
	hub    *websocket.Hub
	mux    *http.ServeMux
}

func NewServer(store EventReader, status StatusFunc, hub *websocket.Hub) *Server {
	s := &Server{
		store:  store,
		status: status,
		hub:    hub,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/detectors", s.handleDetectors)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("/ws", hub.HandleWebSocket)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context, listen string) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", listen).Msg("API server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.store.Query(r.Context(), f)
	if err != nil {
		log.Error().Err(err).Msg("Event query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if events == nil {
		events = []*event.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleDetectors(w http.ResponseWriter, r *http.Request) {
	regs := s.status()
	if regs == nil {
		regs = []detector.Registration{}
	}
	writeJSON(w, http.StatusOK, regs)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status  string `json:"status"`
		Clients int    `json:"wsClients"`
		Error   string `json:"error,omitempty"`
	}
	h := health{Status: "ok", Clients: s.hub.ClientCount()}
	if err := s.store.LastWriteError(); err != nil {
		h.Status = "degraded"
		h.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, h)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func filterFromQuery(r *http.Request) (eventstore.Filter, error) {
	q := r.URL.Query()
	var f eventstore.Filter

	for _, raw := range splitList(q.Get("state")) {
		st := event.State(strings.ToUpper(raw))
		if st != event.StateOpen && st != event.StateResolved {
			return f, errors.New("invalid state: " + raw)
		}
		f.States = append(f.States, st)
	}
	for _, raw := range splitList(q.Get("severity")) {
		sv := event.Severity(strings.ToUpper(raw))
		if !sv.Valid() {
			return f, errors.New("invalid severity: " + raw)
		}
		f.Severities = append(f.Severities, sv)
	}
	f.CodePrefix = q.Get("code")

	var err error
	if f.Since, err = parseTimeParam(q.Get("since")); err != nil {
		return f, err
	}
	if f.Until, err = parseTimeParam(q.Get("until")); err != nil {
		return f, err
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("invalid limit: " + v)
		}
		f.Limit = n
	} else {
		f.Limit = 200
	}
	return f, nil
}

// parseTimeParam accepts RFC3339 or Unix seconds.
func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("invalid time: " + v)
	}
	return t, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
