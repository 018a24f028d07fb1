package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/farmhand/internal/coordinator"
	"github.com/mattjoyce/farmhand/internal/dispatch"
	"github.com/mattjoyce/farmhand/internal/events"
	"github.com/mattjoyce/farmhand/internal/history"
)

// HealthzResponse is the body of GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ActiveTasks   int64  `json:"active_tasks"`
}

// StatsResponse is the body of GET /stats. Sections without a source are omitted.
type StatsResponse struct {
	Coordinator *coordinator.Stats `json:"coordinator,omitempty"`
	Dispatch    *dispatch.Stats    `json:"dispatch,omitempty"`
}

// Task is one history entry as served by GET /tasks.
type Task struct {
	ID         string    `json:"id"`
	Tool       string    `json:"tool"`
	Argv       []string  `json:"argv"`
	Route      string    `json:"route"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.coordinator != nil {
		resp.ActiveTasks = s.coordinator.Stats().Active
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp StatsResponse
	if s.coordinator != nil {
		st := s.coordinator.Stats()
		resp.Coordinator = &st
	}
	if s.dispatch != nil {
		st := s.dispatch.Stats()
		resp.Dispatch = &st
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.writeError(w, http.StatusNotFound, "task history is disabled")
		return
	}

	limit := defaultTaskLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTaskLimit)
	}

	entries, err := s.tasks.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	out := make([]Task, 0, len(entries))
	for _, e := range entries {
		out = append(out, toTask(e))
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func toTask(e history.Entry) Task {
	return Task{
		ID:         e.ID,
		Tool:       e.Tool(),
		Argv:       e.Argv,
		Route:      string(e.Route),
		ExitCode:   e.ExitCode,
		Error:      e.Error,
		DurationMS: e.Duration.Milliseconds(),
		CreatedAt:  e.CreatedAt,
	}
}

// handleEvents returns buffered events as JSON, or streams them as SSE when
// the client asks for text/event-stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, http.StatusNotFound, "events are disabled")
		return
	}

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if v := r.URL.Query().Get("since"); v != "" {
		lastID = parseLastEventID(v)
	}

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		respondJSON(w, http.StatusOK, map[string]any{"events": s.hub.Since(lastID)})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := s.hub.Subscribe()
	defer cancel()

	for _, ev := range s.hub.Since(lastID) {
		if err := writeSSE(w, ev); err != nil {
			return
		}
		lastID = ev.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ID <= lastID {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
		return err
	}
	if ev.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", ev.Data)
	return err
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}
