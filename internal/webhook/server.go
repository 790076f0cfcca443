// Package webhook is the intake for asynchronous task backend events. The
// backend POSTs progress and stopped events here; the server authenticates
// them and hands them to the notifier.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxEventBody = 1 << 20

// EventSink receives authenticated task events.
type EventSink interface {
	HandleProgress(ctx context.Context, taskID, text string)
	HandleStopped(ctx context.Context, taskID, reason, result string, attachments []Attachment)
}

type Attachment struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
}

type eventPayload struct {
	Type        string       `json:"type"`
	TaskID      string       `json:"task_id"`
	Text        string       `json:"text,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Result      string       `json:"result,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type Server struct {
	sink   EventSink
	token  string
	logger *slog.Logger
	srv    *http.Server
}

type Options struct {
	Addr   string
	Token  string
	Sink   EventSink
	Logger *slog.Logger
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sink:   opts.Sink,
		token:  strings.TrimSpace(opts.Token),
		logger: logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	mux.HandleFunc("/webhooks/task", s.handleTaskEvent)
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("webhook_server_start", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleTaskEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.token != "" && !checkAuth(r, s.token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	var payload eventPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	taskID := strings.TrimSpace(payload.TaskID)
	if taskID == "" {
		http.Error(w, "task_id is required", http.StatusBadRequest)
		return
	}

	switch strings.ToLower(strings.TrimSpace(payload.Type)) {
	case "progress":
		s.sink.HandleProgress(r.Context(), taskID, payload.Text)
	case "stopped":
		s.sink.HandleStopped(r.Context(), taskID, payload.Reason, payload.Result, payload.Attachments)
	default:
		// Acknowledged anyway: webhook senders should not retry unknown
		// event types.
		s.logger.Warn("webhook_unknown_event", "type", payload.Type, "task_id", taskID)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

func checkAuth(r *http.Request, token string) bool {
	got := strings.TrimSpace(r.Header.Get("Authorization"))
	want := "Bearer " + strings.TrimSpace(token)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
