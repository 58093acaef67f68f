// Package server exposes tunnels, the agent and the record store over a small
// JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/treykane/omega/internal/agent"
	"github.com/treykane/omega/internal/inference"
	"github.com/treykane/omega/internal/model"
	"github.com/treykane/omega/internal/security"
	"github.com/treykane/omega/internal/store"
	"github.com/treykane/omega/internal/tunnel"
)

// Tunnels is the supervisor surface the API needs.
type Tunnels interface {
	Active() []model.ActiveTunnel
	Snapshot() []model.TunnelRuntime
	Start(id string) (model.TunnelRuntime, error)
	Stop(id string) error
	Restart(id string) (model.TunnelRuntime, error)
	Get(id string) (model.TunnelRuntime, error)
}

// Agent handles turns.
type Agent interface {
	HandleStream(ctx context.Context, turn agent.Turn, onChunk func(string) error) (agent.Reply, error)
}

// Models lists inference models.
type Models interface {
	ModelsOrFallback(ctx context.Context) ([]inference.Model, error)
}

// Records is the record store surface the API needs.
type Records interface {
	ListSessions(ctx context.Context, limit int) ([]store.Session, error)
	GetSession(ctx context.Context, id string) (store.Session, error)
	Messages(ctx context.Context, sessionID string, limit int) ([]store.Message, error)
	UpdateSession(ctx context.Context, id string, upd store.SessionUpdate) (store.Session, error)
	DeleteSession(ctx context.Context, id string) error
	ClearMessages(ctx context.Context, sessionID string) (int64, error)
	LearningLogs(ctx context.Context, limit int) ([]store.Learning, error)
	RecordLearning(ctx context.Context, l store.Learning) (store.Learning, error)
}

// Config holds listener and limiter settings.
type Config struct {
	Listen        string
	RatePerSecond float64
	Burst         int
}

// Server routes API requests. Any dependency may be nil; its endpoints then
// answer 503.
type Server struct {
	cfg     Config
	tunnels Tunnels
	agent   Agent
	models  Models
	records Records
	limiter *clientLimiter
	mux     *http.ServeMux
	started time.Time
}

// New builds the router.
func New(cfg Config, tunnels Tunnels, ag Agent, models Models, records Records) *Server {
	s := &Server{
		cfg:     cfg,
		tunnels: tunnels,
		agent:   ag,
		models:  models,
		records: records,
		limiter: newClientLimiter(cfg.RatePerSecond, cfg.Burst),
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/tunnels", s.handleActive)
	s.mux.HandleFunc("GET /api/tunnels/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/tunnels/{id}/{action}", s.handleTunnelAction)
	s.mux.Handle("POST /api/agent", s.limiter.middleware(http.HandlerFunc(s.handleAgent)))
	s.mux.Handle("POST /api/chat", s.limiter.middleware(http.HandlerFunc(s.handleChat)))
	s.mux.HandleFunc("GET /api/models", s.handleModels)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("PUT /api/sessions/{id}", s.handleUpdateSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/clear", s.handleClearSession)
	s.mux.HandleFunc("GET /api/learnings", s.handleLearnings)
	s.mux.HandleFunc("POST /api/learnings", s.handleRecordLearning)
}

// Handler returns the root handler with panic recovery and request logging.
func (s *Server) Handler() http.Handler {
	return recoverer(logRequests(s.mux))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("api server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := 0
	if s.tunnels != nil {
		active = len(s.tunnels.Active())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"active_tunnels": active,
		"uptime_sec":     int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	if s.tunnels == nil {
		unavailable(w, "tunnels")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tunnels": s.tunnels.Active()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.tunnels == nil {
		unavailable(w, "tunnels")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tunnels": s.tunnels.Snapshot()})
}

func (s *Server) handleTunnelAction(w http.ResponseWriter, r *http.Request) {
	if s.tunnels == nil {
		unavailable(w, "tunnels")
		return
	}
	id := r.PathValue("id")
	var (
		rt  model.TunnelRuntime
		err error
	)
	switch r.PathValue("action") {
	case "start":
		rt, err = s.tunnels.Start(id)
	case "stop":
		if err = s.tunnels.Stop(id); err == nil {
			rt, err = s.tunnels.Get(id)
		}
	case "restart":
		rt, err = s.tunnels.Restart(id)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	switch {
	case errors.Is(err, tunnel.ErrUnknownProvider):
		writeError(w, http.StatusNotFound, security.UserMessage(err, true))
	case err != nil:
		slog.Warn("tunnel action failed", "provider", id, "action", r.PathValue("action"), "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": security.UserMessage(err, true), "tunnel": rt})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"tunnel": rt})
	}
}

type turnRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	// Message is accepted as an alias of Text.
	Message string `json:"message"`
	Model   string `json:"model"`
	DryRun  bool   `json:"dry_run"`
	Stream  bool   `json:"stream"`
}

func (t turnRequest) turn() agent.Turn {
	text := t.Text
	if text == "" {
		text = t.Message
	}
	return agent.Turn{SessionID: t.SessionID, Text: text, Model: t.Model, DryRun: t.DryRun}
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTurn(w, r)
	if !ok {
		return
	}
	s.respondTurn(w, r, req.turn(), req.Stream)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTurn(w, r)
	if !ok {
		return
	}
	turn := req.turn()
	turn.ConversationOnly = true
	s.respondTurn(w, r, turn, req.Stream)
}

func (s *Server) decodeTurn(w http.ResponseWriter, r *http.Request) (turnRequest, bool) {
	if s.agent == nil {
		unavailable(w, "agent")
		return turnRequest{}, false
	}
	var req turnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return turnRequest{}, false
	}
	return req, true
}

// respondTurn writes either one JSON reply or, when streaming, NDJSON lines
// of {"chunk": ...} followed by {"done": true, "reply": ...}.
func (s *Server) respondTurn(w http.ResponseWriter, r *http.Request, turn agent.Turn, stream bool) {
	if !stream {
		reply, err := s.agent.HandleStream(r.Context(), turn, nil)
		if err != nil {
			writeTurnError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reply)
		return
	}

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	started := false
	start := func() {
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
			started = true
		}
	}
	reply, err := s.agent.HandleStream(r.Context(), turn, func(chunk string) error {
		start()
		if err := enc.Encode(map[string]string{"chunk": chunk}); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil && !started {
		writeTurnError(w, err)
		return
	}
	start()
	if err != nil {
		_ = enc.Encode(map[string]any{"done": true, "error": security.UserMessage(err, true)})
		return
	}
	_ = enc.Encode(map[string]any{"done": true, "reply": reply})
}

func writeTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrEmptyTurn):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	default:
		slog.Warn("agent turn failed", "error", err)
		writeError(w, http.StatusInternalServerError, security.UserMessage(err, true))
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		unavailable(w, "inference")
		return
	}
	models, err := s.models.ModelsOrFallback(r.Context())
	body := map[string]any{"models": models, "fallback": err != nil}
	if err != nil {
		slog.Warn("listing models failed, serving fallback list", "error", err)
		body["error"] = security.UserMessage(err, true)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		unavailable(w, "storage")
		return
	}
	sessions, err := s.records.ListSessions(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		slog.Warn("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleGetSession returns the session with its full message log.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		unavailable(w, "storage")
		return
	}
	id := r.PathValue("id")
	sess, err := s.records.GetSession(r.Context(), id)
	if err != nil {
		writeStoreError(w, "get session", id, err)
		return
	}
	msgs, err := s.records.Messages(r.Context(), id, 0)
	if err != nil {
		writeStoreError(w, "read messages", id, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "messages": msgs})
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		unavailable(w, "storage")
		return
	}
	var upd store.SessionUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		writeError(w, http.StatusBadRequest, "name must not be empty")
		return
	}
	id := r.PathValue("id")
	sess, err := s.records.UpdateSession(r.Context(), id, upd)
	if err != nil {
		writeStoreError(w, "update session", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		unavailable(w, "storage")
		return
	}
	id := r.PathValue("id")
	if err := s.records.DeleteSession(r.Context(), id); err != nil {
		writeStoreError(w, "delete session", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeStoreError(w http.ResponseWriter, op, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	slog.Warn(op+" failed", "session", id, "error", err)
	writeError(w, http.StatusInternalServerError, "storage unavailable")
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		unavailable(w, "storage")
		return
	}
	n, err := s.records.ClearMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		slog.Warn("clear session failed", "session", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *Server) handleLearnings(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		unavailable(w, "storage")
		return
	}
	logs, err := s.records.LearningLogs(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		slog.Warn("learning logs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"learnings": logs})
}

func (s *Server) handleRecordLearning(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		unavailable(w, "storage")
		return
	}
	var l store.Learning
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&l); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(l.SessionID) == "" || strings.TrimSpace(l.UserCorrection) == "" || strings.TrimSpace(l.AIMistake) == "" {
		writeError(w, http.StatusBadRequest, "session_id, user_correction and ai_mistake are required")
		return
	}
	saved, err := s.records.RecordLearning(r.Context(), l)
	if err != nil {
		slog.Warn("record learning failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, what+" not configured")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
