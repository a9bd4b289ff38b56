// Package gateway exposes the thin HTTP surface around the Session API:
// health, session/message introspection, and session lifecycle
// operations backed directly by the Session Manager. The interactive
// wire protocol (subscribe/unsubscribe, event fan-out) lives entirely on
// the Topic Broadcaster, mounted here at /ws.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/in-the-loop-labs/reviewagent/internal/broadcaster"
	"github.com/in-the-loop-labs/reviewagent/internal/events"
	"github.com/in-the-loop-labs/reviewagent/internal/reviewsession"
	"github.com/in-the-loop-labs/reviewagent/internal/store"
)

// Server is the reviewagent gateway HTTP server.
type Server struct {
	httpServer *http.Server
	bus        *events.Bus
	store      *store.Store
	manager    *reviewsession.Manager
	bcast      *broadcaster.Broadcaster
}

// NewServer creates a new gateway server bound to host:port. bcast is
// mounted at /ws, and WebSocket upgrade requests on any other path are
// handed to it so the socket is destroyed; all other routes are
// chi-handled JSON endpoints.
func NewServer(bus *events.Bus, st *store.Store, mgr *reviewsession.Manager, bcast *broadcaster.Broadcaster, host string, port int) *Server {
	s := &Server{
		bus:     bus,
		store:   st,
		manager: mgr,
		bcast:   bcast,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.URL.Path != "/ws" && strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				bcast.ServeHTTP(w, req) // destroys the socket for any path but /ws
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/sessions", s.handleListSessions)
	r.Post("/api/sessions", s.handleCreateSession)
	r.Get("/api/sessions/{id}/messages", s.handleListMessages)
	r.Post("/api/sessions/{id}/messages", s.handleSendMessage)
	r.Post("/api/sessions/{id}/close", s.handleCloseSession)
	r.Post("/api/sessions/{id}/abort", s.handleAbortSession)
	r.Handle("/ws", bcast)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}

	return s
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("reviewagent gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server and the broadcaster.
func (s *Server) Shutdown(ctx context.Context) error {
	s.bcast.CloseAll()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limitStr := r.URL.Query().Get("limit")
	limit := 50
	if limitStr != "" {
		fmt.Sscanf(limitStr, "%d", &limit)
	}

	history := s.bus.History(limit)

	type eventJSON struct {
		ID        string            `json:"id"`
		SessionID string            `json:"session_id,omitempty"`
		Type      string            `json:"type"`
		Timestamp string            `json:"timestamp"`
		Source    events.EventSource `json:"source"`
		Payload   map[string]any    `json:"payload"`
	}

	result := make([]eventJSON, len(history))
	for i, e := range history {
		result[i] = eventJSON{
			ID:        e.ID,
			SessionID: e.SessionID,
			Type:      string(e.Type),
			Timestamp: e.Timestamp.Format(time.RFC3339Nano),
			Source:    e.Source,
			Payload:   e.Payload,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListSessions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

type createSessionRequest struct {
	ReviewID       int64  `json:"review_id"`
	ProviderID     string `json:"provider_id"`
	Dir            string `json:"dir"`
	SystemPrompt   string `json:"system_prompt"`
	InitialContext string `json:"initial_context"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := s.manager.Create(r.Context(), req.ReviewID, req.ProviderID, reviewsession.CreateOptions{
		Dir:            req.Dir,
		SystemPrompt:   req.SystemPrompt,
		InitialContext: req.InitialContext,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"id": id})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msgs, err := s.store.LoadMessages(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msgs)
}

type sendMessageRequest struct {
	Text          string   `json:"text"`
	Context       []string `json:"context,omitempty"`
	ActionHint    string   `json:"action,omitempty"`
	ActionItemIDs []string `json:"action_item_ids,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var actionCtx *reviewsession.ActionContext
	if req.ActionHint != "" {
		actionCtx = &reviewsession.ActionContext{Action: req.ActionHint, Items: req.ActionItemIDs}
	}

	msgID, err := s.manager.Send(r.Context(), id, req.Text, req.Context, actionCtx)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"message_id": msgID})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.manager.Close(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAbortSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.manager.Abort(id)
	w.WriteHeader(http.StatusNoContent)
}

func sessionIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid session id %q", raw)
	}
	return id, nil
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch err {
	case reviewsession.ErrNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case reviewsession.ErrNotReady:
		http.Error(w, err.Error(), http.StatusConflict)
	case reviewsession.ErrBusy:
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
