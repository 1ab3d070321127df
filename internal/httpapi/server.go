package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nmorag/attune/internal/config"
	"github.com/nmorag/attune/internal/observability"
	"github.com/nmorag/attune/internal/protocol"
	"github.com/nmorag/attune/internal/session"
	"github.com/nmorag/attune/internal/store"
	"github.com/nmorag/attune/internal/transport"
)

// TokenMinter issues ephemeral client credentials. The long-lived API key
// stays behind this interface and never reaches a response body directly.
type TokenMinter interface {
	Mint(ctx context.Context) (string, error)
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	tokens   TokenMinter
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, tokens TokenMinter, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		tokens:   tokens,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other websites cannot attach to the user's
				// live transcript if the service is exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/voice/token", s.handleMintToken)
	r.Get("/v1/voice/sessions", s.handleListSessions)
	r.Post("/v1/voice/sessions", s.handleCreateSession)
	r.Get("/v1/voice/sessions/{id}", s.handleGetSession)
	r.Put("/v1/voice/sessions/{id}", s.handleUpdateSession)
	r.Post("/v1/voice/sessions/{id}/resume", s.handleResumeSession)
	r.Post("/v1/voice/sessions/resume", s.handleResumeLatest)
	r.Get("/v1/voice/sessions/ws", s.handleSessionWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"session_active": s.sessions.ActiveSessionID() != "",
	})
}

// handleMintToken brokers an ephemeral credential for clients that negotiate
// their own media leg.
func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.tokens.Mint(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "token_mint_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}
	overview, err := s.sessions.List(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, overview)
}

type createSessionRequest struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Topic    string `json:"topic"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	rec, err := s.sessions.Start(r.Context(), req.UserID, session.StartOptions{
		UserName: req.UserName,
		Topic:    req.Topic,
	})
	if err != nil {
		s.respondStartError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	rec, err := s.sessions.Get(r.Context(), id)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, rec)
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "get_failed", err.Error())
	}
}

type updateSessionRequest struct {
	DurationSeconds int  `json:"duration_seconds"`
	IsCompleted     bool `json:"is_completed"`
}

// handleUpdateSession is the heartbeat and completion upsert. A body with
// is_completed=true finalizes the session; otherwise the duration is advanced
// monotonically.
func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	var req updateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var err error
	if req.IsCompleted {
		err = s.sessions.End(r.Context(), id, req.DurationSeconds)
	} else {
		err = s.sessions.Heartbeat(r.Context(), id, req.DurationSeconds)
	}
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]any{"id": id, "duration_seconds": req.DurationSeconds, "is_completed": req.IsCompleted})
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, store.ErrCompleted):
		respondError(w, http.StatusConflict, "session_completed", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "update_failed", err.Error())
	}
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	rec, err := s.sessions.Resume(r.Context(), id, session.StartOptions{
		UserName: req.UserName,
		Topic:    req.Topic,
	})
	if err != nil {
		s.respondStartError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResumeLatest(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	rec, err := s.sessions.ResumeLatest(r.Context(), req.UserID, session.StartOptions{
		UserName: req.UserName,
		Topic:    req.Topic,
	})
	if err != nil {
		s.respondStartError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// respondStartError maps the lifecycle error taxonomy to HTTP. The quota and
// incomplete-session bodies carry flags the UI branches on.
func (s *Server) respondStartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrQuotaExceeded):
		respondJSON(w, http.StatusForbidden, map[string]any{
			"error": "session limit reached for this cycle",
			"limit": true,
		})
	case errors.Is(err, session.ErrIncompleteSession):
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":                "an unfinished session exists",
			"hasIncompleteSession": true,
		})
	case errors.Is(err, session.ErrSessionActive):
		respondError(w, http.StatusConflict, "session_active", err.Error())
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, store.ErrCompleted):
		respondError(w, http.StatusConflict, "session_completed", err.Error())
	case errors.Is(err, transport.ErrCredential):
		respondError(w, http.StatusBadGateway, "credential_failed", err.Error())
	case errors.Is(err, transport.ErrNegotiation):
		respondError(w, http.StatusBadGateway, "negotiation_failed", err.Error())
	case errors.Is(err, transport.ErrMediaAccess):
		respondError(w, http.StatusInternalServerError, "media_access_failed", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "start_failed", err.Error())
	}
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.sessions.Subscribe(sessionID)
	defer unsubscribe()

	outbound := make(chan any, 256)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-events:
				if !ok {
					return
				}
				select {
				case outbound <- msg:
				default:
					// Keep websocket writes single-threaded; drop when the
					// outbound queue is saturated.
				}
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				s.metrics.WSMessages.WithLabelValues("outbound", messageTypeOf(msg)).Inc()
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			select {
			case outbound <- protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Message:   err.Error(),
			}:
			default:
			}
			continue
		}

		switch msg := parsed.(type) {
		case protocol.ClientText:
			s.metrics.WSMessages.WithLabelValues("inbound", protocol.TypeClientText).Inc()
			if err := s.sessions.SendText(msg.Text); err != nil {
				select {
				case outbound <- protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Message:   err.Error(),
				}:
				default:
				}
			}
		}
	}

	cancel()
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) string {
	switch m := v.(type) {
	case protocol.UserTranscriptDelta:
		return m.Type
	case protocol.UserTranscriptFinal:
		return m.Type
	case protocol.AgentTranscriptDelta:
		return m.Type
	case protocol.AgentTranscriptFinal:
		return m.Type
	case protocol.SessionStatus:
		return m.Type
	case protocol.ErrorEvent:
		return m.Type
	default:
		return "unknown"
	}
}
