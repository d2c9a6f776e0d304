package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/seralva/booktalk/internal/catalog"
	"github.com/seralva/booktalk/internal/config"
	"github.com/seralva/booktalk/internal/dialogue"
	"github.com/seralva/booktalk/internal/observability"
	"github.com/seralva/booktalk/internal/protocol"
	"github.com/seralva/booktalk/internal/retrieval"
	"github.com/seralva/booktalk/internal/router"
	"github.com/seralva/booktalk/internal/store"
)

// Server is the HTTP and websocket surface of the dialogue service.
type Server struct {
	cfg          config.Config
	orchestrator *dialogue.Orchestrator
	models       *router.Router
	index        *retrieval.Index
	catalog      *catalog.Static
	store        store.Store
	auth         Authenticator
	hub          *Hub
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, orchestrator *dialogue.Orchestrator, models *router.Router, index *retrieval.Index, cat *catalog.Static, st store.Store, auth Authenticator, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		orchestrator: orchestrator,
		models:       models,
		index:        index,
		catalog:      cat,
		store:        st,
		auth:         auth,
		hub:          NewHub(metrics),
		metrics:      metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
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

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/v1/dialogue/sessions", s.handleStartSession)
		r.Get("/v1/dialogue/sessions/{id}", s.handleGetSession)
		r.Post("/v1/dialogue/sessions/{id}/end", s.handleEndSession)
		r.Get("/v1/dialogue/sessions/{id}/messages", s.handleListMessages)
		r.Post("/v1/dialogue/sessions/{id}/messages", s.handleSendMessage)
		r.Get("/v1/dialogue/ws", s.handleSessionWS)

		r.Get("/v1/subjects", s.handleListSubjects)
		r.Post("/v1/documents/{id}/index", s.handleIndexDocument)
		r.Get("/v1/models", s.handleListModels)
		r.Get("/v1/usage", s.handleListUsage)
	})

	return r
}

type principalKey struct{}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := s.auth.Authenticate(bearerToken(r))
		if !ok {
			respondError(w, http.StatusUnauthorized, "invalid_token", "unknown bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	})
}

func principalFrom(r *http.Request) Principal {
	p, _ := r.Context().Value(principalKey{}).(Principal)
	return p
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"models": len(s.models.Snapshot()),
	})
}

type startSessionRequest struct {
	SubjectID    string `json:"subject_id"`
	CharacterID  string `json:"character_id,omitempty"`
	FirstMessage string `json:"first_message,omitempty"`
}

type sessionResponse struct {
	SessionID      string            `json:"session_id"`
	OwnerID        string            `json:"owner_id"`
	SubjectID      string            `json:"subject_id"`
	CharacterID    string            `json:"character_id,omitempty"`
	Kind           store.SessionKind `json:"kind"`
	Status         string            `json:"status"`
	MessageCount   int               `json:"message_count"`
	InputTokens    int               `json:"input_tokens"`
	OutputTokens   int               `json:"output_tokens"`
	Cost           float64           `json:"cost"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`

	// Reply carries the assistant's answer to an optional opening message.
	Reply *protocol.Response `json:"reply,omitempty"`
}

func toSessionResponse(sess *store.Session) sessionResponse {
	return sessionResponse{
		SessionID:      sess.ID,
		OwnerID:        sess.OwnerID,
		SubjectID:      sess.SubjectID,
		CharacterID:    sess.CharacterID,
		Kind:           sess.Kind,
		Status:         string(sess.Status),
		MessageCount:   sess.MessageCount,
		InputTokens:    sess.InputTokens,
		OutputTokens:   sess.OutputTokens,
		Cost:           sess.Cost,
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
		EndedAt:        sess.EndedAt,
	}
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	if principal.Observer {
		respondError(w, http.StatusForbidden, "observer_read_only", "observers cannot start sessions")
		return
	}

	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SubjectID) == "" {
		respondError(w, http.StatusBadRequest, "missing_subject_id", "subject_id is required")
		return
	}

	sess, reply, err := s.orchestrator.StartSession(r.Context(), principal.ID, req.SubjectID, req.CharacterID, req.FirstMessage)
	if err != nil {
		switch {
		case errors.Is(err, dialogue.ErrUnknownSubject):
			respondError(w, http.StatusNotFound, "unknown_subject", err.Error())
		case errors.Is(err, dialogue.ErrQuotaExceeded):
			respondError(w, http.StatusTooManyRequests, "quota_exceeded", err.Error())
		case sess != nil:
			// The session was created but its opening turn failed.
			s.respondTurnError(w, err)
		default:
			respondError(w, http.StatusInternalServerError, "session_create_failed", err.Error())
		}
		return
	}

	resp := toSessionResponse(sess)
	if reply != nil {
		frame := toResponseFrame(sess.ID, reply)
		resp.Reply = &frame
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	sess, err := s.orchestrator.Session(r.Context(), principal.ID, chi.URLParam(r, "id"), principal.Observer)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	if principal.Observer {
		respondError(w, http.StatusForbidden, "observer_read_only", "observers cannot end sessions")
		return
	}

	id := chi.URLParam(r, "id")
	sess, err := s.orchestrator.EndSession(r.Context(), principal.ID, id)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}

	s.hub.Broadcast(id, protocol.TypeSessionEvent, protocol.SessionEvent{
		Type:      protocol.TypeSessionEvent,
		SessionID: id,
		Code:      "session_ended",
	})
	respondJSON(w, http.StatusOK, toSessionResponse(sess))
}

type messageResponse struct {
	MessageID  string            `json:"message_id"`
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	References []store.Reference `json:"references,omitempty"`
	ModelID    string            `json:"model_id,omitempty"`
	LatencyMS  int64             `json:"latency_ms,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	msgs, err := s.orchestrator.History(r.Context(), principal.ID, chi.URLParam(r, "id"), principal.Observer, limit, offset)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}

	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			MessageID:  m.ID,
			Role:       m.Role,
			Content:    m.Content,
			References: m.References,
			ModelID:    m.ModelID,
			LatencyMS:  m.LatencyMS,
			CreatedAt:  m.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": out, "limit": limit, "offset": offset})
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	if principal.Observer {
		respondError(w, http.StatusForbidden, "observer_read_only", "observers cannot send messages")
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sessionID := chi.URLParam(r, "id")
	reply, err := s.runTurn(r.Context(), principal.ID, sessionID, req.Content)
	if err != nil {
		s.respondTurnError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toResponseFrame(sessionID, reply))
}

// runTurn executes one turn and mirrors the outcome onto the session's
// realtime stream, so websocket observers see HTTP-submitted turns too.
func (s *Server) runTurn(ctx context.Context, ownerID, sessionID, content string) (*dialogue.Reply, error) {
	s.hub.Broadcast(sessionID, protocol.TypeTyping, protocol.Typing{
		Type: protocol.TypeTyping, SessionID: sessionID, IsTyping: true,
	})
	reply, err := s.orchestrator.SendMessage(ctx, ownerID, sessionID, content)
	if err == nil {
		// The response lands before the typing indicator clears.
		s.hub.Broadcast(sessionID, protocol.TypeResponse, toResponseFrame(sessionID, reply))
	}
	s.hub.Broadcast(sessionID, protocol.TypeTyping, protocol.Typing{
		Type: protocol.TypeTyping, SessionID: sessionID, IsTyping: false,
	})
	return reply, err
}

func toResponseFrame(sessionID string, reply *dialogue.Reply) protocol.Response {
	refs := make([]protocol.Reference, 0, len(reply.References))
	for _, ref := range reply.References {
		refs = append(refs, protocol.Reference{Section: ref.Section, Excerpt: ref.Excerpt, Score: ref.Score})
	}
	return protocol.Response{
		Type:       protocol.TypeResponse,
		SessionID:  sessionID,
		MessageID:  reply.MessageID,
		Content:    reply.Content,
		References: refs,
		Usage:      protocol.Usage{InputTokens: reply.Usage.InputTokens, OutputTokens: reply.Usage.OutputTokens},
		ModelID:    reply.ModelID,
		LatencyMS:  reply.LatencyMS,
	}
}

func (s *Server) handleListSubjects(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"subjects": s.catalog.List()})
}

type indexDocumentRequest struct {
	Sections []retrieval.Section `json:"sections"`
}

func (s *Server) handleIndexDocument(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	if principal.Observer {
		respondError(w, http.StatusForbidden, "observer_read_only", "observers cannot index documents")
		return
	}

	var req indexDocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(req.Sections) == 0 {
		respondError(w, http.StatusBadRequest, "empty_document", "at least one section is required")
		return
	}

	documentID := chi.URLParam(r, "id")
	n, err := s.index.IndexDocument(r.Context(), documentID, req.Sections)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "index_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"document_id": documentID, "chunks": n})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"models": s.models.Snapshot()})
}

func (s *Server) handleListUsage(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if _, err := s.orchestrator.Session(r.Context(), principal.ID, sessionID, principal.Observer); err != nil {
		s.respondSessionError(w, err)
		return
	}

	recs, err := s.store.ListUsage(r.Context(), sessionID, queryInt(r, "limit", 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "usage_query_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"usage": recs})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}

	principal := principalFrom(r)
	if _, err := s.orchestrator.Session(r.Context(), principal.ID, sessionID, principal.Observer); err != nil {
		s.respondSessionError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound, detach := s.hub.Join(sessionID, principal.Observer, 256)
	defer detach()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				s.metrics.WSMessages.WithLabelValues("outbound", wsTypeOf(msg)).Inc()
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
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.hub.Broadcast(sessionID, protocol.TypeError, protocol.ErrorEvent{
				Type:      protocol.TypeError,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Message:   err.Error(),
				Retryable: false,
			})
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", string(parsed.Type)).Inc()

		if principal.Observer {
			s.hub.Broadcast(sessionID, protocol.TypeError, protocol.ErrorEvent{
				Type:      protocol.TypeError,
				SessionID: sessionID,
				Code:      "observer_read_only",
				Message:   "observers cannot send messages",
				Retryable: false,
			})
			continue
		}

		// Turns run synchronously on the read loop: one inflight turn per
		// connection, the orchestrator serializes across connections.
		if _, err := s.runTurn(ctx, principal.ID, sessionID, parsed.Content); err != nil {
			code, retryable := turnErrorCode(err)
			s.hub.Broadcast(sessionID, protocol.TypeError, protocol.ErrorEvent{
				Type:      protocol.TypeError,
				SessionID: sessionID,
				Code:      code,
				Message:   err.Error(),
				Retryable: retryable,
			})
			if code == "session_closed" || code == "session_not_found" {
				break
			}
		}
	}

	cancel()
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, dialogue.ErrNotOwner):
		respondError(w, http.StatusForbidden, "not_owner", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) respondTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, dialogue.ErrNotOwner):
		respondError(w, http.StatusForbidden, "not_owner", err.Error())
	case errors.Is(err, dialogue.ErrSessionClosed):
		respondError(w, http.StatusConflict, "session_closed", err.Error())
	case errors.Is(err, dialogue.ErrQuotaExceeded):
		respondError(w, http.StatusTooManyRequests, "quota_exceeded", err.Error())
	default:
		var genErr *dialogue.GenerationError
		if errors.As(err, &genErr) {
			respondError(w, http.StatusBadGateway, "generation_failed", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	}
}

func turnErrorCode(err error) (string, bool) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return "session_not_found", false
	case errors.Is(err, dialogue.ErrNotOwner):
		return "not_owner", false
	case errors.Is(err, dialogue.ErrSessionClosed):
		return "session_closed", false
	case errors.Is(err, dialogue.ErrQuotaExceeded):
		return "quota_exceeded", false
	}
	var genErr *dialogue.GenerationError
	if errors.As(err, &genErr) {
		return "generation_failed", genErr.Retryable
	}
	return "invalid_request", false
}

func wsTypeOf(v any) string {
	switch m := v.(type) {
	case protocol.Response:
		return string(m.Type)
	case protocol.Typing:
		return string(m.Type)
	case protocol.ErrorEvent:
		return string(m.Type)
	case protocol.SessionEvent:
		return string(m.Type)
	default:
		return "unknown"
	}
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

func queryInt(r *http.Request, key string, fallback int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
