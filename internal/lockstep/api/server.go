package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/execution-hub/lockstep/internal/infrastructure/sse"
	"github.com/execution-hub/lockstep/internal/infrastructure/wsnet"
	"github.com/execution-hub/lockstep/internal/lockstep/channel"
	"github.com/execution-hub/lockstep/internal/lockstep/coordinator"
	"github.com/execution-hub/lockstep/internal/lockstep/protocol"
)

// Session is the coordinator surface the HTTP API drives.
type Session interface {
	Status() coordinator.Status
	Faction() protocol.FactionID
	Start(ctx context.Context) error
	Pause(ctx context.Context, paused bool) error
	Kick(ctx context.Context, faction protocol.FactionID) error
	Enqueue(ctx context.Context, faction protocol.FactionID, payload []byte) error
	Subscribe(buffer int) (<-chan coordinator.Event, func())
}

// Replayer reads recorded batches.
type Replayer interface {
	Replay(from protocol.Turn, fn func(protocol.CommandBatch) error) error
	LastTurn() (protocol.Turn, bool, error)
}

// Options carries the optional collaborators of a node's API.
type Options struct {
	// WebSocket serves peer connections on the authority.
	WebSocket http.HandlerFunc
	Journal   Replayer
}

// Server provides HTTP endpoints for one lockstep node.
type Server struct {
	session Session
	hub     *sse.Hub
	opts    Options
	logger  zerolog.Logger

	feed        <-chan coordinator.Event
	unsubscribe func()
}

// NewServer subscribes to session events right away so none are missed before Run.
func NewServer(session Session, hub *sse.Hub, opts Options, logger zerolog.Logger) *Server {
	events, unsubscribe := session.Subscribe(256)
	return &Server{
		session:     session,
		hub:         hub,
		opts:        opts,
		logger:      logger.With().Str("component", "api").Logger(),
		feed:        events,
		unsubscribe: unsubscribe,
	}
}

// Run forwards session events to SSE clients until ctx ends.
func (s *Server) Run(ctx context.Context) {
	defer s.unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.feed:
			if !ok {
				return
			}
			if err := s.hub.Publish(string(ev.Kind), ev); err != nil {
				s.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("event publish failed")
			}
		}
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.With(middleware.Timeout(30*time.Second)).Get("/healthz", s.healthz)
	r.Route("/v1/lockstep", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/status", s.status)
			r.Post("/start", s.start)
			r.Post("/pause", s.pause)
			r.Post("/commands", s.enqueue)
			r.Post("/kick", s.kick)
			if s.opts.Journal != nil {
				r.Get("/turns", s.turns)
			}
		})

		// long-lived streams stay outside the request timeout
		r.Get("/events", s.events)
		if s.opts.WebSocket != nil {
			r.Get("/ws", s.opts.WebSocket)
		}
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	st := s.session.Status()
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":         st.Failed == "",
		"role":       st.Role,
		"session_id": st.SessionID,
		"turn":       st.Turn,
		"streams":    s.hub.GetClientCount(),
	})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Start(r.Context()); err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "STARTED"})
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.session.Pause(r.Context(), req.Paused); err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"paused": req.Paused})
}

type commandRequest struct {
	Faction *protocol.FactionID `json:"faction,omitempty"`
	Payload json.RawMessage     `json:"payload"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "payload is required", nil)
		return
	}
	faction := s.session.Faction()
	if req.Faction != nil {
		faction = *req.Faction
	}
	if err := s.session.Enqueue(r.Context(), faction, req.Payload); err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"faction": faction, "status": "QUEUED"})
}

type kickRequest struct {
	Faction protocol.FactionID `json:"faction"`
}

func (s *Server) kick(w http.ResponseWriter, r *http.Request) {
	var req kickRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.session.Kick(r.Context(), req.Faction); err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"faction": req.Faction, "status": "REMOVED"})
}

var errEnough = errors.New("enough")

func (s *Server) turns(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 100, 1000)
	batches := make([]protocol.CommandBatch, 0, limit)
	err := s.opts.Journal.Replay(protocol.Turn(offset), func(b protocol.CommandBatch) error {
		batches = append(batches, b)
		if len(batches) >= limit {
			return errEnough
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEnough) {
		respondError(w, http.StatusInternalServerError, "JOURNAL_ERROR", err.Error(), nil)
		return
	}
	var lastTurn *protocol.Turn
	last, ok, err := s.opts.Journal.LastTurn()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "JOURNAL_ERROR", err.Error(), nil)
		return
	}
	if ok {
		lastTurn = &last
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"from":      offset,
		"last_turn": lastTurn,
		"batches":   batches,
	})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	client := sse.NewClient(r.URL.Query().Get("client_id"), splitCSV(r.URL.Query().Get("kinds")))
	s.hub.Register(client)
	defer s.hub.Unregister(client.ClientID)

	// every stream opens with the current status
	if snapshot, err := sse.NewMessage("status", s.session.Status()); err == nil {
		if err := s.hub.SendToClient(client.ClientID, snapshot); err != nil {
			s.logger.Warn().Err(err).Str("client_id", client.ClientID).Msg("status snapshot not queued")
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported", nil)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// Send an initial comment to flush headers and keep the connection alive.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, ok := <-client.MessageChan:
			if !ok || msg == nil {
				return
			}
			_, _ = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", msg.ID, msg.Event, msg.Data)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrNotAuthority):
		respondError(w, http.StatusConflict, "NOT_AUTHORITY", err.Error(), nil)
	case errors.Is(err, coordinator.ErrUnknownFaction):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, coordinator.ErrNotLocal):
		respondError(w, http.StatusForbidden, "NOT_LOCAL", err.Error(), nil)
	case errors.Is(err, coordinator.ErrRemoved),
		errors.Is(err, coordinator.ErrAuthorityLost),
		errors.Is(err, channel.ErrOutOfOrderInput),
		errors.Is(err, channel.ErrTurnSkipped),
		errors.Is(err, channel.ErrMalformedBatch):
		respondError(w, http.StatusConflict, "SESSION_HALTED", err.Error(), nil)
	case errors.Is(err, wsnet.ErrNotConnected), errors.Is(err, wsnet.ErrBufferFull):
		respondError(w, http.StatusBadGateway, "RELAY_FAILED", err.Error(), nil)
	default:
		respondError(w, http.StatusBadRequest, "REJECTED", err.Error(), nil)
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			offset = parsed
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	out := map[string]any{
		"error":   code,
		"message": message,
	}
	for k, v := range extra {
		out[k] = v
	}
	respondJSON(w, status, out)
}
