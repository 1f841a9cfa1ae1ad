package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/talkback/internal/config"
	"github.com/ent0n29/talkback/internal/observability"
	"github.com/ent0n29/talkback/internal/oneshot"
	"github.com/ent0n29/talkback/internal/pipeline"
	"github.com/ent0n29/talkback/internal/session"
	"github.com/ent0n29/talkback/internal/turnlog"
)

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	engine   *pipeline.Engine
	oneshot  *oneshot.Service
	turns    turnlog.Store
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

// New builds the HTTP surface. engine may be nil when live sessions are not
// available; oneshot may be nil when the request/response API is disabled;
// turns may be nil when no turn log is kept.
func New(
	cfg config.Config,
	sessions *session.Manager,
	engine *pipeline.Engine,
	oneshotSvc *oneshot.Service,
	turns turnlog.Store,
	metrics *observability.Metrics,
) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		engine:   engine,
		oneshot:  oneshotSvc,
		turns:    turns,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser pages may open a microphone session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
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

	r.Post("/v1/voice/session", s.handleCreateSession)
	r.Get("/v1/voice/session/{id}", s.handleGetSession)
	r.Post("/v1/voice/session/{id}/end", s.handleEndSession)
	r.Get("/v1/voice/session/{id}/turns", s.handleSessionTurns)
	r.Get("/ws/live", s.handleLiveWS)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/api/text", s.handleText)
	r.Post("/api/audio", s.handleAudio)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status, code := "ready", http.StatusOK
	if s.engine == nil && s.oneshot == nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":          status,
		"live_enabled":    s.engine != nil,
		"oneshot_enabled": s.oneshot != nil,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if t := strings.TrimSpace(req.Transport); t != "" && !strings.EqualFold(t, "socket") {
		respondError(w, http.StatusBadRequest, "invalid_transport", "only the socket transport can be created over HTTP")
		return
	}

	sess := s.sessions.Create("socket")
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		Status:          sess.Status,
		Transport:       sess.Transport,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
		WebSocketPath:   "/ws/live?session_id=" + url.QueryEscape(sess.ID),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id, "client_request")
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
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
