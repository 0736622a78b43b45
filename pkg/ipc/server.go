// Package ipc exposes the browser-facing surface: a REST API for session and
// agent control, a websocket PTY bridge for the interactive terminal, and a
// websocket event stream fed from the message bus.
package ipc

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skiffworks/skiff/pkg/bus"
	"github.com/skiffworks/skiff/pkg/logging"
	"github.com/skiffworks/skiff/pkg/session"
)

// Server is the HTTP and websocket front end.
type Server struct {
	bind       string
	sessions   *session.Manager
	busConn    bus.MessageBus
	tokens     *TokenManager
	logger     *logging.Logger
	metricsOn  bool
	httpServer *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithTokenManager enables JWT session authentication.
func WithTokenManager(tokens *TokenManager) ServerOption {
	return func(s *Server) { s.tokens = tokens }
}

// WithServerLogger attaches a structured logger.
func WithServerLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics toggles the /metrics endpoint.
func WithMetrics(enabled bool) ServerOption {
	return func(s *Server) { s.metricsOn = enabled }
}

// NewServer creates the front end bound to the given address.
func NewServer(bind string, sessions *session.Manager, busConn bus.MessageBus, opts ...ServerOption) *Server {
	s := &Server{
		bind:      bind,
		sessions:  sessions,
		busConn:   busConn,
		metricsOn: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(chimiddleware.Timeout(120 * time.Second))

	router.Route("/api", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Delete("/", s.handleCloseSession)
			r.Get("/status", s.handleStatus)
			r.Post("/message", s.handleMessage)
			r.Post("/autorun", s.handleAutoRun)
			r.Post("/safety/approve", s.handleSafetyApprove)
			r.Post("/safety/reject", s.handleSafetyReject)
			r.Post("/cancel", s.handleCancel)
		})
	})

	router.Get("/ws/terminal", s.handleTerminal)
	router.Get("/ws/events", s.handleEvents)

	if s.metricsOn {
		router.Get("/metrics", promhttp.Handler().ServeHTTP)
	}
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]string{"status": "ok"})
	})

	return router
}

// ListenAndServe runs the server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.bind,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	s.logServer("server_started", s.bind, nil)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type createSessionRequest struct {
	Workdir string `json:"workdir"`
}

type sessionResponse struct {
	ID        string    `json:"id"`
	Workdir   string    `json:"workdir"`
	CreatedAt time.Time `json:"createdAt"`
	Token     string    `json:"token,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny); err != nil {
		respondError(w, status, err)
		return
	}
	sess, err := s.sessions.Create(req.Workdir)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	metricActiveSessions.Inc()

	resp := sessionResponse{
		ID:        sess.ID,
		Workdir:   sess.Workdir,
		CreatedAt: sess.CreatedAt,
	}
	if s.tokens != nil {
		token, tokenErr := s.tokens.GenerateToken(sess.ID)
		if tokenErr != nil {
			_ = s.sessions.Close(sess.ID)
			metricActiveSessions.Dec()
			respondError(w, http.StatusInternalServerError, tokenErr)
			return
		}
		resp.Token = token
	}

	respondJSONStatus(w, http.StatusCreated, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, ""); err != nil {
		respondError(w, http.StatusUnauthorized, err)
		return
	}

	sessions := s.sessions.List()
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionResponse{
			ID:        sess.ID,
			Workdir:   sess.Workdir,
			CreatedAt: sess.CreatedAt,
		})
	}
	respondJSON(w, out)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authorizedSession(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Close(sess.ID); err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	metricActiveSessions.Dec()
	respondJSON(w, map[string]string{"status": "closed"})
}

type statusResponse struct {
	State            string `json:"state"`
	AutoRunEnabled   bool   `json:"autoRunEnabled"`
	StepCount        int    `json:"stepCount"`
	RunningCommandID string `json:"runningCommandId,omitempty"`
	Stuck            bool   `json:"stuck"`
	StuckReason      string `json:"stuckReason,omitempty"`
	PendingCommand   string `json:"pendingCommand,omitempty"`
	PendingImpact    string `json:"pendingImpact,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authorizedSession(w, r)
	if !ok {
		return
	}

	run := sess.Controller.Snapshot()
	resp := statusResponse{
		State:            string(sess.Controller.State()),
		AutoRunEnabled:   run.Enabled,
		StepCount:        run.StepCount,
		RunningCommandID: run.RunningCommandID,
		Stuck:            run.Stuck,
		StuckReason:      run.StuckReason,
	}
	if pending, found := sess.Controller.PendingSafety(); found {
		resp.PendingCommand = pending.Command
		resp.PendingImpact = pending.Impact
	}
	respondJSON(w, resp)
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authorizedSession(w, r)
	if !ok {
		return
	}

	var req messageRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesSmall); err != nil {
		respondError(w, status, err)
		return
	}
	if req.Text == "" {
		httpError(w, "message text required", http.StatusBadRequest)
		return
	}

	metricUserMessages.Inc()

	// The loop runs until it suspends on a command or halts; don't hold the
	// HTTP request open for it.
	go func() {
		if err := sess.Controller.UserMessage(context.Background(), req.Text); err != nil {
			s.logServer("user_message_failed", err.Error(), map[string]any{"session_id": sess.ID})
		}
	}()

	respondJSONStatus(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type autoRunRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleAutoRun(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authorizedSession(w, r)
	if !ok {
		return
	}

	var req autoRunRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny); err != nil {
		respondError(w, status, err)
		return
	}

	if req.Enabled {
		sess.Controller.Enable()
	} else {
		sess.Controller.Disable()
	}
	respondJSON(w, map[string]bool{"enabled": req.Enabled})
}

func (s *Server) handleSafetyApprove(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authorizedSession(w, r)
	if !ok {
		return
	}

	metricSafetyDecisions.WithLabelValues("approve").Inc()
	if err := sess.Controller.ApproveSafety(r.Context()); err != nil {
		respondError(w, http.StatusConflict, err)
		return
	}
	respondJSON(w, map[string]string{"status": "approved"})
}

func (s *Server) handleSafetyReject(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authorizedSession(w, r)
	if !ok {
		return
	}

	metricSafetyDecisions.WithLabelValues("reject").Inc()
	if err := sess.Controller.RejectSafety(); err != nil {
		respondError(w, http.StatusConflict, err)
		return
	}
	respondJSON(w, map[string]string{"status": "rejected"})
}

type cancelRequest struct {
	CommandID string `json:"commandId"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authorizedSession(w, r)
	if !ok {
		return
	}

	var req cancelRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny); err != nil {
		respondError(w, status, err)
		return
	}
	if req.CommandID == "" {
		req.CommandID = sess.Controller.Snapshot().RunningCommandID
	}
	if req.CommandID == "" {
		httpError(w, "no running command", http.StatusConflict)
		return
	}

	sess.Runner.Cancel(req.CommandID)
	respondJSON(w, map[string]string{"status": "cancelling", "commandId": req.CommandID})
}

// authorizedSession resolves the routed session and checks the caller's token
// against it.
func (s *Server) authorizedSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		httpError(w, "session id required", http.StatusBadRequest)
		return nil, false
	}
	if err := s.authorize(r, sessionID); err != nil {
		respondError(w, http.StatusUnauthorized, err)
		return nil, false
	}
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		httpError(w, "session not found", http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

func (s *Server) logServer(eventType, message string, details map[string]any) {
	_ = s.logger.Info(logging.CategoryServer, eventType, message, details)
}
