// Package server is the HTTP binding of the engine: bearer authentication,
// the JSON surface, and the watch channel.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apexgames-io/arbiter/internal/api"
	"github.com/apexgames-io/arbiter/internal/arbiter"
	"github.com/apexgames-io/arbiter/internal/config"
	"github.com/apexgames-io/arbiter/internal/fault"
	"github.com/apexgames-io/arbiter/internal/identity"
	"github.com/apexgames-io/arbiter/internal/model"
	"github.com/apexgames-io/arbiter/internal/notify"
	"github.com/apexgames-io/arbiter/internal/observability"
	"github.com/apexgames-io/arbiter/internal/security"
)

type Server struct {
	cfg      config.Config
	idsvc    *identity.Service
	arb      *arbiter.Arbiter
	notifier *notify.Notifier

	httpSrv     *http.Server
	mu          sync.Mutex
	listener    net.Listener
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, idsvc *identity.Service, arb *arbiter.Arbiter, notifier *notify.Notifier) *Server {
	s := &Server{
		cfg:      cfg,
		idsvc:    idsvc,
		arb:      arb,
		notifier: notifier,
	}
	s.httpSrv = &http.Server{
		Handler:           withRequestLog(s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routing tree for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/agents", s.agentsHandler)
	mux.HandleFunc("/agents/", s.agentByIDHandler)
	mux.HandleFunc("/sessions", s.sessionsHandler)
	mux.HandleFunc("/sessions/", s.sessionByIDHandler)
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	observability.Logger().Info("listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

// handlers

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
}

func (s *Server) agentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	agentID, claimSecret, err := s.idsvc.Register(r.Context())
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, api.RegisterAgentResponse{
		AgentID:    agentID,
		ClaimToken: claimSecret,
	})
}

// /agents/{id}/claim
func (s *Server) agentByIDHandler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/agents/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "claim" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.ClaimAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeFault(w, err)
		return
	}
	bearerSecret, err := s.idsvc.Claim(r.Context(), parts[0], req.ClaimToken)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ClaimAgentResponse{
		AgentID: parts[0],
		Token:   bearerSecret,
	})
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	agent, err := s.authenticate(r)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleCreateSession(w, r, agent)
	case http.MethodGet:
		s.handleListSessions(w, r, agent)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// /sessions/{id}/{join,state,actions,log,watch}
func (s *Server) sessionByIDHandler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	agent, err := s.authenticate(r)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	sessionID := parts[0]

	switch parts[1] {
	case "join":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleJoin(w, r, agent, sessionID)
	case "state":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleState(w, r, agent, sessionID)
	case "actions":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleSubmit(w, r, agent, sessionID)
	case "log":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleLog(w, r, agent, sessionID)
	case "watch":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleWatch(w, r, agent, sessionID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, agent model.Agent) {
	var req api.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeFault(w, err)
		return
	}
	if req.Template == "" {
		s.writeFault(w, fault.InvalidRequest("template is required"))
		return
	}
	session, err := s.arb.CreateSession(r.Context(), agent.AgentID, req.Template, req.Participants)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, api.CreateSessionResponse{
		SessionID: session.SessionID,
		Template:  session.Template,
		Status:    string(session.Status),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, agent model.Agent) {
	sessions, err := s.arb.List(r.Context(), agent.AgentID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	out := make([]api.SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, api.SessionSummary{
			SessionID: session.SessionID,
			Template:  session.Template,
			Status:    string(session.Status),
			Tick:      session.Tick,
			UpdatedAt: session.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	s.writeJSON(w, http.StatusOK, api.ListSessionsResponse{Sessions: out})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request, agent model.Agent, sessionID string) {
	var req api.JoinSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeFault(w, err)
		return
	}
	if req.Role == "" {
		s.writeFault(w, fault.InvalidRequest("role is required"))
		return
	}
	session, err := s.arb.Join(r.Context(), agent.AgentID, sessionID, req.Role)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.JoinSessionResponse{
		SessionID: session.SessionID,
		Status:    string(session.Status),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request, agent model.Agent, sessionID string) {
	view, err := s.arb.Read(r.Context(), agent.AgentID, sessionID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	legal := view.LegalActions
	if legal == nil {
		legal = []string{}
	}
	s.writeJSON(w, http.StatusOK, api.SessionStateResponse{
		SessionID:    view.Session.SessionID,
		Template:     view.Session.Template,
		Status:       string(view.Session.Status),
		Tick:         view.Session.Tick,
		State:        view.View,
		YourRole:     view.Role,
		LegalActions: legal,
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, agent model.Agent, sessionID string) {
	var req api.SubmitActionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeFault(w, err)
		return
	}
	result, err := s.arb.Submit(r.Context(), agent.AgentID, sessionID, req.Action, req.ExpectedTick)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SubmitActionResponse{
		Tick:   result.Tick,
		State:  result.View,
		Status: string(result.Status),
	})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request, agent model.Agent, sessionID string) {
	entries, err := s.arb.Log(r.Context(), agent.AgentID, sessionID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	out := make([]api.ActionLogItem, 0, len(entries))
	for _, entry := range entries {
		out = append(out, api.ActionLogItem{
			Tick:      entry.Tick,
			Role:      entry.Role,
			AgentID:   entry.AgentID,
			Action:    entry.Action,
			CreatedAt: entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	s.writeJSON(w, http.StatusOK, api.ActionLogResponse{Actions: out})
}

// helpers

func (s *Server) authenticate(r *http.Request) (model.Agent, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return model.Agent{}, fault.Unauthorized("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		observability.Logger().Warn("malformed authorization header",
			"header", security.RedactSecrets(header))
		return model.Agent{}, fault.Unauthorized("invalid authorization header format")
	}
	agent, err := s.idsvc.Resolve(r.Context(), parts[1])
	if err != nil {
		return model.Agent{}, err
	}
	return agent, nil
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return fault.InvalidRequest("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fault.InvalidRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observability.Logger().Warn("write response", "err", err)
	}
}

func (s *Server) writeFault(w http.ResponseWriter, err error) {
	fe := fault.From(err)
	if fe.Code == fault.CodeInternal {
		observability.Logger().Error("internal error", "err", security.RedactSecrets(err.Error()))
	}
	s.writeJSON(w, fe.Status, api.ErrorResponse{
		Error: api.APIError{Code: fe.Code, Message: fe.Message},
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeJSON(w, http.StatusMethodNotAllowed, api.ErrorResponse{
		Error: api.APIError{Code: fault.CodeInvalidRequest, Message: "method not allowed"},
	})
}

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		observability.Logger().Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start).String())
	})
}
