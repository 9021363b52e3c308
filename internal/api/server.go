// Package api is the HTTP surface of spec.md §6, built on
// go-chi/chi/v5 exactly as the retrieved Tutu-Engine internal/api
// server does: a chi.Mux with the standard middleware stack
// (RequestID, RealIP, Logger, Recoverer, Timeout) and a uniform
// {success,data,error} JSON envelope.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hackbackend/internal/apierr"
	"hackbackend/internal/auth"
	"hackbackend/internal/bus"
	"hackbackend/internal/engine"
	"hackbackend/internal/model"
	"hackbackend/internal/processstore"
	"hackbackend/internal/world"
)

// Server wires every HTTP and WebSocket endpoint of spec.md §6.
type Server struct {
	router *chi.Mux

	engine  *engine.Engine
	store   *processstore.Store
	world   *world.Registry
	authSvc *auth.Service
	hub     *bus.Hub
	verify  *auth.Verifier
}

// NewServer builds the router and registers every route.
func NewServer(eng *engine.Engine, store *processstore.Store, w *world.Registry, authSvc *auth.Service, hub *bus.Hub, verify *auth.Verifier) *Server {
	s := &Server{engine: eng, store: store, world: w, authSvc: authSvc, hub: hub, verify: verify}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/ws", s.handleWebSocket)

	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/mfa/verify", s.handleVerifyMFA)
	r.Post("/auth/mfa/enroll", s.withAuth(s.handleBeginEnrollment))
	r.Post("/auth/mfa/confirm", s.withAuth(s.handleConfirmEnrollment))

	r.Route("/processes", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/active", s.handleProcessesActive)
		r.Post("/start", s.handleProcessStart)
		r.Post("/{pid}/kill", s.handleProcessKill)
		r.Post("/{pid}/pause", s.handleProcessPause)
		r.Post("/{pid}/resume", s.handleProcessResume)
	})

	r.Route("/servers", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/available", s.handleServersAvailable)
		r.Post("/connect", s.handleServerConnect)
	})

	r.With(s.requireAuth).Get("/sync", s.handleSync)
	r.With(s.requireAuth).Get("/user/profile", s.handleUserProfile)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// envelope is the uniform response shape for every non-streaming
// endpoint.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeErr(w http.ResponseWriter, err error) {
	apiErr := apierr.As(err)
	writeJSON(w, apiErr.Status, envelope{Success: false, Error: apiErr.Message, Code: apiErr.Code})
}

type ctxKey int

const ctxPlayerID ctxKey = iota

// requireAuth resolves a Bearer token into a player id and stores it
// on the request context, matching the bus package's own
// token -> playerID Authenticate call.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeErr(w, apierr.ErrUnauthorized)
			return
		}
		playerID, err := s.verify.Authenticate(token)
		if err != nil {
			writeErr(w, apierr.ErrUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), ctxPlayerID, playerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) withAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.requireAuth(h).ServeHTTP(w, r)
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func playerIDFrom(r *http.Request) string {
	v, _ := r.Context().Value(ctxPlayerID).(string)
	return v
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to configured origins before production deploy.
		return true
	},
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	bus.Serve(ws, s.hub)
}

func (s *Server) handleProcessesActive(w http.ResponseWriter, r *http.Request) {
	playerID := playerIDFrom(r)
	pids := s.store.ByCreator(playerID)
	now := time.Now()
	snapshots := make([]model.Snapshot, 0, len(pids))
	for _, pid := range pids {
		p, ok := s.store.Get(pid)
		if !ok || p.State.Terminal() {
			continue
		}
		snapshots = append(snapshots, toSnapshot(p, s.world, now))
	}
	writeOK(w, snapshots)
}

func toSnapshot(p *model.Process, w *world.Registry, now time.Time) model.Snapshot {
	ip := ""
	if srv, ok := w.Server(p.TargetServerID); ok {
		ip = srv.IP
	}
	return model.Snapshot{
		PID:              p.PID,
		Action:           p.Action,
		TargetIP:         ip,
		State:            p.State,
		Progress:         p.Progress(),
		SecondsRemaining: p.SecondsRemaining(now),
		CPUShare:         p.Request.CPU,
		NetShare:         p.Request.NET,
		RAMShare:         p.Request.RAM,
		Priority:         p.Priority,
	}
}

type startRequest struct {
	TargetServerID string            `json:"target_server_id"`
	Action         model.Action      `json:"action"`
	SoftwareID     string            `json:"software_id"`
	Payload        map[string]string `json:"payload"`
	Priority       int               `json:"priority"`
	Stealth        float64           `json:"stealth"`
	CPURequest     float64           `json:"cpu_req"`
	RAMRequest     float64           `json:"ram_req"`
	NETRequest     float64           `json:"net_req"`
}

func (s *Server) handleProcessStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.ErrInvalidRequest)
		return
	}
	playerID := playerIDFrom(r)
	if req.Priority < 1 || req.Priority > 10 {
		req.Priority = 5
	}

	p, err := s.engine.Start(r.Context(), playerID, req.TargetServerID, req.Action, req.SoftwareID,
		req.Payload, req.Priority, req.Stealth,
		model.ResourceTriple{CPU: req.CPURequest, RAM: req.RAMRequest, NET: req.NETRequest})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, toSnapshot(p, s.world, time.Now()))
}

func (s *Server) handleProcessKill(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "pid")
	if err := s.engine.Cancel(r.Context(), pid); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"pid": pid, "state": string(model.StateCancelled)})
}

func (s *Server) handleProcessPause(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "pid")
	if err := s.engine.Pause(r.Context(), pid); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"pid": pid, "state": string(model.StatePaused)})
}

func (s *Server) handleProcessResume(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "pid")
	if err := s.engine.Resume(r.Context(), pid); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"pid": pid, "state": string(model.StateRunning)})
}

func (s *Server) handleServersAvailable(w http.ResponseWriter, r *http.Request) {
	writeOK(w, []string{})
}

type connectRequest struct {
	IP string `json:"ip"`
}

func (s *Server) handleServerConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.ErrInvalidRequest)
		return
	}
	srv, ok := s.world.ServerByIP(req.IP)
	if !ok {
		writeErr(w, apierr.ErrNotFound)
		return
	}
	if err := s.world.AdjustConnections(srv.ServerID, 1); err != nil {
		writeErr(w, apierr.New(409, "server_full", err.Error()))
		return
	}
	writeOK(w, map[string]string{"server_id": srv.ServerID})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	playerID := playerIDFrom(r)
	pids := s.store.ByCreator(playerID)
	now := time.Now()
	snapshots := make([]model.Snapshot, 0, len(pids))
	for _, pid := range pids {
		if p, ok := s.store.Get(pid); ok {
			snapshots = append(snapshots, toSnapshot(p, s.world, now))
		}
	}
	writeOK(w, map[string]any{"processes": snapshots})
}

func (s *Server) handleUserProfile(w http.ResponseWriter, r *http.Request) {
	playerID := playerIDFrom(r)
	p, ok := s.world.Player(playerID)
	if !ok {
		writeErr(w, apierr.ErrNotFound)
		return
	}
	writeOK(w, p)
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.ErrInvalidRequest)
		return
	}
	result, err := s.authSvc.Login(req.Login, req.Password)
	if err != nil {
		writeErr(w, apierr.ErrUnauthorized)
		return
	}
	writeOK(w, result)
}

type mfaVerifyRequest struct {
	Login string `json:"login"`
	Code  string `json:"code"`
}

func (s *Server) handleVerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req mfaVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.ErrInvalidRequest)
		return
	}
	token, err := s.authSvc.VerifyTOTP(req.Login, req.Code)
	if err != nil {
		writeErr(w, apierr.ErrUnauthorized)
		return
	}
	writeOK(w, map[string]string{"token": token})
}

func (s *Server) handleBeginEnrollment(w http.ResponseWriter, r *http.Request) {
	playerID := playerIDFrom(r)
	result, err := s.authSvc.BeginEnrollment(playerID, playerID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{
		"secret":      result.Secret,
		"qr_code_png": base64.StdEncoding.EncodeToString(result.QRCodePNG),
	})
}

type confirmEnrollmentRequest struct {
	Secret string `json:"secret"`
	Code   string `json:"code"`
}

func (s *Server) handleConfirmEnrollment(w http.ResponseWriter, r *http.Request) {
	var req confirmEnrollmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.ErrInvalidRequest)
		return
	}
	playerID := playerIDFrom(r)
	if err := s.authSvc.ConfirmEnrollment(playerID, req.Secret, req.Code); err != nil {
		writeErr(w, apierr.ErrUnauthorized)
		return
	}
	writeOK(w, map[string]bool{"enrolled": true})
}
