// Package simserver is a development stand-in for the production fleet
// backend: the same REST collaborators and websocket protocol the client
// consumes, driven by a simulated plant floor. It exists so the sync client
// can be exercised end to end on a laptop.
package simserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/fleetsync/fleetsync/internal/auth"
	"github.com/fleetsync/fleetsync/internal/middleware"
	"github.com/fleetsync/fleetsync/internal/models"
)

type account struct {
	user         models.User
	passwordHash string
}

type Server struct {
	Router *chi.Mux
	Hub    *Hub
	Fleet  *Fleet

	log      *logrus.Entry
	auth     *auth.Service
	accounts map[string]account                  // username -> account
	grants   map[string][]models.PermissionGrant // user id -> grants
}

func New(authService *auth.Service, log *logrus.Logger) *Server {
	hub := NewHub(authService, log)
	s := &Server{
		Router:   chi.NewRouter(),
		Hub:      hub,
		Fleet:    NewFleet(hub, log),
		log:      log.WithField("component", "simserver"),
		auth:     authService,
		accounts: make(map[string]account),
		grants:   make(map[string][]models.PermissionGrant),
	}

	s.seedAccounts()
	s.Router.Use(chiMiddleware.RealIP)
	s.Router.Use(chiMiddleware.Recoverer)
	s.Router.Use(middleware.RequestID)
	s.Router.Use(middleware.Logger(log))
	s.routes()

	return s
}

// Start launches the hub and the fleet simulation.
func (s *Server) Start() {
	go s.Hub.Run()
	s.Fleet.Start()
}

// Stop halts the simulation and the hub.
func (s *Server) Stop() {
	s.Fleet.Stop()
	s.Hub.Stop()
}

// seedAccounts provisions demo users: an elevated admin and a scoped operator
// who may view four machines but operate only two of them.
func (s *Server) seedAccounts() {
	add := func(id, username, password, role string) {
		hash, err := s.auth.HashPassword(password)
		if err != nil {
			s.log.WithError(err).WithField("username", username).Error("seeding account failed")
			return
		}
		s.accounts[username] = account{
			user:         models.User{ID: id, Username: username, Role: role},
			passwordHash: hash,
		}
	}
	add("u-admin", "admin", "admin", "ADMIN")
	add("u-operator", "operator", "operator", "OPERATOR")

	s.grants["u-operator"] = []models.PermissionGrant{
		{UserID: "u-operator", MachineID: "M-001", CanView: true, CanOperate: true},
		{UserID: "u-operator", MachineID: "M-002", CanView: true, CanOperate: true, CanEdit: true},
		{UserID: "u-operator", MachineID: "M-003", CanView: true},
		{UserID: "u-operator", MachineID: "M-004", CanView: true},
	}
}

func (s *Server) routes() {
	s.Router.With(middleware.RateLimit(20, time.Minute)).Post("/auth/login", s.handleLogin)
	s.Router.Group(func(r chi.Router) {
		r.Use(middleware.Auth(s.auth))
		r.Get("/machines", s.handleMachines)
		r.Get("/permissions", s.handlePermissions)
	})
	s.Router.Get("/ws", s.Hub.HandleWS)
	s.Router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	acct, ok := s.accounts[req.Username]
	if !ok || s.auth.CheckPassword(acct.passwordHash, req.Password) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := s.auth.GenerateToken(acct.user.ID, acct.user.Username, acct.user.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user":  acct.user,
	})
}

func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Fleet.Snapshot())
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFrom(r.Context())
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = claims.UserID
	}
	grants := s.grants[userID]
	if grants == nil {
		grants = []models.PermissionGrant{}
	}
	writeJSON(w, http.StatusOK, grants)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
