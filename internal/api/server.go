// Package api provides the HTTP API of the go-apsecu service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/resident-x/go-apsecu/internal/config"
	"github.com/resident-x/go-apsecu/internal/domain"
	"github.com/resident-x/go-apsecu/internal/engine"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Controller is the part of the polling engine the API drives.
type Controller interface {
	Start(ip string, port int) error
	Stop() error
	OnExternalCommand(name, value string) error
	Status() engine.Status
	Registry() *domain.InverterRegistry
}

// ValueSource exposes the last value of every state path.
type ValueSource interface {
	Values() map[string]interface{}
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves handler on /metrics.
func WithMetrics(handler http.Handler) Option {
	return func(s *Server) { s.metrics = handler }
}

// WithVersion sets the version reported by /api/v1/status.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// Server represents the HTTP API server that provides monitoring and control of the engine.
type Server struct {
	config     *config.Config
	server     *http.Server
	router     *mux.Router
	controller Controller
	values     ValueSource
	metrics    http.Handler
	version    string
	logger     zerolog.Logger
	startTime  time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config, controller Controller, values ValueSource, opts ...Option) *Server {
	s := &Server{
		config:     cfg,
		router:     mux.NewRouter(),
		controller: controller,
		values:     values,
		version:    "dev",
		logger:     log.With().Str("component", "api").Logger(),
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

// GetRouter returns the router for use with httptest.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/inverters", s.handleListInverters).Methods(http.MethodGet)
	api.HandleFunc("/inverters/{id}", s.handleGetInverter).Methods(http.MethodGet)
	api.HandleFunc("/values", s.handleValues).Methods(http.MethodGet)

	api.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/commands", s.handleListCommands).Methods(http.MethodGet)
	api.HandleFunc("/commands/{name}", s.handleCommand).Methods(http.MethodPost)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).String(),
		"engine":  s.controller.Status(),
	}, http.StatusOK)
}

func (s *Server) handleListInverters(w http.ResponseWriter, _ *http.Request) {
	inverters := s.controller.Registry().All()
	s.writeJSON(w, map[string]interface{}{
		"inverters": inverters,
		"count":     len(inverters),
	}, http.StatusOK)
}

func (s *Server) handleGetInverter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	entry, found := s.controller.Registry().Get(id)
	if !found {
		s.writeError(w, "Inverter not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, entry, http.StatusOK)
}

// handleValues returns the state values, optionally filtered by ?prefix=.
func (s *Server) handleValues(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	values := make(map[string]interface{})
	for path, value := range s.values.Values() {
		if strings.HasPrefix(path, prefix) {
			values[path] = value
		}
	}

	s.writeJSON(w, map[string]interface{}{
		"values": values,
		"count":  len(values),
	}, http.StatusOK)
}

type startRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// handleStart starts polling. The body may name the ECU, otherwise the
// configured address is used.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	req := startRequest{Host: s.config.ECU.Host, Port: s.config.ECU.Port}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Host == "" {
		s.writeError(w, "No ECU host given", http.StatusBadRequest)
		return
	}
	if req.Port <= 0 || req.Port > 65535 {
		s.writeError(w, fmt.Sprintf("Invalid port %d", req.Port), http.StatusBadRequest)
		return
	}

	if err := s.controller.Start(req.Host, req.Port); err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.logger.Info().Str("host", req.Host).Int("port", req.Port).Msg("Polling started via API")
	s.writeJSON(w, map[string]interface{}{
		"status": "started",
		"host":   req.Host,
		"port":   req.Port,
	}, http.StatusAccepted)
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.controller.Stop(); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.Info().Msg("Polling stopped via API")
	s.writeJSON(w, map[string]string{"status": "stopped"}, http.StatusAccepted)
}

func (s *Server) handleListCommands(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{"commands": engine.Commands()}, http.StatusOK)
}

type commandRequest struct {
	Value string `json:"value"`
}

// handleCommand applies a named engine command. The value comes from the
// JSON body or the ?value= query parameter.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	req := commandRequest{Value: r.URL.Query().Get("value")}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.controller.OnExternalCommand(name, req.Value); err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, map[string]string{
		"command": name,
		"value":   req.Value,
		"status":  "applied",
	}, http.StatusOK)
}

// decodeBody decodes a JSON body into v. An empty body leaves v unchanged.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownCommand):
		s.writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrUnloaded):
		s.writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.writeError(w, err.Error(), http.StatusBadRequest)
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, map[string]string{"error": message}, statusCode)
}
