// Package api provides the HTTP and WebSocket surface over the job service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/tallgreen-machine/aplus-trainer/internal/queue"
	"github.com/tallgreen-machine/aplus-trainer/pkg/types"
	"go.uber.org/zap"
)

// ConfigurationLister reads persisted trained configurations.
type ConfigurationLister interface {
	List(ctx context.Context, limit int) ([]types.TrainedConfiguration, error)
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host string
	Port int
}

// Server is the thin HTTP/WebSocket layer. It marshals the queue service's
// results and holds no business logic of its own.
type Server struct {
	logger     *zap.Logger
	config     ServerConfig
	service    *queue.Service
	configs    ConfigurationLister
	router     *mux.Router
	httpServer *http.Server
}

// NewServer wires routes and middleware.
func NewServer(logger *zap.Logger, config ServerConfig, service *queue.Service, configs ConfigurationLister, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		logger:  logger,
		config:  config,
		service: service,
		configs: configs,
		router:  mux.NewRouter(),
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/training/jobs", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/training/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/training/jobs/{id}", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/training/jobs/{id}/progress", s.handleProgress).Methods(http.MethodGet)
	api.HandleFunc("/training/jobs/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/configurations", s.handleConfigurations).Methods(http.MethodGet)

	s.router.HandleFunc("/ws/jobs/{id}", s.handleJobStream)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return s
}

// Handler exposes the route tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("api server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var spec types.TrainingSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: malformed body: %v", queue.ErrValidation, err))
		return
	}

	id, err := s.service.Submit(r.Context(), spec)
	if err != nil {
		if errors.Is(err, queue.ErrValidation) {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.service.List(r.Context(), queryLimit(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.service.Progress(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) handleConfigurations(w http.ResponseWriter, r *http.Request) {
	configs, err := s.configs.List(r.Context(), queryLimit(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, configs)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	if errors.Is(err, queue.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeError(w, http.StatusInternalServerError, err)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return 0
}
