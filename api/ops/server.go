// Package ops serves the validator's operator HTTP API: job audit records,
// system events, a JSON view of the prometheus metrics, the dynamic config
// snapshot, and on-demand database backups. Every route is gated by a jwt
// bearer token stored next to the wallet.
package ops

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/forgenet/forge/config/dynamic"
	"github.com/forgenet/forge/monitoring/backup"
	"github.com/forgenet/forge/validator/db/kv"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "ops")

const shutdownTimeout = 2 * time.Second

// Store is the database surface the API reads.
type Store interface {
	OrganicJob(ctx context.Context, uuid string) (*kv.OrganicJob, error)
	OrganicJobs(ctx context.Context) ([]*kv.OrganicJob, error)
	SystemEvents(ctx context.Context, eventType string, limit int) ([]*kv.SystemEvent, error)
}

// Config options for the ops API service.
type Config struct {
	Host           string
	Port           int
	AuthTokenPath  string
	AllowedOrigins []string
	Store          Store
	Dynamic        *dynamic.Config
	Backup         backup.Exporter
	BackupDir      string
}

// Service is the operator API server.
type Service struct {
	cfg       *Config
	server    *http.Server
	tokenPath string
	jwtSecret []byte
	authToken string
	startErr  error
}

// New creates the ops API service and initializes its auth token.
func New(cfg *Config) (*Service, error) {
	s := &Service{cfg: cfg, tokenPath: cfg.AuthTokenPath}
	if err := s.initializeAuthToken(); err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.authMiddleware)
	v1.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{uuid}", s.jobStatus).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.listEvents).Methods(http.MethodGet)
	v1.HandleFunc("/metrics", s.metricsJSON).Methods(http.MethodGet)
	v1.HandleFunc("/config", s.dynamicConfig).Methods(http.MethodGet)
	v1.HandleFunc("/backup", s.triggerBackup).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: c.Handler(r),
	}
	return s, nil
}

// AuthToken returns the bearer token operators authenticate with.
func (s *Service) AuthToken() string {
	return s.authToken
}

// Start serves the API in the background.
func (s *Service) Start() {
	log.WithField("endpoint", s.server.Addr).Info("Starting ops API")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Ops API failed")
			s.startErr = err
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Service) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status reports a failed listen.
func (s *Service) Status() error {
	return s.startErr
}
