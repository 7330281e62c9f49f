// Package server wires configuration, storage, authentication and the blob
// API into a single HTTP handler with monitoring endpoints.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/meshxdata/blobvault/internal/auth"
	"github.com/meshxdata/blobvault/internal/cache"
	"github.com/meshxdata/blobvault/internal/config"
	"github.com/meshxdata/blobvault/internal/database"
	"github.com/meshxdata/blobvault/internal/kms"
	"github.com/meshxdata/blobvault/internal/lease"
	"github.com/meshxdata/blobvault/internal/metrics"
	"github.com/meshxdata/blobvault/internal/middleware"
	"github.com/meshxdata/blobvault/internal/sas"
	"github.com/meshxdata/blobvault/internal/storage"
	"github.com/meshxdata/blobvault/pkg/blobapi"
)

// Server is the assembled blob engine: storage stack, auth provider, lease
// manager, token signer and the HTTP surface on top of them.
type Server struct {
	config       *config.Config
	storage      storage.Backend
	auth         auth.Provider
	leases       *lease.Manager
	signer       *sas.Signer
	api          *blobapi.Handler
	router       *mux.Router
	metrics      *metrics.Metrics
	db           *database.DB
	shuttingDown int32
}

// NewServer builds the storage stack and HTTP surface from configuration.
func NewServer(cfg *config.Config) (*Server, error) {
	backend, err := storage.NewBackend(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}

	if cfg.Encryption.Enabled {
		provider, kmsErr := kms.NewProvider(&cfg.Encryption)
		if kmsErr != nil {
			return nil, fmt.Errorf("failed to create key provider: %w", kmsErr)
		}
		backend = storage.NewEncryptedBackend(backend, provider)
		logrus.WithField("key_provider", cfg.Encryption.KeyProvider).Info("Envelope encryption enabled")
	}

	if cfg.Cache.Enabled {
		blobCache, cacheErr := cache.NewBlobCache(cfg.Cache.MaxMemory, cfg.Cache.MaxObjectSize, cfg.Cache.TTL)
		if cacheErr != nil {
			logrus.WithError(cacheErr).Warn("Failed to create blob cache, continuing without cache")
		} else {
			logrus.WithFields(logrus.Fields{
				"maxMemory":     cfg.Cache.MaxMemory,
				"maxObjectSize": cfg.Cache.MaxObjectSize,
				"ttl":           cfg.Cache.TTL,
			}).Info("Blob caching enabled")
			backend = cache.NewCachingBackend(backend, blobCache)
		}
	}

	var authProvider auth.Provider
	var db *database.DB

	if cfg.Auth.Type == "database" && cfg.Database.Enabled {
		db, err = database.NewConnection(database.Config{
			Driver:           cfg.Database.Driver,
			ConnectionString: cfg.Database.ConnectionString,
			MaxOpenConns:     cfg.Database.MaxOpenConns,
			MaxIdleConns:     cfg.Database.MaxIdleConns,
			ConnMaxLifetime:  cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create database connection: %w", err)
		}
		authProvider = auth.NewDatabaseProvider(db)
		logrus.Info("Database authentication provider initialized")
	} else {
		authProvider, err = auth.NewProvider(cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("failed to create auth provider: %w", err)
		}
		logrus.WithField("type", cfg.Auth.Type).Info("Authentication provider initialized")
	}

	var signer *sas.Signer
	if cfg.SAS.Enabled {
		key := cfg.SAS.SigningKey
		if key == "" {
			// Single-account deployments can sign tokens with the account
			// credential instead of a dedicated key.
			key = cfg.Auth.Credential
		}
		signer = sas.NewSigner([]byte(key), cfg.SAS.MaxTTL, cfg.SAS.ClockSkew)
		logrus.WithField("max_ttl", cfg.SAS.MaxTTL).Info("Signed access tokens enabled")
	}

	s := &Server{
		config:  cfg,
		storage: backend,
		auth:    authProvider,
		leases:  lease.NewManager(cfg.Lease.MinDuration, cfg.Lease.MaxDuration),
		signer:  signer,
		router:  mux.NewRouter(),
		metrics: metrics.NewMetrics("blobvault"),
		db:      db,
	}

	s.api = blobapi.NewHandler(s.storage, s.auth, s.leases, s.signer)
	s.setupRoutes()

	if cfg.Monitoring.MetricsEnabled {
		s.router.Use(s.metrics.Middleware())
	}
	if cfg.Sentry.Enabled {
		s.router.Use(middleware.SentryRecoveryMiddleware())
		s.router.Use(middleware.SentryMiddleware(false))
		logrus.Info("Sentry middleware enabled")
	}

	return s, nil
}

func (s *Server) setupRoutes() {
	// Monitoring endpoints take precedence over container names.
	s.router.HandleFunc("/health", s.healthCheck).Methods("GET", "HEAD")
	s.router.HandleFunc("/ready", s.readinessCheck).Methods("GET", "HEAD")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	s.router.Handle("/stats", s.metrics.StatsHandler()).Methods("GET")

	if s.config.Monitoring.PprofEnabled {
		logrus.Info("pprof profiling endpoints enabled at /debug/pprof/")
		s.router.HandleFunc("/debug/pprof/", pprof.Index)
		s.router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		s.router.HandleFunc("/debug/pprof/profile", pprof.Profile)
		s.router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		s.router.HandleFunc("/debug/pprof/trace", pprof.Trace)
		s.router.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		s.router.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		s.router.Handle("/debug/pprof/block", pprof.Handler("block"))
		s.router.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))
		s.router.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	}

	// Common web crawler paths must never be treated as containers.
	for _, path := range []string{"/favicon.ico", "/robots.txt", "/apple-touch-icon.png"} {
		s.router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}).Methods("GET", "HEAD")
	}

	// Everything else is the blob API.
	s.router.PathPrefix("/").Handler(s.api)
}

// ServeHTTP applies security headers, request body limits and routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.setSecurityHeaders(w)

	if s.config.Server.MaxBodySize > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodySize)
	}

	s.router.ServeHTTP(w, r)
}

func (s *Server) setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
}

func (s *Server) healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.IsShuttingDown() {
		w.Header().Set("X-Shutdown-Status", "in-progress")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"shutting-down","ready":false}`))
		return
	}

	w.Header().Set("X-Shutdown-Status", "active")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","ready":true}`))
}

func (s *Server) readinessCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	type readiness struct {
		Ready  bool   `json:"ready"`
		Status string `json:"status"`
	}
	state := readiness{Ready: true, Status: "active"}
	if s.IsShuttingDown() {
		state = readiness{Ready: false, Status: "shutting-down"}
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(state)
}

// SetShuttingDown marks the server as shutting down so health checks fail
// and load balancers drain traffic.
func (s *Server) SetShuttingDown() {
	atomic.StoreInt32(&s.shuttingDown, 1)
	logrus.Info("Server marked as shutting down, health checks will return 503")
}

// IsShuttingDown reports whether shutdown has begun.
func (s *Server) IsShuttingDown() bool {
	return atomic.LoadInt32(&s.shuttingDown) == 1
}

// Close releases server resources.
func (s *Server) Close() error {
	s.SetShuttingDown()

	if s.db != nil {
		logrus.Info("Closing database connections")
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("database close error: %w", err)
		}
	}
	return nil
}
