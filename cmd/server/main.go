package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/devplatform/wiki-auth/internal/auth"
	"github.com/devplatform/wiki-auth/internal/config"
	"github.com/devplatform/wiki-auth/internal/graphql"
	"github.com/devplatform/wiki-auth/internal/ldap"
	"github.com/devplatform/wiki-auth/internal/profile"
	"github.com/devplatform/wiki-auth/internal/prometheus"
	"github.com/devplatform/wiki-auth/internal/session"
	profilesync "github.com/devplatform/wiki-auth/internal/sync"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	requestsTotal = promauto.NewCounterVec(
		promclient.CounterOpts{
			Name: "wikiauth_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		promclient.HistogramOpts{
			Name:    "wikiauth_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: promclient.DefBuckets,
		},
		[]string{"method", "path"},
	)

	panicsTotal = promauto.NewCounter(
		promclient.CounterOpts{
			Name: "wikiauth_http_panics_total",
			Help: "Total number of recovered handler panics",
		},
	)
)

// services is everything the HTTP layer and shutdown need
type services struct {
	directory  *ldap.Manager
	store      profile.Store
	sessions   *session.Manager
	controller *profilesync.Controller
}

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logger
	logger := setupLogger(cfg)
	logger.Info("Starting wiki authentication service")

	// Initialize business-level Prometheus metrics
	prometheus.Init()

	ctx := context.Background()
	svc := &services{}

	// Open profile store
	store, err := profile.Open(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open profile store")
	}
	svc.store = store
	classes := profile.NewClassRegistry()
	logger.WithField("classes", classes.Names()).Debug("Profile classes registered")

	// Session store and token manager
	sessionStore, err := openSessionStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open session store")
	}
	svc.sessions, err = session.NewManager(sessionStore, cfg.JWTSecret, cfg.JWTExpiration, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize session manager")
	}

	// Initialize LDAP connection pool, wrapped with the metrics collector
	var directory *prometheus.DirectoryCollector
	if cfg.LDAPEnabled {
		logger.WithField("url", cfg.LDAPURL()).Info("Initializing LDAP connection pool")
		svc.directory, err = ldap.NewManager(cfg, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize LDAP manager")
		}

		if err := svc.directory.HealthCheck(ctx); err != nil {
			logger.WithError(err).Warn("Initial LDAP health check failed")
		} else {
			logger.Info("LDAP connection successful")
		}

		directory = prometheus.NewDirectoryCollector(svc.directory)
	} else {
		logger.Info("LDAP authentication disabled, using local profiles only")
	}

	var authenticator *auth.Authenticator
	var schema *graphql.Schema
	if directory != nil {
		authenticator = auth.NewAuthenticator(cfg, directory, store, classes, logger)
		schema = graphql.NewSchema(authenticator, svc.sessions, directory, store, cfg, logger)

		svc.controller = profilesync.NewController(directory, authenticator, store, cfg, logger)
		svc.controller.Start()
	} else {
		authenticator = auth.NewAuthenticator(cfg, nil, store, classes, logger)
		schema = graphql.NewSchema(authenticator, svc.sessions, nil, store, cfg, logger)
	}

	// Setup HTTP server
	srv := setupHTTPServer(cfg, schema, svc, logger)

	// Start metrics server in background
	go startMetricsServer(cfg, logger)

	// Start main server in background
	go func() {
		logger.WithField("port", cfg.Port).Info("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	// Wait for shutdown signal
	waitForShutdown(srv, svc, cfg, logger)
}

func setupLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

func openSessionStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (session.Store, error) {
	switch cfg.SessionBackend {
	case "memory", "":
		logger.Info("Using in-memory session store")
		return session.NewMemoryStore(), nil
	case "redis":
		logger.WithField("addr", cfg.RedisAddr).Info("Using Redis session store")
		client, err := session.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return session.NewRedisStore(client), nil
	default:
		return nil, &config.ConfigurationError{
			Key: "SESSION_BACKEND",
			Err: fmt.Errorf("unsupported session backend %q", cfg.SessionBackend),
		}
	}
}

func setupHTTPServer(cfg *config.Config, schema *graphql.Schema, svc *services, logger *logrus.Logger) *http.Server {
	mux := http.NewServeMux()

	// GraphQL endpoint
	gqlHandler := schema.Handler(cfg.IsDevelopment(), cfg.IsDevelopment())
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		// Handle CORS preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		gqlHandler.ServeHTTP(w, r)
	})

	// Health endpoint (liveness probe)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "ok",
		})
	})

	// Readiness endpoint (readiness probe)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")

		if err := checkReady(ctx, svc); err != nil {
			logger.WithError(err).Warn("Readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "ready",
		})
	})

	// Apply middleware
	authMw := auth.NewMiddleware(svc.sessions, logger)
	handler := authMw.ExtractToken(mux)
	handler = corsMiddleware(cfg)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = metricsMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func checkReady(ctx context.Context, svc *services) error {
	if err := svc.store.Ping(ctx); err != nil {
		return fmt.Errorf("profile store: %w", err)
	}
	if svc.directory != nil {
		if err := svc.directory.HealthCheck(ctx); err != nil {
			return fmt.Errorf("ldap: %w", err)
		}
	}
	return nil
}

func startMetricsServer(cfg *config.Config, logger *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: mux,
	}

	logger.WithField("port", cfg.MetricsPort).Info("Starting metrics server")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Error("Metrics server failed")
	}
}

// Middleware

func corsMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowedOrigin := "*"
			for _, allowed := range cfg.CORSOrigins {
				if origin == allowed {
					allowedOrigin = origin
					break
				}
			}

			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "3600")

			next.ServeHTTP(w, r)
		})
	}
}

func loggingMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			logger.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rw.statusCode,
				"duration":    time.Since(start).Milliseconds(),
				"remote_addr": r.RemoteAddr,
			}).Info("HTTP request")
		})
	}
}

func metricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			requestsTotal.WithLabelValues(r.Method, r.URL.Path, fmt.Sprintf("%d", rw.statusCode)).Inc()
			requestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// recoveryMiddleware recovers from panics and returns 500 error
func recoveryMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.WithFields(logrus.Fields{
						"error":  err,
						"stack":  string(debug.Stack()),
						"method": r.Method,
						"path":   r.URL.Path,
					}).Error("Panic recovered")

					panicsTotal.Inc()
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func waitForShutdown(srv *http.Server, svc *services, cfg *config.Config, logger *logrus.Logger) {
	// Create channel to listen for interrupt signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Block until signal received
	sig := <-quit
	logger.WithField("signal", sig.String()).Info("Shutdown signal received")

	timeout := 30 * time.Second
	if cfg.ShutdownTimeout > 0 {
		timeout = time.Duration(cfg.ShutdownTimeout) * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("Shutting down HTTP server...")
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}

	if svc.controller != nil {
		svc.controller.Stop()
	}

	if svc.directory != nil {
		logger.Info("Closing LDAP connections...")
		svc.directory.Close()
	}

	if err := svc.sessions.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close session store")
	}
	if err := svc.store.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close profile store")
	}

	logger.Info("Shutdown complete")
}
