// Package api serves the docloop HTTP API: lifecycle and webhook intake,
// graph queries, impact analysis, snapshots, review triggers and a websocket
// change stream.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keboola/docloop/internal/docloop"
	"github.com/keboola/docloop/internal/graph"
	"github.com/keboola/docloop/internal/metrics"
	"github.com/keboola/docloop/internal/review"
	"github.com/keboola/docloop/pkg/config"
	"github.com/keboola/docloop/pkg/messages"
)

// maxBodyBytes bounds request bodies, webhook payloads included
const maxBodyBytes = 5 << 20

// Server represents the HTTP API server
type Server struct {
	app      *docloop.App
	config   *config.Config
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(app *docloop.App) *Server {
	s := &Server{
		app:     app,
		config:  app.Config(),
		metrics: metrics.NewMetrics(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Health and metrics
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	// Intake
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/events/recent", s.handleRecentEvents)
	mux.HandleFunc("/api/v1/events/stream", s.handleEventStream)
	mux.HandleFunc("/api/v1/webhooks/github", s.handleGitHubWebhook)

	// Graph
	mux.HandleFunc("/api/v1/nodes", s.handleNodes)
	mux.HandleFunc("/api/v1/nodes/", s.handleNode)
	mux.HandleFunc("/api/v1/edges", s.handleEdges)
	mux.HandleFunc("/api/v1/documents", s.handleDocuments)
	mux.HandleFunc("/api/v1/skills", s.handleSkills)
	mux.HandleFunc("/api/v1/impact/", s.handleImpact)
	mux.HandleFunc("/api/v1/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/v1/stats", s.handleStats)

	// Reviews
	mux.HandleFunc("/api/v1/reviews", s.handleReviews)
	mux.HandleFunc("/api/v1/reviews/", s.handleReview)

	handler := s.loggingMiddleware(mux)
	handler = s.corsMiddleware(handler)
	return handler
}

// handleHealth handles GET /api/v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	checks := s.app.Health(r.Context())
	status := http.StatusOK
	for _, v := range checks {
		if v != "ok" {
			status = http.StatusServiceUnavailable
		}
	}
	s.respondJSON(w, status, map[string]interface{}{
		"status": http.StatusText(status),
		"checks": checks,
	})
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// loggingMiddleware records request counts and latency by route
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, routeOf(r.URL.Path), strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

// routeOf collapses ids out of a path to keep metric cardinality bounded
func routeOf(path string) string {
	for _, prefix := range []string{"/api/v1/nodes/", "/api/v1/impact/", "/api/v1/reviews/"} {
		if strings.HasPrefix(path, prefix) {
			return prefix + ":id"
		}
	}
	return path
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range s.config.Security.AllowedOrigins {
			if allowed == "*" || allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				break
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Hub-Signature-256, X-GitHub-Event")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.Security.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps engine errors onto HTTP statuses
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, graph.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, graph.ErrInvalidType), errors.Is(err, messages.ErrInvalidEvent):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, graph.ErrProtectedNode), errors.Is(err, review.ErrTerminal), errors.Is(err, review.ErrNotPending):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, graph.ErrConcurrentModification):
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// parseJSON parses JSON request body
func (s *Server) parseJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// extractID returns everything after prefix. Node ids contain slashes, so
// the remainder is kept whole.
func (s *Server) extractID(path, prefix string) string {
	id := strings.TrimPrefix(path, prefix)
	id = strings.TrimPrefix(id, "/")
	return strings.TrimSuffix(id, "/")
}
