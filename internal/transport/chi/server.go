// Package chi serves the operational surface: health, per-user usage
// reports and Prometheus metrics.
package chi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/naumanjadev/telegpt/internal/domain"
	usageuc "github.com/naumanjadev/telegpt/internal/usecase/usage"
)

// HealthChecker probes a backing dependency.
type HealthChecker func(ctx context.Context) error

// Server exposes the stats routes.
type Server struct {
	usage  *usageuc.Service
	health HealthChecker // nil means no dependency to probe
	logger *zap.Logger
}

// NewServer creates the stats server.
func NewServer(usage *usageuc.Service, health HealthChecker, logger *zap.Logger) *Server {
	return &Server{usage: usage, health: health, logger: logger}
}

// Router assembles the route tree with the standard middleware stack.
func (s *Server) Router(apiKeys []string) http.Handler {
	r := chi.NewRouter()
	r.Use(jsonRecoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(s.logger))
	r.Use(BearerAuthMiddleware(apiKeys))

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/usage/{user}", s.handleUsage)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "dependency unavailable: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")

	var id domain.Identity
	if user == domain.GuestPool.Key() {
		id = domain.GuestPool
	} else {
		n, err := strconv.ParseInt(user, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "user must be a positive id or \"guests\"")
			return
		}
		id = domain.Identity{ID: domain.UserID(n)}
	}

	writeJSON(w, http.StatusOK, s.usage.Report(id))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
