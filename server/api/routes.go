// Package api provides the HTTP API of the object server.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/specklesystems/speckle-server-sub009/config"
	"github.com/specklesystems/speckle-server-sub009/proto"
	"github.com/specklesystems/speckle-server-sub009/server/auth"
	"github.com/specklesystems/speckle-server-sub009/server/store"
)

// Handler wraps the store and config for HTTP handlers.
type Handler struct {
	db      *store.DB
	cfg     *config.ServerConfig
	tokens  *auth.TokenService
	log     *slog.Logger
	metrics *serverMetrics
}

// NewHandler creates a new API handler. reg receives the server metrics;
// nil uses a private registry.
func NewHandler(db *store.DB, cfg *config.ServerConfig, logger *slog.Logger, reg *prometheus.Registry) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m, err := newServerMetrics(reg)
	if err != nil {
		return nil, err
	}
	h := &Handler{db: db, cfg: cfg, log: logger, metrics: m}
	if cfg.AuthSecret != "" {
		h.tokens = auth.NewTokenService([]byte(cfg.AuthSecret), auth.DefaultIssuer, time.Hour)
	}
	return h, nil
}

// NewRouter creates the HTTP router with all routes registered.
func NewRouter(db *store.DB, cfg *config.ServerConfig, logger *slog.Logger, reg *prometheus.Registry) (http.Handler, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	h, err := NewHandler(db, cfg, logger, reg)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{DisableCompression: true}))

	// Stream-scoped routes
	mux.Handle("GET /objects/{streamId}/{objectId}/single", h.WithAuth(http.HandlerFunc(h.GetObject)))
	mux.Handle("POST /api/getobjects/{streamId}", h.WithAuth(http.HandlerFunc(h.GetObjects)))
	mux.Handle("POST /objects/{streamId}", h.WithAuth(http.HandlerFunc(h.Upload)))
	mux.Handle("POST /api/diff/{streamId}", h.WithAuth(http.HandlerFunc(h.Diff)))

	return h.WithDefaults(mux), nil
}

// ----- Health -----

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, proto.HealthResponse{
		Status:  "ok",
		Version: h.cfg.Version,
	})
}

// ----- Helpers -----

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", proto.ContentTypeJSON)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := proto.ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	w.Header().Set("Content-Type", proto.ContentTypeJSON)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
