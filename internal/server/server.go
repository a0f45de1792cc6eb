// Package server is the coordinator's HTTP surface: upload placement, the
// shard control plane, namespace operations, shares, and the worker
// WebSocket endpoint.
package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/flotillahq/flotilla/internal/dispatch"
	"github.com/flotillahq/flotilla/internal/namespace"
	"github.com/flotillahq/flotilla/internal/ratelimit"
	"github.com/flotillahq/flotilla/internal/registry"
	"github.com/flotillahq/flotilla/internal/signing"
	"github.com/flotillahq/flotilla/internal/storage"
)

// Server is the coordinator HTTP server.
type Server struct {
	db      *storage.DB
	reg     *registry.Registry
	ns      *namespace.Service
	disp    *dispatch.Dispatcher
	tokens  *signing.TokenCodec
	limiter *ratelimit.Keeper
	mux     *http.ServeMux
}

// New creates a Server with all routes registered.
func New(db *storage.DB, reg *registry.Registry, ns *namespace.Service, disp *dispatch.Dispatcher, tokens *signing.TokenCodec) *Server {
	s := &Server{
		db:      db,
		reg:     reg,
		ns:      ns,
		disp:    disp,
		tokens:  tokens,
		limiter: ratelimit.NewKeeper(300, time.Minute),
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler with per-IP rate limiting.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(getIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	s.mux.ServeHTTP(w, r)
}

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Upload placement
	s.mux.HandleFunc("GET /api/uploads/servers", s.handleUploadServers)
	s.mux.HandleFunc("GET /api/uploads/target", s.handleUploadTarget)
	s.mux.HandleFunc("POST /api/uploads", s.handleCreateUpload)

	// Shard control plane
	s.mux.HandleFunc("GET /coordinator/v1/ping", s.shardAuth(s.handlePing))
	s.mux.HandleFunc("POST /coordinator/v1/ping-info", s.shardAuth(s.handlePingInfo))
	s.mux.HandleFunc("POST /coordinator/v1/ack", s.shardAuth(s.handleAck))
	s.mux.HandleFunc("GET /coordinator/v1/find-file-work", s.shardAuth(s.handleFindFileWork))
	s.mux.HandleFunc("POST /coordinator/v1/mark-file", s.shardAuth(s.handleMarkFile))
	s.mux.HandleFunc("POST /coordinator/v1/ack-preview", s.shardAuth(s.handleAckPreview))
	s.mux.HandleFunc("POST /coordinator/v1/ack-meta", s.shardAuth(s.handleAckMeta))
	s.mux.HandleFunc("GET /coordinator/v1/validate-token", s.shardAuth(s.handleValidateToken))

	// Namespace
	s.mux.HandleFunc("GET /api/files/{alias}", s.handleResolve)
	s.mux.HandleFunc("GET /api/files/{id}/breadcrumbs", s.handleBreadcrumbs)
	s.mux.HandleFunc("GET /api/files/{id}/children", s.handleListChildren)
	s.mux.HandleFunc("GET /api/files", s.handleListRoot)
	s.mux.HandleFunc("POST /api/folders", s.handleMkdir)
	s.mux.HandleFunc("POST /api/files/move", s.handleMove)
	s.mux.HandleFunc("POST /api/files/rename", s.handleRename)
	s.mux.HandleFunc("POST /api/files/{id}/view-urls", s.handleViewURLs)

	// Shares
	s.mux.HandleFunc("POST /api/files/{id}/share", s.handleCreateShare)
	s.mux.HandleFunc("GET /api/shares", s.handleListShares)
	s.mux.HandleFunc("DELETE /api/shares/{id}", s.handleDeleteShare)
	s.mux.HandleFunc("GET /s/{shareId}", s.handleResolveShare)

	// Worker transport
	s.mux.HandleFunc("GET /ws/worker", dispatch.HandleWorker(s.disp, s.reg))
}

// handleHealth reports registry and dispatcher state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"service":  "flotilla",
		"shards":   s.reg.Snapshot(),
		"dispatch": s.disp.Snapshot(),
	})
}

// shardAuth wraps a control-plane handler with header credential checks.
// Authentication is constant time in the secret comparison.
func (s *Server) shardAuth(next func(w http.ResponseWriter, r *http.Request, shard registry.Shard)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		shard, err := s.reg.Authenticate(r.Header.Get("X-Shard-ID"), r.Header.Get("X-Shard-Key"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid shard credentials")
			return
		}
		next(w, r, shard)
	}
}

// requesterID reads the authenticated user from the gateway header. Nil
// means an anonymous request.
func requesterID(r *http.Request) *string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return &v
	}
	return nil
}

// requireUser is requesterID for endpoints that make no sense anonymously.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	u := requesterID(r)
	if u == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return *u, true
}

// decodeBody parses a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps service errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, namespace.ErrNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, storage.ErrShareNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, namespace.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, namespace.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, registry.ErrNoHealthyShard),
		errors.Is(err, namespace.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// getIP extracts the client IP from a request, respecting X-Forwarded-For
// for proxied deployments.
func getIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}
