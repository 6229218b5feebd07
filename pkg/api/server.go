// Package api exposes the provenance core over HTTP for presentation
// clients. It owns actor extraction, error-kind to status mapping, and
// the retry-once policy on stale-record conflicts; it never renders
// user-facing text beyond the structured error envelope.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agritrace/provenance/pkg/ledger"
	"github.com/agritrace/provenance/pkg/metastore"
	"github.com/agritrace/provenance/pkg/provenance"
	"github.com/agritrace/provenance/pkg/reconstruct"
	"github.com/agritrace/provenance/pkg/roles"
)

// Server wires the provenance core behind an HTTP router.
type Server struct {
	engine   *reconstruct.Engine
	machine  *provenance.TransferMachine
	writer   ledger.Writer
	meta     metastore.Store
	roles    *roles.Cache
	identity roles.IdentityExtractor
	limits   provenance.MintLimits
	cors     []string
	log      *slog.Logger
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithIdentityExtractor replaces the default X-Actor header extractor.
func WithIdentityExtractor(extract roles.IdentityExtractor) ServerOption {
	return func(s *Server) { s.identity = extract }
}

// WithMintLimits overrides the mint validation bounds.
func WithMintLimits(limits provenance.MintLimits) ServerOption {
	return func(s *Server) { s.limits = limits }
}

// WithCORSOrigins sets the allowed CORS origins. Empty allows none.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) { s.cors = origins }
}

// NewServer creates an API server over the core components.
func NewServer(engine *reconstruct.Engine, writer ledger.Writer, meta metastore.Store, roleCache *roles.Cache, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:   engine,
		machine:  provenance.NewTransferMachine(),
		writer:   writer,
		meta:     meta,
		roles:    roleCache,
		identity: roles.HeaderIdentityExtractor,
		limits:   provenance.DefaultMintLimits(),
		log:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router mounts all routes and middleware.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(s.cors) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cors,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", roles.ActorHeader},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readyHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/batches", s.mintHandler)
		r.Get("/batches", s.catalogHandler)
		r.Get("/batches/{id}", s.batchHandler)
		r.Get("/batches/{id}/history", s.historyHandler)
		r.Post("/batches/{id}/initialize", s.initializeHandler)
		r.Post("/batches/{id}/transfer", s.transferHandler)
		r.Post("/batches/{id}/consume", s.consumeHandler)

		r.Get("/actors/{id}/batches", s.actorBatchesHandler)
		r.Get("/actors/{id}/role", s.actorRoleHandler)
		r.Post("/roles", s.assignRoleHandler)
		r.Post("/roles/refresh", s.refreshRolesHandler)

		r.Post("/metadata", s.uploadMetadataHandler)
		r.Get("/metadata/{hash}", s.fetchMetadataHandler)
	})
	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyHandler reports ready once the ledger answers a scan.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := s.engine.ActorBatches(r.Context(), "readiness-probe"); err != nil {
		writeError(w, http.StatusServiceUnavailable, provenance.CodeLedgerUnavailable, "ledger not reachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// actor extracts the acting identity or writes a 403.
func (s *Server) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := s.identity(r)
	if id == "" {
		writeError(w, http.StatusForbidden, provenance.CodeUnauthorized, "no acting identity supplied")
		return "", false
	}
	if err := provenance.ValidateIdentity(id); err != nil {
		writeDomainError(w, err)
		return "", false
	}
	return id, true
}
