// Package admin exposes the deployment lifecycle over HTTP.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-deploy/pkg/domain"
	"github.com/polisai/polis-deploy/pkg/telemetry"
	"github.com/polisai/polis-deploy/pkg/validator"
)

const maxRequestBodySize = 1 << 20

// Deployments is the lifecycle surface served by the admin API.
type Deployments interface {
	Deploy(ctx context.Context, spec domain.DeploySpec, tenantID, apiID string) (*domain.DeploymentInfo, error)
	Rollback(ctx context.Context, tenantID, apiID string, targetVersion int) (*domain.DeploymentInfo, error)
	Undeploy(ctx context.Context, tenantID, apiID string) (*domain.DeploymentInfo, error)
	ListDeployments(ctx context.Context, tenantID string) ([]domain.DeploymentInfo, error)
}

// Routes is the read side of the versioned route store.
type Routes interface {
	ListUserRoutes(ctx context.Context, tenantID string) ([]domain.RouteMetadata, error)
	ListAPIs(ctx context.Context, tenantID string) ([]domain.RouteMetadata, error)
	LoadRoute(ctx context.Context, tenantID, apiID string, version int) (*domain.RouteEntry, error)
}

// Config wires the admin server.
type Config struct {
	Deployments Deployments
	Routes      Routes
	Validator   *validator.Validator
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
}

// Server routes admin requests.
type Server struct {
	deployments Deployments
	routes      Routes
	validator   *validator.Validator
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	router      chi.Router
}

// NewServer builds the admin router.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Deployments == nil {
		return nil, errors.New("admin: deployments are required")
	}
	if cfg.Routes == nil {
		return nil, errors.New("admin: routes are required")
	}
	if cfg.Validator == nil {
		return nil, errors.New("admin: validator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		deployments: cfg.Deployments,
		routes:      cfg.Routes,
		validator:   cfg.Validator,
		metrics:     cfg.Metrics,
		logger:      logger,
	}
	s.router = s.buildRouter()
	return s, nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	if s.metrics != nil {
		r.Use(s.metrics.Middleware(routePattern))
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/validate", s.validate)
		r.Route("/tenants/{tenant}", func(r chi.Router) {
			r.Get("/deployments", s.listDeployments)
			r.Get("/routes", s.listRoutes)
			r.Get("/apis", s.listAPIs)
			r.Route("/apis/{apiID}", func(r chi.Router) {
				r.Post("/deployments", s.deploy)
				r.Post("/rollback", s.rollback)
				r.Delete("/deployment", s.undeploy)
				r.Get("/versions/{version}", s.getVersion)
			})
		})
	})
	return r
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type rollbackRequest struct {
	Version int `json:"version"`
}

type validateRequest struct {
	Code string `json:"code"`
}

func (s *Server) deploy(w http.ResponseWriter, r *http.Request) {
	spec, ok := readJSON[domain.DeploySpec](w, r)
	if !ok {
		return
	}
	info, err := s.deployments.Deploy(r.Context(), spec, chi.URLParam(r, "tenant"), chi.URLParam(r, "apiID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) rollback(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[rollbackRequest](w, r)
	if !ok {
		return
	}
	if req.Version < 1 {
		writeError(w, r, http.StatusBadRequest, domain.ErrorResponse{
			Code:    "VALIDATION_FAILED",
			Message: "version must be a positive integer",
		})
		return
	}
	info, err := s.deployments.Rollback(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "apiID"), req.Version)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) undeploy(w http.ResponseWriter, r *http.Request) {
	info, err := s.deployments.Undeploy(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "apiID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) listDeployments(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	if err := domain.ValidateIdentifier("tenant", tenantID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	infos, err := s.deployments.ListDeployments(r.Context(), tenantID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if infos == nil {
		infos = []domain.DeploymentInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	if err := domain.ValidateIdentifier("tenant", tenantID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	routes, err := s.routes.ListUserRoutes(r.Context(), tenantID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if routes == nil {
		routes = []domain.RouteMetadata{}
	}
	writeJSON(w, http.StatusOK, routes)
}

// listAPIs returns the newest version of each api.
func (s *Server) listAPIs(w http.ResponseWriter, r *http.Request) {
	apis, err := s.routes.ListAPIs(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if apis == nil {
		apis = []domain.RouteMetadata{}
	}
	writeJSON(w, http.StatusOK, apis)
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	tenantID, apiID := chi.URLParam(r, "tenant"), chi.URLParam(r, "apiID")
	if err := domain.ValidateRouteKey(tenantID, apiID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		writeError(w, r, http.StatusBadRequest, domain.ErrorResponse{
			Code:    "VALIDATION_FAILED",
			Message: "version must be a positive integer",
		})
		return
	}

	entry, err := s.routes.LoadRoute(r.Context(), tenantID, apiID, version)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if entry == nil {
		s.writeDomainError(w, r, &domain.NotFoundError{TenantID: tenantID, APIID: apiID, Version: version})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[validateRequest](w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.validator.Validate(req.Code))
}

// StatusFor maps a lifecycle error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPolicyDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrStructural), errors.Is(err, domain.ErrExecution):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrAdmissionRejected):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrStorage):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "Admin request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.DebugContext(r.Context(), "Admin request rejected", "path", r.URL.Path, "status", status, "error", err)
	}

	resp := domain.ErrorResponse{Code: domain.ErrorCode(err), Message: err.Error()}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		resp.Details = verr.Errors
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, r, status, resp)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, resp domain.ErrorResponse) {
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		resp.TraceID = sc.TraceID().String()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, domain.ErrorResponse{
				Code:    "VALIDATION_FAILED",
				Message: "request body too large",
			})
		} else {
			writeError(w, r, http.StatusBadRequest, domain.ErrorResponse{
				Code:    "VALIDATION_FAILED",
				Message: "invalid request body",
			})
		}
		return v, false
	}
	return v, true
}
