package engine

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/polisai/polis-deploy/internal/governance"
	"github.com/polisai/polis-deploy/pkg/domain"
	"github.com/polisai/polis-deploy/pkg/telemetry"
)

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Registry *RouteRegistry
	// Prefix is the mount point, "/apis" by default.
	Prefix string
	// Next serves requests that do not reach a live handler. Defaults to 404.
	Next    http.Handler
	Limiter *governance.RateLimiter
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Dispatcher serves {prefix}/{tenant}/{apiID}/... from the live registry. The
// prefix and the two identifiers are stripped before the handler sees the request.
type Dispatcher struct {
	router   chi.Router
	registry *RouteRegistry
	next     http.Handler
	limiter  *governance.RateLimiter
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Registry == nil {
		panic("engine: dispatcher requires a route registry")
	}
	prefix := strings.TrimRight(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "/apis"
	}
	if cfg.Next == nil {
		cfg.Next = http.NotFoundHandler()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := &Dispatcher{
		registry: cfg.Registry,
		next:     cfg.Next,
		limiter:  cfg.Limiter,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}

	r := chi.NewRouter()
	r.Handle(prefix+"/{tenant}/{apiID}", http.HandlerFunc(d.dispatch))
	r.Handle(prefix+"/{tenant}/{apiID}/*", http.HandlerFunc(d.dispatch))
	r.NotFound(d.next.ServeHTTP)
	r.MethodNotAllowed(d.next.ServeHTTP)
	d.router = r
	return d
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.router.ServeHTTP(w, r)
}

func (d *Dispatcher) dispatch(w http.ResponseWriter, r *http.Request) {
	key := domain.RouteKey{
		TenantID: chi.URLParam(r, "tenant"),
		APIID:    chi.URLParam(r, "apiID"),
	}
	live, ok := d.registry.Lookup(key)
	if !ok {
		d.next.ServeHTTP(w, r)
		return
	}

	start := time.Now()
	rec := &telemetry.StatusRecorder{ResponseWriter: w, StatusCode: http.StatusOK}
	defer func() {
		if d.metrics != nil {
			d.metrics.RecordDispatch(key.TenantID, rec.StatusCode, time.Since(start))
		}
	}()

	allowed, remaining := d.limiter.Allow(key.String())
	if remaining >= 0 {
		governance.WriteRateLimitHeaders(rec, d.limiter.Config().RequestsPerSecond, remaining, time.Now().Add(time.Second))
	}
	if !allowed {
		if d.metrics != nil {
			d.metrics.RecordRateLimited(key.TenantID)
		}
		writeJSONError(rec, http.StatusTooManyRequests, domain.ErrorResponse{
			Code:    "RATE_LIMITED",
			Message: "rate limit exceeded for " + key.String(),
		})
		return
	}

	live.Handler.ServeHTTP(rec, stripRoutePrefix(r, "/"+chi.URLParam(r, "*")))
}

// stripRoutePrefix returns a shallow copy of r whose path is rest.
func stripRoutePrefix(r *http.Request, rest string) *http.Request {
	r2 := new(http.Request)
	*r2 = *r
	r2.URL = new(url.URL)
	*r2.URL = *r.URL
	r2.URL.Path = rest
	r2.URL.RawPath = ""
	return r2
}

func writeJSONError(w http.ResponseWriter, status int, body domain.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
