package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-deploy/internal/governance"
	"github.com/polisai/polis-deploy/pkg/compiler"
	"github.com/polisai/polis-deploy/pkg/domain"
	"github.com/polisai/polis-deploy/pkg/policy"
	"github.com/polisai/polis-deploy/pkg/storage"
	"github.com/polisai/polis-deploy/pkg/telemetry"
)

var tracer = otel.Tracer("github.com/polisai/polis-deploy/pkg/engine")

// Deployment operations, used as metric labels.
const (
	OpDeploy   = "deploy"
	OpRollback = "rollback"
	OpUndeploy = "undeploy"
	OpRestore  = "restore"
)

const defaultMethod = "GET"

// Compiler turns source into a live handler.
type Compiler interface {
	Compile(ctx context.Context, source string, target compiler.Target) (*compiler.CompiledHandler, error)
}

// DeployerConfig wires a Deployer.
type DeployerConfig struct {
	Store    *storage.RouteStore
	Compiler Compiler
	Registry *RouteRegistry
	// Policy admits or denies a compiled handler before it is mounted. Nil admits everything.
	Policy policy.Filter
	// Limiter buckets are reset whenever a route is swapped.
	Limiter *governance.RateLimiter
	Metrics *telemetry.Metrics
	Retry   governance.RetryConfig
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Deployer sequences validation, persistence, compilation, admission and
// registry swaps. It is the only writer of the RouteRegistry.
type Deployer struct {
	store    *storage.RouteStore
	compiler Compiler
	registry *RouteRegistry
	policy   policy.Filter
	limiter  *governance.RateLimiter
	metrics  *telemetry.Metrics
	retry    *governance.RetryPolicy
	logger   *slog.Logger
	now      func() time.Time

	// keyLocks holds one *sync.Mutex per RouteKey. Registry swaps and the
	// status writes that follow them run under it.
	keyLocks sync.Map
}

// NewDeployer validates cfg and creates a Deployer.
func NewDeployer(cfg DeployerConfig) (*Deployer, error) {
	if cfg.Store == nil {
		return nil, errors.New("deployer: route store is required")
	}
	if cfg.Compiler == nil {
		return nil, errors.New("deployer: compiler is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("deployer: route registry is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.AllowAll
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Retry == (governance.RetryConfig{}) {
		cfg.Retry = governance.DefaultRetryConfig()
	}
	return &Deployer{
		store:    cfg.Store,
		compiler: cfg.Compiler,
		registry: cfg.Registry,
		policy:   cfg.Policy,
		limiter:  cfg.Limiter,
		metrics:  cfg.Metrics,
		retry:    storage.NewConflictRetry(cfg.Retry),
		logger:   cfg.Logger,
		now:      cfg.Clock,
	}, nil
}

// Registry returns the registry the Deployer mutates.
func (d *Deployer) Registry() *RouteRegistry {
	return d.registry
}

// DeploymentID derives the stable identifier of one route version.
func DeploymentID(tenantID, apiID string, version int) string {
	name := fmt.Sprintf("polis-deploy://%s/%s/v%d", tenantID, apiID, version)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// Deploy persists spec as the next version of the api, compiles it and mounts it.
// A compile failure or policy denial leaves the version persisted as draft. A
// version overtaken by a newer live version fails with ErrSuperseded and is
// persisted as inactive.
func (d *Deployer) Deploy(ctx context.Context, spec domain.DeploySpec, tenantID, apiID string) (info *domain.DeploymentInfo, err error) {
	ctx, span := tracer.Start(ctx, "deployer.deploy", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("api.id", apiID),
	))
	defer func() { d.finish(ctx, span, OpDeploy, tenantID, err) }()

	if err := domain.ValidateRouteKey(tenantID, apiID); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	spec.Method = normalizeMethod(spec.Method)

	var entry *domain.RouteEntry
	err = d.retry.Do(ctx, func(int) error {
		version, err := d.store.NextVersion(ctx, tenantID, apiID)
		if err != nil {
			return err
		}
		now := d.now().UTC()
		entry = &domain.RouteEntry{
			Submission: domain.SourceSubmission{TenantID: tenantID, APIID: apiID, Code: spec.Code, CreatedAt: now},
			Metadata: domain.RouteMetadata{
				TenantID:  tenantID,
				APIID:     apiID,
				Endpoint:  spec.Endpoint,
				Method:    spec.Method,
				Version:   version,
				Status:    domain.RouteStatusDraft,
				CreatedAt: now,
				UpdatedAt: now,
			},
		}
		return d.store.CreateRoute(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("route.version", entry.Metadata.Version))

	live, err := d.prepare(ctx, span, entry)
	if err != nil {
		d.logger.Info("deployment left as draft",
			"tenant_id", tenantID, "api_id", apiID, "version", entry.Metadata.Version, "error", err)
		return nil, err
	}

	activated, err := d.activate(ctx, live, domain.RouteStatusActive)
	if err != nil {
		return nil, err
	}

	d.logger.Info("deployment live",
		"tenant_id", tenantID, "api_id", apiID, "version", activated.Metadata.Version,
		"has_payment", live.Metadata.HasPayment)
	return projection(activated.Metadata, domain.DeploymentStatusDeployed), nil
}

// Rollback materialises targetVersion's code as a new version and mounts it.
func (d *Deployer) Rollback(ctx context.Context, tenantID, apiID string, targetVersion int) (info *domain.DeploymentInfo, err error) {
	ctx, span := tracer.Start(ctx, "deployer.rollback", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("api.id", apiID),
		attribute.Int("route.target_version", targetVersion),
	))
	defer func() { d.finish(ctx, span, OpRollback, tenantID, err) }()

	if err := domain.ValidateRouteKey(tenantID, apiID); err != nil {
		return nil, err
	}

	entry, err := d.store.RollbackRoute(ctx, tenantID, apiID, targetVersion)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("route.version", entry.Metadata.Version))

	live, err := d.prepare(ctx, span, entry)
	if err != nil {
		// The store wrote the rollback version as active; it never went live.
		if _, serr := d.store.UpdateStatus(ctx, tenantID, apiID, entry.Metadata.Version, domain.RouteStatusDraft); serr != nil {
			d.logger.Warn("failed to demote unmounted rollback version",
				"tenant_id", tenantID, "api_id", apiID, "version", entry.Metadata.Version, "error", serr)
		}
		return nil, err
	}

	activated, err := d.activate(ctx, live, domain.RouteStatusActive)
	if err != nil {
		return nil, err
	}

	d.logger.Info("rollback live",
		"tenant_id", tenantID, "api_id", apiID, "version", activated.Metadata.Version, "from", targetVersion)
	return projection(activated.Metadata, domain.DeploymentStatusRolledBack), nil
}

// Undeploy clears the live handler of an api and marks its latest version
// inactive. Clearing an api that is not mounted is a no-op. A failure to
// update the persisted status is logged and does not fail the call.
func (d *Deployer) Undeploy(ctx context.Context, tenantID, apiID string) (info *domain.DeploymentInfo, err error) {
	ctx, span := tracer.Start(ctx, "deployer.undeploy", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("api.id", apiID),
	))
	defer func() { d.finish(ctx, span, OpUndeploy, tenantID, err) }()

	if err := domain.ValidateRouteKey(tenantID, apiID); err != nil {
		return nil, err
	}

	key := domain.RouteKey{TenantID: tenantID, APIID: apiID}
	unlock := d.lockKey(key)
	defer unlock()

	removed, wasLive := d.registry.Unregister(key)
	if wasLive {
		d.limiter.Forget(key.String())
		d.observeRegistry()
	}
	span.SetAttributes(attribute.Bool("route.was_live", wasLive))

	info = &domain.DeploymentInfo{
		TenantID: tenantID,
		APIID:    apiID,
		Status:   domain.DeploymentStatusUndeployed,
	}
	if removed != nil {
		info.Version = removed.Version
		info.Endpoint = removed.Endpoint
		info.Method = removed.Method
	}

	latest, lerr := d.store.LoadRoute(ctx, tenantID, apiID, 0)
	switch {
	case lerr != nil:
		d.logger.Warn("undeploy could not load latest version", "tenant_id", tenantID, "api_id", apiID, "error", lerr)
	case latest == nil:
	default:
		md := latest.Metadata
		if md.Status != domain.RouteStatusInactive {
			updated, uerr := d.store.UpdateStatus(ctx, tenantID, apiID, md.Version, domain.RouteStatusInactive)
			if uerr != nil {
				d.logger.Warn("undeploy could not mark version inactive",
					"tenant_id", tenantID, "api_id", apiID, "version", md.Version, "error", uerr)
			} else {
				md = updated.Metadata
			}
		}
		info = projection(md, domain.DeploymentStatusUndeployed)
	}
	if removed != nil && (latest == nil || latest.Metadata.Version != removed.Version) {
		// A newer draft may sit above the version that was live.
		if _, uerr := d.store.UpdateStatus(ctx, tenantID, apiID, removed.Version, domain.RouteStatusInactive); uerr != nil {
			d.logger.Warn("undeploy could not mark version inactive",
				"tenant_id", tenantID, "api_id", apiID, "version", removed.Version, "error", uerr)
		}
	}
	if info.DeploymentID == "" && info.Version > 0 {
		info.DeploymentID = DeploymentID(tenantID, apiID, info.Version)
	}

	d.logger.Info("api undeployed", "tenant_id", tenantID, "api_id", apiID, "was_live", wasLive)
	return info, nil
}

// ListDeployments projects every stored version of a tenant's apis against the
// live registry.
func (d *Deployer) ListDeployments(ctx context.Context, tenantID string) ([]domain.DeploymentInfo, error) {
	routes, err := d.store.ListUserRoutes(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.DeploymentInfo, 0, len(routes))
	for _, md := range routes {
		out = append(out, *projection(md, d.statusOf(md)))
	}
	return out, nil
}

func (d *Deployer) statusOf(md domain.RouteMetadata) domain.DeploymentStatus {
	live, ok := d.registry.Lookup(domain.RouteKey{TenantID: md.TenantID, APIID: md.APIID})
	switch {
	case ok && live.Version == md.Version && md.RolledBackFrom > 0:
		return domain.DeploymentStatusRolledBack
	case ok && live.Version == md.Version:
		return domain.DeploymentStatusDeployed
	case md.Status == domain.RouteStatusDraft:
		return domain.DeploymentStatusError
	default:
		return domain.DeploymentStatusUndeployed
	}
}

// Restore rebuilds the registry from the store: for every api of every tenant
// the newest active version is compiled and mounted. Routes that fail are
// logged and skipped; their errors are joined into the returned error.
func (d *Deployer) Restore(ctx context.Context) (restored int, err error) {
	ctx, span := tracer.Start(ctx, "deployer.restore")
	defer func() { d.finish(ctx, span, OpRestore, "", err) }()

	tenants, err := d.store.ListTenants(ctx)
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, tenantID := range tenants {
		routes, err := d.store.ListUserRoutes(ctx, tenantID)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
			continue
		}
		for _, md := range newestActive(routes) {
			if err := ctx.Err(); err != nil {
				return restored, err
			}
			if err := d.restoreRoute(ctx, span, md); err != nil {
				d.logger.Error("failed to restore route",
					"tenant_id", md.TenantID, "api_id", md.APIID, "version", md.Version, "error", err)
				errs = append(errs, fmt.Errorf("%s/%s v%d: %w", md.TenantID, md.APIID, md.Version, err))
				continue
			}
			restored++
		}
	}

	span.SetAttributes(attribute.Int("routes.restored", restored))
	d.logger.Info("route registry restored", "tenants", len(tenants), "routes", restored, "failures", len(errs))
	return restored, errors.Join(errs...)
}

func (d *Deployer) restoreRoute(ctx context.Context, span trace.Span, md domain.RouteMetadata) error {
	entry, err := d.store.LoadRoute(ctx, md.TenantID, md.APIID, md.Version)
	if err != nil {
		return err
	}
	if entry == nil {
		return &domain.NotFoundError{TenantID: md.TenantID, APIID: md.APIID, Version: md.Version}
	}
	live, err := d.prepare(ctx, span, entry)
	if err != nil {
		return err
	}

	unlock := d.lockKey(live.Key)
	defer unlock()
	if current, mounted := d.mount(live); !mounted {
		d.logger.Info("newer version already live, skipping restore",
			"tenant_id", md.TenantID, "api_id", md.APIID, "version", md.Version, "live_version", current.Version)
	}
	return nil
}

// newestActive picks, per api, the highest version with active status.
// routes must be sorted by api ascending and version descending.
func newestActive(routes []domain.RouteMetadata) []domain.RouteMetadata {
	var out []domain.RouteMetadata
	seen := make(map[string]bool)
	for _, md := range routes {
		if seen[md.APIID] || md.Status != domain.RouteStatusActive {
			continue
		}
		seen[md.APIID] = true
		out = append(out, md)
	}
	return out
}

// prepare compiles an entry and runs deploy admission.
func (d *Deployer) prepare(ctx context.Context, span trace.Span, entry *domain.RouteEntry) (*LiveRoute, error) {
	md := entry.Metadata
	compiled, err := d.compiler.Compile(ctx, entry.Submission.Code, compiler.Target{
		TenantID: md.TenantID,
		APIID:    md.APIID,
		Version:  md.Version,
	})
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256([]byte(entry.Submission.Code))
	decision, err := d.policy.Evaluate(ctx, policy.Input{
		TenantID: md.TenantID,
		APIID:    md.APIID,
		Version:  md.Version,
		Endpoint: md.Endpoint,
		Method:   md.Method,
		CodeHash: hex.EncodeToString(sum[:]),
		CodeSize: len(entry.Submission.Code),
		Warnings: compiled.Warnings,
		Metadata: compiled.Metadata.AsMap(),
	})
	if err != nil {
		return nil, fmt.Errorf("deploy admission: %w", err)
	}
	telemetry.RecordPolicyDecision(span, decision)
	if !decision.Allowed() {
		return nil, &domain.PolicyDeniedError{Reason: decision.Reason}
	}

	return &LiveRoute{
		Key:            entry.Key(),
		Version:        md.Version,
		RolledBackFrom: md.RolledBackFrom,
		Endpoint:       md.Endpoint,
		Method:         md.Method,
		Handler:        compiled.Handler,
		Metadata:       compiled.Metadata,
		MountedAt:      d.now().UTC(),
	}, nil
}

// activate swaps live into the registry and flips its persisted status. A
// version older than the mounted one is refused and marked inactive. When the
// status write fails the previous handler is put back.
func (d *Deployer) activate(ctx context.Context, live *LiveRoute, status domain.RouteStatus) (*domain.RouteEntry, error) {
	unlock := d.lockKey(live.Key)
	defer unlock()

	previous, mounted := d.mount(live)
	if !mounted {
		if _, err := d.store.UpdateStatus(ctx, live.Key.TenantID, live.Key.APIID, live.Version, domain.RouteStatusInactive); err != nil {
			d.logger.Warn("failed to mark superseded version inactive",
				"tenant_id", live.Key.TenantID, "api_id", live.Key.APIID, "version", live.Version, "error", err)
		}
		d.logger.Info("deployment superseded",
			"tenant_id", live.Key.TenantID, "api_id", live.Key.APIID, "version", live.Version, "live_version", previous.Version)
		return nil, &domain.SupersededError{
			TenantID:    live.Key.TenantID,
			APIID:       live.Key.APIID,
			Version:     live.Version,
			LiveVersion: previous.Version,
		}
	}

	updated, err := d.store.UpdateStatus(ctx, live.Key.TenantID, live.Key.APIID, live.Version, status)
	if err != nil {
		if d.registry.restore(live.Key, live, previous) {
			d.observeRegistry()
		}
		return nil, err
	}

	if previous != nil && previous.Version != live.Version {
		if _, err := d.store.UpdateStatus(ctx, live.Key.TenantID, live.Key.APIID, previous.Version, domain.RouteStatusInactive); err != nil {
			d.logger.Warn("failed to mark superseded version inactive",
				"tenant_id", live.Key.TenantID, "api_id", live.Key.APIID, "version", previous.Version, "error", err)
		}
	}
	return updated, nil
}

// mount registers live unless a newer version holds its key. It returns the
// route that was mounted before the call.
func (d *Deployer) mount(live *LiveRoute) (*LiveRoute, bool) {
	previous, mounted := d.registry.RegisterIfNewer(live)
	if !mounted {
		return previous, false
	}
	d.limiter.Forget(live.Key.String())
	d.observeRegistry()
	return previous, true
}

func (d *Deployer) lockKey(key domain.RouteKey) func() {
	v, _ := d.keyLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (d *Deployer) observeRegistry() {
	if d.metrics != nil {
		d.metrics.SetLiveRoutes(d.registry.Len())
	}
}

func (d *Deployer) finish(ctx context.Context, span trace.Span, op, tenantID string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(domain.ErrorCode(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	telemetry.RecordDeploymentOperation(ctx, op, tenantID, outcome)
	if d.metrics != nil {
		d.metrics.RecordDeployment(op, outcome)
	}
	span.End()
}

func normalizeMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return defaultMethod
	}
	return method
}

func projection(md domain.RouteMetadata, status domain.DeploymentStatus) *domain.DeploymentInfo {
	return &domain.DeploymentInfo{
		DeploymentID: DeploymentID(md.TenantID, md.APIID, md.Version),
		TenantID:     md.TenantID,
		APIID:        md.APIID,
		Status:       status,
		Version:      md.Version,
		Endpoint:     md.Endpoint,
		Method:       md.Method,
		CreatedAt:    md.CreatedAt,
		UpdatedAt:    md.UpdatedAt,
	}
}
