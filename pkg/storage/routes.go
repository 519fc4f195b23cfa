package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-deploy/internal/governance"
	"github.com/polisai/polis-deploy/pkg/domain"
	"github.com/polisai/polis-deploy/pkg/validator"
)

const (
	routeKeyPrefix = "route:"
	metaKeyPrefix  = "routemeta:"

	// DefaultRouteTTL bounds how long a route version is retained.
	DefaultRouteTTL = 30 * 24 * time.Hour

	fetchConcurrency = 8
)

func routeKey(tenantID, apiID string, version int) string {
	return fmt.Sprintf("%s%s:%s:v%d", routeKeyPrefix, tenantID, apiID, version)
}

func versionPrefix(tenantID, apiID string) string {
	return fmt.Sprintf("%s%s:%s:v", routeKeyPrefix, tenantID, apiID)
}

func tenantPrefix(tenantID string) string {
	return routeKeyPrefix + tenantID + ":"
}

func metaKey(tenantID, apiID string) string {
	return metaKeyPrefix + tenantID + ":" + apiID
}

// RouteStore is the append-only version history of tenant routes.
type RouteStore struct {
	kv        KVStore
	validator *validator.Validator
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time
	retry     *governance.RetryPolicy
}

// RouteStoreOption configures a RouteStore.
type RouteStoreOption func(*RouteStore)

// WithTTL overrides DefaultRouteTTL.
func WithTTL(ttl time.Duration) RouteStoreOption {
	return func(s *RouteStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) RouteStoreOption {
	return func(s *RouteStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RouteStoreOption {
	return func(s *RouteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetry sets how version conflicts during rollback are retried.
func WithRetry(cfg governance.RetryConfig) RouteStoreOption {
	return func(s *RouteStore) {
		s.retry = NewConflictRetry(cfg)
	}
}

// NewConflictRetry returns a retry policy that only retries version conflicts.
func NewConflictRetry(cfg governance.RetryConfig) *governance.RetryPolicy {
	return governance.NewRetryPolicy(cfg, func(err error) bool {
		return errors.Is(err, domain.ErrVersionConflict)
	})
}

// NewRouteStore creates a RouteStore. Every write is re-validated with v.
func NewRouteStore(kv KVStore, v *validator.Validator, opts ...RouteStoreOption) *RouteStore {
	s := &RouteStore{
		kv:        kv,
		validator: v,
		ttl:       DefaultRouteTTL,
		logger:    slog.Default(),
		now:       time.Now,
		retry:     NewConflictRetry(governance.DefaultRetryConfig()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveRoute persists entry, overwriting any existing value for its version,
// and refreshes the latest-metadata index.
func (s *RouteStore) SaveRoute(ctx context.Context, entry *domain.RouteEntry) error {
	data, err := s.prepare(entry)
	if err != nil {
		return err
	}
	key := routeKey(entry.Metadata.TenantID, entry.Metadata.APIID, entry.Metadata.Version)
	if err := s.kv.Put(ctx, key, data, s.ttl); err != nil {
		return &domain.StorageError{Op: "put", Key: key, Err: err}
	}
	return s.refreshIndex(ctx, entry.Metadata)
}

// CreateRoute persists entry only if its version does not exist yet. It
// returns VersionConflictError when another writer claimed the version first.
func (s *RouteStore) CreateRoute(ctx context.Context, entry *domain.RouteEntry) error {
	data, err := s.prepare(entry)
	if err != nil {
		return err
	}
	md := entry.Metadata
	key := routeKey(md.TenantID, md.APIID, md.Version)
	created, err := s.kv.PutIfAbsent(ctx, key, data, s.ttl)
	if err != nil {
		return &domain.StorageError{Op: "put", Key: key, Err: err}
	}
	if !created {
		return &domain.VersionConflictError{TenantID: md.TenantID, APIID: md.APIID, Version: md.Version}
	}
	return s.refreshIndex(ctx, md)
}

func (s *RouteStore) prepare(entry *domain.RouteEntry) ([]byte, error) {
	if entry == nil {
		return nil, &domain.ValidationError{Errors: []string{"route entry is required"}}
	}
	md := entry.Metadata
	if err := domain.ValidateRouteKey(md.TenantID, md.APIID); err != nil {
		return nil, err
	}
	if entry.Submission.TenantID != md.TenantID || entry.Submission.APIID != md.APIID {
		return nil, &domain.ValidationError{Errors: []string{"submission and metadata identify different routes"}}
	}
	if md.Version < 1 {
		return nil, &domain.ValidationError{Errors: []string{fmt.Sprintf("version must be positive, got %d", md.Version)}}
	}
	if !md.Status.Valid() {
		return nil, &domain.ValidationError{Errors: []string{fmt.Sprintf("unknown route status %q", md.Status)}}
	}
	if s.validator != nil {
		if report := s.validator.Validate(entry.Submission.Code); !report.IsValid {
			return nil, &domain.ValidationError{Errors: report.Errors, Warnings: report.Warnings}
		}
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, &domain.StorageError{Op: "encode", Key: routeKey(md.TenantID, md.APIID, md.Version), Err: err}
	}
	return data, nil
}

// refreshIndex moves the index forward. An older version never replaces a
// newer one. The read and the write are not atomic, so a concurrent writer
// can still push the index back; the version keys are authoritative and a
// writer that finds one newer than its own re-points a lagging index at it.
func (s *RouteStore) refreshIndex(ctx context.Context, md domain.RouteMetadata) error {
	current, err := s.LatestMetadata(ctx, md.TenantID, md.APIID)
	if err != nil {
		return err
	}
	if current == nil || current.Version <= md.Version {
		if err := s.putIndex(ctx, md); err != nil {
			return err
		}
	}

	versions, err := s.Versions(ctx, md.TenantID, md.APIID)
	if err != nil {
		return err
	}
	if len(versions) == 0 || versions[len(versions)-1] <= md.Version {
		return nil
	}
	newest, err := s.get(ctx, routeKey(md.TenantID, md.APIID, versions[len(versions)-1]))
	if err != nil || newest == nil {
		return err
	}
	current, err = s.LatestMetadata(ctx, md.TenantID, md.APIID)
	if err != nil {
		return err
	}
	if current != nil && current.Version >= newest.Metadata.Version {
		return nil
	}
	s.logger.Debug("index behind newest version, repairing",
		"tenant_id", md.TenantID, "api_id", md.APIID, "version", newest.Metadata.Version)
	return s.putIndex(ctx, newest.Metadata)
}

func (s *RouteStore) putIndex(ctx context.Context, md domain.RouteMetadata) error {
	key := metaKey(md.TenantID, md.APIID)
	data, err := json.Marshal(md)
	if err != nil {
		return &domain.StorageError{Op: "encode", Key: key, Err: err}
	}
	if err := s.kv.Put(ctx, key, data, s.ttl); err != nil {
		return &domain.StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// LatestMetadata returns the index entry for a route, or nil when none exists.
func (s *RouteStore) LatestMetadata(ctx context.Context, tenantID, apiID string) (*domain.RouteMetadata, error) {
	key := metaKey(tenantID, apiID)
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, &domain.StorageError{Op: "get", Key: key, Err: err}
	}
	if data == nil {
		return nil, nil
	}
	var md domain.RouteMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, &domain.StorageError{Op: "decode", Key: key, Err: err}
	}
	return &md, nil
}

// Versions returns the stored versions of a route in ascending order.
func (s *RouteStore) Versions(ctx context.Context, tenantID, apiID string) ([]int, error) {
	prefix := versionPrefix(tenantID, apiID)
	keys, err := s.kv.List(ctx, prefix)
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Key: prefix, Err: err}
	}
	versions := make([]int, 0, len(keys))
	for _, key := range keys {
		v, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
		if err != nil || v < 1 {
			continue
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions, nil
}

// NextVersion returns the highest stored version plus one, or 1 for a new route.
func (s *RouteStore) NextVersion(ctx context.Context, tenantID, apiID string) (int, error) {
	versions, err := s.Versions(ctx, tenantID, apiID)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 1, nil
	}
	return versions[len(versions)-1] + 1, nil
}

// LoadRoute returns one version of a route. Version 0 selects the latest.
// A missing route yields (nil, nil).
func (s *RouteStore) LoadRoute(ctx context.Context, tenantID, apiID string, version int) (*domain.RouteEntry, error) {
	if err := domain.ValidateRouteKey(tenantID, apiID); err != nil {
		return nil, err
	}
	if version <= 0 {
		versions, err := s.Versions(ctx, tenantID, apiID)
		if err != nil {
			return nil, err
		}
		if len(versions) == 0 {
			return nil, nil
		}
		version = versions[len(versions)-1]
	}
	return s.get(ctx, routeKey(tenantID, apiID, version))
}

func (s *RouteStore) get(ctx context.Context, key string) (*domain.RouteEntry, error) {
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, &domain.StorageError{Op: "get", Key: key, Err: err}
	}
	if data == nil {
		return nil, nil
	}
	var entry domain.RouteEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, &domain.StorageError{Op: "decode", Key: key, Err: err}
	}
	return &entry, nil
}

// ListUserRoutes returns the metadata of every stored version of every api of
// a tenant, sorted by api id ascending then version descending.
func (s *RouteStore) ListUserRoutes(ctx context.Context, tenantID string) ([]domain.RouteMetadata, error) {
	entries, err := s.listEntries(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RouteMetadata, len(entries))
	for i, e := range entries {
		out[i] = e.Metadata
	}
	return out, nil
}

func (s *RouteStore) listEntries(ctx context.Context, tenantID string) ([]*domain.RouteEntry, error) {
	if err := domain.ValidateIdentifier("tenant", tenantID); err != nil {
		return nil, err
	}
	prefix := tenantPrefix(tenantID)
	keys, err := s.kv.List(ctx, prefix)
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Key: prefix, Err: err}
	}

	entries := make([]*domain.RouteEntry, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			entry, err := s.get(gctx, key)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := entries[:0]
	for _, e := range entries {
		// Expired between List and Get.
		if e != nil {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Metadata, out[j].Metadata
		if a.APIID != b.APIID {
			return a.APIID < b.APIID
		}
		return a.Version > b.Version
	})
	return out, nil
}

// ListTenants returns every tenant with at least one indexed route, sorted.
func (s *RouteStore) ListTenants(ctx context.Context) ([]string, error) {
	keys, err := s.kv.List(ctx, metaKeyPrefix)
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Key: metaKeyPrefix, Err: err}
	}
	seen := make(map[string]struct{})
	var tenants []string
	for _, key := range keys {
		tenant, _, ok := strings.Cut(strings.TrimPrefix(key, metaKeyPrefix), ":")
		if !ok {
			continue
		}
		if _, dup := seen[tenant]; dup {
			continue
		}
		seen[tenant] = struct{}{}
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// ListAPIs returns the newest version metadata of every api of a tenant,
// sorted by api id. The index names the apis; the metadata is read from the
// version keys.
func (s *RouteStore) ListAPIs(ctx context.Context, tenantID string) ([]domain.RouteMetadata, error) {
	if err := domain.ValidateIdentifier("tenant", tenantID); err != nil {
		return nil, err
	}
	prefix := metaKeyPrefix + tenantID + ":"
	keys, err := s.kv.List(ctx, prefix)
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Key: prefix, Err: err}
	}

	latest := make([]*domain.RouteEntry, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			entry, err := s.LoadRoute(gctx, tenantID, strings.TrimPrefix(key, prefix), 0)
			if err != nil {
				return err
			}
			latest[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]domain.RouteMetadata, 0, len(latest))
	for _, entry := range latest {
		if entry != nil {
			out = append(out, entry.Metadata)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].APIID < out[j].APIID })
	return out, nil
}

// RollbackRoute appends a new active version that carries the code of
// targetVersion. The target entry is not modified.
func (s *RouteStore) RollbackRoute(ctx context.Context, tenantID, apiID string, targetVersion int) (*domain.RouteEntry, error) {
	if targetVersion < 1 {
		return nil, &domain.NotFoundError{TenantID: tenantID, APIID: apiID, Version: targetVersion}
	}
	target, err := s.LoadRoute(ctx, tenantID, apiID, targetVersion)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, &domain.NotFoundError{TenantID: tenantID, APIID: apiID, Version: targetVersion}
	}

	var created *domain.RouteEntry
	err = s.retry.Do(ctx, func(attempt int) error {
		next, err := s.NextVersion(ctx, tenantID, apiID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		entry := &domain.RouteEntry{
			Submission: target.Submission,
			Metadata: domain.RouteMetadata{
				TenantID:       tenantID,
				APIID:          apiID,
				Endpoint:       target.Metadata.Endpoint,
				Method:         target.Metadata.Method,
				Version:        next,
				Status:         domain.RouteStatusActive,
				CreatedAt:      now,
				UpdatedAt:      now,
				RolledBackFrom: targetVersion,
			},
		}
		if err := s.CreateRoute(ctx, entry); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				s.logger.Debug("rollback version claimed concurrently",
					"tenant_id", tenantID, "api_id", apiID, "version", next, "attempt", attempt)
			}
			return err
		}
		created = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rollback of %s/%s to version %d: %w", tenantID, apiID, targetVersion, err)
	}
	return created, nil
}

// UpdateStatus rewrites the lifecycle status of one stored version.
func (s *RouteStore) UpdateStatus(ctx context.Context, tenantID, apiID string, version int, status domain.RouteStatus) (*domain.RouteEntry, error) {
	entry, err := s.LoadRoute(ctx, tenantID, apiID, version)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, &domain.NotFoundError{TenantID: tenantID, APIID: apiID, Version: version}
	}
	entry.Metadata.Status = status
	entry.Metadata.UpdatedAt = s.now().UTC()
	if err := s.SaveRoute(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// DeleteRoute removes one version, or every version and the index when version is 0.
// Deleting something that does not exist is not an error.
func (s *RouteStore) DeleteRoute(ctx context.Context, tenantID, apiID string, version int) error {
	if err := domain.ValidateRouteKey(tenantID, apiID); err != nil {
		return err
	}
	versions, err := s.Versions(ctx, tenantID, apiID)
	if err != nil {
		return err
	}

	if version <= 0 {
		keys := make([]string, 0, len(versions)+1)
		for _, v := range versions {
			keys = append(keys, routeKey(tenantID, apiID, v))
		}
		keys = append(keys, metaKey(tenantID, apiID))
		if err := s.kv.Delete(ctx, keys...); err != nil {
			return &domain.StorageError{Op: "delete", Key: versionPrefix(tenantID, apiID), Err: err}
		}
		return nil
	}

	key := routeKey(tenantID, apiID, version)
	if err := s.kv.Delete(ctx, key); err != nil {
		return &domain.StorageError{Op: "delete", Key: key, Err: err}
	}
	return s.repairIndex(ctx, tenantID, apiID, version, versions)
}

// repairIndex points the index at the newest remaining version after deleted was removed.
func (s *RouteStore) repairIndex(ctx context.Context, tenantID, apiID string, deleted int, versions []int) error {
	current, err := s.LatestMetadata(ctx, tenantID, apiID)
	if err != nil || current == nil || current.Version != deleted {
		return err
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i] == deleted {
			continue
		}
		entry, err := s.get(ctx, routeKey(tenantID, apiID, versions[i]))
		if err != nil {
			return err
		}
		if entry != nil {
			return s.putIndex(ctx, entry.Metadata)
		}
	}
	key := metaKey(tenantID, apiID)
	if err := s.kv.Delete(ctx, key); err != nil {
		return &domain.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}
