package engine

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-deploy/pkg/compiler"
	"github.com/polisai/polis-deploy/pkg/domain"
)

// LiveRoute is a compiled handler mounted for one tenant API.
type LiveRoute struct {
	Key     domain.RouteKey
	Version int
	// RolledBackFrom is non-zero when the mounted version was materialised by a rollback.
	RolledBackFrom int
	Endpoint       string
	Method         string
	Handler        compiler.Handler
	Metadata       compiler.Metadata
	MountedAt      time.Time
}

type routeTable map[domain.RouteKey]*LiveRoute

// RouteRegistry maps tenant APIs to their live handler. Readers never lock:
// every mutation builds a new table and swaps the pointer, so a lookup sees
// either the old handler or the new one.
type RouteRegistry struct {
	// writeMu serialises writers; readers only load the pointer.
	writeMu    sync.Mutex
	table      atomic.Pointer[routeTable]
	generation atomic.Uint64
}

// NewRouteRegistry creates an empty registry.
func NewRouteRegistry() *RouteRegistry {
	r := &RouteRegistry{}
	empty := routeTable{}
	r.table.Store(&empty)
	return r
}

// Lookup returns the live route for key.
func (r *RouteRegistry) Lookup(key domain.RouteKey) (*LiveRoute, bool) {
	route, ok := (*r.table.Load())[key]
	return route, ok
}

// Register mounts route, replacing whatever was mounted for its key. It
// returns the replaced route, if any.
func (r *RouteRegistry) Register(route *LiveRoute) *LiveRoute {
	var previous *LiveRoute
	r.update(func(next routeTable) bool {
		previous = next[route.Key]
		next[route.Key] = route
		return true
	})
	return previous
}

// RegisterIfNewer mounts route unless a higher version is already mounted for
// its key. Re-mounting the same version is allowed. On refusal it returns the
// mounted route and false.
func (r *RouteRegistry) RegisterIfNewer(route *LiveRoute) (*LiveRoute, bool) {
	var (
		previous *LiveRoute
		mounted  bool
	)
	r.update(func(next routeTable) bool {
		previous = next[route.Key]
		if previous != nil && previous.Version > route.Version {
			return false
		}
		next[route.Key] = route
		mounted = true
		return true
	})
	return previous, mounted
}

// Unregister clears key. It reports the removed route; clearing an absent key is a no-op.
func (r *RouteRegistry) Unregister(key domain.RouteKey) (*LiveRoute, bool) {
	if _, ok := r.Lookup(key); !ok {
		return nil, false
	}
	var removed *LiveRoute
	r.update(func(next routeTable) bool {
		removed = next[key]
		delete(next, key)
		return removed != nil
	})
	return removed, removed != nil
}

// restore puts previous back for key, or clears key when previous is nil. It
// only acts while expected is still the mounted route.
func (r *RouteRegistry) restore(key domain.RouteKey, expected, previous *LiveRoute) bool {
	return r.update(func(next routeTable) bool {
		if next[key] != expected {
			return false
		}
		if previous == nil {
			delete(next, key)
		} else {
			next[key] = previous
		}
		return true
	})
}

// update applies mutate to a copy of the table and publishes the copy when
// mutate reports a change.
func (r *RouteRegistry) update(mutate func(routeTable) bool) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current := *r.table.Load()
	next := make(routeTable, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	if !mutate(next) {
		return false
	}
	r.table.Store(&next)
	r.generation.Add(1)
	return true
}

// Len returns the number of mounted routes.
func (r *RouteRegistry) Len() int {
	return len(*r.table.Load())
}

// Generation increments on every mutation.
func (r *RouteRegistry) Generation() uint64 {
	return r.generation.Load()
}

// Snapshot returns the mounted routes sorted by tenant then api.
func (r *RouteRegistry) Snapshot() []*LiveRoute {
	table := *r.table.Load()
	routes := make([]*LiveRoute, 0, len(table))
	for _, route := range table {
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool {
		a, b := routes[i].Key, routes[j].Key
		if a.TenantID != b.TenantID {
			return a.TenantID < b.TenantID
		}
		return a.APIID < b.APIID
	})
	return routes
}
