// Package governance holds the runtime safety controls shared by the
// deployment engine: token bucket rate limiting for tenant traffic and
// bounded retries for optimistic version allocation.
package governance
