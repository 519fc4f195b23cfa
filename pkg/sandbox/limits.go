package sandbox

import "time"

// Limits bound a single execution.
type Limits struct {
	Timeout time.Duration
	// MemoryLimitBytes caps request and response bodies crossing the sandbox boundary.
	MemoryLimitBytes int64
	MaxConcurrency   int
}

// DefaultLimits mirror the configuration defaults.
var DefaultLimits = Limits{
	Timeout:          5 * time.Second,
	MemoryLimitBytes: 10 << 20,
	MaxConcurrency:   10,
}

// merge fills zero fields of l from fallback.
func (l Limits) merge(fallback Limits) Limits {
	if l.Timeout <= 0 {
		l.Timeout = fallback.Timeout
	}
	if l.MemoryLimitBytes <= 0 {
		l.MemoryLimitBytes = fallback.MemoryLimitBytes
	}
	if l.MaxConcurrency <= 0 {
		l.MaxConcurrency = fallback.MaxConcurrency
	}
	return l
}
