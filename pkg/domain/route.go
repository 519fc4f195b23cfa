package domain

import (
	"fmt"
	"regexp"
	"time"
)

// RouteStatus is the lifecycle state of a persisted route version.
type RouteStatus string

const (
	// RouteStatusDraft marks a version that was persisted but never activated.
	RouteStatusDraft RouteStatus = "draft"
	// RouteStatusActive marks a version that compiled and was mounted.
	RouteStatusActive RouteStatus = "active"
	// RouteStatusInactive marks a version that was undeployed.
	RouteStatusInactive RouteStatus = "inactive"
)

// Valid reports whether s is one of the known lifecycle states.
func (s RouteStatus) Valid() bool {
	switch s {
	case RouteStatusDraft, RouteStatusActive, RouteStatusInactive:
		return true
	}
	return false
}

// SourceSubmission is the code a tenant submitted for one API. Immutable once stored.
type SourceSubmission struct {
	TenantID  string    `json:"tenantId"`
	APIID     string    `json:"apiId"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"createdAt"`
}

// RouteMetadata describes one version of a tenant API.
type RouteMetadata struct {
	TenantID  string      `json:"tenantId"`
	APIID     string      `json:"apiId"`
	Endpoint  string      `json:"endpoint"`
	Method    string      `json:"method"`
	Version   int         `json:"version"`
	Status    RouteStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
	// RolledBackFrom is the version whose code this version re-materialised.
	// Zero for versions created by a regular deploy.
	RolledBackFrom int `json:"rolledBackFrom,omitempty"`
}

// RouteEntry is the unit persisted by the versioned route store.
type RouteEntry struct {
	Submission SourceSubmission `json:"submission"`
	Metadata   RouteMetadata    `json:"metadata"`
}

// Key identifies the (tenant, api) pair of the entry.
func (e *RouteEntry) Key() RouteKey {
	return RouteKey{TenantID: e.Metadata.TenantID, APIID: e.Metadata.APIID}
}

// RouteKey identifies a tenant API independently of its version.
type RouteKey struct {
	TenantID string
	APIID    string
}

func (k RouteKey) String() string {
	return k.TenantID + "/" + k.APIID
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateIdentifier checks that a tenant or api identifier is usable as a
// storage key segment.
func ValidateIdentifier(kind, value string) error {
	if !identifierPattern.MatchString(value) {
		return &InvalidIdentifierError{Kind: kind, Value: value}
	}
	return nil
}

// ValidateRouteKey validates both halves of a route key.
func ValidateRouteKey(tenantID, apiID string) error {
	if err := ValidateIdentifier("tenant", tenantID); err != nil {
		return err
	}
	return ValidateIdentifier("api", apiID)
}

// DeploySpec is what a caller submits to create a new deployment.
type DeploySpec struct {
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
	Code     string `json:"code"`
}

// Validate checks the fields that are not covered by code validation.
func (s DeploySpec) Validate() error {
	if s.Endpoint == "" || s.Endpoint[0] != '/' {
		return &ValidationError{Errors: []string{fmt.Sprintf("endpoint must start with '/': %q", s.Endpoint)}}
	}
	return nil
}
