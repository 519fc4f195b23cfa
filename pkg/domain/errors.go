package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors. Every typed error below matches exactly one of them via errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrExecution         = errors.New("execution failed")
	ErrTimeout           = errors.New("execution timed out")
	ErrAdmissionRejected = errors.New("admission rejected")
	ErrStorage           = errors.New("storage failure")
	ErrNotFound          = errors.New("not found")
	ErrStructural        = errors.New("invalid application structure")
	ErrVersionConflict   = errors.New("version conflict")
	ErrSuperseded        = errors.New("version superseded")
	ErrPolicyDenied      = errors.New("deployment denied by policy")
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

// ValidationError carries every static policy violation found in a submission.
type ValidationError struct {
	Errors   []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return ErrValidation.Error()
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ExecutionError is a runtime fault raised inside the sandbox.
type ExecutionError struct {
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrExecution, e.Message)
}

func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }

// TimeoutError reports that an execution exceeded its time budget.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %s", e.Limit)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// AdmissionRejectedError reports that the concurrency ceiling was reached.
// Callers should retry with backoff.
type AdmissionRejectedError struct {
	InFlight int
	Limit    int
}

func (e *AdmissionRejectedError) Error() string {
	return fmt.Sprintf("admission rejected: %d executions in flight (limit %d)", e.InFlight, e.Limit)
}

func (e *AdmissionRejectedError) Is(target error) bool { return target == ErrAdmissionRejected }

// StorageError wraps a fault raised by the key-value collaborator.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func (e *StorageError) Unwrap() error { return e.Err }

// NotFoundError reports a missing route or version.
type NotFoundError struct {
	TenantID string
	APIID    string
	Version  int
}

func (e *NotFoundError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("route %s/%s version %d not found", e.TenantID, e.APIID, e.Version)
	}
	return fmt.Sprintf("route %s/%s not found", e.TenantID, e.APIID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// StructuralError reports a compiled artifact without the handler capability.
type StructuralError struct {
	Detail string
}

func (e *StructuralError) Error() string {
	if e.Detail == "" {
		return ErrStructural.Error()
	}
	return fmt.Sprintf("%s: %s", ErrStructural, e.Detail)
}

func (e *StructuralError) Is(target error) bool { return target == ErrStructural }

// VersionConflictError is returned by compare-and-swap writes when the version key already exists.
type VersionConflictError struct {
	TenantID string
	APIID    string
	Version  int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version %d of %s/%s already exists", e.Version, e.TenantID, e.APIID)
}

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// SupersededError reports a version that lost the race to go live against a
// newer version of the same api.
type SupersededError struct {
	TenantID    string
	APIID       string
	Version     int
	LiveVersion int
}

func (e *SupersededError) Error() string {
	return fmt.Sprintf("version %d of %s/%s superseded by live version %d", e.Version, e.TenantID, e.APIID, e.LiveVersion)
}

func (e *SupersededError) Is(target error) bool { return target == ErrSuperseded }

// PolicyDeniedError reports a deployment blocked by the admission policy.
type PolicyDeniedError struct {
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	if e.Reason == "" {
		return ErrPolicyDenied.Error()
	}
	return fmt.Sprintf("%s: %s", ErrPolicyDenied, e.Reason)
}

func (e *PolicyDeniedError) Is(target error) bool { return target == ErrPolicyDenied }

// InvalidIdentifierError reports a tenant or api id that cannot be used as a key segment.
type InvalidIdentifierError struct {
	Kind  string
	Value string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid %s identifier %q", e.Kind, e.Value)
}

func (e *InvalidIdentifierError) Is(target error) bool { return target == ErrInvalidIdentifier }

// ErrorResponse defines the standard JSON error model returned by the admin API.
// TraceID carries the current OpenTelemetry trace identifier when available.
type ErrorResponse struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
	TraceID string   `json:"trace_id,omitempty"`
}

// ErrorCode maps an error to the machine-readable code used in ErrorResponse.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION_FAILED"
	case errors.Is(err, ErrInvalidIdentifier):
		return "INVALID_IDENTIFIER"
	case errors.Is(err, ErrTimeout):
		return "EXECUTION_TIMEOUT"
	case errors.Is(err, ErrAdmissionRejected):
		return "ADMISSION_REJECTED"
	case errors.Is(err, ErrExecution):
		return "EXECUTION_FAILED"
	case errors.Is(err, ErrStructural):
		return "INVALID_STRUCTURE"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrVersionConflict):
		return "VERSION_CONFLICT"
	case errors.Is(err, ErrSuperseded):
		return "SUPERSEDED"
	case errors.Is(err, ErrPolicyDenied):
		return "POLICY_DENIED"
	case errors.Is(err, ErrStorage):
		return "STORAGE_FAILURE"
	default:
		return "INTERNAL"
	}
}
