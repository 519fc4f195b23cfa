// Package compiler turns validated handler source into a servable handler.
//
// Compilation validates first and never executes rejected code. Accepted
// source is evaluated by a Backend, checked for a request entrypoint, and
// annotated with metadata read from the source text.
package compiler

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-deploy/pkg/domain"
	"github.com/polisai/polis-deploy/pkg/sandbox"
	"github.com/polisai/polis-deploy/pkg/telemetry"
	"github.com/polisai/polis-deploy/pkg/validator"
)

var tracer = otel.Tracer("github.com/polisai/polis-deploy/pkg/compiler")

// Handler is the opaque request capability produced by a Backend.
type Handler interface {
	http.Handler
	Invoke(ctx context.Context, req *sandbox.Request) (*sandbox.Response, error)
}

// Target identifies what is being compiled. It labels the handler for logs and metrics.
type Target struct {
	TenantID string
	APIID    string
	Version  int
}

// Backend evaluates validated source and returns a handler. It reports a
// missing entrypoint with domain.StructuralError.
type Backend interface {
	Build(ctx context.Context, source string, target Target) (Handler, error)
}

// SandboxBackend evaluates source with the sandbox executor.
type SandboxBackend struct {
	Executor *sandbox.Executor
}

// Build implements Backend.
func (b SandboxBackend) Build(ctx context.Context, source string, target Target) (Handler, error) {
	mod, err := b.Executor.Execute(ctx, source, sandbox.Limits{})
	if err != nil {
		return nil, err
	}
	if !mod.HasEntrypoint() {
		return nil, &domain.StructuralError{}
	}
	return b.Executor.NewHandler(mod, sandbox.HandlerOptions{
		TenantID: target.TenantID,
		APIID:    target.APIID,
		Version:  target.Version,
	})
}

// CompiledHandler is a live handler plus its source metadata. It is never persisted.
type CompiledHandler struct {
	Handler  Handler
	Metadata Metadata
	Warnings []string
}

// Compiler runs validation and a Backend.
type Compiler struct {
	validator *validator.Validator
	backend   Backend
	logger    *slog.Logger
}

// New creates a Compiler.
func New(v *validator.Validator, backend Backend, logger *slog.Logger) *Compiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{validator: v, backend: backend, logger: logger}
}

// Validate exposes the static checks without compiling.
func (c *Compiler) Validate(source string) validator.Report {
	return c.validator.Validate(source)
}

// Compile validates, evaluates and inspects source.
func (c *Compiler) Compile(ctx context.Context, source string, target Target) (*CompiledHandler, error) {
	ctx, span := tracer.Start(ctx, "compiler.compile", trace.WithAttributes(
		attribute.String("tenant.id", target.TenantID),
		attribute.String("api.id", target.APIID),
		attribute.Int("route.version", target.Version),
	))
	defer span.End()

	report := c.validator.Validate(source)
	telemetry.RecordValidationEvent(span, report.IsValid, len(report.Errors), len(report.Warnings))
	if !report.IsValid {
		err := &domain.ValidationError{Errors: report.Errors, Warnings: report.Warnings}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	handler, err := c.backend.Build(ctx, source, target)
	if err == nil && handler == nil {
		err = &domain.StructuralError{}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Info("handler compilation failed",
			"tenant_id", target.TenantID,
			"api_id", target.APIID,
			"version", target.Version,
			"error", err,
		)
		return nil, err
	}

	meta := ExtractMetadata(source)
	span.SetAttributes(
		attribute.Bool("handler.has_payment", meta.HasPayment),
		attribute.Int("handler.endpoints", len(meta.Endpoints)),
	)

	return &CompiledHandler{Handler: handler, Metadata: meta, Warnings: report.Warnings}, nil
}
