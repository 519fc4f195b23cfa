package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dop251/goja"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-deploy/pkg/domain"
	"github.com/polisai/polis-deploy/pkg/telemetry"
)

// Interrupt reasons passed to goja.Runtime.Interrupt.
type (
	timeoutInterrupt  struct{}
	shutdownInterrupt struct{}
	cancelInterrupt   struct{ err error }
)

var tracer = otel.Tracer("github.com/polisai/polis-deploy/pkg/sandbox")

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger receiving handler console output and lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDefaultLimits sets the limits applied where a call leaves a field zero.
func WithDefaultLimits(limits Limits) Option {
	return func(e *Executor) {
		e.defaults = limits.merge(DefaultLimits)
	}
}

// WithQueueTimeout bounds how long an invocation waits for its handler's runtime.
func WithQueueTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.queueTimeout = d
		}
	}
}

// Executor evaluates handler modules under the admission gate.
type Executor struct {
	gate         *gate
	logger       *slog.Logger
	defaults     Limits
	queueTimeout time.Duration
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		gate:         newGate(),
		logger:       slog.Default(),
		defaults:     DefaultLimits,
		queueTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Limits returns the executor defaults.
func (e *Executor) Limits() Limits {
	return e.defaults
}

// InFlight returns the number of executions currently holding a slot.
func (e *Executor) InFlight() int {
	return e.gate.count()
}

// Cleanup interrupts every in-flight execution. Interrupted runs fail with an
// ExecutionError.
func (e *Executor) Cleanup() {
	if n := e.gate.interruptAll(shutdownInterrupt{}); n > 0 {
		e.logger.Info("sandbox cleanup interrupted executions", "count", n)
	}
}

// Module is an evaluated handler module. It owns the runtime it was evaluated in.
type Module struct {
	rt      *sandboxRuntime
	exports *goja.Object
	// Elapsed is the wall time spent evaluating the module body.
	Elapsed time.Duration
	// Logs holds console output produced while evaluating.
	Logs []LogEntry
}

// Exports returns the exported binding names.
func (m *Module) Exports() []string {
	return m.exports.Keys()
}

// HasEntrypoint reports whether the default export can serve requests: a
// function, or an object with a fetch or handle method.
func (m *Module) HasEntrypoint() bool {
	_, _, ok := m.entrypoint()
	return ok
}

func (m *Module) entrypoint() (goja.Callable, goja.Value, bool) {
	def := m.exports.Get("default")
	if def == nil || goja.IsUndefined(def) || goja.IsNull(def) {
		return nil, nil, false
	}
	if fn, ok := goja.AssertFunction(def); ok {
		return fn, goja.Undefined(), true
	}
	obj, ok := def.(*goja.Object)
	if !ok {
		return nil, nil, false
	}
	for _, name := range []string{"fetch", "handle"} {
		if fn, ok := goja.AssertFunction(obj.Get(name)); ok {
			return fn, obj, true
		}
	}
	return nil, nil, false
}

// Execute evaluates source in a fresh restricted runtime. Zero fields in limits
// fall back to the executor defaults.
func (e *Executor) Execute(ctx context.Context, source string, limits Limits) (*Module, error) {
	limits = limits.merge(e.defaults)

	ctx, span := tracer.Start(ctx, "sandbox.execute", trace.WithAttributes(
		attribute.Int("sandbox.source_bytes", len(source)),
		attribute.Int64("sandbox.timeout_ms", limits.Timeout.Milliseconds()),
	))
	defer span.End()

	start := time.Now()
	mod, err := e.execute(ctx, source, limits)
	elapsed := time.Since(start)

	telemetry.RecordExecution(ctx, telemetry.ExecutionMetrics{
		Phase:    telemetry.PhaseCompile,
		Outcome:  outcomeOf(err),
		Duration: elapsed,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Debug("sandbox execution failed", "error", err, "elapsed", elapsed)
		return nil, err
	}
	return mod, nil
}

func (e *Executor) execute(ctx context.Context, source string, limits Limits) (*Module, error) {
	rt, err := newRuntime(e.logger)
	if err != nil {
		return nil, &domain.ExecutionError{Message: err.Error()}
	}

	// The runtime is registered with its slot so a Cleanup that lands
	// before run starts still reaches it.
	slot, err := e.gate.acquire(limits.MaxConcurrency, rt.vm)
	if err != nil {
		return nil, err
	}
	defer e.gate.release(slot)
	telemetry.AdjustInFlight(ctx, telemetry.PhaseCompile, 1)
	defer telemetry.AdjustInFlight(ctx, telemetry.PhaseCompile, -1)

	program, err := goja.Compile("handler.js", lowerModule(source), false)
	if err != nil {
		return nil, &domain.ExecutionError{Message: "syntax error: " + err.Error()}
	}

	exports := rt.vm.NewObject()
	start := time.Now()
	_, err = run(ctx, rt.vm, limits.Timeout, func() (goja.Value, error) {
		wrapper, err := rt.vm.RunProgram(program)
		if err != nil {
			return nil, err
		}
		fn, ok := goja.AssertFunction(wrapper)
		if !ok {
			return nil, errors.New("module wrapper is not callable")
		}
		return fn(goja.Undefined(), rt.vm.ToValue(rt.importFunc()), exports)
	})
	elapsed := time.Since(start)
	if err != nil {
		return nil, classify(err, limits.Timeout)
	}

	return &Module{
		rt:      rt,
		exports: exports,
		Elapsed: elapsed,
		Logs:    rt.console.stopRecording(nil),
	}, nil
}

// run executes fn with a watchdog that interrupts the runtime on timeout or
// context cancellation. An interrupt already pending when run starts aborts fn.
// Go panics raised inside callbacks become ExecutionErrors.
func run(ctx context.Context, vm *goja.Runtime, timeout time.Duration, fn func() (goja.Value, error)) (result goja.Value, err error) {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			vm.Interrupt(timeoutInterrupt{})
		case <-ctx.Done():
			vm.Interrupt(cancelInterrupt{err: ctx.Err()})
		}
	}()
	defer func() {
		close(done)
		<-stopped
		vm.ClearInterrupt()
	}()

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &domain.ExecutionError{Message: fmt.Sprintf("panic: %v", r)}
		}
	}()

	return fn()
}

// classify maps interpreter failures onto domain errors.
func classify(err error, timeout time.Duration) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		switch reason := interrupted.Value().(type) {
		case timeoutInterrupt:
			return &domain.TimeoutError{Limit: timeout}
		case shutdownInterrupt:
			return &domain.ExecutionError{Message: "execution aborted: sandbox shutting down"}
		case cancelInterrupt:
			if errors.Is(reason.err, context.DeadlineExceeded) {
				return &domain.TimeoutError{Limit: timeout}
			}
			return &domain.ExecutionError{Message: "execution cancelled: " + reason.err.Error()}
		}
		return &domain.ExecutionError{Message: interrupted.Error()}
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		if v := exception.Value(); v != nil {
			return &domain.ExecutionError{Message: v.String()}
		}
		return &domain.ExecutionError{Message: exception.Error()}
	}

	var typed interface{ Is(error) bool }
	if errors.As(err, &typed) {
		return err
	}
	return &domain.ExecutionError{Message: err.Error()}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeOK
	case errors.Is(err, domain.ErrTimeout):
		return telemetry.OutcomeTimeout
	case errors.Is(err, domain.ErrAdmissionRejected):
		return telemetry.OutcomeRejected
	default:
		return telemetry.OutcomeError
	}
}
