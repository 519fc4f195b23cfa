package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// AdmissionOptions configure an Admission.
type AdmissionOptions struct {
	// File replaces the embedded default module when set.
	File        string
	Entrypoint  string
	FailureMode Mode
	Logger      *slog.Logger
	// OnReload observes every reload attempt; err is nil on success.
	OnReload func(err error)
}

// Admission is the deploy admission filter. It holds the current Engine behind an
// atomic pointer so Reload can swap modules under concurrent evaluations.
type Admission struct {
	current    atomic.Pointer[Engine]
	generation atomic.Uint64
	opts       AdmissionOptions
	logger     *slog.Logger
}

// NewAdmission builds the engine from File, or from the embedded module when File is empty.
func NewAdmission(ctx context.Context, opts AdmissionOptions) (*Admission, error) {
	if opts.FailureMode == "" {
		opts.FailureMode = ModeFailClosed
	}
	if !opts.FailureMode.IsValid() {
		return nil, fmt.Errorf("policy: invalid failure posture mode %q", opts.FailureMode)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Admission{opts: opts, logger: logger}

	modules := DefaultModules()
	if opts.File != "" {
		loaded, err := LoadModules(opts.File)
		if err != nil {
			return nil, err
		}
		modules = loaded
	}

	engine, err := a.build(ctx, modules)
	if err != nil {
		return nil, err
	}
	a.current.Store(engine)
	a.generation.Store(1)
	return a, nil
}

func (a *Admission) build(ctx context.Context, modules map[string]string) (*Engine, error) {
	return NewEngine(ctx, EngineOptions{
		Entrypoint: a.opts.Entrypoint,
		Modules:    modules,
		Logger:     a.logger,
	})
}

// Evaluate runs the current engine. Evaluation errors are resolved by the failure posture.
func (a *Admission) Evaluate(ctx context.Context, input Input) (Decision, error) {
	decision, err := a.current.Load().Evaluate(ctx, input)
	if err != nil {
		a.logger.Error("deploy admission evaluation failed",
			"tenant_id", input.TenantID,
			"api_id", input.APIID,
			"posture", a.opts.FailureMode,
			"error", err,
		)
		return a.opts.FailureMode.Resolve(err), nil
	}
	return decision, nil
}

// Reload rebuilds the engine from path and swaps it in. On failure the previous
// engine stays active.
func (a *Admission) Reload(ctx context.Context, path string) error {
	err := a.reload(ctx, path)
	if a.opts.OnReload != nil {
		a.opts.OnReload(err)
	}
	return err
}

func (a *Admission) reload(ctx context.Context, path string) error {
	modules, err := LoadModules(path)
	if err != nil {
		return err
	}
	engine, err := a.build(ctx, modules)
	if err != nil {
		return err
	}
	a.current.Store(engine)
	gen := a.generation.Add(1)
	a.logger.Info("deploy admission policy reloaded", "path", path, "generation", gen)
	return nil
}

// Generation increments on every successful reload.
func (a *Admission) Generation() uint64 {
	return a.generation.Load()
}
