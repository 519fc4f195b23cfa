package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-deploy/internal/governance"
	"github.com/polisai/polis-deploy/pkg/compiler"
	"github.com/polisai/polis-deploy/pkg/config"
	"github.com/polisai/polis-deploy/pkg/logging"
	"github.com/polisai/polis-deploy/pkg/policy"
	"github.com/polisai/polis-deploy/pkg/sandbox"
	"github.com/polisai/polis-deploy/pkg/storage"
	"github.com/polisai/polis-deploy/pkg/telemetry"
	"github.com/polisai/polis-deploy/pkg/validator"
)

const weatherCode = `import { Hono } from 'hono'
import { paymentMiddleware } from 'x402-hono'

const app = new Hono()

app.use('/api/weather', paymentMiddleware("0xPayee", "$0.01"))
app.get('/api/weather', (c) => c.json({ temperature: 21 }))

export default app
`

func versionedCode(label string) string {
	return fmt.Sprintf(`import { Hono } from 'hono'

const app = new Hono()
app.get('/', (c) => c.text(%q))
app.get('/hello/:name', (c) => c.text(%q + ' hello ' + c.req.param('name')))

export default app
`, label, label)
}

// brokenCode passes static validation but throws while the module initialises.
const brokenCode = `import { Hono } from 'hono'
const app = new Hono()
throw new Error('missing configuration')
export default app
`

type countingCompiler struct {
	inner *compiler.Compiler
	calls atomic.Int64
}

func (c *countingCompiler) Compile(ctx context.Context, source string, target compiler.Target) (*compiler.CompiledHandler, error) {
	c.calls.Add(1)
	return c.inner.Compile(ctx, source, target)
}

// flipFailingCompiler compiles normally, then makes every later write fail.
type flipFailingCompiler struct {
	*countingCompiler
	kv *flakyKV
}

func (c *flipFailingCompiler) Compile(ctx context.Context, source string, target compiler.Target) (*compiler.CompiledHandler, error) {
	compiled, err := c.countingCompiler.Compile(ctx, source, target)
	c.kv.failPuts.Store(true)
	return compiled, err
}

// gatedCompiler holds the compile of one version until release is closed.
type gatedCompiler struct {
	inner   Compiler
	version int
	entered chan struct{}
	release chan struct{}
}

func newGatedCompiler(inner Compiler, version int) *gatedCompiler {
	return &gatedCompiler{
		inner:   inner,
		version: version,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (g *gatedCompiler) Compile(ctx context.Context, source string, target compiler.Target) (*compiler.CompiledHandler, error) {
	if target.Version == g.version {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.inner.Compile(ctx, source, target)
}

// flakyKV fails writes on demand.
type flakyKV struct {
	storage.KVStore
	failPuts atomic.Bool
}

func (f *flakyKV) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.failPuts.Load() {
		return fmt.Errorf("write refused")
	}
	return f.KVStore.Put(ctx, key, value, ttl)
}

type harness struct {
	deployer   *Deployer
	store      *storage.RouteStore
	kv         *flakyKV
	registry   *RouteRegistry
	compiler   *countingCompiler
	dispatcher *Dispatcher
	metrics    *telemetry.Metrics
}

type harnessOption func(*DeployerConfig)

func withPolicy(f policy.Filter) harnessOption {
	return func(cfg *DeployerConfig) { cfg.Policy = f }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	kv := &flakyKV{KVStore: storage.NewMemoryKV()}
	t.Cleanup(func() { _ = kv.Close() })
	return newHarnessOn(t, kv, opts...)
}

func newHarnessOn(t *testing.T, kv *flakyKV, opts ...harnessOption) *harness {
	t.Helper()
	cfg := config.Default()
	v := validator.New(validator.Policy{
		MaxCodeLength:         cfg.Security.MaxCodeLength,
		ForbiddenSymbols:      cfg.Security.ForbiddenSymbols,
		AllowedImportPrefixes: cfg.Security.AllowedImportPrefixes,
	})
	logger := logging.Discard()

	exec := sandbox.New(sandbox.WithLogger(logger))
	t.Cleanup(exec.Cleanup)

	store := storage.NewRouteStore(kv, v, storage.WithLogger(logger))
	counting := &countingCompiler{inner: compiler.New(v, compiler.SandboxBackend{Executor: exec}, logger)}
	registry := NewRouteRegistry()
	metrics := telemetry.NewMetrics()

	dcfg := DeployerConfig{
		Store:    store,
		Compiler: counting,
		Registry: registry,
		Metrics:  metrics,
		Logger:   logger,
		Retry: governance.RetryConfig{
			MaxRetries:     20,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Jitter:         true,
		},
	}
	for _, opt := range opts {
		opt(&dcfg)
	}
	deployer, err := NewDeployer(dcfg)
	require.NoError(t, err)

	return &harness{
		deployer: deployer,
		store:    store,
		kv:       kv,
		registry: registry,
		compiler: counting,
		dispatcher: NewDispatcher(DispatcherConfig{
			Registry: registry,
			Metrics:  metrics,
			Logger:   logger,
		}),
		metrics: metrics,
	}
}

func (h *harness) get(path string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.dispatcher.ServeHTTP(rec, req)
	return rec
}

func body(rec *httptest.ResponseRecorder) string {
	return strings.TrimSpace(rec.Body.String())
}
