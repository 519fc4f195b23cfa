package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-deploy/pkg/domain"
	"github.com/polisai/polis-deploy/pkg/logging"
)

const weatherApp = `import { Hono } from 'hono'
import { paymentMiddleware } from 'x402-hono'

const app = new Hono()

console.log('booting', { region: 'eu' })

app.use('/api/*', paymentMiddleware('0xPayee', { '/api/weather': { price: '$0.01', network: 'base-sepolia' } }))

app.get('/api/weather', (c) => c.json({ city: c.req.query('city') || 'Lisbon', temperature: 21 }))

app.get('/users/:id', (c) => c.text('user ' + c.req.param('id')))

app.post('/echo', async (c) => {
  const payload = await c.req.json()
  return c.json({ received: payload }, 201)
})

app.get('/boom', () => {
  throw new Error('kaboom')
})

export default app
`

func newTestExecutor(opts ...Option) *Executor {
	return New(append([]Option{WithLogger(logging.Discard())}, opts...)...)
}

func TestExecuteHonoModule(t *testing.T) {
	exec := newTestExecutor()

	mod, err := exec.Execute(context.Background(), weatherApp, Limits{})
	require.NoError(t, err)

	assert.True(t, mod.HasEntrypoint())
	assert.Contains(t, mod.Exports(), "default")
	require.Len(t, mod.Logs, 1)
	assert.Equal(t, "info", mod.Logs[0].Level)
	assert.Equal(t, `booting {"region":"eu"}`, mod.Logs[0].Message)
	assert.Equal(t, 0, exec.InFlight())
}

func TestExecuteEntrypointShapes(t *testing.T) {
	cases := map[string]struct {
		source string
		want   bool
	}{
		"bare function":  {source: "export default function handler(req) { return 'ok' }", want: true},
		"fetch object":   {source: "export default { fetch: (req) => 'ok' }", want: true},
		"handle object":  {source: "const h = { handle(req) { return 'ok' } }\nexport default h", want: true},
		"plain object":   {source: "export default { name: 'nope' }", want: false},
		"no default":     {source: "export const x = 1", want: false},
		"string default": {source: "export default 'hello'", want: false},
	}

	exec := newTestExecutor()
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			mod, err := exec.Execute(context.Background(), tc.source, Limits{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, mod.HasEntrypoint())
		})
	}
}

func TestExecuteTimeoutInterruptsTightLoop(t *testing.T) {
	exec := newTestExecutor()

	start := time.Now()
	_, err := exec.Execute(context.Background(), "while (true) {}\nexport default {}", Limits{Timeout: 50 * time.Millisecond})

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTimeout), "got %v", err)
	var timeout *domain.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 50*time.Millisecond, timeout.Limit)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, exec.InFlight())
}

func TestExecuteException(t *testing.T) {
	exec := newTestExecutor()

	_, err := exec.Execute(context.Background(), "throw new Error('boom')", Limits{})

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrExecution))
	assert.Contains(t, err.Error(), "boom")
}

func TestExecuteSyntaxError(t *testing.T) {
	exec := newTestExecutor()

	_, err := exec.Execute(context.Background(), "const = ;", Limits{})

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrExecution))
	assert.Contains(t, err.Error(), "syntax error")
}

func TestExecuteUnresolvableModules(t *testing.T) {
	exec := newTestExecutor()

	for _, src := range []string{
		"import helper from './helper'\nexport default helper",
		"import { readFile } from 'fs'\nexport default readFile",
		"import 'left-pad'",
	} {
		_, err := exec.Execute(context.Background(), src, Limits{})
		require.Error(t, err, src)
		assert.True(t, errors.Is(err, domain.ErrExecution))
		assert.Contains(t, err.Error(), "cannot resolve module")
	}
}

func TestRestrictedScope(t *testing.T) {
	exec := newTestExecutor()

	src := `export const types = [
  typeof eval, typeof Function, typeof Reflect, typeof Proxy, typeof globalThis,
  typeof require, typeof process, typeof setTimeout, typeof setInterval,
  typeof setImmediate, typeof queueMicrotask, typeof WebAssembly,
  typeof SharedArrayBuffer, typeof Atomics
].join(',')
export const ctor = typeof (function () {}).constructor
export const asyncCtor = typeof (async function () {}).constructor
export const allowed = [typeof console, typeof JSON, typeof Date, typeof Math, typeof Promise].join(',')
`
	mod, err := exec.Execute(context.Background(), src, Limits{})
	require.NoError(t, err)

	types := strings.Split(mod.exports.Get("types").String(), ",")
	require.Len(t, types, len(ShadowedGlobals))
	for _, typ := range types {
		assert.Equal(t, "undefined", typ)
	}
	assert.Equal(t, "undefined", mod.exports.Get("ctor").String())
	assert.Equal(t, "undefined", mod.exports.Get("asyncCtor").String())
	assert.Equal(t, "object,object,function,object,function", mod.exports.Get("allowed").String())
}

func TestAdmissionGateRejectsAndCleanupInterrupts(t *testing.T) {
	exec := newTestExecutor()
	limits := Limits{Timeout: 10 * time.Second, MaxConcurrency: 1}

	errCh := make(chan error, 1)
	go func() {
		_, err := exec.Execute(context.Background(), "while (true) {}", limits)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return exec.InFlight() == 1 }, 5*time.Second, 5*time.Millisecond)

	start := time.Now()
	_, err := exec.Execute(context.Background(), weatherApp, limits)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAdmissionRejected))
	assert.Less(t, time.Since(start), time.Second)

	var rejected *domain.AdmissionRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 1, rejected.Limit)

	var interrupted error
	require.Eventually(t, func() bool {
		exec.Cleanup()
		select {
		case interrupted = <-errCh:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.Error(t, interrupted)
	assert.True(t, errors.Is(interrupted, domain.ErrExecution))
	assert.Contains(t, interrupted.Error(), "shutting down")

	assert.Equal(t, 0, exec.InFlight())

	_, err = exec.Execute(context.Background(), weatherApp, limits)
	require.NoError(t, err, "slot must be released after cleanup")
}

func TestExecuteContextCancellation(t *testing.T) {
	exec := newTestExecutor()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := exec.Execute(ctx, "while (true) {}", Limits{Timeout: 10 * time.Second})

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrExecution))
	assert.Contains(t, err.Error(), "cancelled")
}

func TestExecuteContextDeadlineIsTimeout(t *testing.T) {
	exec := newTestExecutor()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := exec.Execute(ctx, "for (;;) {}", Limits{Timeout: 10 * time.Second})

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTimeout))
}

func TestDefaultLimitsMerge(t *testing.T) {
	exec := newTestExecutor(WithDefaultLimits(Limits{Timeout: time.Second}), WithQueueTimeout(50*time.Millisecond))

	got := exec.Limits()
	assert.Equal(t, time.Second, got.Timeout)
	assert.Equal(t, DefaultLimits.MemoryLimitBytes, got.MemoryLimitBytes)
	assert.Equal(t, DefaultLimits.MaxConcurrency, got.MaxConcurrency)
	assert.Equal(t, 50*time.Millisecond, exec.queueTimeout)
}
