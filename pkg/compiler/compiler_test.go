package compiler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-deploy/pkg/domain"
	"github.com/polisai/polis-deploy/pkg/logging"
	"github.com/polisai/polis-deploy/pkg/sandbox"
	"github.com/polisai/polis-deploy/pkg/validator"
)

const weatherHandler = `import { Hono } from 'hono'
import { paymentMiddleware } from 'x402-hono'

const app = new Hono()

app.use(paymentMiddleware("0xPayee", "$0.01"))
app.get('/api/weather', (c) => c.json({ temperature: 21 }))
app.post('/api/weather', (c) => c.json({ ok: true }))
app.get('/api/weather', (c) => c.json({ duplicate: true }))

export default app
`

func testValidator() *validator.Validator {
	return validator.New(validator.Policy{
		MaxCodeLength:         10_000,
		ForbiddenSymbols:      []string{"eval", "Function", "require", "process.exit"},
		AllowedImportPrefixes: []string{"hono", "x402-hono"},
	})
}

type fakeBackend struct {
	calls   int
	handler Handler
	err     error
}

func (f *fakeBackend) Build(context.Context, string, Target) (Handler, error) {
	f.calls++
	return f.handler, f.err
}

func TestCompileWithSandbox(t *testing.T) {
	exec := sandbox.New(sandbox.WithLogger(logging.Discard()))
	c := New(testValidator(), SandboxBackend{Executor: exec}, logging.Discard())

	compiled, err := c.Compile(context.Background(), weatherHandler, Target{TenantID: "acme", APIID: "weather", Version: 1})
	require.NoError(t, err)

	assert.True(t, compiled.Metadata.HasPayment)
	require.NotNil(t, compiled.Metadata.PaymentConfig)
	assert.Equal(t, "0.01", compiled.Metadata.PaymentConfig.Price)
	assert.Equal(t, "0xPayee", compiled.Metadata.PaymentConfig.Payee)
	assert.Equal(t, []Endpoint{
		{Method: "GET", Path: "/api/weather"},
		{Method: "POST", Path: "/api/weather"},
	}, compiled.Metadata.Endpoints)

	rec := httptest.NewRecorder()
	compiled.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/weather", nil))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestCompileRejectsBeforeExecution(t *testing.T) {
	backend := &fakeBackend{}
	c := New(testValidator(), backend, nil)

	_, err := c.Compile(context.Background(), `const handler = { fetch: () => eval('1') }`, Target{})

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Errors, "Forbidden function: eval")
	assert.Contains(t, verr.Errors, "Missing framework initialization: expected new Hono()")
	assert.Contains(t, verr.Errors, "Missing default export")
	assert.Equal(t, 0, backend.calls, "rejected code must never reach the backend")
}

func TestCompileStructuralError(t *testing.T) {
	exec := sandbox.New(sandbox.WithLogger(logging.Discard()))
	c := New(testValidator(), SandboxBackend{Executor: exec}, nil)

	src := "import { Hono } from 'hono'\nconst app = new Hono()\nexport default { name: 'not a handler' }\n"
	_, err := c.Compile(context.Background(), src, Target{})

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStructural))
	assert.Equal(t, "invalid application structure", err.Error())
}

func TestCompileNilHandlerIsStructural(t *testing.T) {
	c := New(testValidator(), &fakeBackend{}, nil)

	_, err := c.Compile(context.Background(), weatherHandler, Target{})

	assert.True(t, errors.Is(err, domain.ErrStructural))
}

func TestCompileBackendErrorsPassThrough(t *testing.T) {
	backend := &fakeBackend{err: &domain.TimeoutError{}}
	c := New(testValidator(), backend, nil)

	_, err := c.Compile(context.Background(), weatherHandler, Target{})

	assert.True(t, errors.Is(err, domain.ErrTimeout))
	assert.Equal(t, 1, backend.calls)
}

func TestCompileExecutionError(t *testing.T) {
	exec := sandbox.New(sandbox.WithLogger(logging.Discard()))
	c := New(testValidator(), SandboxBackend{Executor: exec}, nil)

	src := "import { Hono } from 'hono'\nconst app = new Hono()\nthrow new Error('init failed')\nexport default app\n"
	_, err := c.Compile(context.Background(), src, Target{})

	assert.True(t, errors.Is(err, domain.ErrExecution))
	assert.Contains(t, err.Error(), "init failed")
}
