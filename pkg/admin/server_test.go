package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-deploy/pkg/compiler"
	"github.com/polisai/polis-deploy/pkg/config"
	"github.com/polisai/polis-deploy/pkg/domain"
	"github.com/polisai/polis-deploy/pkg/engine"
	"github.com/polisai/polis-deploy/pkg/logging"
	"github.com/polisai/polis-deploy/pkg/policy"
	"github.com/polisai/polis-deploy/pkg/sandbox"
	"github.com/polisai/polis-deploy/pkg/storage"
	"github.com/polisai/polis-deploy/pkg/telemetry"
	"github.com/polisai/polis-deploy/pkg/validator"
)

func handlerCode(label string) string {
	return fmt.Sprintf(`import { Hono } from 'hono'

const app = new Hono()
app.get('/', (c) => c.text(%q))

export default app
`, label)
}

type testServer struct {
	server     *Server
	dispatcher *engine.Dispatcher
	metrics    *telemetry.Metrics
}

func newTestServer(t *testing.T, filter policy.Filter) *testServer {
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
	kv := storage.NewMemoryKV()
	t.Cleanup(func() { _ = kv.Close() })

	store := storage.NewRouteStore(kv, v, storage.WithLogger(logger))
	registry := engine.NewRouteRegistry()
	metrics := telemetry.NewMetrics()
	deployer, err := engine.NewDeployer(engine.DeployerConfig{
		Store:    store,
		Compiler: compiler.New(v, compiler.SandboxBackend{Executor: exec}, logger),
		Registry: registry,
		Policy:   filter,
		Metrics:  metrics,
		Logger:   logger,
	})
	require.NoError(t, err)

	server, err := NewServer(Config{
		Deployments: deployer,
		Routes:      store,
		Validator:   v,
		Metrics:     metrics,
		Logger:      logger,
	})
	require.NoError(t, err)

	return &testServer{
		server:     server,
		dispatcher: engine.NewDispatcher(engine.DispatcherConfig{Registry: registry, Logger: logger}),
		metrics:    metrics,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *strings.Reader
	switch p := payload.(type) {
	case nil:
		body = strings.NewReader("")
	case string:
		body = strings.NewReader(p)
	default:
		raw, err := json.Marshal(p)
		require.NoError(t, err)
		body = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestServer_DeployServesTraffic(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/v1/tenants/acme/apis/greet/deployments",
		domain.DeploySpec{Endpoint: "/", Code: handlerCode("v1")})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	info := decode[domain.DeploymentInfo](t, rec)
	assert.Equal(t, 1, info.Version)
	assert.Equal(t, domain.DeploymentStatusDeployed, info.Status)
	assert.Equal(t, "GET", info.Method)
	assert.Equal(t, engine.DeploymentID("acme", "greet", 1), info.DeploymentID)

	live := httptest.NewRecorder()
	ts.dispatcher.ServeHTTP(live, httptest.NewRequest(http.MethodGet, "/apis/acme/greet/", nil))
	assert.Equal(t, http.StatusOK, live.Code)
	assert.Equal(t, "v1", strings.TrimSpace(live.Body.String()))
}

func TestServer_LifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, label := range []string{"v1", "v2"} {
		rec := ts.do(t, http.MethodPost, "/v1/tenants/acme/apis/greet/deployments",
			domain.DeploySpec{Endpoint: "/", Code: handlerCode(label)})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := ts.do(t, http.MethodPost, "/v1/tenants/acme/apis/greet/rollback", rollbackRequest{Version: 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 3, decode[domain.DeploymentInfo](t, rec).Version)

	rec = ts.do(t, http.MethodGet, "/v1/tenants/acme/apis/greet/versions/3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entry := decode[domain.RouteEntry](t, rec)
	assert.Equal(t, 1, entry.Metadata.RolledBackFrom)
	assert.Equal(t, handlerCode("v1"), entry.Submission.Code)

	rec = ts.do(t, http.MethodGet, "/v1/tenants/acme/routes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	routes := decode[[]domain.RouteMetadata](t, rec)
	require.Len(t, routes, 3)
	assert.Equal(t, 3, routes[0].Version)

	rec = ts.do(t, http.MethodPost, "/v1/tenants/acme/apis/other/deployments",
		domain.DeploySpec{Endpoint: "/", Code: handlerCode("o1")})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodGet, "/v1/tenants/acme/apis", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	apis := decode[[]domain.RouteMetadata](t, rec)
	require.Len(t, apis, 2)
	assert.Equal(t, "greet", apis[0].APIID)
	assert.Equal(t, 3, apis[0].Version)
	assert.Equal(t, 1, apis[0].RolledBackFrom)
	assert.Equal(t, "other", apis[1].APIID)

	rec = ts.do(t, http.MethodDelete, "/v1/tenants/acme/apis/greet/deployment", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.DeploymentStatusUndeployed, decode[domain.DeploymentInfo](t, rec).Status)

	rec = ts.do(t, http.MethodGet, "/v1/tenants/acme/deployments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	infos := decode[[]domain.DeploymentInfo](t, rec)
	require.Len(t, infos, 4)
	for _, info := range infos {
		if info.APIID == "greet" {
			assert.NotEqual(t, domain.DeploymentStatusDeployed, info.Status, "version %d", info.Version)
		}
	}
}

func TestServer_EmptyListsAreArrays(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{"/v1/tenants/nobody/deployments", "/v1/tenants/nobody/routes", "/v1/tenants/nobody/apis"} {
		rec := ts.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()), path)
	}
}

func TestServer_ErrorMapping(t *testing.T) {
	deny := policy.FilterFunc(func(context.Context, policy.Input) (policy.Decision, error) {
		return policy.Decision{Action: policy.ActionBlock, Reason: "not today"}, nil
	})

	tests := []struct {
		name   string
		filter policy.Filter
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{
			name:   "validation failure lists violations",
			method: http.MethodPost,
			path:   "/v1/tenants/acme/apis/bad/deployments",
			body:   domain.DeploySpec{Endpoint: "/", Code: "eval('1')"},
			status: http.StatusBadRequest,
			code:   "VALIDATION_FAILED",
		},
		{
			name:   "invalid identifier",
			method: http.MethodPost,
			path:   "/v1/tenants/acme/apis/..bad/deployments",
			body:   domain.DeploySpec{Endpoint: "/", Code: handlerCode("x")},
			status: http.StatusBadRequest,
			code:   "INVALID_IDENTIFIER",
		},
		{
			name:   "malformed body",
			method: http.MethodPost,
			path:   "/v1/tenants/acme/apis/greet/deployments",
			body:   "{not json",
			status: http.StatusBadRequest,
			code:   "VALIDATION_FAILED",
		},
		{
			name:   "rollback of unknown version",
			method: http.MethodPost,
			path:   "/v1/tenants/acme/apis/greet/rollback",
			body:   rollbackRequest{Version: 7},
			status: http.StatusNotFound,
			code:   "NOT_FOUND",
		},
		{
			name:   "rollback without version",
			method: http.MethodPost,
			path:   "/v1/tenants/acme/apis/greet/rollback",
			body:   map[string]any{},
			status: http.StatusBadRequest,
			code:   "VALIDATION_FAILED",
		},
		{
			name:   "missing version",
			method: http.MethodGet,
			path:   "/v1/tenants/acme/apis/greet/versions/4",
			status: http.StatusNotFound,
			code:   "NOT_FOUND",
		},
		{
			name:   "non numeric version",
			method: http.MethodGet,
			path:   "/v1/tenants/acme/apis/greet/versions/latest",
			status: http.StatusBadRequest,
			code:   "VALIDATION_FAILED",
		},
		{
			name:   "policy denial",
			filter: deny,
			method: http.MethodPost,
			path:   "/v1/tenants/acme/apis/greet/deployments",
			body:   domain.DeploySpec{Endpoint: "/", Code: handlerCode("x")},
			status: http.StatusForbidden,
			code:   "POLICY_DENIED",
		},
		{
			name:   "module without default export handler",
			method: http.MethodPost,
			path:   "/v1/tenants/acme/apis/greet/deployments",
			body: domain.DeploySpec{Endpoint: "/", Code: `import { Hono } from 'hono'
const app = new Hono()
export default { name: 'not an app' }
`},
			status: http.StatusUnprocessableEntity,
			code:   "INVALID_STRUCTURE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.filter)
			rec := ts.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			resp := decode[domain.ErrorResponse](t, rec)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestServer_ValidationDetails(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/v1/tenants/acme/apis/bad/deployments",
		domain.DeploySpec{Endpoint: "/", Code: "eval('1')"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[domain.ErrorResponse](t, rec)
	assert.Contains(t, resp.Details, "Forbidden function: eval")
	assert.Contains(t, resp.Details, "Missing default export")
}

func TestServer_Validate(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/v1/validate", validateRequest{Code: handlerCode("ok")})
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[validator.Report](t, rec)
	assert.True(t, report.IsValid)
	assert.Empty(t, report.Errors)

	rec = ts.do(t, http.MethodPost, "/v1/validate", validateRequest{Code: "while(true){}"})
	require.Equal(t, http.StatusOK, rec.Code)
	report = decode[validator.Report](t, rec)
	assert.False(t, report.IsValid)
	assert.Contains(t, report.Warnings, "Potential infinite loop detected")
}

func TestServer_RequestBodyLimit(t *testing.T) {
	ts := newTestServer(t, nil)

	huge := `{"code":"` + strings.Repeat("a", maxRequestBodySize) + `"}`
	rec := ts.do(t, http.MethodPost, "/v1/validate", huge)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	ts.do(t, http.MethodGet, "/v1/tenants/acme/routes", nil)

	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/v1/tenants/{tenant}/routes"`)
}

type failingDeployments struct {
	err error
}

func (f failingDeployments) Deploy(context.Context, domain.DeploySpec, string, string) (*domain.DeploymentInfo, error) {
	return nil, f.err
}

func (f failingDeployments) Rollback(context.Context, string, string, int) (*domain.DeploymentInfo, error) {
	return nil, f.err
}

func (f failingDeployments) Undeploy(context.Context, string, string) (*domain.DeploymentInfo, error) {
	return nil, f.err
}

func (f failingDeployments) ListDeployments(context.Context, string) ([]domain.DeploymentInfo, error) {
	return nil, f.err
}

func TestServer_CollaboratorFaults(t *testing.T) {
	tests := []struct {
		err        error
		status     int
		retryAfter string
	}{
		{err: &domain.StorageError{Op: "put", Key: "route:a:b:v1", Err: errors.New("offline")}, status: http.StatusBadGateway},
		{err: &domain.AdmissionRejectedError{InFlight: 10, Limit: 10}, status: http.StatusServiceUnavailable, retryAfter: "1"},
		{err: &domain.TimeoutError{}, status: http.StatusGatewayTimeout},
		{err: &domain.VersionConflictError{TenantID: "a", APIID: "b", Version: 2}, status: http.StatusConflict},
		{err: &domain.SupersededError{TenantID: "a", APIID: "b", Version: 2, LiveVersion: 3}, status: http.StatusConflict},
		{err: &domain.ExecutionError{Message: "boom"}, status: http.StatusUnprocessableEntity},
		{err: errors.New("surprise"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(domain.ErrorCode(tt.err), func(t *testing.T) {
			server, err := NewServer(Config{
				Deployments: failingDeployments{err: tt.err},
				Routes:      storage.NewRouteStore(storage.NewMemoryKV(), validator.New(validator.Policy{})),
				Validator:   validator.New(validator.Policy{}),
				Logger:      logging.Discard(),
			})
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/tenants/a/apis/b/deployment", nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
			assert.Equal(t, domain.ErrorCode(tt.err), decode[domain.ErrorResponse](t, rec).Code)
		})
	}
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)

	_, err = NewServer(Config{Deployments: failingDeployments{}})
	assert.Error(t, err)
}
