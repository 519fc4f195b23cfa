package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-deploy/pkg/domain"
	"github.com/polisai/polis-deploy/pkg/telemetry"
)

// Request is the request shape handed to handler code.
type Request struct {
	Method  string
	URL     string
	Path    string
	Headers map[string]string
	Query   map[string]string
	Body    []byte
}

// Response is what handler code produced.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// HandlerOptions label a ScriptHandler for logs and metrics.
type HandlerOptions struct {
	TenantID string
	APIID    string
	Version  int
	// Limits override the executor defaults for invocations.
	Limits Limits
}

// ScriptHandler serves requests through a module's default export. The
// underlying runtime is single-threaded, so invocations are serialised; each
// still takes a slot on the executor's admission gate.
type ScriptHandler struct {
	executor *Executor
	rt       *sandboxRuntime
	entry    goja.Callable
	this     goja.Value
	limits   Limits
	opts     HandlerOptions
	logger   *slog.Logger
	turn     chan struct{}
}

// NewHandler binds the module's entrypoint into a handler. The module must not
// be used for anything else afterwards.
func (e *Executor) NewHandler(mod *Module, opts HandlerOptions) (*ScriptHandler, error) {
	entry, this, ok := mod.entrypoint()
	if !ok {
		return nil, &domain.StructuralError{Detail: "default export has no fetch or handle function"}
	}

	logger := e.logger.With("tenant_id", opts.TenantID, "api_id", opts.APIID, "version", opts.Version)
	mod.rt.console.stopRecording(logger)

	return &ScriptHandler{
		executor: e,
		rt:       mod.rt,
		entry:    entry,
		this:     this,
		limits:   opts.Limits.merge(e.defaults),
		opts:     opts,
		logger:   logger,
		turn:     make(chan struct{}, 1),
	}, nil
}

// Invoke runs one request through the handler.
func (h *ScriptHandler) Invoke(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "sandbox.invoke", trace.WithAttributes(
		attribute.String("tenant.id", h.opts.TenantID),
		attribute.String("api.id", h.opts.APIID),
		attribute.Int("route.version", h.opts.Version),
		attribute.String("http.request.method", req.Method),
	))
	defer span.End()

	start := time.Now()
	resp, err := h.invoke(ctx, req)

	telemetry.RecordExecution(ctx, telemetry.ExecutionMetrics{
		Phase:    telemetry.PhaseInvoke,
		TenantID: h.opts.TenantID,
		APIID:    h.opts.APIID,
		Outcome:  outcomeOf(err),
		Duration: time.Since(start),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	return resp, nil
}

func (h *ScriptHandler) invoke(ctx context.Context, req *Request) (*Response, error) {
	if int64(len(req.Body)) > h.limits.MemoryLimitBytes {
		return nil, &domain.ExecutionError{Message: fmt.Sprintf("request body exceeds %d bytes", h.limits.MemoryLimitBytes)}
	}

	wait := time.NewTimer(h.executor.queueTimeout)
	defer wait.Stop()
	select {
	case h.turn <- struct{}{}:
	case <-wait.C:
		return nil, &domain.AdmissionRejectedError{InFlight: 1, Limit: 1}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-h.turn }()

	slot, err := h.executor.gate.acquire(h.limits.MaxConcurrency, h.rt.vm)
	if err != nil {
		return nil, err
	}
	defer h.executor.gate.release(slot)
	telemetry.AdjustInFlight(ctx, telemetry.PhaseInvoke, 1)
	defer telemetry.AdjustInFlight(ctx, telemetry.PhaseInvoke, -1)

	vm := h.rt.vm
	var resp *Response
	_, err = run(ctx, vm, h.limits.Timeout, func() (goja.Value, error) {
		result, err := h.entry(h.this, requestObject(vm, req))
		if err != nil {
			return nil, err
		}
		resp, err = h.exportResponse(vm, result)
		return result, err
	})
	if err != nil {
		return nil, classify(err, h.limits.Timeout)
	}
	return resp, nil
}

func requestObject(vm *goja.Runtime, req *Request) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("method", strings.ToUpper(req.Method))
	_ = obj.Set("url", req.URL)
	_ = obj.Set("path", req.Path)
	_ = obj.Set("headers", stringMapObject(vm, req.Headers, true))
	_ = obj.Set("query", stringMapObject(vm, req.Query, false))
	_ = obj.Set("body", string(req.Body))
	return obj
}

func stringMapObject(vm *goja.Runtime, in map[string]string, lowerKeys bool) *goja.Object {
	obj := vm.NewObject()
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := k
		if lowerKeys {
			name = strings.ToLower(k)
		}
		_ = obj.Set(name, in[k])
	}
	return obj
}

// exportResponse converts the handler result. Promises must already be settled:
// the job queue drains before the call returns and no timers exist.
func (h *ScriptHandler) exportResponse(vm *goja.Runtime, v goja.Value) (*Response, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, &domain.ExecutionError{Message: "handler returned no response"}
	}

	if promise, ok := v.Export().(*goja.Promise); ok {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			return h.exportResponse(vm, promise.Result())
		case goja.PromiseStateRejected:
			return nil, &domain.ExecutionError{Message: "handler rejected: " + rejectionMessage(promise.Result())}
		default:
			return nil, &domain.ExecutionError{Message: "handler returned a promise that never settled"}
		}
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return h.limitBody(&Response{
			Status:  http.StatusOK,
			Headers: map[string]string{"content-type": "text/plain; charset=UTF-8"},
			Body:    []byte(v.String()),
		})
	}

	resp := &Response{Status: http.StatusOK, Headers: map[string]string{}}
	if status := obj.Get("status"); status != nil && !goja.IsUndefined(status) {
		resp.Status = int(status.ToInteger())
	}
	if resp.Status < 100 || resp.Status > 999 {
		return nil, &domain.ExecutionError{Message: "handler returned invalid status " + strconv.Itoa(resp.Status)}
	}

	if headers, ok := obj.Get("headers").(*goja.Object); ok {
		for _, key := range headers.Keys() {
			resp.Headers[strings.ToLower(key)] = headers.Get(key).String()
		}
	}

	body := obj.Get("body")
	switch {
	case body == nil || goja.IsUndefined(body) || goja.IsNull(body):
	case isString(body):
		resp.Body = []byte(body.String())
	default:
		data, err := json.Marshal(body.Export())
		if err != nil {
			return nil, &domain.ExecutionError{Message: "encode response body: " + err.Error()}
		}
		resp.Body = data
		if _, ok := resp.Headers["content-type"]; !ok {
			resp.Headers["content-type"] = "application/json; charset=UTF-8"
		}
	}
	return h.limitBody(resp)
}

func (h *ScriptHandler) limitBody(resp *Response) (*Response, error) {
	if int64(len(resp.Body)) > h.limits.MemoryLimitBytes {
		return nil, &domain.ExecutionError{Message: fmt.Sprintf("response body exceeds %d bytes", h.limits.MemoryLimitBytes)}
	}
	return resp, nil
}

func isString(v goja.Value) bool {
	_, ok := v.Export().(string)
	return ok
}

func rejectionMessage(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return v.String()
}

// ServeHTTP adapts the handler to net/http.
func (h *ScriptHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.limits.MemoryLimitBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if int64(len(body)) > h.limits.MemoryLimitBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", h.limits.MemoryLimitBytes))
		return
	}

	req := &Request{
		Method:  r.Method,
		URL:     requestURL(r),
		Path:    r.URL.Path,
		Headers: make(map[string]string, len(r.Header)),
		Query:   make(map[string]string),
		Body:    body,
	}
	if req.Path == "" {
		req.Path = "/"
	}
	for name, values := range r.Header {
		req.Headers[name] = strings.Join(values, ", ")
	}
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			req.Query[name] = values[0]
		}
	}

	resp, err := h.Invoke(r.Context(), req)
	if err != nil {
		h.logger.Warn("handler invocation failed", "path", req.Path, "error", err)
		writeError(w, statusFor(err), err)
		return
	}

	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrAdmissionRejected):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(domain.ErrorResponse{
		Code:    domain.ErrorCode(err),
		Message: err.Error(),
	})
}
