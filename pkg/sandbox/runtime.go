package sandbox

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/dop251/goja"
)

var (
	//go:embed shims/prelude.js
	preludeSource string
	//go:embed shims/harden.js
	hardenSource string

	preludeProgram = goja.MustCompile("prelude.js", preludeSource, false)
	hardenProgram  = goja.MustCompile("harden.js", hardenSource, false)
)

// ShadowedGlobals are replaced with undefined before tenant code runs.
var ShadowedGlobals = []string{
	"eval",
	"Function",
	"Reflect",
	"Proxy",
	"globalThis",
	"require",
	"process",
	"setTimeout",
	"setInterval",
	"setImmediate",
	"queueMicrotask",
	"WebAssembly",
	"SharedArrayBuffer",
	"Atomics",
}

// moduleAliases resolve to another built-in module.
var moduleAliases = map[string]string{
	"hono/tiny":  "hono",
	"hono/quick": "hono",
}

const (
	maxLogEntries    = 200
	maxLogLineLength = 2048
)

// LogEntry is one console call captured during module evaluation.
type LogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// consoleSink receives console output. While recording, entries are retained
// for the Module; afterwards they only reach the logger.
type consoleSink struct {
	mu        sync.Mutex
	logger    *slog.Logger
	recording bool
	entries   []LogEntry
}

func (s *consoleSink) write(level, message string) {
	message = truncateLine(message, maxLogLineLength)

	s.mu.Lock()
	logger := s.logger
	if s.recording && len(s.entries) < maxLogEntries {
		s.entries = append(s.entries, LogEntry{Level: level, Message: message})
	}
	s.mu.Unlock()

	switch level {
	case "error":
		logger.Warn("handler console", "level", level, "message", message)
	case "debug":
		logger.Debug("handler console", "level", level, "message", message)
	default:
		logger.Info("handler console", "level", level, "message", message)
	}
}

// truncateLine cuts message to at most limit bytes on a rune boundary.
func truncateLine(message string, limit int) string {
	if len(message) <= limit {
		return message
	}
	n := limit
	for n > 0 && !utf8.RuneStart(message[n]) {
		n--
	}
	return message[:n] + "…"
}

func (s *consoleSink) stopRecording(logger *slog.Logger) []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = false
	if logger != nil {
		s.logger = logger
	}
	return append([]LogEntry(nil), s.entries...)
}

// sandboxRuntime is a goja runtime with the restricted scope installed.
type sandboxRuntime struct {
	vm      *goja.Runtime
	modules map[string]goja.Value
	console *consoleSink
}

func newRuntime(logger *slog.Logger) (*sandboxRuntime, error) {
	vm := goja.New()

	rt := &sandboxRuntime{
		vm:      vm,
		console: &consoleSink{logger: logger, recording: true},
	}

	if err := vm.Set("console", rt.consoleObject()); err != nil {
		return nil, fmt.Errorf("install console: %w", err)
	}

	modules, err := vm.RunProgram(preludeProgram)
	if err != nil {
		return nil, fmt.Errorf("load module shims: %w", err)
	}
	exports := modules.ToObject(vm)
	rt.modules = make(map[string]goja.Value, len(exports.Keys()))
	for _, name := range exports.Keys() {
		rt.modules[name] = exports.Get(name)
	}

	if _, err := vm.RunProgram(hardenProgram); err != nil {
		return nil, fmt.Errorf("harden runtime: %w", err)
	}

	global := vm.GlobalObject()
	for _, name := range ShadowedGlobals {
		if err := global.Set(name, goja.Undefined()); err != nil {
			return nil, fmt.Errorf("shadow %s: %w", name, err)
		}
	}

	return rt, nil
}

func (rt *sandboxRuntime) consoleObject() *goja.Object {
	console := rt.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		lvl := level
		if lvl == "log" {
			lvl = "info"
		}
		_ = console.Set(level, func(call goja.FunctionCall) goja.Value {
			rt.console.write(lvl, formatArgs(call.Arguments))
			return goja.Undefined()
		})
	}
	return console
}

func formatArgs(args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, formatValue(arg))
	}
	return strings.Join(parts, " ")
}

func formatValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if _, ok := v.(*goja.Object); !ok {
		return v.String()
	}
	if _, isFunc := goja.AssertFunction(v); isFunc {
		return "[Function]"
	}
	data, err := json.Marshal(v.Export())
	if err != nil {
		return v.String()
	}
	return string(data)
}

// importFunc resolves module specifiers against the built-in shims.
func (rt *sandboxRuntime) importFunc() func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		spec := call.Argument(0).String()
		if alias, ok := moduleAliases[spec]; ok {
			spec = alias
		}
		mod, ok := rt.modules[spec]
		if !ok {
			panic(rt.vm.NewTypeError("cannot resolve module %q", call.Argument(0).String()))
		}
		return mod
	}
}
