// Package config provides configuration structures and loading logic for the deployment engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the deployment engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Security  SecurityPolicy  `yaml:"security"`
	Limits    ResourceLimits  `yaml:"limits"`
	Policy    PolicyConfig    `yaml:"policy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	// AdminAddress serves the deployment API, health and metrics.
	AdminAddress string `yaml:"admin_address"`
	// DataAddress serves tenant traffic through the live registry.
	DataAddress string `yaml:"data_address"`
	// MountPrefix is the path prefix under which tenant APIs are mounted.
	MountPrefix string `yaml:"mount_prefix"`
}

// StorageConfig selects the key-value collaborator.
type StorageConfig struct {
	Driver   string        `yaml:"driver"` // memory, redis
	RouteTTL time.Duration `yaml:"route_ttl"`
	Redis    RedisConfig   `yaml:"redis"`
}

// RedisConfig holds connection settings for the redis driver.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// SecurityPolicy holds the static code policy applied to every submission.
type SecurityPolicy struct {
	MaxCodeLength         int      `yaml:"max_code_length"`
	ForbiddenSymbols      []string `yaml:"forbidden_symbols"`
	AllowedImportPrefixes []string `yaml:"allowed_import_prefixes"`
}

// ResourceLimits governs sandboxed execution.
type ResourceLimits struct {
	MaxExecutionTimeMS      int   `yaml:"max_execution_time_ms"`
	MaxMemoryBytes          int64 `yaml:"max_memory_bytes"`
	MaxConcurrentExecutions int   `yaml:"max_concurrent_executions"`
	ExecutionQueueTimeoutMS int   `yaml:"execution_queue_timeout_ms"`
	// DispatchRPS and DispatchBurst rate limit each live route. Zero disables.
	DispatchRPS   int `yaml:"dispatch_rps"`
	DispatchBurst int `yaml:"dispatch_burst"`
}

// MaxExecutionTime returns the execution ceiling as a duration.
func (l ResourceLimits) MaxExecutionTime() time.Duration {
	return time.Duration(l.MaxExecutionTimeMS) * time.Millisecond
}

// ExecutionQueueTimeout returns how long an invocation may wait for its handler runtime.
func (l ResourceLimits) ExecutionQueueTimeout() time.Duration {
	return time.Duration(l.ExecutionQueueTimeoutMS) * time.Millisecond
}

// PolicyConfig configures the deployment admission policy.
type PolicyConfig struct {
	// File is an optional Rego module replacing the embedded default policy.
	File       string `yaml:"file"`
	Entrypoint string `yaml:"entrypoint"`
	// Watch reloads File when it changes on disk.
	Watch bool `yaml:"watch"`
	// FailureMode decides deploy admission when evaluation errors: fail-closed or fail-open.
	FailureMode string `yaml:"failure_mode"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DefaultForbiddenSymbols are rejected anywhere in submitted source.
var DefaultForbiddenSymbols = []string{
	"eval",
	"Function",
	"setTimeout",
	"setInterval",
	"process.exit",
	"require",
	"globalThis",
	"Reflect",
	"Proxy",
	"__proto__",
}

// DefaultAllowedImportPrefixes are the module specifiers resolvable inside the sandbox.
var DefaultAllowedImportPrefixes = []string{
	"hono",
	"x402-hono",
	"@hono/",
}

const (
	defaultAdminAddress   = ":19090"
	defaultDataAddress    = ":8090"
	defaultMountPrefix    = "/apis"
	defaultRouteTTL       = 30 * 24 * time.Hour
	defaultMaxCodeLength  = 50_000
	defaultExecutionMS    = 5_000
	defaultMemoryBytes    = 10 << 20
	defaultConcurrency    = 10
	defaultQueueTimeoutMS = 1_000
	defaultEntrypoint     = "deploy/decision"
	defaultFailureMode    = "fail-closed"
	defaultServiceName    = "polis-deploy"
)

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress: defaultAdminAddress,
			DataAddress:  defaultDataAddress,
			MountPrefix:  defaultMountPrefix,
		},
		Storage: StorageConfig{
			Driver:   "memory",
			RouteTTL: defaultRouteTTL,
			Redis:    RedisConfig{Addr: "localhost:6379"},
		},
		Security: SecurityPolicy{
			MaxCodeLength:         defaultMaxCodeLength,
			ForbiddenSymbols:      append([]string(nil), DefaultForbiddenSymbols...),
			AllowedImportPrefixes: append([]string(nil), DefaultAllowedImportPrefixes...),
		},
		Limits: ResourceLimits{
			MaxExecutionTimeMS:      defaultExecutionMS,
			MaxMemoryBytes:          defaultMemoryBytes,
			MaxConcurrentExecutions: defaultConcurrency,
			ExecutionQueueTimeoutMS: defaultQueueTimeoutMS,
		},
		Policy: PolicyConfig{
			Entrypoint:  defaultEntrypoint,
			FailureMode: defaultFailureMode,
		},
		Telemetry: TelemetryConfig{
			ServiceName: defaultServiceName,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
// An empty path yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("POLIS_DEPLOY_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("POLIS_DEPLOY_DATA_ADDR"); val != "" {
		cfg.Server.DataAddress = val
	}

	if val := os.Getenv("POLIS_DEPLOY_STORAGE_DRIVER"); val != "" {
		cfg.Storage.Driver = val
	}
	if val := os.Getenv("POLIS_DEPLOY_REDIS_ADDR"); val != "" {
		cfg.Storage.Redis.Addr = val
	}
	if val := os.Getenv("POLIS_DEPLOY_REDIS_PASSWORD"); val != "" {
		cfg.Storage.Redis.Password = val
	}
	if val := os.Getenv("POLIS_DEPLOY_REDIS_DB"); val != "" {
		db, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("POLIS_DEPLOY_REDIS_DB: %w", err)
		}
		cfg.Storage.Redis.DB = db
	}

	intOverrides := []struct {
		env string
		dst *int
	}{
		{"POLIS_DEPLOY_MAX_CODE_LENGTH", &cfg.Security.MaxCodeLength},
		{"POLIS_DEPLOY_MAX_EXECUTION_TIME_MS", &cfg.Limits.MaxExecutionTimeMS},
		{"POLIS_DEPLOY_MAX_CONCURRENT_EXECUTIONS", &cfg.Limits.MaxConcurrentExecutions},
		{"POLIS_DEPLOY_EXECUTION_QUEUE_TIMEOUT_MS", &cfg.Limits.ExecutionQueueTimeoutMS},
	}
	for _, o := range intOverrides {
		val := os.Getenv(o.env)
		if val == "" {
			continue
		}
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s: %w", o.env, err)
		}
		*o.dst = parsed
	}
	if val := os.Getenv("POLIS_DEPLOY_MAX_MEMORY_BYTES"); val != "" {
		parsed, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("POLIS_DEPLOY_MAX_MEMORY_BYTES: %w", err)
		}
		cfg.Limits.MaxMemoryBytes = parsed
	}
	if val := os.Getenv("POLIS_DEPLOY_ALLOWED_IMPORTS"); val != "" {
		cfg.Security.AllowedImportPrefixes = splitList(val)
	}

	if val := os.Getenv("POLIS_DEPLOY_POLICY_FILE"); val != "" {
		cfg.Policy.File = val
	}
	if val := os.Getenv("POLIS_DEPLOY_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("POLIS_DEPLOY_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("POLIS_DEPLOY_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	return nil
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}
	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("security configuration: %w", err)
	}
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("limits configuration: %w", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = defaultServiceName
	}
	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = defaultAdminAddress
	}
	if strings.TrimSpace(c.DataAddress) == "" {
		c.DataAddress = defaultDataAddress
	}
	if c.AdminAddress == c.DataAddress {
		return fmt.Errorf("admin_address and data_address must differ (both %q)", c.AdminAddress)
	}
	if c.MountPrefix == "" {
		c.MountPrefix = defaultMountPrefix
	}
	if !strings.HasPrefix(c.MountPrefix, "/") {
		return fmt.Errorf("mount_prefix must start with '/', got %q", c.MountPrefix)
	}
	c.MountPrefix = strings.TrimRight(c.MountPrefix, "/")
	if c.MountPrefix == "" {
		return fmt.Errorf("mount_prefix must not be the root path")
	}
	return nil
}

// Validate performs validation of storage configuration
func (c *StorageConfig) Validate() error {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	switch c.Driver {
	case "":
		c.Driver = "memory"
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return fmt.Errorf("redis driver requires redis.addr")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q, supported drivers: memory, redis", c.Driver)
	}
	if c.RouteTTL < 0 {
		return fmt.Errorf("route_ttl must not be negative")
	}
	if c.RouteTTL == 0 {
		c.RouteTTL = defaultRouteTTL
	}
	return nil
}

// Validate performs validation of the security policy
func (c *SecurityPolicy) Validate() error {
	if c.MaxCodeLength <= 0 {
		return fmt.Errorf("max_code_length must be positive, got %d", c.MaxCodeLength)
	}
	for _, sym := range c.ForbiddenSymbols {
		if strings.TrimSpace(sym) == "" {
			return fmt.Errorf("forbidden_symbols must not contain empty entries")
		}
	}
	for _, prefix := range c.AllowedImportPrefixes {
		if strings.TrimSpace(prefix) == "" {
			return fmt.Errorf("allowed_import_prefixes must not contain empty entries")
		}
	}
	return nil
}

// Validate performs validation of resource limits
func (c *ResourceLimits) Validate() error {
	if c.MaxExecutionTimeMS <= 0 {
		return fmt.Errorf("max_execution_time_ms must be positive, got %d", c.MaxExecutionTimeMS)
	}
	if c.MaxMemoryBytes <= 0 {
		return fmt.Errorf("max_memory_bytes must be positive, got %d", c.MaxMemoryBytes)
	}
	if c.MaxConcurrentExecutions <= 0 {
		return fmt.Errorf("max_concurrent_executions must be positive, got %d", c.MaxConcurrentExecutions)
	}
	if c.ExecutionQueueTimeoutMS < 0 {
		return fmt.Errorf("execution_queue_timeout_ms must not be negative")
	}
	if c.DispatchRPS < 0 || c.DispatchBurst < 0 {
		return fmt.Errorf("dispatch_rps and dispatch_burst must not be negative")
	}
	return nil
}

// Validate performs validation of policy configuration
func (c *PolicyConfig) Validate() error {
	if strings.TrimSpace(c.Entrypoint) == "" {
		c.Entrypoint = defaultEntrypoint
	}
	if c.Watch && c.File == "" {
		return fmt.Errorf("watch requires a policy file")
	}
	switch strings.ToLower(strings.TrimSpace(c.FailureMode)) {
	case "":
		c.FailureMode = defaultFailureMode
	case "fail-closed", "fail-open":
		c.FailureMode = strings.ToLower(strings.TrimSpace(c.FailureMode))
	default:
		return fmt.Errorf("invalid failure_mode %q, supported: fail-closed, fail-open", c.FailureMode)
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
