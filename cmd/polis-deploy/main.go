// Package main is the entry point for the polis-deploy binary.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-deploy/pkg/compiler"
	"github.com/polisai/polis-deploy/pkg/config"
	"github.com/polisai/polis-deploy/pkg/logging"
	"github.com/polisai/polis-deploy/pkg/sandbox"
	"github.com/polisai/polis-deploy/pkg/validator"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-deploy
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-deploy",
		Short: "Dynamic handler sandbox and deployment engine",
		Long: `Validates, sandboxes, versions and mounts tenant-submitted HTTP handlers.

Example:
  polis-deploy serve --config config.yaml
  polis-deploy validate handler.js`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(), newValidateCmd(), newCompileCmd())
	return rootCmd
}

// loadConfig reads the config flag and applies the log-level override.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	if level != "" {
		cfg.Logging.Level = level
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	return cfg, logger, nil
}

func newValidator(cfg *config.Config) *validator.Validator {
	return validator.New(validator.Policy{
		MaxCodeLength:         cfg.Security.MaxCodeLength,
		ForbiddenSymbols:      cfg.Security.ForbiddenSymbols,
		AllowedImportPrefixes: cfg.Security.AllowedImportPrefixes,
	})
}

func newExecutor(cfg *config.Config, logger *slog.Logger) *sandbox.Executor {
	return sandbox.New(
		sandbox.WithLogger(logger),
		sandbox.WithDefaultLimits(sandbox.Limits{
			Timeout:          cfg.Limits.MaxExecutionTime(),
			MemoryLimitBytes: cfg.Limits.MaxMemoryBytes,
			MaxConcurrency:   cfg.Limits.MaxConcurrentExecutions,
		}),
		sandbox.WithQueueTimeout(cfg.Limits.ExecutionQueueTimeout()),
	)
}

// readSource reads a handler from a path, or from stdin when path is "-".
func readSource(cmd *cobra.Command, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		//nolint:gosec // Handler path is supplied by the operator
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read handler source: %w", err)
	}
	return string(data), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file|->",
		Short: "Run the static security checks against a handler",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			source, err := readSource(cmd, args[0])
			if err != nil {
				return err
			}

			report := newValidator(cfg).Validate(source)
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.IsValid {
				return fmt.Errorf("handler failed validation with %d error(s)", len(report.Errors))
			}
			return nil
		},
	}
}

type compileOutput struct {
	Metadata compiler.Metadata `json:"metadata"`
	Warnings []string          `json:"warnings"`
}

func newCompileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compile <file|->",
		Short: "Validate and evaluate a handler in the sandbox, then print its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			source, err := readSource(cmd, args[0])
			if err != nil {
				return err
			}

			exec := newExecutor(cfg, logger)
			defer exec.Cleanup()

			c := compiler.New(newValidator(cfg), compiler.SandboxBackend{Executor: exec}, logger)
			compiled, err := c.Compile(cmd.Context(), source, compiler.Target{TenantID: "local", APIID: "cli"})
			if err != nil {
				return err
			}
			warnings := compiled.Warnings
			if warnings == nil {
				warnings = []string{}
			}
			return printJSON(cmd.OutOrStdout(), compileOutput{Metadata: compiled.Metadata, Warnings: warnings})
		},
	}
}
