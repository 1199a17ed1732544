// Package main provides the CLI entry point for the Tether conversational
// orchestrator.
//
// Tether mediates between end users, a streaming LLM, and per-user sandbox
// containers: user text goes in, the model's answers stream back out, and
// any tools the model calls along the way run inside the user's own
// sandbox.
//
// # Basic Usage
//
// Start the server:
//
//	tether serve --config tether.yaml
//
// # Environment Variables
//
//   - TETHER_CONFIG: Path to configuration file (default: tether.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tetherlabs/tether/internal/agent"
	"github.com/tetherlabs/tether/internal/config"
	"github.com/tetherlabs/tether/internal/exporter"
	"github.com/tetherlabs/tether/internal/gateway"
	"github.com/tetherlabs/tether/internal/llm"
	"github.com/tetherlabs/tether/internal/sandbox"
	"github.com/tetherlabs/tether/internal/session"
	"github.com/tetherlabs/tether/internal/tools"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tether",
		Short: "Conversational orchestrator with sandboxed tool execution",
	}
	rootCmd.AddCommand(buildServeCmd())
	rootCmd.AddCommand(buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tether %s (%s)\n", version, commit)
		},
	}
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("TETHER_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat("tether.yaml"); err == nil {
			path = "tether.yaml"
		}
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runServe(cfg *config.Config) error {
	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	runner := buildRunner(cfg, logger)
	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry(logger)
	if err := tools.RegisterBash(registry, runner); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	sink := buildExportSink(cfg, runner, logger)
	manager := session.NewManager(
		runner,
		session.NamedTargets(cfg.Sandbox.TargetPrefix, runner),
		sink,
		logger,
		session.WithSystemPromptPath(cfg.Session.SystemPromptPath),
	)

	orch := agent.New(provider, registry, logger,
		agent.WithModel(cfg.LLM.Model),
		agent.WithMaxTokens(cfg.LLM.MaxTokens),
		agent.WithMaxDepth(cfg.LLM.MaxDepth),
	)

	srv := gateway.NewServer(manager, orch, logger)
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			"addr", cfg.Server.Addr(),
			"provider", provider.Name(),
			"sandbox", cfg.Sandbox.Backend,
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(ctx)
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func buildRunner(cfg *config.Config, logger *slog.Logger) sandbox.Runner {
	if cfg.Sandbox.Backend == "local" {
		logger.Warn("using local sandbox backend; commands run unisolated on the host")
		return sandbox.NewLocalRunner(cfg.Sandbox.Timeout)
	}
	return sandbox.NewDockerRunner(
		sandbox.WithTimeout(cfg.Sandbox.Timeout),
		sandbox.WithLogger(logger),
	)
}

func buildProvider(cfg *config.Config) (llm.Provider, error) {
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("no API key configured for provider %q", cfg.LLM.Provider)
	}
	switch cfg.LLM.Provider {
	case "openai":
		return llm.NewOpenAIProvider(cfg.LLM.APIKey, cfg.LLM.Model), nil
	case "anthropic":
		return llm.NewAnthropicProvider(cfg.LLM.APIKey, cfg.LLM.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

func buildExportSink(cfg *config.Config, runner sandbox.Runner, logger *slog.Logger) exporter.Sink {
	var sinks exporter.MultiSink
	if cfg.Export.Redis.Addr != "" {
		opts := []exporter.RedisOption{exporter.WithRedisLogger(logger)}
		if cfg.Export.Redis.KeyPrefix != "" {
			opts = append(opts, exporter.WithKeyPrefix(cfg.Export.Redis.KeyPrefix))
		}
		if cfg.Export.Redis.TTL > 0 {
			opts = append(opts, exporter.WithTTL(cfg.Export.Redis.TTL))
		}
		sinks = append(sinks, exporter.NewRedisSink(cfg.Export.Redis.Addr, opts...))
	}
	if cfg.Export.Container.Enabled {
		sinks = append(sinks, exporter.NewContainerSink(runner, cfg.Export.Container.Dir, logger))
	}
	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return sinks[0]
	default:
		return sinks
	}
}
