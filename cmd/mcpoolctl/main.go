package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mcpool/internal/app"
)

type globalOptions struct {
	configPath string
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	root := newRootCmd(logger)
	if err := root.Execute(); err != nil {
		logger.Fatal("command failed", zap.Error(err))
	}
}

func newRootCmd(logger *zap.Logger) *cobra.Command {
	opts := globalOptions{
		configPath: "providers.yaml",
	}

	root := &cobra.Command{
		Use:   "mcpoolctl",
		Short: "Session-pooled access to MCP tool providers",
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", opts.configPath, "path to provider config file")

	root.AddCommand(
		newToolsCmd(logger, &opts),
		newCallCmd(logger, &opts),
		newProbeCmd(logger, &opts),
		newBenchCmd(logger, &opts),
		newValidateCmd(logger, &opts),
	)

	return root
}

func newToolsCmd(logger *zap.Logger, opts *globalOptions) *cobra.Command {
	var provider string
	var cached bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List tools exposed by configured providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			return app.New(logger).Tools(ctx, app.ToolsConfig{
				ConfigPath: opts.configPath,
				Provider:   provider,
				Cached:     cached,
			})
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "limit listing to one provider")
	cmd.Flags().BoolVar(&cached, "cached", false, "read persisted catalog snapshots instead of contacting providers")
	return cmd
}

func newCallCmd(logger *zap.Logger, opts *globalOptions) *cobra.Command {
	var provider, tool, argsJSON string

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Invoke a tool on a provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			return app.New(logger).Call(ctx, app.CallConfig{
				ConfigPath: opts.configPath,
				Provider:   provider,
				Tool:       tool,
				Args:       argsJSON,
			})
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "provider name")
	cmd.Flags().StringVar(&tool, "tool", "", "tool name")
	cmd.Flags().StringVar(&argsJSON, "args", "", "tool arguments as a JSON object")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

func newProbeCmd(logger *zap.Logger, opts *globalOptions) *cobra.Command {
	var provider string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Establish a session and measure a ping round trip",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			return app.New(logger).Probe(ctx, app.ProbeConfig{
				ConfigPath: opts.configPath,
				Provider:   provider,
				Timeout:    timeout,
			})
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "provider name")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "ping timeout")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func newBenchCmd(logger *zap.Logger, opts *globalOptions) *cobra.Command {
	var provider, tool, argsJSON, metricsListen string
	var concurrency, requests int

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive concurrent invocations through the shared session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			return app.New(logger).Bench(ctx, app.BenchConfig{
				ConfigPath:    opts.configPath,
				Provider:      provider,
				Tool:          tool,
				Args:          argsJSON,
				Concurrency:   concurrency,
				Requests:      requests,
				MetricsListen: metricsListen,
			})
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "provider name")
	cmd.Flags().StringVar(&tool, "tool", "", "tool name")
	cmd.Flags().StringVar(&argsJSON, "args", "", "tool arguments as a JSON object")
	cmd.Flags().IntVar(&concurrency, "concurrency", 8, "number of concurrent callers")
	cmd.Flags().IntVar(&requests, "requests", 100, "total number of invocations")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address during the run")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

func newValidateCmd(logger *zap.Logger, opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate provider configuration without contacting providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.New(logger).Validate(cmd.Context(), app.ValidateConfig{
				ConfigPath: opts.configPath,
			})
		},
	}
}

func signalAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
