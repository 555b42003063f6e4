// Package main is the entry point for the policykit binary.
// It provides a CLI for running the moderation service or checking a
// single posting from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/policykit/policykit/pkg/api"
	"github.com/policykit/policykit/pkg/classify"
	"github.com/policykit/policykit/pkg/config"
	"github.com/policykit/policykit/pkg/logging"
	"github.com/policykit/policykit/pkg/pipeline"
	"github.com/policykit/policykit/pkg/store"
	"github.com/policykit/policykit/pkg/telemetry"
	"github.com/policykit/policykit/pkg/vectorcache"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "policykit",
		Short: "Job posting moderation service",
		Long: `PolicyKit screens job postings against a policy taxonomy using an
external classifier, with an injection pre-filter and a similarity cache
in front of the per-category investigations.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Enable pretty console logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCheckCmd())

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the moderation HTTP server",
		RunE:  runServe,
	}
}

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [file]",
		Short: "Check a single job posting and print the verdict as JSON",
		Long: `Check reads the posting text from the given file, or from stdin when
no file is provided, runs it through the full pipeline once and prints
the verdict to stdout.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCheck,
	}
	return cmd
}

// bootstrap loads configuration and builds the logger shared by both
// subcommands.
func bootstrap(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}

	if lvl, err := cmd.Flags().GetString("log-level"); err == nil && lvl != "" {
		cfg.LogLevel = lvl
	}
	pretty, _ := cmd.Flags().GetBool("pretty")

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.LogLevel,
		Pretty: pretty,
	})
	slog.SetDefault(logger)

	return cfg, logger, nil
}

// buildChecker wires the pipeline from configuration. The returned
// cleanup closes the taxonomy watcher.
func buildChecker(cfg *config.Config, logger *slog.Logger) (*pipeline.Checker, func() error, error) {
	st, err := store.NewFileStore(cfg.TaxonomyPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load taxonomy: %w", err)
	}

	gateway := classify.NewOpenAIGateway(classify.OpenAIGatewayOptions{
		BaseURL: cfg.Classifier.BaseURL,
		APIKey:  cfg.Classifier.APIKey,
		Model:   cfg.Classifier.Model,
	}, logger)

	embedder := vectorcache.NewOpenAIEmbedder(vectorcache.OpenAIEmbedderOptions{
		BaseURL: cfg.Classifier.BaseURL,
		APIKey:  cfg.Classifier.APIKey,
		Model:   cfg.Classifier.EmbeddingModel,
	})
	cache := vectorcache.New(embedder, vectorcache.NewMemoryIndex(), cfg.Pipeline.VectorSimilarityThreshold, logger)

	checker := pipeline.NewChecker(cfg.Pipeline, gateway, st, cache, logger)
	return checker, st.Close, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := bootstrap(cmd)
	if err != nil {
		return err
	}

	logger.Info("starting policykit", "listen_addr", cfg.Server.ListenAddr, "taxonomy", cfg.TaxonomyPath)

	ctx := cmd.Context()
	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "policykit",
		Endpoint:    cfg.Telemetry.Endpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	checker, closeStore, err := buildChecker(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("failed to close taxonomy store", "error", err)
		}
	}()

	server := api.NewServer(api.ServerConfig{
		ListenAddr:   cfg.Server.ListenAddr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, checker, api.NewMetrics(), logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown error", "error", err)
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap(cmd)
	if err != nil {
		return err
	}

	var text []byte
	if len(args) == 1 {
		// #nosec G304 -- File path comes from the operator's command line
		text, err = os.ReadFile(args[0])
	} else {
		text, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("read posting text: %w", err)
	}

	checker, closeStore, err := buildChecker(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("failed to close taxonomy store", "error", err)
		}
	}()

	verdict, err := checker.Evaluate(cmd.Context(), string(text))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(verdict)
}
