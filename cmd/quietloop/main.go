package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/quietloop/quietloop/internal/cascade"
	"github.com/quietloop/quietloop/internal/config"
	"github.com/quietloop/quietloop/internal/domain"
	"github.com/quietloop/quietloop/internal/frame"
	"github.com/quietloop/quietloop/internal/nudge"
	"github.com/quietloop/quietloop/internal/pipeline"
	"github.com/quietloop/quietloop/internal/provider"
	"github.com/quietloop/quietloop/internal/respcache"
	"github.com/quietloop/quietloop/internal/safety"
	"github.com/quietloop/quietloop/internal/server"
	"github.com/quietloop/quietloop/internal/telemetry"
	"github.com/quietloop/quietloop/internal/trace"
)

var configPath string

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "quietloop",
		Short:        "Context-aware nudge pipeline for a personal support assistant",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(serveCmd(), nudgeCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
			slog.SetDefault(logger)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			shutdown, err := telemetry.Init("quietloop", os.Stderr, logger)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error("tracer shutdown failed", slog.String("error", err.Error()))
				}
			}()

			pipe, store, err := buildPipeline(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			srv := server.New(cfg.Server.Port, pipe, cfg.Server.RequestTimeout, logger)
			return srv.Start()
		},
	}
}

func nudgeCmd() *cobra.Command {
	var req domain.Request

	cmd := &cobra.Command{
		Use:   "nudge",
		Short: "Run one request through the pipeline and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			pipe, store, err := buildPipeline(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			result := pipe.Process(cmd.Context(), req)
			pipe.Wait() // flush trace appends before the store closes

			sink := nudge.NewLogSink(logger)
			if result.Success {
				_ = sink.Deliver(cmd.Context(), domain.Nudge{
					UserID:       req.UserID,
					ResponseText: result.ResponseText,
					DeliveryTier: result.DeliveryTier,
				})
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("pipeline failure: %s", result.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&req.UserID, "user", "u", "", "user ID")
	cmd.Flags().StringVarP(&req.Message, "message", "m", "", "message text")
	cmd.Flags().StringVar(&req.TaskFocus, "task", "", "current task focus")
	cmd.Flags().StringVar(&req.TierHint, "tier", "", "delivery tier hint (gentle|motivational|sarcastic|urgent)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("message")

	return cmd
}

// buildPipeline assembles the full stage graph from configuration. The
// caller owns the returned store.
func buildPipeline(cfg *config.Config, logger *slog.Logger) (*pipeline.Pipeline, trace.Store, error) {
	var store trace.Store
	var err error
	switch cfg.Trace.Backend {
	case "sqlite":
		store, err = trace.NewSQLiteStore(cfg.Trace.Path, cfg.Trace.Retention)
		if err != nil {
			return nil, nil, fmt.Errorf("open trace store: %w", err)
		}
	default:
		store = trace.NewMemoryStore(cfg.Trace.Retention)
	}

	monitor, err := safety.NewMonitor(cfg.Safety.ExtraTerms)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("build crisis monitor: %w", err)
	}

	casc, err := cascade.New(cascade.Options{
		Cache:            respcache.New(cfg.Cache.MaxEntries),
		CacheTTL:         cfg.Cache.TTL,
		Primary:          provider.NewOpenAI("primary", cfg.Providers.Primary),
		PrimaryTimeout:   cfg.Providers.Primary.Timeout,
		Secondary:        provider.NewOpenAI("secondary", cfg.Providers.Secondary),
		SecondaryTimeout: cfg.Providers.Secondary.Timeout,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		CoolDown:         cfg.Breaker.CoolDown,
		Prompts:          provider.NewPromptBuilder(cfg.Providers.Primary.MaxPromptTokens),
		Fallbacks: map[domain.Tier]string{
			domain.TierGentle:       cfg.Fallback.Gentle,
			domain.TierMotivational: cfg.Fallback.Motivational,
			domain.TierSarcastic:    cfg.Fallback.Sarcastic,
			domain.TierUrgent:       cfg.Fallback.Urgent,
		},
		Logger: logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	pipe, err := pipeline.New(pipeline.Options{
		Config:  cfg.Pipeline,
		Monitor: monitor,
		Safety:  cfg.Safety,
		Frames:  frame.NewBuilder(store, cfg.Scoring, cfg.Pipeline.StoreReadTimeout, logger),
		Cascade: casc,
		Store:   store,
		Logger:  logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return pipe, store, nil
}
