package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"phototag/internal/config"
	"phototag/internal/encoder"
	"phototag/internal/exiftool"
	"phototag/internal/logging"
	"phototag/internal/pipeline"
	"phototag/internal/server"
	"phototag/internal/spool"
	"phototag/internal/storage"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "phototag",
		Short: "Phototag embeds descriptive metadata into uploaded images",
		Long: `Phototag re-encodes uploaded images to a requested format, embeds
title, description, keywords, comments and GPS coordinates with exiftool,
and returns the result over HTTP.`,
	}

	rootCmd.AddCommand(newServeCmd(cfg, log))
	rootCmd.AddCommand(newToolsCmd(cfg, log))
	rootCmd.AddCommand(newConfigCmd(cfg))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newServeCmd(cfg *config.Config, log *slog.Logger) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP processing server",
		Long: `Start an HTTP server exposing the image processing endpoint plus
request history and live event streams.

Examples:
  # Default port from config / PORT env
  phototag serve

  # Explicit address
  phototag serve --addr :8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if addr == "" {
				addr = fmt.Sprintf(":%d", cfg.Server.Port)
			}

			tool, err := exiftool.Resolve(cfg.Tool.Path)
			if err != nil {
				return err
			}
			status := tool.Probe(ctx)
			logging.LogToolStatus(log, "exiftool", status.Available, status.Version, status.Path, status.Error)
			if !status.Available {
				return fmt.Errorf("exiftool unusable at %s: %v", tool.Path(), status.Error)
			}

			sp := spool.New(cfg.Spool.TempDir, cfg.Spool.DownloadDir)
			if err := sp.EnsureDirs(); err != nil {
				return err
			}

			store, err := storage.New(cfg.Paths.DatabasePath)
			if err != nil {
				return fmt.Errorf("open request store: %w", err)
			}
			defer store.Close()

			terminate := encoder.Initialize()
			defer terminate()

			remover := spool.NewRemover(cfg.Cleanup.Attempts, cfg.CleanupDelay(), log)

			if cfg.Spool.SweepEnabled {
				sweeper, err := spool.NewSweeper(sp, sweepDuration(cfg.Spool.SweepMaxAge), sweepDuration(cfg.Spool.SweepEvery), remover, log)
				if err != nil {
					log.Warn("failed to setup spool sweeper", "error", err)
				} else if err := sweeper.Start(ctx); err != nil {
					log.Warn("failed to start spool sweeper", "error", err)
				} else {
					log.Info("spool sweeper started",
						"max_age_s", cfg.Spool.SweepMaxAge,
						"interval_s", cfg.Spool.SweepEvery,
					)
				}
			}

			pipe := pipeline.New(encoder.New(cfg.Encoder.Quality), tool, sp, remover, store, log)
			srv := server.NewServer(addr, pipe, store, cfg.Server.AllowedOrigins, cfg.Server.MaxUploadMB, log)

			log.Info("server ready",
				"addr", addr,
				"endpoints", []string{"/api/process-image", "/healthz", "/jobs", "/stream", "/ws"},
			)

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (host:port), overrides configured port")

	return cmd
}

func newToolsCmd(cfg *config.Config, log *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Check availability of external tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			tool, err := exiftool.Resolve(cfg.Tool.Path)
			if err != nil {
				fmt.Printf("exiftool: not found (%v)\n", err)
			} else {
				status := tool.Probe(ctx)
				if status.Available {
					fmt.Printf("exiftool: %s (%s)\n", status.Version, status.Path)
				} else {
					fmt.Printf("exiftool: found at %s but unusable (%v)\n", status.Path, status.Error)
				}
			}

			if path, err := exec.LookPath("convert"); err == nil {
				fmt.Printf("imagemagick: available (%s)\n", path)
			} else {
				fmt.Printf("imagemagick: convert not found on PATH\n")
			}
			return nil
		},
	}
}

func newConfigCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := os.Getenv("PHOTOTAG_CONFIG")
			if cfgPath == "" {
				cfgPath = "(default) ~/.config/phototag/config.json"
			}
			fmt.Printf("Config file: %s\n", cfgPath)
			fmt.Printf("\nServer:\n")
			fmt.Printf("  Port: %d\n", cfg.Server.Port)
			fmt.Printf("  Allowed origins: %v\n", cfg.Server.AllowedOrigins)
			fmt.Printf("  Max upload: %dMB\n", cfg.Server.MaxUploadMB)
			fmt.Printf("\nSpool:\n")
			fmt.Printf("  Temp dir: %s\n", cfg.Spool.TempDir)
			fmt.Printf("  Download dir: %s\n", cfg.Spool.DownloadDir)
			fmt.Printf("  Sweep: enabled=%t max_age=%ds every=%ds\n", cfg.Spool.SweepEnabled, cfg.Spool.SweepMaxAge, cfg.Spool.SweepEvery)
			fmt.Printf("\nCleanup:\n")
			fmt.Printf("  Attempts: %d\n", cfg.Cleanup.Attempts)
			fmt.Printf("  Delay: %dms\n", cfg.Cleanup.DelayMS)
			fmt.Printf("\nEncoder quality: %d\n", cfg.Encoder.Quality)
			fmt.Printf("Database: %s\n", cfg.Paths.DatabasePath)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("Phototag v1.0.0-dev\n")
			fmt.Printf("Built with Go %s\n", runtime.Version())
			return nil
		},
	}
}

func sweepDuration(seconds int) time.Duration {
	if seconds <= 0 {
		seconds = 60
	}
	return time.Duration(seconds) * time.Second
}
