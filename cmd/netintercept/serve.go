package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"netintercept/internal/config"
	"netintercept/internal/logger"
	"netintercept/internal/server"
	"netintercept/internal/service"
	"netintercept/internal/storage"
	"netintercept/pkg/api"
	"netintercept/pkg/domain"

	"github.com/spf13/cobra"
)

func newServeCmd(cfgFile *string) *cobra.Command {
	var addr, devtools, target string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the protocol server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if devtools != "" {
				cfg.CDP.DevToolsURL = devtools
			}
			if target != "" {
				cfg.CDP.Target = target
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&devtools, "devtools", "", "DevTools HTTP endpoint (overrides cdp.devtools_url)")
	cmd.Flags().StringVar(&target, "target", "", "target id to attach (default: first page)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.New(logger.Options{
		Level:   cfg.Log.Level,
		Writers: cfg.Log.Writer,
		File:    cfg.Log.File,
		MaxSize: cfg.Log.MaxSize,
		MaxAge:  cfg.Log.MaxAge,
		Backups: cfg.Log.Backups,
	})

	opts := []service.Option{service.WithEventBuffer(cfg.CDP.EventBuffer)}
	if cfg.Journal.Enabled {
		db, err := storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, log)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		opts = append(opts, service.WithJournal(storage.NewJournal(db, log)))
	}
	svc := api.NewService(log, opts...)

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	srv := server.New(svc, server.Config{
		Addr:        cfg.Server.Addr,
		Path:        cfg.Server.Path,
		MetricsPath: metricsPath,
		Session: domain.SessionConfig{
			DevToolsURL:      cfg.CDP.DevToolsURL,
			Target:           cfg.CDP.Target,
			ProcessTimeoutMS: cfg.CDP.ProcessTimeoutMS,
		},
	}, log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("正在关闭协议服务")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
