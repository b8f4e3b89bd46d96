// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pdffusion/keygate/internal/api"
	"github.com/pdffusion/keygate/internal/config"
	"github.com/pdffusion/keygate/internal/database"
	"github.com/pdffusion/keygate/internal/domain"
	"github.com/pdffusion/keygate/internal/license"
	"github.com/pdffusion/keygate/internal/logger"
	"github.com/pdffusion/keygate/internal/metrics"
	"github.com/pdffusion/keygate/internal/services/activation"
	"github.com/pdffusion/keygate/internal/services/notifications"
)

func serveCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the activation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configDir)
		},
	}
}

func runServe(configDir string) error {
	appCfg, err := config.New(configDir)
	if err != nil {
		return err
	}
	cfg := appCfg.Config

	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.Setup(logger.Options{
		Level:      cfg.LogLevel,
		Path:       cfg.LogPath,
		MaxSizeMB:  cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
	})

	log.Info().
		Str("config", appCfg.Dir).
		Str("encryptionKey", domain.RedactString(cfg.EncryptionKey)).
		Msg("Starting keygate")

	masterKey, err := cfg.MasterKey()
	if err != nil {
		return err
	}

	codec, err := license.NewCodec(masterKey)
	if err != nil {
		return errors.Wrap(err, "failed to initialize codec")
	}

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	notifier, err := notifications.NewService(log, cfg.NotificationURLs)
	if err != nil {
		return err
	}
	notifier.Start()
	defer notifier.Stop()

	m := metrics.NewManager(log)
	issuer := activation.NewIssuer(log, db, codec, notifier)
	service := activation.NewService(log, db, codec, notifier, m, cfg.BindLockTimeout)
	server := api.NewServer(log, cfg, db, issuer, service, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Run(ctx)
	})

	if cfg.MetricsEnabled {
		g.Go(func() error {
			return m.Serve(ctx, cfg.MetricsAddr())
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info().Msg("Shutdown complete")

	return nil
}
