// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kaleido-io/voucherd/internal/api"
	"github.com/kaleido-io/voucherd/internal/config"
	"github.com/kaleido-io/voucherd/internal/log"
	"github.com/kaleido-io/voucherd/internal/orchestrator"
	"github.com/kaleido-io/voucherd/internal/otp"
	"github.com/kaleido-io/voucherd/internal/persistence"
	"github.com/kaleido-io/voucherd/internal/provider"
	"github.com/kaleido-io/voucherd/internal/registry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator API and control plane",
	RunE: func(c *cobra.Command, args []string) error {
		return runServe(c.Context())
	},
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return exitErrorf(1, err)
	}
	log.SetLevel(cfg.LogLevel)

	db, err := openDB(cfg)
	if err != nil {
		return exitErrorf(2, err)
	}
	if err := persistence.Migrate(db); err != nil {
		return exitErrorf(2, err)
	}

	reg := registry.NewGormRegistry(db)
	store := persistence.NewStore(db)
	mailboxes := otp.NewMailboxes()
	providerClient := provider.NewClient(provider.Config{
		BaseURL:              cfg.ProviderBaseURL,
		GlobalConcurrency:    &cfg.MaxConcurrentCalls,
		PerServerConcurrency: &cfg.MaxConcurrentPerServer,
	})

	control := orchestrator.New(orchestrator.Deps{
		Registry:    reg,
		Persistence: store,
		Provider:    providerClient,
		Mailboxes:   mailboxes,
		LockTTL:     cfg.LockTTL(),
		PollPaused:  250 * time.Millisecond,
		OTPTimeout:  cfg.OTPTimeout(),
	})

	server := api.NewServer(control, mailboxes, cfg.ProviderBaseURL, 2*cfg.HeartbeatInterval()+time.Second)
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: server.Router()}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.L(ctx).Infof("voucherd listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.L(ctx).Errorf("http server error: %s", err)
		}
	}()

	<-sigCtx.Done()
	log.L(ctx).Infof("shutdown signal received, draining in-flight workers")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	control.Drain(shutdownCtx, 25*time.Second)

	return nil
}

func openDB(cfg config.Config) (*gorm.DB, error) {
	switch cfg.DatabaseKind {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	case "mysql":
		return gorm.Open(mysql.Open(cfg.DatabaseDSN), &gorm.Config{})
	case "sqlite", "":
		return gorm.Open(sqlite.Open(cfg.DatabaseDSN), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported database kind %q", cfg.DatabaseKind)
	}
}
