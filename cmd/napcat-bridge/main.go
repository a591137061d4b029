// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command napcat-bridge connects a NapCat QQ gateway to a MaiBot message
// router. The gateway dials the bridge over a reverse WebSocket; the bridge
// dials the router.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.mau.fi/util/exzerolog"

	"github.com/aiku/napcat-bridge/pkg/banstore"
	"github.com/aiku/napcat-bridge/pkg/connector"
	"github.com/aiku/napcat-bridge/pkg/maim"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownTimeout = 15 * time.Second

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "napcat-bridge",
		Short: "NapCat to MaiBot protocol bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the config file")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "example-config",
			Short: "Print the example config",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprint(cmd.OutOrStdout(), connector.ExampleConfig)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "napcat-bridge %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
			},
		},
	)
	return cmd
}

func run(ctx context.Context, configPath string) error {
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		configPath = ""
	}
	cfg, err := connector.LoadConfig(configPath)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	exzerolog.SetupDefaults(log)
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting napcat-bridge")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := banstore.Open(ctx, cfg.Database.URI, *log)
	if err != nil {
		return err
	}
	defer store.Close()

	router := maim.NewRouter(maim.RouterConfig{
		URL:            cfg.MaiBot.URL,
		Platform:       cfg.MaiBot.Platform,
		Token:          cfg.MaiBot.Token,
		ReconnectDelay: cfg.MaiBot.ReconnectDelayDuration(),
	}, *log)
	defer router.Close()

	bridge := connector.NewBridge(
		cfg, *log, router,
		banstore.NewReconciler(store, *log),
		connector.NewHTTPFetcher(cfg.Bridge.ImageFetchTimeoutDuration()),
	)
	router.RegisterHandler(bridge.Outbound.HandleUpstream)
	if err = bridge.Start(ctx); err != nil {
		return err
	}

	routerDone := make(chan error, 1)
	go func() {
		routerDone <- router.Run(ctx)
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	// The router must stop handing out deliveries before Stop waits on them.
	routerErr := <-routerDone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err = bridge.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Unclean shutdown")
	}
	return routerErr
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
