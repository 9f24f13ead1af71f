// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

// apexd is the privileged, device-local daemon that activates,
// deactivates, stages, and tracks signed filesystem-image packages.
//
// On startup it:
//  1. Loads its configuration from the file named by APEXD_CONFIG.
//  2. Sweeps any mount points left behind by an unclean prior exit and
//     destroys orphaned loop devices.
//  3. Activates every package already present under its active
//     (staged) package directory, then under its system package
//     directory.
//  4. Publishes readiness and starts accepting control requests over
//     its Unix socket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/apexdaemon/apexd/internal/config"
	"github.com/apexdaemon/apexd/internal/controller"
	"github.com/apexdaemon/apexd/internal/ipc"
	"github.com/apexdaemon/apexd/internal/loopdev"
	"github.com/apexdaemon/apexd/internal/mount"
	"github.com/apexdaemon/apexd/internal/readystate"
	"github.com/apexdaemon/apexd/internal/registry"
	"github.com/apexdaemon/apexd/internal/seal"
	"github.com/apexdaemon/apexd/internal/session"
	"github.com/apexdaemon/apexd/internal/staging"
	"github.com/apexdaemon/apexd/internal/veritydev"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "apexd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var logLevel string

	flagSet := pflag.NewFlagSet("apexd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to apexd.yaml (overrides APEXD_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	log := newLogger(logLevel)

	if configPath != "" {
		os.Setenv("APEXD_CONFIG", configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := buildController(cfg, log)
	if err != nil {
		return fmt.Errorf("initializing daemon: %w", err)
	}

	log.Info("sweeping mount points left by a previous run")
	if err := c.UnmountAndDetachExisting(); err != nil {
		log.Error("startup sweep failed", "error", err)
	}

	log.Info("activating staged packages", "dir", cfg.ActiveApexDir)
	for _, activateErr := range c.ScanAndActivate(cfg.ActiveApexDir) {
		log.Warn("failed to activate a staged package", "error", activateErr)
	}

	log.Info("activating system packages", "dir", cfg.SystemApexDir)
	for _, activateErr := range c.ScanAndActivate(cfg.SystemApexDir) {
		log.Warn("failed to activate a system package", "error", activateErr)
	}

	ready := readystate.New()
	server := ipc.NewServer(cfg.SocketPath, c, ready, log)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx)
	}()

	ready.MarkReady()
	log.Info("apexd ready", "socket", cfg.SocketPath)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("ipc server: %w", err)
		}
	}
	return nil
}

func buildController(cfg *config.Config, log *slog.Logger) (*controller.Controller, error) {
	loops := loopdev.New(loopdev.KernelBackend{}, log)
	verityDevs := veritydev.New(veritydev.KernelBackend{}, log)
	mounter := mount.KernelMounter{}
	reg := registry.New()

	mountEngine := mount.New(mount.Config{
		Loops:               loops,
		VerityDevs:          verityDevs,
		Registry:            reg,
		Mounter:             mounter,
		Log:                 log,
		TrustedKeyDirs:      cfg.TrustedKeyDirs,
		ForceVerityOnSystem: cfg.ForceVerityOnSystem,
	})
	stageEngine := staging.New(cfg.ActiveApexDir, cfg.TrustedKeyDirs, log)

	sessionStore := session.NewStore(cfg.SessionsDir)
	if cfg.SealSessions {
		sealer, err := seal.Open(filepath.Dir(cfg.SessionsDir))
		if err != nil {
			return nil, fmt.Errorf("opening session seal identity: %w", err)
		}
		sessionStore = session.NewSealedStore(cfg.SessionsDir, sealer)
	}

	return &controller.Controller{
		Root:        cfg.Root,
		SystemDir:   cfg.SystemApexDir,
		SessionsDir: cfg.SessionsDir,
		Mount:       mountEngine,
		Stage:       stageEngine,
		Registry:    reg,
		Loops:       loops,
		Sessions:    sessionStore,
		Logger:      log,
	}, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
