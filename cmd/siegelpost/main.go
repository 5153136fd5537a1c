// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/siegelpost/siegelpost/core/compat"
	"github.com/siegelpost/siegelpost/server"
	"github.com/siegelpost/siegelpost/server/config"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "siegelpost",
		Short: "Siegelpost end-to-end encryption daemon",
		Long: `Siegelpost is the session key lifecycle and message encryption daemon of an
end-to-end encrypted chat platform.

It maintains per-user asymmetric identity keys, distributes per-conversation
session keys wrapped under the recipients' public keys, decrypts and verifies
authenticated message envelopes, rejects replayed envelopes inside a sliding
window, and runs the periodic jobs that keep the cryptographic state correct:
key rotation, revoked package cleanup, identity key expiry, and message
self-destruction.

The daemon is designed to run as a long-lived process and requires a TOML
configuration naming its data directory and policies.`,
		Example: `  # Start with the default configuration file
  siegelpost

  # Start with a custom configuration file
  siegelpost --config /etc/siegelpost/siegelpost.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "siegelpost.toml",
		"path to the server configuration file (TOML format)")

	return cmd
}

func main() {
	rootCmd := newRootCommand()

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func runServer(cfg Config) error {
	// Set the umask to something "paranoid".
	compat.Umask(0077)

	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		// But only if the user isn't trying to override it.
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	serverCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the server.
	svr, err := server.New(serverCfg, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the server gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate server logs upon SIGHUP.
	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	// Wait for the server to explode or be terminated.
	svr.Wait()
	return nil
}
