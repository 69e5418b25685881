// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/keyrelay/keyrelay/bridge"
	"github.com/keyrelay/keyrelay/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("keyrelay-bridge", pflag.ContinueOnError)
	socketPath := flagSet.StringP("socket", "s", "", "agent socket path to serve (required)")
	socketMode := flagSet.String("socket-mode", "0600", "socket file mode, octal")
	upstream := flagSet.StringP("upstream", "u", "", "forward target: unix:<path> or tcp:<host:port> (required)")
	verbose := flagSet.BoolP("verbose", "v", false, "enable per-connection debug logging")
	showVersion := flagSet.Bool("version", false, "print version and exit")
	flagSet.Usage = func() { printUsage(flagSet) }

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("keyrelay-bridge %s\n", version.Info())
		return nil
	}
	if *socketPath == "" {
		return fmt.Errorf("--socket is required")
	}
	if *upstream == "" {
		return fmt.Errorf("--upstream is required")
	}
	mode, err := strconv.ParseUint(*socketMode, 8, 32)
	if err != nil {
		return fmt.Errorf("invalid socket mode %q: %w", *socketMode, err)
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := &bridge.Bridge{
		SocketPath: *socketPath,
		SocketMode: os.FileMode(mode),
		Upstream:   *upstream,
		Logger:     logger,
	}
	if err := b.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	stop()
	b.Stop()
	return nil
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `keyrelay-bridge - splice an agent socket to an upstream endpoint

USAGE
    keyrelay-bridge --socket <path> --upstream unix:<path>|tcp:<host:port>

FLAGS
%s`, flagSet.FlagUsages())
}
