// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/keyrelay/keyrelay/backend"
	"github.com/keyrelay/keyrelay/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("keyrelay-host", pflag.ContinueOnError)
	agentSocket := flagSet.String("agent-socket", "", "agent socket to execute requests against (required)")
	dialTimeout := flagSet.Duration("dial-timeout", backend.DefaultDialTimeout, "agent socket connect timeout")
	verbose := flagSet.BoolP("verbose", "v", false, "enable per-request debug logging")
	showVersion := flagSet.Bool("version", false, "print version and exit")
	flagSet.Usage = func() { printUsage(flagSet) }

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("keyrelay-host %s\n", version.Info())
		return nil
	}
	if *agentSocket == "" {
		return fmt.Errorf("--agent-socket is required")
	}

	// Stdout carries the wire protocol; all diagnostics go to stderr.
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

	upstream := backend.NewUpstream(backend.UpstreamConfig{
		SocketPath:  *agentSocket,
		DialTimeout: *dialTimeout,
		Logger:      logger,
	})
	defer upstream.Close()

	logger.Info("serving", "agent_socket", *agentSocket)
	return backend.ServeWire(ctx, stdioStream{}, upstream, logger)
}

// stdioStream is the process's stdin/stdout as one byte stream.
type stdioStream struct{}

func (stdioStream) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioStream) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdioStream) Close() error {
	os.Stdout.Close()
	return os.Stdin.Close()
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `keyrelay-host - execute relayed agent requests on this machine

Speaks the keyrelay wire protocol on stdin/stdout. Run it over the
tunnel of your choice, typically from the relay side:

    keyrelay --socket <path> --backend "exec:ssh host keyrelay-host \
        --agent-socket $(gpgconf --list-dirs agent-socket)"

FLAGS
%s`, flagSet.FlagUsages())
}
