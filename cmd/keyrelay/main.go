// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/keyrelay/keyrelay/backend"
	"github.com/keyrelay/keyrelay/lib/config"
	"github.com/keyrelay/keyrelay/lib/version"
	"github.com/keyrelay/keyrelay/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("keyrelay", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "YAML config file (default: $"+config.EnvVar+" if set)")
	socketPath := flagSet.StringP("socket", "s", "", "agent socket path to serve")
	socketMode := flagSet.String("socket-mode", "", "socket file mode, octal (default 0600)")
	backendFlag := flagSet.StringP("backend", "b", "", "backend: unix:<path>, exec:<command>, or stdio")
	timeout := flagSet.Duration("timeout", 0, "per-request timeout (0 disables)")
	verbose := flagSet.BoolP("verbose", "v", false, "enable per-line debug logging")
	showVersion := flagSet.Bool("version", false, "print version and exit")
	flagSet.Usage = func() { printUsage(flagSet) }

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("keyrelay %s\n", version.Info())
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *socketPath != "" {
		cfg.Socket.Path = *socketPath
	}
	if *socketMode != "" {
		cfg.Socket.Mode = *socketMode
	}
	if *backendFlag != "" {
		if err := applyBackendFlag(cfg, *backendFlag); err != nil {
			return err
		}
	}
	if flagSet.Changed("timeout") {
		cfg.Relay.RequestTimeout = config.Duration(*timeout)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Socket.Path == "" {
		return fmt.Errorf("--socket (or socket.path in the config file) is required")
	}
	mode, err := cfg.SocketMode()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level, *verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	executor, closeExecutor, err := buildExecutor(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeExecutor()

	// Config semantics: zero timeout disables the bound. The relay
	// layer treats zero as "use the default", negative as disabled.
	requestTimeout := cfg.Relay.RequestTimeout.Std()
	if requestTimeout == 0 {
		requestTimeout = -1
	}

	service := relay.New(relay.Config{
		SocketPath:       cfg.Socket.Path,
		SocketMode:       mode,
		RequestTimeout:   requestTimeout,
		MaxInquiryBytes:  cfg.Relay.MaxInquiryBytes,
		MaxInquiryRounds: cfg.Relay.MaxInquiryRounds,
		AllowedUIDs:      cfg.Socket.AllowedUIDs,
		Logger:           logger,
	}, executor)

	handle, err := service.Start(ctx)
	if err != nil {
		return err
	}

	<-ctx.Done()
	stop()
	logger.Info("shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return handle.Stop(drainCtx)
}

// loadConfig reads the file named by the flag, falling back to the
// environment variable, falling back to built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv(config.EnvVar)
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// applyBackendFlag overrides the backend section from the --backend
// flag value.
func applyBackendFlag(cfg *config.Config, value string) error {
	switch {
	case value == "stdio":
		cfg.Backend = config.BackendConfig{Kind: config.BackendStdio}
	case strings.HasPrefix(value, "unix:"):
		cfg.Backend = config.BackendConfig{
			Kind:   config.BackendUnix,
			Socket: strings.TrimPrefix(value, "unix:"),
		}
	case strings.HasPrefix(value, "exec:"):
		command := strings.Fields(strings.TrimPrefix(value, "exec:"))
		if len(command) == 0 {
			return fmt.Errorf("--backend exec: requires a command")
		}
		cfg.Backend = config.BackendConfig{
			Kind:    config.BackendExec,
			Command: command,
		}
	default:
		return fmt.Errorf("--backend %q: expected unix:<path>, exec:<command>, or stdio", value)
	}
	return nil
}

// buildExecutor constructs the executor the backend section selects,
// returning a cleanup that releases its resources.
func buildExecutor(ctx context.Context, cfg *config.Config, logger *slog.Logger) (relay.Executor, func() error, error) {
	switch cfg.Backend.Kind {
	case config.BackendUnix:
		if cfg.Backend.Socket == "" {
			return nil, nil, fmt.Errorf("backend kind %q requires socket", config.BackendUnix)
		}
		upstream := backend.NewUpstream(backend.UpstreamConfig{
			SocketPath: cfg.Backend.Socket,
			Logger:     logger,
		})
		return upstream, upstream.Close, nil

	case config.BackendStdio:
		wire := backend.NewWire(stdioStream{}, logger)
		return wire, wire.Close, nil

	case config.BackendExec:
		command := cfg.Backend.Command
		cmd := exec.CommandContext(ctx, command[0], command[1:]...)
		cmd.Stderr = os.Stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("backend command: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("backend command: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, nil, fmt.Errorf("backend command: %w", err)
		}
		logger.Info("backend command started", "command", command, "pid", cmd.Process.Pid)
		wire := backend.NewWire(&processStream{stdin: stdin, stdout: stdout, cmd: cmd}, logger)
		return wire, wire.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
}

// stdioStream is the daemon's own stdin/stdout as a byte stream, for
// running under a parent that owns the tunnel.
type stdioStream struct{}

func (stdioStream) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioStream) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdioStream) Close() error {
	os.Stdout.Close()
	return os.Stdin.Close()
}

// processStream is a spawned command's stdio as a byte stream. Close
// signals EOF to the child and reaps it.
type processStream struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	cmd    *exec.Cmd
}

func (s *processStream) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *processStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *processStream) Close() error {
	s.stdin.Close()
	s.stdout.Close()
	return s.cmd.Wait()
}

func newLogger(level string, verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `keyrelay - serve an agent socket backed by a remote agent session

USAGE
    keyrelay --socket <path> --backend <endpoint> [flags]

BACKENDS
    unix:<path>       relay to a local agent socket
    exec:<command>    spawn the command (e.g. "exec:ssh host keyrelay-host")
                      and speak the wire protocol over its stdio
    stdio             speak the wire protocol on keyrelay's own
                      stdin/stdout (a parent process owns the tunnel)

EXAMPLES
    # Forward the local gpg-agent socket path to a workstation agent:
    keyrelay --socket "$(gpgconf --list-dirs agent-socket)" \
        --backend "exec:ssh workstation keyrelay-host"

FLAGS
%s`, flagSet.FlagUsages())
}
