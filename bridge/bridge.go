// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/keyrelay/keyrelay/lib/netutil"
)

// Bridge forwards Unix socket connections to an upstream endpoint.
type Bridge struct {
	// SocketPath is the local agent socket to listen on. A stale
	// socket file left by a dead process is taken over.
	SocketPath string

	// SocketMode is the permission mode for the socket file. Zero
	// means 0600.
	SocketMode os.FileMode

	// Upstream is the endpoint to forward each connection to:
	// "unix:<path>" or "tcp:<host:port>".
	Upstream string

	// DialTimeout bounds each upstream connect. Zero means 5s.
	DialTimeout time.Duration

	// Logger receives structured log output. If nil, slog.Default()
	// is used. Per-connection events are logged at Debug level;
	// lifecycle events and failures at Info/Error.
	Logger *slog.Logger

	upstreamNetwork string
	upstreamAddr    string

	listener    net.Listener
	cancel      context.CancelFunc
	done        chan struct{}
	connections sync.WaitGroup
}

// logger returns the configured logger or the default.
func (b *Bridge) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// ParseEndpoint splits an "unix:<path>" or "tcp:<host:port>" endpoint
// string into a network and address for net.Dial.
func ParseEndpoint(endpoint string) (network, addr string, err error) {
	switch {
	case strings.HasPrefix(endpoint, "unix:"):
		return "unix", strings.TrimPrefix(endpoint, "unix:"), nil
	case strings.HasPrefix(endpoint, "tcp:"):
		return "tcp", strings.TrimPrefix(endpoint, "tcp:"), nil
	}
	return "", "", fmt.Errorf("endpoint %q: expected unix:<path> or tcp:<host:port>", endpoint)
}

// Start binds the socket and begins forwarding. It returns once the
// listener is accepting; the bridge then runs in the background until
// Stop is called or the context is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	if b.SocketPath == "" {
		return fmt.Errorf("bridge: SocketPath is required")
	}
	network, addr, err := ParseEndpoint(b.Upstream)
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	b.upstreamNetwork, b.upstreamAddr = network, addr

	mode := b.SocketMode
	if mode == 0 {
		mode = 0o600
	}
	listener, err := netutil.ListenUnixSocket(b.SocketPath, mode)
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	b.listener = listener

	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		defer os.Remove(b.SocketPath)
		b.acceptLoop(ctx)
	}()

	b.logger().Info("bridge started",
		"socket", b.SocketPath,
		"upstream", b.Upstream,
	)
	return nil
}

// Addr returns the listener's address. Returns nil if the bridge has
// not been started.
func (b *Bridge) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop shuts down the bridge, closing the listener and waiting for all
// in-flight connections to drain.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.listener != nil {
		b.listener.Close()
	}
	if b.done != nil {
		<-b.done
	}
}

// Wait blocks until the bridge has stopped.
func (b *Bridge) Wait() {
	if b.done != nil {
		<-b.done
	}
}

// acceptLoop accepts connections and splices each to a fresh upstream
// connection. It waits for all in-flight connection goroutines before
// returning, so closing the done channel signals full quiescence.
func (b *Bridge) acceptLoop(ctx context.Context) {
	var connectionCount int64

	for {
		connection, err := b.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				b.connections.Wait()
				return
			default:
				if netutil.IsExpectedCloseError(err) {
					b.connections.Wait()
					return
				}
				b.logger().Error("accept failed", "error", err)
				continue
			}
		}

		connectionCount++
		connectionID := connectionCount
		b.connections.Add(1)
		go func() {
			defer b.connections.Done()
			b.handleConnection(connection, connectionID)
		}()
	}
}

func (b *Bridge) handleConnection(client net.Conn, connectionID int64) {
	defer client.Close()

	logger := b.logger().With("connection_id", connectionID)
	logger.Debug("connection accepted")

	timeout := b.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	upstream, err := net.DialTimeout(b.upstreamNetwork, b.upstreamAddr, timeout)
	if err != nil {
		logger.Error("upstream dial failed",
			"upstream", b.Upstream,
			"error", err,
		)
		return
	}
	defer upstream.Close()

	if err := netutil.BridgeConnections(client, upstream); err != nil {
		logger.Debug("copy error", "error", err)
	}
	logger.Debug("connection closed")
}
