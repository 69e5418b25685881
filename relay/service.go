// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keyrelay/keyrelay/lib/clock"
	"github.com/keyrelay/keyrelay/lib/netutil"
)

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultSocketMode       = os.FileMode(0o600)
	DefaultRequestTimeout   = 2 * time.Minute
	DefaultMaxInquiryBytes  = 1 << 20
	DefaultMaxInquiryRounds = 8
)

// Config holds the relay service configuration.
type Config struct {
	// SocketPath is the filesystem path of the agent socket,
	// conventionally the path the real agent itself would publish.
	SocketPath string

	// SocketMode is the socket file mode. Zero means 0600.
	SocketMode os.FileMode

	// RequestTimeout bounds one executor call. Without it a single
	// hung backend call would stall a session forever. Zero means
	// DefaultRequestTimeout; negative disables the bound.
	RequestTimeout time.Duration

	// MaxInquiryBytes caps the total decoded data one request may
	// accumulate across inquiry rounds. Zero means the default.
	MaxInquiryBytes int

	// MaxInquiryRounds caps inquiry round-trips per request. Zero
	// means the default.
	MaxInquiryRounds int

	// AllowedUIDs restricts connections to the listed numeric user
	// IDs, verified via peer credentials. Empty admits any local user
	// the socket mode admits.
	AllowedUIDs []int

	// Logger receives diagnostic output. Nil means slog.Default().
	// Per-connection events log at Debug; lifecycle at Info; failures
	// at Warn/Error.
	Logger *slog.Logger

	// Clock is the time source for request timeouts. Nil means the
	// wall clock; tests inject a fake.
	Clock clock.Clock
}

// withDefaults returns a copy of c with zero values filled in.
func (c Config) withDefaults() Config {
	if c.SocketMode == 0 {
		c.SocketMode = DefaultSocketMode
	}
	switch {
	case c.RequestTimeout == 0:
		c.RequestTimeout = DefaultRequestTimeout
	case c.RequestTimeout < 0:
		c.RequestTimeout = 0
	}
	if c.MaxInquiryBytes == 0 {
		c.MaxInquiryBytes = DefaultMaxInquiryBytes
	}
	if c.MaxInquiryRounds == 0 {
		c.MaxInquiryRounds = DefaultMaxInquiryRounds
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return c
}

// Service wires an executor into a socket listener. A Service owns no
// process-wide state: create as many as needed, each with its own
// socket path.
type Service struct {
	config   Config
	executor Executor

	mu     sync.Mutex
	handle *Handle
}

// New creates a service that will listen on the configured socket and
// dispatch decoded operations to executor.
func New(config Config, executor Executor) *Service {
	return &Service{config: config.withDefaults(), executor: executor}
}

// Start binds the socket and begins accepting connections. It is
// idempotent: calling Start on a running service returns the existing
// handle rather than binding a duplicate listener. After Stop, a new
// Start binds afresh.
//
// Bind failures are reported as a *BindError.
func (s *Service) Start(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		if !s.handle.Stopped() {
			return s.handle, nil
		}
		// The old accept loop unlinks the socket path as it exits;
		// binding before that would hand it a fresh socket file to
		// unlink. Wait out its shutdown first.
		<-s.handle.done
	}

	listener, err := netutil.ListenUnixSocket(s.config.SocketPath, s.config.SocketMode)
	if err != nil {
		return nil, &BindError{Path: s.config.SocketPath, Err: err}
	}

	handle := &Handle{
		config:   s.config,
		executor: s.executor,
		listener: listener,
		logger:   s.config.Logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		conns:    make(map[uint64]net.Conn),
	}
	go handle.acceptLoop(ctx)

	s.config.Logger.Info("relay listening",
		"socket", s.config.SocketPath,
		"mode", s.config.SocketMode,
	)
	s.handle = handle
	return handle, nil
}

// Handle represents one bound listener. It is returned by Start and
// required by Stop — there is no ambient current-instance state.
type Handle struct {
	config   Config
	executor Executor
	listener net.Listener
	logger   *slog.Logger

	stopOnce  sync.Once
	isStopped atomic.Bool
	// stop tells idle sessions to close; sessions mid-exchange finish
	// their current operation first.
	stop chan struct{}
	// done closes when the accept loop has exited and every session
	// has drained.
	done chan struct{}

	sessions      sync.WaitGroup
	mu            sync.Mutex
	conns         map[uint64]net.Conn
	nextSessionID atomic.Uint64
	nextRequestID atomic.Uint64
}

// Stop stops accepting connections, lets sessions mid-exchange finish
// their current operation, closes them, and unlinks the socket path.
// The context bounds the graceful drain: when it expires, remaining
// connections are force-closed. Stop is idempotent — a second call is
// a no-op that returns once shutdown has completed.
func (h *Handle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.isStopped.Store(true)
		h.logger.Info("relay stopping", "socket", h.config.SocketPath)
		close(h.stop)
		h.listener.Close()
	})

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		h.logger.Warn("drain deadline expired, closing remaining sessions")
		h.mu.Lock()
		for _, conn := range h.conns {
			conn.Close()
		}
		h.mu.Unlock()
		<-h.done
		return nil
	}
}

// Stopped reports whether Stop has been called.
func (h *Handle) Stopped() bool { return h.isStopped.Load() }

// acceptLoop accepts connections until the listener closes, spawning
// one session goroutine per connection. It unlinks the socket path and
// closes done only after every session has drained.
func (h *Handle) acceptLoop(ctx context.Context) {
	defer close(h.done)
	defer os.Remove(h.config.SocketPath)

	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				break
			}
			// A failed accept affects no existing session; keep
			// serving.
			h.logger.Error("accept failed", "error", err)
			continue
		}

		if !h.peerAllowed(conn) {
			conn.Close()
			continue
		}

		id := h.nextSessionID.Add(1)
		h.mu.Lock()
		h.conns[id] = conn
		h.mu.Unlock()

		h.sessions.Add(1)
		go func() {
			defer h.sessions.Done()
			defer func() {
				h.mu.Lock()
				delete(h.conns, id)
				h.mu.Unlock()
			}()
			h.runSession(ctx, id, conn)
		}()
	}

	h.sessions.Wait()
}

// peerAllowed enforces the AllowedUIDs restriction, when configured.
func (h *Handle) peerAllowed(conn net.Conn) bool {
	if len(h.config.AllowedUIDs) == 0 {
		return true
	}
	uid, err := peerUID(conn)
	if err != nil {
		h.logger.Warn("rejecting connection, peer credentials unavailable", "error", err)
		return false
	}
	for _, allowed := range h.config.AllowedUIDs {
		if uid == allowed {
			return true
		}
	}
	h.logger.Warn("rejecting connection from unauthorized peer", "uid", uid)
	return false
}

func (h *Handle) runSession(ctx context.Context, id uint64, conn net.Conn) {
	logger := h.logger.With("session_id", id)
	logger.Debug("session opened")

	sess := &session{
		id:               id,
		conn:             conn,
		executor:         h.executor,
		logger:           logger,
		clk:              h.config.Clock,
		timeout:          h.config.RequestTimeout,
		maxInquiryBytes:  h.config.MaxInquiryBytes,
		maxInquiryRounds: h.config.MaxInquiryRounds,
		nextRequestID:    &h.nextRequestID,
		incoming:         make(chan incomingItem),
		stop:             h.stop,
		done:             make(chan struct{}),
	}
	sess.run(ctx)

	logger.Debug("session closed")
}
