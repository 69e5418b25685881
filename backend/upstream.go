// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/keyrelay/keyrelay/assuan"
	"github.com/keyrelay/keyrelay/relay"
)

// DefaultDialTimeout bounds the connect to the agent socket when the
// request context carries no earlier deadline.
const DefaultDialTimeout = 5 * time.Second

// UpstreamConfig configures an Upstream executor.
type UpstreamConfig struct {
	// SocketPath is the agent socket to dial.
	SocketPath string

	// DialTimeout bounds each connect attempt. Zero means
	// DefaultDialTimeout.
	DialTimeout time.Duration

	// Logger receives connection lifecycle events. Nil means
	// slog.Default.
	Logger *slog.Logger
}

// Upstream executes requests against a live agent socket. It holds one
// upstream connection per client session, dialed lazily on the
// session's first request and discarded when the session closes or the
// connection fails. Because the agent protocol is stateful (options,
// key selections), connections are never shared across sessions.
type Upstream struct {
	config UpstreamConfig
	logger *slog.Logger

	mu        sync.Mutex
	sessions  map[uint64]*upstreamSession
	byRequest map[uint64]*upstreamSession
	closed    bool
}

// upstreamSession maps a client session to its current upstream
// connection. conn is guarded by Upstream.mu: Cancel, SessionClosed,
// and Close condemn it from other goroutines while an Execute call is
// still using it.
type upstreamSession struct {
	id   uint64
	conn *agentConn
}

// agentConn is one dialed connection to the agent together with its
// protocol state. Each Execute call captures the session's agentConn
// once, under Upstream.mu, and works on that value alone: a timed-out
// call abandoned by the relay keeps reading its own agentConn while
// the session's next request dials a replacement, and neither can
// touch the other's connection or continuation state. The conn field
// is set before the value is published and never reassigned.
type agentConn struct {
	conn   net.Conn
	framer assuan.Framer
	buf    []byte

	// Continuation state across inquiry rounds: how many attached
	// data chunks have been forwarded, and the status and data lines
	// collected before the upstream asked for more.
	inInquiry bool
	dataSent  int
	partial   relay.Reply
}

// NewUpstream returns an executor that relays requests to the agent
// socket named in the config.
func NewUpstream(config UpstreamConfig) *Upstream {
	if config.DialTimeout == 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Upstream{
		config:    config,
		logger:    logger,
		sessions:  make(map[uint64]*upstreamSession),
		byRequest: make(map[uint64]*upstreamSession),
	}
}

// Execute implements relay.Executor.
func (u *Upstream) Execute(ctx context.Context, request *relay.Request) (*relay.Result, error) {
	sess, ac, err := u.connect(ctx, request)
	if err != nil {
		return nil, err
	}
	defer func() {
		u.mu.Lock()
		delete(u.byRequest, request.ID)
		u.mu.Unlock()
	}()

	// A cancelled context force-fails the pending read or write by
	// moving the deadline into the past. The connection is in an
	// unknown mid-operation state afterwards, so it is dropped.
	conn := ac.conn
	stopAfter := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stopAfter()

	if err := u.send(ac, request); err != nil {
		u.drop(sess, ac)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: write %s: %v", relay.ErrBackendUnavailable, u.config.SocketPath, err)
	}
	return u.receive(ctx, sess, ac)
}

// connect returns the session's current upstream connection, dialing
// and consuming the greeting on first use, and records the request for
// Cancel.
func (u *Upstream) connect(ctx context.Context, request *relay.Request) (*upstreamSession, *agentConn, error) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: executor closed", relay.ErrBackendUnavailable)
	}
	sess := u.sessions[request.SessionID]
	if sess == nil {
		sess = &upstreamSession{id: request.SessionID}
		u.sessions[request.SessionID] = sess
	}
	u.byRequest[request.ID] = sess
	ac := sess.conn
	u.mu.Unlock()

	if ac != nil {
		return sess, ac, nil
	}

	dialer := net.Dialer{Timeout: u.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", u.config.SocketPath)
	if err != nil {
		u.mu.Lock()
		delete(u.byRequest, request.ID)
		u.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: dial %s: %v", relay.ErrBackendUnavailable, u.config.SocketPath, err)
	}

	ac = &agentConn{conn: conn}
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		conn.Close()
		return nil, nil, fmt.Errorf("%w: executor closed", relay.ErrBackendUnavailable)
	}
	sess.conn = ac
	u.mu.Unlock()

	if err := u.greeting(ctx, ac); err != nil {
		u.drop(sess, ac)
		u.mu.Lock()
		delete(u.byRequest, request.ID)
		u.mu.Unlock()
		return nil, nil, err
	}
	u.logger.Debug("upstream connected",
		"session", sess.id,
		"socket", u.config.SocketPath)
	return sess, ac, nil
}

// greeting consumes the agent's initial line, which must be OK.
func (u *Upstream) greeting(ctx context.Context, ac *agentConn) error {
	conn := ac.conn
	stopAfter := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stopAfter()

	conn.SetReadDeadline(time.Now().Add(u.config.DialTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		line, err := u.next(ac)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: greeting from %s: %v", relay.ErrBackendUnavailable, u.config.SocketPath, err)
		}
		switch line.Kind {
		case assuan.KindComment:
			continue
		case assuan.KindOK:
			return nil
		case assuan.KindErr:
			return fmt.Errorf("%w: agent refused connection: %s", relay.ErrBackendUnavailable, line.Args)
		default:
			return fmt.Errorf("%w: unexpected greeting %s line", relay.ErrBackendUnavailable, line.Kind)
		}
	}
}

// send writes the wire form of the request: a fresh command line, or
// the not-yet-forwarded attached data plus END when resuming an
// inquiry.
func (u *Upstream) send(ac *agentConn, request *relay.Request) error {
	var out []byte
	if ac.inInquiry {
		for _, chunk := range request.Data[ac.dataSent:] {
			out = assuan.AppendDataLines(out, chunk)
		}
		out = assuan.End().AppendEncode(out)
		ac.inInquiry = false
		ac.dataSent = len(request.Data)
	} else {
		ac.partial = relay.Reply{}
		ac.dataSent = 0
		out = assuan.Command(request.Verb, request.Args).AppendEncode(nil)
	}
	_, err := ac.conn.Write(out)
	return err
}

// receive reads upstream lines until the operation completes or
// suspends. Status and data lines accumulate on the connection so they
// survive inquiry rounds.
func (u *Upstream) receive(ctx context.Context, sess *upstreamSession, ac *agentConn) (*relay.Result, error) {
	for {
		line, err := u.next(ac)
		if err != nil {
			u.drop(sess, ac)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: read %s: %v", relay.ErrBackendUnavailable, u.config.SocketPath, err)
		}
		switch line.Kind {
		case assuan.KindComment:
		case assuan.KindStatus:
			ac.partial.Status = append(ac.partial.Status, relay.StatusLine{
				Keyword: line.Verb,
				Args:    line.Args,
			})
		case assuan.KindData:
			ac.partial.Data = append(ac.partial.Data, line.Data)
		case assuan.KindInquire:
			ac.inInquiry = true
			return relay.InquireResult(line.Verb, line.Args), nil
		case assuan.KindOK:
			reply := ac.partial
			reply.Info = line.Args
			ac.partial = relay.Reply{}
			return relay.ReplyResult(&reply), nil
		case assuan.KindErr:
			reply := ac.partial
			reply.Err = &relay.ReplyError{Code: line.Code, Description: line.Args}
			ac.partial = relay.Reply{}
			return relay.ReplyResult(&reply), nil
		default:
			u.drop(sess, ac)
			return nil, fmt.Errorf("%w: unexpected %s line from agent", relay.ErrBackendUnavailable, line.Kind)
		}
	}
}

// next returns the following upstream line, reading more bytes from
// the connection as needed.
func (u *Upstream) next(ac *agentConn) (assuan.Line, error) {
	if ac.buf == nil {
		ac.buf = make([]byte, 4096)
	}
	for {
		line, err := ac.framer.Next()
		if err == nil {
			return line, nil
		}
		if err != assuan.ErrNeedMore {
			return assuan.Line{}, err
		}
		n, err := ac.conn.Read(ac.buf)
		if n > 0 {
			ac.framer.Push(ac.buf[:n])
			continue
		}
		if err != nil {
			return assuan.Line{}, err
		}
	}
}

// drop condemns ac: the session's next request redials. Only ac's own
// connection is closed; when Cancel or a successor request already
// replaced sess.conn, the replacement is left alone.
func (u *Upstream) drop(sess *upstreamSession, ac *agentConn) {
	u.mu.Lock()
	if sess.conn == ac {
		sess.conn = nil
	}
	u.mu.Unlock()
	ac.conn.Close()
}

// Cancel implements relay.Executor. Closing the connection fails the
// pending read; the cancelled Execute observes the failure on its own
// captured connection. The session's conn slot is cleared here so the
// command issued after the cancellation always dials afresh instead of
// inheriting the closed connection.
func (u *Upstream) Cancel(id uint64) {
	u.mu.Lock()
	sess := u.byRequest[id]
	var ac *agentConn
	if sess != nil {
		ac = sess.conn
		sess.conn = nil
	}
	u.mu.Unlock()
	if ac != nil {
		ac.conn.Close()
	}
}

// SessionOpened implements relay.SessionObserver. Connections are
// dialed lazily, so nothing happens until the first request.
func (u *Upstream) SessionOpened(sessionID uint64) {}

// SessionClosed implements relay.SessionObserver.
func (u *Upstream) SessionClosed(sessionID uint64) {
	u.mu.Lock()
	sess := u.sessions[sessionID]
	delete(u.sessions, sessionID)
	var ac *agentConn
	if sess != nil {
		ac = sess.conn
		sess.conn = nil
	}
	u.mu.Unlock()
	if ac != nil {
		ac.conn.Close()
		u.logger.Debug("upstream disconnected", "session", sessionID)
	}
}

// Close tears down every upstream connection. Subsequent Execute calls
// fail with relay.ErrBackendUnavailable.
func (u *Upstream) Close() error {
	u.mu.Lock()
	u.closed = true
	conns := make([]net.Conn, 0, len(u.sessions))
	for id, sess := range u.sessions {
		if sess.conn != nil {
			conns = append(conns, sess.conn.conn)
			sess.conn = nil
		}
		delete(u.sessions, id)
	}
	u.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
	return nil
}
