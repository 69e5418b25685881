// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keyrelay/keyrelay/assuan"
	"github.com/keyrelay/keyrelay/lib/clock"
	"github.com/keyrelay/keyrelay/lib/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// sessionFixture drives a single session over an in-memory pipe.
type sessionFixture struct {
	client   net.Conn
	reader   *bufio.Reader
	stop     chan struct{}
	finished chan struct{}
}

// startSession runs a session against executor and consumes the
// greeting. configure may adjust limits and the clock before the
// session starts.
func startSession(t *testing.T, executor Executor, configure func(*session)) *sessionFixture {
	t.Helper()

	client, server := net.Pipe()
	var requestID atomic.Uint64
	stop := make(chan struct{})
	sess := &session{
		id:               1,
		conn:             server,
		executor:         executor,
		logger:           testLogger(),
		clk:              clock.Real(),
		maxInquiryBytes:  DefaultMaxInquiryBytes,
		maxInquiryRounds: DefaultMaxInquiryRounds,
		nextRequestID:    &requestID,
		incoming:         make(chan incomingItem),
		stop:             stop,
		done:             make(chan struct{}),
	}
	if configure != nil {
		configure(sess)
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		sess.run(context.Background())
	}()
	t.Cleanup(func() {
		client.Close()
		testutil.RequireClosed(t, finished, 5*time.Second, "session goroutine exit")
	})

	fixture := &sessionFixture{
		client:   client,
		reader:   bufio.NewReader(client),
		stop:     stop,
		finished: finished,
	}
	fixture.expectLine(t, "OK keyrelay ready")
	return fixture
}

func (f *sessionFixture) send(t *testing.T, raw string) {
	t.Helper()
	f.client.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := f.client.Write([]byte(raw)); err != nil {
		t.Fatalf("write %q: %v", raw, err)
	}
}

func (f *sessionFixture) readLine(t *testing.T) string {
	t.Helper()
	f.client.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := f.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading reply line: %v", err)
	}
	return strings.TrimSuffix(line, "\n")
}

func (f *sessionFixture) expectLine(t *testing.T, want string) {
	t.Helper()
	if got := f.readLine(t); got != want {
		t.Fatalf("got line %q, want %q", got, want)
	}
}

func (f *sessionFixture) expectEOF(t *testing.T) {
	t.Helper()
	f.client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := f.reader.ReadString('\n'); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func okExecutor() Executor {
	return ExecutorFunc(func(ctx context.Context, request *Request) (*Result, error) {
		return ReplyResult(OKReply()), nil
	})
}

func TestSessionForwardsCommandAndRepliesOK(t *testing.T) {
	var verb, args atomic.Value
	executor := ExecutorFunc(func(ctx context.Context, request *Request) (*Result, error) {
		verb.Store(request.Verb)
		args.Store(request.Args)
		return ReplyResult(OKReply()), nil
	})
	fixture := startSession(t, executor, nil)

	fixture.send(t, "RESET\n")
	fixture.expectLine(t, "OK")

	if got := verb.Load(); got != "RESET" {
		t.Errorf("executor saw verb %v", got)
	}
	if got := args.Load(); got != "" {
		t.Errorf("executor saw args %v", got)
	}
}

func TestSessionWritesStatusAndDataBeforeOK(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, request *Request) (*Result, error) {
		return ReplyResult(&Reply{
			Status: []StatusLine{{Keyword: "KEYINFO", Args: "42AF D - -"}},
			Data:   [][]byte{[]byte("payload\n")},
		}), nil
	})
	fixture := startSession(t, executor, nil)

	fixture.send(t, "KEYINFO --list\n")
	fixture.expectLine(t, "S KEYINFO 42AF D - -")
	fixture.expectLine(t, "D payload%0A")
	fixture.expectLine(t, "OK")
}

func TestSessionInquiryRoundTrip(t *testing.T) {
	captured := make(chan [][]byte, 1)
	executor := ExecutorFunc(func(ctx context.Context, request *Request) (*Result, error) {
		if len(request.Data) == 0 {
			return InquireResult("CIPHERTEXT", ""), nil
		}
		captured <- request.Data
		return ReplyResult(&Reply{Data: [][]byte{[]byte("plaintext")}}), nil
	})
	fixture := startSession(t, executor, nil)

	fixture.send(t, "DECRYPT\n")
	fixture.expectLine(t, "INQUIRE CIPHERTEXT")
	fixture.send(t, "D secret%0A\nEND\n")
	fixture.expectLine(t, "D plaintext")
	fixture.expectLine(t, "OK")

	data := testutil.RequireReceive(t, captured, 5*time.Second, "resubmitted request data")
	if len(data) != 1 || string(data[0]) != "secret\n" {
		t.Errorf("attached data = %q", data)
	}
}

func TestSessionSurvivesProtocolErrors(t *testing.T) {
	fixture := startSession(t, okExecutor(), nil)

	// Stray data, END, and CAN outside any inquiry each produce an
	// ERR without closing the session.
	fixture.send(t, "D stray\n")
	fixture.expectLine(t, fmt.Sprintf("ERR %d data line outside inquiry", assuan.CodeUnexpectedData))
	fixture.send(t, "END\n")
	fixture.expectLine(t, fmt.Sprintf("ERR %d END without open inquiry", assuan.CodeUnexpectedEnd))
	fixture.send(t, "CAN\n")
	fixture.expectLine(t, fmt.Sprintf("ERR %d CAN without open inquiry", assuan.CodeUnexpectedLine))

	// Bad escape in a data line.
	fixture.send(t, "D bad%zz\n")
	fixture.expectLine(t, fmt.Sprintf("ERR %d invalid percent escape", assuan.CodeBadEscape))

	// The session still works.
	fixture.send(t, "RESET\n")
	fixture.expectLine(t, "OK")
}

func TestSessionRecoversFromOversizeLine(t *testing.T) {
	fixture := startSession(t, okExecutor(), nil)

	fixture.send(t, strings.Repeat("x", assuan.MaxLineLength+100)+"\n")
	fixture.expectLine(t, fmt.Sprintf("ERR %d line too long", assuan.CodeLineTooLong))

	fixture.send(t, "RESET\n")
	fixture.expectLine(t, "OK")
}

func TestSessionBYEClosesLocally(t *testing.T) {
	executed := make(chan string, 1)
	executor := ExecutorFunc(func(ctx context.Context, request *Request) (*Result, error) {
		executed <- request.Verb
		return ReplyResult(OKReply()), nil
	})
	fixture := startSession(t, executor, nil)

	fixture.send(t, "BYE\n")
	fixture.expectLine(t, "OK closing connection")
	fixture.expectEOF(t)

	select {
	case verb := <-executed:
		t.Errorf("BYE reached the executor as %q", verb)
	default:
	}
}

func TestSessionSerializesRequests(t *testing.T) {
	var active, maxActive atomic.Int32
	release := make(chan struct{})
	var order []string
	executor := ExecutorFunc(func(ctx context.Context, request *Request) (*Result, error) {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		order = append(order, request.Verb)
		if request.Verb == "FIRST" {
			<-release
		}
		active.Add(-1)
		return ReplyResult(OKReply()), nil
	})
	fixture := startSession(t, executor, nil)

	// Both commands arrive while the first is still in flight; the
	// second must not be dispatched until the first reply is out.
	fixture.send(t, "FIRST\nSECOND\n")
	close(release)
	fixture.expectLine(t, "OK")
	fixture.expectLine(t, "OK")

	if got := maxActive.Load(); got != 1 {
		t.Errorf("max concurrent executor calls = %d, want 1", got)
	}
	if len(order) != 2 || order[0] != "FIRST" || order[1] != "SECOND" {
		t.Errorf("dispatch order = %v", order)
	}
}

func TestSessionBuffersLinesDuringDispatch(t *testing.T) {
	release := make(chan struct{})
	executor := ExecutorFunc(func(ctx context.Context, request *Request) (*Result, error) {
		<-release
		return ReplyResult(OKReply()), nil
	})
	fixture := startSession(t, executor, nil)

	// The stray data line arrives mid-dispatch; its ERR must come
	// after the command's reply, never interleaved before it.
	fixture.send(t, "SIGN\nD stray\n")
	close(release)
	fixture.expectLine(t, "OK")
	fixture.expectLine(t, fmt.Sprintf("ERR %d data line outside inquiry", assuan.CodeUnexpectedData))
}

func TestSessionRequestTimeout(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(1000, 0))
	cancelled := make(chan struct{})
	executor := ExecutorFunc(func(ctx context.Context, request *Request) (*Result, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	fixture := startSession(t, executor, func(s *session) {
		s.clk = fakeClock
		s.timeout = time.Minute
	})

	fixture.send(t, "SIGN\n")

	// Wait for the session to arm the timeout before advancing.
	deadline := time.Now().Add(5 * time.Second)
	for fakeClock.WaiterCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never armed the request timeout")
		}
		time.Sleep(time.Millisecond)
	}
	fakeClock.Advance(time.Minute)

	fixture.expectLine(t, fmt.Sprintf("ERR %d command timed out", assuan.CodeTimeout))
	testutil.RequireClosed(t, cancelled, 5*time.Second, "executor context cancelled")

	// The session is still usable after the timeout.
	fixture.send(t, "BYE\n")
	fixture.expectLine(t, "OK closing connection")
}

func TestSessionBackendUnavailable(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, request *Request) (*Result, error) {
		return nil, fmt.Errorf("%w: dial agent.sock: connection refused", ErrBackendUnavailable)
	})
	fixture := startSession(t, executor, nil)

	fixture.send(t, "SIGN\n")
	fixture.expectLine(t, fmt.Sprintf("ERR %d backend unavailable", assuan.CodeBackendUnavailable))
}

func TestSessionExecutorFailure(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, request *Request) (*Result, error) {
		return nil, errors.New("key not found")
	})
	fixture := startSession(t, executor, nil)

	fixture.send(t, "SIGN\n")
	fixture.expectLine(t, fmt.Sprintf("ERR %d key not found", assuan.CodeExecutorFailed))
}

func TestSessionForwardsReplyError(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, request *Request) (*Result, error) {
		return ReplyResult(ErrReply(67108891, "Unknown IPC command")), nil
	})
	fixture := startSession(t, executor, nil)

	fixture.send(t, "BOGUS\n")
	fixture.expectLine(t, "ERR 67108891 Unknown IPC command")
}

// cancelTrackingExecutor inquires forever and records Cancel calls.
type cancelTrackingExecutor struct {
	cancelled chan uint64
}

func (e *cancelTrackingExecutor) Execute(ctx context.Context, request *Request) (*Result, error) {
	return InquireResult("CIPHERTEXT", ""), nil
}

func (e *cancelTrackingExecutor) Cancel(id uint64) {
	select {
	case e.cancelled <- id:
	default:
	}
}

func TestSessionInquiryCancellation(t *testing.T) {
	executor := &cancelTrackingExecutor{cancelled: make(chan uint64, 1)}
	fixture := startSession(t, executor, nil)

	fixture.send(t, "DECRYPT\n")
	fixture.expectLine(t, "INQUIRE CIPHERTEXT")
	fixture.send(t, "CAN\n")
	fixture.expectLine(t, fmt.Sprintf("ERR %d inquiry cancelled", assuan.CodeInquiryCancelled))

	if id := testutil.RequireReceive(t, executor.cancelled, 5*time.Second, "cancel call"); id == 0 {
		t.Errorf("cancelled request id = %d", id)
	}

	// The aborted inquiry leaves the session in command state.
	fixture.send(t, "BYE\n")
	fixture.expectLine(t, "OK closing connection")
}

func TestSessionInquiryRoundLimit(t *testing.T) {
	executor := &cancelTrackingExecutor{cancelled: make(chan uint64, 1)}
	fixture := startSession(t, executor, func(s *session) {
		s.maxInquiryRounds = 2
	})

	fixture.send(t, "DECRYPT\n")
	fixture.expectLine(t, "INQUIRE CIPHERTEXT")
	fixture.send(t, "END\n")
	fixture.expectLine(t, "INQUIRE CIPHERTEXT")
	fixture.send(t, "END\n")
	fixture.expectLine(t, fmt.Sprintf("ERR %d too many inquiry rounds", assuan.CodeInquiryRounds))
}

func TestSessionInquiryByteLimit(t *testing.T) {
	executor := &cancelTrackingExecutor{cancelled: make(chan uint64, 1)}
	fixture := startSession(t, executor, func(s *session) {
		s.maxInquiryBytes = 8
	})

	fixture.send(t, "DECRYPT\n")
	fixture.expectLine(t, "INQUIRE CIPHERTEXT")
	fixture.send(t, "D 0123456789\n")
	fixture.expectLine(t, fmt.Sprintf("ERR %d inquiry data too large", assuan.CodeInquiryTooLarge))
}

func TestSessionCloseCancelsInFlightRequest(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	executor := ExecutorFunc(func(ctx context.Context, request *Request) (*Result, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	fixture := startSession(t, executor, nil)

	fixture.send(t, "SIGN\n")
	testutil.RequireClosed(t, started, 5*time.Second, "executor call started")

	fixture.client.Close()
	testutil.RequireClosed(t, cancelled, 5*time.Second, "executor context cancelled on close")
	testutil.RequireClosed(t, fixture.finished, 5*time.Second, "session exit")
}

func TestSessionCommentsIgnored(t *testing.T) {
	fixture := startSession(t, okExecutor(), nil)

	fixture.send(t, "# greeting from client\nRESET\n")
	fixture.expectLine(t, "OK")
}

// sessionLifecycleExecutor records observer notifications.
type sessionLifecycleExecutor struct {
	opened chan uint64
	closed chan uint64
}

func (e *sessionLifecycleExecutor) Execute(ctx context.Context, request *Request) (*Result, error) {
	return ReplyResult(OKReply()), nil
}

func (e *sessionLifecycleExecutor) Cancel(uint64) {}

func (e *sessionLifecycleExecutor) SessionOpened(id uint64) { e.opened <- id }
func (e *sessionLifecycleExecutor) SessionClosed(id uint64) { e.closed <- id }

func TestSessionObserverNotified(t *testing.T) {
	executor := &sessionLifecycleExecutor{
		opened: make(chan uint64, 1),
		closed: make(chan uint64, 1),
	}
	fixture := startSession(t, executor, nil)

	openedID := testutil.RequireReceive(t, executor.opened, 5*time.Second, "session opened")
	fixture.send(t, "BYE\n")
	fixture.expectLine(t, "OK closing connection")
	closedID := testutil.RequireReceive(t, executor.closed, 5*time.Second, "session closed")

	if openedID != closedID {
		t.Errorf("opened id %d, closed id %d", openedID, closedID)
	}
}
