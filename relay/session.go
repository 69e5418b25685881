// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/keyrelay/keyrelay/assuan"
	"github.com/keyrelay/keyrelay/lib/clock"
	"github.com/keyrelay/keyrelay/lib/netutil"
)

// Internal dispatch outcomes. Never shown to clients; mapped to ERR
// lines or session teardown by dispatch.
var (
	errSessionClosed  = errors.New("session closed")
	errRequestTimeout = errors.New("request timed out")
)

// incomingItem is one decoded line from the read pump, or the protocol
// error that consumed it. Transport errors close the channel instead.
type incomingItem struct {
	line assuan.Line
	err  error
}

// session is the per-connection state machine. It is exclusively owned
// by its connection goroutine: one in-flight operation at a time, and
// no bytes of a later command are interpreted before the prior reply
// has been written.
type session struct {
	id       uint64
	conn     net.Conn
	executor Executor
	logger   *slog.Logger
	clk      clock.Clock

	timeout          time.Duration
	maxInquiryBytes  int
	maxInquiryRounds int

	nextRequestID *atomic.Uint64

	framer   assuan.Framer
	incoming chan incomingItem
	// queue holds lines that arrived while a request was dispatched.
	// They are interpreted only after the current reply is flushed.
	queue []incomingItem

	// stop is the listener's drain signal: finish the current
	// exchange, then close instead of reading the next command.
	stop <-chan struct{}
	// done unblocks the read pump when the session goroutine exits.
	done chan struct{}
}

// run drives the session until transport failure, BYE, or shutdown.
func (s *session) run(ctx context.Context) {
	defer close(s.done)
	defer s.conn.Close()

	if observer, ok := s.executor.(SessionObserver); ok {
		observer.SessionOpened(s.id)
		defer observer.SessionClosed(s.id)
	}

	go s.readPump()

	// Agent clients wait for the server greeting before sending their
	// first command.
	if s.writeLine(assuan.OK("keyrelay ready")) != nil {
		return
	}

	for {
		item, ok := s.nextItem(ctx)
		if !ok {
			return
		}
		if item.err != nil {
			s.logger.Debug("protocol error", "error", item.err)
			if s.writeErrFor(item.err) != nil {
				return
			}
			continue
		}

		switch item.line.Kind {
		case assuan.KindComment:
			// Protocol noise, no reply.
		case assuan.KindCommand:
			if !s.handleCommand(ctx, item.line) {
				return
			}
		case assuan.KindData:
			if s.writeLine(assuan.Err(assuan.CodeUnexpectedData, "data line outside inquiry")) != nil {
				return
			}
		case assuan.KindEnd:
			if s.writeLine(assuan.Err(assuan.CodeUnexpectedEnd, "END without open inquiry")) != nil {
				return
			}
		case assuan.KindCancel:
			if s.writeLine(assuan.Err(assuan.CodeUnexpectedLine, "CAN without open inquiry")) != nil {
				return
			}
		default:
			if s.writeLine(assuan.Err(assuan.CodeUnexpectedLine, "unexpected "+item.line.Kind.String()+" line")) != nil {
				return
			}
		}
	}
}

// readPump is the connection's sole reader. It feeds decoded lines to
// the session goroutine and closes the channel on transport failure.
func (s *session) readPump() {
	defer close(s.incoming)
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.framer.Push(buf[:n])
			for {
				line, lineErr := s.framer.Next()
				if errors.Is(lineErr, assuan.ErrNeedMore) {
					break
				}
				select {
				case s.incoming <- incomingItem{line: line, err: lineErr}:
				case <-s.done:
					return
				}
			}
		}
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				s.logger.Debug("read failed", "error", err)
			}
			return
		}
	}
}

// nextItem returns the next line to interpret: queued lines first,
// then the read pump. Returns false on transport close, context
// cancellation, or a drain signal between exchanges.
func (s *session) nextItem(ctx context.Context) (incomingItem, bool) {
	if len(s.queue) > 0 {
		item := s.queue[0]
		s.queue = s.queue[1:]
		return item, true
	}
	select {
	case item, ok := <-s.incoming:
		if !ok {
			return incomingItem{}, false
		}
		return item, true
	case <-ctx.Done():
		return incomingItem{}, false
	case <-s.stop:
		return incomingItem{}, false
	}
}

// midItem is nextItem without the drain check, used inside an open
// exchange so a listener stop lets the current operation finish.
func (s *session) midItem(ctx context.Context) (incomingItem, bool) {
	if len(s.queue) > 0 {
		item := s.queue[0]
		s.queue = s.queue[1:]
		return item, true
	}
	select {
	case item, ok := <-s.incoming:
		if !ok {
			return incomingItem{}, false
		}
		return item, true
	case <-ctx.Done():
		return incomingItem{}, false
	}
}

// handleCommand builds the request for one command line and runs it to
// completion. Returns false when the session must close.
func (s *session) handleCommand(ctx context.Context, line assuan.Line) bool {
	// BYE is answered locally so shedding clients never needs backend
	// cooperation. RESET and everything else belongs to the executor —
	// the backend owns the state a reset clears.
	if strings.EqualFold(line.Verb, "BYE") {
		s.writeLine(assuan.OK("closing connection"))
		return false
	}

	request := &Request{
		ID:        s.nextRequestID.Add(1),
		SessionID: s.id,
		Verb:      line.Verb,
		Args:      line.Args,
	}
	return s.dispatch(ctx, request)
}

// dispatch submits the request and serves inquiry rounds until the
// executor produces a terminal reply. Returns false when the session
// must close.
func (s *session) dispatch(ctx context.Context, request *Request) bool {
	rounds := 0
	attachedBytes := 0
	for {
		result, err := s.execute(ctx, request)
		switch {
		case errors.Is(err, errSessionClosed):
			return false
		case errors.Is(err, errRequestTimeout):
			s.logger.Warn("request timed out",
				"request_id", request.ID,
				"verb", request.Verb,
				"timeout", s.timeout,
			)
			return s.writeLine(assuan.Err(assuan.CodeTimeout, "command timed out")) == nil
		case errors.Is(err, ErrBackendUnavailable):
			s.logger.Error("backend unreachable",
				"request_id", request.ID,
				"error", err,
			)
			return s.writeLine(assuan.Err(assuan.CodeBackendUnavailable, "backend unavailable")) == nil
		case err != nil:
			s.logger.Debug("command failed",
				"request_id", request.ID,
				"verb", request.Verb,
				"error", err,
			)
			return s.writeLine(assuan.Err(assuan.CodeExecutorFailed, err.Error())) == nil
		}

		if result.Reply != nil {
			return s.writeReply(result.Reply) == nil
		}

		rounds++
		if rounds > s.maxInquiryRounds {
			s.executor.Cancel(request.ID)
			return s.writeLine(assuan.Err(assuan.CodeInquiryRounds, "too many inquiry rounds")) == nil
		}
		if s.writeLine(assuan.Inquire(result.Inquire.Keyword, result.Inquire.Args)) != nil {
			s.executor.Cancel(request.ID)
			return false
		}

		resubmit, alive := s.collectInquiryData(ctx, request, &attachedBytes)
		if !resubmit {
			s.executor.Cancel(request.ID)
			return alive
		}
	}
}

// execute runs one executor call under the request timeout. Lines
// arriving during the call are buffered, never interpreted; transport
// close cancels the call best-effort.
func (s *session) execute(ctx context.Context, request *Request) (*Result, error) {
	executeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	outcomes := make(chan outcome, 1)
	go func() {
		result, err := s.executor.Execute(executeCtx, request)
		outcomes <- outcome{result, err}
	}()

	var timeoutCh <-chan time.Time
	if s.timeout > 0 {
		timeoutCh = s.clk.After(s.timeout)
	}

	for {
		select {
		case out := <-outcomes:
			if out.err != nil {
				return nil, out.err
			}
			if out.result == nil || (out.result.Reply == nil) == (out.result.Inquire == nil) {
				return nil, errors.New("executor returned invalid result")
			}
			return out.result, nil
		case <-timeoutCh:
			cancel()
			s.executor.Cancel(request.ID)
			return nil, errRequestTimeout
		case item, ok := <-s.incoming:
			if !ok {
				cancel()
				s.executor.Cancel(request.ID)
				return nil, errSessionClosed
			}
			s.queue = append(s.queue, item)
		case <-ctx.Done():
			cancel()
			s.executor.Cancel(request.ID)
			return nil, errSessionClosed
		}
	}
}

// collectInquiryData gathers data lines for an open inquiry until END.
// Returns resubmit=true when the request should go back to the
// executor; alive=false when the session must close. On abort paths
// (CAN, limits, malformed lines) the ERR reply has already been
// written.
func (s *session) collectInquiryData(ctx context.Context, request *Request, attachedBytes *int) (resubmit, alive bool) {
	for {
		item, ok := s.midItem(ctx)
		if !ok {
			return false, false
		}
		if item.err != nil {
			if s.writeErrFor(item.err) != nil {
				return false, false
			}
			return false, true
		}
		switch item.line.Kind {
		case assuan.KindData:
			*attachedBytes += len(item.line.Data)
			if *attachedBytes > s.maxInquiryBytes {
				if s.writeLine(assuan.Err(assuan.CodeInquiryTooLarge, "inquiry data too large")) != nil {
					return false, false
				}
				return false, true
			}
			request.Data = append(request.Data, item.line.Data)
		case assuan.KindEnd:
			return true, true
		case assuan.KindCancel:
			if s.writeLine(assuan.Err(assuan.CodeInquiryCancelled, "inquiry cancelled")) != nil {
				return false, false
			}
			return false, true
		case assuan.KindComment:
			// Skipped, as everywhere.
		default:
			if s.writeLine(assuan.Err(assuan.CodeUnexpectedLine, "unexpected line during inquiry")) != nil {
				return false, false
			}
			return false, true
		}
	}
}

// writeReply serializes a terminal reply — status lines, data lines,
// closing OK or ERR — and writes it in a single flush.
func (s *session) writeReply(reply *Reply) error {
	var buf []byte
	for _, status := range reply.Status {
		buf = assuan.Status(status.Keyword, status.Args).AppendEncode(buf)
	}
	for _, chunk := range reply.Data {
		buf = assuan.AppendDataLines(buf, chunk)
	}
	if reply.Err != nil {
		description := reply.Err.Description
		if description == "" {
			description = "failed"
		}
		buf = assuan.Err(reply.Err.Code, description).AppendEncode(buf)
	} else {
		buf = assuan.OK(reply.Info).AppendEncode(buf)
	}
	return s.write(buf)
}

// writeErrFor maps a decode error to the ERR line the client sees.
func (s *session) writeErrFor(err error) error {
	var protocolErr *assuan.ProtocolError
	if errors.As(err, &protocolErr) {
		return s.writeLine(assuan.Err(protocolErr.Code, protocolErr.Message))
	}
	return s.writeLine(assuan.Err(assuan.CodeInvalidLine, "invalid line"))
}

func (s *session) writeLine(line assuan.Line) error {
	return s.write(line.Encode())
}

func (s *session) write(p []byte) error {
	if _, err := s.conn.Write(p); err != nil {
		if !netutil.IsExpectedCloseError(err) {
			s.logger.Debug("write failed", "error", err)
		}
		return err
	}
	return nil
}
