// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/keyrelay/keyrelay/lib/codec"
	"github.com/keyrelay/keyrelay/relay"
)

// Request kinds carried on the wire. The boundary is asymmetric:
// requests only flow from the relay to the host, responses only back.
const (
	wireKindExecute      = "execute"
	wireKindCancel       = "cancel"
	wireKindCloseSession = "close-session"
)

// wireRequest is one relay-to-host message.
type wireRequest struct {
	ID      uint64   `cbor:"id"`
	Session uint64   `cbor:"session"`
	Kind    string   `cbor:"kind"`
	Verb    string   `cbor:"verb,omitempty"`
	Args    string   `cbor:"args,omitempty"`
	Data    [][]byte `cbor:"data,omitempty"`
}

// wireStatus mirrors relay.StatusLine.
type wireStatus struct {
	Keyword string `cbor:"keyword"`
	Args    string `cbor:"args,omitempty"`
}

// wireInquire mirrors relay.Inquiry.
type wireInquire struct {
	Keyword string `cbor:"keyword"`
	Args    string `cbor:"args,omitempty"`
}

// wireError mirrors relay.ReplyError. It is a distinct shape rather
// than a bare code field on the response: the agent error space
// includes code zero, which a zero-is-absent encoding could not carry.
type wireError struct {
	Code        uint64 `cbor:"code"`
	Description string `cbor:"description,omitempty"`
}

// wireResponse is one host-to-relay message, keyed back to its request
// by ID. Exactly one of the outcome shapes is populated: Inquire for a
// suspension, OK for success, Err for a protocol-level failure, or a
// bare Error for an executor failure.
type wireResponse struct {
	ID      uint64       `cbor:"id"`
	OK      bool         `cbor:"ok,omitempty"`
	Info    string       `cbor:"info,omitempty"`
	Status  []wireStatus `cbor:"status,omitempty"`
	Data    [][]byte     `cbor:"data,omitempty"`
	Inquire *wireInquire `cbor:"inquire,omitempty"`
	Err     *wireError   `cbor:"err,omitempty"`
	Error   string       `cbor:"error,omitempty"`
}

// Wire is the relay-side half of the remote boundary: a relay.Executor
// that ships each request over a byte stream as a CBOR envelope and
// matches responses back to waiting calls by request ID.
type Wire struct {
	stream io.ReadWriteCloser
	logger *slog.Logger

	writeMu sync.Mutex
	enc     *codec.Encoder

	mu      sync.Mutex
	pending map[uint64]chan *wireResponse
	failed  error
}

// NewWire returns an executor speaking the CBOR envelope protocol over
// stream. It owns the stream and starts its reader immediately; Close
// releases both.
func NewWire(stream io.ReadWriteCloser, logger *slog.Logger) *Wire {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Wire{
		stream:  stream,
		logger:  logger,
		enc:     codec.NewEncoder(stream),
		pending: make(map[uint64]chan *wireResponse),
	}
	go w.readLoop()
	return w
}

// readLoop decodes responses and hands each to its waiting Execute
// call. A decode failure means the stream is gone: every pending and
// future call fails with relay.ErrBackendUnavailable.
func (w *Wire) readLoop() {
	dec := codec.NewDecoder(w.stream)
	for {
		var response wireResponse
		if err := dec.Decode(&response); err != nil {
			w.fail(err)
			return
		}
		w.mu.Lock()
		ch := w.pending[response.ID]
		delete(w.pending, response.ID)
		w.mu.Unlock()
		if ch == nil {
			// The request was abandoned (timeout or session close)
			// before the host answered.
			w.logger.Debug("discarding response for abandoned request", "request", response.ID)
			continue
		}
		ch <- &response
	}
}

func (w *Wire) fail(cause error) {
	w.mu.Lock()
	if w.failed == nil {
		w.failed = fmt.Errorf("%w: stream: %v", relay.ErrBackendUnavailable, cause)
	}
	pending := w.pending
	w.pending = make(map[uint64]chan *wireResponse)
	w.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	if !errors.Is(cause, io.EOF) && !errors.Is(cause, io.ErrClosedPipe) {
		w.logger.Error("backend stream failed", "error", cause)
	}
}

// write encodes one envelope under the write lock.
func (w *Wire) write(request *wireRequest) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.enc.Encode(request)
}

// Execute implements relay.Executor.
func (w *Wire) Execute(ctx context.Context, request *relay.Request) (*relay.Result, error) {
	ch := make(chan *wireResponse, 1)

	w.mu.Lock()
	if w.failed != nil {
		err := w.failed
		w.mu.Unlock()
		return nil, err
	}
	w.pending[request.ID] = ch
	w.mu.Unlock()

	err := w.write(&wireRequest{
		ID:      request.ID,
		Session: request.SessionID,
		Kind:    wireKindExecute,
		Verb:    request.Verb,
		Args:    request.Args,
		Data:    request.Data,
	})
	if err != nil {
		w.mu.Lock()
		delete(w.pending, request.ID)
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: send request: %v", relay.ErrBackendUnavailable, err)
	}

	select {
	case response, ok := <-ch:
		if !ok {
			w.mu.Lock()
			failed := w.failed
			w.mu.Unlock()
			return nil, failed
		}
		return decodeResponse(response)
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.pending, request.ID)
		w.mu.Unlock()
		return nil, ctx.Err()
	}
}

// decodeResponse maps a wire envelope back to an executor outcome.
func decodeResponse(response *wireResponse) (*relay.Result, error) {
	if response.Inquire != nil {
		return relay.InquireResult(response.Inquire.Keyword, response.Inquire.Args), nil
	}
	reply := &relay.Reply{Info: response.Info, Data: response.Data}
	for _, status := range response.Status {
		reply.Status = append(reply.Status, relay.StatusLine{Keyword: status.Keyword, Args: status.Args})
	}
	if response.OK {
		return relay.ReplyResult(reply), nil
	}
	if response.Err != nil {
		reply.Err = &relay.ReplyError{Code: response.Err.Code, Description: response.Err.Description}
		return relay.ReplyResult(reply), nil
	}
	if response.Error != "" {
		return nil, errors.New(response.Error)
	}
	return nil, errors.New("malformed backend response")
}

// Cancel implements relay.Executor. Best-effort: a write failure means
// the stream is already down and the pending Execute is failing anyway.
func (w *Wire) Cancel(id uint64) {
	_ = w.write(&wireRequest{ID: id, Kind: wireKindCancel})
}

// SessionOpened implements relay.SessionObserver.
func (w *Wire) SessionOpened(sessionID uint64) {}

// SessionClosed implements relay.SessionObserver, letting the host
// release the session's upstream connection.
func (w *Wire) SessionClosed(sessionID uint64) {
	_ = w.write(&wireRequest{Session: sessionID, Kind: wireKindCloseSession})
}

// Close tears down the stream, failing all pending calls.
func (w *Wire) Close() error {
	return w.stream.Close()
}

// ServeWire is the host-side half of the remote boundary: it decodes
// request envelopes from stream, runs them on executor, and encodes
// each outcome back. It returns when the stream closes or ctx is
// cancelled, after draining in-flight requests.
func ServeWire(ctx context.Context, stream io.ReadWriteCloser, executor relay.Executor, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	// Stream close unblocks the decoder when ctx ends first.
	stopAfter := context.AfterFunc(ctx, func() { stream.Close() })
	defer stopAfter()

	observer, _ := executor.(relay.SessionObserver)

	var (
		writeMu  sync.Mutex
		enc      = codec.NewEncoder(stream)
		inFlight sync.WaitGroup

		mu      sync.Mutex
		cancels = make(map[uint64]context.CancelFunc)
	)
	respond := func(response *wireResponse) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := enc.Encode(response); err != nil {
			logger.Debug("response write failed", "request", response.ID, "error", err)
		}
	}

	dec := codec.NewDecoder(stream)
	var readErr error
	for {
		var request wireRequest
		if err := dec.Decode(&request); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				readErr = fmt.Errorf("decode request: %w", err)
			}
			break
		}
		switch request.Kind {
		case wireKindExecute:
			requestCtx, cancel := context.WithCancel(ctx)
			mu.Lock()
			cancels[request.ID] = cancel
			mu.Unlock()

			inFlight.Add(1)
			go func(request wireRequest) {
				defer inFlight.Done()
				defer func() {
					mu.Lock()
					delete(cancels, request.ID)
					mu.Unlock()
					cancel()
				}()
				result, err := executor.Execute(requestCtx, &relay.Request{
					ID:        request.ID,
					SessionID: request.Session,
					Verb:      request.Verb,
					Args:      request.Args,
					Data:      request.Data,
				})
				respond(encodeOutcome(request.ID, result, err))
			}(request)

		case wireKindCancel:
			mu.Lock()
			cancel := cancels[request.ID]
			mu.Unlock()
			if cancel != nil {
				cancel()
			}
			executor.Cancel(request.ID)

		case wireKindCloseSession:
			if observer != nil {
				observer.SessionClosed(request.Session)
			}

		default:
			logger.Warn("unknown request kind", "kind", request.Kind, "request", request.ID)
		}
	}

	cancelAll()
	inFlight.Wait()
	return readErr
}

// encodeOutcome maps one executor outcome to its wire envelope.
func encodeOutcome(id uint64, result *relay.Result, err error) *wireResponse {
	if err != nil {
		return &wireResponse{ID: id, Error: err.Error()}
	}
	if result.Inquire != nil {
		return &wireResponse{ID: id, Inquire: &wireInquire{
			Keyword: result.Inquire.Keyword,
			Args:    result.Inquire.Args,
		}}
	}
	reply := result.Reply
	response := &wireResponse{ID: id, Info: reply.Info, Data: reply.Data}
	for _, status := range reply.Status {
		response.Status = append(response.Status, wireStatus{Keyword: status.Keyword, Args: status.Args})
	}
	if reply.Err != nil {
		response.Err = &wireError{Code: reply.Err.Code, Description: reply.Err.Description}
	} else {
		response.OK = true
	}
	return response
}
