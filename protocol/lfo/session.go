// Package lfo implements the file distribution session: one request at a
// time, answered by one or more data frames or a failure frame.
//
// A response is a run of ReplyChunk frames closed by a ReplyOk, or a single
// ReplyOk on its own, which is all the real service has been seen to send.
package lfo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/cloudproto/internal/observability"
	"github.com/danmuck/cloudproto/protocol/frame"
	"github.com/danmuck/cloudproto/protocol/socket"
	"github.com/rs/zerolog"
)

type State int

const (
	StateIdle State = iota
	StateRequestSent
	StateStreaming
	StateComplete
	StateAbandoned
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestSent:
		return "request_sent"
	case StateStreaming:
		return "streaming"
	case StateComplete:
		return "complete"
	case StateAbandoned:
		return "abandoned"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is strictly half-duplex: a new request waits for the previous
// response to finish or be closed.
type Session struct {
	sock *socket.Socket
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	state   State
	active  *Response
	failErr error
}

func NewSession(sock *socket.Socket, opts Options) *Session {
	s := &Session{
		sock: sock,
		opts: opts,
		log:  observability.Component("lfo"),
	}
	if opts.Limits != (frame.Limits{}) && opts.Limits != sock.Limits() {
		s.log.Warn().
			Bool("no_checksum", sock.Limits().NoChecksum).
			Bool("want_no_checksum", opts.Limits.NoChecksum).
			Uint32("max_payload", sock.Limits().MaxPayloadBytes).
			Uint32("want_max_payload", opts.Limits.MaxPayloadBytes).
			Msg("socket limits differ from session options")
	}
	return s
}

// Open wraps rw in a socket built with opts.Limits and starts a session on it.
func Open(rw io.ReadWriter, opts Options) *Session {
	limits := opts.Limits
	if limits == (frame.Limits{}) {
		limits = frame.DefaultLimits()
	}
	return NewSession(socket.New(rw, socket.WithLimits(limits)), opts)
}

// Socket returns the socket the session owns.
func (s *Session) Socket() *socket.Socket {
	return s.sock
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Request sends req and waits for the first reply frame. A ReplyFail answer
// is returned as ErrNotFound or *ServerError with the session left idle.
func (s *Session) Request(ctx context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	switch s.state {
	case StateFailed:
		err := s.failErr
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrSessionFailed, err)
	case StateRequestSent, StateStreaming:
		s.mu.Unlock()
		return nil, ErrSessionBusy
	}
	prev := s.active
	s.state = StateRequestSent
	s.mu.Unlock()

	if prev != nil {
		if err := s.drain(ctx, prev); err != nil {
			return nil, err
		}
	}

	started := time.Now()
	err := s.sock.Send(ctx, frame.Frame{
		Magic:   frame.MagicLFO,
		Kind:    KindGetFileRequest,
		Version: frame.VersionConnect,
		Payload: req.encode(),
	})
	if err != nil {
		return nil, s.sendFailed(ctx, err)
	}
	s.log.Debug().Str("path", req.Path).Stringer("compression", req.Compression).Msg("file requested")

	resp := &Response{sess: s, req: req, started: started, status: StateRequestSent}
	for !resp.opened {
		f, err := s.sock.Receive(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				// the reply is still owed; the next request drains it
				resp.abandoned = true
				s.mu.Lock()
				s.state = StateAbandoned
				s.active = resp
				s.mu.Unlock()
				return nil, err
			}
			return nil, s.fail(err)
		}
		if err := resp.accept(f); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.state = StateStreaming
	s.active = resp
	s.mu.Unlock()
	return resp, nil
}

// drain discards the remaining frames of an abandoned response.
func (s *Session) drain(ctx context.Context, r *Response) error {
	r.draining = true
	for !r.final && !r.done {
		f, err := s.sock.Receive(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				s.setState(StateAbandoned)
				return err
			}
			return s.fail(err)
		}
		if err := r.accept(f); err != nil && fatal(err) {
			return err
		}
		r.pending = nil
	}
	s.log.Debug().Str("path", r.req.Path).Msg("abandoned response drained")
	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()
	return nil
}

func (s *Session) sendFailed(ctx context.Context, err error) error {
	if errors.Is(err, ctx.Err()) || errors.Is(err, frame.ErrPayloadTooLarge) {
		s.setState(StateIdle)
		return err
	}
	return s.fail(err)
}

// fail moves the session to its terminal state and returns err.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateFailed {
		s.state = StateFailed
		s.failErr = err
		s.log.Error().Err(err).Msg("file session failed")
	}
	s.active = nil
	return err
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	if st == StateIdle {
		s.active = nil
	}
}

// finish returns the session to idle after r ended without a stream error.
func (s *Session) finish(r *Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == r || s.active == nil {
		s.active = nil
		if s.state != StateFailed {
			s.state = StateIdle
		}
	}
}

// Close closes the socket. Any open response fails on its next read.
func (s *Session) Close() error {
	return s.sock.Close()
}
