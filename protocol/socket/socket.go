// Package socket pairs one duplex byte stream with the frame codec.
//
// A Socket allows one Send and one Receive in flight at a time. The two
// halves are independent and may be driven from different goroutines;
// contention on the same half fails fast with ErrBusy instead of queueing.
package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/cloudproto/internal/observability"
	"github.com/danmuck/cloudproto/protocol/frame"
	"github.com/rs/zerolog"
)

const DefaultReadBufferSize = 32 * 1024

var (
	ErrBusy = errors.New("socket: operation already in progress")
	// ErrClosed reports a stream that ended cleanly or was closed locally.
	ErrClosed = fmt.Errorf("socket: stream closed: %w", io.EOF)
)

type Option func(*Socket)

func WithLimits(limits frame.Limits) Option {
	return func(s *Socket) {
		s.limits = limits
	}
}

func WithReadBufferSize(n int) Option {
	return func(s *Socket) {
		if n > 0 {
			s.readBufSize = n
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Socket) {
		s.log = logger
	}
}

type Socket struct {
	rw          io.ReadWriter
	limits      frame.Limits
	readBufSize int
	log         zerolog.Logger
	closed      atomic.Bool

	sendMu  sync.Mutex
	sendErr error

	recvMu  sync.Mutex
	dec     *frame.Decoder
	readBuf []byte
	queue   []frame.Frame
	recvErr error
}

// New takes exclusive ownership of rw.
func New(rw io.ReadWriter, opts ...Option) *Socket {
	s := &Socket{
		rw:          rw,
		limits:      frame.DefaultLimits(),
		readBufSize: DefaultReadBufferSize,
		log:         observability.Component("socket"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dec = frame.NewDecoder(s.limits)
	return s
}

func (s *Socket) Limits() frame.Limits {
	return s.limits
}

// Send encodes f and writes it in full.
func (s *Socket) Send(ctx context.Context, f frame.Frame) error {
	if !s.sendMu.TryLock() {
		return ErrBusy
	}
	defer s.sendMu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	buf, err := frame.Encode(f, s.limits)
	if err != nil {
		return err
	}
	s.traceFrame("out", f, buf)

	disarm := s.arm(ctx, writeSide)
	n, err := writeFull(s.rw, buf)
	disarm()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && n == 0 {
			return ctxErr
		}
		s.sendErr = s.transportErr("write", err)
		return s.sendErr
	}
	observability.RecordFrame(f.Magic.String(), "out", len(buf))
	return nil
}

// Receive returns the next frame in wire order. Frames decoded before a
// stream failure are delivered before the failure itself.
func (s *Socket) Receive(ctx context.Context) (frame.Frame, error) {
	if !s.recvMu.TryLock() {
		return frame.Frame{}, ErrBusy
	}
	defer s.recvMu.Unlock()

	for {
		if len(s.queue) > 0 {
			f := s.queue[0]
			s.queue[0] = frame.Frame{}
			s.queue = s.queue[1:]
			return f, nil
		}
		if s.recvErr != nil {
			return frame.Frame{}, s.recvErr
		}
		if s.closed.Load() {
			return frame.Frame{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return frame.Frame{}, err
		}
		if err := s.fill(ctx); err != nil {
			return frame.Frame{}, err
		}
	}
}

// fill performs one transport read. Errors it returns are not sticky; sticky
// failures are stored in recvErr.
func (s *Socket) fill(ctx context.Context) error {
	if s.readBuf == nil {
		s.readBuf = make([]byte, s.readBufSize)
	}
	disarm := s.arm(ctx, readSide)
	n, err := s.rw.Read(s.readBuf)
	disarm()

	if n > 0 {
		frames, derr := s.dec.Feed(s.readBuf[:n])
		for _, f := range frames {
			s.traceFrame("in", f, nil)
			observability.RecordFrame(f.Magic.String(), "in", frame.HeaderLen+len(f.Payload)+s.trailerLen())
		}
		s.queue = append(s.queue, frames...)
		if derr != nil {
			observability.RecordDecodeError(errorReason(derr))
			s.log.Warn().Err(derr).Msg("inbound stream rejected")
			s.recvErr = derr
			return nil
		}
	}
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, io.EOF):
		if s.dec.Buffered() > 0 {
			s.recvErr = fmt.Errorf("%w: %d bytes buffered", frame.ErrTruncated, s.dec.Buffered())
			observability.RecordDecodeError(errorReason(frame.ErrTruncated))
		} else {
			s.recvErr = ErrClosed
		}
	case ctx.Err() != nil && isTimeout(err):
		return ctx.Err()
	default:
		s.recvErr = s.transportErr("read", err)
	}
	return nil
}

// Close closes the underlying stream when it supports closing.
func (s *Socket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if c, ok := s.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Socket) transportErr(op string, err error) error {
	if s.closed.Load() || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return ErrClosed
	}
	observability.RecordDecodeError("transport")
	return fmt.Errorf("socket: %s: %w", op, err)
}

func (s *Socket) trailerLen() int {
	if s.limits.NoChecksum {
		return 0
	}
	return frame.TrailerLen
}

func writeFull(w io.Writer, buf []byte) (int, error) {
	written := 0
	for written < len(buf) {
		n, err := w.Write(buf[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, frame.ErrChecksum):
		return "checksum"
	case errors.Is(err, frame.ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, frame.ErrLengthTooSmall):
		return "length_too_small"
	case errors.Is(err, frame.ErrTruncated):
		return "truncated"
	case errors.Is(err, frame.ErrFraming):
		return "framing"
	default:
		return "other"
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type side int

const (
	readSide side = iota
	writeSide
)

type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// arm interrupts a blocked read or write on one side once ctx is done, by
// moving the stream deadline into the past. Streams without deadlines only
// get the pre-blocking ctx check done by the caller.
func (s *Socket) arm(ctx context.Context, which side) func() {
	d, ok := s.rw.(deadliner)
	if !ok || ctx.Done() == nil {
		return func() {}
	}
	set := d.SetReadDeadline
	if which == writeSide {
		set = d.SetWriteDeadline
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = set(time.Unix(1, 0))
	})
	return func() {
		if !stop() {
			<-fired
		}
		_ = set(time.Time{})
	}
}
