package lfo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/danmuck/cloudproto/internal/observability"
	"github.com/danmuck/cloudproto/protocol/frame"
)

// Response is the reply to one Request, read as a finite sequence of chunks.
// It is not safe for concurrent use.
type Response struct {
	sess    *Session
	req     Request
	started time.Time

	opened      bool
	header      chunkHeader
	total       uint32
	compression CompressionFormat
	decomp      Decompressor
	hasher      hash.Hash
	raw         bool

	pending    []byte
	received   uint32
	final      bool
	compressed []byte
	body       []byte

	status    State
	done      bool
	endErr    error
	verified  bool
	abandoned bool
	draining  bool
}

// Next returns the next chunk of file data, or io.EOF after the last one.
// Integrity failures take the place of io.EOF; Body still returns the data.
func (r *Response) Next(ctx context.Context) ([]byte, error) {
	if r.done {
		return nil, r.endErr
	}
	if r.abandoned {
		return nil, ErrResponseClosed
	}
	for {
		if r.pending != nil {
			chunk := r.pending
			r.pending = nil
			if out := r.absorb(chunk); len(out) > 0 {
				return out, nil
			}
			continue
		}
		if r.final {
			return r.complete()
		}
		f, err := r.sess.sock.Receive(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return nil, err
			}
			r.end(err, "transport")
			r.body = nil
			return nil, r.sess.fail(err)
		}
		if err := r.accept(f); err != nil {
			return nil, err
		}
	}
}

// ReadAll drains the response. On an integrity failure the reassembled body is
// returned together with the error.
func (r *Response) ReadAll(ctx context.Context) ([]byte, error) {
	for {
		_, err := r.Next(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return r.body, nil
		}
		if errors.Is(err, ErrIntegrity) {
			return r.body, err
		}
		return nil, err
	}
}

// Close abandons an unfinished response. The next Request discards whatever
// the server still sends for it.
func (r *Response) Close() error {
	if r.done || r.abandoned {
		return nil
	}
	r.abandoned = true
	r.pending = nil
	r.compressed = nil
	r.body = nil
	observability.RecordFileRequest("abandoned", time.Since(r.started))

	r.sess.mu.Lock()
	if r.sess.active == r && r.sess.state == StateStreaming {
		r.sess.state = StateAbandoned
	}
	r.sess.mu.Unlock()
	return nil
}

// Body returns the reassembled file once the response has ended. It is nil
// before that and after a stream failure.
func (r *Response) Body() []byte {
	if !r.done {
		return nil
	}
	return r.body
}

func (r *Response) Status() State {
	if r.abandoned && !r.done {
		return StateAbandoned
	}
	return r.status
}

func (r *Response) Request() Request {
	return r.req
}

// Total is the announced file size after any decompression.
func (r *Response) Total() uint32 {
	return r.total
}

func (r *Response) Compression() CompressionFormat {
	return r.compression
}

// Digest returns the digest carried by the latest frame. The bool is false
// when the server sent none.
func (r *Response) Digest() ([32]byte, bool) {
	return r.header.Digest, r.header.hasDigest()
}

// Verified reports whether the body matched a server digest.
func (r *Response) Verified() bool {
	return r.verified
}

// Compressed reports whether the body is still in its transfer encoding
// because no decompressor was available for it.
func (r *Response) Compressed() bool {
	return r.raw
}

// accept applies one inbound frame. Errors that break the stream also fail
// the session.
func (r *Response) accept(f frame.Frame) error {
	if f.Magic != frame.MagicLFO {
		return r.violation(fmt.Errorf("%w: magic %v", ErrProtocol, f.Magic))
	}
	switch f.Kind {
	case KindReplyOk, KindReplyChunk:
		h, data, err := parseChunk(f.Payload)
		if err != nil {
			return r.violation(err)
		}
		if !r.opened {
			if err := r.start(h); err != nil {
				return r.violation(err)
			}
		}
		if err := r.check(h, len(data)); err != nil {
			return r.violation(err)
		}
		r.header = h
		r.received += uint32(len(data))
		r.pending = data
		r.final = f.Kind == KindReplyOk
		return nil
	case KindReplyFail:
		err := parseFailure(f.Payload)
		if fatal(err) {
			return r.violation(err)
		}
		outcome := "server_error"
		if errors.Is(err, ErrNotFound) {
			outcome = "not_found"
		}
		r.end(err, outcome)
		r.body = nil
		if !r.draining {
			r.sess.finish(r)
		}
		return err
	default:
		return r.violation(fmt.Errorf("%w: unexpected packet kind 0x%02x", ErrProtocol, f.Kind))
	}
}

func (r *Response) start(h chunkHeader) error {
	if h.Offset != 0 {
		return fmt.Errorf("%w: first chunk at offset %d", ErrProtocol, h.Offset)
	}
	if limit := r.sess.opts.maxBody(); h.Total > limit {
		return fmt.Errorf("%w: announced size %d exceeds %d", ErrProtocol, h.Total, limit)
	}
	r.opened = true
	r.status = StateStreaming
	r.total = h.Total
	r.compression = h.Compression
	if h.Compression != CompressionNone {
		r.decomp = r.sess.opts.Decompressors[h.Compression]
		r.raw = r.decomp == nil
	}
	if v := r.sess.opts.Verifier; v != nil && !r.raw {
		r.hasher = v.New()
	}
	if r.raw {
		r.sess.log.Warn().Stringer("compression", h.Compression).Msg("no decompressor, surfacing raw body")
	}
	return nil
}

func (r *Response) check(h chunkHeader, n int) error {
	if h.Offset != r.received {
		return fmt.Errorf("%w: chunk offset %d, expected %d", ErrProtocol, h.Offset, r.received)
	}
	if h.Total != r.total || h.Compression != r.compression {
		return fmt.Errorf("%w: chunk header changed mid-response", ErrProtocol)
	}
	limit := uint64(r.sess.opts.maxBody())
	if r.compression == CompressionNone {
		limit = uint64(r.total)
	}
	if uint64(r.received)+uint64(n) > limit {
		return fmt.Errorf("%w: data past announced size %d", ErrProtocol, limit)
	}
	return nil
}

func (r *Response) absorb(chunk []byte) []byte {
	if r.decomp != nil {
		r.compressed = append(r.compressed, chunk...)
		return nil
	}
	if r.hasher != nil {
		r.hasher.Write(chunk)
	}
	r.body = append(r.body, chunk...)
	observability.RecordFileBytes(len(chunk))
	return chunk
}

// complete runs the end-of-file checks after the final frame was consumed.
func (r *Response) complete() ([]byte, error) {
	var out []byte
	var err error
	switch {
	case r.decomp != nil:
		data, derr := r.decomp.Decompress(r.compressed, int(r.total))
		r.compressed = nil
		if derr != nil {
			err = fmt.Errorf("%w: %v", ErrDecompress, derr)
			break
		}
		r.body = data
		out = data
		if r.hasher != nil {
			r.hasher.Write(data)
		}
		observability.RecordFileBytes(len(data))
		if len(data) != int(r.total) {
			err = fmt.Errorf("%w: decompressed %d bytes, expected %d", ErrInvalidFinalSize, len(data), r.total)
		}
	case !r.raw && r.received != r.total:
		err = fmt.Errorf("%w: received %d bytes, expected %d", ErrInvalidFinalSize, r.received, r.total)
	}
	if err == nil {
		err = r.verify()
	}

	if err != nil {
		r.sess.log.Warn().Err(err).Str("path", r.req.Path).Msg("file integrity check failed")
		r.end(err, "integrity")
	} else {
		r.end(io.EOF, "ok")
	}
	r.sess.finish(r)
	if len(out) > 0 {
		return out, nil
	}
	return nil, r.endErr
}

func (r *Response) verify() error {
	if r.hasher == nil || !r.header.hasDigest() {
		return nil
	}
	sum := r.hasher.Sum(nil)
	if !bytes.Equal(sum, r.header.Digest[:]) {
		return &DigestMismatchError{Expected: r.header.Digest, Actual: sum}
	}
	r.verified = true
	return nil
}

// violation ends the response on a broken stream and fails the session.
func (r *Response) violation(err error) error {
	r.end(err, "protocol")
	r.body = nil
	return r.sess.fail(err)
}

func (r *Response) end(err error, outcome string) {
	r.done = true
	r.endErr = err
	r.pending = nil
	r.compressed = nil
	if errors.Is(err, io.EOF) {
		r.status = StateComplete
	} else {
		r.status = StateFailed
	}
	if r.draining {
		return
	}
	observability.RecordFileRequest(outcome, time.Since(r.started))
}
