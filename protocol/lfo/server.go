package lfo

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"

	"github.com/danmuck/cloudproto/protocol/frame"
	"github.com/danmuck/cloudproto/protocol/socket"
)

// ServeOptions shapes a response written by WriteResponse.
type ServeOptions struct {
	// ChunkSize splits the transmitted data across frames. Zero sends one frame.
	ChunkSize   int
	Compression CompressionFormat
	// Compressor overrides the built-in compressor for Compression.
	Compressor Compressor
	OmitDigest bool
}

// ReadRequest waits for a GetFileRequest on sock.
func ReadRequest(ctx context.Context, sock *socket.Socket) (Request, error) {
	f, err := sock.Receive(ctx)
	if err != nil {
		return Request{}, err
	}
	if f.Magic != frame.MagicLFO || f.Kind != KindGetFileRequest {
		return Request{}, fmt.Errorf("%w: expected file request, got magic %v kind 0x%02x", ErrProtocol, f.Magic, f.Kind)
	}
	return decodeRequest(f.Payload)
}

// WriteResponse sends body as a successful reply, split into ReplyChunk
// frames closed by a ReplyOk.
func WriteResponse(ctx context.Context, sock *socket.Socket, body []byte, opts ServeOptions) error {
	if uint64(len(body)) > math.MaxUint32 {
		return fmt.Errorf("lfo: body of %d bytes does not fit a response", len(body))
	}
	h := chunkHeader{
		Total:       uint32(len(body)),
		Compression: opts.Compression,
	}
	if !opts.OmitDigest {
		h.Digest = sha256.Sum256(body)
	}

	data := body
	if opts.Compression != CompressionNone {
		c := opts.Compressor
		if c == nil {
			builtin, ok := BuiltinCompressor(opts.Compression)
			if !ok {
				return fmt.Errorf("%w: %v", ErrUnsupportedCompression, opts.Compression)
			}
			c = builtin
		}
		compressed, err := c.Compress(body)
		if err != nil {
			return fmt.Errorf("lfo: compress: %w", err)
		}
		data = compressed
	}

	size := opts.ChunkSize
	if size <= 0 || size > len(data) {
		size = len(data)
	}
	offset := 0
	for {
		end := offset + size
		if end > len(data) {
			end = len(data)
		}
		kind := KindReplyChunk
		if end == len(data) {
			kind = KindReplyOk
		}
		h.Offset = uint32(offset)
		err := sock.Send(ctx, frame.Frame{
			Magic:   frame.MagicLFO,
			Kind:    kind,
			Version: frame.VersionNormal,
			Payload: encodeChunk(h, data[offset:end]),
		})
		if err != nil {
			return err
		}
		if kind == KindReplyOk {
			return nil
		}
		offset = end
	}
}

// WriteFailure sends a ReplyFail carrying msg. Clients map the message
// "internal error" to ErrNotFound.
func WriteFailure(ctx context.Context, sock *socket.Socket, msg string) error {
	return sock.Send(ctx, frame.Frame{
		Magic:   frame.MagicLFO,
		Kind:    KindReplyFail,
		Version: frame.VersionNormal,
		Payload: encodeFailure(msg),
	})
}

// NotFoundMessage is the failure text the service uses for unknown paths.
const NotFoundMessage = "internal error"
