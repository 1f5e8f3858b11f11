package lfo

import (
	"crypto/sha256"
	"hash"

	"github.com/danmuck/cloudproto/protocol/frame"
)

// Decompressor expands a complete compressed body. sizeHint is the size the
// server announced; implementations may stop reading shortly past it.
type Decompressor interface {
	Decompress(compressed []byte, sizeHint int) ([]byte, error)
}

type Compressor interface {
	Compress(data []byte) ([]byte, error)
}

// Verifier produces the running hash checked against a response digest.
type Verifier interface {
	New() hash.Hash
}

// DigestSHA256 is the digest the service sends.
type DigestSHA256 struct{}

func (DigestSHA256) New() hash.Hash {
	return sha256.New()
}

// Compiled-in defaults, filled by build-tagged files.
var (
	builtinDecompressors = map[CompressionFormat]Decompressor{}
	builtinCompressors   = map[CompressionFormat]Compressor{}
	builtinVerifier      Verifier
)

const DefaultMaxBodyBytes = 512 * 1024 * 1024

// Options selects the capabilities a File Session uses. A zero Options
// surfaces compressed bodies raw and never verifies digests.
type Options struct {
	Decompressors map[CompressionFormat]Decompressor
	Verifier      Verifier
	// MaxBodyBytes caps the announced file size. Zero means DefaultMaxBodyBytes.
	MaxBodyBytes uint32
	// Limits is the frame limits the session's socket is built with by Open.
	// NewSession warns when a non-zero value disagrees with the socket's own.
	Limits frame.Limits
}

// DefaultOptions returns the capabilities compiled into this build.
func DefaultOptions() Options {
	decomp := make(map[CompressionFormat]Decompressor, len(builtinDecompressors))
	for k, v := range builtinDecompressors {
		decomp[k] = v
	}
	return Options{
		Decompressors: decomp,
		Verifier:      builtinVerifier,
		MaxBodyBytes:  DefaultMaxBodyBytes,
		Limits:        frame.DefaultLimits(),
	}
}

func (o Options) maxBody() uint32 {
	if o.MaxBodyBytes == 0 {
		return DefaultMaxBodyBytes
	}
	return o.MaxBodyBytes
}

// BuiltinCompressor returns the compiled-in compressor for format, if any.
func BuiltinCompressor(format CompressionFormat) (Compressor, bool) {
	c, ok := builtinCompressors[format]
	return c, ok
}
