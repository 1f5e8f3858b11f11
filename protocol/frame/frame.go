// Package frame implements the CLOUDPROTO wire frame and its incremental codec.
//
// Header layout (8 bytes, big-endian), followed by the payload and a CRC-32 trailer:
//
//	[0]    magic    uint8   service tag (TS, LFO, ...)
//	[1]    kind     uint8   packet kind, interpreted by the service
//	[2-3]  version  uint16  Normal or Connect
//	[4-7]  length   uint32  header + payload length
//	[...]  payload
//	[+4]   crc32    uint32  IEEE over header and payload (omitted when Limits.NoChecksum)
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
)

const (
	HeaderLen  = 8
	TrailerLen = 4

	DefaultMaxPayloadBytes uint32 = 16 * 1024 * 1024
)

var (
	// ErrFraming is the parent of every error caused by a malformed frame boundary.
	ErrFraming = errors.New("frame: framing error")

	ErrShortHeader     = fmt.Errorf("%w: short header", ErrFraming)
	ErrLengthTooSmall  = fmt.Errorf("%w: length smaller than header", ErrFraming)
	ErrPayloadTooLarge = fmt.Errorf("%w: payload too large", ErrFraming)
	ErrSizeMismatch    = fmt.Errorf("%w: buffer size does not match declared length", ErrFraming)
	ErrTruncated       = fmt.Errorf("%w: stream ended inside a frame", ErrFraming)

	ErrChecksum = errors.New("frame: checksum mismatch")
)

// Magic tags the backend service a frame belongs to.
type Magic uint8

const (
	MagicTS  Magic = 0x8F
	MagicLFO Magic = 0x9F
)

func (m Magic) String() string {
	switch m {
	case MagicTS:
		return "ts"
	case MagicLFO:
		return "lfo"
	default:
		return fmt.Sprintf("0x%02x", uint8(m))
	}
}

// Version is the header version field. Only two values have been observed.
type Version uint16

const (
	VersionNormal  Version = 1
	VersionConnect Version = 2
)

func (v Version) String() string {
	switch v {
	case VersionNormal:
		return "normal"
	case VersionConnect:
		return "connect"
	default:
		return fmt.Sprintf("0x%04x", uint16(v))
	}
}

// Frame is one complete wire message.
type Frame struct {
	Magic   Magic
	Kind    uint8
	Version Version
	Payload []byte
}

// Limits constrains frame encode/decode.
type Limits struct {
	MaxPayloadBytes uint32
	// NoChecksum drops the CRC-32 trailer, which is how the sensor's own frames look on the wire.
	NoChecksum bool
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: DefaultMaxPayloadBytes,
	}
}

func (l Limits) maxPayload() uint64 {
	max := uint64(l.MaxPayloadBytes)
	if max == 0 {
		max = uint64(DefaultMaxPayloadBytes)
	}
	if max > math.MaxUint32-HeaderLen {
		max = math.MaxUint32 - HeaderLen
	}
	return max
}

func (l Limits) trailerLen() int {
	if l.NoChecksum {
		return 0
	}
	return TrailerLen
}

type header struct {
	magic   Magic
	kind    uint8
	version Version
	length  uint32
}

func decodeHeader(b []byte) header {
	return header{
		magic:   Magic(b[0]),
		kind:    b[1],
		version: Version(binary.BigEndian.Uint16(b[2:4])),
		length:  binary.BigEndian.Uint32(b[4:8]),
	}
}

// payloadLen validates the declared length against the limits.
func (h header) payloadLen(limits Limits) (int, error) {
	if h.length < HeaderLen {
		return 0, fmt.Errorf("%w: %d", ErrLengthTooSmall, h.length)
	}
	n := uint64(h.length - HeaderLen)
	if n > limits.maxPayload() {
		return 0, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, limits.maxPayload())
	}
	return int(n), nil
}

// Encode serializes f into a single buffer.
func Encode(f Frame, limits Limits) ([]byte, error) {
	if uint64(len(f.Payload)) > limits.maxPayload() {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(f.Payload), limits.maxPayload())
	}
	n := HeaderLen + len(f.Payload)
	buf := make([]byte, n, n+limits.trailerLen())
	buf[0] = uint8(f.Magic)
	buf[1] = f.Kind
	binary.BigEndian.PutUint16(buf[2:4], uint16(f.Version))
	binary.BigEndian.PutUint32(buf[4:8], uint32(n))
	copy(buf[HeaderLen:], f.Payload)
	if !limits.NoChecksum {
		buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	}
	return buf, nil
}

// Decode parses exactly one frame occupying all of b.
func Decode(b []byte, limits Limits) (Frame, error) {
	if len(b) < HeaderLen {
		return Frame{}, ErrShortHeader
	}
	h := decodeHeader(b[:HeaderLen])
	if _, err := h.payloadLen(limits); err != nil {
		return Frame{}, err
	}
	want := int(h.length) + limits.trailerLen()
	if len(b) != want {
		return Frame{}, fmt.Errorf("%w: got %d want %d", ErrSizeMismatch, len(b), want)
	}
	return build(h, b, limits)
}

// build verifies the trailer of a complete raw frame and copies its payload out.
func build(h header, raw []byte, limits Limits) (Frame, error) {
	body := raw[:h.length]
	if !limits.NoChecksum {
		want := binary.BigEndian.Uint32(raw[h.length : h.length+TrailerLen])
		if got := crc32.ChecksumIEEE(body); got != want {
			return Frame{}, fmt.Errorf("%w: computed 0x%08x, trailer 0x%08x", ErrChecksum, got, want)
		}
	}
	payload := make([]byte, len(body)-HeaderLen)
	copy(payload, body[HeaderLen:])
	return Frame{
		Magic:   h.magic,
		Kind:    h.kind,
		Version: h.version,
		Payload: payload,
	}, nil
}

// ReadFrame reads exactly one frame from r. A stream that ends cleanly before
// the first header byte returns io.EOF.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncated
		}
		return Frame{}, err
	}
	h := decodeHeader(fixed[:])
	if _, err := h.payloadLen(limits); err != nil {
		return Frame{}, err
	}

	raw := make([]byte, int(h.length)+limits.trailerLen())
	copy(raw, fixed[:])
	if _, err := io.ReadFull(r, raw[HeaderLen:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrTruncated
		}
		return Frame{}, err
	}
	return build(h, raw, limits)
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	buf, err := Encode(f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
