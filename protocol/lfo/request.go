package lfo

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Packet kinds carried in frames with magic frame.MagicLFO.
const (
	KindGetFileRequest uint8 = 0x01
	KindReplyOk        uint8 = 0x02
	KindReplyFail      uint8 = 0x03
	// KindReplyChunk is a non-final data frame of a multi-frame response.
	KindReplyChunk uint8 = 0x04
)

// CompressionFormat is the transfer encoding of file data.
type CompressionFormat uint16

const (
	CompressionNone CompressionFormat = 0
	CompressionXz   CompressionFormat = 1
)

func (c CompressionFormat) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionXz:
		return "xz"
	default:
		return fmt.Sprintf("0x%04x", uint16(c))
	}
}

const (
	requestFixedLen = 16 + 16 + 4 + 4 + 2
	requestMarker   = 8
)

// Request asks for one file by path. The service accepts any CID and AID.
type Request struct {
	CID         [16]byte
	AID         [16]byte
	Compression CompressionFormat
	Path        string
	Offset      uint32
}

func NewRequest(path string) Request {
	return Request{Path: path}
}

func (r Request) encode() []byte {
	buf := make([]byte, 0, requestFixedLen+len(r.Path))
	buf = append(buf, r.CID[:]...)
	buf = append(buf, r.AID[:]...)
	buf = binary.BigEndian.AppendUint32(buf, requestMarker)
	buf = binary.BigEndian.AppendUint32(buf, r.Offset)
	buf = binary.BigEndian.AppendUint16(buf, uint16(r.Compression))
	return append(buf, r.Path...)
}

func decodeRequest(p []byte) (Request, error) {
	if len(p) < requestFixedLen {
		return Request{}, fmt.Errorf("%w: request %d bytes, want at least %d", ErrDecode, len(p), requestFixedLen)
	}
	path := p[requestFixedLen:]
	if !utf8.Valid(path) {
		return Request{}, fmt.Errorf("%w: request path is not utf-8", ErrDecode)
	}
	var r Request
	copy(r.CID[:], p[0:16])
	copy(r.AID[:], p[16:32])
	r.Offset = binary.BigEndian.Uint32(p[36:40])
	r.Compression = CompressionFormat(binary.BigEndian.Uint16(p[40:42]))
	r.Path = string(path)
	return r, nil
}
