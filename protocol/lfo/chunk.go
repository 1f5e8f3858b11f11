package lfo

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	chunkHeaderLen = 4 + 4 + 32 + 2
	chunkCRCLen    = 4
	failMessageOff = 8
)

// chunkHeader prefixes the data of every ReplyOk and ReplyChunk frame.
type chunkHeader struct {
	// Offset is where the chunk starts in the transmitted byte stream.
	Offset uint32
	// Total is the file size after any decompression.
	Total       uint32
	Digest      [32]byte
	Compression CompressionFormat
}

func (h chunkHeader) hasDigest() bool {
	return h.Digest != [32]byte{}
}

func encodeChunk(h chunkHeader, data []byte) []byte {
	buf := make([]byte, 0, chunkHeaderLen+len(data)+chunkCRCLen)
	buf = binary.BigEndian.AppendUint32(buf, h.Offset)
	buf = binary.BigEndian.AppendUint32(buf, h.Total)
	buf = append(buf, h.Digest[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(h.Compression))
	buf = append(buf, data...)
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(data))
}

// parseChunk splits a reply payload and checks the chunk CRC. The returned
// data aliases p.
func parseChunk(p []byte) (chunkHeader, []byte, error) {
	if len(p) < chunkHeaderLen+chunkCRCLen {
		return chunkHeader{}, nil, fmt.Errorf("%w: reply header too short (%d bytes)", ErrDecode, len(p))
	}
	var h chunkHeader
	h.Offset = binary.BigEndian.Uint32(p[0:4])
	h.Total = binary.BigEndian.Uint32(p[4:8])
	copy(h.Digest[:], p[8:40])
	h.Compression = CompressionFormat(binary.BigEndian.Uint16(p[40:42]))

	end := len(p) - chunkCRCLen
	data := p[chunkHeaderLen:end]
	want := binary.BigEndian.Uint32(p[end:])
	if got := crc32.ChecksumIEEE(data); got != want {
		return chunkHeader{}, nil, fmt.Errorf("%w: chunk crc 0x%08x, trailer 0x%08x", ErrDecode, got, want)
	}
	return h, data, nil
}

func encodeFailure(msg string) []byte {
	buf := make([]byte, failMessageOff, failMessageOff+len(msg))
	return append(buf, msg...)
}

// parseFailure maps a ReplyFail payload to the request error it stands for.
func parseFailure(p []byte) error {
	if len(p) < failMessageOff {
		return fmt.Errorf("%w: fail reply %d bytes", ErrDecode, len(p))
	}
	msg := string(p[failMessageOff:])
	// the service answers unknown paths with a generic internal error
	if msg == NotFoundMessage {
		return ErrNotFound
	}
	return &ServerError{Message: msg}
}
