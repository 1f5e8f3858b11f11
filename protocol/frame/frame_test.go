package frame

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Frame{
		{Magic: MagicTS, Kind: 3, Version: VersionNormal, Payload: []byte("event body")},
		{Magic: MagicLFO, Kind: 1, Version: VersionConnect, Payload: []byte{}},
		{Magic: Magic(0xFF), Kind: 0x73, Version: Version(0x10E9), Payload: bytes.Repeat([]byte{0xAB}, 70000)},
	}
	for _, in := range cases {
		buf, err := Encode(in, DefaultLimits())
		if err != nil {
			t.Fatalf("encode %v: %v", in.Magic, err)
		}
		if len(buf) != HeaderLen+len(in.Payload)+TrailerLen {
			t.Fatalf("encoded size got=%d", len(buf))
		}
		out, err := Decode(buf, DefaultLimits())
		if err != nil {
			t.Fatalf("decode %v: %v", in.Magic, err)
		}
		if out.Magic != in.Magic || out.Kind != in.Kind || out.Version != in.Version {
			t.Fatalf("header mismatch: got=%+v want=%+v", out, in)
		}
		if !bytes.Equal(out.Payload, in.Payload) {
			t.Fatalf("payload mismatch for magic %v", in.Magic)
		}
	}
}

func TestEncodeWithoutChecksumMatchesSensorLayout(t *testing.T) {
	limits := DefaultLimits()
	limits.NoChecksum = true
	buf, err := Encode(Frame{Magic: 0xFF, Kind: 0x73, Version: 0x10E9, Payload: []byte("Hello world")}, limits)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := "ff7310e900000013" + hex.EncodeToString([]byte("Hello world"))
	if got := hex.EncodeToString(buf); got != want {
		t.Fatalf("wire mismatch: got=%s want=%s", got, want)
	}
	out, err := Decode(buf, limits)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(out.Payload) != "Hello world" {
		t.Fatalf("payload mismatch: %q", out.Payload)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	limits := Limits{MaxPayloadBytes: 16}
	_, err := Encode(Frame{Magic: MagicTS, Payload: make([]byte, 17)}, limits)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if _, err := Encode(Frame{Magic: MagicTS, Payload: make([]byte, 16)}, limits); err != nil {
		t.Fatalf("payload at the limit should encode: %v", err)
	}
}

func TestDecodeRejectsOversizedDeclaredLength(t *testing.T) {
	buf, err := Encode(Frame{Magic: MagicTS, Payload: make([]byte, 32)}, DefaultLimits())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = Decode(buf, Limits{MaxPayloadBytes: 31})
	if !errors.Is(err, ErrPayloadTooLarge) || !errors.Is(err, ErrFraming) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDecodeMalformedHeader(t *testing.T) {
	if _, err := Decode([]byte{0x8F, 3, 0}, DefaultLimits()); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}

	tooSmall := []byte{0x8F, 3, 0, 1, 0, 0, 0, 4, 0, 0, 0, 0}
	if _, err := Decode(tooSmall, DefaultLimits()); !errors.Is(err, ErrLengthTooSmall) {
		t.Fatalf("expected ErrLengthTooSmall, got %v", err)
	}

	buf, _ := Encode(Frame{Magic: MagicTS, Payload: []byte("abc")}, DefaultLimits())
	if _, err := Decode(buf[:len(buf)-1], DefaultLimits()); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch for truncated trailer, got %v", err)
	}
	if _, err := Decode(append(buf, 0), DefaultLimits()); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch for trailing byte, got %v", err)
	}
}

func TestDecodeDetectsEverySingleBitFlip(t *testing.T) {
	buf, err := Encode(Frame{Magic: MagicTS, Kind: 3, Version: VersionNormal, Payload: []byte("falcon")}, DefaultLimits())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := 0; i < len(buf)*8; i++ {
		flipped := append([]byte(nil), buf...)
		flipped[i/8] ^= 1 << (i % 8)
		_, err := Decode(flipped, DefaultLimits())
		if err == nil {
			t.Fatalf("bit %d flip decoded without error", i)
		}
		if !errors.Is(err, ErrChecksum) && !errors.Is(err, ErrFraming) {
			t.Fatalf("bit %d flip: unexpected error class %v", i, err)
		}
	}
}

func TestReadWriteFrameStream(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		f := Frame{Magic: MagicLFO, Kind: uint8(i + 1), Version: VersionNormal, Payload: bytes.Repeat([]byte{byte(i)}, i*10)}
		if err := WriteFrame(&buf, f, DefaultLimits()); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		f, err := ReadFrame(&buf, DefaultLimits())
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if f.Kind != uint8(i+1) || len(f.Payload) != i*10 {
			t.Fatalf("frame %d mismatch: %+v", i, f)
		}
	}
	if _, err := ReadFrame(&buf, DefaultLimits()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at clean end, got %v", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	buf, _ := Encode(Frame{Magic: MagicTS, Payload: []byte("payload")}, DefaultLimits())
	if _, err := ReadFrame(bytes.NewReader(buf[:5]), DefaultLimits()); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated in header, got %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader(buf[:len(buf)-2]), DefaultLimits()); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated in body, got %v", err)
	}
}

func TestTagStringsNeverFail(t *testing.T) {
	if MagicTS.String() != "ts" || MagicLFO.String() != "lfo" || Magic(0x01).String() != "0x01" {
		t.Fatalf("unexpected magic strings")
	}
	if VersionConnect.String() != "connect" || Version(7).String() != "0x0007" {
		t.Fatalf("unexpected version strings")
	}
}
