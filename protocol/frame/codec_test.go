package frame

import (
	"bytes"
	"errors"
	"testing"
)

func encodeStream(t *testing.T, frames []Frame, limits Limits) []byte {
	t.Helper()
	var out []byte
	for _, f := range frames {
		b, err := Encode(f, limits)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		out = append(out, b...)
	}
	return out
}

func sampleFrames() []Frame {
	return []Frame{
		{Magic: MagicTS, Kind: 1, Version: VersionConnect, Payload: bytes.Repeat([]byte{1}, 72)},
		{Magic: MagicTS, Kind: 3, Version: VersionNormal, Payload: []byte("evt")},
		{Magic: MagicTS, Kind: 4, Version: VersionNormal, Payload: []byte{}},
		{Magic: MagicLFO, Kind: 2, Version: VersionNormal, Payload: bytes.Repeat([]byte{9}, 5000)},
	}
}

func assertSameFrames(t *testing.T, got, want []Frame) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("frame count got=%d want=%d", len(got), len(want))
	}
	for i := range want {
		if got[i].Magic != want[i].Magic || got[i].Kind != want[i].Kind || got[i].Version != want[i].Version {
			t.Fatalf("frame %d header mismatch: got=%+v", i, got[i])
		}
		if !bytes.Equal(got[i].Payload, want[i].Payload) {
			t.Fatalf("frame %d payload mismatch", i)
		}
	}
}

func TestDecoderByteAtATimeMatchesWholeBuffer(t *testing.T) {
	for _, limits := range []Limits{DefaultLimits(), {NoChecksum: true}} {
		stream := encodeStream(t, sampleFrames(), limits)

		whole, err := NewDecoder(limits).Feed(stream)
		if err != nil {
			t.Fatalf("whole feed: %v", err)
		}
		assertSameFrames(t, whole, sampleFrames())

		d := NewDecoder(limits)
		var split []Frame
		for i := range stream {
			got, err := d.Feed(stream[i : i+1])
			if err != nil {
				t.Fatalf("byte %d: %v", i, err)
			}
			split = append(split, got...)
		}
		assertSameFrames(t, split, whole)
		if d.Buffered() != 0 {
			t.Fatalf("decoder retained %d bytes after complete stream", d.Buffered())
		}
	}
}

func TestDecoderRetainsPartialFrame(t *testing.T) {
	stream := encodeStream(t, sampleFrames()[:2], DefaultLimits())
	first := HeaderLen + 72 + TrailerLen

	d := NewDecoder(DefaultLimits())
	got, err := d.Feed(stream[:first+3])
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(got) != 1 || d.Buffered() != 3 {
		t.Fatalf("got %d frames, %d buffered", len(got), d.Buffered())
	}
	got, err = d.Feed(stream[first+3:])
	if err != nil {
		t.Fatalf("feed rest: %v", err)
	}
	if len(got) != 1 || string(got[0].Payload) != "evt" {
		t.Fatalf("unexpected second frame: %+v", got)
	}
}

func TestDecoderErrorIsSticky(t *testing.T) {
	stream := encodeStream(t, sampleFrames()[:2], DefaultLimits())
	second := HeaderLen + 72 + TrailerLen
	stream[second+HeaderLen] ^= 0x01

	d := NewDecoder(DefaultLimits())
	got, err := d.Feed(stream)
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("frames before the corrupt one should be returned, got %d", len(got))
	}
	if _, err := d.Feed(encodeStream(t, sampleFrames()[:1], DefaultLimits())); !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected sticky ErrChecksum, got %v", err)
	}
	if !errors.Is(d.Err(), ErrChecksum) {
		t.Fatalf("Err() = %v", d.Err())
	}
}

func TestDecoderRejectsOversizedHeaderBeforePayloadArrives(t *testing.T) {
	header := []byte{byte(MagicLFO), 2, 0, 1, 0x7F, 0xFF, 0xFF, 0xFF}
	_, err := NewDecoder(DefaultLimits()).Feed(header)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}
