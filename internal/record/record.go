// Package record appends TS events to a msgpack log and reads them back.
package record

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/danmuck/cloudproto/protocol/ts"
	"github.com/vmihailenco/msgpack/v5"
)

var ErrClosed = errors.New("record: writer closed")

// Entry is one recorded event. Entries are written back to back with no
// outer framing.
type Entry struct {
	Seq     uint64    `msgpack:"seq"`
	At      time.Time `msgpack:"at"`
	Peer    string    `msgpack:"peer,omitempty"`
	TxID    uint64    `msgpack:"txid"`
	EventID uint32    `msgpack:"event_id"`
	Name    string    `msgpack:"name"`
	Data    []byte    `msgpack:"data"`
}

// FromEvent builds an entry for ev received from peer.
func FromEvent(peer string, ev ts.IncomingEvent, at time.Time) Entry {
	return Entry{
		At:      at.UTC(),
		Peer:    peer,
		TxID:    ev.TxID,
		EventID: uint32(ev.ID),
		Name:    ev.ID.String(),
		Data:    ev.Data,
	}
}

func (e Entry) Event() ts.IncomingEvent {
	return ts.IncomingEvent{TxID: e.TxID, Event: ts.Event{ID: ts.EventID(e.EventID), Data: e.Data}}
}

// Writer serializes entries from any number of goroutines.
type Writer struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	enc    *msgpack.Encoder
	closer io.Closer
	seq    uint64
	closed bool
}

func NewWriter(w io.Writer) *Writer {
	buf := bufio.NewWriter(w)
	rw := &Writer{buf: buf, enc: msgpack.NewEncoder(buf)}
	if c, ok := w.(io.Closer); ok {
		rw.closer = c
	}
	return rw
}

// OpenFile appends to path, creating it if needed.
func OpenFile(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("record: open %s: %w", path, err)
	}
	return NewWriter(f), nil
}

// Append assigns the next sequence number and flushes the entry.
func (w *Writer) Append(e Entry) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	w.seq++
	e.Seq = w.seq
	if err := w.enc.Encode(&e); err != nil {
		return 0, fmt.Errorf("record: encode: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return 0, fmt.Errorf("record: flush: %w", err)
	}
	return e.Seq, nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.buf.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

type Reader struct {
	dec *msgpack.Decoder
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: msgpack.NewDecoder(bufio.NewReader(r))}
}

// Next returns io.EOF after the last complete entry.
func (r *Reader) Next() (Entry, error) {
	var e Entry
	if err := r.dec.Decode(&e); err != nil {
		if errors.Is(err, io.EOF) {
			return Entry{}, io.EOF
		}
		return Entry{}, fmt.Errorf("record: decode: %w", err)
	}
	return e, nil
}

// ReadFile loads every entry in path.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("record: open %s: %w", path, err)
	}
	defer f.Close()

	r := NewReader(f)
	var out []Entry
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}
