package record

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/cloudproto/internal/testutil/testlog"
	"github.com/danmuck/cloudproto/protocol/ts"
	"github.com/stretchr/testify/require"
)

func TestFileAppendAndReadBack(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "events.msgpack")
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	w, err := OpenFile(path)
	require.NoError(t, err)
	ev := ts.IncomingEvent{TxID: 0x200, Event: ts.Event{ID: ts.EventAgentOnline, Data: []byte{1, 2, 3}}}
	seq, err := w.Append(FromEvent("10.0.0.5:51000", ev, at))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
	_, err = w.Append(FromEvent("10.0.0.5:51000", ts.IncomingEvent{TxID: 0x300, Event: ts.Event{ID: 0x12345678}}, at))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Append(Entry{})
	require.ErrorIs(t, err, ErrClosed)

	entries, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "AgentOnline", entries[0].Name)
	require.True(t, at.Equal(entries[0].At))
	require.Equal(t, ev, entries[0].Event())
	require.Equal(t, "0x12345678", entries[1].Name)
	require.Equal(t, uint64(2), entries[1].Seq)

	// reopening appends after the existing entries
	w, err = OpenFile(path)
	require.NoError(t, err)
	_, err = w.Append(FromEvent("", ev, at))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	entries, err = ReadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestConcurrentAppendsKeepEntriesWhole(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	w := NewWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				if _, err := w.Append(Entry{TxID: uint64(i*100 + j), Data: bytes.Repeat([]byte{byte(i)}, j)}); err != nil {
					t.Errorf("append: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, w.Close())

	r := NewReader(&buf)
	seen := map[uint64]bool{}
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.False(t, seen[e.Seq])
		seen[e.Seq] = true
	}
	require.Len(t, seen, 200)
}

func TestReaderReportsTruncatedEntry(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	_, err := w.Append(Entry{Name: "AgentOnline", Data: []byte("payload")})
	require.NoError(t, err)

	raw := buf.Bytes()
	r := NewReader(bytes.NewReader(raw[:len(raw)-3]))
	_, err = r.Next()
	require.Error(t, err)
}
