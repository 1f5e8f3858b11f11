package ts

import (
	"testing"
	"time"

	"github.com/danmuck/cloudproto/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestEventIDNames(t *testing.T) {
	testlog.Start(t)
	require.Equal(t, "AgentOnline", EventAgentOnline.String())
	require.True(t, EventConfigurationLoaded.Known())
	require.Equal(t, "0x00000001", EventID(1).String())

	id, err := ParseEventID("0x338000ac")
	require.NoError(t, err)
	require.Equal(t, EventAgentOnline, id)

	id, err = ParseEventID("DiskCapacity")
	require.NoError(t, err)
	require.Equal(t, EventDiskCapacity, id)

	_, err = ParseEventID("nope")
	require.Error(t, err)
}

func TestEventPayloadLayout(t *testing.T) {
	testlog.Start(t)
	p := encodeEvent(0x200, Event{ID: EventAgentOnline, Data: []byte{0xAB}})
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 2, 0, 0x33, 0x80, 0x00, 0xAC, 0xAB}, p)

	ev, err := decodeEvent(p)
	require.NoError(t, err)
	require.Equal(t, uint64(0x200), ev.TxID)
	require.Equal(t, EventAgentOnline, ev.ID)
	require.Equal(t, []byte{0xAB}, ev.Data)

	ev, err = decodeEvent(p[:12])
	require.NoError(t, err)
	require.Empty(t, ev.Data)

	_, err = decodeEvent(p[:11])
	require.ErrorIs(t, err, ErrEventTooShort)
}

func TestTransactionTablePrunesSettledEntries(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.MaxTrackedTransactions = 2
	table := NewTransactionTable(cfg)
	now := time.Unix(1700000000, 0)

	var ids []uint64
	for i := 0; i < 4; i++ {
		id, evicted := table.Begin(Event{ID: EventAgentOnline}, now)
		require.Zero(t, evicted)
		ids = append(ids, id)
	}
	require.Equal(t, []uint64{1, 2, 3, 4}, ids)

	for _, id := range ids[:3] {
		require.True(t, table.Ack(id, now))
	}
	require.False(t, table.Ack(ids[0], now), "pruned or settled ids never re-ack")

	_, ok := table.Get(ids[0])
	require.False(t, ok)
	list := table.List()
	require.Len(t, list, 3)
	require.Equal(t, Pending, list[2].State)
	require.Equal(t, 1, table.PendingCount())

	require.Equal(t, 1, table.AbandonAll())
	require.Equal(t, 0, table.PendingCount())
}

func TestTransactionTableBoundsPendingEntries(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TransactionTimeout = -1
	cfg.MaxPendingTransactions = 3
	table := NewTransactionTable(cfg)
	start := time.Unix(1700000000, 0)

	total := 0
	for i := 0; i < 10; i++ {
		_, evicted := table.Begin(Event{ID: EventAgentOnline}, start.Add(time.Duration(i)*time.Second))
		total += evicted
	}
	require.Equal(t, 7, total)
	require.Equal(t, 3, table.PendingCount())
	require.Zero(t, table.Expire(start.Add(time.Hour)), "negative timeout never expires")

	oldest, ok := table.Get(1)
	require.True(t, ok)
	require.Equal(t, Abandoned, oldest.State)
	newest, ok := table.Get(10)
	require.True(t, ok)
	require.Equal(t, Pending, newest.State)
}

func TestZeroConfigUsesDefaults(t *testing.T) {
	testlog.Start(t)
	table := NewTransactionTable(Config{})
	now := time.Unix(1700000000, 0)

	first, _ := table.Begin(Event{ID: EventAgentOnline}, now)
	second, _ := table.Begin(Event{ID: EventAgentOnline}, now)
	require.Equal(t, uint64(1), first)
	require.Equal(t, uint64(2), second)
	require.Equal(t, 2, table.Expire(now.Add(DefaultConfig().TransactionTimeout)))
	require.Zero(t, table.PendingCount())
}
