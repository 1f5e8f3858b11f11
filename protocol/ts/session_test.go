package ts

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/cloudproto/internal/testutil/testlog"
	"github.com/danmuck/cloudproto/protocol/frame"
	"github.com/danmuck/cloudproto/protocol/socket"
	"github.com/stretchr/testify/require"
)

func socketPair(t *testing.T) (*socket.Socket, *socket.Socket) {
	t.Helper()
	a, b := net.Pipe()
	client, server := socket.New(a), socket.New(b)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func sessionPair(t *testing.T, clientCfg, serverCfg Config) (*Session, *Session) {
	t.Helper()
	a, b := socketPair(t)
	return NewSession(a, clientCfg), NewSession(b, serverCfg)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHandshakeAndEventExchange(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	clientSock, serverSock := socketPair(t)

	cid := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 1, 2, 3, 4, 5, 6, 7, 8}
	oldAID := [16]byte{4, 4, 4, 4, 2, 2, 2, 2, 8, 8, 8, 8, 1, 1, 1, 1}
	newAID := [16]byte{9, 9, 9, 9, 0, 0, 0, 0, 9, 9, 9, 9, 0, 0, 0, 0}

	serverErr := make(chan error, 1)
	go func() {
		acc, info, err := Listen(ctx, serverSock)
		if err != nil {
			serverErr <- err
			return
		}
		if info.CID != cid || info.AID != oldAID {
			serverErr <- ErrHandshake
			return
		}
		sess, err := acc.Accept(ctx, ConnectResponse{Status: AgentIDChanged, AID: newAID}, DefaultConfig())
		if err != nil {
			serverErr <- err
			return
		}
		ev, err := sess.NextEvent(ctx)
		if err != nil {
			serverErr <- err
			return
		}
		if ev.ID != EventAgentOnline {
			serverErr <- ErrProtocol
			return
		}
		_, err = sess.SendEvent(ctx, Event{ID: EventLfoDownloadFromManifestRecord, Data: []byte{1, 2, 3}})
		serverErr <- err
	}()

	info := ConnectInfo{CID: cid, AID: oldAID}
	client, resp, err := Connect(ctx, clientSock, info, DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, AgentIDChanged, resp.Status)
	require.Equal(t, newAID, resp.AID)

	_, err = client.SendEvent(ctx, Event{ID: EventAgentOnline})
	require.NoError(t, err)
	ev, err := client.NextEvent(ctx)
	require.NoError(t, err)
	require.Equal(t, EventLfoDownloadFromManifestRecord, ev.ID)
	require.Equal(t, []byte{1, 2, 3}, ev.Data)
	require.NoError(t, <-serverErr)
}

func TestConnectPayloadLayout(t *testing.T) {
	testlog.Start(t)
	info := NewConnectInfo([16]byte{0xAA})
	p := info.encode()
	require.Len(t, p, 72)
	require.Equal(t, byte(0xAA), p[0])
	require.Equal(t, []byte{0x54, 0x64, 0x5d, 0xac}, p[16:20])
	require.Equal(t, []byte{0x6c, 0x95, 0x96, 0x80}, p[48:52])

	back, err := decodeConnectInfo(p)
	require.NoError(t, err)
	require.Equal(t, info, back)
}

func TestConnectRejectsWrongReply(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	clientSock, serverSock := socketPair(t)

	go func() {
		if _, err := serverSock.Receive(ctx); err != nil {
			return
		}
		_ = serverSock.Send(ctx, frame.Frame{Magic: frame.MagicTS, Kind: KindEvent, Version: frame.VersionNormal, Payload: make([]byte, 17)})
	}()
	_, _, err := Connect(ctx, clientSock, NewConnectInfo([16]byte{}), DefaultConfig())
	require.ErrorIs(t, err, ErrHandshake)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestConnectToleratesOddReplySize(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	clientSock, serverSock := socketPair(t)

	go func() {
		if _, err := serverSock.Receive(ctx); err != nil {
			return
		}
		_ = serverSock.Send(ctx, frame.Frame{Magic: frame.MagicTS, Kind: KindConnectionEstablished, Version: frame.VersionNormal, Payload: []byte{1}})
	}()
	sess, resp, err := Connect(ctx, clientSock, NewConnectInfo([16]byte{}), DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Equal(t, AgentIDStatus(0), resp.Status)
}

func TestListenRejectsBadConnectSize(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	clientSock, serverSock := socketPair(t)

	go func() {
		_ = clientSock.Send(ctx, frame.Frame{Magic: frame.MagicTS, Kind: KindConnect, Version: frame.VersionConnect, Payload: make([]byte, 71)})
	}()
	_, _, err := Listen(ctx, serverSock)
	require.ErrorIs(t, err, ErrHandshake)
}

func TestSendEventAssignsIncreasingTxIDs(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	client, server := sessionPair(t, SensorTxIDs(DefaultConfig()), DefaultConfig())

	const n = 5
	got := make(chan uint64, n)
	go func() {
		for i := 0; i < n; i++ {
			ev, err := server.NextEvent(ctx)
			if err != nil {
				close(got)
				return
			}
			got <- ev.TxID
		}
		close(got)
	}()

	var sent []uint64
	for i := 0; i < n; i++ {
		id, err := client.SendEvent(ctx, Event{ID: EventDiskUtilization, Data: []byte{byte(i)}})
		require.NoError(t, err)
		sent = append(sent, id)
	}
	require.Equal(t, []uint64{0x200, 0x300, 0x400, 0x500, 0x600}, sent)

	var received []uint64
	for id := range got {
		received = append(received, id)
	}
	require.Equal(t, sent, received)
}

func TestZeroConfigSessionStartsAtOne(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	client, server := sessionPair(t, Config{}, Config{})

	got := make(chan IncomingEvent, 1)
	go func() {
		ev, err := server.NextEvent(ctx)
		if err == nil {
			got <- ev
		}
		close(got)
	}()

	id, err := client.SendEvent(ctx, Event{ID: EventAgentOnline})
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
	ev, ok := <-got
	require.True(t, ok)
	require.Equal(t, uint64(1), ev.TxID)
}

func TestAckCorrelation(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	client, server := sessionPair(t, DefaultConfig(), DefaultConfig())

	serverErr := make(chan error, 1)
	go func() {
		var ids []uint64
		for i := 0; i < 3; i++ {
			ev, err := server.NextEvent(ctx)
			if err != nil {
				serverErr <- err
				return
			}
			ids = append(ids, ev.TxID)
		}
		for _, id := range []uint64{ids[0], ids[2], 9999} {
			if err := server.SendAck(ctx, id); err != nil {
				serverErr <- err
				return
			}
		}
		_, err := server.SendEvent(ctx, Event{ID: EventConnectionStatus})
		serverErr <- err
	}()

	var ids []uint64
	for i := 0; i < 3; i++ {
		id, err := client.SendEvent(ctx, Event{ID: EventHostnameChanged})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	ev, err := client.NextEvent(ctx)
	require.NoError(t, err)
	require.Equal(t, EventConnectionStatus, ev.ID)
	require.NoError(t, <-serverErr)

	first, ok := client.Transaction(ids[0])
	require.True(t, ok)
	require.Equal(t, Acknowledged, first.State)
	require.False(t, first.AckedAt.IsZero())

	second, _ := client.Transaction(ids[1])
	require.Equal(t, Pending, second.State)

	third, _ := client.Transaction(ids[2])
	require.Equal(t, Acknowledged, third.State)

	_, ok = client.Transaction(9999)
	require.False(t, ok)
}

func TestUnackedTransactionsAreAbandonedNotErrors(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)

	var mu sync.Mutex
	now := time.Unix(1700000000, 0)
	cfg := DefaultConfig()
	cfg.TransactionTimeout = 10 * time.Second
	cfg.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	client, server := sessionPair(t, cfg, DefaultConfig())

	go func() {
		for {
			if _, err := server.NextEvent(ctx); err != nil {
				return
			}
		}
	}()

	early, err := client.SendEvent(ctx, Event{ID: EventAgentOnline})
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(11 * time.Second)
	mu.Unlock()

	late, err := client.SendEvent(ctx, Event{ID: EventAgentOnline})
	require.NoError(t, err)

	tx, _ := client.Transaction(early)
	require.Equal(t, Abandoned, tx.State)
	tx, _ = client.Transaction(late)
	require.Equal(t, Pending, tx.State)

	require.NoError(t, client.Close())
	tx, _ = client.Transaction(late)
	require.Equal(t, Abandoned, tx.State)

	_, err = client.SendEvent(ctx, Event{ID: EventAgentOnline})
	require.ErrorIs(t, err, ErrSessionClosed)
	_, err = client.NextEvent(ctx)
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestShortEventClosesSession(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	clientSock, serverSock := socketPair(t)
	client := NewSession(clientSock, DefaultConfig())

	go func() {
		_ = serverSock.Send(ctx, frame.Frame{Magic: frame.MagicTS, Kind: KindEvent, Version: frame.VersionNormal, Payload: make([]byte, 11)})
	}()
	_, err := client.NextEvent(ctx)
	require.ErrorIs(t, err, ErrEventTooShort)
	require.ErrorIs(t, err, ErrDecode)

	_, err = client.NextEvent(ctx)
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestUnknownEventIDIsDelivered(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	client, server := sessionPair(t, DefaultConfig(), DefaultConfig())

	go func() {
		_, _ = server.SendEvent(ctx, Event{ID: 0xDEADBEEF, Data: []byte("opaque")})
	}()
	ev, err := client.NextEvent(ctx)
	require.NoError(t, err)
	require.False(t, ev.ID.Known())
	require.Equal(t, "0xDEADBEEF", ev.ID.String())
	require.Equal(t, []byte("opaque"), ev.Data)
}

func TestSkipsBadAcksAndForeignFrames(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	clientSock, serverSock := socketPair(t)
	client := NewSession(clientSock, DefaultConfig())

	go func() {
		frames := []frame.Frame{
			{Magic: frame.MagicTS, Kind: KindAck, Version: frame.VersionNormal, Payload: []byte{1, 2, 3}},
			{Magic: frame.MagicLFO, Kind: 2, Version: frame.VersionNormal},
			{Magic: frame.MagicTS, Kind: 0x42, Version: frame.VersionNormal},
			{Magic: frame.MagicTS, Kind: KindEvent, Version: frame.VersionNormal, Payload: encodeEvent(7, Event{ID: EventOsVersionInfo})},
		}
		for _, f := range frames {
			if err := serverSock.Send(ctx, f); err != nil {
				return
			}
		}
	}()
	ev, err := client.NextEvent(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(7), ev.TxID)
	require.Equal(t, EventOsVersionInfo, ev.ID)
}

func TestAutoAckAcknowledgesReceivedEvents(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	cfg := DefaultConfig()
	cfg.AutoAck = true
	client, server := sessionPair(t, cfg, DefaultConfig())

	sent := make(chan uint64, 1)
	serverDone := make(chan error, 1)
	go func() {
		id, err := server.SendEvent(ctx, Event{ID: EventChannelRundown})
		if err != nil {
			serverDone <- err
			return
		}
		sent <- id
		// consumes the ack, then returns the client's follow-up event
		_, err = server.NextEvent(ctx)
		serverDone <- err
	}()

	ev, err := client.NextEvent(ctx)
	require.NoError(t, err)
	id := <-sent
	require.Equal(t, id, ev.TxID)

	_, err = client.SendEvent(ctx, Event{ID: EventAgentOnline})
	require.NoError(t, err)
	require.NoError(t, <-serverDone)

	tx, ok := server.Transaction(id)
	require.True(t, ok)
	require.Equal(t, Acknowledged, tx.State)
}
