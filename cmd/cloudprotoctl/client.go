package main

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/danmuck/cloudproto/internal/config"
	"github.com/danmuck/cloudproto/internal/transport"
	"github.com/danmuck/cloudproto/protocol/lfo"
	"github.com/danmuck/cloudproto/protocol/socket"
	"github.com/danmuck/cloudproto/protocol/ts"
	"github.com/rs/zerolog/log"
)

type fetchResult struct {
	Body        []byte
	Compression lfo.CompressionFormat
	HasDigest   bool
	Verified    bool
}

// fetchFile downloads remote over one LFO session. On an integrity error the
// body is returned with the error.
func fetchFile(ctx context.Context, cfg config.Config, remote string) (fetchResult, error) {
	conn, err := transport.DialWithRetry(ctx, cfg.Client.LFOAddr, cfg.DialConfig())
	if err != nil {
		return fetchResult{}, err
	}
	sess := lfo.Open(conn, cfg.LFOOptions())
	defer sess.Close()

	resp, err := sess.Request(ctx, cfg.FileRequest(remote))
	if err != nil {
		return fetchResult{}, err
	}
	body, err := resp.ReadAll(ctx)
	_, hasDigest := resp.Digest()
	return fetchResult{
		Body:        body,
		Compression: resp.Compression(),
		HasDigest:   hasDigest,
		Verified:    resp.Verified(),
	}, err
}

// sendEvent connects, sends ev and waits up to ackTimeout for its ack. A
// missing ack is not an error; the returned transaction is still pending.
func sendEvent(ctx context.Context, cfg config.Config, ev ts.Event, ackTimeout time.Duration) (ts.Transaction, error) {
	conn, err := transport.DialWithRetry(ctx, cfg.Client.TSAddr, cfg.DialConfig())
	if err != nil {
		return ts.Transaction{}, err
	}
	sock := socket.New(conn, socket.WithLimits(cfg.Frame))
	sess, resp, err := ts.Connect(ctx, sock, cfg.ConnectInfo(), cfg.TS)
	if err != nil {
		_ = sock.Close()
		return ts.Transaction{}, err
	}
	defer sess.Close()
	log.Info().Stringer("status", resp.Status).Str("aid", hex.EncodeToString(resp.AID[:])).Msg("connected")

	txid, err := sess.SendEvent(ctx, ev)
	if err != nil {
		return ts.Transaction{}, err
	}
	if ackTimeout <= 0 {
		tx, _ := sess.Transaction(txid)
		return tx, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	go func() {
		for {
			in, err := sess.NextEvent(waitCtx)
			if err != nil {
				return
			}
			log.Info().Uint64("txid", in.TxID).Stringer("event", in.ID).Int("size", len(in.Data)).Msg("event received")
		}
	}()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		tx, _ := sess.Transaction(txid)
		if tx.State == ts.Acknowledged {
			return tx, nil
		}
		select {
		case <-waitCtx.Done():
			log.Warn().Uint64("txid", txid).Dur("waited", ackTimeout).Msg("no ack")
			return tx, nil
		case <-ticker.C:
		}
	}
}
