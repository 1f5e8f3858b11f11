// Package ts implements the event telemetry session: a connect handshake
// followed by a full-duplex stream of events and acks.
package ts

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/cloudproto/internal/observability"
	"github.com/danmuck/cloudproto/protocol/frame"
	"github.com/danmuck/cloudproto/protocol/socket"
	"github.com/rs/zerolog"
)

var (
	ErrSessionClosed = errors.New("ts: session closed")
	ErrProtocol      = errors.New("ts: protocol violation")
	ErrDecode        = errors.New("ts: decode failed")

	ErrHandshake = fmt.Errorf("%w: handshake failed", ErrProtocol)

	ErrEventTooShort = fmt.Errorf("%w: event payload shorter than header", ErrDecode)
)

// Session is a connected event stream. SendEvent and NextEvent may run
// concurrently with each other.
type Session struct {
	sock   *socket.Socket
	cfg    Config
	txs    *TransactionTable
	log    zerolog.Logger
	closed atomic.Bool

	// sendMu orders outgoing frames so auto-acks never race SendEvent for the socket.
	sendMu sync.Mutex
}

// NewSession wraps an already-connected socket without a handshake.
func NewSession(sock *socket.Socket, cfg Config) *Session {
	cfg = cfg.normalized()
	return &Session{
		sock: sock,
		cfg:  cfg,
		txs:  NewTransactionTable(cfg),
		log:  observability.Component("ts"),
	}
}

// SendEvent sends ev under a fresh transaction id and returns that id.
func (s *Session) SendEvent(ctx context.Context, ev Event) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrSessionClosed
	}
	s.expire()
	txid, evicted := s.txs.Begin(ev, s.cfg.Now())
	if evicted > 0 {
		observability.RecordAbandoned(evicted)
		s.log.Warn().Int("evicted", evicted).Msg("pending transaction bound reached, oldest abandoned")
	}
	if err := s.send(ctx, KindEvent, encodeEvent(txid, ev)); err != nil {
		s.txs.Cancel(txid)
		return 0, s.mapErr(err)
	}
	observability.RecordEvent("out", ev.ID.Known())
	s.log.Debug().Uint64("txid", txid).Stringer("event", ev.ID).Int("size", len(ev.Data)).Msg("event sent")
	return txid, nil
}

// SendAck acknowledges the peer's transaction txid.
func (s *Session) SendAck(ctx context.Context, txid uint64) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.mapErr(s.send(ctx, KindAck, encodeAck(txid)))
}

// NextEvent blocks until the peer sends an event. Acks received on the way are
// matched against the transaction table; other packet kinds are skipped.
func (s *Session) NextEvent(ctx context.Context) (IncomingEvent, error) {
	for {
		if s.closed.Load() {
			return IncomingEvent{}, ErrSessionClosed
		}
		f, err := s.sock.Receive(ctx)
		if err != nil {
			return IncomingEvent{}, s.mapErr(err)
		}
		s.expire()
		if f.Magic != frame.MagicTS {
			s.log.Warn().Stringer("magic", f.Magic).Uint8("kind", f.Kind).Msg("skipping frame for another service")
			continue
		}

		switch f.Kind {
		case KindEvent:
			ev, err := decodeEvent(f.Payload)
			if err != nil {
				s.log.Error().Err(err).Msg("undecodable event, closing session")
				_ = s.Close()
				return IncomingEvent{}, err
			}
			observability.RecordEvent("in", ev.ID.Known())
			if !ev.ID.Known() {
				s.log.Debug().Stringer("event", ev.ID).Msg("unrecognized event id")
			}
			if s.cfg.AutoAck {
				if err := s.SendAck(ctx, ev.TxID); err != nil {
					return ev, err
				}
			}
			return ev, nil
		case KindAck:
			s.handleAck(f.Payload)
		default:
			s.log.Warn().Uint8("kind", f.Kind).Stringer("version", f.Version).Int("size", len(f.Payload)).Msg("skipping unexpected packet kind")
		}
	}
}

func (s *Session) handleAck(payload []byte) {
	if len(payload) != txidLen {
		s.log.Warn().Int("size", len(payload)).Msg("discarding ack with bad size")
		observability.RecordAck(false)
		return
	}
	txid := binary.BigEndian.Uint64(payload)
	matched := s.txs.Ack(txid, s.cfg.Now())
	observability.RecordAck(matched)
	if !matched {
		s.log.Debug().Uint64("txid", txid).Msg("discarding ack for unknown transaction")
	}
}

// Transactions returns a snapshot of tracked outgoing transactions.
func (s *Session) Transactions() []Transaction {
	s.expire()
	return s.txs.List()
}

func (s *Session) Transaction(id uint64) (Transaction, bool) {
	s.expire()
	return s.txs.Get(id)
}

// Close abandons pending transactions and closes the socket.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	observability.RecordAbandoned(s.txs.AbandonAll())
	return s.sock.Close()
}

func (s *Session) send(ctx context.Context, kind uint8, payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sock.Send(ctx, frame.Frame{
		Magic:   frame.MagicTS,
		Kind:    kind,
		Version: frame.VersionNormal,
		Payload: payload,
	})
}

func (s *Session) expire() {
	observability.RecordAbandoned(s.txs.Expire(s.cfg.Now()))
}

func (s *Session) mapErr(err error) error {
	if s.closed.Load() && errors.Is(err, socket.ErrClosed) {
		return ErrSessionClosed
	}
	return err
}
