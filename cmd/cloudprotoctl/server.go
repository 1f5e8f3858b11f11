package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/cloudproto/internal/config"
	"github.com/danmuck/cloudproto/internal/observability"
	"github.com/danmuck/cloudproto/internal/record"
	"github.com/danmuck/cloudproto/internal/transport"
	"github.com/danmuck/cloudproto/protocol/lfo"
	"github.com/danmuck/cloudproto/protocol/socket"
	"github.com/danmuck/cloudproto/protocol/ts"
	"github.com/rs/zerolog"
)

// server runs one private service on a listener until its context ends.
type server struct {
	ln  net.Listener
	cfg config.Config
	log zerolog.Logger
	wg  sync.WaitGroup
}

func newServer(ln net.Listener, cfg config.Config, name string) *server {
	return &server{ln: ln, cfg: cfg, log: observability.Component(name)}
}

func runServer(ctx context.Context, addr string, cfg config.Config, serve func(context.Context, *server) error) error {
	ln, err := transport.Listen(addr, cfg.TLS)
	if err != nil {
		return err
	}
	srv := newServer(ln, cfg, "serve")
	srv.log.Info().Str("addr", ln.Addr().String()).Bool("tls", cfg.TLS.Enabled).Msg("listening")
	return serve(ctx, srv)
}

func (s *server) acceptLoop(ctx context.Context, handle func(context.Context, net.Conn)) error {
	stop := context.AfterFunc(ctx, func() { _ = s.ln.Close() })
	defer stop()
	defer s.wg.Wait()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			handle(ctx, conn)
		}()
	}
}

func (s *server) newSocket(conn net.Conn) *socket.Socket {
	return socket.New(conn, socket.WithLimits(s.cfg.Frame), socket.WithLogger(s.log.With().Str("peer", conn.RemoteAddr().String()).Logger()))
}

// serveTS accepts TS clients, acks every event and appends it to rec when set.
func (s *server) serveTS(ctx context.Context, rec *record.Writer) error {
	return s.acceptLoop(ctx, func(ctx context.Context, conn net.Conn) {
		peer := conn.RemoteAddr().String()
		logger := s.log.With().Str("peer", peer).Logger()

		acc, info, err := ts.Listen(ctx, s.newSocket(conn))
		if err != nil {
			logger.Warn().Err(err).Msg("handshake failed")
			return
		}
		resp := ts.ConnectResponse{Status: s.cfg.Server.AgentStatus, AID: info.AID}
		if resp.Status == ts.AgentIDChanged {
			resp.AID = s.cfg.Server.AID
		}
		cfg := s.cfg.TS
		cfg.AutoAck = true
		sess, err := acc.Accept(ctx, resp, cfg)
		if err != nil {
			logger.Warn().Err(err).Msg("accept failed")
			return
		}
		defer sess.Close()
		logger.Info().Hex("cid", info.CID[:]).Hex("aid", info.AID[:]).Stringer("status", resp.Status).Msg("sensor connected")

		for {
			ev, err := sess.NextEvent(ctx)
			if err != nil {
				if isDisconnect(ctx, err) {
					logger.Info().Msg("sensor disconnected")
				} else {
					logger.Warn().Err(err).Msg("session ended")
				}
				return
			}
			logger.Info().Uint64("txid", ev.TxID).Stringer("event", ev.ID).Int("size", len(ev.Data)).Msg("event")
			if rec != nil {
				if _, err := rec.Append(record.FromEvent(peer, ev, time.Now())); err != nil {
					logger.Error().Err(err).Msg("record event")
				}
			}
		}
	})
}

// serveLFO answers file requests from files under the configured root.
func (s *server) serveLFO(ctx context.Context) error {
	return s.acceptLoop(ctx, func(ctx context.Context, conn net.Conn) {
		logger := s.log.With().Str("peer", conn.RemoteAddr().String()).Logger()
		sock := s.newSocket(conn)
		for {
			req, err := lfo.ReadRequest(ctx, sock)
			if err != nil {
				if !isDisconnect(ctx, err) {
					logger.Warn().Err(err).Msg("bad request")
				}
				return
			}
			body, err := s.readFile(req.Path)
			if err != nil {
				logger.Info().Str("path", req.Path).Err(err).Msg("request failed")
				if err := lfo.WriteFailure(ctx, sock, lfo.NotFoundMessage); err != nil {
					return
				}
				continue
			}
			opts := s.cfg.ServeOptions()
			if req.Compression == lfo.CompressionNone {
				opts.Compression = lfo.CompressionNone
			}
			if err := lfo.WriteResponse(ctx, sock, body, opts); err != nil {
				logger.Warn().Err(err).Str("path", req.Path).Msg("response failed")
				return
			}
			logger.Info().Str("path", req.Path).Int("size", len(body)).Stringer("compression", opts.Compression).Msg("served")
		}
	})
}

// readFile resolves a request path inside the root. Paths cannot climb out
// of it.
func (s *server) readFile(reqPath string) ([]byte, error) {
	rel := filepath.Clean("/" + strings.ReplaceAll(reqPath, "\\", "/"))
	path := filepath.Join(s.cfg.Server.Root, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: not a regular file", rel)
	}
	limit := s.cfg.LFO.MaxBodyBytes
	if limit == 0 {
		limit = lfo.DefaultMaxBodyBytes
	}
	if info.Size() > int64(limit) {
		return nil, fmt.Errorf("%s: %d bytes exceeds limit", rel, info.Size())
	}
	return os.ReadFile(path)
}

func isDisconnect(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, ts.ErrSessionClosed) ||
		errors.Is(err, net.ErrClosed)
}
