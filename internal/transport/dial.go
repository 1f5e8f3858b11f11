package transport

import (
	"context"
	"crypto/tls"
	"math/rand"
	"net"
	"time"

	"github.com/danmuck/cloudproto/internal/observability"
)

// DialConfig controls one dial attempt and the retry policy around it.
type DialConfig struct {
	TLS              TLSConfig
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	Backoff          BackoffConfig
	// MaxAttempts bounds DialWithRetry. Zero or less retries until ctx ends.
	MaxAttempts int
}

func DefaultDialConfig() DialConfig {
	return DialConfig{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		Backoff:          DefaultBackoff(),
		MaxAttempts:      5,
	}
}

// Dial opens one TCP connection to addr, wrapped in TLS when enabled.
func Dial(ctx context.Context, addr string, cfg DialConfig) (net.Conn, error) {
	if err := cfg.TLS.ValidateClient(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := cfg.TLS.ClientConfig(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx := ctx
	if cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

// DialWithRetry repeats Dial with backoff until it succeeds, attempts run
// out, or ctx ends.
func DialWithRetry(ctx context.Context, addr string, cfg DialConfig) (net.Conn, error) {
	logger := observability.Component("transport")
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var attempt int
	for {
		attempt++
		conn, err := Dial(ctx, addr, cfg)
		if err == nil {
			return conn, nil
		}
		logger.Warn().Int("attempt", attempt).Str("addr", addr).Err(err).Msg("dial failed")
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return nil, err
		}
		if err := sleepBackoff(ctx, cfg.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

func sleepBackoff(ctx context.Context, cfg BackoffConfig, attempt int, rng *rand.Rand) error {
	timer := time.NewTimer(cfg.Delay(attempt, rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Listen opens a TCP listener on addr, wrapped in TLS when enabled.
func Listen(addr string, cfg TLSConfig) (net.Listener, error) {
	if err := cfg.ValidateServer(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return net.Listen("tcp", addr)
	}
	tlsCfg, err := cfg.ServerConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", addr, tlsCfg)
}
