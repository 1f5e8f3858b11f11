// Package config loads the TOML file shared by the cloudprotoctl commands.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/cloudproto/internal/transport"
	"github.com/danmuck/cloudproto/protocol/frame"
	"github.com/danmuck/cloudproto/protocol/lfo"
	"github.com/danmuck/cloudproto/protocol/ts"
)

var (
	ErrInvalidHex         = errors.New("config: invalid hex identifier")
	ErrInvalidCompression = errors.New("config: unknown compression")
	ErrInvalidAgentStatus = errors.New("config: unknown agent id status")
	ErrMissingAddr        = errors.New("config: address required")
	ErrTxIDConflict       = errors.New("config: sensor_txids cannot be combined with first_txid or txid_step")
)

// Config is the resolved configuration for one cloudprotoctl run.
type Config struct {
	MetricsAddr string
	Client      ClientConfig
	Server      ServerConfig
	TLS         transport.TLSConfig
	Frame       frame.Limits
	TS          ts.Config
	// SensorTxIDs switches the TS transaction ids to the sensor's 0x200/0x100 scheme.
	SensorTxIDs bool
	LFO         LFOConfig
	Dial        transport.DialConfig
}

type ClientConfig struct {
	TSAddr  string
	LFOAddr string
	CID     [16]byte
	AID     [16]byte
	BootID  [16]byte
	PT      [8]byte
}

type ServerConfig struct {
	TSListen    string
	LFOListen   string
	Root        string
	RecordFile  string
	AgentStatus ts.AgentIDStatus
	AID         [16]byte
}

type LFOConfig struct {
	Compression  lfo.CompressionFormat
	Verify       bool
	MaxBodyBytes uint32
	ChunkSize    int
	OmitDigest   bool
}

func DefaultConfig() Config {
	info := ts.NewConnectInfo([16]byte{})
	return Config{
		Client: ClientConfig{
			TSAddr:  "127.0.0.1:443",
			LFOAddr: "127.0.0.1:443",
			BootID:  info.BootID,
		},
		Server: ServerConfig{
			TSListen:    "127.0.0.1:8443",
			LFOListen:   "127.0.0.1:8444",
			Root:        ".",
			AgentStatus: ts.AgentIDUnchanged,
		},
		TLS:   transport.TLSConfig{Enabled: true},
		Frame: frame.DefaultLimits(),
		TS:    ts.DefaultConfig(),
		LFO: LFOConfig{
			Compression:  lfo.CompressionXz,
			Verify:       true,
			MaxBodyBytes: lfo.DefaultMaxBodyBytes,
			ChunkSize:    4096,
		},
		Dial: transport.DefaultDialConfig(),
	}
}

type fileConfig struct {
	MetricsAddr string     `toml:"metrics_addr"`
	Client      fileClient `toml:"client"`
	Server      fileServer `toml:"server"`
	TLS         fileTLS    `toml:"tls"`
	Frame       fileFrame  `toml:"frame"`
	TS          fileTS     `toml:"ts"`
	LFO         fileLFO    `toml:"lfo"`
	Retry       fileRetry  `toml:"retry"`
}

type fileClient struct {
	TSAddr           string `toml:"ts_addr"`
	LFOAddr          string `toml:"lfo_addr"`
	CID              string `toml:"cid"`
	AID              string `toml:"aid"`
	BootID           string `toml:"boot_id"`
	PT               string `toml:"pt"`
	ConnectTimeout   string `toml:"connect_timeout"`
	HandshakeTimeout string `toml:"handshake_timeout"`
}

type fileServer struct {
	TSListen    string `toml:"ts_listen"`
	LFOListen   string `toml:"lfo_listen"`
	Root        string `toml:"root"`
	RecordFile  string `toml:"record_file"`
	AgentStatus string `toml:"agent_status"`
	AID         string `toml:"aid"`
}

type fileTLS struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type fileFrame struct {
	MaxPayloadBytes uint32 `toml:"max_payload_bytes"`
	NoChecksum      bool   `toml:"no_checksum"`
}

type fileTS struct {
	FirstTxID              uint64 `toml:"first_txid"`
	TxIDStep               uint64 `toml:"txid_step"`
	SensorTxIDs            bool   `toml:"sensor_txids"`
	TransactionTimeout     string `toml:"transaction_timeout"`
	MaxTrackedTransactions int    `toml:"max_tracked_transactions"`
	MaxPendingTransactions int    `toml:"max_pending_transactions"`
	AutoAck                bool   `toml:"auto_ack"`
}

type fileLFO struct {
	Compression  string `toml:"compression"`
	Verify       bool   `toml:"verify"`
	MaxBodyBytes uint32 `toml:"max_body_bytes"`
	ChunkSize    int    `toml:"chunk_size"`
	OmitDigest   bool   `toml:"omit_digest"`
}

type fileRetry struct {
	MaxAttempts  int     `toml:"max_attempts"`
	InitialDelay string  `toml:"initial_delay"`
	MaxDelay     string  `toml:"max_delay"`
	Multiplier   float64 `toml:"multiplier"`
	Jitter       bool    `toml:"jitter"`
}

// Load reads path and overlays every key it defines on DefaultConfig.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}
	o := overlay{meta: meta}

	o.str(&cfg.MetricsAddr, raw.MetricsAddr, "metrics_addr")

	o.str(&cfg.Client.TSAddr, raw.Client.TSAddr, "client", "ts_addr")
	o.str(&cfg.Client.LFOAddr, raw.Client.LFOAddr, "client", "lfo_addr")
	o.hex(cfg.Client.CID[:], raw.Client.CID, "client", "cid")
	o.hex(cfg.Client.AID[:], raw.Client.AID, "client", "aid")
	o.hex(cfg.Client.BootID[:], raw.Client.BootID, "client", "boot_id")
	o.hex(cfg.Client.PT[:], raw.Client.PT, "client", "pt")
	o.duration(&cfg.Dial.ConnectTimeout, raw.Client.ConnectTimeout, "client", "connect_timeout")
	o.duration(&cfg.Dial.HandshakeTimeout, raw.Client.HandshakeTimeout, "client", "handshake_timeout")

	o.str(&cfg.Server.TSListen, raw.Server.TSListen, "server", "ts_listen")
	o.str(&cfg.Server.LFOListen, raw.Server.LFOListen, "server", "lfo_listen")
	o.str(&cfg.Server.Root, raw.Server.Root, "server", "root")
	o.str(&cfg.Server.RecordFile, raw.Server.RecordFile, "server", "record_file")
	o.hex(cfg.Server.AID[:], raw.Server.AID, "server", "aid")
	if meta.IsDefined("server", "agent_status") {
		status, err := parseAgentStatus(raw.Server.AgentStatus)
		if err != nil {
			o.fail(err)
		}
		cfg.Server.AgentStatus = status
	}

	o.boolean(&cfg.TLS.Enabled, raw.TLS.Enabled, "tls", "enabled")
	o.boolean(&cfg.TLS.Mutual, raw.TLS.Mutual, "tls", "mutual")
	o.str(&cfg.TLS.CertFile, raw.TLS.CertFile, "tls", "cert_file")
	o.str(&cfg.TLS.KeyFile, raw.TLS.KeyFile, "tls", "key_file")
	o.str(&cfg.TLS.CAFile, raw.TLS.CAFile, "tls", "ca_file")
	o.str(&cfg.TLS.ServerName, raw.TLS.ServerName, "tls", "server_name")
	o.boolean(&cfg.TLS.InsecureSkipVerify, raw.TLS.InsecureSkipVerify, "tls", "insecure_skip_verify")

	if meta.IsDefined("frame", "max_payload_bytes") {
		cfg.Frame.MaxPayloadBytes = raw.Frame.MaxPayloadBytes
	}
	o.boolean(&cfg.Frame.NoChecksum, raw.Frame.NoChecksum, "frame", "no_checksum")

	if meta.IsDefined("ts", "first_txid") {
		cfg.TS.FirstTxID = raw.TS.FirstTxID
	}
	if meta.IsDefined("ts", "txid_step") {
		cfg.TS.TxIDStep = raw.TS.TxIDStep
	}
	o.boolean(&cfg.SensorTxIDs, raw.TS.SensorTxIDs, "ts", "sensor_txids")
	o.duration(&cfg.TS.TransactionTimeout, raw.TS.TransactionTimeout, "ts", "transaction_timeout")
	if meta.IsDefined("ts", "max_tracked_transactions") {
		cfg.TS.MaxTrackedTransactions = raw.TS.MaxTrackedTransactions
	}
	if meta.IsDefined("ts", "max_pending_transactions") {
		cfg.TS.MaxPendingTransactions = raw.TS.MaxPendingTransactions
	}
	o.boolean(&cfg.TS.AutoAck, raw.TS.AutoAck, "ts", "auto_ack")

	if meta.IsDefined("lfo", "compression") {
		c, err := ParseCompression(raw.LFO.Compression)
		if err != nil {
			o.fail(err)
		}
		cfg.LFO.Compression = c
	}
	o.boolean(&cfg.LFO.Verify, raw.LFO.Verify, "lfo", "verify")
	if meta.IsDefined("lfo", "max_body_bytes") {
		cfg.LFO.MaxBodyBytes = raw.LFO.MaxBodyBytes
	}
	if meta.IsDefined("lfo", "chunk_size") {
		cfg.LFO.ChunkSize = raw.LFO.ChunkSize
	}
	o.boolean(&cfg.LFO.OmitDigest, raw.LFO.OmitDigest, "lfo", "omit_digest")

	if meta.IsDefined("retry", "max_attempts") {
		cfg.Dial.MaxAttempts = raw.Retry.MaxAttempts
	}
	o.duration(&cfg.Dial.Backoff.InitialDelay, raw.Retry.InitialDelay, "retry", "initial_delay")
	o.duration(&cfg.Dial.Backoff.MaxDelay, raw.Retry.MaxDelay, "retry", "max_delay")
	if meta.IsDefined("retry", "multiplier") {
		cfg.Dial.Backoff.Multiplier = raw.Retry.Multiplier
	}
	o.boolean(&cfg.Dial.Backoff.Jitter, raw.Retry.Jitter, "retry", "jitter")

	if o.err != nil {
		return Config{}, o.err
	}
	if cfg.SensorTxIDs {
		if meta.IsDefined("ts", "first_txid") || meta.IsDefined("ts", "txid_step") {
			return Config{}, ErrTxIDConflict
		}
		cfg.TS = ts.SensorTxIDs(cfg.TS)
	}
	return cfg, nil
}

// overlay applies defined keys and keeps the first error.
type overlay struct {
	meta toml.MetaData
	err  error
}

func (o *overlay) fail(err error) {
	if o.err == nil {
		o.err = err
	}
}

func (o *overlay) str(dst *string, v string, key ...string) {
	if o.meta.IsDefined(key...) {
		*dst = strings.TrimSpace(v)
	}
}

func (o *overlay) boolean(dst *bool, v bool, key ...string) {
	if o.meta.IsDefined(key...) {
		*dst = v
	}
}

func (o *overlay) duration(dst *time.Duration, v string, key ...string) {
	if !o.meta.IsDefined(key...) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		o.fail(fmt.Errorf("parse %s: %w", strings.Join(key, "."), err))
		return
	}
	*dst = d
}

func (o *overlay) hex(dst []byte, v string, key ...string) {
	if !o.meta.IsDefined(key...) {
		return
	}
	if err := DecodeHex(dst, v); err != nil {
		o.fail(fmt.Errorf("parse %s: %w", strings.Join(key, "."), err))
	}
}

// DecodeHex fills dst from a hex string of exactly len(dst) bytes.
// Dashes and whitespace are ignored so GUID-style ids can be pasted.
func DecodeHex(dst []byte, s string) error {
	clean := strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidHex, len(b), len(dst))
	}
	copy(dst, b)
	return nil
}

func ParseCompression(raw string) (lfo.CompressionFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return lfo.CompressionNone, nil
	case "xz":
		return lfo.CompressionXz, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidCompression, raw)
	}
}

func parseAgentStatus(raw string) (ts.AgentIDStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "unchanged":
		return ts.AgentIDUnchanged, nil
	case "changed":
		return ts.AgentIDChanged, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidAgentStatus, raw)
	}
}

// ValidateClient checks what the client commands need before dialing.
func (c Config) ValidateClient() error {
	if strings.TrimSpace(c.Client.TSAddr) == "" || strings.TrimSpace(c.Client.LFOAddr) == "" {
		return ErrMissingAddr
	}
	return c.TLS.ValidateClient()
}

func (c Config) ValidateServer() error {
	if strings.TrimSpace(c.Server.TSListen) == "" || strings.TrimSpace(c.Server.LFOListen) == "" {
		return ErrMissingAddr
	}
	return c.TLS.ValidateServer()
}

// DialConfig is the dial and retry policy carrying the [tls] settings.
func (c Config) DialConfig() transport.DialConfig {
	d := c.Dial
	d.TLS = c.TLS
	return d
}

// ConnectInfo is the TS handshake identity of the configured client.
func (c Config) ConnectInfo() ts.ConnectInfo {
	info := ts.NewConnectInfo(c.Client.CID)
	info.AID = c.Client.AID
	info.BootID = c.Client.BootID
	info.PT = c.Client.PT
	return info
}

// FileRequest builds an LFO request for path carrying the client identity.
func (c Config) FileRequest(path string) lfo.Request {
	req := lfo.NewRequest(path)
	req.CID = c.Client.CID
	req.AID = c.Client.AID
	req.Compression = c.LFO.Compression
	return req
}

// LFOOptions returns the compiled-in capabilities narrowed by the config.
func (c Config) LFOOptions() lfo.Options {
	opts := lfo.DefaultOptions()
	opts.Limits = c.Frame
	opts.MaxBodyBytes = c.LFO.MaxBodyBytes
	if !c.LFO.Verify {
		opts.Verifier = nil
	}
	return opts
}

func (c Config) ServeOptions() lfo.ServeOptions {
	return lfo.ServeOptions{
		ChunkSize:   c.LFO.ChunkSize,
		Compression: c.LFO.Compression,
		OmitDigest:  c.LFO.OmitDigest,
	}
}
