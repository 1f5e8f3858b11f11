package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/cloudproto/internal/config"
	"github.com/danmuck/cloudproto/internal/logging"
	"github.com/danmuck/cloudproto/internal/observability"
	"github.com/danmuck/cloudproto/internal/record"
	"github.com/danmuck/cloudproto/protocol/lfo"
	"github.com/danmuck/cloudproto/protocol/ts"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to a TOML config file",
			EnvVars: []string{"CLOUDPROTO_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "trace, debug, info, warn, error or off",
		},
		&cli.BoolFlag{
			Name:  "no-checksum",
			Usage: "send and expect frames without the CRC-32 trailer",
		},
	}
}

func setupLogging(c *cli.Context) error {
	logging.ConfigureRuntime()
	if raw := c.String("log-level"); raw != "" {
		lvl, ok := logging.ParseLevel(raw)
		if !ok {
			return cli.Exit(fmt.Sprintf("unknown log level %q", raw), 2)
		}
		zerolog.SetGlobalLevel(lvl)
	}
	return nil
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.DefaultConfig()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, cli.Exit(err.Error(), 2)
		}
		cfg = loaded
	}
	if c.Bool("no-checksum") {
		cfg.Frame.NoChecksum = true
	}
	return cfg, nil
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func fetchCommand() *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "download one file from the LFO service",
		ArgsUsage: "<remote path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "override client.lfo_addr"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file (default stdout)"},
			&cli.BoolFlag{Name: "no-compress", Usage: "ask for uncompressed data"},
			&cli.BoolFlag{Name: "no-verify", Usage: "skip the SHA-256 digest check"},
			&cli.BoolFlag{Name: "keep-bad", Usage: "write the body even when the digest does not match"},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Minute},
		},
		Action: fetchAction,
	}
}

func fetchAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("remote path required", 2)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Client.LFOAddr = addr
	}
	if c.Bool("no-compress") {
		cfg.LFO.Compression = lfo.CompressionNone
	}
	if c.Bool("no-verify") {
		cfg.LFO.Verify = false
	}
	if err := cfg.ValidateClient(); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	ctx, cancel := signalContext(c)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, c.Duration("timeout"))
	defer cancelTimeout()

	result, err := fetchFile(ctx, cfg, c.Args().First())
	if err != nil && !(c.Bool("keep-bad") && errors.Is(err, lfo.ErrIntegrity) && result.Body != nil) {
		if errors.Is(err, lfo.ErrNotFound) {
			return cli.Exit(fmt.Sprintf("%s: not found", c.Args().First()), 3)
		}
		return cli.Exit(err.Error(), 1)
	}

	var out io.Writer = c.App.Writer
	if path := c.String("out"); path != "" {
		f, ferr := os.Create(path)
		if ferr != nil {
			return cli.Exit(ferr.Error(), 1)
		}
		defer f.Close()
		out = f
	}
	if _, werr := io.Copy(out, bytes.NewReader(result.Body)); werr != nil {
		return cli.Exit(werr.Error(), 1)
	}
	log.Info().
		Str("path", c.Args().First()).
		Int("size", len(result.Body)).
		Stringer("compression", result.Compression).
		Bool("digest", result.HasDigest).
		Bool("verified", result.Verified).
		Msg("fetched")
	if err != nil {
		return cli.Exit(err.Error(), 4)
	}
	return nil
}

func sendEventCommand() *cli.Command {
	return &cli.Command{
		Name:  "send-event",
		Usage: "connect to the TS service and send one event",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "override client.ts_addr"},
			&cli.StringFlag{Name: "id", Usage: "event id, by name or number", Value: "AgentOnline"},
			&cli.StringFlag{Name: "data-hex", Usage: "event body as hex"},
			&cli.DurationFlag{Name: "ack-timeout", Usage: "wait this long for an ack; 0 skips waiting", Value: 5 * time.Second},
		},
		Action: sendEventAction,
	}
}

func sendEventAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Client.TSAddr = addr
	}
	if err := cfg.ValidateClient(); err != nil {
		return cli.Exit(err.Error(), 2)
	}
	id, err := ts.ParseEventID(c.String("id"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	data, err := hex.DecodeString(c.String("data-hex"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("data-hex: %v", err), 2)
	}

	ctx, cancel := signalContext(c)
	defer cancel()

	tx, err := sendEvent(ctx, cfg, ts.Event{ID: id, Data: data}, c.Duration("ack-timeout"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	log.Info().Uint64("txid", tx.ID).Stringer("event", id).Stringer("state", tx.State).Msg("event sent")
	return nil
}

func serveTSCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve-ts",
		Usage: "run a private TS service that logs and acks events",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "override server.ts_listen"},
			&cli.StringFlag{Name: "record", Usage: "append events to this msgpack file"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if v := c.String("listen"); v != "" {
				cfg.Server.TSListen = v
			}
			if v := c.String("record"); v != "" {
				cfg.Server.RecordFile = v
			}
			if err := cfg.ValidateServer(); err != nil {
				return cli.Exit(err.Error(), 2)
			}
			ctx, cancel := signalContext(c)
			defer cancel()
			startMetrics(ctx, cfg)

			var rec *record.Writer
			if cfg.Server.RecordFile != "" {
				rec, err = record.OpenFile(cfg.Server.RecordFile)
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				defer rec.Close()
			}
			return runServer(ctx, cfg.Server.TSListen, cfg, func(ctx context.Context, srv *server) error {
				return srv.serveTS(ctx, rec)
			})
		},
	}
}

func serveLFOCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve-lfo",
		Usage: "run a private LFO service serving files from a directory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "override server.lfo_listen"},
			&cli.StringFlag{Name: "root", Usage: "override server.root"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if v := c.String("listen"); v != "" {
				cfg.Server.LFOListen = v
			}
			if v := c.String("root"); v != "" {
				cfg.Server.Root = v
			}
			if err := cfg.ValidateServer(); err != nil {
				return cli.Exit(err.Error(), 2)
			}
			ctx, cancel := signalContext(c)
			defer cancel()
			startMetrics(ctx, cfg)
			return runServer(ctx, cfg.Server.LFOListen, cfg, func(ctx context.Context, srv *server) error {
				return srv.serveLFO(ctx)
			})
		},
	}
}

func dumpCommand() *cli.Command {
	return &cli.Command{
		Name:      "dump",
		Usage:     "print a msgpack event record file",
		ArgsUsage: "<record file>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "hex", Usage: "print event bodies as hex"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return cli.Exit("record file required", 2)
			}
			entries, err := record.ReadFile(c.Args().First())
			if err != nil && len(entries) == 0 {
				return cli.Exit(err.Error(), 1)
			}
			printEntries(c.App.Writer, entries, c.Bool("hex"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}

func printEntries(w io.Writer, entries []record.Entry, withData bool) {
	for _, e := range entries {
		fmt.Fprintf(w, "%6d  %s  %-21s  txid=0x%x  %s  %d bytes\n",
			e.Seq, e.At.Format(time.RFC3339Nano), e.Peer, e.TxID, e.Name, len(e.Data))
		if withData && len(e.Data) > 0 {
			fmt.Fprintf(w, "        %s\n", hex.EncodeToString(e.Data))
		}
	}
}

func startMetrics(ctx context.Context, cfg config.Config) {
	if cfg.MetricsAddr == "" {
		return
	}
	go func() {
		if err := observability.ServeMetrics(ctx, cfg.MetricsAddr); err != nil {
			log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
}
