// Command cloudprotoctl talks CLOUDPROTO to a cloud endpoint and can stand in
// for the TS and LFO services on a private network.
//
// Usage:
//
//	cloudprotoctl [--config file.toml] <command> [options]
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "cloudprotoctl",
		Usage:          "CLOUDPROTO client and private service tool",
		Version:        version,
		Flags:          globalFlags(),
		Before:         setupLogging,
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			fetchCommand(),
			sendEventCommand(),
			serveTSCommand(),
			serveLFOCommand(),
			dumpCommand(),
		},
	}
}

func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		if msg := exitCoder.Error(); msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}
	fmt.Fprintf(os.Stderr, "cloudprotoctl: %v\n", err)
	os.Exit(1)
}
