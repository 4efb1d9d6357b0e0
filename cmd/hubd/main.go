package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"pulsehub/internal/app"
	"pulsehub/internal/logging"
	"pulsehub/internal/qr"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "hubd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd, err := app.ParseHubFlags("hubd", args, stderr)
	if err != nil {
		return err
	}
	logger := logging.New(cmd.Config.Log, stderr).With().Str("app", "hubd").Logger()
	return app.ServeHub(ctx, cmd.Config, logger, func(addr net.Addr) {
		if !cmd.PrintQR {
			return
		}
		if err := printEndpoint(stdout, cmd.PublicURL, addr, cmd.Config.Path); err != nil {
			logger.Warn().Err(err).Msg("qr")
		}
	})
}

func printEndpoint(w io.Writer, publicURL string, addr net.Addr, path string) error {
	if publicURL == "" {
		publicURL = app.ServerURLFor(addr, path)
	}
	return qr.PrintEndpoint(w, publicURL, "")
}
