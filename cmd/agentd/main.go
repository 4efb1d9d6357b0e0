package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"pulsehub/internal/app"
	"pulsehub/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "agentd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	cfg, err := app.ParseAgentFlags("agentd", args, stderr)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log, stderr).With().Str("app", "agentd").Logger()
	return app.RunAgent(ctx, cfg, logger)
}
