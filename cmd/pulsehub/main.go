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
	"time"

	"golang.org/x/sync/errgroup"

	"pulsehub/internal/app"
	"pulsehub/internal/config"
	"pulsehub/internal/devutil"
	"pulsehub/internal/logging"
	"pulsehub/internal/qr"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var errUsage = errors.New("usage: pulsehub <command> [args]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			usage(os.Stderr)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "pulsehub:", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "run":
		return runCmd(ctx, args[1:], stdout, stderr)
	case "hub":
		return hubCmd(ctx, args[1:], stdout, stderr)
	case "agent":
		return agentCmd(ctx, args[1:], stderr)
	case "qr":
		return qrCmd(args[1:], stdout, stderr)
	case "clients":
		return clientsCmd(ctx, args[1:], stdout, stderr)
	case "version", "--version", "-version":
		_, err := fmt.Fprintf(stdout, "pulsehub %s (%s) %s\n", version, commit, date)
		return err
	default:
		return errUsage
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "pulsehub <command> [args]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run      Start hub + one agent on loopback")
	fmt.Fprintln(w, "  hub      Start hub only")
	fmt.Fprintln(w, "  agent    Start agent only")
	fmt.Fprintln(w, "  qr       Print QR code for an agent endpoint")
	fmt.Fprintln(w, "  clients  List agents registered with a running hub")
	fmt.Fprintln(w, "  version  Print version")
}

func runCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	port := fs.Int("port", 5000, "preferred loopback port; a free one is picked if taken")
	clientID := fs.String("client-id", "agent1", "agent id")
	heartbeat := fs.Int("heartbeat-delay", 30, "seconds between heartbeats")
	announce := fs.Duration("announce-interval", 10*time.Second, "time announcement interval")
	printQR := fs.Bool("qr", true, "print the agent endpoint as a QR code")
	logLevel := fs.String("log-level", "info", "log level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	addr, serverURL, err := devutil.LoopbackAddr(*port, config.DefaultPath)
	if err != nil {
		return err
	}

	hubCfg := config.DefaultHub()
	hubCfg.Addr = addr
	hubCfg.AnnounceInterval = config.Duration{Duration: *announce}
	hubCfg.Log.Level = *logLevel
	hubCfg.Log.ApplyEnv()
	if err := hubCfg.Validate(); err != nil {
		return err
	}

	agentCfg := config.DefaultAgent()
	agentCfg.ClientID = *clientID
	agentCfg.ServerURL = serverURL
	agentCfg.HeartbeatDelay = *heartbeat
	if err := agentCfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(hubCfg.Log, stderr).With().Str("app", "pulsehub").Logger()

	listening := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.ServeHub(gctx, hubCfg, logger, func(net.Addr) { close(listening) })
	})
	g.Go(func() error {
		select {
		case <-listening:
		case <-gctx.Done():
			return nil
		}
		if *printQR {
			if err := qr.PrintEndpoint(stdout, serverURL, ""); err != nil {
				logger.Warn().Err(err).Msg("qr")
			}
		}
		return app.RunAgent(gctx, agentCfg, logger)
	})
	return g.Wait()
}

func hubCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd, err := app.ParseHubFlags("hub", args, stderr)
	if err != nil {
		return err
	}
	logger := logging.New(cmd.Config.Log, stderr).With().Str("app", "pulsehub").Logger()
	return app.ServeHub(ctx, cmd.Config, logger, func(addr net.Addr) {
		if !cmd.PrintQR {
			return
		}
		target := cmd.PublicURL
		if target == "" {
			target = app.ServerURLFor(addr, cmd.Config.Path)
		}
		if err := qr.PrintEndpoint(stdout, target, ""); err != nil {
			logger.Warn().Err(err).Msg("qr")
		}
	})
}

func agentCmd(ctx context.Context, args []string, stderr io.Writer) error {
	cfg, err := app.ParseAgentFlags("agent", args, stderr)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log, stderr).With().Str("app", "pulsehub").Logger()
	return app.RunAgent(ctx, cfg, logger)
}

func qrCmd(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("qr", flag.ContinueOnError)
	fs.SetOutput(stderr)
	clientID := fs.String("client-id", "", "embed this agent id in the endpoint")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("%w: pulsehub qr [-client-id id] <server-url>", errUsage)
	}
	return qr.PrintEndpoint(stdout, fs.Arg(0), *clientID)
}

func clientsCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("clients", flag.ContinueOnError)
	fs.SetOutput(stderr)
	hubURL := fs.String("hub", "http://127.0.0.1:5000", "hub base url")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	ids, err := app.FetchClients(reqCtx, nil, *hubURL)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := fmt.Fprintln(stdout, id); err != nil {
			return err
		}
	}
	return nil
}
