package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pulsehub/internal/agent"
	"pulsehub/internal/config"
	"pulsehub/internal/hub"
	"pulsehub/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// ServeHub listens on cfg.Addr and serves the hub until ctx is done.
// ready, if set, is called with the bound address before serving.
func ServeHub(ctx context.Context, cfg config.Hub, logger zerolog.Logger, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	return serveHub(ctx, ln, cfg, logger, ready)
}

func serveHub(ctx context.Context, ln net.Listener, cfg config.Hub, logger zerolog.Logger, ready func(net.Addr)) error {
	opts := cfg.HubOptions()
	opts.Logger = logger
	h := hub.NewHub(opts)
	srv := &http.Server{
		Handler:           h.Handler(cfg.Path, cfg.MetricsPath),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log := logging.Component(logger, "server")
	log.Info().Str("addr", ln.Addr().String()).Str("path", cfg.Path).Msg("hub listening")
	if ready != nil {
		ready(ln.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := h.Run(gctx)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			log.Warn().Err(serr).Msg("http shutdown")
		}
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	err := g.Wait()
	log.Info().Msg("hub stopped")
	return err
}

// NewAgentClient builds a client from resolved configuration.
func NewAgentClient(cfg config.Agent, logger zerolog.Logger) *agent.Client {
	log := logging.Component(logger, "agent")
	return &agent.Client{
		ServerURL:         cfg.ServerURL,
		ClientID:          cfg.ClientID,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		Greeting:          cfg.Greeting,
		Logger:            log,
		OnStateChange: func(s agent.State, err error) {
			log.Debug().Str("state", s.String()).AnErr("cause", err).Msg("state change")
		},
	}
}

// RunAgent keeps the agent connected until ctx is done. Cancellation is
// a clean exit.
func RunAgent(ctx context.Context, cfg config.Agent, logger zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	err := agent.RunWithRetry(ctx, NewAgentClient(cfg, logger), cfg.RetryPolicy())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// FetchClients asks a running hub for its registered client ids. baseURL
// may use the http or ws scheme family.
func FetchClients(ctx context.Context, client *http.Client, baseURL string) ([]string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = hub.ClientsPath
	u.RawQuery = ""

	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list clients: %s", resp.Status)
	}
	var body struct {
		Clients []string `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode client list: %w", err)
	}
	return body.Clients, nil
}

// ServerURLFor turns a bound listen address into the ws URL agents dial.
// Unspecified hosts become localhost.
func ServerURLFor(addr net.Addr, path string) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "ws://" + addr.String() + path
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	return "ws://" + net.JoinHostPort(host, port) + path
}
