package app

import (
	"flag"
	"fmt"
	"io"

	"pulsehub/internal/config"
)

type HubCommand struct {
	Config  config.Hub
	PrintQR bool
	// PublicURL is the agent server URL advertised by -qr. Empty derives
	// it from the listen address.
	PublicURL string
}

// ParseHubFlags resolves the hub configuration: defaults, then the file
// named by -config, then environment, then explicitly set flags.
func ParseHubFlags(name string, args []string, stderr io.Writer) (HubCommand, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a TOML config file")
	addr := fs.String("addr", config.DefaultHubAddr, "hub listen address")
	path := fs.String("path", config.DefaultPath, "agent websocket path")
	announce := fs.Duration("announce-interval", 0, "time announcement interval")
	sendTimeout := fs.Duration("send-timeout", 0, "per-recipient send timeout")
	membership := fs.Bool("announce-membership", false, "broadcast connect/disconnect events")
	metricsPath := fs.String("metrics-path", config.DefaultMetricsPath, "Prometheus exporter path, empty disables")
	logLevel := fs.String("log-level", "", "log level")
	printQR := fs.Bool("qr", false, "print the agent endpoint as a QR code")
	publicURL := fs.String("public-url", "", "agent server url to advertise with -qr")
	if err := fs.Parse(args); err != nil {
		return HubCommand{}, err
	}

	cfg, err := config.LoadHub(*configPath)
	if err != nil {
		return HubCommand{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "path":
			cfg.Path = *path
		case "announce-interval":
			cfg.AnnounceInterval = config.Duration{Duration: *announce}
		case "send-timeout":
			cfg.SendTimeout = config.Duration{Duration: *sendTimeout}
		case "announce-membership":
			cfg.AnnounceMembership = *membership
		case "metrics-path":
			cfg.MetricsPath = *metricsPath
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		return HubCommand{}, err
	}
	return HubCommand{Config: cfg, PrintQR: *printQR, PublicURL: *publicURL}, nil
}

// ParseAgentFlags resolves the agent configuration with the same
// precedence as ParseHubFlags. A missing client id is an error.
func ParseAgentFlags(name string, args []string, stderr io.Writer) (config.Agent, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a TOML config file")
	clientID := fs.String("client-id", "", "unique agent identity")
	fs.StringVar(clientID, "clientId", "", "alias for -client-id")
	serverURL := fs.String("server-url", config.DefaultServerURL, "hub websocket url")
	heartbeat := fs.Int("heartbeat-delay", 30, "seconds between heartbeats")
	greeting := fs.String("greeting", "", "first message sent after connecting")
	stopOnDup := fs.Bool("stop-on-duplicate", false, "exit instead of retrying when the id is taken")
	retryDelay := fs.Duration("retry-delay", 0, "initial reconnect delay")
	logLevel := fs.String("log-level", "", "log level")
	if err := fs.Parse(args); err != nil {
		return config.Agent{}, err
	}

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		return config.Agent{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "client-id", "clientId":
			cfg.ClientID = *clientID
		case "server-url":
			cfg.ServerURL = *serverURL
		case "heartbeat-delay":
			cfg.HeartbeatDelay = *heartbeat
		case "greeting":
			cfg.Greeting = *greeting
		case "stop-on-duplicate":
			cfg.StopOnDuplicate = *stopOnDup
		case "retry-delay":
			cfg.Backoff.InitialDelay = config.Duration{Duration: *retryDelay}
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		return config.Agent{}, fmt.Errorf("%s: %w", name, err)
	}
	return cfg, nil
}
