package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"pulsehub/internal/agent"
	"pulsehub/internal/hub"
	"pulsehub/internal/logging"
)

const (
	EnvClientID       = "PULSEHUB_CLIENT_ID"
	EnvServerURL      = "PULSEHUB_SERVER_URL"
	EnvHeartbeatDelay = "PULSEHUB_HEARTBEAT_DELAY"

	DefaultHubAddr     = "0.0.0.0:5000"
	DefaultPath        = "/ws"
	DefaultMetricsPath = "/metrics"
	DefaultServerURL   = "ws://localhost:5000/ws"
)

var ErrInvalid = errors.New("invalid configuration")

// Duration decodes TOML strings such as "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Hub struct {
	Addr               string         `toml:"addr"`
	Path               string         `toml:"path"`
	AnnounceInterval   Duration       `toml:"announce_interval"`
	SendTimeout        Duration       `toml:"send_timeout"`
	AnnounceMembership bool           `toml:"announce_membership"`
	MetricsPath        string         `toml:"metrics_path"`
	Log                logging.Config `toml:"log"`
}

func DefaultHub() Hub {
	return Hub{
		Addr:               DefaultHubAddr,
		Path:               DefaultPath,
		AnnounceInterval:   Duration{hub.DefaultAnnounceInterval},
		SendTimeout:        Duration{hub.DefaultSendTimeout},
		AnnounceMembership: false,
		MetricsPath:        DefaultMetricsPath,
		Log:                logging.DefaultConfig(),
	}
}

func (c Hub) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("%w: addr is empty", ErrInvalid)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("%w: path %q must start with /", ErrInvalid, c.Path)
	}
	if c.MetricsPath != "" && !strings.HasPrefix(c.MetricsPath, "/") {
		return fmt.Errorf("%w: metrics_path %q must start with /", ErrInvalid, c.MetricsPath)
	}
	if c.MetricsPath == c.Path {
		return fmt.Errorf("%w: metrics_path collides with path", ErrInvalid)
	}
	if c.Path == hub.ClientsPath || c.MetricsPath == hub.ClientsPath {
		return fmt.Errorf("%w: %s is reserved for the client list", ErrInvalid, hub.ClientsPath)
	}
	if c.AnnounceInterval.Duration <= 0 {
		return fmt.Errorf("%w: announce_interval must be positive", ErrInvalid)
	}
	if c.SendTimeout.Duration <= 0 {
		return fmt.Errorf("%w: send_timeout must be positive", ErrInvalid)
	}
	return nil
}

// HubOptions maps the file configuration onto hub.Options.
func (c Hub) HubOptions() hub.Options {
	return hub.Options{
		AnnounceInterval:   c.AnnounceInterval.Duration,
		AnnounceMembership: c.AnnounceMembership,
		SendTimeout:        c.SendTimeout.Duration,
	}
}

type Backoff struct {
	InitialDelay Duration `toml:"initial_delay"`
	Multiplier   float64  `toml:"multiplier"`
	MaxDelay     Duration `toml:"max_delay"`
	Jitter       bool     `toml:"jitter"`
}

type Agent struct {
	ClientID        string         `toml:"client_id"`
	ServerURL       string         `toml:"server_url"`
	HeartbeatDelay  int            `toml:"heartbeat_delay"`
	Greeting        string         `toml:"greeting"`
	StopOnDuplicate bool           `toml:"stop_on_duplicate"`
	Backoff         Backoff        `toml:"backoff"`
	Log             logging.Config `toml:"log"`
}

func DefaultAgent() Agent {
	return Agent{
		ServerURL:      DefaultServerURL,
		HeartbeatDelay: int(agent.DefaultHeartbeatInterval / time.Second),
		Greeting:       agent.DefaultGreeting,
		Backoff: Backoff{
			InitialDelay: Duration{agent.DefaultRetryDelay},
			Multiplier:   1,
		},
		Log: logging.DefaultConfig(),
	}
}

// ApplyEnv overlays PULSEHUB_* variables on top of file values.
func (c *Agent) ApplyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvClientID)); v != "" {
		c.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvServerURL)); v != "" {
		c.ServerURL = v
	}
	if raw := strings.TrimSpace(os.Getenv(EnvHeartbeatDelay)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, EnvHeartbeatDelay, raw, err)
		}
		c.HeartbeatDelay = n
	}
	c.Log.ApplyEnv()
	return nil
}

func (c Agent) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("%w: %w", ErrInvalid, agent.ErrMissingClientID)
	}
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("%w: %w", ErrInvalid, agent.ErrMissingServerURL)
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("%w: server_url: %v", ErrInvalid, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: server_url scheme %q, want ws or wss", ErrInvalid, u.Scheme)
	}
	if c.HeartbeatDelay <= 0 {
		return fmt.Errorf("%w: heartbeat_delay must be positive seconds", ErrInvalid)
	}
	if c.Backoff.InitialDelay.Duration < 0 || c.Backoff.MaxDelay.Duration < 0 {
		return fmt.Errorf("%w: backoff delays must not be negative", ErrInvalid)
	}
	return nil
}

func (c Agent) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatDelay) * time.Second
}

func (c Agent) RetryPolicy() agent.RetryPolicy {
	return agent.RetryPolicy{
		Backoff: agent.BackoffConfig{
			InitialDelay: c.Backoff.InitialDelay.Duration,
			Multiplier:   c.Backoff.Multiplier,
			MaxDelay:     c.Backoff.MaxDelay.Duration,
			Jitter:       c.Backoff.Jitter,
		},
		StopOnDuplicate: c.StopOnDuplicate,
	}
}

// LoadHub reads path over the defaults. An empty path yields the defaults.
func LoadHub(path string) (Hub, error) {
	cfg := DefaultHub()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Hub{}, fmt.Errorf("load hub config: %w", err)
		}
	}
	cfg.Log.ApplyEnv()
	return cfg, nil
}

// LoadAgent reads path over the defaults and then applies the environment.
// Validation is left to the caller so flags can still fill gaps.
func LoadAgent(path string) (Agent, error) {
	cfg := DefaultAgent()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Agent{}, fmt.Errorf("load agent config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Agent{}, err
	}
	return cfg, nil
}
