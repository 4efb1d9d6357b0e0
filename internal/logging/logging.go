package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "PULSEHUB_LOG_LEVEL"
	EnvLogFormat  = "PULSEHUB_LOG_FORMAT"
	EnvLogNoColor = "PULSEHUB_LOG_NOCOLOR"

	FormatConsole = "console"
	FormatJSON    = "json"
)

type Config struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	NoColor   bool   `toml:"no_color"`
	Timestamp bool   `toml:"timestamp"`
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: FormatConsole, Timestamp: true}
}

// ApplyEnv overlays the PULSEHUB_LOG_* variables. Unparseable values are
// ignored.
func (c *Config) ApplyEnv() {
	if raw := os.Getenv(EnvLogLevel); raw != "" {
		if _, ok := ParseLevel(raw); ok {
			c.Level = raw
		}
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogFormat))) {
	case FormatConsole:
		c.Format = FormatConsole
	case FormatJSON:
		c.Format = FormatJSON
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvLogNoColor))); err == nil {
		c.NoColor = v
	}
}

// New builds the process logger. A nil w writes to stderr.
func New(cfg Config, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, ok := ParseLevel(cfg.Level)
	if !ok {
		level = zerolog.InfoLevel
	}

	out := w
	if cfg.Format != FormatJSON {
		out = zerolog.ConsoleWriter{
			Out:        w,
			NoColor:    cfg.NoColor,
			TimeFormat: time.RFC3339,
		}
	}
	ctx := zerolog.New(out).Level(level).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

// Component tags a logger with the emitting subsystem.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
