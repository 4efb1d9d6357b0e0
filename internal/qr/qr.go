package qr

import (
	"fmt"
	"io"
	"net/url"

	"github.com/mdp/qrterminal/v3"

	"pulsehub/internal/conn"
)

// RenderANSI draws data as a QR code made of terminal block characters.
func RenderANSI(w io.Writer, data string) error {
	cfg := qrterminal.Config{
		Level:     qrterminal.M,
		Writer:    w,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 2,
	}
	qrterminal.GenerateWithConfig(data, cfg)
	return nil
}

// AgentEndpoint returns the URL an agent dials to join the hub at
// serverURL. An empty clientID leaves the id for the agent to supply.
func AgentEndpoint(serverURL, clientID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("server url %q: scheme must be ws or wss", serverURL)
	}
	if clientID != "" {
		q := u.Query()
		q.Set(conn.ClientIDParam, clientID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// PrintEndpoint writes the endpoint as a labelled QR code.
func PrintEndpoint(w io.Writer, serverURL, clientID string) error {
	endpoint, err := AgentEndpoint(serverURL, clientID)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Agent endpoint: %s\n", endpoint); err != nil {
		return err
	}
	return RenderANSI(w, endpoint)
}
