package hub

import (
	"fmt"
	"strings"
	"time"
)

const clientListPrefix = "Connected clients: "

// FormatBroadcast appends the current membership line to an event.
func FormatBroadcast(event string, ids []string) string {
	return event + "\n" + clientListPrefix + strings.Join(ids, ", ")
}

func EchoMessage(agentID, text string) string {
	return fmt.Sprintf("Echo from %s: %s", agentID, text)
}

func TimeAnnouncement(t time.Time) string {
	return "The current time is : " + t.Format("15:04:05")
}

func joinedMessage(agentID string) string { return fmt.Sprintf("Client %s connected", agentID) }
func leftMessage(agentID string) string   { return fmt.Sprintf("Client %s disconnected", agentID) }
