package notify

import (
	"fmt"
	"strings"
	"time"
)

// Report describes the streamer state when the connection was given up.
type Report struct {
	Identity string
	URL      string
	Attempts int
	// Pending is the number of events still held in batches.
	Pending int
	// Connected is how long the last session stayed open.
	Connected time.Duration
}

// FormatTerminalMessage creates a terminal failure notification body.
func FormatTerminalMessage(report *Report, err error) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Identity: %s\n", report.Identity))
	sb.WriteString(fmt.Sprintf("Relay: %s\n", report.URL))
	sb.WriteString(fmt.Sprintf("Attempts: %d\n", report.Attempts))
	sb.WriteString(fmt.Sprintf("Pending events: %d", report.Pending))
	if report.Connected > 0 {
		sb.WriteString(fmt.Sprintf("\nLast session: %s", report.Connected.Round(time.Second)))
	}

	if err != nil {
		sb.WriteString(fmt.Sprintf("\n\nError: %v", err))
	}

	return sb.String()
}
