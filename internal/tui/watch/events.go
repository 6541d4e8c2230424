package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/courier/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeMatched:
		typeStyle = theme.StatusOK
	case events.TypeTimedOut, events.TypeSendFailed, events.TypeRejected:
		typeStyle = theme.StatusFailed
	case events.TypeSent:
		typeStyle = theme.StatusRunning
	case events.TypeUnsolicited, events.TypeStarted, events.TypeStopped:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-20s", e.Type)), describeEvent(e))
}

func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if id, ok := data["request_id"].(string); ok {
		parts = append(parts, fmt.Sprintf("[%s]", shortID(id)))
	}
	if sender, ok := data["sender"].(string); ok {
		parts = append(parts, "from "+sender)
	}
	if peer, ok := data["peer"].(string); ok && peer != "" {
		parts = append(parts, "peer "+peer)
	}
	if ms, ok := data["latency_ms"].(float64); ok && ms > 0 {
		parts = append(parts, fmt.Sprintf("%.0fms", ms))
	}
	if errText, ok := data["error"].(string); ok && errText != "" {
		parts = append(parts, truncate(errText, 40))
	}
	if text, ok := data["text"].(string); ok {
		parts = append(parts, truncate(text, 40))
	}

	if len(parts) == 0 {
		return truncate(string(e.Data), 60)
	}
	return strings.Join(parts, " ")
}
