package admin

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/xiy/memory-engine/internal/store"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
	hintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	paneStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

func (m model) View() string {
	w, h := 54, 9
	if m.width > 0 {
		w = max(38, (m.width-3)/2)
	}
	if m.height > 0 {
		h = max(8, (m.height-8)/2)
	}

	events := "(no events yet)"
	if len(m.events) > 0 {
		events = strings.Join(m.events, "\n")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("memengine admin"),
		hintStyle.Render("q quit • r refresh • auto refresh every "+refreshInterval.String()),
		"",
		lipgloss.JoinHorizontal(lipgloss.Top,
			pane("Memories", m.summaryBody(), w, h), " ",
			pane("Events", events, w, h)),
		lipgloss.JoinHorizontal(lipgloss.Top,
			pane("Tool Calls", requestLines(m.requests), w, h), " ",
			pane("Recent Memories", memoryLines(m.memories), w, h)),
	)
}

func (m model) summaryBody() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Users:        %d\n", m.summary.Users)
	fmt.Fprintf(&b, "Total:        %d\n", m.summary.Total)
	fmt.Fprintf(&b, "Active:       %d\n", m.summary.Active)
	fmt.Fprintf(&b, "Compressed:   %d\n", m.summary.Compressed)
	fmt.Fprintf(&b, "Last refresh: %s", formatStamp(m.lastTick))
	if m.lastErr != nil {
		b.WriteString("\n\n" + errStyle.Render("Last error: "+truncate(compactWhitespace(m.lastErr.Error()), 120)))
	}
	return b.String()
}

func pane(title, body string, width, height int) string {
	return paneStyle.Width(width).Height(height).Render(title + "\n\n" + body)
}

func requestLines(rows []store.MCPRequestLog) string {
	if len(rows) == 0 {
		return "(no tool calls yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		name := row.Method
		if row.ToolName != "" {
			name = row.ToolName
		}
		status := "ok "
		if !row.Success {
			status = "err"
		}
		line := fmt.Sprintf("[%s] %s %-16s %-12s %4dms",
			formatClock(row.CreatedAt), status, truncate(name, 16), truncate(row.UserID, 12), max(0, row.DurationMS))
		if !row.Success && row.ErrorText != "" {
			line += " " + truncate(compactWhitespace(row.ErrorText), 40)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func memoryLines(rows []store.RecentMemory) string {
	if len(rows) == 0 {
		return "(no memories yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		state := "A"
		if row.Compressed {
			state = "C"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s %.2f %s/%s :: %s",
			formatClock(row.CreatedAt), state, row.Importance,
			truncate(row.UserID, 12), truncate(row.Category, 16),
			truncate(compactWhitespace(row.Content), 60)))
	}
	return strings.Join(lines, "\n")
}

func formatStamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func formatClock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.UTC().Format("15:04:05")
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return d.String()
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}
