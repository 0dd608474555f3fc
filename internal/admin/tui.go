// Package admin is a local terminal dashboard over the memory store.
package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/xiy/memory-engine/internal/store"
)

const refreshInterval = 2 * time.Second

type tickMsg time.Time

type snapshotMsg struct {
	summary  store.Summary
	requests []store.MCPRequestLog
	memories []store.RecentMemory
	err      error
	took     time.Duration
}

// Source is the read side the dashboard polls.
type Source interface {
	Summary(ctx context.Context) (store.Summary, error)
	RecentMCPRequestLogs(ctx context.Context, limit int) ([]store.MCPRequestLog, error)
	RecentMemories(ctx context.Context, limit int) ([]store.RecentMemory, error)
}

type model struct {
	ctx      context.Context
	src      Source
	summary  store.Summary
	requests []store.MCPRequestLog
	memories []store.RecentMemory
	lastErr  error
	lastTick time.Time
	events   []string
	limit    int
	width    int
	height   int
}

func newModel(ctx context.Context, src Source) model {
	m := model{ctx: ctx, src: src, limit: 8}
	return m.logEvent("dashboard started")
}

// Run starts the dashboard and blocks until the user quits.
func Run(ctx context.Context, src Source) error {
	_, err := tea.NewProgram(newModel(ctx, src), tea.WithAltScreen()).Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), tick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m.logEvent("manual refresh"), m.fetch()
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tickMsg:
		m.lastTick = time.Time(msg)
		return m, tea.Batch(m.fetch(), tick())
	case snapshotMsg:
		m.lastErr = msg.err
		if msg.err != nil {
			return m.logEvent("refresh failed: " + msg.err.Error()), nil
		}
		m.summary = msg.summary
		m.requests = msg.requests
		m.memories = msg.memories
		return m.logEvent(fmt.Sprintf("refreshed users=%d active=%d compressed=%d (%s)",
			msg.summary.Users, msg.summary.Active, msg.summary.Compressed, formatDuration(msg.took))), nil
	}
	return m, nil
}

// fetch reads a full snapshot; the first failing read aborts it.
func (m model) fetch() tea.Cmd {
	ctx, src, limit := m.ctx, m.src, m.limit
	return func() tea.Msg {
		start := time.Now()
		var (
			msg snapshotMsg
			err error
		)
		if msg.summary, err = src.Summary(ctx); err == nil {
			if msg.requests, err = src.RecentMCPRequestLogs(ctx, limit); err == nil {
				msg.memories, err = src.RecentMemories(ctx, limit)
			}
		}
		msg.err = err
		msg.took = time.Since(start)
		return msg
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) logEvent(line string) model {
	line = compactWhitespace(line)
	if line == "" {
		return m
	}
	m.events = append(m.events, fmt.Sprintf("[%s] %s", time.Now().UTC().Format("15:04:05"), line))
	if n := len(m.events); n > 10 {
		m.events = m.events[n-10:]
	}
	return m
}

func compactWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
