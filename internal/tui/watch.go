// Package tui is axonctl's terminal UI: a small bubbletea program that
// polls a running daemon's /healthz endpoint and renders its status,
// grounded on the teacher's internal/tui polling models (tui.go's
// tickMsg loop, model_selector.go's Init/Update/View shape) but without
// any of the chat/agent-session state those models carried.
package tui

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	styleOK   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	styleDown = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleHdr  = lipgloss.NewStyle().Bold(true).Underline(true)
)

type tickMsg time.Time

type pollResultMsg struct {
	ok       bool
	detail   string
	checkedAt time.Time
}

type watchModel struct {
	healthURL string
	client    *http.Client

	lastResult pollResultMsg
	pollCount  int
	quitting   bool
}

// NewWatchProgram builds a bubbletea program that polls healthURL once
// per second until the user quits with q/esc/ctrl+c.
func NewWatchProgram(healthURL string) *tea.Program {
	m := watchModel{
		healthURL: healthURL,
		client:    &http.Client{Timeout: 2 * time.Second},
	}
	return tea.NewProgram(m)
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.poll(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m watchModel) poll() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.healthURL, nil)
		if err != nil {
			return pollResultMsg{ok: false, detail: err.Error(), checkedAt: time.Now()}
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return pollResultMsg{ok: false, detail: err.Error(), checkedAt: time.Now()}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return pollResultMsg{ok: false, detail: fmt.Sprintf("HTTP %d", resp.StatusCode), checkedAt: time.Now()}
		}
		return pollResultMsg{ok: true, detail: "healthy", checkedAt: time.Now()}
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.poll(), tick())
	case pollResultMsg:
		m.lastResult = msg
		m.pollCount++
	}
	return m, nil
}

func (m watchModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(styleHdr.Render("axonstream watch") + "\n\n")
	b.WriteString(fmt.Sprintf("target: %s\n", m.healthURL))

	if m.pollCount == 0 {
		b.WriteString(styleDim.Render("checking...") + "\n")
	} else if m.lastResult.ok {
		b.WriteString(styleOK.Render("● healthy") + "\n")
	} else {
		b.WriteString(styleDown.Render("● unreachable: "+m.lastResult.detail) + "\n")
	}
	b.WriteString(styleDim.Render(fmt.Sprintf("checks: %d   last: %s", m.pollCount, m.lastResult.checkedAt.Format(time.TimeOnly))) + "\n")
	b.WriteString("\n" + styleDim.Render("[q] quit") + "\n")
	return b.String()
}
