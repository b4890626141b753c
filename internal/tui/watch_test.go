package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func newTestModel() watchModel {
	return watchModel{healthURL: "http://127.0.0.1:8780/healthz"}
}

func TestWatchModel_QuitKeys(t *testing.T) {
	for _, kt := range []tea.KeyType{tea.KeyEsc, tea.KeyCtrlC} {
		m := newTestModel()
		updated, cmd := m.Update(tea.KeyMsg{Type: kt})
		wm, ok := updated.(watchModel)
		if !ok {
			t.Fatalf("Update returned %T, want watchModel", updated)
		}
		if !wm.quitting {
			t.Fatalf("expected quitting=true after %v", kt)
		}
		if cmd == nil {
			t.Fatalf("expected tea.Quit command after %v", kt)
		}
	}

	m := newTestModel()
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	wm := updated.(watchModel)
	if !wm.quitting {
		t.Fatal("expected quitting=true after q")
	}
	if cmd == nil {
		t.Fatal("expected tea.Quit command after q")
	}
}

func TestWatchModel_PollResultUpdatesState(t *testing.T) {
	m := newTestModel()
	now := time.Now()

	updated, cmd := m.Update(pollResultMsg{ok: true, detail: "healthy", checkedAt: now})
	wm := updated.(watchModel)

	if cmd != nil {
		t.Fatal("expected no command from a pollResultMsg")
	}
	if wm.pollCount != 1 {
		t.Fatalf("pollCount = %d, want 1", wm.pollCount)
	}
	if !wm.lastResult.ok {
		t.Fatal("expected lastResult.ok = true")
	}
}

func TestWatchModel_TickReschedulesPoll(t *testing.T) {
	m := newTestModel()
	_, cmd := m.Update(tickMsg(time.Now()))
	if cmd == nil {
		t.Fatal("expected a batched poll+tick command from tickMsg")
	}
}

func TestWatchModel_ViewReflectsHealthState(t *testing.T) {
	m := newTestModel()
	if !strings.Contains(m.View(), "checking...") {
		t.Fatal("expected initial view to show a checking state")
	}

	m.pollCount = 1
	m.lastResult = pollResultMsg{ok: true, checkedAt: time.Now()}
	if !strings.Contains(m.View(), "healthy") {
		t.Fatal("expected healthy view after a successful poll")
	}

	m.lastResult = pollResultMsg{ok: false, detail: "connection refused", checkedAt: time.Now()}
	view := m.View()
	if !strings.Contains(view, "unreachable") || !strings.Contains(view, "connection refused") {
		t.Fatalf("expected unreachable detail in view, got %q", view)
	}

	m.quitting = true
	if m.View() != "" {
		t.Fatal("expected empty view once quitting")
	}
}
