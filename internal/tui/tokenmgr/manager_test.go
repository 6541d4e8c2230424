package tokenmgr

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/courier/internal/auth"
)

func press(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out
}

var (
	space = tea.KeyMsg{Type: tea.KeySpace, Runes: []rune(" ")}
	down  = tea.KeyMsg{Type: tea.KeyDown}
	enter = tea.KeyMsg{Type: tea.KeyEnter}
	quit  = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")}
)

func TestScopesAreKnown(t *testing.T) {
	for _, s := range Scopes {
		assert.True(t, auth.Known(s.Scope), s.Scope)
	}
}

func TestPickerSelectsToggledScopes(t *testing.T) {
	m := *New()
	m = press(t, m, tea.WindowSizeMsg{Width: 80, Height: 30})

	m = press(t, m, down) // requests:rw
	m = press(t, m, space)
	m = press(t, m, down) // requests:ro
	m = press(t, m, space)
	m = press(t, m, space) // toggled back off
	m = press(t, m, down) // events:ro
	m = press(t, m, space)
	m = press(t, m, enter)

	assert.Equal(t, []string{auth.ScopeRequestsRW, auth.ScopeEventsRO}, m.Selected())
	assert.Contains(t, m.View(), "requests:rw, events:ro")
}

func TestPickerCancel(t *testing.T) {
	m := *New()
	m = press(t, m, tea.WindowSizeMsg{Width: 80, Height: 30})
	m = press(t, m, space)
	m = press(t, m, quit)

	assert.Nil(t, m.Selected())
	assert.Contains(t, m.View(), "Cancelled.")
}
