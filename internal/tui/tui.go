package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Snapshot is one reading of a running gateway.
type Snapshot struct {
	Addr      string
	Healthy   bool
	DBOK      bool
	Paired    bool
	Clients   int
	Provider  string
	Backend   string
	LastError string
	Watching  time.Duration
}

type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func yesNo(v bool) string {
	if v {
		return focusStyle.Render("yes")
	}
	return errStyle.Render("no")
}

func (m model) View() string {
	lastErr := m.snap.LastError
	if lastErr == "" {
		lastErr = "(none)"
	}
	return fmt.Sprintf(
		"%s  %s\n\nHealthy: %s\nDatabase: %s\nPaired: %s\nDashboards: %d\nLLM provider: %s\nAgent backend: %s\nWatching: %s\nLast error: %s\n\n%s\n",
		titleStyle.Render("🐾 GoPaw Status"),
		dimStyle.Render(m.snap.Addr),
		yesNo(m.snap.Healthy),
		yesNo(m.snap.DBOK),
		yesNo(m.snap.Paired),
		m.snap.Clients,
		m.snap.Provider,
		m.snap.Backend,
		m.snap.Watching.Truncate(time.Second),
		lastErr,
		dimStyle.Render("Press q to quit."),
	)
}

// Run shows a live status view refreshed from provider every second.
func Run(ctx context.Context, provider StatusProvider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
