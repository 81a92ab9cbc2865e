// Package tui renders the current display list as a scrollable
// terminal list. It is a pure consumer: every list delivery replaces
// the previous one wholesale.
package tui

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cartokit/layerlens/internal/layer"
	"github.com/cartokit/layerlens/internal/projector"
)

// Terminal resizes arrive in bursts while the user drags; only the
// settled size is applied.
const resizeDebounce = 100 * time.Millisecond

// listMsg carries a replacement display list into the program.
type listMsg struct {
	list layer.DisplayList
}

// resizeMsg applies a settled window size. Stale sequence numbers are
// dropped.
type resizeMsg struct {
	seq  int
	size tea.WindowSizeMsg
}

// Styles groups the lipgloss styles used by the list view.
type Styles struct {
	Title     lipgloss.Style
	Layer     lipgloss.Style
	Aggregate lipgloss.Style
	Legend    lipgloss.Style
	Muted     lipgloss.Style
}

// DefaultStyles returns the standard color scheme.
func DefaultStyles() Styles {
	return Styles{
		Title:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		Layer:     lipgloss.NewStyle().Bold(true),
		Aggregate: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("110")),
		Legend:    lipgloss.NewStyle(),
		Muted:     lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// Model is the bubbletea model for the layer contents view.
type Model struct {
	styles    Styles
	vp        viewport.Model
	list      layer.DisplayList
	ready     bool
	resizeSeq int
}

// NewModel returns a Model with default styles.
func NewModel() Model {
	return Model{styles: DefaultStyles()}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		// The first size is applied right away so content shows without
		// waiting out the debounce window.
		if !m.ready {
			return m.applySize(msg), nil
		}
		m.resizeSeq++
		seq := m.resizeSeq
		return m, tea.Tick(resizeDebounce, func(time.Time) tea.Msg {
			return resizeMsg{seq: seq, size: msg}
		})
	case resizeMsg:
		if msg.seq != m.resizeSeq {
			return m, nil
		}
		return m.applySize(msg.size), nil
	case listMsg:
		m.list = msg.list
		m.vp.SetContent(m.render())
		return m, nil
	}
	var cmd tea.Cmd
	m.vp, cmd = m.vp.Update(msg)
	return m, cmd
}

func (m Model) applySize(msg tea.WindowSizeMsg) Model {
	headerHeight := 2
	if !m.ready {
		m.vp = viewport.New(msg.Width, msg.Height-headerHeight)
		m.ready = true
	} else {
		m.vp.Width = msg.Width
		m.vp.Height = msg.Height - headerHeight
	}
	m.vp.SetContent(m.render())
	return m
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "loading layer contents..."
	}
	title := m.list.Config.Title
	if title == "" {
		title = "Layer Contents"
	}
	return m.styles.Title.Render(title) + "\n\n" + m.vp.View()
}

// render flattens the current list into styled lines.
func (m Model) render() string {
	if m.list.Len() == 0 {
		return m.styles.Muted.Render("(no layers to display)")
	}
	cfg := m.list.Config
	var sb strings.Builder
	for i, it := range m.list.Items {
		if cfg.ShowRowSeparators && i > 0 {
			sb.WriteString(m.styles.Muted.Render(strings.Repeat("-", 24)))
			sb.WriteString("\n")
		}
		indent := strings.Repeat("  ", it.Depth)
		switch it.Kind {
		case layer.ItemLayer:
			style := m.styles.Layer
			if it.Node.IsAggregate() {
				style = m.styles.Aggregate
			}
			sb.WriteString(indent)
			sb.WriteString(style.Render(it.Node.Title()))
		case layer.ItemLegend:
			sb.WriteString(indent)
			if cfg.ShowSymbology && it.Entry.Swatch != "" {
				swatch := lipgloss.NewStyle().
					Foreground(lipgloss.Color(it.Entry.Swatch)).
					Render("██")
				sb.WriteString(swatch)
				sb.WriteString(" ")
			}
			sb.WriteString(m.styles.Legend.Render(it.Entry.Label))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Run subscribes a fresh program to the projector and blocks until the
// user quits.
func Run(p *projector.Projector) error {
	prog := tea.NewProgram(NewModel(), tea.WithAltScreen())
	cancel := p.OnDisplayListChanged(func(l layer.DisplayList) {
		prog.Send(listMsg{list: l})
	})
	defer cancel()

	// Seed with whatever has been computed so far.
	go prog.Send(listMsg{list: p.CurrentDisplayList()})

	_, err := prog.Run()
	return err
}
