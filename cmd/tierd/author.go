package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-bigraph/pkg/author"
	"github.com/dd0wney/cluso-bigraph/pkg/logging"
	"github.com/dd0wney/cluso-bigraph/pkg/partition"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF00FF")).
			MarginLeft(2).
			MarginTop(1)

	statsBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FF00")).
			Padding(0, 2).
			MarginLeft(2)

	contentStyle = lipgloss.NewStyle().
			MarginLeft(2).
			MarginTop(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00")).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1).
			MarginLeft(2)
)

const historySize = 8

func runAuthor(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig("")
	if err != nil {
		return err
	}
	// The console owns the terminal; logs go to a file there
	logOut := io.Writer(os.Stderr)
	if err := os.MkdirAll(cfg.Tier.DataDir, 0o755); err != nil {
		return err
	}
	if authorText == "" {
		f, err := os.OpenFile(filepath.Join(cfg.Tier.DataDir, "author.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			defer f.Close()
			logOut = f
		} else {
			logOut = io.Discard
		}
	}
	logger := logging.New(logOut, logging.ParseFormat(cfg.Log.Format), logging.ParseLevel(cfg.Log.Level))

	schema, err := loadSchema(cfg.Schema.File)
	if err != nil {
		return err
	}
	o, err := newOracle(cfg)
	if err != nil {
		return err
	}
	broker, err := openBroker(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open broker: %w", err)
	}
	defer broker.Close()

	a, err := author.New(author.Config{
		MasterFile: filepath.Join(cfg.Tier.DataDir, "author_master.cbor"),
		Window:     cfg.Escalation.RefreshWindow,
		Timeout:    cfg.Oracle.Timeout,
		Schema:     schema,
	}, broker, o, logger)
	if err != nil {
		return err
	}

	if authorText != "" {
		return authorOnce(ctx, a, authorText, cmd.OutOrStdout())
	}
	_, err = tea.NewProgram(newAuthorModel(ctx, a), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func authorOnce(ctx context.Context, a *author.Author, text string, w io.Writer) error {
	report, err := a.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	fmt.Fprintf(w, "master: %d nodes from %d pushes\n", report.Nodes, report.Pushes)

	out, err := a.Create(ctx, text)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, formatOutcome(out))
	for _, note := range out.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", note)
	}
	if out.Status == author.StatusRejected || out.Status == author.StatusUnparseable {
		return fmt.Errorf("no rule published (%s)", out.Status)
	}
	return nil
}

func formatOutcome(out author.Outcome) string {
	if out.Detail == "" {
		return string(out.Status)
	}
	return fmt.Sprintf("%s: %s", out.Status, out.Detail)
}

type authorKeyMap struct {
	Submit  key.Binding
	Refresh key.Binding
	Quit    key.Binding
}

var authorKeys = authorKeyMap{
	Submit: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "create rules"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("ctrl+r"),
		key.WithHelp("ctrl+r", "refresh master"),
	),
	Quit: key.NewBinding(
		key.WithKeys("esc", "ctrl+c"),
		key.WithHelp("esc", "quit"),
	),
}

func (k authorKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Submit, k.Refresh, k.Quit}
}

func (k authorKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Submit, k.Refresh, k.Quit}}
}

type entry struct {
	request string
	text    string
	failed  bool
	notes   []string
}

type authorModel struct {
	ctx     context.Context
	author  *author.Author
	input   textinput.Model
	spinner spinner.Model
	help    help.Model
	keys    authorKeyMap
	busy    string
	nodes   int
	hubs    []string
	history []entry
}

type refreshedMsg struct {
	report author.RefreshReport
	err    error
}

type createdMsg struct {
	request string
	outcome author.Outcome
	err     error
}

func newAuthorModel(ctx context.Context, a *author.Author) authorModel {
	ti := textinput.New()
	ti.Placeholder = "dim the lights in TeamRoom_A when nobody is there"
	ti.CharLimit = 500
	ti.Width = 70
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return authorModel{
		ctx:     ctx,
		author:  a,
		input:   ti,
		spinner: sp,
		help:    help.New(),
		keys:    authorKeys,
		busy:    "refreshing master",
	}
}

func (m authorModel) refresh() tea.Cmd {
	return func() tea.Msg {
		report, err := m.author.Refresh(m.ctx)
		return refreshedMsg{report: report, err: err}
	}
}

func (m authorModel) create(text string) tea.Cmd {
	return func() tea.Msg {
		out, err := m.author.Create(m.ctx, text)
		return createdMsg{request: text, outcome: out, err: err}
	}
}

func (m authorModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.refresh())
}

func (m authorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case refreshedMsg:
		m.busy = ""
		if msg.err != nil {
			m.push(entry{request: "refresh", text: msg.err.Error(), failed: true})
			break
		}
		m.syncMaster()
		m.push(entry{
			request: "refresh",
			text:    fmt.Sprintf("%d pushes merged, %d invalid", msg.report.Pushes, msg.report.Invalid),
		})

	case createdMsg:
		m.busy = ""
		if msg.err != nil {
			m.push(entry{request: msg.request, text: msg.err.Error(), failed: true})
			break
		}
		failed := msg.outcome.Status != author.StatusPublished && msg.outcome.Status != author.StatusNoop
		m.push(entry{request: msg.request, text: formatOutcome(msg.outcome), failed: failed, notes: msg.outcome.Warnings})

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case m.busy != "":
			return m, nil
		case key.Matches(msg, m.keys.Refresh):
			m.busy = "refreshing master"
			return m, m.refresh()
		case key.Matches(msg, m.keys.Submit):
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			m.busy = "asking the oracle"
			return m, m.create(text)
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *authorModel) push(e entry) {
	m.history = append(m.history, e)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
}

// syncMaster refreshes the node count and hub list shown in the header
func (m *authorModel) syncMaster() {
	g, err := m.author.Master()
	if err != nil {
		return
	}
	m.nodes = g.Len()
	m.hubs = m.hubs[:0]
	for _, h := range partition.DiscoverHubs(g) {
		m.hubs = append(m.hubs, h.ID)
	}
	sort.Strings(m.hubs)
}

func (m authorModel) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("Rule Authoring"))
	s.WriteString("\n\n")

	hubs := "none"
	if len(m.hubs) > 0 {
		hubs = strings.Join(m.hubs, ", ")
	}
	s.WriteString(statsBoxStyle.Render(fmt.Sprintf("Master: %d nodes\nHubs:   %s", m.nodes, hubs)))
	s.WriteString("\n")

	var body strings.Builder
	for _, e := range m.history {
		body.WriteString(mutedStyle.Render("> " + e.request))
		body.WriteString("\n")
		if e.failed {
			body.WriteString(errorStyle.Render("✗ " + e.text))
		} else {
			body.WriteString(successStyle.Render("✓ " + e.text))
		}
		body.WriteString("\n")
		for _, n := range e.notes {
			body.WriteString(mutedStyle.Render("  " + n))
			body.WriteString("\n")
		}
	}
	body.WriteString("\n")
	if m.busy != "" {
		body.WriteString(m.spinner.View() + " " + m.busy + "...")
	} else {
		body.WriteString(m.input.View())
	}
	s.WriteString(contentStyle.Render(body.String()))

	s.WriteString("\n")
	s.WriteString(helpStyle.Render(m.help.ShortHelpView(m.keys.ShortHelp())))
	return s.String()
}
