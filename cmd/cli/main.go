// Command cli is a terminal client for editing qdash session configuration.
//
// Usage:
//
//	export QDASH_BACKEND_URL="ws://localhost:9000/ws"   # omit to run offline
//	go run ./cmd/cli
//
// Type /help inside a session for the command list.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/nstogner/qdash/pkg/controller"
	"github.com/nstogner/qdash/pkg/domain"
	"github.com/nstogner/qdash/pkg/settings"
	"github.com/nstogner/qdash/pkg/store"
	"github.com/nstogner/qdash/pkg/store/jsonl"
	"github.com/nstogner/qdash/pkg/store/sqlite"
	"github.com/nstogner/qdash/pkg/transport"
	"github.com/nstogner/qdash/pkg/transport/memory"
	"github.com/nstogner/qdash/pkg/transport/ws"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	outputStyle = lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("2"))

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1) // Red
)

type state int

const (
	stateMenu state = iota
	stateSelectingSession
	stateEditing
	stateConfirmExit
)

type errMsg struct{ err error }
type storeUpdateMsg string
type activatedMsg string
type outputMsg string

type model struct {
	ctx     context.Context
	ctrl    *controller.Controller
	store   *store.Store
	updates <-chan string

	// State
	state             state
	sessionID         string
	availableSessions []string
	cursor            int
	listOffset        int
	width             int
	height            int
	err               error
	output            string

	// UI Components
	viewport viewport.Model
	textarea textarea.Model
	renderer *glamour.TermRenderer
}

func initialModel(ctx context.Context, ctrl *controller.Controller) model {
	ta := textarea.New()
	ta.Placeholder = "Type a command, /help for the list..."
	ta.Prompt = "┃ "
	ta.CharLimit = 280

	ta.SetWidth(80)
	ta.SetHeight(1)

	// Remove cursor line styling
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)

	// Use "light" style to avoid terminal queries that leak into input
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	return model{
		ctx:      ctx,
		ctrl:     ctrl,
		store:    ctrl.Store(),
		updates:  ctrl.Store().Subscribe(),
		state:    stateMenu,
		viewport: vp,
		textarea: ta,
		renderer: r,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, waitForUpdate(m.updates))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	// This prevents the Enter key used for menu selection from leaking into the textarea.
	switch msg.(type) {
	case tea.KeyMsg:
		if m.state == stateEditing {
			m.textarea, tiCmd = m.textarea.Update(msg)
			cmds = append(cmds, tiCmd)
		}
	default:
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}

	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = max(msg.Height-m.textarea.Height()-5, 0) // Header + Status + Output
		m.viewport.YPosition = 2

		// Recreate renderer with new width
		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle("light"),
			glamour.WithWordWrap(max(m.width-4, 20)),
		)
		m.clampList()
		if m.state == stateEditing {
			m.refreshTree()
		}

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			switch {
			case m.state == stateConfirmExit:
				m.state = stateEditing
				return m, nil
			case m.state == stateEditing && m.ctrl.HasUnsavedConfig(m.sessionID):
				m.state = stateConfirmExit
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEnter:
			switch m.state {
			case stateMenu:
				if m.cursor == 0 {
					return m, m.createSessionCmd()
				}
				sessions := domain.IDs(m.store.Catalog(domain.KindSessions))
				if len(sessions) == 0 {
					m.err = fmt.Errorf("no existing sessions found")
					return m, nil
				}
				m.availableSessions = sessions
				m.state = stateSelectingSession
				m.cursor = 0
				m.listOffset = 0
			case stateSelectingSession:
				return m, m.activateCmd(m.availableSessions[m.cursor])
			case stateEditing:
				m.err = nil // Clear error on new command
				return m.runCommand()
			}
		case tea.KeyUp:
			if m.cursor > 0 {
				m.cursor--
				m.clampList()
			}
		case tea.KeyDown:
			var maxCursor int
			switch m.state {
			case stateMenu:
				maxCursor = 1 // 2 options
			case stateSelectingSession:
				maxCursor = len(m.availableSessions) - 1
			}
			if m.cursor < maxCursor {
				m.cursor++
				m.clampList()
			}
		default:
			if m.state == stateConfirmExit {
				switch msg.String() {
				case "y", "Y":
					return m, tea.Quit
				case "n", "N":
					m.state = stateEditing
					return m, nil
				}
			}
		}

	case storeUpdateMsg:
		if m.state == stateEditing && (string(msg) == m.sessionID || string(msg) == store.GlobalEvent) {
			m.refreshTree()
		}
		cmds = append(cmds, waitForUpdate(m.updates))

	case activatedMsg:
		m.sessionID = string(msg)
		m.state = stateEditing
		m.output = ""
		m.textarea.Focus()
		m.refreshTree()

	case outputMsg:
		m.output = string(msg)

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

// clampList keeps the cursor inside the visible window of a list.
func (m *model) clampList() {
	maxViewable := max(m.height-7, 1)
	if m.cursor < m.listOffset {
		m.listOffset = m.cursor
	}
	if m.cursor >= m.listOffset+maxViewable {
		m.listOffset = m.cursor - maxViewable + 1
	}
	m.listOffset = max(m.listOffset, 0)
}

func (m *model) refreshTree() {
	tree, _ := m.store.Tree(m.sessionID)
	content := renderTree(tree, func(env string) bool {
		return m.store.StandardModelEnabled(m.sessionID, env)
	})
	if m.renderer != nil {
		if rendered, err := m.renderer.Render(content); err == nil {
			content = rendered
		}
	}
	m.viewport.SetContent(content)
}

func (m model) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("\nError: %v", m.err))
	}

	switch m.state {
	case stateMenu:
		header := titleStyle.Render("qdash")

		options := []string{"New Session", "Continue Session"}
		var optionsView []string
		for i, choice := range options {
			cursor := " "
			if m.cursor == i {
				cursor = ">"
				choice = selectedItemStyle.Render(choice)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), choice))
		}

		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to quit."

		return lipgloss.JoinVertical(lipgloss.Left, header, m.statusLine(), "", list, "", footer, errorView)

	case stateSelectingSession:
		header := titleStyle.Render("Select Session")

		maxViewable := max(m.height-7, 1)
		start := m.listOffset
		end := min(start+maxViewable, len(m.availableSessions))

		var optionsView []string
		for i := start; i < end; i++ {
			line := m.availableSessions[i]
			cursor := " "
			if m.cursor == i {
				cursor = ">"
				line = selectedItemStyle.Render(line)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
		}

		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to quit."

		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)

	case stateConfirmExit:
		header := titleStyle.Render("Confirm Exit")
		prompt := "Close the session? (y/n)"
		subtext := "The configuration has not been sent with a simulation start. It stays saved as a local draft."

		return lipgloss.JoinVertical(lipgloss.Left, header, "", prompt, subtext, errorView)
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render("Session "+m.sessionID),
		m.statusLine(),
		m.viewport.View(),
		outputStyle.Render(m.output),
		errorView,
		m.textarea.View(),
	)
}

func (m model) statusLine() string {
	conn := m.store.Connection()
	line := "backend: " + conn.Status
	if conn.Error != "" {
		line += " (" + conn.Error + ")"
	}
	return statusStyle.Render(line)
}

// Actions

func (m model) createSessionCmd() tea.Cmd {
	return func() tea.Msg {
		id, err := m.ctrl.CreateSession(m.ctx, "")
		if err != nil {
			return errMsg{err}
		}
		return m.activateCmd(id)()
	}
}

func (m model) activateCmd(id string) tea.Cmd {
	return func() tea.Msg {
		if err := m.ctrl.Activate(m.ctx, id); err != nil {
			return errMsg{err}
		}
		return activatedMsg(id)
	}
}

func (m model) runCommand() (model, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" {
		return m, nil
	}
	m.textarea.Reset()

	if v == "/exit" {
		if m.ctrl.HasUnsavedConfig(m.sessionID) {
			m.state = stateConfirmExit
			return m, nil
		}
		return m, tea.Quit
	}

	ctx, ctrl, sid := m.ctx, m.ctrl, m.sessionID
	return m, func() tea.Msg {
		out, err := execute(ctx, ctrl, sid, v)
		if err != nil {
			return errMsg{err}
		}
		return outputMsg(out)
	}
}

func waitForUpdate(sub <-chan string) tea.Cmd {
	return func() tea.Msg {
		id, ok := <-sub
		if !ok {
			return nil
		}
		return storeUpdateMsg(id)
	}
}

// --- Main ---

func main() {
	cfg, err := settings.Load(".env")
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Setup Logging. The terminal belongs to the UI.
	f, err := os.OpenFile("qdash-cli.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	defer f.Close()
	handler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: cfg.LogLevel})
	slog.SetDefault(slog.New(handler))
	slog.Info("Logging initialized", "level", cfg.LogLevel)

	// 2. Initialize persistence
	db, err := openStore(cfg)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	defer db.Close()

	// 3. Initialize transport
	var tr transport.Transport
	if cfg.Offline() {
		tr = memory.New(memory.Offline(db.ListDrafts))
	} else {
		wsTr := ws.New(cfg.BackendURL)
		wsTr.Start(ctx)
		tr = wsTr
	}
	defer tr.Close()

	opts := controller.Options{Drafts: db, Runs: db}
	if cfg.SMFile != "" {
		if opts.StandardModel, err = settings.LoadStandardModel(cfg.SMFile); err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}
	}
	ctrl := controller.New(store.New(), transport.NewClient(tr, cfg.UserID), opts)
	go func() {
		if err := ctrl.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Controller stopped", "error", err)
		}
	}()

	// 4. Start Program
	p := tea.NewProgram(initialModel(ctx, ctrl))
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}

// backend persists drafts and runs.
type backend interface {
	store.DraftStore
	store.RunStore
	Close() error
}

func openStore(cfg settings.Settings) (backend, error) {
	if cfg.Store == settings.StoreJSONL {
		s, err := jsonl.New(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, err
	}
	db, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return db, nil
}
