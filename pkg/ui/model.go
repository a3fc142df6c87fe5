package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/coeus/pkg/checkpoints"
	"github.com/go-go-golems/coeus/pkg/conversation"
	"github.com/go-go-golems/coeus/pkg/transcript"
)

type mode int

const (
	chatMode mode = iota
	graphMode
	editMode
)

const (
	inputHeight  = 3
	editorHeight = 8
	// border, status and help lines around the panes
	chromeHeight = 6
)

// nodeItem adapts a graph node to the bubbles list.
type nodeItem struct {
	node checkpoints.Node
}

func (i nodeItem) Title() string { return i.node.Label }
func (i nodeItem) Description() string {
	msg := strings.TrimSpace(i.node.Checkpoint.RecordedMessage)
	if msg == "" {
		return "(no recorded message)"
	}
	return msg
}
func (i nodeItem) FilterValue() string { return i.node.Label + " " + i.node.Checkpoint.RecordedMessage }

// Model is the terminal host of one session. It has three modes: the chat
// transcript, the checkpoint list and the branch editor.
type Model struct {
	backend  *SessionBackend
	renderer *Renderer

	mode     mode
	viewport viewport.Model
	input    textarea.Model
	nodes    list.Model
	editor   textarea.Model
	spinner  spinner.Model

	width  int
	height int

	replying    bool
	branchState conversation.BranchState
	status      string
	lastErr     error
}

func NewModel(backend *SessionBackend, renderer *Renderer) Model {
	if renderer == nil {
		renderer = NewRenderer(DetectStyle(), 0)
	}

	input := textarea.New()
	input.Placeholder = "Ask the agent..."
	input.ShowLineNumbers = false
	input.SetHeight(inputHeight)
	input.KeyMap.InsertNewline.SetEnabled(false)
	input.Focus()

	editor := textarea.New()
	editor.ShowLineNumbers = false
	editor.SetHeight(editorHeight)

	nodes := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	nodes.Title = "Checkpoints"
	nodes.Styles.Title = titleStyle
	nodes.SetFilteringEnabled(false)
	nodes.KeyMap.Quit.SetEnabled(false)

	sp := spinner.New()
	sp.Spinner = spinner.Line
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)

	m := Model{
		backend:  backend,
		renderer: renderer,
		viewport: viewport.New(80, 20),
		input:    input,
		editor:   editor,
		nodes:    nodes,
		spinner:  sp,
	}
	m.refreshTranscript()
	return m
}

func (m Model) Init() tea.Cmd {
	return textarea.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case TranscriptChangedMsg:
		m.refreshTranscript()
		return m, nil

	case ReplyFinishedMsg:
		m.replying = false
		m.lastErr = nil
		switch {
		case msg.Err == nil:
			m.status = ""
		case errors.Is(msg.Err, conversation.ErrStreamInFlight), errors.Is(msg.Err, conversation.ErrBranchInFlight):
			m.status = "a reply is already streaming"
		case errors.Is(msg.Err, context.Canceled):
			m.status = "interrupted"
		default:
			m.lastErr = msg.Err
			m.status = ""
		}
		m.refreshTranscript()
		return m, nil

	case GraphLoadedMsg:
		m.setNodes(msg.Graph)
		if msg.Err != nil {
			m.status = "history refresh failed, showing last snapshot"
			log.Warn().Err(msg.Err).Str("component", "ui").Msg("graph refresh failed")
		} else {
			m.status = fmt.Sprintf("%d checkpoints", msg.Graph.Len())
		}
		return m, nil

	case BranchStateMsg:
		m.branchState = msg.State
		return m, nil

	case spinner.TickMsg:
		if !m.replying {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.backend.Interrupt()
			return m, tea.Quit
		}
		switch m.mode {
		case graphMode:
			return m.updateGraph(msg)
		case editMode:
			return m.updateEditor(msg)
		default:
			return m.updateChat(msg)
		}
	}
	return m, nil
}

func (m Model) updateChat(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		text := m.input.Value()
		if strings.TrimSpace(text) == "" {
			return m, nil
		}
		if m.replying || !m.backend.IsFinished() {
			m.status = "a reply is already streaming"
			return m, nil
		}
		m.input.Reset()
		m.replying = true
		m.status = ""
		m.lastErr = nil
		return m, tea.Batch(m.backend.Send(text), m.spinner.Tick)

	case "esc":
		if !m.backend.IsFinished() {
			m.backend.Interrupt()
			m.status = "interrupted"
		}
		return m, nil

	case "ctrl+g":
		if !m.backend.Session().CanVisualize() {
			m.status = "history is available once the agent has replied"
			return m, nil
		}
		m.mode = graphMode
		m.input.Blur()
		m.setNodes(m.backend.Session().Graph())
		m.status = "loading history..."
		return m, m.backend.RefreshGraph()

	case "ctrl+y":
		m.copyLastReply()
		return m, nil

	case "pgup", "pgdown", "ctrl+u", "ctrl+d":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) updateGraph(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.mode = chatMode
		m.status = ""
		return m, m.input.Focus()

	case "r":
		m.status = "loading history..."
		return m, m.backend.RefreshGraph()

	case "enter":
		item, ok := m.nodes.SelectedItem().(nodeItem)
		if !ok {
			return m, nil
		}
		branches := m.backend.Session().Branches()
		if err := branches.Select(item.node.Checkpoint); err != nil {
			m.status = err.Error()
			return m, nil
		}
		m.mode = editMode
		m.editor.SetValue(branches.Draft())
		m.status = "editing " + item.node.Label
		return m, m.editor.Focus()
	}

	var cmd tea.Cmd
	m.nodes, cmd = m.nodes.Update(msg)
	return m, cmd
}

func (m Model) updateEditor(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	branches := m.backend.Session().Branches()
	switch msg.String() {
	case "esc":
		branches.Cancel()
		m.editor.Blur()
		m.mode = graphMode
		m.status = ""
		return m, nil

	case "ctrl+s":
		branches.Edit(m.editor.Value())
		if strings.TrimSpace(m.editor.Value()) == "" {
			m.status = "the edited message is empty"
			return m, nil
		}
		m.editor.Blur()
		m.mode = chatMode
		m.replying = true
		m.status = ""
		m.lastErr = nil
		return m, tea.Batch(m.backend.ConfirmBranch(), m.spinner.Tick, m.input.Focus())
	}

	var cmd tea.Cmd
	m.editor, cmd = m.editor.Update(msg)
	branches.Edit(m.editor.Value())
	return m, cmd
}

func (m *Model) copyLastReply() {
	turns := m.backend.Session().Store().Turns()
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if t.Speaker != transcript.SpeakerAgent || t.Streaming || t.Failed {
			continue
		}
		if err := clipboard.WriteAll(t.Text); err != nil {
			m.status = "clipboard unavailable"
			log.Debug().Err(err).Str("component", "ui").Msg("clipboard write failed")
			return
		}
		m.status = "copied last reply"
		return
	}
	m.status = "nothing to copy"
}

func (m *Model) setNodes(g checkpoints.Graph) {
	items := make([]list.Item, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		items = append(items, nodeItem{node: n})
	}
	m.nodes.SetItems(items)
}

func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height

	inner := max(width-2, 10)
	m.input.SetWidth(inner)
	m.editor.SetWidth(inner - 2)
	m.viewport.Width = inner
	m.viewport.Height = max(height-inputHeight-chromeHeight, 3)
	m.nodes.SetSize(inner, max(height-chromeHeight, 5))
	m.renderer.SetWidth(max(inner-4, 20))
	m.refreshTranscript()
}

func (m *Model) refreshTranscript() {
	turns := m.backend.Session().Store().Turns()
	var sb strings.Builder
	for i, t := range turns {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(m.renderTurn(t))
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(sb.String())
	if atBottom || m.replying {
		m.viewport.GotoBottom()
	}
}

func (m *Model) renderTurn(t transcript.Turn) string {
	if t.Speaker == transcript.SpeakerUser {
		return userLabelStyle.Render("You") + "\n" + t.Text
	}
	label := agentLabel.Render("Agent")
	switch {
	case t.Failed:
		return label + "\n" + errorStyle.Render(transcript.ErrorIndicatorText)
	case t.Streaming:
		return label + " " + m.spinner.View() + "\n" + streamingStyle.Render(t.Text)
	default:
		return label + "\n" + m.renderer.Render(t.ID, t.Text)
	}
}

func (m Model) statusLine() string {
	st := transcript.ComputeStats(m.backend.Session().Store().Turns())
	parts := []string{
		fmt.Sprintf("%d/%d turns", st.UserTurns, st.AgentTurns),
		fmt.Sprintf("~%d tokens", st.TotalTokens()),
	}
	if st.FailedTurns > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", st.FailedTurns))
	}
	if m.branchState != conversation.BranchIdle {
		parts = append(parts, "branch: "+m.branchState.String())
	}
	if m.replying {
		parts = append(parts, m.spinner.View()+" streaming")
	}
	if m.status != "" {
		parts = append(parts, m.status)
	}
	line := statusStyle.Render(strings.Join(parts, " | "))
	if m.lastErr != nil {
		line += "\n" + errorStyle.Render("error: "+m.lastErr.Error())
	}
	return line
}

func (m Model) View() string {
	var body, help string
	switch m.mode {
	case graphMode:
		body = transcriptPane.Render(m.nodes.View())
		help = "enter: edit checkpoint message | r: refresh | esc: back"
	case editMode:
		title := editorTitleStyle.Render("Branch from " + m.selectedLabel())
		body = editorPane.Render(title + "\n\n" + m.editor.View())
		help = "ctrl+s: submit branch | esc: cancel"
	default:
		body = lipgloss.JoinVertical(lipgloss.Left,
			transcriptPane.Render(m.viewport.View()),
			inputPane.Render(m.input.View()),
		)
		help = "enter: send | ctrl+g: history | esc: interrupt | ctrl+y: copy reply | ctrl+c: quit"
	}
	return lipgloss.JoinVertical(lipgloss.Left, body, m.statusLine(), helpStyle.Render(help))
}

func (m Model) selectedLabel() string {
	cp, ok := m.backend.Session().Branches().Selected()
	if !ok {
		return "checkpoint"
	}
	return cp.Label()
}
