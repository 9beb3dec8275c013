package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sqlchat/internal/app"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const sidebarWidth = 28

type sendDoneMsg struct{ err error }
type statsMsg struct {
	stats     *app.SessionStats
	available bool
	err       error
}
type tickMsg time.Time

type Model struct {
	chat  *app.Chat
	theme Theme

	width  int
	height int
	ready  bool

	input      textinput.Model
	transcript viewport.Model
	spin       spinner.Model

	renaming   bool
	renameBuf  textinput.Model
	statusLine string
}

func New(chat *app.Chat) *Model {
	ti := textinput.New()
	ti.Placeholder = "Pergunte algo sobre seus dados…"
	ti.CharLimit = 4000
	ti.Prompt = "> "
	ti.Focus()

	rn := textinput.New()
	rn.Placeholder = "Novo título"
	rn.CharLimit = 120
	rn.Prompt = "renomear: "

	sp := spinner.New()
	sp.Spinner = spinner.MiniDot

	return &Model{
		chat:      chat,
		theme:     NewTheme(),
		input:     ti,
		renameBuf: rn,
		spin:      sp,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.transcript = viewport.New(m.contentWidth(), m.contentHeight())
		m.ready = true
		m.refreshTranscript()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case sendDoneMsg:
		if msg.err != nil {
			m.statusLine = "Falha na requisição. Veja a mensagem."
		} else {
			m.statusLine = ""
		}
		m.refreshTranscript()
		return m, nil

	case statsMsg:
		switch {
		case msg.err != nil:
			m.statusLine = "Estatísticas indisponíveis."
		case !msg.available:
			m.statusLine = "Sessão ainda não sincronizada com o servidor."
		default:
			m.statusLine = fmt.Sprintf("Mensagens no servidor: %d", msg.stats.MessageCount)
		}
		return m, nil

	case tickMsg:
		// Redraw for retry countdowns.
		m.refreshTranscript()
		return m, tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	if m.renaming {
		m.renameBuf, cmd = m.renameBuf.Update(msg)
	} else {
		m.input, cmd = m.input.Update(msg)
	}
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.renaming {
		switch msg.Type {
		case tea.KeyEnter:
			title := m.renameBuf.Value()
			if sess, ok := m.chat.ActiveSession(); ok {
				_ = m.chat.Rename(sess.ID, title)
			}
			m.renaming = false
			m.renameBuf.SetValue("")
			m.input.Focus()
			return m, nil
		case tea.KeyEsc:
			m.renaming = false
			m.renameBuf.SetValue("")
			m.input.Focus()
			return m, nil
		}
		var cmd tea.Cmd
		m.renameBuf, cmd = m.renameBuf.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		if m.chat.Busy() {
			m.chat.Abort(context.Background())
			m.refreshTranscript()
		}
		return m, nil
	case "enter":
		content := m.input.Value()
		if strings.TrimSpace(content) == "" || m.chat.Busy() {
			return m, nil
		}
		m.input.SetValue("")
		return m, tea.Batch(m.sendCmd(content), m.spin.Tick)
	case "ctrl+r":
		return m, m.retryCmd()
	case "ctrl+n":
		_, _ = m.chat.CreateSession(context.Background())
		m.refreshTranscript()
		return m, nil
	case "ctrl+d":
		if sess, ok := m.chat.ActiveSession(); ok {
			_ = m.chat.DeleteSession(context.Background(), sess.ID)
			m.refreshTranscript()
		}
		return m, nil
	case "ctrl+p":
		if sess, ok := m.chat.ActiveSession(); ok {
			_ = m.chat.TogglePin(sess.ID)
		}
		return m, nil
	case "ctrl+t":
		if sess, ok := m.chat.ActiveSession(); ok {
			m.renaming = true
			m.renameBuf.SetValue(sess.Title)
			m.renameBuf.Focus()
			m.input.Blur()
		}
		return m, nil
	case "ctrl+s":
		return m, m.statsCmd()
	case "tab":
		m.cycleSession(1)
		return m, nil
	case "shift+tab":
		m.cycleSession(-1)
		return m, nil
	case "up":
		m.transcript.LineUp(1)
		return m, nil
	case "down":
		m.transcript.LineDown(1)
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) sendCmd(content string) tea.Cmd {
	return func() tea.Msg {
		err := m.chat.Send(context.Background(), content)
		return sendDoneMsg{err: err}
	}
}

// retryCmd resends the most recent retryable failed user message, honoring
// its CanRetryAt window.
func (m *Model) retryCmd() tea.Cmd {
	sess, ok := m.chat.ActiveSession()
	if !ok || m.chat.Busy() {
		return nil
	}
	var target *app.Message
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		msg := sess.Messages[i]
		if msg.Role == app.RoleUser && msg.Error != nil && msg.Error.CanRetry {
			target = &sess.Messages[i]
			break
		}
	}
	if target == nil {
		return nil
	}
	if !target.Error.CanRetryAt.IsZero() && time.Now().Before(target.Error.CanRetryAt) {
		m.statusLine = "Aguarde o tempo indicado antes de tentar novamente."
		return nil
	}
	id := target.ID
	return func() tea.Msg {
		err := m.chat.Retry(context.Background(), id)
		return sendDoneMsg{err: err}
	}
}

func (m *Model) statsCmd() tea.Cmd {
	return func() tea.Msg {
		stats, available, err := m.chat.ActiveStats(context.Background())
		return statsMsg{stats: stats, available: available, err: err}
	}
}

func (m *Model) cycleSession(dir int) {
	sessions := m.chat.Sessions()
	if len(sessions) < 2 {
		return
	}
	active := m.chat.ActiveID()
	idx := 0
	for i, sess := range sessions {
		if sess.ID == active {
			idx = i
			break
		}
	}
	next := (idx + dir + len(sessions)) % len(sessions)
	m.chat.SwitchSession(context.Background(), sessions[next].ID)
	m.refreshTranscript()
}

func (m *Model) contentWidth() int {
	w := m.width - sidebarWidth - 6
	if w < 20 {
		w = 20
	}
	return w
}

func (m *Model) contentHeight() int {
	h := m.height - 7
	if h < 5 {
		h = 5
	}
	return h
}

func (m *Model) refreshTranscript() {
	if !m.ready {
		return
	}
	sess, ok := m.chat.ActiveSession()
	if !ok {
		m.transcript.SetContent(m.theme.RetryHint.Render("Nenhuma sessão. ctrl+n cria uma nova."))
		return
	}
	var b strings.Builder
	for _, msg := range sess.Messages {
		b.WriteString(m.renderMessage(msg))
		b.WriteString("\n")
	}
	m.transcript.SetContent(b.String())
	m.transcript.GotoBottom()
}

func (m *Model) renderMessage(msg app.Message) string {
	var b strings.Builder
	when := msg.Timestamp.Format("15:04")
	switch msg.Role {
	case app.RoleUser:
		b.WriteString(m.theme.RoleUser.Render("você "+when) + "\n")
	default:
		b.WriteString(m.theme.RoleAssistant.Render("assistente "+when) + "\n")
	}
	b.WriteString(msg.Content)
	b.WriteString("\n")

	if msg.Error != nil {
		b.WriteString(m.theme.ErrorNote.Render("⚠ "+msg.Error.Message) + "\n")
		if msg.Error.CanRetry {
			if wait := time.Until(msg.Error.CanRetryAt); wait > 0 {
				b.WriteString(m.theme.RetryHint.Render(
					fmt.Sprintf("retry em %ds", int(wait.Seconds())+1)) + "\n")
			} else {
				b.WriteString(m.theme.RetryHint.Render("ctrl+r para tentar novamente") + "\n")
			}
		}
	}
	if _, ok := msg.Metadata[app.MetadataRetrying]; ok {
		b.WriteString(m.theme.RetryHint.Render("reenviando…") + "\n")
	}
	return b.String()
}

func (m *Model) renderSidebar() string {
	sessions := m.chat.Sessions()
	active := m.chat.ActiveID()

	var b strings.Builder
	b.WriteString(m.theme.TopBar.Render("sessões") + "\n")
	for _, sess := range sessions {
		title := sess.Title
		if title == "" {
			title = app.DefaultTitle
		}
		if len(title) > sidebarWidth-4 {
			title = title[:sidebarWidth-5] + "…"
		}
		pin := "  "
		if sess.IsPinned {
			pin = m.theme.SidebarPin.Render("★ ")
		}
		line := pin + title
		if sess.ID == active {
			b.WriteString(m.theme.SidebarSel.Render(line) + "\n")
		} else {
			b.WriteString(m.theme.Sidebar.Render(line) + "\n")
		}
	}
	return b.String()
}

func (m *Model) View() string {
	if !m.ready {
		return "carregando…"
	}

	sidebar := lipgloss.NewStyle().Width(sidebarWidth).Render(m.renderSidebar())
	pane := m.theme.Pane.Width(m.contentWidth() + 2).Render(m.transcript.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, pane)

	inputView := m.input.View()
	if m.renaming {
		inputView = m.renameBuf.View()
	}
	input := m.theme.InputBox.Width(m.width - 4).Render(inputView)

	footer := "enter envia · esc cancela · ctrl+r retry · ctrl+n nova · ctrl+d apaga · ctrl+p fixa · ctrl+t renomeia · ctrl+s stats · tab troca"
	if m.chat.Busy() {
		footer = m.theme.Spinner.Render(m.spin.View()) + " aguardando resposta…"
	} else if m.statusLine != "" {
		footer = m.statusLine
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		body,
		input,
		m.theme.Footer.Render(footer),
	)
}
