package tui

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tatianab/referee/internal/engine"
	"github.com/tatianab/referee/internal/models"
	"github.com/tatianab/referee/internal/referee"
	"github.com/tatianab/referee/internal/session"
)

type sessionState int

const (
	stateSetup sessionState = iota
	stateLoading
	statePlaying
	stateError
)

const setupPlaceholder = "Skirmish: Alice 10/10, Bob 8/8"

type model struct {
	ctx      context.Context
	state    sessionState
	referee  *referee.Service
	sessions *session.Manager

	game      *models.GameState
	textInput textinput.Model
	viewport  viewport.Model
	err       error
	tableLog  string
	width     int
	height    int

	// events is non-nil while a ruling streams in.
	events <-chan engine.Event
	answer string

	initial tea.Cmd
}

var (
	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EEEEEE")).
			Background(lipgloss.Color("#5F5F87")).
			Bold(true).
			PaddingLeft(1)

	refereeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	changeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87AF87"))

	refusedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#D7875F"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Italic(true)

	stateStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(lipgloss.Color("#3C3C3C")).
			PaddingLeft(2).
			Foreground(lipgloss.Color("#AAAAAA"))

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFA500")).
			Bold(true).
			Underline(true)
)

func NewModel(ctx context.Context, svc *referee.Service, sessions *session.Manager) model {
	ti := textinput.New()
	ti.Placeholder = setupPlaceholder
	ti.Focus()
	ti.CharLimit = 512
	ti.Width = 60

	return model{
		ctx:       ctx,
		state:     stateSetup,
		referee:   svc,
		sessions:  sessions,
		textInput: ti,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.initial)
}

type sessionLoadedMsg struct {
	game *models.GameState
}

type streamStartedMsg struct {
	events <-chan engine.Event
}

type eventMsg struct {
	event engine.Event
}

// streamClosedMsg arrives after the last event of a ruling.
type streamClosedMsg struct{}

type systemMsg struct {
	text string
}

type errMsg struct {
	err error
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit

		case tea.KeyEnter:
			line := strings.TrimSpace(m.textInput.Value())
			if m.state == stateSetup {
				game, players, err := parseSetup(line)
				if err != nil {
					m.textInput.Placeholder = err.Error()
					m.textInput.Reset()
					return m, nil
				}
				m.state = stateLoading
				return m, m.createSession(game, players)
			}
			if m.state == statePlaying && m.events == nil {
				if line == "" {
					return m, nil
				}
				m.textInput.Reset()
				return m.command(line)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = m.logWidth()
		m.viewport.Height = msg.Height - 6
		if m.state == statePlaying {
			m.refreshLog()
		}

	case sessionLoadedMsg:
		first := m.game == nil
		m.game = msg.game
		if first {
			m.state = statePlaying
			if m.viewport.Width == 0 {
				m.viewport = viewport.New(m.logWidth(), m.height-6)
			}
			m.tableLog = refereeStyle.Bold(true).Render(fmt.Sprintf("%s (session %s)", m.game.GameName, m.game.SessionID)) + "\n\n"
			m.textInput.Placeholder = "Describe what happens or ask a rules question"
			m.textInput.Reset()
			m.refreshLog()
		}
		return m, nil

	case streamStartedMsg:
		m.events = msg.events
		m.answer = ""
		return m, waitForEvent(m.events)

	case eventMsg:
		m.handleEvent(msg.event)
		return m, waitForEvent(m.events)

	case streamClosedMsg:
		m.events = nil
		if m.answer != "" {
			m.tableLog += refereeStyle.Width(m.logWidth()).Render(m.answer) + "\n\n"
		}
		m.answer = ""
		m.refreshLog()
		return m, m.loadSession(m.game.SessionID)

	case systemMsg:
		m.appendLine(helpStyle.Render(msg.text))
		return m, m.loadSession(m.game.SessionID)

	case errMsg:
		if m.state == statePlaying {
			m.appendLine(refusedStyle.Render("error: " + msg.err.Error()))
			return m, nil
		}
		m.err = msg.err
		m.state = stateError
		return m, nil
	}

	if m.state == stateSetup || m.state == statePlaying {
		m.textInput, cmd = m.textInput.Update(msg)
		return m, cmd
	}

	return m, nil
}

// command handles one line typed during play.
func (m model) command(line string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return m, tea.Quit
	case "/reset":
		return m, m.reset()
	case "/next":
		next := ""
		if len(fields) > 1 {
			next = strings.Join(fields[1:], " ")
		}
		return m, m.nextRound(next)
	}

	m.appendLine(userStyle.Width(m.logWidth()).Render("> " + line))
	return m, m.ask(line)
}

func (m *model) handleEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventStateChange:
		if c, ok := ev.Data.(models.StateChange); ok {
			style := changeStyle
			if !c.Success {
				style = refusedStyle
			}
			m.appendLine(style.Render("  * " + c.Message))
		}
	case engine.EventAnswerChunk:
		m.answer += ev.Content
		m.refreshLog()
	case engine.EventError:
		m.appendLine(refusedStyle.Render("error: " + ev.Content))
	}
}

func (m *model) appendLine(s string) {
	m.tableLog += s + "\n"
	m.refreshLog()
}

func (m *model) refreshLog() {
	content := m.tableLog
	if m.answer != "" {
		content += refereeStyle.Width(m.logWidth()).Render(m.answer)
	}
	m.viewport.SetContent(content)
	m.viewport.GotoBottom()
}

func (m model) logWidth() int {
	return int(float64(m.width) * 0.7)
}

func (m model) View() string {
	var s string

	switch m.state {
	case stateSetup:
		s = fmt.Sprintf(
			"Tabletop Referee\n\n%s\n\n%s",
			"Name the game and its players as name hp/max_hp:",
			m.textInput.View(),
		)

	case stateLoading:
		s = "\n  Setting up the table...\n"

	case statePlaying:
		mainView := lipgloss.JoinHorizontal(lipgloss.Top,
			m.viewport.View(),
			m.renderState(),
		)
		help := helpStyle.Render("Commands: /next [player], /reset, /quit, or describe what happens.")
		if m.events != nil {
			help = helpStyle.Render("The referee is ruling...")
		}
		s = lipgloss.JoinVertical(lipgloss.Left,
			mainView,
			"\n"+m.textInput.View(),
			"\n"+help,
		)

	case stateError:
		s = fmt.Sprintf("\n  Error: %v\n\nPress Esc to quit.", m.err)
	}

	return "\n" + s + "\n"
}

func (m model) renderState() string {
	if m.game == nil {
		return ""
	}
	g := m.game

	var b strings.Builder
	b.WriteString(titleStyle.Render("ROUND") + "\n")
	fmt.Fprintf(&b, "%d, %s to play (%s)\n\n", g.Round, g.CurrentPlayer, g.Phase)

	b.WriteString(titleStyle.Render("PLAYERS") + "\n")
	for _, p := range g.Players {
		fmt.Fprintf(&b, "%s  HP %d/%d", p.Name, p.HP, p.MaxHP)
		if p.MP != nil && p.MaxMP != nil {
			fmt.Fprintf(&b, "  MP %d/%d", *p.MP, *p.MaxMP)
		}
		b.WriteString("\n")
		if len(p.StatusEffects) > 0 {
			b.WriteString("  " + strings.Join(p.StatusEffects, ", ") + "\n")
		}
		for _, k := range slices.Sorted(maps.Keys(p.Resources)) {
			fmt.Fprintf(&b, "  %s: %d\n", k, p.Resources[k])
		}
	}
	if len(g.GlobalEffects) > 0 {
		b.WriteString("\n" + titleStyle.Render("TABLE") + "\n")
		b.WriteString(strings.Join(g.GlobalEffects, ", ") + "\n")
	}

	stateWidth := int(float64(m.width) * 0.28)
	return stateStyle.Width(stateWidth).Height(m.viewport.Height).Render(b.String())
}

func (m model) createSession(game string, players []session.PlayerSpec) tea.Cmd {
	return func() tea.Msg {
		gs, err := m.referee.CreateSession(m.ctx, game, players)
		if err != nil {
			return errMsg{err}
		}
		return sessionLoadedMsg{gs}
	}
}

func (m model) loadSession(id string) tea.Cmd {
	return func() tea.Msg {
		gs, err := m.sessions.Get(m.ctx, id)
		if err != nil {
			return errMsg{err}
		}
		return sessionLoadedMsg{gs}
	}
}

func (m model) ask(question string) tea.Cmd {
	id := m.game.SessionID
	return func() tea.Msg {
		seq, err := m.referee.AskStream(m.ctx, id, question)
		if err != nil {
			return errMsg{err}
		}
		return streamStartedMsg{pump(m.ctx, seq)}
	}
}

// pump moves events from seq onto a channel that bubbletea commands can
// wait on. The channel closes after the last event.
func pump(ctx context.Context, seq iter.Seq[engine.Event]) <-chan engine.Event {
	ch := make(chan engine.Event)
	go func() {
		defer close(ch)
		for ev := range seq {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func waitForEvent(ch <-chan engine.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{ev}
	}
}

func (m model) nextRound(next string) tea.Cmd {
	id := m.game.SessionID
	return func() tea.Msg {
		res, err := m.referee.NextRound(m.ctx, id, next)
		if err != nil {
			return errMsg{err}
		}
		return systemMsg{res.Result.Message}
	}
}

func (m model) reset() tea.Cmd {
	id := m.game.SessionID
	return func() tea.Msg {
		if _, err := m.sessions.Reset(m.ctx, id); err != nil {
			return errMsg{err}
		}
		return systemMsg{"session reset to round 1"}
	}
}

var errSetupFormat = errors.New("expected 'Game: Name hp/max, Name hp/max'")

// parseSetup reads "Game: Alice 10/10, Bob 8/8 5/5" where the optional
// second pair is MP.
func parseSetup(line string) (string, []session.PlayerSpec, error) {
	game, rest, ok := strings.Cut(line, ":")
	game = strings.TrimSpace(game)
	if !ok || game == "" {
		return "", nil, errSetupFormat
	}
	var players []session.PlayerSpec
	for entry := range strings.SplitSeq(rest, ",") {
		fields := strings.Fields(entry)
		if len(fields) < 2 || len(fields) > 3 {
			return "", nil, fmt.Errorf("%q: %w", strings.TrimSpace(entry), errSetupFormat)
		}
		hp, maxHP, err := parsePair(fields[1])
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", fields[0], err)
		}
		p := session.PlayerSpec{Name: fields[0], HP: hp, MaxHP: maxHP}
		if len(fields) == 3 {
			mp, maxMP, err := parsePair(fields[2])
			if err != nil {
				return "", nil, fmt.Errorf("%s: %w", fields[0], err)
			}
			p.MP, p.MaxMP = &mp, &maxMP
		}
		players = append(players, p)
	}
	return game, players, nil
}

func parsePair(s string) (int, int, error) {
	a, b, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0, fmt.Errorf("%q is not current/max", s)
	}
	cur, err := strconv.Atoi(a)
	if err != nil {
		return 0, 0, err
	}
	limit, err := strconv.Atoi(b)
	if err != nil {
		return 0, 0, err
	}
	return cur, limit, nil
}

// Run starts a new session interactively, or resumes sessionID when set.
func Run(ctx context.Context, svc *referee.Service, sessions *session.Manager, sessionID string) error {
	m := NewModel(ctx, svc, sessions)
	if sessionID != "" {
		m.state = stateLoading
		m.initial = m.loadSession(sessionID)
	}
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
