package tui

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Aayaan-Sahu/kova/domain/entities"
	"github.com/Aayaan-Sahu/kova/internal/api"
	"github.com/Aayaan-Sahu/kova/internal/session"
	"github.com/Aayaan-Sahu/kova/usecase"
)

// transcriptLines is how many of the latest segments the viewer shows
const transcriptLines = 12

// Model is the root bubbletea model for the live viewer.
type Model struct {
	agent  Agent
	client *http.Client

	// Connection state
	feed      *Feed
	connected bool
	connError string

	snapshot  usecase.Snapshot
	hasState  bool
	lastEnded string

	width  int
	height int

	errorMessage   string
	errorTransient bool

	reconnecting     bool
	reconnectAttempt int
}

// New creates a viewer for the given agent.
func New(agent Agent) Model {
	return Model{
		agent:  agent,
		client: &http.Client{},
	}
}

// Init connects to the live feed.
func (m Model) Init() tea.Cmd {
	return connectCmd(m.agent)
}

func connectCmd(agent Agent) tea.Cmd {
	return func() tea.Msg {
		feed, err := DialFeed(context.Background(), agent)
		if err != nil {
			return FeedConnectErrorMsg{Err: err}
		}
		return FeedConnectedMsg{Feed: feed}
	}
}

func readFeedCmd(feed *Feed) tea.Cmd {
	return func() tea.Msg {
		msg, err := feed.Next()
		if err != nil {
			return FeedErrorMsg{Err: err}
		}
		return msg
	}
}

// reconnectCmd schedules a reconnection attempt with exponential backoff.
func reconnectCmd(attempt int) tea.Cmd {
	delay := time.Duration(1<<min(attempt, 4)) * time.Second
	return tea.Tick(delay, func(time.Time) tea.Msg {
		return ReconnectTickMsg{}
	})
}

func clearTransientErrorCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg {
		return ClearTransientErrorMsg{}
	})
}

func actionCmd(client *http.Client, agent Agent, action, path string, body interface{}) tea.Cmd {
	return func() tea.Msg {
		err := post(context.Background(), client, agent, path, body)
		return ActionResultMsg{Action: action, Err: err}
	}
}

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case FeedConnectedMsg:
		m.feed = msg.Feed
		m.connected = true
		m.connError = ""
		m.reconnecting = false
		m.reconnectAttempt = 0
		return m, readFeedCmd(m.feed)

	case FeedConnectErrorMsg:
		m.connected = false
		m.connError = msg.Err.Error()
		m.reconnecting = true
		return m, reconnectCmd(m.reconnectAttempt)

	case FeedErrorMsg:
		m.connected = false
		m.connError = msg.Err.Error()
		m.reconnecting = true
		if m.feed != nil {
			m.feed.Close()
			m.feed = nil
		}
		return m, reconnectCmd(m.reconnectAttempt)

	case ReconnectTickMsg:
		m.reconnectAttempt++
		return m, connectCmd(m.agent)

	case StateMsg:
		m.snapshot = msg.Snapshot
		m.hasState = true
		if m.snapshot.Call.IsListening {
			m.lastEnded = ""
		}
		return m, m.nextRead()

	case CallEndedMsg:
		m.lastEnded = endedText(msg)
		return m, m.nextRead()

	case ActionResultMsg:
		if msg.Err != nil {
			m.errorMessage = fmt.Sprintf("%s failed: %v", msg.Action, msg.Err)
			m.errorTransient = true
			return m, clearTransientErrorCmd()
		}
		return m, nil

	case ClearTransientErrorMsg:
		if m.errorTransient {
			m.errorMessage = ""
			m.errorTransient = false
		}
		return m, nil
	}

	return m, nil
}

func (m Model) nextRead() tea.Cmd {
	if m.feed == nil {
		return nil
	}
	return readFeedCmd(m.feed)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case KeyQuit, KeyCtrlC:
		if m.feed != nil {
			m.feed.Close()
		}
		return m, tea.Quit
	}

	if !m.connected {
		return m, nil
	}

	call := m.snapshot.Call
	switch msg.String() {
	case KeyStartCall:
		if call.IsListening || call.Connecting {
			return m, nil
		}
		return m, actionCmd(m.client, m.agent, "Start", "/call/start", api.StartCallRequest{})
	case KeyEndCall:
		if !call.IsListening && !call.Connecting {
			return m, nil
		}
		return m, actionCmd(m.client, m.agent, "Stop", "/call/stop", nil)
	case KeyClear:
		return m, actionCmd(m.client, m.agent, "Clear", "/call/clear", nil)
	case KeyToggleWake:
		if m.snapshot.WakeWord.Enabled {
			return m, actionCmd(m.client, m.agent, "Disable voice activation", "/wakeword/disable", nil)
		}
		return m, actionCmd(m.client, m.agent, "Enable voice activation", "/wakeword/enable", nil)
	case KeyDismissFirst:
		if len(call.SuggestedQuestions) == 0 {
			return m, nil
		}
		return m, actionCmd(m.client, m.agent, "Dismiss", "/call/questions/dismiss",
			api.DismissQuestionRequest{Question: call.SuggestedQuestions[0]})
	}
	return m, nil
}

func endedText(msg CallEndedMsg) string {
	if msg.Reason == session.EndReasonVoiceCommand.String() {
		return "Call ended by voice command"
	}
	if msg.Error != "" {
		return "Connection lost: " + msg.Error
	}
	return "Connection lost"
}

// View renders the viewer.
func (m Model) View() string {
	width := m.width
	if width == 0 {
		width = 60
	}
	divider := DividerStyle.Render(strings.Repeat("─", width))

	sections := []string{m.renderHeader(), divider}

	switch {
	case !m.connected:
		status := "Connecting to agent..."
		if m.reconnecting {
			status = fmt.Sprintf("Agent unreachable, reconnecting (attempt %d)...", m.reconnectAttempt+1)
		}
		sections = append(sections, DimStyle.Render(status))
		if m.connError != "" {
			sections = append(sections, ErrorStyle.Render(m.connError))
		}
	case !m.hasState:
		sections = append(sections, DimStyle.Render("Waiting for state..."))
	default:
		sections = append(sections, m.renderCall()...)
	}

	sections = append(sections, divider)
	if m.errorMessage != "" {
		sections = append(sections, ErrorStyle.Render(m.errorMessage))
	}
	sections = append(sections, m.renderFooter())
	return strings.Join(sections, "\n")
}

func (m Model) renderHeader() string {
	title := TitleStyle.Render("KOVA")
	if !m.hasState {
		return title
	}

	ww := m.snapshot.WakeWord
	var wake string
	switch {
	case !ww.Enabled:
		wake = DimStyle.Render("voice activation off")
	case ww.Connected:
		wake = "voice activation on"
	case ww.RetryCount > 0:
		wake = DimStyle.Render(fmt.Sprintf("voice activation retrying (%d)", ww.RetryCount))
	default:
		wake = DimStyle.Render("voice activation connecting")
	}
	if ww.Error != "" {
		wake += " " + ErrorStyle.Render(ww.Error)
	}
	return title + "  " + wake
}

func (m Model) renderCall() []string {
	call := m.snapshot.Call
	var lines []string

	var dot string
	switch {
	case call.Connecting:
		dot = IdleDotStyle.Render("◌ CONNECTING")
	case call.IsListening:
		dot = ListeningDotStyle.Render("● PROTECTING")
	default:
		dot = IdleDotStyle.Render("○ IDLE")
	}
	status := call.Status
	if status == "" {
		status = entities.RiskStatusSafe
	}
	line := dot + "  " + StatusStyle(status).Render(strings.ToUpper(string(status))) +
		fmt.Sprintf("  risk %.0f  confidence %.0f", call.RiskScore, call.ConfidenceScore)
	if call.PeakRiskScore > call.RiskScore {
		line += DimStyle.Render(fmt.Sprintf("  peak %.0f", call.PeakRiskScore))
	}
	if call.CallerPhoneNumber != "" {
		line += "  " + call.CallerPhoneNumber
	}
	lines = append(lines, line)

	if call.AlertSent {
		lines = append(lines, ErrorStyle.Render("Trusted contacts have been alerted"))
	}
	if call.Error != "" {
		lines = append(lines, ErrorStyle.Render(call.Error))
	}
	if m.lastEnded != "" {
		lines = append(lines, DimStyle.Render(m.lastEnded))
	}

	if call.Reasoning != "" {
		lines = append(lines, "", PanelTitleStyle.Render("Why"), call.Reasoning)
	}

	if len(call.SuggestedQuestions) > 0 {
		lines = append(lines, "", PanelTitleStyle.Render("Ask them"))
		for _, q := range call.SuggestedQuestions {
			lines = append(lines, "  • "+q)
		}
	}

	lines = append(lines, "", PanelTitleStyle.Render("Transcript"))
	segments := call.Transcript
	if len(segments) == 0 {
		lines = append(lines, DimStyle.Render("  nothing yet"))
	}
	if len(segments) > transcriptLines {
		segments = segments[len(segments)-transcriptLines:]
	}
	for _, seg := range segments {
		lines = append(lines, renderSegment(seg))
	}
	return lines
}

func renderSegment(seg entities.TranscriptSegment) string {
	if seg.Speaker == entities.SpeakerCaller {
		return CallerStyle.Render("Caller: ") + seg.Text
	}
	return UserStyle.Render("You:    ") + seg.Text
}

func (m Model) renderFooter() string {
	keys := []struct{ key, desc string }{
		{KeyStartCall, "start"},
		{KeyEndCall, "stop"},
		{KeyClear, "clear"},
		{KeyDismissFirst, "dismiss"},
		{KeyToggleWake, "voice"},
		{KeyQuit, "quit"},
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, FooterKeyStyle.Render(k.key)+" "+FooterDescStyle.Render(k.desc))
	}
	return strings.Join(parts, "  ")
}
