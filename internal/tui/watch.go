// Package tui renders a live view of a running job in the terminal.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jackzampolin/tome/internal/api"
	"github.com/jackzampolin/tome/internal/checkpoint"
	"github.com/jackzampolin/tome/internal/jobs"
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	successStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	logStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			PaddingLeft(2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)
)

// logLines is how many recent log lines the view keeps.
const logLines = 6

// LogPollInterval is how often the view fetches new log lines.
var LogPollInterval = 2 * time.Second

// Update is the part of a job snapshot or progress event the view shows.
// Snapshots carry eta_phase_seconds, events carry eta_seconds.
type Update struct {
	JobID    string   `json:"job_id"`
	Status   string   `json:"status"`
	Phase    int      `json:"current_phase"`
	Progress float64  `json:"progress_percentage"`
	Message  string   `json:"message"`
	ETA      *float64 `json:"eta_seconds,omitempty"`
	ETAPhase *float64 `json:"eta_phase_seconds,omitempty"`
	ETATotal *float64 `json:"eta_total_seconds,omitempty"`
	PDFPath  string   `json:"pdf_path,omitempty"`
}

// Terminal reports whether the job has stopped.
func (u Update) Terminal() bool {
	return jobs.Status(u.Status).Terminal()
}

func (u Update) phaseETA() *float64 {
	if u.ETA != nil {
		return u.ETA
	}
	return u.ETAPhase
}

type updateMsg Update

type logsMsg jobs.LogPage

type streamEndMsg struct{ err error }

type pollMsg struct{}

// Model is the bubbletea model behind Watch.
type Model struct {
	jobID  string
	client *api.Client
	ctx    context.Context
	msgs   chan tea.Msg

	bar     progress.Model
	spinner spinner.Model
	last    Update
	logs    []jobs.LogLine
	cursor  int
	err     error
	done    bool
}

// NewModel creates a model that follows jobID through client.
func NewModel(ctx context.Context, client *api.Client, jobID string) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)
	return Model{
		jobID:   jobID,
		client:  client,
		ctx:     ctx,
		msgs:    make(chan tea.Msg, 64),
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(50)),
		spinner: sp,
		last:    Update{JobID: jobID},
	}
}

// Last returns the most recent job state seen.
func (m Model) Last() Update {
	return m.last
}

// Err returns the error that ended the stream, if any.
func (m Model) Err() error {
	return m.err
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	if m.client == nil {
		return m.spinner.Tick
	}
	go m.stream()
	return tea.Batch(m.spinner.Tick, m.next(), m.fetchLogs())
}

// stream forwards the job's SSE stream into the message channel.
func (m Model) stream() {
	path := "/api/v1/jobs/" + m.jobID + "/progress"
	err := m.client.Stream(m.ctx, path, func(ev api.ServerEvent) error {
		var u Update
		if err := json.Unmarshal(ev.Data, &u); err != nil {
			return fmt.Errorf("decode %s event: %w", ev.Event, err)
		}
		select {
		case m.msgs <- updateMsg(u):
		case <-m.ctx.Done():
			return m.ctx.Err()
		}
		return nil
	})
	select {
	case m.msgs <- streamEndMsg{err: err}:
	case <-m.ctx.Done():
	}
}

// next waits for the next message from the stream.
func (m Model) next() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-m.msgs:
			return msg
		case <-m.ctx.Done():
			return streamEndMsg{err: m.ctx.Err()}
		}
	}
}

func (m Model) fetchLogs() tea.Cmd {
	cursor := m.cursor
	return func() tea.Msg {
		var page jobs.LogPage
		path := fmt.Sprintf("/api/v1/jobs/%s/logs?cursor=%d&limit=%d", m.jobID, cursor, jobs.DefaultLogLimit)
		if err := m.client.Get(m.ctx, path, &page); err != nil {
			return pollMsg{}
		}
		return logsMsg(page)
	}
}

func poll() tea.Cmd {
	return tea.Tick(LogPollInterval, func(time.Time) tea.Msg { return pollMsg{} })
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.done = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.bar.Width = min(max(msg.Width-20, 20), 80)

	case updateMsg:
		m.last = Update(msg)
		if m.last.Terminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, m.next()

	case streamEndMsg:
		m.err = msg.err
		m.done = true
		return m, tea.Quit

	case logsMsg:
		m.cursor = msg.NextCursor
		m.logs = append(m.logs, msg.Logs...)
		if len(m.logs) > logLines {
			m.logs = m.logs[len(m.logs)-logLines:]
		}
		return m, poll()

	case pollMsg:
		if m.done || m.client == nil {
			return m, nil
		}
		return m, m.fetchLogs()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	u := m.last

	fmt.Fprintf(&b, "%s %s\n\n", titleStyle.Render("tome"), labelStyle.Render("job "+m.jobID))

	phase := "waiting"
	if u.Phase > 0 {
		phase = fmt.Sprintf("%d/%d %s", u.Phase, checkpoint.LastPhase, checkpoint.PhaseName(u.Phase))
	}
	status := u.Status
	if status == "" {
		status = "connecting"
	}
	switch jobs.Status(status) {
	case jobs.StatusCompleted:
		status = successStyle.Render(status)
	case jobs.StatusFailed:
		status = errorStyle.Render(status)
	default:
		status = m.spinner.View() + " " + status
	}
	fmt.Fprintf(&b, "%s %s   %s %s\n", labelStyle.Render("phase"), phase, labelStyle.Render("status"), status)
	fmt.Fprintf(&b, "%s %5.1f%%\n", m.bar.ViewAs(u.Progress/100), u.Progress)

	if eta := u.phaseETA(); eta != nil {
		fmt.Fprintf(&b, "%s %s", labelStyle.Render("phase eta"), formatETA(*eta))
		if u.ETATotal != nil {
			fmt.Fprintf(&b, "   %s %s", labelStyle.Render("total eta"), formatETA(*u.ETATotal))
		}
		b.WriteString("\n")
	}
	if u.Message != "" {
		fmt.Fprintf(&b, "\n%s\n", u.Message)
	}
	if u.PDFPath != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("artifact"), u.PDFPath)
	}

	if len(m.logs) > 0 {
		b.WriteString("\n")
		for _, l := range m.logs {
			b.WriteString(logStyle.Render(fmt.Sprintf("%s %-5s %s", l.Timestamp.Format("15:04:05"), l.Level, l.Message)))
			b.WriteString("\n")
		}
	}
	if m.err != nil {
		fmt.Fprintf(&b, "\n%s\n", errorStyle.Render(m.err.Error()))
	}
	if !m.done {
		b.WriteString("\n" + helpStyle.Render("q to detach (the job keeps running)") + "\n")
	}
	return b.String()
}

func formatETA(s float64) string {
	return (time.Duration(s) * time.Second).String()
}

// Watch follows jobID until it reaches a terminal state or the user quits,
// and returns the last state seen.
func Watch(ctx context.Context, client *api.Client, jobID string) (Update, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	final, err := tea.NewProgram(NewModel(ctx, client, jobID), tea.WithContext(ctx)).Run()
	if err != nil {
		return Update{}, err
	}
	m := final.(Model)
	if m.err != nil && ctx.Err() == nil {
		return m.last, m.err
	}
	return m.last, nil
}
