package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mpataki/towerops/internal/models"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewHistory
	ViewSpecs
)

const requestTimeout = 30 * time.Second

// RunSource lists runs tagged with the query label. *tower.Client satisfies it.
type RunSource interface {
	ListWorkflows(ctx context.Context, workspaceID int64, search string) ([]models.Run, error)
}

// AttemptSource reads the launch journal. *storage.Storage satisfies it.
type AttemptSource interface {
	ListAttempts(ctx context.Context, limit int) ([]*models.Attempt, error)
}

type Options struct {
	WorkspaceID int64
	QueryLabel  string
	Refresh     time.Duration
	Specs       map[string]*models.Definition
}

type App struct {
	runs     RunSource
	journal  AttemptSource
	opts     Options
	spinner  spinner.Model
	loading  bool
	lastLoad time.Time

	view        View
	runList     []models.Run
	attempts    []*models.Attempt
	selectedIdx int
	selectedRun *models.Run

	width  int
	height int
	err    error
}

func NewApp(runs RunSource, journal AttemptSource, opts Options) *App {
	if opts.Refresh <= 0 {
		opts.Refresh = 30 * time.Second
	}
	return &App{
		runs:    runs,
		journal: journal,
		opts:    opts,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(statusRunning)),
		loading: true,
		view:    ViewRunList,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.spinner.Tick, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(a.opts.Refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasActiveRuns() bool {
	for _, run := range a.runList {
		if !run.State.IsTerminal() {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case spinner.TickMsg:
		if !a.loading {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case runsLoadedMsg:
		a.loading = false
		a.err = msg.err
		if msg.err == nil {
			a.runList = msg.runs
			a.lastLoad = time.Now()
			if a.selectedIdx >= len(a.runList) {
				a.selectedIdx = max(len(a.runList)-1, 0)
			}
		}
		return a, nil

	case tickMsg:
		// Finished runs never change, so only poll while something is active.
		if a.view == ViewRunList && (a.hasActiveRuns() || len(a.runList) == 0) && !a.loading {
			a.loading = true
			return a, tea.Batch(a.loadRuns, a.spinner.Tick, a.tickCmd())
		}
		return a, a.tickCmd()

	case attemptsLoadedMsg:
		a.attempts = msg.attempts
		a.err = msg.err
		if msg.err == nil {
			a.view = ViewHistory
		}
		return a, nil
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail, ViewHistory, ViewSpecs:
		return a.handleBackKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runList)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.runList) > 0 && a.selectedIdx < len(a.runList) {
			run := a.runList[a.selectedIdx]
			a.selectedRun = &run
			a.view = ViewRunDetail
		}

	case "r":
		if !a.loading {
			a.loading = true
			return a, tea.Batch(a.loadRuns, a.spinner.Tick)
		}

	case "h":
		if a.journal != nil {
			return a, a.loadAttempts
		}

	case "s":
		a.view = ViewSpecs
	}

	return a, nil
}

func (a *App) handleBackKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil

	case "ctrl+c":
		return a, tea.Quit
	}
	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewHistory:
		return a.viewHistory()
	case ViewSpecs:
		return a.viewSpecs()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusSucceeded = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusCancelled = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusPending   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("towerops") + "  " + dimStyle.Render("label:"+a.opts.QueryLabel)
	if a.loading {
		s += "  " + a.spinner.View()
	} else if !a.lastLoad.IsZero() {
		s += "  " + dimStyle.Render("updated "+a.lastLoad.Format("15:04:05"))
	}
	s += "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}

	if len(a.runList) == 0 {
		if !a.loading {
			s += "No runs tagged with this label yet.\n"
		}
	} else {
		s += "Runs\n"
		s += "────\n"

		for i, run := range a.runList {
			line := a.formatRunLine(run)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if run.State.IsTerminal() {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [h] history  [s] specs  [r] refresh  [q] quit")

	return s
}

func (a *App) formatRunLine(run models.Run) string {
	status := formatState(run.State)
	age := formatAge(run.SubmittedAt)
	return fmt.Sprintf("%-8s %-28s %s  %-4s  %s", run.ID, truncate(run.RunName, 28), status, age, truncate(run.PipelineName, 30))
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func formatState(state models.RunState) string {
	switch state {
	case models.RunStateSubmitted:
		return statusPending.Render("○ submitted")
	case models.RunStateRunning:
		return statusRunning.Render("● running  ")
	case models.RunStateSucceeded:
		return statusSucceeded.Render("✓ succeeded")
	case models.RunStateFailed:
		return statusFailed.Render("✗ failed   ")
	case models.RunStateCancelled:
		return statusCancelled.Render("⊘ cancelled")
	default:
		return statusPending.Render("? unknown  ")
	}
}

func (a *App) viewRunDetail() string {
	if a.selectedRun == nil {
		return "No run selected"
	}

	run := a.selectedRun
	s := titleStyle.Render("Run "+run.ID+": "+run.RunName) + "  " + formatState(run.State) + "\n\n"

	s += labelStyle.Render("Pipeline:  ") + run.PipelineName + "\n"
	if run.Repository != "" {
		s += labelStyle.Render("Repo:      ") + dimStyle.Render(run.Repository) + "\n"
	}
	s += labelStyle.Render("Session:   ") + run.SessionID + "\n"
	s += labelStyle.Render("Work dir:  ") + dimStyle.Render(run.WorkDir) + "\n"
	s += labelStyle.Render("Submitted: ") + formatTime(run.SubmittedAt) + "\n"
	if run.CompletedAt != nil {
		s += labelStyle.Render("Completed: ") + formatTime(*run.CompletedAt) +
			dimStyle.Render("  ("+formatDuration(run.CompletedAt.Sub(run.SubmittedAt))+")") + "\n"
	} else if !run.SubmittedAt.IsZero() {
		s += labelStyle.Render("Elapsed:   ") + statusRunning.Render(formatDuration(time.Since(run.SubmittedAt))+"...") + "\n"
	}

	if len(run.Labels) > 0 {
		names := make([]string, 0, len(run.Labels))
		for _, l := range run.Labels {
			name := l.Name
			if l.Value != "" {
				name += "=" + l.Value
			}
			names = append(names, name)
		}
		s += labelStyle.Render("Labels:    ") + strings.Join(names, ", ") + "\n"
	}

	s += "\n" + helpStyle.Render("[esc] back")

	return s
}

func (a *App) viewHistory() string {
	s := titleStyle.Render("Launch history") + "\n\n"

	if len(a.attempts) == 0 {
		s += "(no attempts recorded)\n"
	}
	for _, at := range a.attempts {
		status := statusPending.Render("○ " + string(at.Status))
		switch at.Status {
		case models.AttemptSubmitted:
			status = statusSucceeded.Render("✓ " + string(at.Status))
		case models.AttemptFailed:
			status = statusFailed.Render("✗ " + string(at.Status))
		}
		line := fmt.Sprintf("%s  %-28s %s  %s", formatTime(at.StartedAt), truncate(at.RunName, 28), status, at.RunID)
		if at.Error != "" {
			line += "  " + dimStyle.Render(truncate(at.Error, 60))
		}
		s += line + "\n"
	}

	s += "\n" + helpStyle.Render("[esc] back")
	return s
}

func (a *App) viewSpecs() string {
	s := titleStyle.Render("Launch definitions") + "\n\n"

	names := make([]string, 0, len(a.opts.Specs))
	for name := range a.opts.Specs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := a.opts.Specs[name]
		s += fmt.Sprintf("  • %-24s %s", name, dimStyle.Render(def.Launch.Pipeline))
		if def.Description != "" {
			s += "  " + def.Description
		}
		s += "\n"
	}
	if len(names) == 0 {
		s += "  (no specs found)\n"
	}

	s += "\n" + helpStyle.Render("launch with: towerops launch <name>   [esc] back")
	return s
}

// Messages

type runsLoadedMsg struct {
	runs []models.Run
	err  error
}

type attemptsLoadedMsg struct {
	attempts []*models.Attempt
	err      error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	runs, err := a.runs.ListWorkflows(ctx, a.opts.WorkspaceID, "label:"+a.opts.QueryLabel)
	if err != nil {
		return runsLoadedMsg{err: err}
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].SubmittedAt.After(runs[j].SubmittedAt)
	})
	return runsLoadedMsg{runs: runs}
}

func (a *App) loadAttempts() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	attempts, err := a.journal.ListAttempts(ctx, 50)
	return attemptsLoadedMsg{attempts: attempts, err: err}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
