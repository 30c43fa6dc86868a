// Package tui provides a terminal progress view for the orchestrator. It
// subscribes to the Event Bus and renders feature counts, active workers,
// and a scrolling log tail — a smaller, single-screen counterpart to the
// teacher's multi-tab Agents/Tasks/Logs TUI, sized to what the Scheduler
// Loop actually reports.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/featureforge/orchestrator/internal/orchestrator"
)

const maxLogLines = 200

// EventMsg wraps an orchestrator.Event so it can travel through
// bubbletea's Update loop as a tea.Msg.
type EventMsg orchestrator.Event

// workerRow is the TUI's view of one currently-running worker.
type workerRow struct {
	role      string
	featureID int64
	pid       int
	startedAt time.Time
}

// App is the bubbletea model for the progress view.
type App struct {
	total       int
	passing     int
	running     int
	quarantined int

	workers map[int]workerRow // keyed by PID
	logs    []string

	started  bool
	stopped  bool
	stopMsg  string
	quitting bool

	width, height int

	bar progress.Model

	headerStyle lipgloss.Style
	dimStyle    lipgloss.Style
	okStyle     lipgloss.Style
	warnStyle   lipgloss.Style
	errStyle    lipgloss.Style
}

// New creates an empty App ready to receive EventMsg values.
func New() *App {
	return &App{
		workers: make(map[int]workerRow),
		logs:    make([]string, 0, maxLogLines),

		bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),

		headerStyle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("75")),
		dimStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		okStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("28")).Bold(true),
		warnStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("178")),
		errStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			a.quitting = true
			return a, tea.Quit
		}

	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height

	case EventMsg:
		a.apply(orchestrator.Event(msg))
	}
	return a, nil
}

func (a *App) apply(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventOrchestratorStarted:
		a.started = true
		a.appendLog("orchestrator started")

	case orchestrator.EventOrchestratorStopped:
		a.stopped = true
		a.stopMsg = ev.Reason
		a.appendLog("orchestrator stopped: " + ev.Reason)

	case orchestrator.EventConfigClamped:
		a.appendLog(a.warnStyle.Render("config clamped: " + ev.Reason))

	case orchestrator.EventProgressSummary:
		a.total, a.passing, a.running, a.quarantined = ev.Total, ev.Passing, ev.Running, ev.Quarantined

	case orchestrator.EventWorkerSpawned:
		a.workers[ev.PID] = workerRow{
			role:      string(ev.Role),
			featureID: ev.FeatureID,
			pid:       ev.PID,
			startedAt: time.Now(),
		}
		a.appendLog(fmt.Sprintf("spawned %s worker pid=%d feature=%d", ev.Role, ev.PID, ev.FeatureID))

	case orchestrator.EventWorkerCompleted:
		if _, ok := a.workers[ev.PID]; ok {
			delete(a.workers, ev.PID)
		} else {
			// Completion events from the Scheduler Loop carry no PID; match
			// the row by role and feature instead.
			for pid, w := range a.workers {
				if w.role == string(ev.Role) && w.featureID == ev.FeatureID {
					delete(a.workers, pid)
					break
				}
			}
		}
		line := fmt.Sprintf("%s worker feature=%d exit=%d outcome=%s", ev.Role, ev.FeatureID, ev.ExitCode, ev.Outcome)
		if ev.Outcome == "fail" {
			a.appendLog(a.errStyle.Render(line))
		} else {
			a.appendLog(line)
		}

	case orchestrator.EventWorkerOutputLine:
		a.appendLog(a.dimStyle.Render(fmt.Sprintf("[%d] %s", ev.FeatureID, ev.Line)))

	case orchestrator.EventFeatureStateChanged:
		a.appendLog(fmt.Sprintf("feature %d: %s -> %s", ev.FeatureID, ev.OldState, ev.NewState))
	}
}

func (a *App) appendLog(line string) {
	a.logs = append(a.logs, line)
	if len(a.logs) > maxLogLines {
		a.logs = a.logs[len(a.logs)-maxLogLines:]
	}
}

// View implements tea.Model.
func (a *App) View() string {
	if a.quitting {
		return "\n"
	}

	header := a.headerStyle.Render("orchestrator") + "  " + a.progressBar()
	body := a.viewWorkers() + "\n" + a.viewLogs()
	footer := a.viewFooter()

	return fmt.Sprintf("%s\n\n%s\n%s", header, body, footer)
}

func (a *App) progressBar() string {
	if a.total == 0 {
		return a.dimStyle.Render("no features yet")
	}
	percent := float64(a.passing) / float64(a.total)
	return fmt.Sprintf("%s %d/%d passing, %d running, %d quarantined",
		a.bar.ViewAs(percent), a.passing, a.total, a.running, a.quarantined)
}

func (a *App) viewWorkers() string {
	if len(a.workers) == 0 {
		return a.dimStyle.Render("no active workers")
	}
	out := a.headerStyle.Render("workers") + "\n"
	for _, w := range a.workers {
		out += fmt.Sprintf("  %-10s pid=%-8d feature=%-6d up %s\n", w.role, w.pid, w.featureID, time.Since(w.startedAt).Round(time.Second))
	}
	return out
}

func (a *App) viewLogs() string {
	out := a.headerStyle.Render("log") + "\n"
	start := 0
	visible := 15
	if a.height > 0 {
		visible = a.height - 12
		if visible < 5 {
			visible = 5
		}
	}
	if len(a.logs) > visible {
		start = len(a.logs) - visible
	}
	for _, line := range a.logs[start:] {
		out += "  " + line + "\n"
	}
	return out
}

func (a *App) viewFooter() string {
	if a.stopped {
		if a.stopMsg == "all features resolved" {
			return a.okStyle.Render("done: " + a.stopMsg + " | q to exit")
		}
		return a.warnStyle.Render("stopped: " + a.stopMsg + " | q to exit")
	}
	return a.dimStyle.Render("q to request stop")
}

// NewProgram wires a fresh App to an EventBus subscription and returns a
// ready-to-run *tea.Program. The caller is responsible for calling
// program.Run() and, on the returned error or normal exit, unsubscribing.
func NewProgram(bus *orchestrator.EventBus) (*tea.Program, func()) {
	app := New()
	program := tea.NewProgram(app, tea.WithAltScreen())

	sub := bus.Subscribe()
	stopPump := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				program.Send(EventMsg(ev))
			case <-stopPump:
				return
			}
		}
	}()

	cleanup := func() {
		close(stopPump)
		bus.Unsubscribe(sub)
	}
	return program, cleanup
}
