package tui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/featureforge/orchestrator/internal/orchestrator"
	"github.com/featureforge/orchestrator/pkg/models"
)

func TestApp_ProgressSummaryUpdatesCounts(t *testing.T) {
	a := New()
	model, _ := a.Update(EventMsg(orchestrator.Event{
		Type: orchestrator.EventProgressSummary, Total: 10, Passing: 4, Running: 2, Quarantined: 1,
	}))
	app := model.(*App)
	if app.total != 10 || app.passing != 4 || app.running != 2 || app.quarantined != 1 {
		t.Fatalf("unexpected state: %+v", app)
	}
}

func TestApp_WorkerSpawnedThenCompletedRemovesRow(t *testing.T) {
	a := New()
	model, _ := a.Update(EventMsg(orchestrator.Event{
		Type: orchestrator.EventWorkerSpawned, Role: "coding", FeatureID: 5, PID: 999,
	}))
	app := model.(*App)
	if _, ok := app.workers[999]; !ok {
		t.Fatal("expected worker row for pid 999 after spawn")
	}

	model, _ = app.Update(EventMsg(orchestrator.Event{
		Type: orchestrator.EventWorkerCompleted, Role: "coding", FeatureID: 5, PID: 999, Outcome: models.OutcomePass,
	}))
	app = model.(*App)
	if _, ok := app.workers[999]; ok {
		t.Fatal("expected worker row removed after completion")
	}
}

func TestApp_QuitKeyReturnsQuitCommand(t *testing.T) {
	a := New()
	_, cmd := a.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected a non-nil command for the quit key")
	}
	if !a.quitting {
		t.Fatal("expected quitting to be set")
	}
}

func TestApp_ViewRendersWithoutPanicking(t *testing.T) {
	a := New()
	a.apply(orchestrator.Event{Type: orchestrator.EventOrchestratorStarted})
	a.apply(orchestrator.Event{Type: orchestrator.EventProgressSummary, Total: 3, Passing: 1})
	a.apply(orchestrator.Event{Type: orchestrator.EventWorkerSpawned, Role: "coding", FeatureID: 2, PID: 42})
	a.apply(orchestrator.Event{Type: orchestrator.EventWorkerOutputLine, FeatureID: 2, Line: "compiling..."})

	if out := a.View(); out == "" {
		t.Fatal("expected non-empty view output")
	}
}

func TestApp_LogBufferIsBounded(t *testing.T) {
	a := New()
	for i := 0; i < maxLogLines+50; i++ {
		a.appendLog("line")
	}
	if len(a.logs) != maxLogLines {
		t.Fatalf("expected log buffer capped at %d, got %d", maxLogLines, len(a.logs))
	}
}
