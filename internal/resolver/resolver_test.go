package resolver

import (
	"testing"
	"time"

	"github.com/featureforge/orchestrator/pkg/models"
)

func snapOf(features ...models.Feature) models.Snapshot {
	return models.Snapshot{Features: features, TakenAt: time.Now()}
}

func TestReadyIDs_ExcludesPassingAndRunning(t *testing.T) {
	snap := snapOf(
		models.Feature{ID: 1},
		models.Feature{ID: 2, Passes: true},
		models.Feature{ID: 3, Running: true},
	)
	ready := ReadyIDs(snap)
	if len(ready) != 1 || ready[0] != 1 {
		t.Fatalf("expected only id 1 ready, got %v", ready)
	}
}

func TestReadyIDs_OrphanEdgeTolerance(t *testing.T) {
	snap := snapOf(models.Feature{ID: 1, Dependencies: []int64{404}})
	ready := ReadyIDs(snap)
	if len(ready) != 1 || ready[0] != 1 {
		t.Fatalf("expected id 1 ready despite orphan dependency, got %v", ready)
	}
}

func TestReadyIDs_BlockedByUnsatisfiedDependency(t *testing.T) {
	snap := snapOf(
		models.Feature{ID: 1},
		models.Feature{ID: 2, Dependencies: []int64{1}},
	)
	ready := ReadyIDs(snap)
	if len(ready) != 1 || ready[0] != 1 {
		t.Fatalf("expected only id 1 ready, got %v", ready)
	}
}

func TestResumableIDs_OnlyRunningNotPassing(t *testing.T) {
	snap := snapOf(
		models.Feature{ID: 1, Running: true, Passes: false},
		models.Feature{ID: 2, Running: true, Passes: true},
		models.Feature{ID: 3, Running: false},
	)
	resumable := ResumableIDs(snap)
	if len(resumable) != 1 || resumable[0] != 1 {
		t.Fatalf("expected only id 1 resumable, got %v", resumable)
	}
}

func TestSchedulingScore_Formula(t *testing.T) {
	snap := snapOf(
		models.Feature{ID: 1, Priority: 5, SkipCount: 2},
		models.Feature{ID: 2, Dependencies: []int64{1}},
		models.Feature{ID: 3, Dependencies: []int64{1}},
	)
	got := SchedulingScore(snap, 1)
	want := (1000 - 5) + 100*2 - 10*2
	if got != want {
		t.Fatalf("SchedulingScore() = %d, want %d", got, want)
	}
}

func TestSchedulingScore_UnknownIDIsZero(t *testing.T) {
	snap := snapOf(models.Feature{ID: 1})
	if got := SchedulingScore(snap, 999); got != 0 {
		t.Fatalf("expected 0 for unknown id, got %d", got)
	}
}

func TestSortByScore_TiesBreakByPriorityThenID(t *testing.T) {
	snap := snapOf(
		models.Feature{ID: 3, Priority: 1},
		models.Feature{ID: 2, Priority: 1},
		models.Feature{ID: 1, Priority: 0},
	)
	ordered := SortByScore(snap, []int64{3, 2, 1})
	want := []int64{1, 2, 3}
	for i, id := range want {
		if ordered[i] != id {
			t.Fatalf("SortByScore() = %v, want %v", ordered, want)
		}
	}
}

func TestSortByScore_HigherScoreFirst(t *testing.T) {
	snap := snapOf(
		models.Feature{ID: 1, Priority: 10},
		models.Feature{ID: 2, Priority: 0},
	)
	ordered := SortByScore(snap, []int64{1, 2})
	if ordered[0] != 2 {
		t.Fatalf("expected lower-priority (higher score) feature first, got %v", ordered)
	}
}

func TestWouldCreateCycle_DetectsDirectCycle(t *testing.T) {
	snap := snapOf(
		models.Feature{ID: 1, Dependencies: []int64{2}},
		models.Feature{ID: 2},
	)
	if !WouldCreateCycle(snap, 2, 1) {
		t.Error("expected adding 2->1 to complete a cycle")
	}
}

func TestWouldCreateCycle_DetectsSelfEdge(t *testing.T) {
	snap := snapOf(models.Feature{ID: 1})
	if !WouldCreateCycle(snap, 1, 1) {
		t.Error("expected self-edge to be a cycle")
	}
}

func TestWouldCreateCycle_AllowsDAGEdge(t *testing.T) {
	snap := snapOf(
		models.Feature{ID: 1},
		models.Feature{ID: 2},
		models.Feature{ID: 3},
	)
	if WouldCreateCycle(snap, 3, 1) {
		t.Error("did not expect a cycle for an unrelated new edge")
	}
}

func TestWouldCreateCycle_TransitiveCycle(t *testing.T) {
	snap := snapOf(
		models.Feature{ID: 1, Dependencies: []int64{2}},
		models.Feature{ID: 2, Dependencies: []int64{3}},
		models.Feature{ID: 3},
	)
	if !WouldCreateCycle(snap, 3, 1) {
		t.Error("expected transitive cycle 3->1->2->3 to be detected")
	}
}
