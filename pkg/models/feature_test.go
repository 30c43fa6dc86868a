package models

import (
	"testing"
	"time"
)

func snapshotOf(features ...Feature) Snapshot {
	return Snapshot{Features: features, TakenAt: time.Now()}
}

func TestSnapshotReady_NoDeps(t *testing.T) {
	snap := snapshotOf(Feature{ID: 1})
	if !snap.Ready(snap.ByID(1)) {
		t.Fatal("feature with no dependencies should be ready")
	}
}

func TestSnapshotReady_PassingOrRunningIsNotReady(t *testing.T) {
	snap := snapshotOf(
		Feature{ID: 1, Passes: true},
		Feature{ID: 2, Running: true},
	)
	if snap.Ready(snap.ByID(1)) {
		t.Error("a passing feature must not be ready")
	}
	if snap.Ready(snap.ByID(2)) {
		t.Error("a running feature must not be ready")
	}
}

func TestSnapshotReady_UnsatisfiedDependencyBlocks(t *testing.T) {
	snap := snapshotOf(
		Feature{ID: 1, Passes: false},
		Feature{ID: 2, Dependencies: []int64{1}},
	)
	if snap.Ready(snap.ByID(2)) {
		t.Error("feature depending on a non-passing feature must not be ready")
	}
}

func TestSnapshotReady_SatisfiedDependencyUnblocks(t *testing.T) {
	snap := snapshotOf(
		Feature{ID: 1, Passes: true},
		Feature{ID: 2, Dependencies: []int64{1}},
	)
	if !snap.Ready(snap.ByID(2)) {
		t.Error("feature depending on a passing feature should be ready")
	}
}

func TestSnapshotReady_OrphanEdgeIgnored(t *testing.T) {
	snap := snapshotOf(Feature{ID: 5, Dependencies: []int64{999}})
	if !snap.Ready(snap.ByID(5)) {
		t.Error("dependency on a non-existent feature id must be ignored, not block readiness")
	}
}

func TestFeature_DependsOn(t *testing.T) {
	f := Feature{ID: 1, Dependencies: []int64{2, 3}}
	if !f.DependsOn(2) {
		t.Error("expected DependsOn(2) to be true")
	}
	if f.DependsOn(4) {
		t.Error("expected DependsOn(4) to be false")
	}
}
