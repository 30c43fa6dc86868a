package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/featureforge/orchestrator/internal/proc"
	"github.com/featureforge/orchestrator/internal/store"
	"github.com/featureforge/orchestrator/pkg/models"
)

func initializerOpts(workerCommand string, workerArgs []string, timeout time.Duration) []Option {
	return []Option{
		WithWorkerCommand(workerCommand, workerArgs...),
		WithInitializerTimeout(timeout),
		WithLogger(NopLogger()),
	}
}

// setHelperEnv arranges for the re-exec'd helper process (see TestMain in
// scheduler_test.go) to run in "initializer" mode against dbPath.
// RunInitializer's Spawn call builds the child's Env from this test
// process's os.Environ(), so setting it here with t.Setenv is enough.
func setHelperEnv(t *testing.T, dbPath, outcome string) {
	t.Helper()
	t.Setenv("ORCHESTRATOR_HELPER_PROCESS", "1")
	t.Setenv("ORCHESTRATOR_TEST_DB", dbPath)
	t.Setenv("ORCHESTRATOR_TEST_OUTCOME", outcome)
}

func TestRunInitializer_SkipsWhenStoreNonEmpty(t *testing.T) {
	db := newFeatureStore(t)
	ctx := context.Background()
	db.InsertBulk(ctx, []models.Feature{{Name: "already here"}})

	sup := proc.New(time.Second)
	bus := NewEventBus(8)
	opts := initializerOpts("command-that-must-not-run", nil, time.Second)

	if err := RunInitializer(ctx, db, sup, bus, opts...); err != nil {
		t.Fatalf("expected nil error for a non-empty store, got %v", err)
	}
}

func TestRunInitializer_PopulatesStoreSucceeds(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	setHelperEnv(t, dbPath, "init:populate")

	sup := proc.New(time.Second)
	bus := NewEventBus(8)
	opts := initializerOpts(exe, []string{"-test.run=^TestMain$"}, 10*time.Second)

	ctx := context.Background()
	if err := RunInitializer(ctx, db, sup, bus, opts...); err != nil {
		t.Fatalf("RunInitializer: %v", err)
	}

	snap, err := db.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Features) == 0 {
		t.Fatal("expected the initializer to have populated the store")
	}
}

func TestRunInitializer_NonZeroExitIsFatal(t *testing.T) {
	db := newFeatureStore(t)
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	setHelperEnv(t, "", "init:fail")

	sup := proc.New(time.Second)
	bus := NewEventBus(8)
	opts := initializerOpts(exe, []string{"-test.run=^TestMain$"}, 10*time.Second)

	ctx := context.Background()
	if err := RunInitializer(ctx, db, sup, bus, opts...); err == nil {
		t.Fatal("expected a fatal error from a nonzero initializer exit")
	}
}

func TestRunInitializer_ExitsZeroButStoreStaysEmpty(t *testing.T) {
	db := newFeatureStore(t)
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	setHelperEnv(t, "", "init:noop")

	sup := proc.New(time.Second)
	bus := NewEventBus(8)
	opts := initializerOpts(exe, []string{"-test.run=^TestMain$"}, 10*time.Second)

	ctx := context.Background()
	err = RunInitializer(ctx, db, sup, bus, opts...)
	if !errors.Is(err, ErrInitializerProducedNothing) {
		t.Fatalf("expected ErrInitializerProducedNothing, got %v", err)
	}
}

func TestRunInitializer_TimeoutIsFatal(t *testing.T) {
	db := newFeatureStore(t)
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	setHelperEnv(t, "", "init:hang")

	sup := proc.New(50 * time.Millisecond)
	bus := NewEventBus(8)
	opts := initializerOpts(exe, []string{"-test.run=^TestMain$"}, 100*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err = RunInitializer(ctx, db, sup, bus, opts...)
	if err == nil {
		t.Fatal("expected a fatal error when the initializer is killed after its deadline")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("expected the deadline to cut the hang short, took %s", elapsed)
	}
}
