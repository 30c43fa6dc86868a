package proc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/featureforge/orchestrator/pkg/models"
)

func TestSpawn_CapturesOutputLinesAndExitCode(t *testing.T) {
	sup := New(2 * time.Second)

	var mu sync.Mutex
	var lines []string
	exitCh := make(chan int, 1)

	_, err := sup.Spawn(context.Background(), SpawnOptions{
		Role:      models.RoleCoding,
		FeatureID: 1,
		Command:   "sh",
		Args:      []string{"-c", "echo one; echo two; exit 0"},
		OnLine: func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
		OnExit: func(exitCode int, killedByTimeout bool) {
			exitCh <- exitCode
		},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case code := <-exitCh:
		if code != 0 {
			t.Fatalf("expected exit code 0, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit callback")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestSpawn_NonZeroExitIsNotFatal(t *testing.T) {
	sup := New(2 * time.Second)
	exitCh := make(chan int, 1)

	_, err := sup.Spawn(context.Background(), SpawnOptions{
		Role:      models.RoleTesting,
		FeatureID: 2,
		Command:   "sh",
		Args:      []string{"-c", "exit 7"},
		OnExit:    func(exitCode int, killedByTimeout bool) { exitCh <- exitCode },
	})
	if err != nil {
		t.Fatalf("Spawn returned error for a spawnable-but-failing command: %v", err)
	}

	select {
	case code := <-exitCh:
		if code != 7 {
			t.Fatalf("expected exit code 7, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit callback")
	}
}

func TestSpawn_MissingBinaryIsSpawnError(t *testing.T) {
	sup := New(2 * time.Second)
	_, err := sup.Spawn(context.Background(), SpawnOptions{
		Role:    models.RoleCoding,
		Command: "/nonexistent/binary/does-not-exist",
	})
	if err == nil {
		t.Fatal("expected an error for a nonexistent binary")
	}
}

func TestActiveCount_TracksLiveWorkers(t *testing.T) {
	sup := New(2 * time.Second)
	started := make(chan struct{})
	release := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		_, err := sup.Spawn(context.Background(), SpawnOptions{
			Role:    models.RoleCoding,
			Command: "sh",
			Args:    []string{"-c", "sleep 5"},
			OnExit:  func(int, bool) { close(exited) },
		})
		if err != nil {
			t.Errorf("Spawn: %v", err)
		}
		close(started)
	}()
	<-started

	deadline := time.Now().Add(2 * time.Second)
	for sup.ActiveCount(models.RoleCoding) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sup.ActiveCount(models.RoleCoding) != 1 {
		t.Fatalf("expected 1 active coding worker, got %d", sup.ActiveCount(models.RoleCoding))
	}
	close(release)
	_ = release
}

func TestKillTree_TerminatesChildProcesses(t *testing.T) {
	sup := New(500 * time.Millisecond)
	exited := make(chan struct{})
	var killedByTimeout bool

	h, err := sup.Spawn(context.Background(), SpawnOptions{
		Role:    models.RoleCoding,
		Command: "sh",
		Args:    []string{"-c", "sleep 30"},
		OnExit: func(exitCode int, kbt bool) {
			killedByTimeout = kbt
			close(exited)
		},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	sup.KillTree(h, 300*time.Millisecond)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for killed process to exit")
	}
	_ = killedByTimeout
}

func TestSpawn_DeadlineTriggersKilledByTimeout(t *testing.T) {
	sup := New(300 * time.Millisecond)
	exited := make(chan bool, 1)

	_, err := sup.Spawn(context.Background(), SpawnOptions{
		Role:     models.RoleInitializer,
		Command:  "sh",
		Args:     []string{"-c", "sleep 30"},
		Deadline: 200 * time.Millisecond,
		OnExit: func(exitCode int, killedByTimeout bool) {
			exited <- killedByTimeout
		},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case kbt := <-exited:
		if !kbt {
			t.Fatal("expected killedByTimeout=true after deadline expiry")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deadline-triggered exit")
	}
}
