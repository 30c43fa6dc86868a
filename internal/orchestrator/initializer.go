package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/featureforge/orchestrator/internal/proc"
	"github.com/featureforge/orchestrator/internal/store"
	"github.com/featureforge/orchestrator/pkg/models"
)

// ErrInitializerProducedNothing is the fatal error surfaced when the
// initializer worker exits successfully but the store is still empty.
var ErrInitializerProducedNothing = errors.New("orchestrator: initializer produced no features")

// RunInitializer is the Initializer Coordinator (C7): a one-shot bootstrap
// that runs before the Scheduler Loop's first iteration. Grounded on the
// teacher's checked-once startup gate, adapted from a git-worktree /
// session bootstrap into a feature-queue bootstrap.
func RunInitializer(ctx context.Context, s store.Store, supervisor *proc.Supervisor, bus *EventBus, optFns ...Option) error {
	opts := defaultOptions()
	for _, opt := range optFns {
		opt(opts)
	}

	snap, err := s.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("initializer: snapshot: %w", err)
	}
	if len(snap.Features) > 0 {
		return nil
	}

	exitCh := make(chan struct {
		code    int
		timeout bool
	}, 1)

	args := append([]string{}, opts.workerArgs...)
	args = append(args, "--project-dir", opts.projectDir, "--role", "initializer")

	h, err := supervisor.Spawn(ctx, proc.SpawnOptions{
		Role:     models.RoleInitializer,
		Command:  opts.workerCommand,
		Args:     args,
		Dir:      opts.projectDir,
		Env:      append(append([]string{}, os.Environ()...), "PROJECT_DIR="+opts.projectDir),
		Deadline: opts.initializerTimeout,
		OnLine: func(line string) {
			bus.Publish(Event{Type: EventWorkerOutputLine, Role: models.RoleInitializer, Line: line})
		},
		OnExit: func(exitCode int, killedByTimeout bool) {
			exitCh <- struct {
				code    int
				timeout bool
			}{exitCode, killedByTimeout}
		},
	})
	if err != nil {
		return fmt.Errorf("initializer: spawn: %w", err)
	}
	bus.Publish(Event{Type: EventWorkerSpawned, Role: models.RoleInitializer, PID: h.PID, HandleID: h.ID})

	var result struct {
		code    int
		timeout bool
	}
	select {
	case result = <-exitCh:
	case <-ctx.Done():
		supervisor.KillTree(h, opts.killTreeGrace)
		return fmt.Errorf("initializer: %w", ctx.Err())
	}

	bus.Publish(Event{Type: EventWorkerCompleted, Role: models.RoleInitializer, HandleID: h.ID, ExitCode: result.code})

	if result.timeout {
		return fmt.Errorf("initializer: killed after timeout %s", opts.initializerTimeout)
	}
	if result.code != 0 {
		return fmt.Errorf("initializer: exited with code %d", result.code)
	}

	if err := s.Refresh(ctx); err != nil {
		return fmt.Errorf("initializer: refresh: %w", err)
	}
	snap, err = s.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("initializer: snapshot after run: %w", err)
	}
	if len(snap.Features) == 0 {
		return ErrInitializerProducedNothing
	}
	return nil
}
