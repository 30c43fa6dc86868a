// Package proc implements the Process Supervisor (component C4): spawning,
// streaming, and tree-killing worker subprocesses. The mechanics — a
// dedicated stdout/stderr reader goroutine per child feeding a line
// callback, cmd.Process for lifecycle control — are grounded on the
// teacher's ClaudeProcess; cross-platform descendant cleanup is grounded on
// the process-group-detach pattern used for daemon management.
package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/featureforge/orchestrator/pkg/models"
)

// ErrSpawnFailed wraps the underlying OS error when a subprocess cannot be
// started at all (missing binary, permissions). Per the failure model this
// is fatal for the individual spawn attempt but not for the orchestrator.
var ErrSpawnFailed = errors.New("proc: spawn failed")

// SpawnOptions configures a single worker spawn.
type SpawnOptions struct {
	Role       models.Role
	FeatureID  int64
	Command    string
	Args       []string
	Env        []string
	Dir        string
	// Deadline, if non-zero, triggers KillTree and killedByTimeout=true in
	// OnExit when exceeded. Only the initializer role gets a default.
	Deadline time.Duration
	// OnLine is invoked once per merged stdout/stderr line. It runs on the
	// dedicated per-worker reader goroutine and must not block.
	OnLine func(line string)
	// OnExit is invoked exactly once, after the reader goroutine has
	// drained the stream.
	OnExit func(exitCode int, killedByTimeout bool)
}

// Handle identifies a live or exited worker. ID is an opaque identifier
// stable across PID reuse, suitable for correlating log lines and events
// with a specific spawn even after the OS pid has been recycled.
type Handle struct {
	ID        string
	PID       int
	Role      models.Role
	FeatureID int64

	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Supervisor spawns and tracks worker subprocesses, enforcing per-role
// concurrency visibility for the Scheduler Loop's capacity checks.
type Supervisor struct {
	mu      sync.Mutex
	active  map[*Handle]struct{}
	byRole  map[models.Role]int
	grace   time.Duration
}

// New returns a Supervisor that gives killed descendants grace before
// force-termination on KillTree.
func New(grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Supervisor{
		active: make(map[*Handle]struct{}),
		byRole: make(map[models.Role]int),
		grace:  grace,
	}
}

// ActiveCount returns the number of live workers of the given role.
func (s *Supervisor) ActiveCount(role models.Role) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byRole[role]
}

// ActiveTotal returns the number of live workers across all roles.
func (s *Supervisor) ActiveTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Spawn starts a worker subprocess. The returned Handle is removed from the
// Supervisor's active set immediately before OnExit is invoked.
func (s *Supervisor) Spawn(ctx context.Context, opts SpawnOptions) (*Handle, error) {
	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	// stderr shares the stdout pipe, so one reader sees the merged stream.
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	h := &Handle{
		ID:        uuid.NewString(),
		PID:       cmd.Process.Pid,
		Role:      opts.Role,
		FeatureID: opts.FeatureID,
		cmd:       cmd,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.active[h] = struct{}{}
	s.byRole[opts.Role]++
	s.mu.Unlock()

	var killedByTimeout atomic.Bool
	var timer *time.Timer
	if opts.Deadline > 0 {
		timer = time.AfterFunc(opts.Deadline, func() {
			killedByTimeout.Store(true)
			s.KillTree(h, s.grace)
		})
	}

	var readerWG sync.WaitGroup
	readerWG.Add(1)
	go pumpLines(stdout, opts.OnLine, &readerWG)

	go func() {
		defer close(h.done)
		readerWG.Wait()

		waitErr := cmd.Wait()
		if timer != nil {
			timer.Stop()
		}
		cancel()

		s.mu.Lock()
		delete(s.active, h)
		s.byRole[opts.Role]--
		s.mu.Unlock()

		exitCode := exitCodeOf(waitErr)
		if opts.OnExit != nil {
			opts.OnExit(exitCode, killedByTimeout.Load())
		}
	}()

	return h, nil
}

func pumpLines(r io.ReadCloser, onLine func(string), wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// KillTree sends a cooperative stop to the worker's process group, waits up
// to grace for exit, then force-terminates survivors. Safe to call
// concurrently and more than once for the same handle.
func (s *Supervisor) KillTree(h *Handle, grace time.Duration) {
	h.once.Do(func() {
		if grace <= 0 {
			grace = s.grace
		}
		killTree(h.cmd, grace)
		h.cancel()
	})
}

// ShutdownAll calls KillTree on every live worker in parallel and waits for
// every reader/exit goroutine to finish or the budget to expire, whichever
// comes first. budget should be a small multiple of grace.
func (s *Supervisor) ShutdownAll(grace, budget time.Duration) {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.active))
	for h := range s.active {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			s.KillTree(h, grace)
			select {
			case <-h.done:
			case <-time.After(budget):
			}
		}(h)
	}
	wg.Wait()
}
