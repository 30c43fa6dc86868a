package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/featureforge/orchestrator/internal/claim"
	"github.com/featureforge/orchestrator/internal/proc"
	"github.com/featureforge/orchestrator/internal/resolver"
	"github.com/featureforge/orchestrator/internal/store"
	"github.com/featureforge/orchestrator/pkg/models"
)

// RunSummary reports the terminal outcome of a Run call. It is returned in
// addition to the EventOrchestratorStopped event published on the bus, for
// callers (the CLI) that want a structured result without subscribing.
type RunSummary struct {
	RunID       string
	Succeeded   bool
	Reason      string
	Total       int
	Passing     int
	Quarantined int
}

// Orchestrator drives the Scheduler Loop (C5): it owns the retry table, the
// set of quarantined ids, and wires the Store, Resolver, Claim Service,
// Process Supervisor and Event Bus together. Grounded on the teacher's
// Scheduler for its mutex-guarded-state shape; the selection algorithm
// itself is new, built from spec rather than adapted line-by-line.
type Orchestrator struct {
	store      store.Store
	claimSvc   *claim.Service
	supervisor *proc.Supervisor
	bus        *EventBus
	opts       *orchestratorOptions
	life       *lifecycle

	runID string

	mu           sync.Mutex
	failureCount map[int64]int
	quarantined  map[int64]bool
	activeByID   map[int64]struct{}
	lastSnapshot models.Snapshot
}

// publish stamps ev with the current run id before handing it to the Event
// Bus, so every subscriber can correlate events with a single Run call
// without threading the id through every call site by hand.
func (o *Orchestrator) publish(ev Event) {
	ev.RunID = o.runID
	o.bus.Publish(ev)
}

// New builds an Orchestrator. supervisor may be shared with the
// Initializer Coordinator so worker counts observed by both stay in sync.
func New(s store.Store, supervisor *proc.Supervisor, bus *EventBus, opts ...Option) *Orchestrator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	setPackageLogger(o.logger)
	return &Orchestrator{
		store:        s,
		claimSvc:     claim.New(s),
		supervisor:   supervisor,
		bus:          bus,
		opts:         o,
		life:         newLifecycle(),
		failureCount: make(map[int64]int),
		quarantined:  make(map[int64]bool),
		activeByID:   make(map[int64]struct{}),
	}
}

// Run executes the Scheduler Loop until termination (S1), fatal error, or
// ctx cancellation, whichever comes first. It always publishes exactly one
// EventOrchestratorStopped before returning.
func (o *Orchestrator) Run(ctx context.Context) (RunSummary, error) {
	o.runID = uuid.NewString()
	o.publish(Event{Type: EventOrchestratorStarted, Timestamp: time.Now()})
	o.opts.logger.Info("orchestrator started: run=%s max_coding=%d max_total=%d poll=%s",
		o.runID, o.opts.maxCodingConcurrency, o.opts.maxTotalAgents, o.opts.pollInterval)

	summary, reason, err := o.loop(ctx)
	summary.RunID = o.runID

	o.life.BeginStopping()
	o.supervisor.ShutdownAll(o.opts.killTreeGrace, o.opts.killTreeGrace*2)
	o.life.MarkStopped()

	o.publish(Event{Type: EventOrchestratorStopped, Timestamp: time.Now(), Reason: reason})
	o.opts.logger.Info("orchestrator stopped: run=%s reason=%s", o.runID, reason)
	return summary, err
}

func (o *Orchestrator) loop(ctx context.Context) (RunSummary, string, error) {
	for {
		select {
		case <-ctx.Done():
			return o.summaryFromLastSnapshot(), "context cancelled", nil
		default:
		}
		if o.life.IsStopping() {
			return o.summaryFromLastSnapshot(), "stop requested", nil
		}

		snap, err := o.store.Snapshot(ctx)
		if err != nil {
			return RunSummary{}, fmt.Sprintf("store unreachable: %v", err), fmt.Errorf("scheduler: snapshot: %w", err)
		}

		// S1. Termination check.
		if done, summary := o.checkTermination(snap); done {
			return summary, "all features resolved", nil
		}

		o.publishProgress(snap)

		// S2. Capacity check.
		c := o.supervisor.ActiveCount(models.RoleCoding)
		t := o.supervisor.ActiveCount(models.RoleTesting)
		tot := c + t
		if c >= o.opts.maxCodingConcurrency && tot >= o.opts.maxTotalAgents {
			if !o.sleepOrDone(ctx) {
				return o.summaryFromLastSnapshot(), "context cancelled", nil
			}
			continue
		}

		// S4. Candidate selection, two-tier.
		resumable, fresh := o.selectCandidates(snap)

		// S5. Resumable ids are already claimed in the store (running=1);
		// they never go through the Claim Service, just straight to a
		// --resume spawn. Ready ids still race through ClaimNextFrom.
		o.takeoverResumable(ctx, resumable)
		o.claimAndSpawn(ctx, fresh)

		// S6. Sleep.
		if !o.sleepOrDone(ctx) {
			return o.summaryFromLastSnapshot(), "context cancelled", nil
		}
	}
}

func (o *Orchestrator) sleepOrDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(o.opts.pollInterval):
		return true
	}
}

func (o *Orchestrator) summaryFromLastSnapshot() RunSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.summarize(o.lastSnapshot)
}

// checkTermination implements S1: success once every feature passes, or
// every remaining feature is quarantined or depends (through an existing
// id) on a quarantined feature.
func (o *Orchestrator) checkTermination(snap models.Snapshot) (bool, RunSummary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastSnapshot = snap

	allResolved := true
	for i := range snap.Features {
		f := &snap.Features[i]
		if f.Passes {
			continue
		}
		if o.quarantined[f.ID] {
			continue
		}
		if o.hasQuarantinedDependency(snap, f) {
			continue
		}
		allResolved = false
		break
	}
	if !allResolved {
		return false, RunSummary{}
	}
	return true, o.summarize(snap)
}

func (o *Orchestrator) hasQuarantinedDependency(snap models.Snapshot, f *models.Feature) bool {
	for _, dep := range f.Dependencies {
		if !snap.Exists(dep) {
			continue
		}
		if o.quarantined[dep] {
			return true
		}
	}
	return false
}

func (o *Orchestrator) summarize(snap models.Snapshot) RunSummary {
	s := RunSummary{Succeeded: true, Total: len(snap.Features)}
	for i := range snap.Features {
		f := &snap.Features[i]
		if f.Passes {
			s.Passing++
		}
	}
	s.Quarantined = len(o.quarantined)
	if s.Passing < s.Total {
		s.Succeeded = false
	}
	return s
}

func (o *Orchestrator) publishProgress(snap models.Snapshot) {
	o.mu.Lock()
	passing, running := 0, 0
	for i := range snap.Features {
		f := &snap.Features[i]
		if f.Passes {
			passing++
		}
		if f.Running {
			running++
		}
	}
	quarantined := len(o.quarantined)
	o.mu.Unlock()

	o.publish(Event{
		Type:        EventProgressSummary,
		Timestamp:   time.Now(),
		Total:       len(snap.Features),
		Passing:     passing,
		Running:     running,
		Quarantined: quarantined,
	})
}

// selectCandidates splits the scheduling pool into resumable ids (already
// running=1 in the store, orphaned by a previous orchestrator process) and
// fresh ready ids (still pending, not yet claimed by anyone), each sorted
// by scheduling score. Ids this process already has an active worker for
// are excluded from both, so a resumable id taken over on an earlier
// iteration isn't handed back here forever.
func (o *Orchestrator) selectCandidates(snap models.Snapshot) (resumable, fresh []int64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	resumableIDs := resolver.ResumableIDs(snap)
	resumable = make([]int64, 0, len(resumableIDs))
	for _, id := range resumableIDs {
		if _, active := o.activeByID[id]; active {
			continue
		}
		resumable = append(resumable, id)
	}
	resumable = resolver.SortByScore(snap, resumable)

	ready := resolver.ReadyIDs(snap)
	freshIDs := make([]int64, 0, len(ready))
	for _, id := range ready {
		if _, active := o.activeByID[id]; active {
			continue
		}
		if o.quarantined[id] {
			continue
		}
		freshIDs = append(freshIDs, id)
	}
	fresh = resolver.SortByScore(snap, freshIDs)

	return resumable, fresh
}

// takeoverResumable reclaims ids the store already marks running=1, left
// behind by an orchestrator process that exited without releasing them
// (spec §4.5 priority 1). They are already claimed as far as the Store is
// concerned — ConditionalClaim's WHERE running = 0 can never match them —
// so takeover goes straight to a --resume spawn rather than through the
// Claim Service. Resumed workers count toward MaxCodingConcurrency like any
// other coding worker.
func (o *Orchestrator) takeoverResumable(ctx context.Context, resumable []int64) {
	for _, id := range resumable {
		if o.supervisor.ActiveCount(models.RoleCoding) >= o.opts.maxCodingConcurrency {
			return
		}

		o.mu.Lock()
		if _, active := o.activeByID[id]; active {
			o.mu.Unlock()
			continue
		}
		o.activeByID[id] = struct{}{}
		o.mu.Unlock()

		o.spawnCoding(ctx, id, true)
	}
}

func (o *Orchestrator) claimAndSpawn(ctx context.Context, candidates []int64) {
	for len(candidates) > 0 && o.supervisor.ActiveCount(models.RoleCoding) < o.opts.maxCodingConcurrency {
		id, err := o.claimSvc.ClaimNextFrom(ctx, candidates, o.opts.claimMaxAttempts)
		if err != nil {
			o.opts.logger.Warn("claim sweep failed: %v", err)
			return
		}
		if id == 0 {
			return
		}

		o.mu.Lock()
		o.activeByID[id] = struct{}{}
		o.mu.Unlock()

		o.spawnCoding(ctx, id, false)

		remaining := candidates[:0]
		for _, c := range candidates {
			if c != id {
				remaining = append(remaining, c)
			}
		}
		candidates = remaining
	}
}

// workerEnv returns the orchestrator's environment plus PROJECT_DIR, the
// environment every spawned worker inherits (spec §6.1).
func (o *Orchestrator) workerEnv() []string {
	return append(append([]string{}, os.Environ()...), "PROJECT_DIR="+o.opts.projectDir)
}

func (o *Orchestrator) spawnCoding(ctx context.Context, id int64, resume bool) {
	args := append(append([]string{}, o.opts.workerArgs...),
		"--project-dir", o.opts.projectDir, "--role", "coding", "--feature-id", fmt.Sprintf("%d", id))
	if resume {
		args = append(args, "--resume")
	}
	var h *proc.Handle
	h, err := o.supervisor.Spawn(ctx, proc.SpawnOptions{
		Role:      models.RoleCoding,
		FeatureID: id,
		Command:   o.opts.workerCommand,
		Args:      args,
		Dir:       o.opts.projectDir,
		Env:       o.workerEnv(),
		OnLine: func(line string) {
			o.publish(Event{Type: EventWorkerOutputLine, Timestamp: time.Now(), Role: models.RoleCoding, FeatureID: id, Line: line})
		},
		OnExit: func(exitCode int, killedByTimeout bool) {
			handleID := ""
			if h != nil {
				handleID = h.ID
			}
			o.onWorkerExit(ctx, models.RoleCoding, id, handleID, exitCode, killedByTimeout)
		},
	})
	if err != nil {
		o.opts.logger.Warn("spawn failed for feature %d: %v", id, err)
		o.mu.Lock()
		delete(o.activeByID, id)
		o.mu.Unlock()
		_ = o.store.Release(ctx, id, store.FinalStatePending)
		return
	}
	o.publish(Event{Type: EventWorkerSpawned, Timestamp: time.Now(), Role: models.RoleCoding, FeatureID: id, PID: h.PID, HandleID: h.ID})
}

func (o *Orchestrator) spawnTesting(ctx context.Context, featureID int64) {
	args := append(append([]string{}, o.opts.workerArgs...),
		"--project-dir", o.opts.projectDir, "--role", "testing", "--feature-id", fmt.Sprintf("%d", featureID))
	var h *proc.Handle
	h, err := o.supervisor.Spawn(ctx, proc.SpawnOptions{
		Role:      models.RoleTesting,
		FeatureID: featureID,
		Command:   o.opts.workerCommand,
		Args:      args,
		Dir:       o.opts.projectDir,
		Env:       o.workerEnv(),
		OnLine: func(line string) {
			o.publish(Event{Type: EventWorkerOutputLine, Timestamp: time.Now(), Role: models.RoleTesting, FeatureID: featureID, Line: line})
		},
		OnExit: func(exitCode int, killedByTimeout bool) {
			handleID := ""
			if h != nil {
				handleID = h.ID
			}
			o.onWorkerExit(ctx, models.RoleTesting, featureID, handleID, exitCode, killedByTimeout)
		},
	})
	if err != nil {
		o.opts.logger.Warn("testing spawn failed for feature %d: %v", featureID, err)
		return
	}
	o.publish(Event{Type: EventWorkerSpawned, Timestamp: time.Now(), Role: models.RoleTesting, FeatureID: featureID, PID: h.PID, HandleID: h.ID})
}

// onWorkerExit is the worker-exit callback described in §4.5. It always
// begins with Store.Refresh so the resulting Snapshot observes the
// worker's own commits, even though those commits happened in a different
// OS process.
func (o *Orchestrator) onWorkerExit(ctx context.Context, role models.Role, featureID int64, handleID string, exitCode int, killedByTimeout bool) {
	if err := o.store.Refresh(ctx); err != nil {
		o.opts.logger.Error("refresh failed after worker exit for feature %d: %v", featureID, err)
	}

	o.mu.Lock()
	delete(o.activeByID, featureID)
	o.mu.Unlock()

	snap, err := o.store.Snapshot(ctx)
	if err != nil {
		o.opts.logger.Error("snapshot failed after worker exit for feature %d: %v", featureID, err)
		_ = o.store.Release(ctx, featureID, store.FinalStatePending)
		return
	}

	f := snap.ByID(featureID)
	oldState := "running"
	if role == models.RoleTesting {
		// Testing workers are spawned against a feature that already passes.
		oldState = "passing"
	}
	passed := f != nil && f.Passes && exitCode == 0 && !killedByTimeout

	outcome := models.OutcomeFail
	if passed {
		outcome = models.OutcomePass
	}

	if passed {
		o.mu.Lock()
		delete(o.failureCount, featureID)
		o.mu.Unlock()

		if role == models.RoleCoding && !o.opts.yoloMode {
			o.spawnTestingBatch(ctx, featureID)
		}
	} else {
		o.recordFailure(ctx, featureID)
	}

	// Force running=false regardless of outcome, in case the worker died
	// without committing its own release.
	_ = o.store.Release(ctx, featureID, store.FinalStatePending)

	newState := "pending"
	if f != nil && f.Passes {
		newState = "passing"
	}
	if oldState != newState {
		o.publish(Event{
			Type: EventFeatureStateChanged, Timestamp: time.Now(),
			FeatureID: featureID, OldState: oldState, NewState: newState,
		})
	}

	o.publish(Event{
		Type: EventWorkerCompleted, Timestamp: time.Now(),
		Role: role, FeatureID: featureID, HandleID: handleID, ExitCode: exitCode, Outcome: outcome,
	})
}

func (o *Orchestrator) recordFailure(ctx context.Context, featureID int64) {
	o.mu.Lock()
	o.failureCount[featureID]++
	quarantine := o.failureCount[featureID] >= o.opts.maxFeatureRetries
	if quarantine {
		o.quarantined[featureID] = true
	}
	o.mu.Unlock()

	if quarantine {
		_ = o.store.IncrementSkipCount(ctx, featureID)
		o.opts.logger.Warn("feature %d quarantined after %d failures", featureID, o.opts.maxFeatureRetries)
	}
}

func (o *Orchestrator) spawnTestingBatch(ctx context.Context, featureID int64) {
	for i := 0; i < o.opts.testingAgentRatio; i++ {
		tot := o.supervisor.ActiveTotal()
		if tot >= o.opts.maxTotalAgents {
			return
		}
		if o.opts.countTestingTowardsCap && o.supervisor.ActiveCount(models.RoleCoding) >= o.opts.maxCodingConcurrency {
			return
		}
		o.spawnTesting(ctx, featureID)
	}
}

// Subscribe exposes the Event Bus to external consumers (CLI, TUI).
func (o *Orchestrator) Subscribe() <-chan Event {
	return o.bus.Subscribe()
}

// Stop requests a transition to the stopping state; in-flight workers are
// allowed to finish their current exit callback, then Run's shutdown path
// kills every remaining handle.
func (o *Orchestrator) Stop() {
	o.life.BeginStopping()
}
