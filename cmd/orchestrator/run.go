package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/featureforge/orchestrator/internal/config"
	"github.com/featureforge/orchestrator/internal/orchestrator"
	"github.com/featureforge/orchestrator/internal/proc"
	"github.com/featureforge/orchestrator/internal/store"
	"github.com/featureforge/orchestrator/internal/tui"
)

var (
	runNoTUI      bool
	runJSONEvents bool

	runMaxCodingConcurrency   int
	runMaxTotalAgents         int
	runTestingAgentRatio      int
	runCountTestingTowardsCap bool
	runYoloMode               bool
	runPollInterval           time.Duration
	runMaxFeatureRetries      int
	runInitializerTimeout     time.Duration
	runClaimMaxAttempts       int
	runKillTreeGrace          time.Duration
	runWorkerCommand          string
)

var runCmd = &cobra.Command{
	Use:   "run [project-dir]",
	Short: "Run the Scheduler Loop until the feature queue resolves",
	Long: `Run starts the Initializer Coordinator (if the queue is empty) and then
the Scheduler Loop, spawning coding and testing workers against the
project's feature queue until every feature passes, every remaining
feature is quarantined or unsatisfiable, or the process is interrupted.

The project-dir argument is optional and defaults to the current
directory. Every Scheduler Loop configuration field can be overridden
with a flag of the same name, taking precedence over the resolved
config file/environment value.

By default progress is shown in a full-screen TUI; leaving it (q or
ctrl+c) stops the run. Pass --no-tui for plain log lines instead,
suitable for CI or a non-interactive terminal, and --json-events to have
those lines emitted as JSON instead of human-readable text.

Besides SIGINT/SIGTERM, dropping a file named STOP into the project's
.orchestrator directory while the loop is running requests the same
graceful shutdown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOrchestrator,
}

func init() {
	runCmd.Flags().BoolVar(&runNoTUI, "no-tui", false, "Run without the TUI, printing plain progress lines")
	runCmd.Flags().BoolVar(&runJSONEvents, "json-events", false, "With --no-tui, emit progress lines as JSON instead of text")

	d := config.Default()
	runCmd.Flags().IntVar(&runMaxCodingConcurrency, "max-coding-concurrency", d.MaxCodingConcurrency, "Max concurrent coding workers")
	runCmd.Flags().IntVar(&runMaxTotalAgents, "max-total-agents", d.MaxTotalAgents, "Max concurrent workers of any role")
	runCmd.Flags().IntVar(&runTestingAgentRatio, "testing-agent-ratio", d.TestingAgentRatio, "Testing workers spawned per passing coding worker")
	runCmd.Flags().BoolVar(&runCountTestingTowardsCap, "count-testing-towards-cap", d.CountTestingTowardsCap, "Spawn no testing workers while coding workers are at max-coding-concurrency")
	runCmd.Flags().BoolVar(&runYoloMode, "yolo-mode", d.YoloMode, "Skip the testing phase entirely")
	runCmd.Flags().DurationVar(&runPollInterval, "poll-interval", d.PollInterval, "Scheduler loop sleep between iterations")
	runCmd.Flags().IntVar(&runMaxFeatureRetries, "max-feature-retries", d.MaxFeatureRetries, "Consecutive failures before a feature is quarantined")
	runCmd.Flags().DurationVar(&runInitializerTimeout, "initializer-timeout", d.InitializerTimeout, "Deadline for the one-shot initializer worker")
	runCmd.Flags().IntVar(&runClaimMaxAttempts, "claim-max-attempts", d.ClaimMaxAttempts, "Retries for a contended atomic claim")
	runCmd.Flags().DurationVar(&runKillTreeGrace, "kill-tree-grace", d.KillTreeGrace, "Grace period before force-killing a worker's process tree")
	runCmd.Flags().StringVar(&runWorkerCommand, "worker-command", "", "Override the configured worker binary")
}

func runOrchestrator(cmd *cobra.Command, args []string) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("panic in run: %v", r)
		}
	}()

	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	repoPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}

	cfg, err := config.LoadForProject(repoPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyRunFlagOverrides(cmd, cfg)
	clamps := config.Validate(cfg)

	db, err := store.OpenProject(repoPath)
	if err != nil {
		return fmt.Errorf("open state database: %w (run 'orchestrator init' first)", err)
	}
	defer db.Close()

	logger := orchestrator.NewProjectLogger(repoPath, runNoTUI)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nreceived interrupt, stopping workers...")
		cancel()
	}()

	stopWatch, err := watchStopSentinel(repoPath, cancel)
	if err != nil {
		logger.Warn("stop sentinel watcher unavailable: %v", err)
	}
	if stopWatch != nil {
		defer stopWatch.Close()
	}

	sup := proc.New(cfg.KillTreeGrace)
	bus := orchestrator.NewEventBus(64)
	defer bus.Close()

	cfgWatch, err := config.WatchProjectConfigIn(repoPath, func(_ *config.Config, clamps []config.ClampResult) {
		msg := "project config changed on disk; restart 'orchestrator run' to pick up the new values"
		logger.Warn("%s", msg)
		bus.Publish(orchestrator.Event{Type: orchestrator.EventConfigClamped, Reason: msg})
		for _, c := range clamps {
			logger.Warn("pending config %s would clamp to %d: %s", c.Field, c.Clamped, c.Reason)
		}
	})
	if err != nil {
		logger.Warn("project config watcher unavailable: %v", err)
	}
	if cfgWatch != nil {
		defer cfgWatch.Close()
	}

	opts := []orchestrator.Option{
		orchestrator.WithMaxCodingConcurrency(cfg.MaxCodingConcurrency),
		orchestrator.WithMaxTotalAgents(cfg.MaxTotalAgents),
		orchestrator.WithTestingAgentRatio(cfg.TestingAgentRatio),
		orchestrator.WithCountTestingTowardsCap(cfg.CountTestingTowardsCap),
		orchestrator.WithYoloMode(cfg.YoloMode),
		orchestrator.WithPollInterval(cfg.PollInterval),
		orchestrator.WithMaxFeatureRetries(cfg.MaxFeatureRetries),
		orchestrator.WithInitializerTimeout(cfg.InitializerTimeout),
		orchestrator.WithClaimMaxAttempts(cfg.ClaimMaxAttempts),
		orchestrator.WithKillTreeGrace(cfg.KillTreeGrace),
		orchestrator.WithLogger(logger),
		orchestrator.WithWorkerCommand(cfg.Worker.Command, cfg.Worker.Args...),
		orchestrator.WithProjectDir(repoPath),
	}

	for _, c := range clamps {
		msg := fmt.Sprintf("config %s clamped to %d: %s", c.Field, c.Clamped, c.Reason)
		logger.Warn("%s", msg)
		bus.Publish(orchestrator.Event{Type: orchestrator.EventConfigClamped, Reason: msg})
	}

	var program *tuiProgram
	if !runNoTUI {
		program = startTUI(bus, cancel)
		defer program.stop()
	} else {
		go logWorkerEvents(bus, logger, runJSONEvents)
	}

	if err := orchestrator.RunInitializer(ctx, db, sup, bus, opts...); err != nil {
		return fmt.Errorf("initializer: %w", err)
	}

	orch := orchestrator.New(db, sup, bus, opts...)
	summary, err := orch.Run(ctx)
	if err != nil {
		return fmt.Errorf("scheduler loop: %w", err)
	}

	fmt.Printf("\nrun %s: %d/%d passing, %d quarantined (succeeded=%v)\n",
		summary.RunID, summary.Passing, summary.Total, summary.Quarantined, summary.Succeeded)
	if !summary.Succeeded {
		return fmt.Errorf("scheduler loop did not reach a successful terminal state: %s", summary.Reason)
	}
	return nil
}

// applyRunFlagOverrides copies every explicitly-set run flag onto cfg,
// taking precedence over whatever config.LoadForProject resolved from
// files and the environment.
func applyRunFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("max-coding-concurrency") {
		cfg.MaxCodingConcurrency = runMaxCodingConcurrency
	}
	if flags.Changed("max-total-agents") {
		cfg.MaxTotalAgents = runMaxTotalAgents
	}
	if flags.Changed("testing-agent-ratio") {
		cfg.TestingAgentRatio = runTestingAgentRatio
	}
	if flags.Changed("count-testing-towards-cap") {
		cfg.CountTestingTowardsCap = runCountTestingTowardsCap
	}
	if flags.Changed("yolo-mode") {
		cfg.YoloMode = runYoloMode
	}
	if flags.Changed("poll-interval") {
		cfg.PollInterval = runPollInterval
	}
	if flags.Changed("max-feature-retries") {
		cfg.MaxFeatureRetries = runMaxFeatureRetries
	}
	if flags.Changed("initializer-timeout") {
		cfg.InitializerTimeout = runInitializerTimeout
	}
	if flags.Changed("claim-max-attempts") {
		cfg.ClaimMaxAttempts = runClaimMaxAttempts
	}
	if flags.Changed("kill-tree-grace") {
		cfg.KillTreeGrace = runKillTreeGrace
	}
	if flags.Changed("worker-command") {
		cfg.Worker.Command = runWorkerCommand
	}
}

// watchStopSentinel watches <repoPath>/.orchestrator for a file named STOP
// and cancels the run the moment one appears, as an alternative to sending
// a signal when the operator doesn't have direct process access. Returns
// nil, nil if the .orchestrator directory doesn't exist yet.
func watchStopSentinel(repoPath string, cancel context.CancelFunc) (*fsnotify.Watcher, error) {
	dir := filepath.Join(repoPath, ".orchestrator")
	if _, err := os.Stat(dir); err != nil {
		return nil, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("stop sentinel watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("stop sentinel watcher: watch dir: %w", err)
	}

	stopPath := filepath.Join(dir, "STOP")
	go func() {
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(stopPath) {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				fmt.Fprintln(os.Stderr, "\nSTOP sentinel detected, stopping workers...")
				cancel()
				return
			case _, ok := <-fw.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return fw, nil
}

// tuiProgram wraps the running bubbletea program so runOrchestrator can
// request a clean shutdown once the scheduler loop returns.
type tuiProgram struct {
	program *tea.Program
	cleanup func()
	done    chan struct{}
}

func startTUI(bus *orchestrator.EventBus, cancel context.CancelFunc) *tuiProgram {
	p, cleanup := tui.NewProgram(bus)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run()
		// The TUI captures q and ctrl+c itself, so leaving it stops the run.
		cancel()
	}()
	return &tuiProgram{program: p, cleanup: cleanup, done: done}
}

func (t *tuiProgram) stop() {
	if t == nil {
		return
	}
	t.program.Quit()
	<-t.done
	t.cleanup()
}

// logWorkerEvents prints a progress line per event, for --no-tui runs
// where no TUI is attached to the bus. With asJSON, each line is a JSON
// encoding of the event instead of the human-readable form.
func logWorkerEvents(bus *orchestrator.EventBus, logger *orchestrator.Logger, asJSON bool) {
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)
	for ev := range sub {
		if asJSON {
			line, err := json.Marshal(ev)
			if err != nil {
				logger.Warn("marshal event: %v", err)
				continue
			}
			fmt.Println(string(line))
			continue
		}
		switch ev.Type {
		case orchestrator.EventWorkerOutputLine:
			fmt.Printf("[%s] %s\n", ev.Role, ev.Line)
		case orchestrator.EventProgressSummary:
			fmt.Printf("progress: %d/%d passing, %d running, %d quarantined\n",
				ev.Passing, ev.Total, ev.Running, ev.Quarantined)
		case orchestrator.EventFeatureStateChanged:
			fmt.Printf("feature %d: %s -> %s\n", ev.FeatureID, ev.OldState, ev.NewState)
		}
	}
}
