package orchestrator

import "time"

// Option configures an Orchestrator. Use the With* functions to build one.
type Option func(*orchestratorOptions)

// orchestratorOptions holds every tunable enumerated in the Scheduler
// Loop's configuration table, plus test-only injection points. Defaults
// mirror the documented values; the run command builds its Options from a
// config.Config after config.Validate has clamped it.
type orchestratorOptions struct {
	maxCodingConcurrency   int
	maxTotalAgents         int
	testingAgentRatio      int
	countTestingTowardsCap bool
	yoloMode               bool
	pollInterval           time.Duration
	maxFeatureRetries      int
	initializerTimeout     time.Duration
	claimMaxAttempts       int
	killTreeGrace          time.Duration

	logger *Logger

	// workerCommand/workerArgs let tests and the CLI supply the binary
	// invoked for every worker spawn; production wiring points this at the
	// project's configured worker entrypoint.
	workerCommand string
	workerArgs    []string

	// projectDir is passed to every worker as --project-dir, its working
	// directory, and its PROJECT_DIR environment variable. Empty in tests
	// that don't care about cwd/env.
	projectDir string
}

func defaultOptions() *orchestratorOptions {
	return &orchestratorOptions{
		maxCodingConcurrency:   3,
		maxTotalAgents:         10,
		testingAgentRatio:      1,
		countTestingTowardsCap: false,
		yoloMode:               false,
		pollInterval:           5 * time.Second,
		maxFeatureRetries:      3,
		initializerTimeout:     1800 * time.Second,
		claimMaxAttempts:       10,
		killTreeGrace:          5 * time.Second,
		logger:                 NopLogger(),
		workerCommand:          "orchestrator-worker",
	}
}

// WithMaxCodingConcurrency caps simultaneous coding workers.
func WithMaxCodingConcurrency(n int) Option {
	return func(o *orchestratorOptions) { o.maxCodingConcurrency = n }
}

// WithMaxTotalAgents caps total live workers of any role.
func WithMaxTotalAgents(n int) Option {
	return func(o *orchestratorOptions) { o.maxTotalAgents = n }
}

// WithTestingAgentRatio sets the number of testing workers launched per
// coding success; 0 disables testing workers.
func WithTestingAgentRatio(n int) Option {
	return func(o *orchestratorOptions) { o.testingAgentRatio = n }
}

// WithCountTestingTowardsCap, when enabled, stops a coding success from
// spawning testing workers while live coding workers are at
// MaxCodingConcurrency. Live testing workers are not counted when the loop
// decides whether to start new coding workers.
func WithCountTestingTowardsCap(b bool) Option {
	return func(o *orchestratorOptions) { o.countTestingTowardsCap = b }
}

// WithYoloMode disables the testing role entirely when enabled.
func WithYoloMode(b bool) Option {
	return func(o *orchestratorOptions) { o.yoloMode = b }
}

// WithPollInterval sets the sleep between scheduling iterations.
func WithPollInterval(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.pollInterval = d }
}

// WithMaxFeatureRetries sets the failure count before quarantine.
func WithMaxFeatureRetries(n int) Option {
	return func(o *orchestratorOptions) { o.maxFeatureRetries = n }
}

// WithInitializerTimeout sets the initializer worker's hard timeout.
func WithInitializerTimeout(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.initializerTimeout = d }
}

// WithClaimMaxAttempts sets the Claim Service's per-call sweep cap.
func WithClaimMaxAttempts(n int) Option {
	return func(o *orchestratorOptions) { o.claimMaxAttempts = n }
}

// WithKillTreeGrace sets the cooperative-stop budget before force-kill.
func WithKillTreeGrace(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.killTreeGrace = d }
}

// WithLogger sets the orchestrator's audit logger.
func WithLogger(l *Logger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithWorkerCommand sets the binary and base arguments used to spawn every
// worker; the Scheduler Loop appends role/feature-specific arguments.
func WithWorkerCommand(command string, args ...string) Option {
	return func(o *orchestratorOptions) {
		o.workerCommand = command
		o.workerArgs = args
	}
}

// WithProjectDir sets the project directory passed to every worker as
// --project-dir, its working directory, and its PROJECT_DIR env var.
func WithProjectDir(dir string) Option {
	return func(o *orchestratorOptions) { o.projectDir = dir }
}
