// Package orchestrator implements the Scheduler Loop and Event Bus that
// drive the worker fleet against the feature queue.
package orchestrator

import (
	"time"

	"github.com/featureforge/orchestrator/pkg/models"
)

// EventType identifies the kind of orchestrator event.
type EventType string

const (
	// EventOrchestratorStarted is published once, after the Initializer
	// Coordinator succeeds and before the first scheduler iteration.
	EventOrchestratorStarted EventType = "orchestrator_started"
	// EventOrchestratorStopped is published exactly once, terminally,
	// whether the run succeeded, failed fatally, or was cancelled.
	EventOrchestratorStopped EventType = "orchestrator_stopped"
	// EventConfigClamped is published at startup for every configuration
	// value that was clamped to its documented bounds, and by the run
	// command as a notice when the project config file changes mid-run.
	EventConfigClamped EventType = "config_clamped"
	// EventWorkerSpawned is published immediately after a worker subprocess
	// starts, preceding any EventWorkerOutputLine for that worker.
	EventWorkerSpawned EventType = "worker_spawned"
	// EventWorkerCompleted is published once per worker, after every
	// EventWorkerOutputLine for that worker has been published.
	EventWorkerCompleted EventType = "worker_completed"
	// EventWorkerOutputLine is published per line of a worker's merged
	// stdout/stderr stream, in that worker's own order.
	EventWorkerOutputLine EventType = "worker_output_line"
	// EventFeatureStateChanged is published only when a worker-exit
	// callback observes that its feature's state actually changed.
	EventFeatureStateChanged EventType = "feature_state_changed"
	// EventProgressSummary is published at least once per scheduler
	// iteration.
	EventProgressSummary EventType = "progress_summary"
)

// Event is the single envelope type carried on the Event Bus. Only the
// fields relevant to Type are populated; the rest are zero.
type Event struct {
	Type      EventType
	Timestamp time.Time

	// RunID identifies the Orchestrator.Run invocation that published this
	// event; every Run call generates a new one. Events published outside
	// Run (initializer, config notices) leave it empty.
	RunID string

	// Reason explains an OrchestratorStopped event, or carries the message
	// of a ConfigClamped event.
	Reason string

	// HandleID is the worker subprocess's opaque id (proc.Handle.ID),
	// stable across PID reuse, set on worker lifecycle events.
	HandleID  string
	Role      models.Role
	FeatureID int64
	PID       int
	ExitCode  int
	Outcome   models.Outcome
	Line      string

	OldState string
	NewState string

	Total       int
	Passing     int
	Running     int
	Quarantined int
}
