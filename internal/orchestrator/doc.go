// Package orchestrator drives a fleet of short-lived worker subprocesses
// against a persistent, dependency-ordered feature queue.
//
// It wires together the Store (durable state), the Resolver (pure
// scheduling functions), the Claim Service (exclusive claim arbitration),
// the Process Supervisor (subprocess lifecycle), and the Event Bus
// (fan-out of progress to observers such as a CLI or TUI) behind a single
// Scheduler Loop.
//
// Example usage:
//
//	db, _ := store.OpenProject(projectRoot)
//	sup := proc.New(5 * time.Second)
//	bus := orchestrator.NewEventBus(0)
//	orch := orchestrator.New(db, sup, bus, orchestrator.WithMaxCodingConcurrency(3))
//	summary, err := orch.Run(ctx)
package orchestrator
