// Package store provides the durable, single-writer-safe persistence layer
// for features and their dependency edges (component C1 of the
// orchestrator design). It is the only component that may transition a
// feature from pending to running, via ConditionalClaim.
package store

import (
	"context"
	"errors"
	"io"

	"github.com/featureforge/orchestrator/pkg/models"
)

// ErrNotFound is returned when an operation references a feature id that
// does not exist in the store.
var ErrNotFound = errors.New("store: feature not found")

// ErrStoreNotEmpty is returned by InsertBulk when the store already
// contains features; InsertBulk is reserved for first-time population by
// the initializer.
var ErrStoreNotEmpty = errors.New("store: already populated")

// CycleError is returned by AddDependency when the requested edge would
// complete a cycle in the committed dependency graph.
type CycleError struct {
	From, To int64
}

func (e *CycleError) Error() string {
	return "store: adding dependency would create a cycle"
}

// FinalState is the state a worker commits when releasing a claim.
type FinalState int

const (
	// FinalStatePending reverts the feature to pending (running=false only).
	FinalStatePending FinalState = iota
	// FinalStateSuccess marks the feature passing (running=false, passes=true).
	FinalStateSuccess
)

// Store is the persistence contract required by the orchestrator core.
// Implementations must guarantee that ConditionalClaim is atomic against
// every other writer of the same backing file, including writers in other
// OS processes (spec §6.2) — not merely other goroutines in this process.
type Store interface {
	io.Closer

	// Snapshot returns every feature and its dependencies, reflecting the
	// latest committed state visible to this connection at call time.
	Snapshot(ctx context.Context) (models.Snapshot, error)

	// InsertBulk assigns ids and inserts every feature in order. It fails
	// with ErrStoreNotEmpty if the store already holds any feature.
	InsertBulk(ctx context.Context, features []models.Feature) ([]int64, error)

	// AddDependency records that `from` depends on `to`. It fails with
	// ErrNotFound if either id is absent, or *CycleError if the edge would
	// complete a cycle in the committed graph.
	AddDependency(ctx context.Context, from, to int64) error

	// RemoveDependency removes the edge if present. Idempotent.
	RemoveDependency(ctx context.Context, from, to int64) error

	// ConditionalClaim attempts `pending -> running` for id and returns the
	// number of rows affected (0 or 1). This is the only primitive allowed
	// to make that transition (invariant I1).
	ConditionalClaim(ctx context.Context, id int64) (int, error)

	// Release forces running=false, and if finalState is FinalStateSuccess,
	// also sets passes=true.
	Release(ctx context.Context, id int64, finalState FinalState) error

	// IncrementSkipCount bumps skip_count for id by one.
	IncrementSkipCount(ctx context.Context, id int64) error

	// Refresh discards any cached connection/prepared-statement state so
	// the next read observes every commit made by other processes since
	// the previous call. Every Snapshot taken inside a worker-exit
	// callback must be preceded by a call to Refresh (spec §4.1, §9).
	Refresh(ctx context.Context) error
}
