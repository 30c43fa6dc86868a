// Package models holds the data types shared between the orchestrator core
// and anything that inspects its store directly (CLI commands, tests).
package models

import "time"

// Feature is a single unit of schedulable work: a queue entry with a
// priority, a set of dependencies, and a pass/fail bit. Feature is the
// store's unit of persistence and the resolver's unit of scheduling.
type Feature struct {
	// ID is assigned at insertion and stable for the feature's lifetime.
	ID int64 `json:"id"`
	// Priority ranks urgency; lower is more urgent. Ties break by ID ascending.
	Priority int `json:"priority"`
	// Name, Category and Description are opaque strings preserved verbatim.
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
	// Steps is an ordered sequence of opaque strings preserved verbatim.
	Steps []string `json:"steps"`
	// Passes is true iff the feature has been successfully completed.
	Passes bool `json:"passes"`
	// Running is true iff some worker currently holds the claim.
	Running bool `json:"running"`
	// SkipCount counts how many times a worker has deferred this feature.
	SkipCount int `json:"skip_count"`
	// Dependencies is the set of feature IDs this feature is blocked by.
	// IDs that resolve to no existing feature are "orphan edges" and are
	// tolerated: they neither block nor satisfy readiness.
	Dependencies []int64 `json:"dependencies"`
	// CreatedAt and UpdatedAt are informational timestamps set by the store.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DependsOn reports whether f lists id as a dependency.
func (f *Feature) DependsOn(id int64) bool {
	for _, d := range f.Dependencies {
		if d == id {
			return true
		}
	}
	return false
}

// Snapshot is a frozen, value-typed view of the store taken at a single
// instant. The resolver's pure functions operate only on a Snapshot; no
// component holds a long-lived reference to one, and a Snapshot is never
// mutated after it is returned by the store.
type Snapshot struct {
	Features []Feature
	TakenAt  time.Time
}

// ByID returns the feature with the given id, or nil if absent.
func (s Snapshot) ByID(id int64) *Feature {
	for i := range s.Features {
		if s.Features[i].ID == id {
			return &s.Features[i]
		}
	}
	return nil
}

// Exists reports whether id resolves to a feature in this snapshot.
func (s Snapshot) Exists(id int64) bool {
	return s.ByID(id) != nil
}

// Ready reports whether the feature is ready to run: not passing, not
// running, and every dependency that resolves to an existing feature in
// this snapshot has passed. Orphan dependency ids are ignored.
func (s Snapshot) Ready(f *Feature) bool {
	if f.Passes || f.Running {
		return false
	}
	for _, dep := range f.Dependencies {
		depFeature := s.ByID(dep)
		if depFeature == nil {
			continue // orphan edge: ignored, neither blocks nor satisfies
		}
		if !depFeature.Passes {
			return false
		}
	}
	return true
}

// Role identifies the kind of worker a subprocess was spawned to run.
type Role string

const (
	RoleInitializer Role = "initializer"
	RoleCoding      Role = "coding"
	RoleTesting     Role = "testing"
)

// Outcome classifies how a worker's run affected its feature.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
	OutcomeSkip Outcome = "skip"
)
