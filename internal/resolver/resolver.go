// Package resolver implements the orchestrator's pure scheduling functions
// (component C2). Every function here operates only on a models.Snapshot
// value; none performs I/O or retains a reference to the snapshot after
// returning, matching the "deep mutable dependency graph shared across
// components" design note: callers take a fresh snapshot each iteration and
// throw it away.
package resolver

import (
	"sort"

	"github.com/featureforge/orchestrator/pkg/models"
)

// ReadyIDs returns the ids of every feature eligible to start: not passing,
// not running, with every dependency that resolves to an existing feature
// already passing. Orphan dependency edges neither block nor satisfy
// readiness.
func ReadyIDs(snap models.Snapshot) []int64 {
	var ready []int64
	for i := range snap.Features {
		f := &snap.Features[i]
		if snap.Ready(f) {
			ready = append(ready, f.ID)
		}
	}
	return ready
}

// ResumableIDs returns ids with running=true, passes=false: claims left
// behind by an orchestrator process that exited without releasing them.
// They are reclaimed as the highest scheduling priority.
func ResumableIDs(snap models.Snapshot) []int64 {
	var resumable []int64
	for i := range snap.Features {
		f := &snap.Features[i]
		if f.Running && !f.Passes {
			resumable = append(resumable, f.ID)
		}
	}
	return resumable
}

// dependentsCount returns the number of features in snap whose dependency
// set contains id.
func dependentsCount(snap models.Snapshot, id int64) int {
	count := 0
	for i := range snap.Features {
		if snap.Features[i].DependsOn(id) {
			count++
		}
	}
	return count
}

// SchedulingScore computes the ordering score for id against snap:
//
//	score = (1000 - priority) + 100*dependents_count - 10*skip_count
//
// Higher is preferred. The magnitude carries no meaning beyond ordering.
// Returns 0 if id is absent from snap.
func SchedulingScore(snap models.Snapshot, id int64) int {
	f := snap.ByID(id)
	if f == nil {
		return 0
	}
	return (1000 - f.Priority) + 100*dependentsCount(snap, id) - 10*f.SkipCount
}

// SortByScore orders ids by SchedulingScore descending, breaking ties by
// priority ascending then id ascending. ids is sorted in place and returned
// for convenience.
func SortByScore(snap models.Snapshot, ids []int64) []int64 {
	sort.Slice(ids, func(i, j int) bool {
		si, sj := SchedulingScore(snap, ids[i]), SchedulingScore(snap, ids[j])
		if si != sj {
			return si > sj
		}
		fi, fj := snap.ByID(ids[i]), snap.ByID(ids[j])
		pi, pj := 0, 0
		if fi != nil {
			pi = fi.Priority
		}
		if fj != nil {
			pj = fj.Priority
		}
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// WouldCreateCycle reports whether adding the edge from->to would complete
// a cycle in snap's committed dependency graph. It runs the same
// three-color DFS the Store uses internally, exposed here for pre-flight
// validation before a caller attempts Store.AddDependency.
func WouldCreateCycle(snap models.Snapshot, from, to int64) bool {
	edges := make(map[int64][]int64, len(snap.Features))
	for i := range snap.Features {
		f := &snap.Features[i]
		edges[f.ID] = append(edges[f.ID], f.Dependencies...)
	}
	edges[from] = append(edges[from], to)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[int64]int, len(edges))

	var visit func(id int64) bool
	visit = func(id int64) bool {
		colors[id] = gray
		for _, dep := range edges[id] {
			switch colors[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}

	for id := range edges {
		if colors[id] == white {
			if visit(id) {
				return true
			}
		}
	}
	return false
}
