// Package claim implements the Claim Service (component C3): the sole path
// by which the Scheduler Loop converts a candidate id into an actually-held
// claim, arbitrating in-process races before ever touching the Store.
package claim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/featureforge/orchestrator/internal/store"
)

// ErrHighContention is returned by ClaimNextFrom when every candidate was
// still contested after maxAttempts full passes over the candidate list.
// The caller must back off and re-snapshot rather than retry immediately.
var ErrHighContention = errors.New("claim: high contention, exceeded max attempts")

const defaultMaxAttempts = 10

// Service arbitrates claims against a Store. Its mutex guarantees that two
// goroutines in this orchestrator process never race each other for the
// same candidate list; cross-process exclusivity is the Store's
// responsibility via ConditionalClaim's atomic UPDATE.
type Service struct {
	mu    sync.Mutex
	store store.Store
}

// New returns a Claim Service backed by s.
func New(s store.Store) *Service {
	return &Service{store: s}
}

// ClaimNextFrom sweeps candidates in order, attempting Store.ConditionalClaim
// on each; it returns the first id that claims successfully. If a full
// sweep claims nothing, it sweeps again, up to maxAttempts full passes
// (pass 0 to use the default of 10). Returns (0, nil) if candidates is
// empty, or ErrHighContention once maxAttempts sweeps are exhausted with
// every candidate still contested.
func (s *Service) ClaimNextFrom(ctx context.Context, candidates []int64, maxAttempts int) (int64, error) {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		for _, id := range candidates {
			affected, err := s.store.ConditionalClaim(ctx, id)
			if err != nil {
				return 0, fmt.Errorf("claim: conditional_claim(%d): %w", id, err)
			}
			if affected == 1 {
				return id, nil
			}
			// affected == 0 means taken (or already non-pending) between the
			// caller's snapshot and this attempt; keep sweeping.
		}
	}
	return 0, ErrHighContention
}
