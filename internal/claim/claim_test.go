package claim

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/featureforge/orchestrator/internal/store"
	"github.com/featureforge/orchestrator/pkg/models"
)

// fakeStore is a minimal in-memory store.Store used to exercise claim
// arbitration without SQLite. Only ConditionalClaim is exercised by these
// tests; the rest satisfy the interface trivially.
type fakeStore struct {
	mu      sync.Mutex
	claimed map[int64]bool
	calls   int
}

func newFakeStore(preClaimed ...int64) *fakeStore {
	fs := &fakeStore{claimed: make(map[int64]bool)}
	for _, id := range preClaimed {
		fs.claimed[id] = true
	}
	return fs
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) Snapshot(ctx context.Context) (models.Snapshot, error) {
	return models.Snapshot{}, nil
}

func (f *fakeStore) InsertBulk(ctx context.Context, features []models.Feature) ([]int64, error) {
	return nil, nil
}

func (f *fakeStore) AddDependency(ctx context.Context, from, to int64) error { return nil }

func (f *fakeStore) RemoveDependency(ctx context.Context, from, to int64) error { return nil }

func (f *fakeStore) ConditionalClaim(ctx context.Context, id int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.claimed[id] {
		return 0, nil
	}
	f.claimed[id] = true
	return 1, nil
}

func (f *fakeStore) Release(ctx context.Context, id int64, finalState store.FinalState) error {
	return nil
}

func (f *fakeStore) IncrementSkipCount(ctx context.Context, id int64) error { return nil }

func (f *fakeStore) Refresh(ctx context.Context) error { return nil }

func TestClaimNextFrom_ClaimsFirstAvailable(t *testing.T) {
	fs := newFakeStore(1)
	svc := New(fs)

	id, err := svc.ClaimNextFrom(context.Background(), []int64{1, 2, 3}, 0)
	if err != nil {
		t.Fatalf("ClaimNextFrom: %v", err)
	}
	if id != 2 {
		t.Fatalf("expected to claim id 2 (1 already taken), got %d", id)
	}
}

func TestClaimNextFrom_EmptyCandidates(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs)

	id, err := svc.ClaimNextFrom(context.Background(), nil, 0)
	if err != nil {
		t.Fatalf("ClaimNextFrom: %v", err)
	}
	if id != 0 {
		t.Fatalf("expected 0 for no candidates, got %d", id)
	}
}

func TestClaimNextFrom_HighContention(t *testing.T) {
	fs := newFakeStore(1, 2, 3)
	svc := New(fs)

	_, err := svc.ClaimNextFrom(context.Background(), []int64{1, 2, 3}, 2)
	if !errors.Is(err, ErrHighContention) {
		t.Fatalf("expected ErrHighContention, got %v", err)
	}
}

func TestClaimNextFrom_ExclusiveUnderConcurrency(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs)

	candidates := []int64{1, 2, 3, 4, 5}
	results := make(chan int64, 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := svc.ClaimNextFrom(context.Background(), candidates, 1)
			if err != nil && !errors.Is(err, ErrHighContention) {
				t.Errorf("unexpected error: %v", err)
			}
			results <- id
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]int)
	for id := range results {
		if id != 0 {
			seen[id]++
		}
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("id %d claimed %d times, want exactly 1", id, count)
		}
	}
	if len(seen) != len(candidates) {
		t.Errorf("expected all %d candidates claimed exactly once, got %d claimed", len(candidates), len(seen))
	}
}
