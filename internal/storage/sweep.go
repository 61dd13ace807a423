package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// sweepBackend is implemented by each driver to support mark-and-sweep pruning.
type sweepBackend interface {
	activeOfferIDs(ctx context.Context, model string) ([]string, error)
	recordMisses(ctx context.Context, model string, offerIDs []string, threshold int, at time.Time) ([]string, error)
}

// Sweep reconciles the offers stored for one model against a fresh result set.
//
// BeginSweep snapshots the active offer ids; every offer seen during the cycle is
// marked; Finish records a miss for the rest and prunes those that reached the
// configured threshold. Abort drops the sweep without touching the store.
type Sweep struct {
	backend   sweepBackend
	model     string
	threshold int
	now       func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
	seen   map[string]struct{}
	closed bool
}

func beginSweep(ctx context.Context, backend sweepBackend, model string, threshold int) (*Sweep, error) {
	ids, err := backend.activeOfferIDs(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("snapshot active offers: %w", err)
	}
	active := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		active[id] = struct{}{}
	}
	return &Sweep{
		backend:   backend,
		model:     model,
		threshold: threshold,
		now:       time.Now,
		active:    active,
		seen:      make(map[string]struct{}, len(ids)),
	}, nil
}

// Model returns the identity the sweep belongs to.
func (s *Sweep) Model() string {
	return s.model
}

// MarkSeen records that offerID is still listed.
func (s *Sweep) MarkSeen(offerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[offerID] = struct{}{}
}

// Unseen lists snapshot ids not marked seen so far, sorted.
func (s *Sweep) Unseen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unseenLocked()
}

func (s *Sweep) unseenLocked() []string {
	out := make([]string, 0)
	for id := range s.active {
		if _, ok := s.seen[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Finish records misses for unseen offers and returns the ids pruned by this sweep.
func (s *Sweep) Finish(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSweepClosed
	}
	s.closed = true
	unseen := s.unseenLocked()
	s.mu.Unlock()

	if len(unseen) == 0 {
		return nil, nil
	}
	pruned, err := s.backend.recordMisses(ctx, s.model, unseen, s.threshold, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("finish sweep: %w", err)
	}
	return pruned, nil
}

// Abort closes the sweep without recording misses.
func (s *Sweep) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
