package storage

import (
	"context"
	"errors"
	"time"

	"kleinsniper/internal/offer"
	"kleinsniper/internal/stats"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: not configured")
	// ErrNotFound is returned when an addressed offer does not exist.
	ErrNotFound = errors.New("storage: offer not found")
	// ErrSweepClosed is returned when a finished or aborted sweep is reused.
	ErrSweepClosed = errors.New("storage: sweep already closed")
)

// Observation is one sighting of an offer under a model during a poll.
type Observation struct {
	OfferID string
	Model   string
	Title   string
	URL     string
	Price   int64
	SeenAt  time.Time
}

// UpsertResult reports how an observation changed the stored record.
type UpsertResult struct {
	Record        offer.Record
	IsNew         bool
	PriceChanged  bool
	PreviousPrice int64
	Revived       bool
}

// OfferStore defines the offer lifecycle operations used by polling cycles.
type OfferStore interface {
	Upsert(ctx context.Context, obs Observation) (UpsertResult, error)
	MarkNotified(ctx context.Context, offerID string, at time.Time) error
	OfferNotified(ctx context.Context, offerID string) (bool, error)
	BeginSweep(ctx context.Context, model string) (*Sweep, error)
}

// StatsStore persists per-model running statistics.
type StatsStore interface {
	LoadStats(ctx context.Context, model string) (stats.Snapshot, bool, error)
	SaveStats(ctx context.Context, snap stats.Snapshot) error
	ListStats(ctx context.Context) ([]stats.Snapshot, error)
}

// OfferQueries serves read-only views for the command surface and CLI.
type OfferQueries interface {
	LastOffer(ctx context.Context) (offer.Record, bool, error)
	CheapestActive(ctx context.Context, limit int) ([]offer.Record, error)
	ListOffers(ctx context.Context, model string, includePruned bool) ([]offer.Record, error)
	CountOffers(ctx context.Context) (map[offer.State]int64, error)
}

// Store aggregates everything a backend provides.
type Store interface {
	OfferStore
	StatsStore
	OfferQueries
	Migrate(ctx context.Context) error
	Close()
}

// Options tune backend behaviour shared by all drivers.
type Options struct {
	// PruneAfterMisses is the number of consecutive complete sweeps an offer
	// must be absent from before it is pruned. Values below 1 mean 1.
	PruneAfterMisses int
}

func (o Options) pruneThreshold() int {
	if o.PruneAfterMisses < 1 {
		return 1
	}
	return o.PruneAfterMisses
}

// applyObservation computes the record that results from obs given the stored one, if any.
func applyObservation(prev *offer.Record, obs Observation) UpsertResult {
	seenAt := obs.SeenAt.UTC()
	if prev == nil {
		return UpsertResult{
			IsNew: true,
			Record: offer.Record{
				OfferID:   obs.OfferID,
				Model:     obs.Model,
				Title:     obs.Title,
				URL:       obs.URL,
				Price:     obs.Price,
				FirstSeen: seenAt,
				LastSeen:  seenAt,
				State:     offer.StateTracked,
			},
		}
	}

	rec := *prev
	res := UpsertResult{PreviousPrice: rec.Price}
	if rec.Price != obs.Price {
		res.PriceChanged = true
		rec.PriceChanges++
		rec.Price = obs.Price
	}
	if obs.Title != "" {
		rec.Title = obs.Title
	}
	if obs.URL != "" {
		rec.URL = obs.URL
	}
	if seenAt.After(rec.LastSeen) {
		rec.LastSeen = seenAt
	}
	rec.Misses = 0
	if rec.State == offer.StatePruned {
		res.Revived = true
		rec.PrunedAt = nil
	}
	rec.State = offer.StateTracked
	if rec.Notified {
		rec.State = offer.StateNotified
	}
	res.Record = rec
	return res
}
