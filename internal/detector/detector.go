package detector

import (
	"strings"

	"kleinsniper/internal/offer"
	"kleinsniper/internal/stats"
)

// DefaultMinSamples is the smallest baseline a deal may be judged against.
const DefaultMinSamples = 2

// epsilon absorbs float error so that exact threshold boundaries are inclusive.
const epsilon = 1e-9

// Trigger names a threshold that fired.
type Trigger string

const (
	TriggerRelative Trigger = "relative"
	TriggerAbsolute Trigger = "absolute"
)

// Event describes an offer priced anomalously low for its model.
type Event struct {
	OfferID  string
	Model    string
	Query    string
	Title    string
	URL      string
	Price    int64
	Mean     float64
	StdDev   float64
	Samples  int64
	Delta    float64
	Triggers []Trigger
}

// Fired reports whether t is among the triggers.
func (e Event) Fired(t Trigger) bool {
	for _, got := range e.Triggers {
		if got == t {
			return true
		}
	}
	return false
}

// TriggerList renders the triggers as a comma separated list.
func (e Event) TriggerList() string {
	names := make([]string, len(e.Triggers))
	for i, t := range e.Triggers {
		names[i] = string(t)
	}
	return strings.Join(names, ",")
}

// Options tune evaluation.
type Options struct {
	MinSamples int64
}

// Evaluate decides whether o is a deal against the model statistics s.
// It has no side effects; callers skip offers that were already notified.
func Evaluate(o offer.Offer, s stats.Snapshot, opts Options) (Event, bool) {
	minSamples := opts.MinSamples
	if minSamples < DefaultMinSamples {
		minSamples = DefaultMinSamples
	}
	if s.N < minSamples {
		return Event{}, false
	}

	price := float64(o.Price)
	var triggers []Trigger
	if price <= s.Mean*(1-o.Model.DeviationThreshold)+epsilon {
		triggers = append(triggers, TriggerRelative)
	}
	if s.Mean-price >= o.Model.MinPriceDelta-epsilon {
		triggers = append(triggers, TriggerAbsolute)
	}
	if len(triggers) == 0 {
		return Event{}, false
	}

	return Event{
		OfferID:  o.ID,
		Model:    o.Model.Identity(),
		Query:    o.Model.Query,
		Title:    o.Title,
		URL:      o.URL,
		Price:    o.Price,
		Mean:     s.Mean,
		StdDev:   s.StdDev(),
		Samples:  s.N,
		Delta:    s.Mean - price,
		Triggers: triggers,
	}, true
}
