package stats

import (
	"math"
	"sync"
	"time"
)

// Snapshot is the immutable view of a model's running price statistics.
type Snapshot struct {
	Model     string
	N         int64
	Mean      float64
	M2        float64
	Min       int64
	Max       int64
	UpdatedAt time.Time
}

// Variance returns the population variance.
func (s Snapshot) Variance() float64 {
	if s.N < 2 {
		return 0
	}
	return s.M2 / float64(s.N)
}

// StdDev returns the population standard deviation, 0 below two samples.
func (s Snapshot) StdDev() float64 {
	return math.Sqrt(s.Variance())
}

// Without returns the statistics as they were before price was folded in.
// Min and Max cannot be unwound and are kept as they are.
func (s Snapshot) Without(price int64) Snapshot {
	if s.N <= 1 {
		return Snapshot{Model: s.Model, UpdatedAt: s.UpdatedAt}
	}
	x := float64(price)
	out := s
	out.N--
	out.Mean = (float64(s.N)*s.Mean - x) / float64(out.N)
	out.M2 = s.M2 - (x-out.Mean)*(x-s.Mean)
	if out.M2 < 0 {
		out.M2 = 0
	}
	return out
}

// Running accumulates prices with Welford's online algorithm.
type Running struct {
	snap Snapshot
}

// NewRunning seeds a Running from a persisted snapshot.
func NewRunning(s Snapshot) *Running {
	return &Running{snap: s}
}

// Add folds one price into the statistics.
func (r *Running) Add(price int64, at time.Time) Snapshot {
	s := &r.snap
	x := float64(price)
	s.N++
	delta := x - s.Mean
	s.Mean += delta / float64(s.N)
	s.M2 += delta * (x - s.Mean)
	if s.N == 1 || price < s.Min {
		s.Min = price
	}
	if s.N == 1 || price > s.Max {
		s.Max = price
	}
	s.UpdatedAt = at
	return *s
}

// Snapshot returns the current state.
func (r *Running) Snapshot() Snapshot {
	return r.snap
}

// Engine keeps running statistics per model identity.
type Engine struct {
	mu     sync.RWMutex
	models map[string]*Running
	now    func() time.Time
}

// NewEngine constructs an empty Engine.
func NewEngine() *Engine {
	return &Engine{models: make(map[string]*Running), now: time.Now}
}

// Load seeds the engine with persisted statistics, replacing what is in memory.
func (e *Engine) Load(s Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.models[s.Model] = NewRunning(s)
}

// Update folds a price into the model's statistics and returns the result.
func (e *Engine) Update(model string, price int64) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.models[model]
	if !ok {
		r = NewRunning(Snapshot{Model: model})
		e.models[model] = r
	}
	return r.Add(price, e.now().UTC())
}

// Query returns the model's statistics without mutating them.
func (e *Engine) Query(model string) Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if r, ok := e.models[model]; ok {
		return r.Snapshot()
	}
	return Snapshot{Model: model}
}
