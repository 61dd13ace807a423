package offer

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Model is an operator-defined product search: the query sent to the marketplace
// plus the keyword filter and price thresholds applied to its results.
type Model struct {
	Query              string   `mapstructure:"query" json:"query"`
	CategoryID         string   `mapstructure:"category_id" json:"category_id"`
	DeviationThreshold float64  `mapstructure:"deviation_threshold" json:"deviation_threshold"`
	MinPriceDelta      float64  `mapstructure:"min_price_delta" json:"min_price_delta"`
	MinPrice           int64    `mapstructure:"min_price" json:"min_price"`
	MaxPrice           int64    `mapstructure:"max_price" json:"max_price"`
	MatchKeywords      []string `mapstructure:"match_keywords" json:"match_keywords"`
}

// Identity returns the stable key under which offers and statistics of the model are stored.
// Keyword order and case do not change the identity.
func (m Model) Identity() string {
	return fmt.Sprintf("%s|%s|%s",
		strings.ToLower(strings.TrimSpace(m.Query)),
		strings.TrimSpace(m.CategoryID),
		strings.Join(m.keywordSet(), ","))
}

func (m Model) keywordSet() []string {
	seen := make(map[string]struct{}, len(m.MatchKeywords))
	out := make([]string, 0, len(m.MatchKeywords))
	for _, kw := range m.MatchKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	sort.Strings(out)
	return out
}

// Validate checks the model definition.
func (m Model) Validate() error {
	if strings.TrimSpace(m.Query) == "" {
		return fmt.Errorf("query is required")
	}
	if strings.TrimSpace(m.CategoryID) == "" {
		return fmt.Errorf("category_id is required")
	}
	if m.DeviationThreshold < 0 || m.DeviationThreshold > 1 {
		return fmt.Errorf("deviation_threshold must be within [0,1], got %v", m.DeviationThreshold)
	}
	if m.MinPriceDelta < 0 {
		return fmt.Errorf("min_price_delta cannot be negative")
	}
	if m.MinPrice < 0 {
		return fmt.Errorf("min_price cannot be negative")
	}
	if m.MinPrice > m.MaxPrice {
		return fmt.Errorf("min_price (%d) must not exceed max_price (%d)", m.MinPrice, m.MaxPrice)
	}
	if len(m.keywordSet()) == 0 {
		return fmt.Errorf("match_keywords must contain at least one keyword")
	}
	return nil
}

// InRange reports whether price lies within the inclusive model bounds.
func (m Model) InRange(price int64) bool {
	return price >= m.MinPrice && price <= m.MaxPrice
}

// Candidate is a raw listing extracted from a result page.
type Candidate struct {
	ID         string
	Title      string
	Price      int64
	URL        string
	ObservedAt time.Time
}

// Offer is a candidate that matched a model.
type Offer struct {
	Candidate
	Model Model
}

// State is the lifecycle state of a stored offer.
type State string

const (
	StateTracked  State = "tracked"
	StateNotified State = "notified"
	StatePruned   State = "pruned"
)

// Active reports whether the state still counts as present on the marketplace.
func (s State) Active() bool {
	return s == StateTracked || s == StateNotified
}

// Record is the persisted view of an offer under one model.
type Record struct {
	OfferID      string     `json:"offer_id"`
	Model        string     `json:"model"`
	Title        string     `json:"title"`
	URL          string     `json:"url"`
	Price        int64      `json:"price"`
	FirstSeen    time.Time  `json:"first_seen"`
	LastSeen     time.Time  `json:"last_seen"`
	PriceChanges int        `json:"price_changes"`
	Notified     bool       `json:"notified"`
	NotifiedAt   *time.Time `json:"notified_at,omitempty"`
	Misses       int        `json:"misses"`
	State        State      `json:"state"`
	PrunedAt     *time.Time `json:"pruned_at,omitempty"`
}
