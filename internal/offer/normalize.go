package offer

import "strings"

// Normalize matches a candidate against every model and returns one Offer per match.
//
// A model matches when all of its keywords occur in the title (case-insensitive) and
// the price lies within the model bounds. Models are evaluated independently, so a
// candidate may feed several model pipelines.
func Normalize(c Candidate, models []Model) []Offer {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" || c.Price <= 0 {
		return nil
	}

	title := strings.ToLower(c.Title)
	var out []Offer
	for _, m := range models {
		if !matchesAll(title, m.MatchKeywords) {
			continue
		}
		if !m.InRange(c.Price) {
			continue
		}
		out = append(out, Offer{Candidate: c, Model: m})
	}
	return out
}

func matchesAll(title string, keywords []string) bool {
	matched := 0
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if !strings.Contains(title, kw) {
			return false
		}
		matched++
	}
	return matched > 0
}
