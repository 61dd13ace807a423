package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"kleinsniper/internal/offer"
)

// SourceOptions parameterise result-page walking.
type SourceOptions struct {
	BaseURL  string
	MaxPages int
}

// Source walks the paginated search results of a model.
type Source struct {
	fetcher  PageFetcher
	parser   *Parser
	baseURL  string
	maxPages int
	logger   zerolog.Logger
}

// NewSource wires a page fetcher and parser into a listing source.
func NewSource(fetcher PageFetcher, opts SourceOptions, logger zerolog.Logger) (*Source, error) {
	if fetcher == nil {
		return nil, errors.New("page fetcher is required")
	}
	parser, err := NewParser(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	maxPages := opts.MaxPages
	if maxPages < 1 {
		maxPages = 1
	}
	return &Source{
		fetcher:  fetcher,
		parser:   parser,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		maxPages: maxPages,
		logger:   logger.With().Str("component", "listing_source").Logger(),
	}, nil
}

// SearchURL returns the result page URL of model; page numbering starts at 1.
func SearchURL(baseURL string, model offer.Model, page int) string {
	slug := kebab(model.Query)
	category := url.PathEscape(strings.TrimSpace(model.CategoryID))
	base := strings.TrimRight(baseURL, "/")
	if page <= 1 {
		return fmt.Sprintf("%s/s-%s/%s", base, slug, category)
	}
	return fmt.Sprintf("%s/s-seite:%d/%s/%s", base, page, slug, category)
}

func kebab(query string) string {
	fields := strings.Fields(strings.ToLower(query))
	for i, f := range fields {
		fields[i] = url.PathEscape(f)
	}
	return strings.Join(fields, "-")
}

// Collect fetches and parses result pages until the listing ends or MaxPages is reached.
// A page that cannot be fetched ends the walk and marks the result incomplete, as does
// stopping at MaxPages while the listing still links a next page.
func (s *Source) Collect(ctx context.Context, model offer.Model) Result {
	res := Result{Complete: true}
	seen := make(map[string]struct{})

	for page := 1; page <= s.maxPages; page++ {
		pageURL := SearchURL(s.baseURL, model, page)
		raw, err := s.fetcher.Fetch(ctx, pageURL)
		if err != nil {
			res.Complete = false
			res.Err = err
			s.logger.Warn().Err(err).Str("url", pageURL).Int("page", page).Msg("result page unavailable, stopping walk")
			return res
		}
		res.Pages++

		parsed, err := s.parser.Parse(raw.Body)
		if err != nil {
			res.Complete = false
			res.Err = fmt.Errorf("page %d: %w", page, err)
			return res
		}
		res.ParseErrors += len(parsed.Errors)
		for _, perr := range parsed.Errors {
			if errors.Is(perr, ErrPriceUnavailable) {
				continue
			}
			s.logger.Debug().Err(perr).Int("page", page).Msg("listing skipped")
		}

		for _, c := range parsed.Candidates {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			res.Candidates = append(res.Candidates, c)
		}

		if len(parsed.Candidates) == 0 && len(parsed.Errors) == 0 {
			break
		}
		if !parsed.HasNext {
			break
		}
		if page == s.maxPages {
			res.Complete = false
			res.Err = fmt.Errorf("%w: %d pages", ErrPageLimit, page)
			s.logger.Warn().Int("max_pages", s.maxPages).Msg("listing continues past the page limit")
		}
	}
	return res
}

var _ ListingSource = (*Source)(nil)
