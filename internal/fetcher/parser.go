package fetcher

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"kleinsniper/internal/offer"
)

const (
	itemSelector     = "article.aditem"
	titleSelector    = "a.ellipsis"
	priceSelector    = "p.aditem-main--middle--price-shipping--price"
	priceAltSelector = "p.aditem-main--middle--price-shipping"
	nextPageSelector = "a.pagination-next"
)

var priceNumber = regexp.MustCompile(`\d{1,3}(?:\.\d{3})+(?:,\d+)?|\d+(?:,\d+)?`)

// ParsedPage is the structured content of one result page.
type ParsedPage struct {
	Candidates []offer.Candidate
	Errors     []error
	HasNext    bool
}

// Parser extracts listings from Kleinanzeigen result pages.
type Parser struct {
	base *url.URL
	now  func() time.Time
}

// NewParser returns a parser resolving relative links against baseURL.
func NewParser(baseURL string) (*Parser, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	return &Parser{base: u, now: time.Now}, nil
}

// Parse reads a result page. A malformed listing is reported in Errors and skipped.
func (p *Parser) Parse(body []byte) (ParsedPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ParsedPage{}, fmt.Errorf("parse html: %w", err)
	}

	observed := p.now().UTC()
	var out ParsedPage
	doc.Find(itemSelector).Each(func(i int, item *goquery.Selection) {
		c, err := p.parseItem(item, observed)
		if err != nil {
			var perr *ParseError
			if !errors.As(err, &perr) {
				perr = &ParseError{Index: i, Field: "item", Err: err}
			}
			perr.Index = i
			out.Errors = append(out.Errors, perr)
			return
		}
		out.Candidates = append(out.Candidates, c)
	})
	out.HasNext = doc.Find(nextPageSelector).Length() > 0
	return out, nil
}

func (p *Parser) parseItem(item *goquery.Selection, observed time.Time) (offer.Candidate, error) {
	link := item.Find(titleSelector).First()
	title := strings.TrimSpace(link.Text())
	if title == "" {
		return offer.Candidate{}, &ParseError{Field: "title", Err: errors.New("missing")}
	}
	href, _ := link.Attr("href")
	href = strings.TrimSpace(href)
	if href == "" {
		return offer.Candidate{}, &ParseError{Field: "url", Err: errors.New("missing")}
	}
	abs, err := p.resolve(href)
	if err != nil {
		return offer.Candidate{}, &ParseError{Field: "url", Err: err}
	}

	id, _ := item.Attr("data-adid")
	id = strings.TrimSpace(id)
	if id == "" {
		id = idFromHref(href)
	}

	priceText := item.Find(priceSelector).First().Text()
	if strings.TrimSpace(priceText) == "" {
		priceText = item.Find(priceAltSelector).First().Text()
	}
	price, err := ParsePrice(priceText)
	if err != nil {
		return offer.Candidate{}, &ParseError{Field: "price", Err: err}
	}

	return offer.Candidate{
		ID:         id,
		Title:      title,
		Price:      price,
		URL:        abs,
		ObservedAt: observed,
	}, nil
}

func (p *Parser) resolve(href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	return p.base.ResolveReference(ref).String(), nil
}

// idFromHref derives an id from links shaped like /s-anzeige/slug/2812345678-173-1234.
func idFromHref(href string) string {
	path := strings.TrimRight(strings.SplitN(href, "?", 2)[0], "/")
	last := path[strings.LastIndex(path, "/")+1:]
	if head, _, ok := strings.Cut(last, "-"); ok && head != "" {
		return head
	}
	if last != "" {
		return last
	}
	return href
}

// ParsePrice converts German formatted price text ("1.234 €", "450 € VB") into whole euros.
// Listings without a figure ("VB", "Zu verschenken") yield ErrPriceUnavailable.
func ParsePrice(text string) (int64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, ErrPriceUnavailable
	}
	match := priceNumber.FindString(text)
	if match == "" {
		return 0, ErrPriceUnavailable
	}
	normalized := strings.ReplaceAll(match, ".", "")
	normalized = strings.ReplaceAll(normalized, ",", ".")
	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return 0, fmt.Errorf("price %q: %w", text, err)
	}
	euros := d.Round(0).IntPart()
	if euros <= 0 {
		return 0, ErrPriceUnavailable
	}
	return euros, nil
}
