package types

import (
	"time"
)

// Result is the outcome of one coordinated acquisition.
// Body is the decoded response body; Headers carries the response headers
// of the final (successful) attempt.
type Result struct {
	URL        string            `json:"url"`
	Status     int               `json:"status"`
	Body       string            `json:"-"`
	Headers    map[string]string `json:"headers,omitempty"`
	Cookies    map[string]string `json:"cookies,omitempty"`
	ProxyURL   string            `json:"proxy,omitempty"`
	UserAgent  string            `json:"userAgent,omitempty"`
	Attempts   int               `json:"attempts"`
	Solver     bool              `json:"flaresolverr,omitempty"` // true when the challenge solver produced the body
	Duration   time.Duration     `json:"-"`
	ScrapedAt  time.Time         `json:"scraped_at"`
	FinalURL   string            `json:"finalUrl,omitempty"`
	RobotsSkip bool              `json:"robotsSkip,omitempty"` // true when robots.txt disallowed the URL
}

// Product is the downstream payload contract: one JSON object per URL with
// at minimum URL and ScrapedAt, plus either parsed fields or an error stub.
type Product struct {
	URL         string         `json:"url"`
	OriginalURL string         `json:"original_url,omitempty"`
	ScrapedAt   string         `json:"scraped_at"` // ISO-8601 UTC
	Title       string         `json:"title,omitempty"`
	Price       string         `json:"price,omitempty"`
	Currency    string         `json:"currency,omitempty"`
	InStock     bool           `json:"in_stock"`
	Stock       int            `json:"stock"`
	Variations  []Variation    `json:"variations"`
	Extra       map[string]any `json:"extra,omitempty"`

	// Error stub fields, set when the URL was definitively unavailable.
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// Variation is one product variant as produced by the external parser.
type Variation struct {
	SKU        string            `json:"sku,omitempty"`
	Price      string            `json:"price,omitempty"`
	InStock    bool              `json:"in_stock"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewErrorProduct builds the stub record emitted when a URL is terminally
// unavailable, so downstream merges preserve coverage metrics.
func NewErrorProduct(url, message string, status int) *Product {
	return &Product{
		URL:        url,
		ScrapedAt:  time.Now().UTC().Format(time.RFC3339),
		InStock:    false,
		Stock:      0,
		Variations: []Variation{},
		Error:      message,
		StatusCode: status,
	}
}

// Parser turns a validated response body into a product payload.
// Site-specific parsers are external collaborators; the core treats them as
// pure functions over response bodies.
type Parser func(url, body string) (*Product, error)
