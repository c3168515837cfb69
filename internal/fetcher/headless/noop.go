package headless

import (
	"context"
	"errors"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
)

// ErrNotConfigured is returned by Noop.
var ErrNotConfigured = errors.New("headless fetcher not configured")

// Noop stands in when headless rendering is disabled. Jobs that demand it fail
// permanently since no retry can change the outcome.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// FetchPage always fails with ErrNotConfigured.
func (Noop) FetchPage(_ context.Context, _ crawler.PageRequest) (crawler.Page, error) {
	return crawler.Page{}, crawler.Permanent(ErrNotConfigured)
}
