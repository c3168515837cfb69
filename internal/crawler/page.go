package crawler

import (
	"context"
	"net/http"
	"time"
)

// RobotsStatus records what the robots.txt probe concluded for a page.
type RobotsStatus string

// Robots probe results.
const (
	RobotsStatusUnknown RobotsStatus = ""
	// RobotsStatusIgnored means the job or fetcher config turned robots.txt off.
	RobotsStatusIgnored RobotsStatus = "ignored"
	// RobotsStatusFound means a robots.txt was served and its rules were applied.
	RobotsStatusFound RobotsStatus = "found"
	// RobotsStatusAbsent means the host answered robots.txt with a 4xx; everything is allowed.
	RobotsStatusAbsent RobotsStatus = "absent"
	// RobotsStatusIndeterminate means robots.txt could not be read and the fetch went
	// ahead under an allow-all fallback.
	RobotsStatusIndeterminate RobotsStatus = "indeterminate"
)

// PageRequest asks a PageFetcher for one URL.
type PageRequest struct {
	JobID   string
	URL     string
	Headers http.Header
	// RespectRobots overrides the fetcher default when non-nil.
	RespectRobots *bool
}

// Page is the raw outcome of a single page fetch.
type Page struct {
	URL          string        `json:"url"`
	StatusCode   int           `json:"status_code"`
	Headers      http.Header   `json:"-"`
	Body         []byte        `json:"-"`
	Title        string        `json:"title,omitempty"`
	Duration     time.Duration `json:"-"`
	UsedHeadless bool          `json:"headless"`
	RobotsStatus RobotsStatus  `json:"robots_status,omitempty"`
	RobotsReason string        `json:"robots_reason,omitempty"`
}

// PageFetcher retrieves a single page. Errors should be tagged with Permanent or
// Recoverable; untagged errors are treated as recoverable.
type PageFetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
}

// HeadlessDetector decides whether a probe response needs a browser render.
type HeadlessDetector interface {
	ShouldPromote(page Page) bool
}

// RateLimiter paces requests to a URL's host.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}
