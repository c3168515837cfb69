package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/metrics"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/policy/backoff"
)

const (
	robotsMaxAttempts  = 4
	robotsReasonTLS    = "robots.txt unreachable: TLS handshake timeout"
	robotsAllowAllBody = "User-agent: *\nAllow: /"
)

// robotsPauses spaces robots.txt retries 250ms, 500ms, 1s apart.
var robotsPauses = backoff.NewExponential(250*time.Millisecond, time.Second, false)

// robotsTracker watches the robots.txt exchange colly performs before a page fetch and
// records what it concluded, so the job result says under which rules the page was fetched.
type robotsTracker struct {
	base  http.RoundTripper
	pause func(attempt int) time.Duration

	mu     sync.Mutex
	status crawler.RobotsStatus
	reason string
}

func newRobotsTracker(base http.RoundTripper) *robotsTracker {
	return &robotsTracker{base: base, pause: robotsPauses.Delay}
}

// RoundTrip passes page requests through and retries robots.txt on transient failures.
func (p *robotsTracker) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots tracker received nil request")
	}
	if !isRobotsTxtRequest(req) {
		resp, err := p.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("page roundtrip: %w", err)
		}
		return resp, nil
	}

	for attempt := 0; ; attempt++ {
		resp, err := p.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			p.observe(resp.StatusCode)
			return resp, nil
		}
		if !isTransientTLSError(err) {
			return nil, fmt.Errorf("robots roundtrip: %w", err)
		}
		if attempt == robotsMaxAttempts-1 {
			p.record(crawler.RobotsStatusIndeterminate, robotsReasonTLS)
			metrics.ObserveRobotsTLSHandshakeTimeout()
			return allowAllRobots(req), nil
		}
		if err := sleepWithContext(req.Context(), p.pause(attempt)); err != nil {
			return nil, err
		}
	}
}

func (p *robotsTracker) observe(code int) {
	switch {
	case code >= 200 && code < 300:
		p.record(crawler.RobotsStatusFound, "")
	case code >= 400 && code < 500:
		p.record(crawler.RobotsStatusAbsent, fmt.Sprintf("robots.txt returned %d", code))
	default:
		p.record(crawler.RobotsStatusIndeterminate, fmt.Sprintf("robots.txt returned %d", code))
	}
}

func (p *robotsTracker) record(status crawler.RobotsStatus, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
	p.reason = reason
}

// apply copies the outcome onto page. A page fetched without a robots.txt exchange
// (colly cached the host's rules) keeps whatever the page already carries.
func (p *robotsTracker) apply(page *crawler.Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if page == nil || p.status == crawler.RobotsStatusUnknown {
		return
	}
	page.RobotsStatus = p.status
	page.RobotsReason = p.reason
}

func isRobotsTxtRequest(req *http.Request) bool {
	return req.URL != nil && strings.EqualFold(req.URL.Path, "/robots.txt")
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots retry pause: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func allowAllRobots(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(robotsAllowAllBody)),
		ContentLength: int64(len(robotsAllowAllBody)),
		Header:        make(http.Header),
		Request:       req,
	}
}

func isTransientTLSError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
