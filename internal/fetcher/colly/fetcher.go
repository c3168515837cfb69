// Package collyfetcher implements crawler.PageFetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodySize caps the bytes read per response; 0 keeps the colly default.
	MaxBodySize int
}

// Fetcher implements crawler.PageFetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	// retries visit the same URL through clones that share the visited store
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// FetchPage executes a single HTTP GET using Colly.
func (f *Fetcher) FetchPage(ctx context.Context, request crawler.PageRequest) (crawler.Page, error) {
	if err := validateTarget(request.URL); err != nil {
		return crawler.Page{}, err
	}
	var (
		result    crawler.Page
		fetchErr  error
		errStatus int
	)
	start := time.Now()
	collector, tracker := f.buildCollector(request, start, &result, &fetchErr, &errStatus)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr, &errStatus); err != nil {
		return crawler.Page{}, err
	}
	if tracker == nil {
		result.RobotsStatus = crawler.RobotsStatusIgnored
	} else {
		tracker.apply(&result)
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request crawler.PageRequest,
	start time.Time,
	result *crawler.Page,
	fetchErr *error,
	errStatus *int,
) (*colly.Collector, *robotsTracker) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	respectRobots := f.cfg.RespectRobots
	if request.RespectRobots != nil {
		respectRobots = *request.RespectRobots
	}
	collector.IgnoreRobotsTxt = !respectRobots
	timeout := f.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	collector.SetRequestTimeout(timeout)

	var tracker *robotsTracker
	baseTransport := f.transport
	if baseTransport == nil {
		baseTransport = newHTTPTransport()
	}
	if respectRobots {
		tracker = newRobotsTracker(baseTransport)
		collector.WithTransport(tracker)
	} else {
		collector.WithTransport(baseTransport)
	}

	f.configureCollectorHooks(collector, request, start, result, fetchErr, errStatus)
	return collector, tracker
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.PageRequest,
	start time.Time,
	result *crawler.Page,
	fetchErr *error,
	errStatus *int,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnHTML("title", func(e *colly.HTMLElement) {
		if result.Title == "" {
			result.Title = strings.TrimSpace(e.Text)
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		*fetchErr = err
		if r != nil {
			*errStatus = r.StatusCode
		}
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	target string,
	fetchErr *error,
	errStatus *int,
) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return classify(*errStatus, fmt.Errorf("colly response failed: %w", *fetchErr))
		}
		if err != nil {
			return classify(*errStatus, fmt.Errorf("colly visit failed: %w", err))
		}
		return nil
	}
}

// classify tags a collector error. Requests that cannot succeed on retry are permanent:
// robots exclusions, disallowed URLs and client errors other than 408 and 429.
func classify(status int, err error) error {
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked),
		errors.Is(err, colly.ErrForbiddenDomain),
		errors.Is(err, colly.ErrForbiddenURL),
		errors.Is(err, colly.ErrMissingURL):
		return crawler.Permanent(err)
	case status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests:
		return crawler.Permanent(fmt.Errorf("http status %d: %w", status, err))
	case status > 0:
		return crawler.Recoverable(fmt.Errorf("http status %d: %w", status, err))
	default:
		return crawler.Recoverable(err)
	}
}

func validateTarget(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return crawler.Permanent(fmt.Errorf("invalid url %q: %w", raw, err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return crawler.Permanent(fmt.Errorf("invalid url %q: unsupported scheme %q", raw, u.Scheme))
	}
	if u.Host == "" {
		return crawler.Permanent(fmt.Errorf("invalid url %q: missing host", raw))
	}
	return nil
}

func copyHeaders(request crawler.PageRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
