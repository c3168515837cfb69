// Package fetcher turns a claimed job into a scrape result: it paces the request, fetches
// the page over HTTP, re-renders script-heavy pages in a headless browser, archives the
// body under its content hash and reports a JSON summary.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/clock"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/metrics"
)

const defaultMaxInlineBody = 64 << 10

// ErrBlockedDomain marks URLs whose host is on the configured blocklist.
var ErrBlockedDomain = errors.New("domain is blocked")

// Config controls Pipeline behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
	// PromoteHeadless lets the detector re-run pages in a browser unless a job opts out.
	PromoteHeadless bool
	BlockedDomains  []string
	// MaxInlineBody caps the body returned when a job sets include_body.
	MaxInlineBody int
}

// Deps are the collaborators of a Pipeline. Only Probe is required.
type Deps struct {
	Probe    crawler.PageFetcher
	Headless crawler.PageFetcher
	Detector crawler.HeadlessDetector
	Limiter  crawler.RateLimiter
	Blobs    crawler.BlobStore
	Clock    crawler.Clock
}

// Result is the JSON document stored as a completed job's result.
type Result struct {
	URL          string    `json:"url"`
	FinalURL     string    `json:"final_url"`
	StatusCode   int       `json:"status_code"`
	Title        string    `json:"title,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	Bytes        int       `json:"bytes"`
	SHA256       string    `json:"sha256"`
	BlobURI      string    `json:"blob_uri,omitempty"`
	Headless     bool      `json:"headless"`
	Promoted     bool      `json:"promoted,omitempty"`
	RobotsStatus string    `json:"robots_status,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	FetchedAt    time.Time `json:"fetched_at"`
	Attempt      int       `json:"attempt"`
	Body         string    `json:"body,omitempty"`
}

// Pipeline implements crawler.Fetcher.
type Pipeline struct {
	deps      Deps
	cfg       Config
	blocklist *domainBlocklist
	logger    *zap.Logger
}

// New constructs a Pipeline.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Pipeline, error) {
	if deps.Probe == nil {
		return nil, errors.New("fetch pipeline requires a probe fetcher")
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if cfg.MaxInlineBody <= 0 {
		cfg.MaxInlineBody = defaultMaxInlineBody
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		deps:      deps,
		cfg:       cfg,
		blocklist: newDomainBlocklist(cfg.BlockedDomains),
		logger:    logger.Named("fetcher"),
	}, nil
}

// Fetch runs one attempt for the job described by req.
func (p *Pipeline) Fetch(ctx context.Context, req crawler.FetchRequest) (json.RawMessage, error) {
	opts, err := parseOptions(req.Config, p.cfg)
	if err != nil {
		return nil, err
	}
	target, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil {
		return nil, crawler.Permanent(fmt.Errorf("invalid url %q: %w", req.URL, err))
	}
	if p.blocklist.IsBlocked(target.Hostname()) {
		return nil, crawler.Permanent(fmt.Errorf("%w: %s", ErrBlockedDomain, target.Hostname()))
	}
	if p.deps.Limiter != nil {
		if err := p.deps.Limiter.Wait(ctx, req.URL); err != nil {
			return nil, err
		}
	}

	page, promoted, err := p.fetchPage(ctx, req, opts)
	if err != nil {
		metrics.ObserveFetch(req.URL, crawler.ClassifyFetchError(err).String(), 0)
		return nil, err
	}
	metrics.ObserveFetch(req.URL, crawler.FetchOK.String(), len(page.Body))

	sum := sha256.Sum256(page.Body)
	digest := hex.EncodeToString(sum[:])

	var blobURI string
	if p.deps.Blobs != nil && opts.archive {
		blobURI, err = p.deps.Blobs.PutObject(ctx, p.blobPath(req.JobID, digest), p.cfg.ContentType, page.Body)
		if err != nil {
			metrics.ObserveArchiveFailure()
			return nil, crawler.Recoverable(fmt.Errorf("archive page: %w", err))
		}
	}

	result := Result{
		URL:          req.URL,
		FinalURL:     page.URL,
		StatusCode:   page.StatusCode,
		Title:        page.Title,
		Bytes:        len(page.Body),
		SHA256:       digest,
		BlobURI:      blobURI,
		Headless:     page.UsedHeadless,
		Promoted:     promoted,
		RobotsStatus: string(page.RobotsStatus),
		DurationMS:   page.Duration.Milliseconds(),
		FetchedAt:    p.deps.Clock.Now(),
		Attempt:      req.Attempt,
	}
	if page.Headers != nil {
		result.ContentType = page.Headers.Get("Content-Type")
	}
	if opts.includeBody {
		body := page.Body
		if len(body) > p.cfg.MaxInlineBody {
			body = body[:p.cfg.MaxInlineBody]
		}
		result.Body = string(body)
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, crawler.Permanent(fmt.Errorf("encode result: %w", err))
	}
	p.logger.Debug("page fetched",
		zap.String("job_id", req.JobID),
		zap.String("url", req.URL),
		zap.Int("status_code", page.StatusCode),
		zap.Bool("headless", page.UsedHeadless),
		zap.String("blob_uri", blobURI),
	)
	return encoded, nil
}

func (p *Pipeline) fetchPage(ctx context.Context, req crawler.FetchRequest, opts options) (crawler.Page, bool, error) {
	pageReq := crawler.PageRequest{
		JobID:         req.JobID,
		URL:           req.URL,
		Headers:       opts.headers,
		RespectRobots: opts.respectRobots,
	}
	if opts.forceHeadless {
		if p.deps.Headless == nil {
			return crawler.Page{}, false, crawler.Permanent(errors.New("headless rendering requested but not available"))
		}
		page, err := p.deps.Headless.FetchPage(ctx, pageReq)
		if err != nil {
			return crawler.Page{}, false, fmt.Errorf("headless fetch: %w", err)
		}
		return page, false, nil
	}

	page, err := p.deps.Probe.FetchPage(ctx, pageReq)
	if err != nil {
		return crawler.Page{}, false, fmt.Errorf("probe fetch: %w", err)
	}
	if promoted, ok := p.maybePromote(ctx, req, pageReq, page, opts); ok {
		return promoted, true, nil
	}
	return page, false, nil
}

// maybePromote re-renders the page in a browser when the detector asks for it. A failed
// render keeps the probe result.
func (p *Pipeline) maybePromote(
	ctx context.Context,
	req crawler.FetchRequest,
	pageReq crawler.PageRequest,
	probe crawler.Page,
	opts options,
) (crawler.Page, bool) {
	if !opts.allowPromote || p.deps.Detector == nil || p.deps.Headless == nil {
		return probe, false
	}
	if !p.deps.Detector.ShouldPromote(probe) {
		return probe, false
	}
	rendered, err := p.deps.Headless.FetchPage(ctx, pageReq)
	if err != nil {
		p.logger.Warn("headless promotion failed",
			zap.String("job_id", req.JobID),
			zap.String("url", req.URL),
			zap.Error(err),
		)
		return probe, false
	}
	metrics.ObserveHeadlessPromotion()
	rendered.UsedHeadless = true
	if rendered.RobotsStatus == crawler.RobotsStatusUnknown {
		rendered.RobotsStatus = probe.RobotsStatus
		rendered.RobotsReason = probe.RobotsReason
	}
	return rendered, true
}

func (p *Pipeline) blobPath(jobID, digest string) string {
	prefix := strings.Trim(p.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, digest)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, digest)
}
