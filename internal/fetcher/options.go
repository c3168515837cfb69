package fetcher

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
)

// Job config keys understood by the pipeline. Unknown keys are ignored.
const (
	optHeadless      = "headless"
	optAllowHeadless = "allow_headless"
	optRespectRobots = "respect_robots"
	optHeaders       = "headers"
	optIncludeBody   = "include_body"
	optArchive       = "archive"
)

type options struct {
	forceHeadless bool
	allowPromote  bool
	respectRobots *bool
	headers       http.Header
	includeBody   bool
	archive       bool
}

// parseOptions reads the opaque job config. A value of the wrong type is a permanent
// failure: retrying the same config cannot succeed.
func parseOptions(cfg map[string]any, defaults Config) (options, error) {
	opts := options{
		allowPromote: defaults.PromoteHeadless,
		archive:      true,
	}
	var err error
	if opts.forceHeadless, err = boolOpt(cfg, optHeadless, false); err != nil {
		return options{}, err
	}
	if opts.allowPromote, err = boolOpt(cfg, optAllowHeadless, opts.allowPromote); err != nil {
		return options{}, err
	}
	if opts.includeBody, err = boolOpt(cfg, optIncludeBody, false); err != nil {
		return options{}, err
	}
	if opts.archive, err = boolOpt(cfg, optArchive, true); err != nil {
		return options{}, err
	}
	if _, ok := cfg[optRespectRobots]; ok {
		respect, err := boolOpt(cfg, optRespectRobots, false)
		if err != nil {
			return options{}, err
		}
		opts.respectRobots = &respect
	}
	if opts.headers, err = headersOpt(cfg); err != nil {
		return options{}, err
	}
	return opts, nil
}

func boolOpt(cfg map[string]any, key string, fallback bool) (bool, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1":
			return true, nil
		case "false", "no", "0":
			return false, nil
		}
	}
	return false, crawler.Permanent(fmt.Errorf("%w: config %q must be a boolean, got %T", crawler.ErrValidation, key, raw))
}

func headersOpt(cfg map[string]any) (http.Header, error) {
	raw, ok := cfg[optHeaders]
	if !ok || raw == nil {
		return nil, nil
	}
	values, ok := raw.(map[string]any)
	if !ok {
		if typed, isStrings := raw.(map[string]string); isStrings {
			values = make(map[string]any, len(typed))
			for k, v := range typed {
				values[k] = v
			}
		} else {
			return nil, crawler.Permanent(fmt.Errorf("%w: config %q must be an object", crawler.ErrValidation, optHeaders))
		}
	}
	headers := make(http.Header, len(values))
	for key, value := range values {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				s, isString := entry.(string)
				if !isString {
					return nil, crawler.Permanent(fmt.Errorf("%w: header %q values must be strings", crawler.ErrValidation, key))
				}
				headers.Add(key, s)
			}
		default:
			return nil, crawler.Permanent(fmt.Errorf("%w: header %q must be a string", crawler.ErrValidation, key))
		}
	}
	return headers, nil
}
