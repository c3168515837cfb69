package crawler

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks caller input at the queue boundary. The URL stays opaque beyond a
// basic parse; fetch-specific checks belong to the Fetcher.
func (n NewJob) Validate() error {
	raw := strings.TrimSpace(n.URL)
	if raw == "" {
		return fmt.Errorf("%w: url is required", ErrValidation)
	}
	if _, err := url.Parse(raw); err != nil {
		return fmt.Errorf("%w: parse url: %v", ErrValidation, err)
	}
	if n.Priority != 0 && !n.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %d", ErrValidation, int(n.Priority))
	}
	if n.MaxRetries != nil && *n.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrValidation)
	}
	for _, tag := range n.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("%w: empty tag", ErrValidation)
		}
	}
	// Stores persist these as JSON; a value that cannot be encoded is bad input.
	if _, err := json.Marshal(n.Config); err != nil {
		return fmt.Errorf("%w: config is not JSON-encodable: %v", ErrValidation, err)
	}
	if _, err := json.Marshal(n.Metadata); err != nil {
		return fmt.Errorf("%w: metadata is not JSON-encodable: %v", ErrValidation, err)
	}
	return nil
}

// ValidateResult reports whether a fetch result can be stored. An empty result is allowed.
func ValidateResult(result json.RawMessage) error {
	if len(result) > 0 && !json.Valid(result) {
		return fmt.Errorf("%w: result is not valid JSON", ErrValidation)
	}
	return nil
}
