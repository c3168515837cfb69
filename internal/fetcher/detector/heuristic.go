// Package detector decides when a probe fetch should be repeated in a headless browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
)

const defaultMinTextBytes = 2048

// Reasons reported by Decide.
const (
	ReasonNone        = ""
	ReasonEmptyBody   = "empty body"
	ReasonAppShell    = "client-side app shell"
	ReasonNoScript    = "noscript asks for JavaScript"
	ReasonScriptHeavy = "little text behind scripts"
)

// appShellSelectors match the mount points of common client-rendered frameworks when
// they arrive empty from the server.
var appShellSelectors = []string{
	"#__next:empty",
	"#root:empty",
	"#app:empty",
	"[data-reactroot]:empty",
	"[ng-version]:empty",
}

// Heuristic promotes pages that look client-rendered. Pages that are already
// browser-rendered or did not return 200 are never promoted.
type Heuristic struct {
	// MinTextBytes is the visible-text size below which a page carrying scripts is
	// assumed to render its content in the browser.
	MinTextBytes int
}

// NewHeuristic creates a new detector; a non-positive threshold uses 2048 bytes.
func NewHeuristic(minTextBytes int) *Heuristic {
	if minTextBytes <= 0 {
		minTextBytes = defaultMinTextBytes
	}
	return &Heuristic{MinTextBytes: minTextBytes}
}

// ShouldPromote implements crawler.HeadlessDetector.
func (h *Heuristic) ShouldPromote(page crawler.Page) bool {
	return h.Decide(page) != ReasonNone
}

// Decide returns why page needs a browser render, or ReasonNone.
func (h *Heuristic) Decide(page crawler.Page) string {
	if page.StatusCode != http.StatusOK || page.UsedHeadless {
		return ReasonNone
	}
	if len(bytes.TrimSpace(page.Body)) == 0 {
		return ReasonEmptyBody
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return ReasonNone
	}
	for _, sel := range appShellSelectors {
		if doc.Find(sel).Length() > 0 {
			return ReasonAppShell
		}
	}
	if strings.Contains(strings.ToLower(doc.Find("noscript").Text()), "javascript") {
		return ReasonNoScript
	}

	scripts := doc.Find("script").Length()
	doc.Find("script, style, noscript, template").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if scripts > 0 && len(text) < h.MinTextBytes {
		return ReasonScriptHeavy
	}
	return ReasonNone
}
