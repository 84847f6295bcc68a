// Package detector decides when a probed page needs a browser render.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/fellowship-crawler/internal/crawler"
)

// Options tune the heuristic.
type Options struct {
	// BodyLengthThreshold marks bodies shorter than this as candidates for
	// the script density check.
	BodyLengthThreshold int
	// ScriptDensityPercent is the share of a short body covered by <script>
	// blocks above which the page is treated as JS-driven.
	ScriptDensityPercent int
	// Selector, when set, promotes pages where it matches nothing.
	Selector string
	// NoResultsMarker pages are never promoted; they end the crawl as-is.
	NoResultsMarker string
}

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	opts Options
}

var _ crawler.HeadlessDetector = (*Heuristic)(nil)

// NewHeuristic creates a new detector.
func NewHeuristic(opts Options) *Heuristic {
	if opts.BodyLengthThreshold <= 0 {
		opts.BodyLengthThreshold = 2048
	}
	if opts.ScriptDensityPercent <= 0 || opts.ScriptDensityPercent > 100 {
		opts.ScriptDensityPercent = 25
	}
	return &Heuristic{opts: opts}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// ShouldPromote decides whether the probe body should be replaced by a
// browser render.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != 200 {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if h.opts.NoResultsMarker != "" && bytes.Contains(body, []byte(h.opts.NoResultsMarker)) {
		return false
	}
	if len(body) < h.opts.BodyLengthThreshold && scriptCoverage(body) >= h.opts.ScriptDensityPercent {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return h.selectorMissing(body)
}

func (h *Heuristic) selectorMissing(body []byte) bool {
	if h.opts.Selector == "" {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return true
	}
	return doc.Find(h.opts.Selector).Length() == 0
}

// scriptCoverage returns the percentage of body bytes inside <script> blocks.
func scriptCoverage(body []byte) int {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return 0
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel

		end := total
		if tagClose := strings.IndexByte(lower[start:], '>'); tagClose != -1 {
			contentStart := start + tagClose + 1
			if relEnd := strings.Index(lower[contentStart:], closeTag); relEnd != -1 {
				end = contentStart + relEnd + len(closeTag)
			}
		}
		covered += end - start
		pos = end
		if pos >= total {
			break
		}
	}
	return covered * 100 / total
}
