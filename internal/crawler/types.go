package crawler

import (
	"net/http"
	"time"

	"github.com/JakeFAU/fellowship-crawler/internal/fellowship"
)

// FetchRequest captures everything needed to fetch a page.
type FetchRequest struct {
	URL     string
	Page    int
	Headers http.Header
	// WaitSelector, when set, is awaited by renderers before the DOM is read.
	WaitSelector string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	RobotsStatus RobotsStatus
	RobotsReason string
}

// RobotsStatus reports how robots.txt was resolved for a probe fetch.
type RobotsStatus string

// Robots resolution outcomes.
const (
	RobotsStatusUnknown       RobotsStatus = ""
	RobotsStatusIndeterminate RobotsStatus = "indeterminate"
)

// ExtractInput is the scoped content of one page handed to an Extractor.
type ExtractInput struct {
	Page      int
	URL       string
	Fragments []string
}

// PageStatus classifies how a single page was processed.
type PageStatus string

// Page outcomes.
const (
	PageOK            PageStatus = "ok"
	PageNoResults     PageStatus = "no_results"
	PageFetchFailed   PageStatus = "fetch_failed"
	PageExtractFailed PageStatus = "extract_failed"
	PageEmpty         PageStatus = "empty"
	PageRepeated      PageStatus = "repeated"
)

// PageResult describes one processed page.
type PageResult struct {
	Page        int                 `json:"page"`
	URL         string              `json:"url"`
	Status      PageStatus          `json:"status"`
	Extracted   int                 `json:"extracted"`
	Incomplete  int                 `json:"incomplete"`
	Duplicates  int                 `json:"duplicates"`
	Fingerprint string              `json:"fingerprint,omitempty"`
	Rendered    bool                `json:"rendered"`
	Records     []fellowship.Record `json:"-"`
}

// StopReason explains why pagination ended.
type StopReason string

// Stop reasons.
const (
	StopNoResults    StopReason = "no_results"
	StopEmptyPage    StopReason = "empty_page"
	StopRepeatedPage StopReason = "repeated_page"
	StopMaxPages     StopReason = "max_pages"
	StopCanceled     StopReason = "canceled"
)

// Result is the outcome of a full crawl.
type Result struct {
	RunID      string
	Records    []fellowship.Record
	Pages      []PageResult
	Stop       StopReason
	StartedAt  time.Time
	FinishedAt time.Time
}

// Totals sums the per-page counters.
func (r Result) Totals() Counters {
	c := Counters{Pages: len(r.Pages), Kept: len(r.Records)}
	for _, p := range r.Pages {
		c.Extracted += p.Extracted
		c.Incomplete += p.Incomplete
		c.Duplicates += p.Duplicates
	}
	return c
}

// Counters aggregates record outcomes across pages.
type Counters struct {
	Pages      int `json:"pages"`
	Extracted  int `json:"extracted"`
	Kept       int `json:"kept"`
	Incomplete int `json:"incomplete"`
	Duplicates int `json:"duplicates"`
}

// RecordBatch is the set of records kept from one page, handed to a RecordStore.
type RecordBatch struct {
	RunID       string
	Page        int
	URL         string
	DedupKey    string
	ExtractedAt time.Time
	Records     []fellowship.Record
}

// Progress is a point-in-time view of a running crawl.
type Progress struct {
	RunID       string     `json:"run_id"`
	Running     bool       `json:"running"`
	CurrentPage int        `json:"current_page"`
	Counters    Counters   `json:"counters"`
	Stop        StopReason `json:"stop_reason,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CompletionEvent is published once a crawl finishes.
type CompletionEvent struct {
	RunID      string     `json:"run_id"`
	BaseURL    string     `json:"base_url"`
	Stop       StopReason `json:"stop_reason"`
	Counters   Counters   `json:"counters"`
	OutputURI  string     `json:"output_uri,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}
