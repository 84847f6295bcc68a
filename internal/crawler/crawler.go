package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/fellowship-crawler/internal/fellowship"
	"github.com/JakeFAU/fellowship-crawler/internal/metrics"
)

// DefaultNoResultsMarker is the text that marks a page past the end of the directory.
const DefaultNoResultsMarker = "No Results Found"

// Config holds the settings for a crawl session.
// It is decoupled from Viper so the engine can be tested on its own.
type Config struct {
	BaseURL         string
	PageParam       string
	StartPage       int
	MaxPages        int
	NoResultsMarker string
	CSSSelector     string
	StopOnRepeat    bool
	AlwaysRender    bool
	RequiredKeys    []string
	DedupKey        string
	Headers         http.Header
}

// Deps bundles the collaborators used by the Engine. Renderer, Detector,
// Store and Pacer are optional.
type Deps struct {
	Probe     Fetcher
	Renderer  Fetcher
	Detector  HeadlessDetector
	Scoper    Scoper
	Extractor Extractor
	Hasher    Hasher
	Pacer     Pacer
	Clock     Clock
	Store     RecordStore
}

// Engine runs the sequential pagination loop.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu       sync.RWMutex
	progress Progress
}

// NewEngine validates the dependencies and builds an Engine.
func NewEngine(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	if deps.Probe == nil {
		return nil, errors.New("probe fetcher is required")
	}
	if deps.Scoper == nil || deps.Extractor == nil {
		return nil, errors.New("scoper and extractor are required")
	}
	if deps.Hasher == nil || deps.Clock == nil {
		return nil, errors.New("hasher and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StartPage <= 0 {
		cfg.StartPage = 1
	}
	if cfg.PageParam == "" {
		cfg.PageParam = DefaultPageParam
	}
	if _, err := PageURL(cfg.BaseURL, cfg.PageParam, cfg.StartPage); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, deps: deps, logger: logger}, nil
}

// Progress returns a snapshot of the running crawl.
func (e *Engine) Progress() Progress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.progress
}

// Run crawls pages starting at the configured start page until a stop
// condition is met. The returned Result always carries the records collected
// so far; the error is non-nil only when ctx was canceled.
func (e *Engine) Run(ctx context.Context, runID string) (Result, error) {
	result := Result{RunID: runID, StartedAt: e.deps.Clock.Now()}
	filter := fellowship.NewFilter(e.cfg.RequiredKeys, e.cfg.DedupKey)
	logger := e.logger.With(zap.String("run_id", runID))
	e.setProgress(func(p *Progress) {
		*p = Progress{RunID: runID, Running: true, StartedAt: result.StartedAt, UpdatedAt: result.StartedAt}
	})

	var (
		runErr          error
		lastFingerprint string
	)
	page := e.cfg.StartPage
	for {
		if err := ctx.Err(); err != nil {
			result.Stop, runErr = StopCanceled, err
			break
		}
		if e.cfg.MaxPages > 0 && len(result.Pages) >= e.cfg.MaxPages {
			logger.Info("Reached page limit. Ending crawl.", zap.Int("max_pages", e.cfg.MaxPages))
			result.Stop = StopMaxPages
			break
		}

		pageResult, err := e.fetchAndProcessPage(ctx, logger, page, filter, lastFingerprint)
		if err != nil {
			result.Stop, runErr = StopCanceled, err
			break
		}
		result.Pages = append(result.Pages, pageResult)
		e.recordProgress(page, result)

		if stop, done := stopReason(pageResult); done {
			switch stop {
			case StopNoResults:
				logger.Info("No more fellowships found. Ending crawl.", zap.Int("page", page))
			case StopRepeatedPage:
				logger.Info("Page repeats the previous page. Ending crawl.", zap.Int("page", page))
			default:
				logger.Info("No fellowships extracted from page. Ending crawl.", zap.Int("page", page))
			}
			result.Stop = stop
			break
		}

		result.Records = append(result.Records, pageResult.Records...)
		e.saveRecords(ctx, logger, runID, pageResult)
		e.recordProgress(page, result)
		lastFingerprint = pageResult.Fingerprint
		page++
	}

	result.FinishedAt = e.deps.Clock.Now()
	e.setProgress(func(p *Progress) {
		p.Running = false
		p.Stop = result.Stop
		p.Counters = result.Totals()
		p.UpdatedAt = result.FinishedAt
	})
	return result, runErr
}

func stopReason(p PageResult) (StopReason, bool) {
	switch p.Status {
	case PageNoResults:
		return StopNoResults, true
	case PageRepeated:
		return StopRepeatedPage, true
	}
	if len(p.Records) == 0 {
		return StopEmptyPage, true
	}
	return "", false
}

// fetchAndProcessPage fetches one page and returns its filtered records. Fetch
// and extraction failures are logged and reported through the page status; an
// error is only returned when ctx is done.
func (e *Engine) fetchAndProcessPage(
	ctx context.Context,
	logger *zap.Logger,
	page int,
	filter *fellowship.Filter,
	lastFingerprint string,
) (PageResult, error) {
	url, err := PageURL(e.cfg.BaseURL, e.cfg.PageParam, page)
	if err != nil {
		return PageResult{}, err
	}
	result := PageResult{Page: page, URL: url}
	logger = logger.With(zap.Int("page", page), zap.String("url", url))

	if e.deps.Pacer != nil {
		if err := e.deps.Pacer.Wait(ctx, url); err != nil {
			return PageResult{}, fmt.Errorf("polite delay: %w", err)
		}
	}
	logger.Info("Loading page")

	resp, err := e.fetch(ctx, logger, url, page)
	if err != nil {
		if ctx.Err() != nil {
			return PageResult{}, fmt.Errorf("fetch page %d: %w", page, ctx.Err())
		}
		logger.Error("Error fetching page", zap.Error(err))
		return e.finish(result, PageFetchFailed), nil
	}
	result.Rendered = resp.UsedHeadless

	if e.isNoResults(resp.Body) {
		return e.finish(result, PageNoResults), nil
	}

	fragments, err := e.deps.Scoper.Scope(resp.Body)
	if err != nil {
		logger.Error("Error scoping page", zap.Error(err))
		return e.finish(result, PageExtractFailed), nil
	}
	if len(fragments) == 0 {
		logger.Warn("No content matched the extraction selector", zap.String("selector", e.cfg.CSSSelector))
		return e.finish(result, PageEmpty), nil
	}

	fingerprint, err := e.deps.Hasher.Hash([]byte(strings.Join(fragments, "\n")))
	if err != nil {
		logger.Warn("Failed to fingerprint page", zap.Error(err))
	}
	result.Fingerprint = fingerprint
	if e.cfg.StopOnRepeat && fingerprint != "" && fingerprint == lastFingerprint {
		return e.finish(result, PageRepeated), nil
	}

	extracted, err := e.deps.Extractor.Extract(ctx, ExtractInput{Page: page, URL: url, Fragments: fragments})
	if err != nil {
		if ctx.Err() != nil {
			return PageResult{}, fmt.Errorf("extract page %d: %w", page, ctx.Err())
		}
		logger.Error("Error extracting page", zap.Error(err))
		return e.finish(result, PageExtractFailed), nil
	}
	if len(extracted) == 0 {
		logger.Info("No fellowships found on page")
		return e.finish(result, PageEmpty), nil
	}
	result.Extracted = len(extracted)
	logger.Debug("Extracted data", zap.Int("count", len(extracted)))

	e.filterRecords(logger, filter, extracted, &result)
	if len(result.Records) == 0 {
		logger.Info("No complete fellowships found on page")
		return e.finish(result, PageEmpty), nil
	}

	logger.Info("Extracted fellowships from page", zap.Int("kept", len(result.Records)))
	return e.finish(result, PageOK), nil
}

func (e *Engine) filterRecords(
	logger *zap.Logger,
	filter *fellowship.Filter,
	extracted []fellowship.Record,
	result *PageResult,
) {
	for _, rec := range extracted {
		logger.Debug("Processing fellowship", zap.Stringer("record", rec))

		verdict := filter.Admit(rec)
		metrics.ObserveRecord(string(verdict))
		switch verdict {
		case fellowship.VerdictIncomplete:
			result.Incomplete++
		case fellowship.VerdictDuplicate:
			result.Duplicates++
			logger.Info("Duplicate fellowship found. Skipping.", zap.String("program_name", filter.ProgramName(rec)))
		default:
			result.Records = append(result.Records, rec)
		}
	}
}

func (e *Engine) fetch(ctx context.Context, logger *zap.Logger, url string, page int) (FetchResponse, error) {
	request := FetchRequest{URL: url, Page: page, Headers: e.cfg.Headers, WaitSelector: e.cfg.CSSSelector}
	if e.cfg.AlwaysRender && e.deps.Renderer != nil {
		resp, err := e.deps.Renderer.Fetch(ctx, request)
		if err != nil {
			return FetchResponse{}, fmt.Errorf("render: %w", err)
		}
		return resp, nil
	}

	probe, err := e.deps.Probe.Fetch(ctx, request)
	if err != nil {
		return FetchResponse{}, fmt.Errorf("probe: %w", err)
	}
	if e.deps.Renderer == nil || e.deps.Detector == nil || !e.deps.Detector.ShouldPromote(probe) {
		return probe, nil
	}

	logger.Debug("Promoting page to browser render")
	rendered, err := e.deps.Renderer.Fetch(ctx, request)
	if err != nil {
		if ctx.Err() != nil {
			return FetchResponse{}, fmt.Errorf("render: %w", ctx.Err())
		}
		logger.Warn("Browser render failed; using probe body", zap.Error(err))
		return probe, nil
	}
	return rendered, nil
}

func (e *Engine) isNoResults(body []byte) bool {
	marker := e.cfg.NoResultsMarker
	return marker != "" && bytes.Contains(body, []byte(marker))
}

func (e *Engine) finish(result PageResult, status PageStatus) PageResult {
	result.Status = status
	metrics.ObservePage(result.URL, string(status))
	return result
}

func (e *Engine) saveRecords(ctx context.Context, logger *zap.Logger, runID string, page PageResult) {
	if e.deps.Store == nil {
		return
	}
	batch := RecordBatch{
		RunID:       runID,
		Page:        page.Page,
		URL:         page.URL,
		DedupKey:    e.cfg.DedupKey,
		ExtractedAt: e.deps.Clock.Now(),
		Records:     page.Records,
	}
	if err := e.deps.Store.SaveRecords(ctx, batch); err != nil {
		metrics.ObserveSinkFailure("record_store")
		logger.Error("Failed to persist records", zap.Int("page", page.Page), zap.Error(err))
	}
}

func (e *Engine) recordProgress(page int, result Result) {
	now := e.deps.Clock.Now()
	e.setProgress(func(p *Progress) {
		p.CurrentPage = page
		p.Counters = result.Totals()
		p.UpdatedAt = now
	})
}

func (e *Engine) setProgress(update func(*Progress)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	update(&e.progress)
}
