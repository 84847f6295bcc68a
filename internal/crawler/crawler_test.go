package crawler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fellowship-crawler/internal/fellowship"
)

const testBaseURL = "https://example.edu/fellows"

// MockExtractor is a mock implementation of the Extractor interface.
type MockExtractor struct {
	mock.Mock
}

func (m *MockExtractor) Extract(ctx context.Context, input ExtractInput) ([]fellowship.Record, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]fellowship.Record), args.Error(1)
}

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]FetchResponse
	errs      map[string]error
	calls     []string
	headless  bool
}

func (f *fakeFetcher) Fetch(_ context.Context, req FetchRequest) (FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.URL)
	if err, ok := f.errs[req.URL]; ok {
		return FetchResponse{}, err
	}
	resp, ok := f.responses[req.URL]
	if !ok {
		return FetchResponse{}, errors.New("not found")
	}
	resp.UsedHeadless = f.headless
	return resp, nil
}

type lineScoper struct{}

// Scope returns every line starting with "<li>".
func (lineScoper) Scope(body []byte) ([]string, error) {
	var out []string
	for _, line := range strings.Split(string(body), "\n") {
		if strings.HasPrefix(line, "<li>") {
			out = append(out, line)
		}
	}
	return out, nil
}

type identityHasher struct{}

func (identityHasher) Hash(data []byte) (string, error) {
	return string(data), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type fakeStore struct {
	batches []RecordBatch
	err     error
}

func (s *fakeStore) SaveRecords(_ context.Context, batch RecordBatch) error {
	s.batches = append(s.batches, batch)
	return s.err
}

type countingPacer struct {
	waits int
}

func (p *countingPacer) Wait(_ context.Context, _ string) error {
	p.waits++
	return nil
}

type promoteAll struct{}

func (promoteAll) ShouldPromote(FetchResponse) bool { return true }

func pageURL(t *testing.T, page int) string {
	t.Helper()
	u, err := PageURL(testBaseURL, "page", page)
	require.NoError(t, err)
	return u
}

func htmlPage(lines ...string) FetchResponse {
	return FetchResponse{StatusCode: http.StatusOK, Body: []byte(strings.Join(lines, "\n"))}
}

func rec(program, name, pgy string) fellowship.Record {
	return fellowship.NewRecord("program_name", program, "name", name, "PGY", pgy)
}

func newTestEngine(t *testing.T, cfg Config, deps Deps) *Engine {
	t.Helper()
	if cfg.BaseURL == "" {
		cfg.BaseURL = testBaseURL
	}
	if cfg.RequiredKeys == nil {
		cfg.RequiredKeys = fellowship.DefaultRequiredKeys()
	}
	if cfg.NoResultsMarker == "" {
		cfg.NoResultsMarker = DefaultNoResultsMarker
	}
	if deps.Scoper == nil {
		deps.Scoper = lineScoper{}
	}
	if deps.Hasher == nil {
		deps.Hasher = identityHasher{}
	}
	if deps.Clock == nil {
		deps.Clock = &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	}
	engine, err := NewEngine(cfg, deps, zap.NewNop())
	require.NoError(t, err)
	return engine
}

func TestEngineStopsOnNoResultsMarker(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{responses: map[string]FetchResponse{
		pageURL(t, 1): htmlPage("<li>alpha</li>"),
		pageURL(t, 2): htmlPage("<p>No Results Found</p>"),
	}}
	extractor := new(MockExtractor)
	extractor.On("Extract", mock.Anything, mock.MatchedBy(func(in ExtractInput) bool { return in.Page == 1 })).
		Return([]fellowship.Record{rec("Cardiology", "Jane", "PGY-4")}, nil).Once()
	store := &fakeStore{}
	pacer := &countingPacer{}

	engine := newTestEngine(t, Config{StopOnRepeat: true}, Deps{
		Probe: fetcher, Extractor: extractor, Store: store, Pacer: pacer,
	})
	result, err := engine.Run(context.Background(), "run-1")
	require.NoError(t, err)

	require.Equal(t, StopNoResults, result.Stop)
	require.Len(t, result.Records, 1)
	require.Len(t, result.Pages, 2)
	require.Equal(t, PageNoResults, result.Pages[1].Status)
	require.Equal(t, 2, pacer.waits)
	require.Len(t, store.batches, 1)
	require.Equal(t, "run-1", store.batches[0].RunID)
	extractor.AssertExpectations(t)

	progress := engine.Progress()
	require.False(t, progress.Running)
	require.Equal(t, StopNoResults, progress.Stop)
	require.Equal(t, 1, progress.Counters.Kept)
}

func TestEngineKeepsFirstOccurrenceAcrossPages(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{responses: map[string]FetchResponse{
		pageURL(t, 1): htmlPage("<li>one</li>"),
		pageURL(t, 2): htmlPage("<li>two</li>"),
		pageURL(t, 3): htmlPage("<li>three</li>"),
	}}
	extractor := new(MockExtractor)
	extractor.On("Extract", mock.Anything, mock.MatchedBy(func(in ExtractInput) bool { return in.Page == 1 })).
		Return([]fellowship.Record{rec("Cardiology", "Jane", "PGY-4")}, nil)
	extractor.On("Extract", mock.Anything, mock.MatchedBy(func(in ExtractInput) bool { return in.Page == 2 })).
		Return([]fellowship.Record{
			rec("Cardiology", "John", "PGY-5"),
			rec("Electrophysiology", "Ann", "PGY-7"),
		}, nil)
	extractor.On("Extract", mock.Anything, mock.MatchedBy(func(in ExtractInput) bool { return in.Page == 3 })).
		Return([]fellowship.Record{}, nil)

	engine := newTestEngine(t, Config{}, Deps{Probe: fetcher, Extractor: extractor})
	result, err := engine.Run(context.Background(), "run-2")
	require.NoError(t, err)

	require.Equal(t, StopEmptyPage, result.Stop)
	require.Len(t, result.Records, 2)
	require.Equal(t, "Jane", result.Records[0].Value("name"))
	require.Equal(t, "Electrophysiology", result.Records[1].Value("program_name"))
	totals := result.Totals()
	require.Equal(t, 1, totals.Duplicates)
	require.Equal(t, 3, totals.Pages)
}

func TestEngineEmptyExtractionStopsWithoutRecords(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{responses: map[string]FetchResponse{
		pageURL(t, 1): htmlPage("<li>one</li>"),
	}}
	extractor := new(MockExtractor)
	extractor.On("Extract", mock.Anything, mock.Anything).Return([]fellowship.Record{}, nil).Once()
	store := &fakeStore{}

	engine := newTestEngine(t, Config{}, Deps{Probe: fetcher, Extractor: extractor, Store: store})
	result, err := engine.Run(context.Background(), "run-3")
	require.NoError(t, err)

	require.Equal(t, StopEmptyPage, result.Stop)
	require.Empty(t, result.Records)
	require.Empty(t, store.batches)
	require.Equal(t, PageEmpty, result.Pages[0].Status)
}

func TestEngineRejectsIncompleteRecordsAndKeepsExtractedFields(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{responses: map[string]FetchResponse{
		pageURL(t, 1): htmlPage("<li>one</li>"),
	}}
	flagged := rec("Cardiology", "Jane", "PGY-4")
	flagged.Set("error", "false")
	extractor := new(MockExtractor)
	extractor.On("Extract", mock.Anything, mock.Anything).Return([]fellowship.Record{
		fellowship.NewRecord("program_name", "Nephrology", "name", "No PGY"),
		flagged,
	}, nil)

	engine := newTestEngine(t, Config{MaxPages: 1}, Deps{Probe: fetcher, Extractor: extractor})
	result, err := engine.Run(context.Background(), "run-4")
	require.NoError(t, err)

	require.Equal(t, StopMaxPages, result.Stop)
	require.Len(t, result.Records, 1)
	require.Equal(t, []string{"program_name", "name", "PGY", "error"}, result.Records[0].Keys())
	require.Equal(t, 1, result.Pages[0].Incomplete)
}

func TestEngineFetchFailureEndsCrawl(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{errs: map[string]error{pageURL(t, 1): errors.New("connection refused")}}
	extractor := new(MockExtractor)

	engine := newTestEngine(t, Config{}, Deps{Probe: fetcher, Extractor: extractor})
	result, err := engine.Run(context.Background(), "run-5")
	require.NoError(t, err)
	require.Equal(t, StopEmptyPage, result.Stop)
	require.Equal(t, PageFetchFailed, result.Pages[0].Status)
	extractor.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything)
}

func TestEngineExtractFailureEndsCrawl(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{responses: map[string]FetchResponse{
		pageURL(t, 1): htmlPage("<li>one</li>"),
	}}
	extractor := new(MockExtractor)
	extractor.On("Extract", mock.Anything, mock.Anything).Return(nil, errors.New("llm unavailable"))

	engine := newTestEngine(t, Config{}, Deps{Probe: fetcher, Extractor: extractor})
	result, err := engine.Run(context.Background(), "run-6")
	require.NoError(t, err)
	require.Equal(t, PageExtractFailed, result.Pages[0].Status)
	require.Empty(t, result.Records)
}

func TestEngineStopsOnRepeatedPage(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{responses: map[string]FetchResponse{
		pageURL(t, 1): htmlPage("<li>same</li>"),
		pageURL(t, 2): htmlPage("<li>same</li>"),
	}}
	extractor := new(MockExtractor)
	extractor.On("Extract", mock.Anything, mock.Anything).
		Return([]fellowship.Record{rec("Cardiology", "Jane", "PGY-4")}, nil).Once()

	engine := newTestEngine(t, Config{StopOnRepeat: true}, Deps{Probe: fetcher, Extractor: extractor})
	result, err := engine.Run(context.Background(), "run-7")
	require.NoError(t, err)
	require.Equal(t, StopRepeatedPage, result.Stop)
	require.Len(t, result.Records, 1)
	extractor.AssertNumberOfCalls(t, "Extract", 1)
}

func TestEnginePromotesToRenderer(t *testing.T) {
	t.Parallel()

	probe := &fakeFetcher{responses: map[string]FetchResponse{
		pageURL(t, 1): htmlPage("<div id=\"app\"></div>"),
	}}
	renderer := &fakeFetcher{headless: true, responses: map[string]FetchResponse{
		pageURL(t, 1): htmlPage("<li>rendered</li>"),
	}}
	extractor := new(MockExtractor)
	extractor.On("Extract", mock.Anything, mock.MatchedBy(func(in ExtractInput) bool {
		return len(in.Fragments) == 1 && in.Fragments[0] == "<li>rendered</li>"
	})).Return([]fellowship.Record{rec("Cardiology", "Jane", "PGY-4")}, nil)

	engine := newTestEngine(t, Config{MaxPages: 1}, Deps{
		Probe: probe, Renderer: renderer, Detector: promoteAll{}, Extractor: extractor,
	})
	result, err := engine.Run(context.Background(), "run-8")
	require.NoError(t, err)
	require.True(t, result.Pages[0].Rendered)
	require.Len(t, result.Records, 1)
}

func TestEngineRendererFailureFallsBackToProbe(t *testing.T) {
	t.Parallel()

	probe := &fakeFetcher{responses: map[string]FetchResponse{
		pageURL(t, 1): htmlPage("<li>probe</li>"),
	}}
	renderer := &fakeFetcher{errs: map[string]error{pageURL(t, 1): errors.New("chrome missing")}}
	extractor := new(MockExtractor)
	extractor.On("Extract", mock.Anything, mock.Anything).
		Return([]fellowship.Record{rec("Cardiology", "Jane", "PGY-4")}, nil)

	engine := newTestEngine(t, Config{MaxPages: 1}, Deps{
		Probe: probe, Renderer: renderer, Detector: promoteAll{}, Extractor: extractor,
	})
	result, err := engine.Run(context.Background(), "run-9")
	require.NoError(t, err)
	require.False(t, result.Pages[0].Rendered)
	require.Len(t, result.Records, 1)
}

func TestEngineCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := newTestEngine(t, Config{}, Deps{Probe: &fakeFetcher{}, Extractor: new(MockExtractor)})
	result, err := engine.Run(ctx, "run-10")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StopCanceled, result.Stop)
	require.Empty(t, result.Pages)
}

func TestEngineStoreFailureDoesNotStopCrawl(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{responses: map[string]FetchResponse{
		pageURL(t, 1): htmlPage("<li>one</li>"),
		pageURL(t, 2): htmlPage("<li>two</li>"),
	}}
	extractor := new(MockExtractor)
	extractor.On("Extract", mock.Anything, mock.MatchedBy(func(in ExtractInput) bool { return in.Page == 1 })).
		Return([]fellowship.Record{rec("A", "Jane", "4")}, nil)
	extractor.On("Extract", mock.Anything, mock.MatchedBy(func(in ExtractInput) bool { return in.Page == 2 })).
		Return([]fellowship.Record{rec("B", "John", "5")}, nil)
	store := &fakeStore{err: errors.New("db down")}

	engine := newTestEngine(t, Config{MaxPages: 2}, Deps{Probe: fetcher, Extractor: extractor, Store: store})
	result, err := engine.Run(context.Background(), "run-11")
	require.NoError(t, err)
	require.Len(t, result.Records, 2)
	require.Len(t, store.batches, 2)
}

func TestNewEngineValidation(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(Config{BaseURL: testBaseURL}, Deps{}, nil)
	require.Error(t, err)

	_, err = NewEngine(Config{BaseURL: "not a url"}, Deps{
		Probe: &fakeFetcher{}, Scoper: lineScoper{}, Extractor: new(MockExtractor),
		Hasher: identityHasher{}, Clock: &fakeClock{},
	}, nil)
	require.Error(t, err)
}

func TestPageURL(t *testing.T) {
	t.Parallel()

	got, err := PageURL("https://example.edu/people?dept=cardio#top", "", 3)
	require.NoError(t, err)
	require.Equal(t, "https://example.edu/people?dept=cardio&page=3", got)

	got, err = PageURL("https://example.edu/people?page=1", "page", 2)
	require.NoError(t, err)
	require.Equal(t, "https://example.edu/people?page=2", got)

	_, err = PageURL("/relative", "page", 1)
	require.Error(t, err)
}
