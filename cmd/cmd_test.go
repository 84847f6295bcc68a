package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fellowship-crawler/internal/config"
	"github.com/JakeFAU/fellowship-crawler/internal/crawler"
	"github.com/JakeFAU/fellowship-crawler/internal/fellowship"
	"github.com/JakeFAU/fellowship-crawler/internal/output"
)

type fakeRunner struct {
	event  crawler.CompletionEvent
	err    error
	closed bool
}

func (f *fakeRunner) Run(context.Context) (crawler.CompletionEvent, error) {
	return f.event, f.err
}

func (f *fakeRunner) Close() {
	f.closed = true
}

// stubApp swaps the application factory for the duration of the test.
func stubApp(t *testing.T, runner *fakeRunner) *config.Config {
	t.Helper()
	var captured config.Config
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (Runner, error) {
		captured = cfg
		return runner, nil
	}
	t.Cleanup(func() { newApp = orig })
	return &captured
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlAppliesFlagOverrides(t *testing.T) {
	runner := &fakeRunner{event: crawler.CompletionEvent{
		Stop:      crawler.StopNoResults,
		Counters:  crawler.Counters{Kept: 3},
		OutputURI: "file:///tmp/out.csv",
	}}
	captured := stubApp(t, runner)

	out, err := execute(t, "crawl",
		"--base-url", "https://example.edu/fellows",
		"--selector", "div.fellow",
		"--output", "/tmp/out.csv",
		"--max-pages", "2",
	)
	require.NoError(t, err)

	assert.Equal(t, "https://example.edu/fellows", captured.Crawl.BaseURL)
	assert.Equal(t, "div.fellow", captured.Crawl.CSSSelector)
	assert.Equal(t, "/tmp/out.csv", captured.Output.Path)
	assert.Equal(t, 2, captured.Crawl.MaxPages)
	assert.True(t, runner.closed)
	assert.Contains(t, out, "Saved 3 complete fellowships to file:///tmp/out.csv")
}

func TestCrawlReadsConfigFile(t *testing.T) {
	runner := &fakeRunner{}
	captured := stubApp(t, runner)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
crawl:
  base_url: "https://example.org/people"
  delay_seconds: 0.5
`), 0o600))

	out, err := execute(t, "crawl", "--config", path)
	require.NoError(t, err)

	assert.Equal(t, "https://example.org/people", captured.Crawl.BaseURL)
	assert.InDelta(t, 0.5, captured.Crawl.DelaySeconds, 1e-9)
	assert.Contains(t, out, "No fellowships were found.")
}

func TestCrawlRejectsInvalidBaseURL(t *testing.T) {
	stubApp(t, &fakeRunner{})

	_, err := execute(t, "crawl", "--base-url", "ftp://example.org")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crawl.base_url")
}

func TestCrawlReturnsRunError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("save csv: disk full")}
	stubApp(t, runner)

	_, err := execute(t, "crawl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, runner.closed)
}

func TestCrawlIgnoresCancellation(t *testing.T) {
	stubApp(t, &fakeRunner{err: context.Canceled})

	_, err := execute(t, "crawl")
	require.NoError(t, err)
}

func TestShowRendersTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "complete_fellowships.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	records := []fellowship.Record{
		fellowship.NewRecord("program_name", "Cardiology", "name", "Ada Lovelace", "PGY", "PGY-4"),
		fellowship.NewRecord("program_name", "Oncology", "name", "Grace Hopper", "PGY", "PGY-5"),
	}
	require.NoError(t, output.WriteCSV(f, records, zap.NewNop()))
	require.NoError(t, f.Close())

	out, err := execute(t, "show", path)
	require.NoError(t, err)

	assert.Contains(t, out, "Ada Lovelace")
	assert.Contains(t, out, "Grace Hopper")
	assert.Contains(t, out, "2 fellowships")
}

func TestShowLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "complete_fellowships.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	records := []fellowship.Record{
		fellowship.NewRecord("program_name", "Cardiology", "name", "Ada Lovelace", "PGY", "PGY-4"),
		fellowship.NewRecord("program_name", "Oncology", "name", "Grace Hopper", "PGY", "PGY-5"),
	}
	require.NoError(t, output.WriteCSV(f, records, zap.NewNop()))
	require.NoError(t, f.Close())

	out, err := execute(t, "show", "--limit", "1", path)
	require.NoError(t, err)

	assert.Contains(t, out, "Ada Lovelace")
	assert.NotContains(t, out, "Grace Hopper")
}

func TestShowMissingFile(t *testing.T) {
	_, err := execute(t, "show", filepath.Join(t.TempDir(), "nope.csv"))
	require.Error(t, err)
}
