package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path?page=2", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveCounters(t *testing.T) {
	Init()
	Init()

	pages := crawlerPagesTotal.WithLabelValues("www.uab.edu", "ok")
	before := testutil.ToFloat64(pages)
	ObservePage("https://www.uab.edu/medicine?page=1", "ok")
	if got := testutil.ToFloat64(pages); got != before+1 {
		t.Errorf("expected page counter %f, got %f", before+1, got)
	}

	kept := crawlerRecordsTotal.WithLabelValues("kept")
	before = testutil.ToFloat64(kept)
	ObserveRecord("kept")
	ObserveRecord("kept")
	if got := testutil.ToFloat64(kept); got != before+2 {
		t.Errorf("expected kept counter %f, got %f", before+2, got)
	}

	input := llmTokensTotal.WithLabelValues("input")
	before = testutil.ToFloat64(input)
	ObserveLLMRequest("ok", 120, 0)
	if got := testutil.ToFloat64(input); got != before+120 {
		t.Errorf("expected input tokens %f, got %f", before+120, got)
	}

	ObservePoliteDelay("www.uab.edu", 2*time.Second)
	ObserveSinkFailure("postgres")
	ObserveProbeTLSHandshakeTimeout()
}

func TestWriteTextfile(t *testing.T) {
	ObserveRecord("duplicate")

	path := filepath.Join(t.TempDir(), "fellowcrawl.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(data), "fellowcrawl_records_total") {
		t.Fatalf("expected records counter in textfile, got:\n%s", data)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://www.uab.edu/medicine", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
