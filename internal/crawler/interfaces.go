package crawler

import (
	"context"
	"io"
	"time"

	"github.com/JakeFAU/fellowship-crawler/internal/fellowship"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a browser render is warranted for a probe.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// Scoper narrows a fetched document to the fragments passed to extraction.
type Scoper interface {
	Scope(body []byte) ([]string, error)
}

// Extractor turns scoped page content into records.
type Extractor interface {
	Extract(ctx context.Context, input ExtractInput) ([]fellowship.Record, error)
}

// Pacer spaces out requests to the same host.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// RecordStore persists kept records as they are collected.
type RecordStore interface {
	SaveRecords(ctx context.Context, batch RecordBatch) error
}

// BlobStore writes an artifact and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
