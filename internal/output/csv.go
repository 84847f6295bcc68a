// Package output serializes fellowship records to CSV and stores the result.
package output

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/JakeFAU/fellowship-crawler/internal/crawler"
	"github.com/JakeFAU/fellowship-crawler/internal/fellowship"
)

// ContentType is the MIME type of the CSV output.
const ContentType = "text/csv; charset=utf-8"

// ErrNoRecords is returned when there is nothing to write.
var ErrNoRecords = errors.New("no records to write")

// WriteCSV writes records as CSV with a header taken from the first record's
// keys. Later records missing a header key get an empty cell. Keys absent from
// the header are dropped and logged once per key.
func WriteCSV(w io.Writer, records []fellowship.Record, logger *zap.Logger) error {
	if len(records) == 0 {
		return ErrNoRecords
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	header := records[0].Keys()
	inHeader := make(map[string]struct{}, len(header))
	for _, key := range header {
		inHeader[key] = struct{}{}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	dropped := make(map[string]struct{})
	row := make([]string, len(header))
	for i, rec := range records {
		for j, key := range header {
			row[j] = rec.Value(key)
		}
		for _, key := range rec.Keys() {
			if _, ok := inHeader[key]; ok {
				continue
			}
			if _, seen := dropped[key]; !seen {
				dropped[key] = struct{}{}
				logger.Warn("Dropping field not present in CSV header", zap.String("field", key), zap.Int("row", i+1))
			}
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %d: %w", i+1, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// ReadCSV loads records written by WriteCSV, keeping the header order.
func ReadCSV(r io.Reader) ([]fellowship.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoRecords
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	var records []fellowship.Record
	for line := 2; ; line++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		var rec fellowship.Record
		for i, key := range header {
			value := ""
			if i < len(fields) {
				value = fields[i]
			}
			rec.Set(key, value)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Save renders records as CSV and stores them under path, returning the URI
// reported by the store.
func Save(ctx context.Context, store crawler.BlobStore, path string, records []fellowship.Record, logger *zap.Logger) (string, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, records, logger); err != nil {
		return "", err
	}
	uri, err := store.PutObject(ctx, path, ContentType, &buf)
	if err != nil {
		return "", fmt.Errorf("store csv: %w", err)
	}
	return uri, nil
}
