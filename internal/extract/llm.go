// Package extract turns scoped page content into fellowship records.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/JakeFAU/fellowship-crawler/internal/crawler"
	"github.com/JakeFAU/fellowship-crawler/internal/fellowship"
	"github.com/JakeFAU/fellowship-crawler/internal/metrics"
	"github.com/JakeFAU/fellowship-crawler/pkg/anthropic"
)

// DefaultInstruction asks for one object per listed fellow.
const DefaultInstruction = `Extract each fellow from the HTML snippet:
- Name
- PGY level
- Medical school
Ignore everything else.
Return as a JSON array with keys: program_name, name, PGY, medical_school.`

// LLMConfig configures the LLM extractor.
type LLMConfig struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	Instruction string
	ChunkChars  int
	Schema      fellowship.Schema
}

// LLM extracts records by prompting the Anthropic Messages API.
type LLM struct {
	client anthropic.Client
	cfg    LLMConfig
	system []anthropic.SystemBlock
	usage  anthropic.UsageTracker
	logger *zap.Logger
}

var _ crawler.Extractor = (*LLM)(nil)

// NewLLM builds an extractor. The instruction and schema form a cached system
// prompt shared by every request of the run.
func NewLLM(client anthropic.Client, cfg LLMConfig, logger *zap.Logger) (*LLM, error) {
	if client == nil {
		return nil, eris.New("anthropic client is required")
	}
	if cfg.Model == "" {
		return nil, eris.New("model is required")
	}
	if cfg.MaxTokens <= 0 {
		return nil, eris.Errorf("max tokens must be positive, got %d", cfg.MaxTokens)
	}
	if strings.TrimSpace(cfg.Instruction) == "" {
		cfg.Instruction = DefaultInstruction
	}
	if len(cfg.Schema.Fields) == 0 {
		cfg.Schema = fellowship.Schema{Fields: fellowship.DefaultFields(), Required: fellowship.DefaultRequiredKeys()}
	}
	schema, err := cfg.Schema.JSONSchema()
	if err != nil {
		return nil, eris.Wrap(err, "render schema")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	prompt := fmt.Sprintf("%s\n\nRespond with JSON only. The reply must validate against this JSON Schema:\n%s",
		strings.TrimSpace(cfg.Instruction), schema)
	return &LLM{
		client: client,
		cfg:    cfg,
		system: anthropic.BuildCachedSystemBlocks(prompt),
		logger: logger,
	}, nil
}

// Extract sends the page fragments to the model, one request per chunk, and
// returns the records of all chunks in order. Any failed chunk fails the page.
func (l *LLM) Extract(ctx context.Context, in crawler.ExtractInput) ([]fellowship.Record, error) {
	chunks := Chunk(in.Fragments, l.cfg.ChunkChars)
	var records []fellowship.Record
	for i, chunk := range chunks {
		recs, err := l.extractChunk(ctx, in.URL, chunk)
		if err != nil {
			return nil, eris.Wrapf(err, "extract chunk %d/%d of page %d", i+1, len(chunks), in.Page)
		}
		records = append(records, recs...)
	}
	return records, nil
}

func (l *LLM) extractChunk(ctx context.Context, url string, fragments []string) ([]fellowship.Record, error) {
	temperature := l.cfg.Temperature
	resp, err := l.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     l.cfg.Model,
		MaxTokens: l.cfg.MaxTokens,
		System:    l.system,
		Messages: []anthropic.Message{
			{Role: "user", Content: fmt.Sprintf("Source: %s\n\n%s", url, strings.Join(fragments, "\n"))},
		},
		Temperature: &temperature,
	})
	if err != nil {
		metrics.ObserveLLMRequest("error", 0, 0)
		return nil, err
	}
	l.usage.Record(resp.Usage)

	if resp.StopReason == "max_tokens" {
		l.logger.Warn("LLM reply was truncated", zap.String("url", url), zap.Int64("max_tokens", l.cfg.MaxTokens))
	}
	records, err := ParseRecords(resp.Text())
	if err != nil {
		metrics.ObserveLLMRequest("unparsable", resp.Usage.InputTokens, resp.Usage.OutputTokens)
		return nil, err
	}
	metrics.ObserveLLMRequest("ok", resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return records, nil
}

// Usage returns the token usage and request count accumulated so far.
func (l *LLM) Usage() (anthropic.TokenUsage, int) {
	return l.usage.Total()
}

// Model returns the model ID used for extraction.
func (l *LLM) Model() string {
	return l.cfg.Model
}

// Chunk groups fragments so the joined size of each group stays within limit
// characters. Fragments are never split; one larger than limit forms its own
// group. A limit <= 0 returns a single group.
func Chunk(fragments []string, limit int) [][]string {
	if len(fragments) == 0 {
		return nil
	}
	if limit <= 0 {
		return [][]string{fragments}
	}
	var (
		chunks  [][]string
		current []string
		size    int
	)
	for _, fragment := range fragments {
		add := len(fragment)
		if len(current) > 0 {
			add++ // newline separator
		}
		if len(current) > 0 && size+add > limit {
			chunks = append(chunks, current)
			current, size, add = nil, 0, len(fragment)
		}
		current = append(current, fragment)
		size += add
	}
	return append(chunks, current)
}

// ParseRecords decodes a model reply into records. Markdown fences and prose
// around the JSON are ignored, and a single object is treated as a one-element
// array. A boolean "error": false is dropped; any other error value is kept.
func ParseRecords(text string) ([]fellowship.Record, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, eris.New("empty LLM reply")
	}
	if strings.HasPrefix(cleaned, "{") {
		rec, err := decodeRecord([]byte(cleaned))
		if err != nil {
			return nil, eris.Wrap(err, "decode LLM reply object")
		}
		return []fellowship.Record{rec}, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &raws); err != nil {
		return nil, eris.Wrap(err, "decode LLM reply array")
	}
	records := make([]fellowship.Record, 0, len(raws))
	for i, raw := range raws {
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, eris.Wrapf(err, "decode LLM reply element %d", i)
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeRecord(raw []byte) (fellowship.Record, error) {
	var rec fellowship.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fellowship.Record{}, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fellowship.Record{}, err
	}
	if flag, ok := fields["error"]; ok && bytes.Equal(bytes.TrimSpace(flag), []byte("false")) {
		rec.Delete("error")
	}
	return rec, nil
}

// cleanJSON strips markdown code fences and slices out the outermost JSON
// array or object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	open, closer := "[", "]"
	arrayStart := strings.Index(text, "[")
	objectStart := strings.Index(text, "{")
	if objectStart >= 0 && (arrayStart < 0 || objectStart < arrayStart) {
		open, closer = "{", "}"
	}
	start := strings.Index(text, open)
	end := strings.LastIndex(text, closer)
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
