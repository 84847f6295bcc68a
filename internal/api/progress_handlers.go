package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fellowship-crawler/internal/crawler"
)

// ProgressSource reports the state of the running crawl.
type ProgressSource interface {
	Progress() crawler.Progress
}

// ProgressHandler exposes the read-only progress endpoint.
type ProgressHandler struct {
	source ProgressSource
	logger *zap.Logger
}

// NewProgressHandler wires the progress source and logger.
func NewProgressHandler(source ProgressSource, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{source: source, logger: logger}
}

// GetProgress handles GET /v1/progress. It returns {"progress": {...}} on
// success, or 503 when no crawl is attached.
func (h *ProgressHandler) GetProgress(w http.ResponseWriter, _ *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "no crawl attached")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": toProgressDTO(h.source.Progress())})
}

type progressDTO struct {
	RunID       string           `json:"run_id"`
	Running     bool             `json:"running"`
	CurrentPage int              `json:"current_page"`
	Counters    crawler.Counters `json:"counters"`
	StopReason  string           `json:"stop_reason,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	UpdatedAt   *time.Time       `json:"updated_at,omitempty"`
	ElapsedSec  float64          `json:"elapsed_seconds"`
}

func toProgressDTO(p crawler.Progress) progressDTO {
	dto := progressDTO{
		RunID:       p.RunID,
		Running:     p.Running,
		CurrentPage: p.CurrentPage,
		Counters:    p.Counters,
		StopReason:  string(p.Stop),
	}
	if !p.StartedAt.IsZero() {
		startedAt := p.StartedAt
		dto.StartedAt = &startedAt
	}
	if !p.UpdatedAt.IsZero() {
		updatedAt := p.UpdatedAt
		dto.UpdatedAt = &updatedAt
	}
	if dto.StartedAt != nil && dto.UpdatedAt != nil {
		dto.ElapsedSec = p.UpdatedAt.Sub(p.StartedAt).Seconds()
	}
	return dto
}
