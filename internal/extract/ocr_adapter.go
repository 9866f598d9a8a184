package extract

import (
	"context"
	"log/slog"

	"github.com/joseph-ayodele/health-records/internal/ocr"
)

// OCRAdapter exposes an ocr.Extractor as the pipeline's TextExtractor and Prober.
type OCRAdapter struct {
	e   *ocr.Extractor
	log *slog.Logger
}

func NewOCRAdapter(e *ocr.Extractor, log *slog.Logger) *OCRAdapter {
	return &OCRAdapter{e: e, log: log}
}

func (a *OCRAdapter) Extract(ctx context.Context, path string) (TextResult, error) {
	r, err := a.e.Extract(ctx, path)
	if err != nil {
		a.log.Warn("extract.ocr.failed", "path", path, "method", r.Method, "err", err)
	}
	return TextResult{
		Text:       r.Text,
		Pages:      r.Pages,
		SourceType: r.SourceType,
		Method:     r.Method,
		Language:   r.Language,
		Duration:   r.Duration,
		Warnings:   r.Warnings,
		Confidence: r.Confidence,
	}, err
}

func (a *OCRAdapter) Probe(ctx context.Context) error {
	return a.e.Probe(ctx)
}
