package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/joseph-ayodele/health-records/internal/extract"
)

// MergedResult is what a processed document stores.
type MergedResult struct {
	Enhancement          extract.Enhancement     `json:"enhancement"`
	Entities             []extract.MedicalEntity `json:"entities,omitempty"`
	Codes                []extract.CodedEntity   `json:"codes,omitempty"`
	Text                 string                  `json:"text"`
	OCR                  OCRSummary              `json:"ocr"`
	Hybrid               bool                    `json:"hybrid"`
	UnavailableProviders []string                `json:"unavailable_providers,omitempty"`
}

type OCRSummary struct {
	Method     string        `json:"method"`
	SourceType string        `json:"source_type"`
	Pages      int           `json:"pages"`
	Confidence float32       `json:"confidence"`
	Duration   time.Duration `json:"duration"`
	Warnings   []string      `json:"warnings,omitempty"`
}

// Merge builds the document result. The result is hybrid when entity and
// terminology output was combined with the model's reading.
func Merge(in *Intermediate) ([]byte, error) {
	res := MergedResult{
		Enhancement: *in.Enhancement,
		Entities:    in.Entities,
		Codes:       in.Codes,
		Text:        in.Text.Text,
		OCR: OCRSummary{
			Method:     in.Text.Method,
			SourceType: in.Text.SourceType,
			Pages:      in.Text.Pages,
			Confidence: in.Text.Confidence,
			Duration:   in.Text.Duration,
			Warnings:   in.Text.Warnings,
		},
		Hybrid:               !in.Degraded,
		UnavailableProviders: in.UnavailableProviders,
	}
	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode merged result: %w", err)
	}
	return b, nil
}
