// Package extract declares the provider capabilities the processing pipeline
// depends on, and the values they exchange.
package extract

import (
	"context"
	"time"
)

// TextExtractor is the OCR stage: file -> text.
type TextExtractor interface {
	Extract(ctx context.Context, path string) (TextResult, error)
}

type TextResult struct {
	Text       string        `json:"text"`
	Pages      int           `json:"pages"`
	SourceType string        `json:"source_type"` // "PDF" | "IMAGE" | "TXT"
	Method     string        `json:"method"`      // "pdf-text" | "pdf-ocr" | "image-ocr" | "plain-text"
	Language   string        `json:"language,omitempty"`
	Duration   time.Duration `json:"duration"`
	Warnings   []string      `json:"warnings,omitempty"`
	Confidence float32       `json:"confidence"`
}

// MedicalEntity is one span recognised in document text.
type MedicalEntity struct {
	Text        string            `json:"text"`
	Category    string            `json:"category"` // MEDICATION, MEDICAL_CONDITION, TEST_TREATMENT_PROCEDURE, ANATOMY, ...
	Type        string            `json:"type,omitempty"`
	Score       float64           `json:"score"`
	BeginOffset int               `json:"begin_offset"`
	EndOffset   int               `json:"end_offset"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// EntityExtractor is the entities stage: text -> medical entities.
type EntityExtractor interface {
	DetectEntities(ctx context.Context, text string) ([]MedicalEntity, error)
}

// Concept is one candidate code for an entity.
type Concept struct {
	Code        string  `json:"code"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

// CodedEntity links entity text to a terminology system.
type CodedEntity struct {
	Text     string    `json:"text"`
	System   string    `json:"system"` // ICD-10-CM, RxNorm, SNOMEDCT
	Concepts []Concept `json:"concepts"`
}

// TerminologyValidator is the terminology stage: entities -> validated codes.
type TerminologyValidator interface {
	InferCodes(ctx context.Context, text string, entities []MedicalEntity) ([]CodedEntity, error)
}

// EnhanceRequest is everything the enhancement stage sees.
type EnhanceRequest struct {
	Text     string
	Filename string
	Entities []MedicalEntity
	Codes    []CodedEntity
}

// Enhancer is the enhancement stage: text and entities -> structured summary.
type Enhancer interface {
	Enhance(ctx context.Context, req EnhanceRequest) (Enhancement, []byte, error)
}

// Enhancement is the structured reading of a medical document.
type Enhancement struct {
	DocumentType string       `json:"document_type" jsonschema:"enum=lab_report,enum=prescription,enum=discharge_summary,enum=imaging_report,enum=consultation_note,enum=vaccination_record,enum=other"`
	Title        string       `json:"title" jsonschema:"minLength=1"`
	Summary      string       `json:"summary" jsonschema:"minLength=1"`
	DocumentDate string       `json:"document_date,omitempty" jsonschema:"pattern=^\\d{4}-\\d{2}-\\d{2}$"`
	Provider     string       `json:"provider,omitempty"`
	Conditions   []string     `json:"conditions,omitempty"`
	Medications  []Medication `json:"medications,omitempty"`
	LabResults   []LabResult  `json:"lab_results,omitempty"`
	FollowUps    []string     `json:"follow_ups,omitempty"`
	Confidence   float64      `json:"confidence,omitempty" jsonschema:"minimum=0,maximum=1"`
}

type Medication struct {
	Name      string `json:"name" jsonschema:"minLength=1"`
	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	Duration  string `json:"duration,omitempty"`
}

type LabResult struct {
	Test           string `json:"test" jsonschema:"minLength=1"`
	Value          string `json:"value"`
	Unit           string `json:"unit,omitempty"`
	ReferenceRange string `json:"reference_range,omitempty"`
	Flag           string `json:"flag,omitempty" jsonschema:"enum=normal,enum=high,enum=low,enum=critical"`
}

// Prober is a cheap availability check run before a pipeline starts.
type Prober interface {
	Probe(ctx context.Context) error
}
