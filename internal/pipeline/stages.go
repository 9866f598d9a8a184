package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/entity"
	"github.com/joseph-ayodele/health-records/internal/extract"
)

// Intermediate is the state handed from one stage to the next within a run.
type Intermediate struct {
	Entry    *entity.QueueEntry
	Document *entity.Document
	Path     string // local copy of the document

	Text           extract.TextResult
	Entities       []extract.MedicalEntity
	Codes          []extract.CodedEntity
	Enhancement    *extract.Enhancement
	EnhancementRaw []byte

	Degraded             bool
	UnavailableProviders []string
	Result               []byte // merged document result, set by the merge stage
}

// Stage is one step of the pipeline.
type Stage interface {
	Name() constants.Stage
	// Probe reports whether the stage's provider can take work right now.
	Probe(ctx context.Context) error
	Invoke(ctx context.Context, in *Intermediate) error
}

// StageError is the error a failed run is recorded with.
type StageError struct {
	Stage   constants.Stage
	Message string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %s", e.Stage, e.Message)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageError(stage constants.Stage, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return &StageError{Stage: stage, Message: err.Error(), Err: err}
}

func probe(ctx context.Context, v any) error {
	if p, ok := v.(extract.Prober); ok {
		return p.Probe(ctx)
	}
	return nil
}

type OCRStage struct {
	Extractor extract.TextExtractor
}

func NewOCRStage(tx extract.TextExtractor) *OCRStage {
	return &OCRStage{Extractor: tx}
}

func (s *OCRStage) Name() constants.Stage { return constants.StageOCR }

func (s *OCRStage) Probe(ctx context.Context) error { return probe(ctx, s.Extractor) }

func (s *OCRStage) Invoke(ctx context.Context, in *Intermediate) error {
	res, err := s.Extractor.Extract(ctx, in.Path)
	if err != nil {
		return err
	}
	if strings.TrimSpace(res.Text) == "" {
		return errors.New("no text extracted")
	}
	in.Text = res
	return nil
}

type EntitiesStage struct {
	Detector extract.EntityExtractor
}

func NewEntitiesStage(d extract.EntityExtractor) *EntitiesStage {
	return &EntitiesStage{Detector: d}
}

func (s *EntitiesStage) Name() constants.Stage { return constants.StageEntities }

func (s *EntitiesStage) Probe(ctx context.Context) error { return probe(ctx, s.Detector) }

func (s *EntitiesStage) Invoke(ctx context.Context, in *Intermediate) error {
	ents, err := s.Detector.DetectEntities(ctx, in.Text.Text)
	if err != nil {
		return err
	}
	in.Entities = ents
	return nil
}

type TerminologyStage struct {
	Validator extract.TerminologyValidator
}

func NewTerminologyStage(v extract.TerminologyValidator) *TerminologyStage {
	return &TerminologyStage{Validator: v}
}

func (s *TerminologyStage) Name() constants.Stage { return constants.StageTerminology }

func (s *TerminologyStage) Probe(ctx context.Context) error { return probe(ctx, s.Validator) }

func (s *TerminologyStage) Invoke(ctx context.Context, in *Intermediate) error {
	if len(in.Entities) == 0 {
		return nil
	}
	codes, err := s.Validator.InferCodes(ctx, in.Text.Text, in.Entities)
	if err != nil {
		return err
	}
	in.Codes = codes
	return nil
}

type EnhancementStage struct {
	Enhancer extract.Enhancer
}

func NewEnhancementStage(e extract.Enhancer) *EnhancementStage {
	return &EnhancementStage{Enhancer: e}
}

func (s *EnhancementStage) Name() constants.Stage { return constants.StageEnhancement }

func (s *EnhancementStage) Probe(ctx context.Context) error { return probe(ctx, s.Enhancer) }

func (s *EnhancementStage) Invoke(ctx context.Context, in *Intermediate) error {
	filename := ""
	if in.Document != nil {
		filename = filepath.Base(in.Document.Filename)
	}
	out, raw, err := s.Enhancer.Enhance(ctx, extract.EnhanceRequest{
		Text:     in.Text.Text,
		Filename: filename,
		Entities: in.Entities,
		Codes:    in.Codes,
	})
	if err != nil {
		return err
	}
	in.Enhancement = &out
	in.EnhancementRaw = raw
	return nil
}

// MergeStage combines what the earlier stages produced into the document result.
type MergeStage struct{}

func (MergeStage) Name() constants.Stage { return constants.StageMerge }

func (MergeStage) Probe(context.Context) error { return nil }

func (MergeStage) Invoke(_ context.Context, in *Intermediate) error {
	if in.Enhancement == nil {
		return errors.New("nothing to merge: enhancement missing")
	}
	b, err := Merge(in)
	if err != nil {
		return err
	}
	in.Result = b
	return nil
}
