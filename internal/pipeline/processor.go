// Package pipeline runs a claimed queue entry through the processing stages
// and records the outcome on the entry and its document.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/entity"
	"github.com/joseph-ayodele/health-records/internal/extract"
	"github.com/joseph-ayodele/health-records/internal/metrics"
	"github.com/joseph-ayodele/health-records/internal/queue"
	"github.com/joseph-ayodele/health-records/internal/repository"
)

// Queue is the part of queue.Service a run needs.
type Queue interface {
	Claim(ctx context.Context, id uuid.UUID) (*entity.QueueEntry, error)
	ReportProgress(ctx context.Context, ref queue.ClaimRef, phase constants.Phase, progress int, metadata map[string]any) (*entity.QueueEntry, error)
	Complete(ctx context.Context, ref queue.ClaimRef, metadata map[string]any) (*entity.QueueEntry, error)
	Fail(ctx context.Context, ref queue.ClaimRef, message string, metadata map[string]any) (*entity.QueueEntry, error)
}

// Blobs gives the OCR stage a local file for a stored document.
type Blobs interface {
	Materialize(ctx context.Context, key string) (path string, cleanup func(), err error)
}

// Plan is the outcome of probing the providers before a run.
type Plan struct {
	Run         []constants.Stage
	Skipped     []constants.Stage
	Unavailable []string
	// Blocked is set when a required provider is down.
	Blocked *StageError
}

// Degraded reports whether optional stages were dropped.
func (p Plan) Degraded() bool { return len(p.Skipped) > 0 }

type Option func(*Processor)

// WithProbeTimeout bounds the provider probes of one run.
func WithProbeTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.probeTimeout = d
		}
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(p *Processor) { p.tracer = t }
}

// WithClock sets the time source used for document timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// Processor coordinates the stages for one entry at a time; it is safe to
// share between workers.
type Processor struct {
	queue        Queue
	docs         repository.DocumentRepository
	blobs        Blobs
	stages       []Stage
	log          *slog.Logger
	tracer       trace.Tracer
	probeTimeout time.Duration
	now          func() time.Time
}

func NewProcessor(q Queue, docs repository.DocumentRepository, blobs Blobs, stages []Stage, logger *slog.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		queue:        q,
		docs:         docs,
		blobs:        blobs,
		stages:       stages,
		log:          logger,
		tracer:       otel.Tracer("github.com/joseph-ayodele/health-records/internal/pipeline"),
		probeTimeout: 5 * time.Second,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe checks every stage's provider in parallel and decides which stages run.
func (p *Processor) Probe(ctx context.Context) Plan {
	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	results := make([]error, len(p.stages))
	g, gctx := errgroup.WithContext(ctx)
	for i, st := range p.stages {
		g.Go(func() error {
			results[i] = st.Probe(gctx)
			return nil
		})
	}
	_ = g.Wait()

	var plan Plan
	optionalDown := false
	for i, st := range p.stages {
		name := st.Name()
		err := results[i]
		metrics.SetProviderUp(string(name), err == nil)
		if err == nil {
			continue
		}
		p.log.Warn("pipeline.provider.unavailable", "stage", name, "err", err)
		plan.Unavailable = append(plan.Unavailable, string(name))
		if name.Optional() {
			optionalDown = true
			continue
		}
		if plan.Blocked == nil {
			plan.Blocked = &StageError{Stage: name, Message: "provider unavailable: " + err.Error(), Err: err}
		}
	}
	// the optional stages feed each other, so they are dropped together
	for i, st := range p.stages {
		name := st.Name()
		switch {
		case name.Optional() && optionalDown:
			plan.Skipped = append(plan.Skipped, name)
		case results[i] == nil:
			plan.Run = append(plan.Run, name)
		}
	}
	return plan
}

// ProcessEntry probes, claims and runs the pipeline for one entry. A lost
// claim race returns common.ErrAlreadyClaimed without touching the entry.
func (p *Processor) ProcessEntry(ctx context.Context, entryID uuid.UUID) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.process_entry",
		trace.WithAttributes(attribute.String("entry.id", entryID.String())))
	defer span.End()

	start := time.Now()
	plan := p.Probe(ctx)

	entry, err := p.queue.Claim(ctx, entryID)
	if err != nil {
		p.log.Info("pipeline.claim.skipped", "entry_id", entryID, "err", err)
		metrics.RecordPipelineRun("aborted")
		span.SetStatus(otelcodes.Error, "claim failed")
		return err
	}
	ref := queue.ClaimRef{EntryID: entry.ID, Token: *entry.ClaimToken}
	log := p.log.With("entry_id", entry.ID, "document_id", entry.DocumentID, "attempt", entry.AttemptCount)
	log.Info("pipeline.run.start", "stages", len(plan.Run), "degraded", plan.Degraded())

	in := &Intermediate{
		Entry:                entry,
		Degraded:             plan.Degraded(),
		UnavailableProviders: plan.Unavailable,
	}
	completed, runErr := p.run(ctx, log, ref, plan, in)

	// the outcome is recorded even when the run's context was cancelled
	rec := context.WithoutCancel(ctx)
	meta := map[string]any{
		"completed_stages": stageNames(completed),
		"degraded":         plan.Degraded(),
	}
	if len(plan.Unavailable) > 0 {
		meta["unavailable_providers"] = plan.Unavailable
	}

	if runErr != nil {
		se := stageError(constants.StageMerge, runErr)
		meta["failed_stage"] = string(se.Stage)
		span.RecordError(se)
		span.SetStatus(otelcodes.Error, se.Error())
		if _, err := p.queue.Fail(rec, ref, se.Error(), meta); err != nil {
			log.Error("pipeline.fail.record_error", "err", err)
			return errors.Join(se, err)
		}
		metrics.RecordPipelineRun("failed")
		log.Warn("pipeline.run.failed", "stage", se.Stage, "err", se.Message, "elapsed_ms", time.Since(start).Milliseconds())
		return se
	}

	meta["failed_stage"] = nil
	if _, err := p.queue.Complete(rec, ref, meta); err != nil {
		log.Error("pipeline.complete.record_error", "err", err)
		span.SetStatus(otelcodes.Error, err.Error())
		return err
	}
	outcome := "completed"
	if plan.Degraded() {
		outcome = "degraded"
	}
	metrics.RecordPipelineRun(outcome)
	log.Info("pipeline.run.ok", "degraded", plan.Degraded(), "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

// run executes the planned stages and returns those that finished.
func (p *Processor) run(ctx context.Context, log *slog.Logger, ref queue.ClaimRef, plan Plan, in *Intermediate) ([]constants.Stage, error) {
	var completed []constants.Stage
	if plan.Blocked != nil {
		return completed, plan.Blocked
	}

	doc, err := p.docs.GetByID(ctx, in.Entry.DocumentID)
	if err != nil {
		return completed, &StageError{Stage: constants.StageOCR, Message: "load document: " + err.Error(), Err: err}
	}
	in.Document = doc
	path, cleanup, err := p.blobs.Materialize(ctx, doc.StorageKey)
	if err != nil {
		return completed, &StageError{Stage: constants.StageOCR, Message: "fetch document: " + err.Error(), Err: err}
	}
	defer cleanup()
	in.Path = path

	skip := make(map[constants.Stage]bool, len(plan.Skipped))
	for _, s := range plan.Skipped {
		skip[s] = true
	}

	for _, st := range p.stages {
		name := st.Name()
		if skip[name] {
			metrics.ObserveStage(string(name), "skipped", 0)
			log.Info("pipeline.stage.skipped", "stage", name)
			continue
		}
		if err := p.invoke(ctx, log, st, in); err != nil {
			return completed, err
		}
		completed = append(completed, name)

		if name == constants.StageMerge {
			continue
		}
		phase, progress := constants.MarkerFor(name)
		if _, err := p.queue.ReportProgress(ctx, ref, phase, progress, map[string]any{
			"completed_stages": stageNames(completed),
		}); err != nil {
			return completed, &StageError{Stage: name, Message: "record progress: " + err.Error(), Err: err}
		}
	}

	if err := p.docs.SaveResult(ctx, in.Document.ID, in.Result, !in.Degraded, p.now()); err != nil {
		return completed, &StageError{Stage: constants.StageMerge, Message: "save result: " + err.Error(), Err: err}
	}
	return completed, nil
}

func (p *Processor) invoke(ctx context.Context, log *slog.Logger, st Stage, in *Intermediate) error {
	name := st.Name()
	ctx, span := p.tracer.Start(ctx, "pipeline.stage."+string(name))
	defer span.End()

	start := time.Now()
	err := st.Invoke(ctx, in)
	elapsed := time.Since(start)
	if err != nil {
		metrics.ObserveStage(string(name), "error", elapsed)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		log.Error("pipeline.stage.failed", "stage", name, "err", err, "elapsed_ms", elapsed.Milliseconds())
		return stageError(name, err)
	}
	metrics.ObserveStage(string(name), "ok", elapsed)
	log.Debug("pipeline.stage.ok", "stage", name, "elapsed_ms", elapsed.Milliseconds())
	return nil
}

func stageNames(stages []constants.Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}

// Providers are the external capabilities behind the standard stages.
type Providers struct {
	Text        extract.TextExtractor
	Entities    extract.EntityExtractor
	Terminology extract.TerminologyValidator
	Enhancer    extract.Enhancer
}

// DefaultStages wires the standard stage order.
func DefaultStages(pr Providers) []Stage {
	return []Stage{
		NewOCRStage(pr.Text),
		NewEntitiesStage(pr.Entities),
		NewTerminologyStage(pr.Terminology),
		NewEnhancementStage(pr.Enhancer),
		MergeStage{},
	}
}
