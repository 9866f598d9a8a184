package constants

// Stage names one step of the processing pipeline.
type Stage string

const (
	StageOCR         Stage = "ocr"
	StageEntities    Stage = "entities"
	StageTerminology Stage = "terminology"
	StageEnhancement Stage = "enhancement"
	StageMerge       Stage = "merge"
)

// Stages lists the pipeline in execution order.
var Stages = []Stage{StageOCR, StageEntities, StageTerminology, StageEnhancement, StageMerge}

// Phase is the coarse processing marker persisted after each stage.
type Phase string

const (
	PhaseNone                   Phase = ""
	PhaseClaimed                Phase = "claimed"
	PhaseOCRCompleted           Phase = "ocr_completed"
	PhaseEntitiesCompleted      Phase = "entities_completed"
	PhaseAWSProcessingCompleted Phase = "aws_processing_completed"
	PhaseLLMEnhancement         Phase = "llm_enhancement"
	PhaseCompleted              Phase = "completed"
	PhaseFailed                 Phase = "failed"
)

type stageMarker struct {
	Phase    Phase
	Progress int
}

var stageMarkers = map[Stage]stageMarker{
	StageOCR:         {PhaseOCRCompleted, 20},
	StageEntities:    {PhaseEntitiesCompleted, 40},
	StageTerminology: {PhaseAWSProcessingCompleted, 60},
	StageEnhancement: {PhaseLLMEnhancement, 80},
	StageMerge:       {PhaseCompleted, 100},
}

// MarkerFor returns the phase and progress recorded once stage has finished.
func MarkerFor(stage Stage) (Phase, int) {
	m, ok := stageMarkers[stage]
	if !ok {
		return PhaseNone, 0
	}
	return m.Phase, m.Progress
}

// Optional reports whether the stage may be skipped in degraded mode.
func (s Stage) Optional() bool {
	return s == StageEntities || s == StageTerminology
}
