package capture

// Step identifies a workflow step. The set is closed; Route maps every Step
// to its successor.
type Step string

const (
	StepExtract             Step = "extract"
	StepPrepareConfirmation Step = "prepare_confirmation"
	StepAskConfirmation     Step = "ask_confirmation"
	StepClassifyIntent      Step = "classify_intent"
	StepApplyCorrection     Step = "apply_correction"
	StepPersist             Step = "persist"
	StepGenerateFollowUp    Step = "generate_follow_up"
	StepFallback            Step = "fallback"

	// StepDone is the terminal pseudo-step.
	StepDone Step = "done"
)

// Steps lists every executable step in workflow order.
var Steps = []Step{
	StepExtract,
	StepPrepareConfirmation,
	StepAskConfirmation,
	StepClassifyIntent,
	StepApplyCorrection,
	StepPersist,
	StepGenerateFollowUp,
	StepFallback,
}

func (s Step) String() string {
	return string(s)
}
