package capture

import "github.com/huytu0702/moniagent-sub000/graph"

// Route returns the step that follows from given the merged state.
//
// Route is pure. Unknown steps route to StepDone.
func Route(from Step, s State) Step {
	switch from {
	case StepExtract:
		if s.Candidate == nil || s.Failure == FailureExtraction {
			return StepFallback
		}
		return StepPrepareConfirmation

	case StepPrepareConfirmation:
		return StepAskConfirmation

	case StepAskConfirmation:
		// Reached only after Resume has injected the reply.
		return StepClassifyIntent

	case StepClassifyIntent:
		switch {
		case s.Classification == nil || s.Failure == FailureClarification:
			return StepFallback
		case !s.Classification.WantsChange:
			return StepPersist
		case len(s.PendingCorrections) == 0:
			return StepFallback
		default:
			return StepApplyCorrection
		}

	case StepApplyCorrection:
		return StepAskConfirmation

	case StepPersist:
		if s.Failure == FailurePersistence || s.CommittedRecordID == "" {
			return StepDone
		}
		if s.Budget != nil {
			return StepGenerateFollowUp
		}
		return StepDone

	default:
		return StepDone
	}
}

// graphRouter adapts Route to the engine's string node IDs.
func graphRouter(from string, s State) graph.Next {
	next := Route(Step(from), s)
	if next == StepDone {
		return graph.Stop()
	}
	return graph.Goto(string(next))
}
