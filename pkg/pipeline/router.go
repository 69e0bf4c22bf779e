package pipeline

// Route picks the step that follows after, given the state it produced.
// Rules are evaluated in priority order: an error always wins, then the
// per-stage outcome.
func Route(after Step, st State) Step {
	if st.Error != nil {
		return StepError
	}
	switch after {
	case StepIntent:
		if st.Mission == nil {
			return StepIntent
		}
		return StepCandidate
	case StepCandidate:
		if len(st.Candidates) == 0 {
			return StepNoResults
		}
		return StepVerify
	case StepVerify:
		if len(st.Verified) == 0 {
			return StepNoValidCandidates
		}
		return StepPlan
	case StepPlan:
		if st.NeedsUserInput || st.SelectedPlan == "" {
			return StepAwaitingUser
		}
		return StepExecute
	case StepExecute:
		return StepDone
	}
	return StepError
}

// ready reports the terminal step to short-circuit to when the input a step
// needs is missing, so a stage never runs without it. StepError means the
// state is malformed.
func ready(step Step, st State) (Step, bool) {
	switch step {
	case StepCandidate:
		if st.Mission == nil {
			return StepError, false
		}
	case StepVerify:
		if len(st.Candidates) == 0 {
			return StepNoResults, false
		}
	case StepPlan:
		if len(st.Verified) == 0 {
			return StepNoValidCandidates, false
		}
	case StepExecute:
		if st.Mission == nil {
			return StepError, false
		}
		if len(st.Plans) == 0 {
			return StepAwaitingUser, false
		}
	}
	return step, true
}
