package dapps

// FlowStep is one visible step of an authorization flow
type FlowStep string

const (
	StepRevoke  FlowStep = "revoke"
	StepGrant   FlowStep = "grant"
	StepConfirm FlowStep = "confirm"
)

// StepStatus is the display status of a step. It is always derived, never stored.
type StepStatus string

const (
	StepStatusPending                    StepStatus = "pending"
	StepStatusWaitingWalletSignature     StepStatus = "waiting_wallet_signature"
	StepStatusProcessingOnChain          StepStatus = "processing_on_chain"
	StepStatusAllowanceInsufficientError StepStatus = "allowance_insufficient_error"
	StepStatusGenericError               StepStatus = "generic_error"
	StepStatusDone                       StepStatus = "done"
)

// StepView is the projected status of one step
type StepView struct {
	Step   FlowStep   `json:"step"`
	Status StepStatus `json:"status"`
}

// FlowSteps returns the visible steps for a flow
func FlowSteps(action AuthorizationAction, revokeNeeded bool) []FlowStep {
	switch {
	case action == ActionRevoke:
		return []FlowStep{StepRevoke, StepConfirm}
	case revokeNeeded:
		return []FlowStep{StepRevoke, StepGrant, StepConfirm}
	default:
		return []FlowStep{StepGrant, StepConfirm}
	}
}

// ProjectSteps maps a flow snapshot and the loading ledger entries to step statuses.
// Steps before the active one are done and steps after it are pending.
func ProjectSteps(snapshot FlowSnapshot, entries []LoadingEntry) []StepView {
	steps := FlowSteps(snapshot.Action, snapshot.RevokeNeeded)
	active := activeStep(snapshot)

	activeIndex := len(steps) - 1
	for i, step := range steps {
		if step == active {
			activeIndex = i
			break
		}
	}

	views := make([]StepView, len(steps))
	for i, step := range steps {
		views[i] = StepView{Step: step}
		switch {
		case i < activeIndex:
			views[i].Status = StepStatusDone
		case i > activeIndex:
			views[i].Status = StepStatusPending
		default:
			views[i].Status = activeStatus(snapshot, step, entries)
		}
	}
	return views
}

func primaryStep(action AuthorizationAction) FlowStep {
	if action == ActionRevoke {
		return StepRevoke
	}
	return StepGrant
}

func activeStep(snapshot FlowSnapshot) FlowStep {
	switch snapshot.State {
	case FlowStateIdle:
		return FlowSteps(snapshot.Action, snapshot.RevokeNeeded)[0]
	case FlowStateRevokingIfNeeded:
		return StepRevoke
	case FlowStateSuccess:
		return StepConfirm
	case FlowStateFailed:
		if snapshot.RevokeNeeded && !snapshot.Revoked {
			return StepRevoke
		}
		return primaryStep(snapshot.Action)
	default:
		return primaryStep(snapshot.Action)
	}
}

func activeStatus(snapshot FlowSnapshot, step FlowStep, entries []LoadingEntry) StepStatus {
	if snapshot.State == FlowStateFailed {
		if snapshot.Error != nil && snapshot.Error.Kind == ErrKindInsufficientAllowance {
			return StepStatusAllowanceInsufficientError
		}
		return StepStatusGenericError
	}
	if step == StepConfirm {
		return StepStatusPending
	}

	requestType := ActionGrantTokenRequest
	if step == StepRevoke {
		requestType = ActionRevokeTokenRequest
	}
	if containsEntry(entries, IsLoadingFor(requestType, snapshot.Authorization)) {
		return StepStatusWaitingWalletSignature
	}
	if snapshot.State != FlowStateIdle &&
		containsEntry(entries, IsLoadingFor(ActionAuthorizationFlowRequest, snapshot.Authorization)) {
		return StepStatusProcessingOnChain
	}
	return StepStatusPending
}
