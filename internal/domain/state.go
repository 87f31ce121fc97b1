package domain

import "fmt"

// WorkflowState is the phase an assignment is in.
type WorkflowState string

const (
	StateAssigned          WorkflowState = "assigned"
	StateInitialized       WorkflowState = "initialized"
	StateInProgress        WorkflowState = "in_progress"
	StateManagerSubmitted  WorkflowState = "manager_submitted"
	StateReviewInitiated   WorkflowState = "review_initiated"
	StateInReview          WorkflowState = "in_review"
	StateReviewFinished    WorkflowState = "review_finished"
	StateEmployeeSignedOff WorkflowState = "employee_signed_off"
	StateEmployeeConfirmed WorkflowState = "employee_confirmed"
	StateFinalized         WorkflowState = "finalized"
	StateWithdrawn         WorkflowState = "withdrawn"
)

// mainLine lists the forward phases in order. Withdrawn sits outside it.
var mainLine = []WorkflowState{
	StateAssigned,
	StateInitialized,
	StateInProgress,
	StateManagerSubmitted,
	StateReviewInitiated,
	StateInReview,
	StateReviewFinished,
	StateEmployeeSignedOff,
	StateEmployeeConfirmed,
	StateFinalized,
}

// States returns every known state, main line first.
func States() []WorkflowState {
	out := make([]WorkflowState, 0, len(mainLine)+1)
	out = append(out, mainLine...)
	return append(out, StateWithdrawn)
}

// ParseWorkflowState validates a raw state name.
func ParseWorkflowState(s string) (WorkflowState, error) {
	st := WorkflowState(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown workflow state %q", s)
	}
	return st, nil
}

func (s WorkflowState) Valid() bool {
	return s == StateWithdrawn || s.Rank() >= 0
}

// Rank is the position on the main line, or -1 for states outside it.
func (s WorkflowState) Rank() int {
	for i, st := range mainLine {
		if st == s {
			return i
		}
	}
	return -1
}

// IsTerminal reports whether no forward transition leaves s.
func (s WorkflowState) IsTerminal() bool {
	return s == StateFinalized || s == StateWithdrawn
}

// Before reports whether s precedes other on the main line.
func (s WorkflowState) Before(other WorkflowState) bool {
	a, b := s.Rank(), other.Rank()
	return a >= 0 && b >= 0 && a < b
}

// AcceptsGoalChanges reports whether goals, ratings and predecessor links may be mutated.
func (s WorkflowState) AcceptsGoalChanges() bool {
	return s == StateInProgress || s == StateInReview
}

func (s WorkflowState) String() string { return string(s) }
