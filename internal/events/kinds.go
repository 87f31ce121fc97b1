package events

// Kind names a fact recorded in an assignment's log. Values are part of the
// durable wire format and must never be renamed.
type Kind string

const (
	// lifecycle
	KindAssigned          Kind = "assigned"
	KindInitialized       Kind = "initialized"
	KindWorkStarted       Kind = "work_started"
	KindAnswerSaved       Kind = "answer_saved"
	KindSubmitted         Kind = "submitted"
	KindAutoFinalized     Kind = "auto_finalized"
	KindFinalized         Kind = "finalized"
	KindWithdrawn         Kind = "withdrawn"
	KindStateTransitioned Kind = "state_transitioned"
	KindReopened          Kind = "reopened"

	// review
	KindReviewInitiated          Kind = "review_initiated"
	KindReviewMeetingStarted     Kind = "review_meeting_started"
	KindReviewMeetingFinished    Kind = "review_meeting_finished"
	KindSignedOff                Kind = "signed_off"
	KindOutcomeConfirmed         Kind = "outcome_confirmed"
	KindAnswerEditedDuringReview Kind = "answer_edited_during_review"
	KindInReviewNoteAdded        Kind = "in_review_note_added"
	KindInReviewNoteUpdated      Kind = "in_review_note_updated"
	KindInReviewNoteDeleted      Kind = "in_review_note_deleted"

	// goals
	KindGoalAdded                     Kind = "goal_added"
	KindGoalModified                  Kind = "goal_modified"
	KindGoalDeleted                   Kind = "goal_deleted"
	KindPredecessorLinked             Kind = "predecessor_linked"
	KindPredecessorGoalRated          Kind = "predecessor_goal_rated"
	KindPredecessorGoalRatingModified Kind = "predecessor_goal_rating_modified"
)

// registry maps every kind to a constructor of its payload. Decode fails for
// anything not listed here.
var registry = map[Kind]func() Payload{
	KindAssigned:                      func() Payload { return &Assigned{} },
	KindInitialized:                   func() Payload { return &Initialized{} },
	KindWorkStarted:                   func() Payload { return &WorkStarted{} },
	KindAnswerSaved:                   func() Payload { return &AnswerSaved{} },
	KindSubmitted:                     func() Payload { return &Submitted{} },
	KindAutoFinalized:                 func() Payload { return &AutoFinalized{} },
	KindFinalized:                     func() Payload { return &Finalized{} },
	KindWithdrawn:                     func() Payload { return &Withdrawn{} },
	KindStateTransitioned:             func() Payload { return &StateTransitioned{} },
	KindReopened:                      func() Payload { return &Reopened{} },
	KindReviewInitiated:               func() Payload { return &ReviewInitiated{} },
	KindReviewMeetingStarted:          func() Payload { return &ReviewMeetingStarted{} },
	KindReviewMeetingFinished:         func() Payload { return &ReviewMeetingFinished{} },
	KindSignedOff:                     func() Payload { return &SignedOff{} },
	KindOutcomeConfirmed:              func() Payload { return &OutcomeConfirmed{} },
	KindAnswerEditedDuringReview:      func() Payload { return &AnswerEditedDuringReview{} },
	KindInReviewNoteAdded:             func() Payload { return &InReviewNoteAdded{} },
	KindInReviewNoteUpdated:           func() Payload { return &InReviewNoteUpdated{} },
	KindInReviewNoteDeleted:           func() Payload { return &InReviewNoteDeleted{} },
	KindGoalAdded:                     func() Payload { return &GoalAdded{} },
	KindGoalModified:                  func() Payload { return &GoalModified{} },
	KindGoalDeleted:                   func() Payload { return &GoalDeleted{} },
	KindPredecessorLinked:             func() Payload { return &PredecessorLinked{} },
	KindPredecessorGoalRated:          func() Payload { return &PredecessorGoalRated{} },
	KindPredecessorGoalRatingModified: func() Payload { return &PredecessorGoalRatingModified{} },
}

// Kinds returns every registered kind.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}

func (k Kind) Known() bool {
	_, ok := registry[k]
	return ok
}
