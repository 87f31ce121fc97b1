package events

import (
	"time"

	"appraisal/internal/domain"
)

// Payload is the closed set of facts an assignment log may contain. Only the
// pointer types declared in this file implement it.
type Payload interface {
	Kind() Kind
	sealed()
}

type Assigned struct {
	TemplateID            string           `json:"template_id"`
	TemplateName          string           `json:"template_name,omitempty"`
	EmployeeID            string           `json:"employee_id"`
	ManagerID             string           `json:"manager_id"`
	RequiresManagerReview bool             `json:"requires_manager_review"`
	DueDate               time.Time        `json:"due_date"`
	Sections              []domain.Section `json:"sections"`
}

type Initialized struct {
	CustomSections []domain.Section `json:"custom_sections,omitempty"`
	Notes          *string          `json:"notes,omitempty"`
}

type WorkStarted struct {
	Role domain.Role `json:"role"`
}

type AnswerSaved struct {
	SectionID  string      `json:"section_id"`
	QuestionID string      `json:"question_id"`
	Role       domain.Role `json:"role"`
	Value      string      `json:"value"`
}

type Submitted struct {
	Role domain.Role `json:"role"`
}

type AutoFinalized struct {
	Reason string `json:"reason"`
}

type Finalized struct {
	Notes *string `json:"notes,omitempty"`
}

type Withdrawn struct {
	Reason *string     `json:"reason,omitempty"`
	Role   domain.Role `json:"role"`
}

// StateTransitioned is appended alongside every forward move.
type StateTransitioned struct {
	From   domain.WorkflowState `json:"from_state"`
	To     domain.WorkflowState `json:"to_state"`
	Reason string               `json:"reason,omitempty"`
}

// Reopened records an administrative backward jump.
type Reopened struct {
	From              domain.WorkflowState `json:"from_state"`
	To                domain.WorkflowState `json:"to_state"`
	Reason            string               `json:"reason"`
	AuthorizingRole   domain.Role          `json:"authorizing_role"`
	HierarchyVerified bool                 `json:"hierarchy_verified,omitempty"`
}

type ReviewInitiated struct{}

type ReviewMeetingStarted struct{}

type ReviewMeetingFinished struct {
	Summary *string `json:"summary,omitempty"`
}

type SignedOff struct {
	Comments *string `json:"comments,omitempty"`
}

type OutcomeConfirmed struct {
	Comments *string `json:"comments,omitempty"`
}

type AnswerEditedDuringReview struct {
	SectionID              string                `json:"section_id"`
	QuestionID             string                `json:"question_id"`
	AnswerRole             domain.Role           `json:"answer_role"`
	OriginalCompletionRole domain.CompletionRole `json:"original_completion_role"`
	OldValue               string                `json:"old_value"`
	NewValue               string                `json:"new_value"`
	EditorRole             domain.Role           `json:"editor_role"`
}

type InReviewNoteAdded struct {
	NoteID     string      `json:"note_id"`
	Content    string      `json:"content"`
	SectionID  *string     `json:"section_id,omitempty"`
	AuthorRole domain.Role `json:"author_role"`
}

type InReviewNoteUpdated struct {
	NoteID  string `json:"note_id"`
	Content string `json:"content"`
}

type InReviewNoteDeleted struct {
	NoteID string `json:"note_id"`
}

type GoalAdded struct {
	GoalID     string           `json:"goal_id"`
	QuestionID string           `json:"question_id"`
	Role       domain.Role      `json:"role"`
	Timeframe  domain.Timeframe `json:"timeframe"`
	Objective  string           `json:"objective"`
	Metric     string           `json:"metric"`
	Weighting  *int             `json:"weighting,omitempty"`
}

type GoalModified struct {
	GoalID  string             `json:"goal_id"`
	Changes domain.GoalChanges `json:"changes"`
	Role    domain.Role        `json:"role"`
	Reason  string             `json:"reason,omitempty"`
}

type GoalDeleted struct {
	GoalID string      `json:"goal_id"`
	Role   domain.Role `json:"role"`
	Reason string      `json:"reason,omitempty"`
}

// PredecessorLinked snapshots the prior assignment's goals so replay never
// consults the other aggregate.
type PredecessorLinked struct {
	QuestionID              string                   `json:"question_id"`
	PredecessorAssignmentID string                   `json:"predecessor_assignment_id"`
	Role                    domain.Role              `json:"role"`
	Goals                   []domain.PredecessorGoal `json:"goals"`
}

type PredecessorGoalRated struct {
	QuestionID          string      `json:"question_id"`
	SourceAssignmentID  string      `json:"source_assignment_id"`
	SourceGoalID        string      `json:"source_goal_id"`
	DegreeOfAchievement int         `json:"degree_of_achievement"`
	Justification       string      `json:"justification"`
	Role                domain.Role `json:"role"`
}

type PredecessorGoalRatingModified struct {
	QuestionID   string               `json:"question_id"`
	SourceGoalID string               `json:"source_goal_id"`
	RatingRole   domain.Role          `json:"rating_role"`
	Changes      domain.RatingChanges `json:"changes"`
	Role         domain.Role          `json:"role"`
	Reason       string               `json:"reason,omitempty"`
}

func (Assigned) Kind() Kind                      { return KindAssigned }
func (Initialized) Kind() Kind                   { return KindInitialized }
func (WorkStarted) Kind() Kind                   { return KindWorkStarted }
func (AnswerSaved) Kind() Kind                   { return KindAnswerSaved }
func (Submitted) Kind() Kind                     { return KindSubmitted }
func (AutoFinalized) Kind() Kind                 { return KindAutoFinalized }
func (Finalized) Kind() Kind                     { return KindFinalized }
func (Withdrawn) Kind() Kind                     { return KindWithdrawn }
func (StateTransitioned) Kind() Kind             { return KindStateTransitioned }
func (Reopened) Kind() Kind                      { return KindReopened }
func (ReviewInitiated) Kind() Kind               { return KindReviewInitiated }
func (ReviewMeetingStarted) Kind() Kind          { return KindReviewMeetingStarted }
func (ReviewMeetingFinished) Kind() Kind         { return KindReviewMeetingFinished }
func (SignedOff) Kind() Kind                     { return KindSignedOff }
func (OutcomeConfirmed) Kind() Kind              { return KindOutcomeConfirmed }
func (AnswerEditedDuringReview) Kind() Kind      { return KindAnswerEditedDuringReview }
func (InReviewNoteAdded) Kind() Kind             { return KindInReviewNoteAdded }
func (InReviewNoteUpdated) Kind() Kind           { return KindInReviewNoteUpdated }
func (InReviewNoteDeleted) Kind() Kind           { return KindInReviewNoteDeleted }
func (GoalAdded) Kind() Kind                     { return KindGoalAdded }
func (GoalModified) Kind() Kind                  { return KindGoalModified }
func (GoalDeleted) Kind() Kind                   { return KindGoalDeleted }
func (PredecessorLinked) Kind() Kind             { return KindPredecessorLinked }
func (PredecessorGoalRated) Kind() Kind          { return KindPredecessorGoalRated }
func (PredecessorGoalRatingModified) Kind() Kind { return KindPredecessorGoalRatingModified }

func (*Assigned) sealed()                      {}
func (*Initialized) sealed()                   {}
func (*WorkStarted) sealed()                   {}
func (*AnswerSaved) sealed()                   {}
func (*Submitted) sealed()                     {}
func (*AutoFinalized) sealed()                 {}
func (*Finalized) sealed()                     {}
func (*Withdrawn) sealed()                     {}
func (*StateTransitioned) sealed()             {}
func (*Reopened) sealed()                      {}
func (*ReviewInitiated) sealed()               {}
func (*ReviewMeetingStarted) sealed()          {}
func (*ReviewMeetingFinished) sealed()         {}
func (*SignedOff) sealed()                     {}
func (*OutcomeConfirmed) sealed()              {}
func (*AnswerEditedDuringReview) sealed()      {}
func (*InReviewNoteAdded) sealed()             {}
func (*InReviewNoteUpdated) sealed()           {}
func (*InReviewNoteDeleted) sealed()           {}
func (*GoalAdded) sealed()                     {}
func (*GoalModified) sealed()                  {}
func (*GoalDeleted) sealed()                   {}
func (*PredecessorLinked) sealed()             {}
func (*PredecessorGoalRated) sealed()          {}
func (*PredecessorGoalRatingModified) sealed() {}
