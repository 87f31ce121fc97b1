// Package workflow holds the assignment aggregate. State is only ever built
// by folding the assignment's own events; commands are decided against that
// state and return the events to append.
package workflow

import (
	"fmt"
	"time"

	"appraisal/internal/domain"
	"appraisal/internal/events"
)

// Assignment is the in-memory projection of one questionnaire assignment.
type Assignment struct {
	ID                    string               `json:"id"`
	TemplateID            string               `json:"template_id"`
	TemplateName          string               `json:"template_name,omitempty"`
	EmployeeID            string               `json:"employee_id"`
	ManagerID             string               `json:"manager_id"`
	RequiresManagerReview bool                 `json:"requires_manager_review"`
	State                 domain.WorkflowState `json:"state"`
	DueDate               time.Time            `json:"due_date"`
	Sections              []domain.Section     `json:"sections"`
	InitNotes             *string              `json:"init_notes,omitempty"`

	Answers            []domain.Answer `json:"answers"`
	EmployeeSubmitted  *time.Time      `json:"employee_submitted_at,omitempty"`
	ManagerSubmitted   *time.Time      `json:"manager_submitted_at,omitempty"`
	AutoFinalizeReason *string         `json:"auto_finalize_reason,omitempty"`

	Goals        []domain.Goal              `json:"goals"`
	Predecessors []domain.PredecessorLink   `json:"predecessors"`
	Ratings      []domain.PredecessorRating `json:"predecessor_ratings"`

	Notes         []domain.InReviewNote `json:"in_review_notes"`
	ReviewChanges []domain.ReviewChange `json:"review_changes"`

	ReviewSummary   *string `json:"review_summary,omitempty"`
	SignOffComments *string `json:"sign_off_comments,omitempty"`
	ConfirmComments *string `json:"confirm_comments,omitempty"`
	FinalNotes      *string `json:"final_notes,omitempty"`
	WithdrawReason  *string `json:"withdraw_reason,omitempty"`

	History []domain.StateTransition `json:"history"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Version is the sequence number of the last applied event.
	Version int64 `json:"version"`

	deletedGoals map[string]bool
}

// Replay folds a complete log into a fresh aggregate.
func Replay(envs []events.Envelope) (*Assignment, error) {
	if len(envs) == 0 {
		return nil, fmt.Errorf("replay: empty event log")
	}
	a := &Assignment{}
	for _, env := range envs {
		if err := a.Apply(env); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Apply folds one event. It fails only on a malformed log: out-of-order
// sequence numbers, a log that does not start with an assignment, or a
// payload this fold does not know.
func (a *Assignment) Apply(env events.Envelope) error {
	if env.Sequence != a.Version+1 {
		return fmt.Errorf("apply %s: sequence %d after version %d", env.Kind, env.Sequence, a.Version)
	}
	if a.Version == 0 {
		if _, ok := env.Payload.(*events.Assigned); !ok {
			return fmt.Errorf("apply %s: log must start with %s", env.Kind, events.KindAssigned)
		}
	} else if env.AssignmentID != "" && env.AssignmentID != a.ID {
		return fmt.Errorf("apply %s: event belongs to %s, not %s", env.Kind, env.AssignmentID, a.ID)
	}
	at := env.OccurredAt

	switch p := env.Payload.(type) {
	case *events.Assigned:
		if a.Version != 0 {
			return fmt.Errorf("apply %s: assignment %s already exists", env.Kind, a.ID)
		}
		a.ID = env.AssignmentID
		a.TemplateID = p.TemplateID
		a.TemplateName = p.TemplateName
		a.EmployeeID = p.EmployeeID
		a.ManagerID = p.ManagerID
		a.RequiresManagerReview = p.RequiresManagerReview
		a.DueDate = p.DueDate
		a.Sections = append([]domain.Section(nil), p.Sections...)
		a.State = domain.StateAssigned
		a.CreatedAt = at
	case *events.Initialized:
		for _, s := range p.CustomSections {
			s.Custom = true
			a.Sections = append(a.Sections, s)
		}
		a.InitNotes = p.Notes
	case *events.WorkStarted:
	case *events.AnswerSaved:
		a.putAnswer(domain.Answer{
			SectionID:  p.SectionID,
			QuestionID: p.QuestionID,
			Role:       p.Role,
			Value:      p.Value,
			AnsweredBy: env.ActorID,
			AnsweredAt: at,
		})
	case *events.Submitted:
		t := at
		if p.Role == domain.RoleEmployee {
			a.EmployeeSubmitted = &t
		} else {
			a.ManagerSubmitted = &t
		}
	case *events.AutoFinalized:
		reason := p.Reason
		a.AutoFinalizeReason = &reason
	case *events.Finalized:
		a.FinalNotes = p.Notes
	case *events.Withdrawn:
		a.WithdrawReason = p.Reason
	case *events.StateTransitioned:
		a.History = append(a.History, domain.StateTransition{
			From: p.From, To: p.To, Reason: p.Reason, ActorID: env.ActorID, At: at,
		})
		a.State = p.To
	case *events.Reopened:
		a.History = append(a.History, domain.StateTransition{
			From: p.From, To: p.To, Reason: p.Reason, ActorID: env.ActorID, At: at,
			Reopen: true, AuthorizingRole: p.AuthorizingRole,
		})
		a.State = p.To
		a.rollback(p.To)
	case *events.ReviewInitiated:
	case *events.ReviewMeetingStarted:
	case *events.ReviewMeetingFinished:
		a.ReviewSummary = p.Summary
	case *events.SignedOff:
		a.SignOffComments = p.Comments
	case *events.OutcomeConfirmed:
		a.ConfirmComments = p.Comments
	case *events.AnswerEditedDuringReview:
		a.putAnswer(domain.Answer{
			SectionID:  p.SectionID,
			QuestionID: p.QuestionID,
			Role:       p.AnswerRole,
			Value:      p.NewValue,
			AnsweredBy: env.ActorID,
			AnsweredAt: at,
		})
		a.ReviewChanges = append(a.ReviewChanges, domain.ReviewChange{
			Subject:                domain.ChangeSubjectAnswer,
			SectionID:              p.SectionID,
			QuestionID:             p.QuestionID,
			OriginalCompletionRole: p.OriginalCompletionRole,
			OldValue:               p.OldValue,
			NewValue:               p.NewValue,
			EditedBy:               env.ActorID,
			EditorRole:             p.EditorRole,
			EditedAt:               at,
		})
	case *events.InReviewNoteAdded:
		a.Notes = append(a.Notes, domain.InReviewNote{
			ID:         p.NoteID,
			Content:    p.Content,
			SectionID:  p.SectionID,
			AuthorID:   env.ActorID,
			AuthorRole: p.AuthorRole,
			CreatedAt:  at,
		})
	case *events.InReviewNoteUpdated:
		if i := a.noteIndex(p.NoteID); i >= 0 {
			t := at
			a.Notes[i].Content = p.Content
			a.Notes[i].UpdatedAt = &t
		}
	case *events.InReviewNoteDeleted:
		if i := a.noteIndex(p.NoteID); i >= 0 {
			a.Notes = append(a.Notes[:i:i], a.Notes[i+1:]...)
		}
	case *events.GoalAdded:
		if a.deletedGoals[p.GoalID] || a.goalIndex(p.GoalID) >= 0 {
			break
		}
		g := domain.Goal{
			ID:          p.GoalID,
			QuestionID:  p.QuestionID,
			AddedByRole: p.Role,
			Timeframe:   p.Timeframe,
			Objective:   p.Objective,
			Metric:      p.Metric,
			Weighting:   p.Weighting,
			AddedBy:     env.ActorID,
			AddedAt:     at,
		}
		a.Goals = append(a.Goals, g)
		a.recordGoalChange(g, "", g.Summary(), env.ActorID, p.Role, at)
	case *events.GoalModified:
		i := a.goalIndex(p.GoalID)
		if i < 0 {
			break
		}
		before := a.Goals[i].Current()
		a.Goals[i].Modifications = append(a.Goals[i].Modifications, domain.GoalModification{
			Changes:        p.Changes,
			ModifiedByRole: p.Role,
			Reason:         p.Reason,
			ModifiedBy:     env.ActorID,
			ModifiedAt:     at,
		})
		a.recordGoalChange(before, before.Summary(), a.Goals[i].Current().Summary(), env.ActorID, p.Role, at)
	case *events.GoalDeleted:
		if a.deletedGoals == nil {
			a.deletedGoals = map[string]bool{}
		}
		a.deletedGoals[p.GoalID] = true
		i := a.goalIndex(p.GoalID)
		if i < 0 {
			break
		}
		gone := a.Goals[i].Current()
		a.Goals = append(a.Goals[:i:i], a.Goals[i+1:]...)
		a.recordGoalChange(gone, gone.Summary(), "", env.ActorID, p.Role, at)
	case *events.PredecessorLinked:
		a.Predecessors = append(a.Predecessors, domain.PredecessorLink{
			QuestionID:              p.QuestionID,
			PredecessorAssignmentID: p.PredecessorAssignmentID,
			LinkedByRole:            p.Role,
			LinkedBy:                env.ActorID,
			LinkedAt:                at,
			Goals:                   append([]domain.PredecessorGoal(nil), p.Goals...),
		})
	case *events.PredecessorGoalRated:
		a.Ratings = append(a.Ratings, domain.PredecessorRating{
			QuestionID:          p.QuestionID,
			SourceAssignmentID:  p.SourceAssignmentID,
			SourceGoalID:        p.SourceGoalID,
			DegreeOfAchievement: p.DegreeOfAchievement,
			Justification:       p.Justification,
			RatingRole:          p.Role,
			RatedBy:             env.ActorID,
			RatedAt:             at,
		})
	case *events.PredecessorGoalRatingModified:
		if i := a.ratingIndex(p.QuestionID, p.SourceGoalID, p.RatingRole); i >= 0 {
			a.Ratings[i].Modifications = append(a.Ratings[i].Modifications, domain.RatingModification{
				Changes:        p.Changes,
				ModifiedByRole: p.Role,
				Reason:         p.Reason,
				ModifiedBy:     env.ActorID,
				ModifiedAt:     at,
			})
		}
	default:
		return fmt.Errorf("apply %s: unhandled payload %T", env.Kind, env.Payload)
	}

	a.Version = env.Sequence
	a.UpdatedAt = at
	return nil
}

// rollback clears the per-phase commitments a reopen to `to` takes back.
func (a *Assignment) rollback(to domain.WorkflowState) {
	if to.Before(domain.StateManagerSubmitted) {
		a.EmployeeSubmitted = nil
		a.ManagerSubmitted = nil
	}
	if to.Before(domain.StateReviewFinished) {
		a.ReviewSummary = nil
	}
	if to.Before(domain.StateEmployeeSignedOff) {
		a.SignOffComments = nil
	}
	if to.Before(domain.StateEmployeeConfirmed) {
		a.ConfirmComments = nil
	}
	if to.Before(domain.StateFinalized) {
		a.FinalNotes = nil
	}
}

func (a *Assignment) recordGoalChange(g domain.Goal, oldValue, newValue, actorID string, role domain.Role, at time.Time) {
	if a.State != domain.StateInReview {
		return
	}
	sectionID := ""
	if s, _, ok := a.question(g.QuestionID); ok {
		sectionID = s.ID
	}
	a.ReviewChanges = append(a.ReviewChanges, domain.ReviewChange{
		Subject:                domain.ChangeSubjectGoal,
		SectionID:              sectionID,
		QuestionID:             g.QuestionID,
		GoalID:                 g.ID,
		OriginalCompletionRole: domain.CompletionRoleOf(g.AddedByRole),
		OldValue:               oldValue,
		NewValue:               newValue,
		EditedBy:               actorID,
		EditorRole:             role,
		EditedAt:               at,
	})
}

func (a *Assignment) putAnswer(ans domain.Answer) {
	for i, cur := range a.Answers {
		if cur.SectionID == ans.SectionID && cur.QuestionID == ans.QuestionID && cur.Role == ans.Role {
			a.Answers[i] = ans
			return
		}
	}
	a.Answers = append(a.Answers, ans)
}

// Answer returns the answer side role gave to a question.
func (a *Assignment) Answer(sectionID, questionID string, role domain.Role) (domain.Answer, bool) {
	for _, ans := range a.Answers {
		if ans.SectionID == sectionID && ans.QuestionID == questionID && ans.Role == role {
			return ans, true
		}
	}
	return domain.Answer{}, false
}

func (a *Assignment) Section(id string) (domain.Section, bool) {
	for _, s := range a.Sections {
		if s.ID == id {
			return s, true
		}
	}
	return domain.Section{}, false
}

func (a *Assignment) question(questionID string) (domain.Section, domain.Question, bool) {
	for _, s := range a.Sections {
		if q, ok := s.Question(questionID); ok {
			return s, q, true
		}
	}
	return domain.Section{}, domain.Question{}, false
}

// Goal returns a live goal with its modifications applied.
func (a *Assignment) Goal(id string) (domain.Goal, bool) {
	if i := a.goalIndex(id); i >= 0 {
		return a.Goals[i].Current(), true
	}
	return domain.Goal{}, false
}

// GoalDeleted reports whether a delete for id has been recorded.
func (a *Assignment) GoalDeleted(id string) bool { return a.deletedGoals[id] }

func (a *Assignment) goalIndex(id string) int {
	for i, g := range a.Goals {
		if g.ID == id {
			return i
		}
	}
	return -1
}

func (a *Assignment) noteIndex(id string) int {
	for i, n := range a.Notes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (a *Assignment) ratingIndex(questionID, goalID string, role domain.Role) int {
	for i, r := range a.Ratings {
		if r.QuestionID == questionID && r.SourceGoalID == goalID && r.RatingRole == role {
			return i
		}
	}
	return -1
}

func (a *Assignment) predecessor(questionID string) (domain.PredecessorLink, bool) {
	for _, l := range a.Predecessors {
		if l.QuestionID == questionID {
			return l, true
		}
	}
	return domain.PredecessorLink{}, false
}

// LiveGoals returns current goals with modifications applied, in the order they were added.
func (a *Assignment) LiveGoals() []domain.Goal {
	out := make([]domain.Goal, 0, len(a.Goals))
	for _, g := range a.Goals {
		out = append(out, g.Current())
	}
	return out
}
