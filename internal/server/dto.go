package server

import (
	"time"

	"appraisal/internal/domain"
	"appraisal/internal/engine"
	"appraisal/internal/events"
	"appraisal/internal/workflow"
)

// Request payloads

type AssignRequest struct {
	ID                    string    `json:"id,omitempty" doc:"Assignment id; generated when empty"`
	TemplateID            string    `json:"template_id"`
	EmployeeID            string    `json:"employee_id"`
	ManagerID             string    `json:"manager_id"`
	DueDate               time.Time `json:"due_date"`
	RequiresManagerReview bool      `json:"requires_manager_review,omitempty"`
}

type InitializeRequest struct {
	CustomSections []domain.Section `json:"custom_sections,omitempty"`
	Notes          *string          `json:"notes,omitempty"`
}

type SaveAnswerRequest struct {
	SectionID  string `json:"section_id"`
	QuestionID string `json:"question_id"`
	Value      string `json:"value"`
}

type EditAnswerRequest struct {
	SectionID  string      `json:"section_id"`
	QuestionID string      `json:"question_id"`
	AnswerRole domain.Role `json:"answer_role,omitempty" enum:"employee,manager" doc:"Whose answer to edit; inferred from the section when empty"`
	Value      string      `json:"value"`
}

type AddNoteRequest struct {
	NoteID    string  `json:"note_id,omitempty"`
	Content   string  `json:"content"`
	SectionID *string `json:"section_id,omitempty"`
}

type UpdateNoteRequest struct {
	Content string `json:"content"`
}

// CommentRequest carries the optional free text of sign-off, confirmation,
// finalization, review summary and withdrawal.
type CommentRequest struct {
	Text *string `json:"text,omitempty"`
}

type ReopenRequest struct {
	TargetState domain.WorkflowState `json:"target_state"`
	Reason      string               `json:"reason"`
}

type AddGoalRequest struct {
	GoalID     string           `json:"goal_id,omitempty"`
	QuestionID string           `json:"question_id"`
	Timeframe  domain.Timeframe `json:"timeframe"`
	Objective  string           `json:"objective"`
	Metric     string           `json:"metric"`
	Weighting  *int             `json:"weighting,omitempty" minimum:"0" maximum:"100"`
}

type ModifyGoalRequest struct {
	Changes domain.GoalChanges `json:"changes"`
	Reason  string             `json:"reason,omitempty"`
}

type LinkPredecessorRequest struct {
	QuestionID              string `json:"question_id"`
	PredecessorAssignmentID string `json:"predecessor_assignment_id"`
}

type RatePredecessorGoalRequest struct {
	QuestionID          string `json:"question_id"`
	GoalID              string `json:"goal_id"`
	DegreeOfAchievement int    `json:"degree_of_achievement"`
	Justification       string `json:"justification"`
}

type ModifyPredecessorRatingRequest struct {
	QuestionID string               `json:"question_id"`
	GoalID     string               `json:"goal_id"`
	RatingRole domain.Role          `json:"rating_role,omitempty" enum:"employee,manager"`
	Changes    domain.RatingChanges `json:"changes"`
	Reason     string               `json:"reason,omitempty"`
}

type SetManagerRequest struct {
	ManagerID string `json:"manager_id"`
}

type DevLoginRequest struct {
	ActorID string      `json:"actor_id"`
	Role    domain.Role `json:"role"`
}

// Response payloads

type CommandResponse struct {
	Assignment *workflow.Assignment `json:"assignment"`
	Events     []events.Envelope    `json:"events"`
}

func commandResponse(res engine.Result) CommandResponse {
	envs := res.Events
	if envs == nil {
		envs = []events.Envelope{}
	}
	return CommandResponse{Assignment: res.Assignment, Events: envs}
}

type AssignmentListResponse struct {
	Items []domain.AssignmentSummary `json:"items"`
}

type EventListResponse struct {
	Items      []events.Envelope `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type MissingAnswersResponse struct {
	Employee []string `json:"employee"`
	Manager  []string `json:"manager"`
}

type TeamResponse struct {
	Items []domain.ReportingLine `json:"items"`
}

type WhoAmIResponse struct {
	ActorID string      `json:"actor_id"`
	Role    domain.Role `json:"role"`
	Source  string      `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
