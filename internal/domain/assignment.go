package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type QuestionType string

const (
	QuestionText   QuestionType = "text"
	QuestionRating QuestionType = "rating"
	QuestionGoal   QuestionType = "goal"
)

type Question struct {
	ID       string       `json:"id" yaml:"id"`
	Title    string       `json:"title" yaml:"title"`
	Type     QuestionType `json:"type" yaml:"type"`
	Required bool         `json:"required,omitempty" yaml:"required"`
}

type Section struct {
	ID             string         `json:"id" yaml:"id"`
	Title          string         `json:"title" yaml:"title"`
	CompletionRole CompletionRole `json:"completion_role" yaml:"completion_role"`
	Questions      []Question     `json:"questions" yaml:"questions"`
	Custom         bool           `json:"custom,omitempty" yaml:"-"`
}

// Validate checks a section definition in isolation.
func (s Section) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("section id is required")
	}
	if _, err := ParseCompletionRole(string(s.CompletionRole)); err != nil {
		return fmt.Errorf("section %s: %w", s.ID, err)
	}
	seen := map[string]bool{}
	for _, q := range s.Questions {
		if strings.TrimSpace(q.ID) == "" {
			return fmt.Errorf("section %s has a question without id", s.ID)
		}
		if seen[q.ID] {
			return fmt.Errorf("section %s repeats question %s", s.ID, q.ID)
		}
		seen[q.ID] = true
		switch q.Type {
		case QuestionText, QuestionRating, QuestionGoal:
		default:
			return fmt.Errorf("question %s has unknown type %q", q.ID, q.Type)
		}
	}
	return nil
}

// Question returns the question with the given id.
func (s Section) Question(id string) (Question, bool) {
	for _, q := range s.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// Template is a questionnaire definition as returned by the template lookup.
type Template struct {
	ID       string    `json:"id" yaml:"id"`
	Name     string    `json:"name" yaml:"name"`
	Sections []Section `json:"sections" yaml:"sections"`
}

// Validate checks the template as a whole. Question ids are unique across
// sections because goals and answers refer to questions by id.
func (t Template) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("template id is required")
	}
	if len(t.Sections) == 0 {
		return fmt.Errorf("template %s has no sections", t.ID)
	}
	return ValidateSections(t.Sections)
}

// ValidateSections checks a set of sections that will live in one assignment.
func ValidateSections(sections []Section) error {
	sectionIDs := map[string]bool{}
	questionIDs := map[string]string{}
	for _, s := range sections {
		if err := s.Validate(); err != nil {
			return err
		}
		if sectionIDs[s.ID] {
			return fmt.Errorf("duplicate section %s", s.ID)
		}
		sectionIDs[s.ID] = true
		for _, q := range s.Questions {
			if other, ok := questionIDs[q.ID]; ok {
				return fmt.Errorf("question %s appears in sections %s and %s", q.ID, other, s.ID)
			}
			questionIDs[q.ID] = s.ID
		}
	}
	return nil
}

// Answer is one side's response to a question.
type Answer struct {
	SectionID  string    `json:"section_id"`
	QuestionID string    `json:"question_id"`
	Role       Role      `json:"role"`
	Value      string    `json:"value"`
	AnsweredBy string    `json:"answered_by"`
	AnsweredAt time.Time `json:"answered_at"`
}

type Timeframe struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (t Timeframe) Validate() error {
	if t.From.IsZero() || t.To.IsZero() {
		return errors.New("timeframe requires from and to")
	}
	if t.To.Before(t.From) {
		return errors.New("timeframe ends before it starts")
	}
	return nil
}

// Goal is authored during the cycle and only ever annotated afterwards.
type Goal struct {
	ID            string             `json:"id"`
	QuestionID    string             `json:"question_id"`
	AddedByRole   Role               `json:"added_by_role"`
	Timeframe     Timeframe          `json:"timeframe"`
	Objective     string             `json:"objective"`
	Metric        string             `json:"metric"`
	Weighting     *int               `json:"weighting,omitempty"`
	AddedBy       string             `json:"added_by"`
	AddedAt       time.Time          `json:"added_at"`
	Modifications []GoalModification `json:"modifications,omitempty"`
}

// GoalChanges carries only the fields a modification touches.
type GoalChanges struct {
	Timeframe      *Timeframe `json:"timeframe,omitempty"`
	Objective      *string    `json:"objective,omitempty"`
	Metric         *string    `json:"metric,omitempty"`
	Weighting      *int       `json:"weighting,omitempty"`
	ClearWeighting bool       `json:"clear_weighting,omitempty"`
}

func (c GoalChanges) IsEmpty() bool {
	return c.Timeframe == nil && c.Objective == nil && c.Metric == nil && c.Weighting == nil && !c.ClearWeighting
}

type GoalModification struct {
	Changes        GoalChanges `json:"changes"`
	ModifiedByRole Role        `json:"modified_by_role"`
	Reason         string      `json:"reason,omitempty"`
	ModifiedBy     string      `json:"modified_by"`
	ModifiedAt     time.Time   `json:"modified_at"`
}

// Current returns the goal with every recorded modification laid over the original fields.
func (g Goal) Current() Goal {
	cur := g
	for _, m := range g.Modifications {
		c := m.Changes
		if c.Timeframe != nil {
			cur.Timeframe = *c.Timeframe
		}
		if c.Objective != nil {
			cur.Objective = *c.Objective
		}
		if c.Metric != nil {
			cur.Metric = *c.Metric
		}
		if c.ClearWeighting {
			cur.Weighting = nil
		}
		if c.Weighting != nil {
			w := *c.Weighting
			cur.Weighting = &w
		}
	}
	return cur
}

// Summary renders the goal fields for audit records.
func (g Goal) Summary() string {
	w := "unset"
	if g.Weighting != nil {
		w = fmt.Sprintf("%d%%", *g.Weighting)
	}
	return fmt.Sprintf("objective=%q metric=%q weighting=%s timeframe=%s..%s",
		g.Objective, g.Metric, w, g.Timeframe.From.Format(time.DateOnly), g.Timeframe.To.Format(time.DateOnly))
}

// PredecessorGoal is a goal of a prior assignment, captured at link time.
type PredecessorGoal struct {
	ID         string    `json:"id"`
	QuestionID string    `json:"question_id"`
	Objective  string    `json:"objective"`
	Metric     string    `json:"metric"`
	Timeframe  Timeframe `json:"timeframe"`
	Weighting  *int      `json:"weighting,omitempty"`
}

// PredecessorLink ties a goal question to exactly one prior assignment.
type PredecessorLink struct {
	QuestionID              string            `json:"question_id"`
	PredecessorAssignmentID string            `json:"predecessor_assignment_id"`
	LinkedByRole            Role              `json:"linked_by_role"`
	LinkedBy                string            `json:"linked_by"`
	LinkedAt                time.Time         `json:"linked_at"`
	Goals                   []PredecessorGoal `json:"goals"`
}

func (l PredecessorLink) Goal(id string) (PredecessorGoal, bool) {
	for _, g := range l.Goals {
		if g.ID == id {
			return g, true
		}
	}
	return PredecessorGoal{}, false
}

type PredecessorRating struct {
	QuestionID          string               `json:"question_id"`
	SourceAssignmentID  string               `json:"source_assignment_id"`
	SourceGoalID        string               `json:"source_goal_id"`
	DegreeOfAchievement int                  `json:"degree_of_achievement"`
	Justification       string               `json:"justification"`
	RatingRole          Role                 `json:"rating_role"`
	RatedBy             string               `json:"rated_by"`
	RatedAt             time.Time            `json:"rated_at"`
	Modifications       []RatingModification `json:"modifications,omitempty"`
}

type RatingChanges struct {
	DegreeOfAchievement *int    `json:"degree_of_achievement,omitempty"`
	Justification       *string `json:"justification,omitempty"`
}

func (c RatingChanges) IsEmpty() bool {
	return c.DegreeOfAchievement == nil && c.Justification == nil
}

type RatingModification struct {
	Changes        RatingChanges `json:"changes"`
	ModifiedByRole Role          `json:"modified_by_role"`
	Reason         string        `json:"reason,omitempty"`
	ModifiedBy     string        `json:"modified_by"`
	ModifiedAt     time.Time     `json:"modified_at"`
}

// Current returns the rating with modifications applied.
func (r PredecessorRating) Current() PredecessorRating {
	cur := r
	for _, m := range r.Modifications {
		if m.Changes.DegreeOfAchievement != nil {
			cur.DegreeOfAchievement = *m.Changes.DegreeOfAchievement
		}
		if m.Changes.Justification != nil {
			cur.Justification = *m.Changes.Justification
		}
	}
	return cur
}

type InReviewNote struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	SectionID  *string    `json:"section_id,omitempty"`
	AuthorID   string     `json:"author_id"`
	AuthorRole Role       `json:"author_role"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

type ChangeSubject string

const (
	ChangeSubjectAnswer ChangeSubject = "answer"
	ChangeSubjectGoal   ChangeSubject = "goal"
)

// ReviewChange is the permanent record of one edit made during the review meeting.
type ReviewChange struct {
	Subject                ChangeSubject  `json:"subject"`
	SectionID              string         `json:"section_id"`
	QuestionID             string         `json:"question_id"`
	GoalID                 string         `json:"goal_id,omitempty"`
	OriginalCompletionRole CompletionRole `json:"original_completion_role"`
	OldValue               string         `json:"old_value"`
	NewValue               string         `json:"new_value"`
	EditedBy               string         `json:"edited_by"`
	EditorRole             Role           `json:"editor_role"`
	EditedAt               time.Time      `json:"edited_at"`
}

// StateTransition is one entry of the assignment's state history.
type StateTransition struct {
	From            WorkflowState `json:"from"`
	To              WorkflowState `json:"to"`
	Reason          string        `json:"reason,omitempty"`
	ActorID         string        `json:"actor_id"`
	At              time.Time     `json:"at"`
	Reopen          bool          `json:"reopen,omitempty"`
	AuthorizingRole Role          `json:"authorizing_role,omitempty"`
}
