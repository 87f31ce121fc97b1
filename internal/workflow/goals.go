package workflow

import (
	"strings"

	"appraisal/internal/domain"
	dErrors "appraisal/internal/domainerrors"
	"appraisal/internal/events"
	"appraisal/internal/policy"
)

type GoalInput struct {
	GoalID     string
	QuestionID string
	Timeframe  domain.Timeframe
	Objective  string
	Metric     string
	Weighting  *int
}

func (w Workflow) goalQuestion(a *Assignment, questionID string) (domain.Question, error) {
	_, q, ok := a.question(questionID)
	if !ok {
		return domain.Question{}, dErrors.InvalidArgument("unknown question %q", questionID)
	}
	if q.Type != domain.QuestionGoal {
		return domain.Question{}, dErrors.InvalidArgument("question %s is not a goal question", questionID)
	}
	return q, nil
}

func checkWeighting(a *Assignment, role domain.Role, weighting *int) error {
	if weighting == nil {
		return nil
	}
	if *weighting < 0 || *weighting > 100 {
		return dErrors.InvalidArgument("weighting %d is outside 0..100", *weighting)
	}
	if a.State == domain.StateInReview && role != domain.RoleManager {
		return dErrors.Unauthorized("only the manager sets weightings during the review meeting")
	}
	return nil
}

func (w Workflow) AddGoal(a *Assignment, cmd Command, in GoalInput) ([]events.Envelope, error) {
	if err := w.guard(a, policy.OpAddGoal, cmd, domain.StateInProgress, domain.StateInReview); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.GoalID) == "" {
		return nil, dErrors.InvalidArgument("goal id is required")
	}
	if a.goalIndex(in.GoalID) >= 0 || a.GoalDeleted(in.GoalID) {
		return nil, dErrors.InvalidArgument("goal %s already exists", in.GoalID)
	}
	if _, err := w.goalQuestion(a, in.QuestionID); err != nil {
		return nil, err
	}
	if err := in.Timeframe.Validate(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidArgument, "invalid goal timeframe")
	}
	objective, metric := strings.TrimSpace(in.Objective), strings.TrimSpace(in.Metric)
	if objective == "" || metric == "" {
		return nil, dErrors.InvalidArgument("goal requires an objective and a metric")
	}
	if err := checkWeighting(a, cmd.Actor.Role, in.Weighting); err != nil {
		return nil, err
	}
	e := newEmitter(a, cmd)
	e.emit(&events.GoalAdded{
		GoalID:     in.GoalID,
		QuestionID: in.QuestionID,
		Role:       cmd.Actor.Role,
		Timeframe:  in.Timeframe,
		Objective:  objective,
		Metric:     metric,
		Weighting:  in.Weighting,
	})
	return e.events(), nil
}

// editableGoal returns the goal the actor may change. Outside the review
// meeting each side only touches goals it added; during it the manager may
// touch any goal.
func (w Workflow) editableGoal(a *Assignment, cmd Command, op policy.Operation, goalID string) (domain.Goal, error) {
	if err := w.guard(a, op, cmd, domain.StateInProgress, domain.StateInReview); err != nil {
		return domain.Goal{}, err
	}
	g, ok := a.Goal(goalID)
	if !ok {
		return domain.Goal{}, dErrors.InvalidArgument("unknown goal %q", goalID)
	}
	role := cmd.Actor.Role
	if g.AddedByRole != role && !(a.State == domain.StateInReview && role == domain.RoleManager) {
		return domain.Goal{}, dErrors.Unauthorized("goal %s was added by the %s", goalID, g.AddedByRole)
	}
	return g, nil
}

// ModifyGoal appends a modification. During the review meeting a reason is
// mandatory.
func (w Workflow) ModifyGoal(a *Assignment, cmd Command, goalID string, changes domain.GoalChanges, reason string) ([]events.Envelope, error) {
	g, err := w.editableGoal(a, cmd, policy.OpModifyGoal, goalID)
	if err != nil {
		return nil, err
	}
	if changes.IsEmpty() {
		return nil, dErrors.InvalidArgument("goal modification changes nothing")
	}
	reason = strings.TrimSpace(reason)
	if a.State == domain.StateInReview && reason == "" {
		return nil, dErrors.InvalidArgument("a reason is required to modify a goal during the review meeting")
	}
	if changes.Timeframe != nil {
		if err := changes.Timeframe.Validate(); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInvalidArgument, "invalid goal timeframe")
		}
	}
	if changes.Objective != nil && strings.TrimSpace(*changes.Objective) == "" {
		return nil, dErrors.InvalidArgument("goal objective cannot be blank")
	}
	if changes.Metric != nil && strings.TrimSpace(*changes.Metric) == "" {
		return nil, dErrors.InvalidArgument("goal metric cannot be blank")
	}
	if changes.ClearWeighting && changes.Weighting != nil {
		return nil, dErrors.InvalidArgument("weighting cannot be set and cleared at once")
	}
	if err := checkWeighting(a, cmd.Actor.Role, changes.Weighting); err != nil {
		return nil, err
	}
	if changes.ClearWeighting && g.Weighting != nil {
		if err := checkWeighting(a, cmd.Actor.Role, g.Weighting); err != nil {
			return nil, err
		}
	}
	e := newEmitter(a, cmd)
	e.emit(&events.GoalModified{GoalID: goalID, Changes: changes, Role: cmd.Actor.Role, Reason: reason})
	return e.events(), nil
}

func (w Workflow) DeleteGoal(a *Assignment, cmd Command, goalID, reason string) ([]events.Envelope, error) {
	if _, err := w.editableGoal(a, cmd, policy.OpDeleteGoal, goalID); err != nil {
		return nil, err
	}
	e := newEmitter(a, cmd)
	e.emit(&events.GoalDeleted{GoalID: goalID, Role: cmd.Actor.Role, Reason: strings.TrimSpace(reason)})
	return e.events(), nil
}

// Predecessor is a point-in-time view of a prior assignment, read by the
// caller when the link is made.
type Predecessor struct {
	AssignmentID string
	EmployeeID   string
	State        domain.WorkflowState
	Goals        []domain.PredecessorGoal
}

// SnapshotPredecessor captures what a link needs from a folded assignment.
func SnapshotPredecessor(p *Assignment) Predecessor {
	out := Predecessor{AssignmentID: p.ID, EmployeeID: p.EmployeeID, State: p.State}
	for _, g := range p.LiveGoals() {
		out.Goals = append(out.Goals, domain.PredecessorGoal{
			ID:         g.ID,
			QuestionID: g.QuestionID,
			Objective:  g.Objective,
			Metric:     g.Metric,
			Timeframe:  g.Timeframe,
			Weighting:  g.Weighting,
		})
	}
	return out
}

// LinkPredecessor ties a goal question to one finalized prior assignment of
// the same employee. The prior goals are copied into the event.
func (w Workflow) LinkPredecessor(a *Assignment, cmd Command, questionID string, prior Predecessor) ([]events.Envelope, error) {
	if err := w.guard(a, policy.OpLinkPredecessor, cmd, domain.StateInProgress, domain.StateInReview); err != nil {
		return nil, err
	}
	if _, err := w.goalQuestion(a, questionID); err != nil {
		return nil, err
	}
	if l, ok := a.predecessor(questionID); ok {
		return nil, dErrors.InvalidArgument("question %s is already linked to %s", questionID, l.PredecessorAssignmentID)
	}
	switch {
	case prior.AssignmentID == "" || prior.AssignmentID == a.ID:
		return nil, dErrors.InvalidArgument("a predecessor must be a different assignment")
	case prior.EmployeeID != a.EmployeeID:
		return nil, dErrors.InvalidArgument("assignment %s belongs to another employee", prior.AssignmentID)
	case prior.State != domain.StateFinalized:
		return nil, dErrors.InvalidArgument("assignment %s is %s, not finalized", prior.AssignmentID, prior.State)
	}
	e := newEmitter(a, cmd)
	e.emit(&events.PredecessorLinked{
		QuestionID:              questionID,
		PredecessorAssignmentID: prior.AssignmentID,
		Role:                    cmd.Actor.Role,
		Goals:                   prior.Goals,
	})
	return e.events(), nil
}

// ratingRange is the configured rating scale, or the default one when unset.
func (w Workflow) ratingRange() (int, int) {
	lo, hi := w.Limits.RatingMin, w.Limits.RatingMax
	if lo == 0 && hi == 0 {
		d := DefaultLimits()
		lo, hi = d.RatingMin, d.RatingMax
	}
	return lo, hi
}

func (w Workflow) checkDegree(v int) error {
	lo, hi := w.ratingRange()
	if v < lo || v > hi {
		return dErrors.InvalidArgument("degree of achievement %d is outside %d..%d", v, lo, hi).
			With("min", lo).
			With("max", hi)
	}
	return nil
}

func (w Workflow) RatePredecessorGoal(a *Assignment, cmd Command, questionID, goalID string, degree int, justification string) ([]events.Envelope, error) {
	if err := w.guard(a, policy.OpRatePredecessorGoal, cmd, domain.StateInProgress, domain.StateInReview); err != nil {
		return nil, err
	}
	link, ok := a.predecessor(questionID)
	if !ok {
		return nil, dErrors.InvalidArgument("question %s has no linked predecessor", questionID)
	}
	if _, ok := link.Goal(goalID); !ok {
		return nil, dErrors.InvalidArgument("goal %s is not part of assignment %s", goalID, link.PredecessorAssignmentID)
	}
	if a.ratingIndex(questionID, goalID, cmd.Actor.Role) >= 0 {
		return nil, dErrors.InvalidArgument("goal %s is already rated by the %s", goalID, cmd.Actor.Role)
	}
	if err := w.checkDegree(degree); err != nil {
		return nil, err
	}
	j := strings.TrimSpace(justification)
	if j == "" {
		return nil, dErrors.InvalidArgument("a justification is required")
	}
	e := newEmitter(a, cmd)
	e.emit(&events.PredecessorGoalRated{
		QuestionID:          questionID,
		SourceAssignmentID:  link.PredecessorAssignmentID,
		SourceGoalID:        goalID,
		DegreeOfAchievement: degree,
		Justification:       j,
		Role:                cmd.Actor.Role,
	})
	return e.events(), nil
}

// ModifyPredecessorRating mirrors ModifyGoal for a rating given by ratingRole.
func (w Workflow) ModifyPredecessorRating(a *Assignment, cmd Command, questionID, goalID string, ratingRole domain.Role, changes domain.RatingChanges, reason string) ([]events.Envelope, error) {
	if err := w.guard(a, policy.OpModifyPredecessorRating, cmd, domain.StateInProgress, domain.StateInReview); err != nil {
		return nil, err
	}
	if ratingRole == "" {
		ratingRole = cmd.Actor.Role
	}
	if a.ratingIndex(questionID, goalID, ratingRole) < 0 {
		return nil, dErrors.InvalidArgument("no %s rating for goal %s", ratingRole, goalID)
	}
	role := cmd.Actor.Role
	if ratingRole != role && !(a.State == domain.StateInReview && role == domain.RoleManager) {
		return nil, dErrors.Unauthorized("the %s rating can only be changed by the %s", ratingRole, ratingRole)
	}
	if changes.IsEmpty() {
		return nil, dErrors.InvalidArgument("rating modification changes nothing")
	}
	if changes.DegreeOfAchievement != nil {
		if err := w.checkDegree(*changes.DegreeOfAchievement); err != nil {
			return nil, err
		}
	}
	if changes.Justification != nil && strings.TrimSpace(*changes.Justification) == "" {
		return nil, dErrors.InvalidArgument("justification cannot be blank")
	}
	reason = strings.TrimSpace(reason)
	if a.State == domain.StateInReview && reason == "" {
		return nil, dErrors.InvalidArgument("a reason is required to modify a rating during the review meeting")
	}
	e := newEmitter(a, cmd)
	e.emit(&events.PredecessorGoalRatingModified{
		QuestionID:   questionID,
		SourceGoalID: goalID,
		RatingRole:   ratingRole,
		Changes:      changes,
		Role:         role,
		Reason:       reason,
	})
	return e.events(), nil
}
