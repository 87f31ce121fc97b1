package workflow

import (
	"context"
	"strconv"
	"strings"
	"time"

	"appraisal/internal/domain"
	dErrors "appraisal/internal/domainerrors"
	"appraisal/internal/events"
	"appraisal/internal/policy"
)

// SystemActor authors the facts the workflow derives on its own.
const SystemActor = "system"

const autoFinalizeReason = "manager review not required; finalized on manager submission"

// ReopenChecker is the reopen authorization guard. policy.ReopenGuard
// implements it.
type ReopenChecker interface {
	Check(ctx context.Context, req policy.ReopenRequest) (policy.ReopenGrant, error)
}

// Limits bounds free-form input.
type Limits struct {
	NoteMaxLength int
	RatingMin     int
	RatingMax     int
}

func DefaultLimits() Limits {
	return Limits{NoteMaxLength: 2000, RatingMin: 0, RatingMax: 100}
}

// Workflow decides commands against an assignment. Deciders never mutate the
// assignment; they return the events to append, or an error and nothing.
type Workflow struct {
	Policy policy.Policy
	Guard  ReopenChecker
	Limits Limits
}

func New(p policy.Policy, reopen ReopenChecker, limits Limits) Workflow {
	return Workflow{Policy: p, Guard: reopen, Limits: limits}
}

// Command carries who is acting and when.
type Command struct {
	Actor policy.Actor
	At    time.Time
}

type emitter struct {
	a     *Assignment
	cmd   Command
	out   []events.Envelope
	state domain.WorkflowState
}

func newEmitter(a *Assignment, cmd Command) *emitter {
	return &emitter{a: a, cmd: cmd, state: a.State}
}

func (e *emitter) emit(p events.Payload) { e.emitAs(e.cmd.Actor.ID, p) }

func (e *emitter) emitAs(actorID string, p events.Payload) {
	e.out = append(e.out, events.Envelope{
		AssignmentID: e.a.ID,
		Sequence:     e.a.Version + int64(len(e.out)) + 1,
		Kind:         p.Kind(),
		Payload:      p,
		OccurredAt:   e.cmd.At,
		ActorID:      actorID,
	})
}

// transition appends the generic forward-move fact.
func (e *emitter) transition(actorID string, to domain.WorkflowState, reason string) {
	e.emitAs(actorID, &events.StateTransitioned{From: e.state, To: to, Reason: reason})
	e.state = to
}

func (e *emitter) events() []events.Envelope { return e.out }

func (a *Assignment) subject() policy.Subject {
	return policy.Subject{EmployeeID: a.EmployeeID, ManagerID: a.ManagerID}
}

func requireState(a *Assignment, op policy.Operation, allowed ...domain.WorkflowState) error {
	for _, s := range allowed {
		if a.State == s {
			return nil
		}
	}
	return dErrors.IllegalTransition("cannot %s while assignment is %s", op, a.State).
		With("operation", string(op)).
		With("state", string(a.State))
}

func (w Workflow) guard(a *Assignment, op policy.Operation, cmd Command, allowed ...domain.WorkflowState) error {
	if err := requireState(a, op, allowed...); err != nil {
		return err
	}
	return w.Policy.Authorize(op, cmd.Actor, a.subject())
}

// AssignCommand creates an assignment from a template snapshot.
type AssignCommand struct {
	Command
	AssignmentID          string
	Template              domain.Template
	EmployeeID            string
	ManagerID             string
	DueDate               time.Time
	RequiresManagerReview bool
}

func (w Workflow) Assign(cmd AssignCommand) ([]events.Envelope, error) {
	if err := w.Policy.Authorize(policy.OpAssign, cmd.Actor, policy.Subject{EmployeeID: cmd.EmployeeID, ManagerID: cmd.ManagerID}); err != nil {
		return nil, err
	}
	switch {
	case strings.TrimSpace(cmd.AssignmentID) == "":
		return nil, dErrors.InvalidArgument("assignment id is required")
	case strings.TrimSpace(cmd.EmployeeID) == "":
		return nil, dErrors.InvalidArgument("employee is required")
	case strings.TrimSpace(cmd.ManagerID) == "":
		return nil, dErrors.InvalidArgument("manager is required")
	case cmd.EmployeeID == cmd.ManagerID:
		return nil, dErrors.InvalidArgument("employee and manager must differ")
	case cmd.DueDate.IsZero():
		return nil, dErrors.InvalidArgument("due date is required")
	case !cmd.At.IsZero() && cmd.DueDate.Before(cmd.At):
		return nil, dErrors.InvalidArgument("due date %s is in the past", cmd.DueDate.Format(time.DateOnly))
	}
	if err := cmd.Template.Validate(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidArgument, "invalid template")
	}
	a := &Assignment{ID: cmd.AssignmentID}
	e := newEmitter(a, cmd.Command)
	e.emit(&events.Assigned{
		TemplateID:            cmd.Template.ID,
		TemplateName:          cmd.Template.Name,
		EmployeeID:            cmd.EmployeeID,
		ManagerID:             cmd.ManagerID,
		RequiresManagerReview: cmd.RequiresManagerReview,
		DueDate:               cmd.DueDate.UTC(),
		Sections:              cmd.Template.Sections,
	})
	return e.events(), nil
}

func (w Workflow) Initialize(a *Assignment, cmd Command, custom []domain.Section, notes *string) ([]events.Envelope, error) {
	if err := w.guard(a, policy.OpInitialize, cmd, domain.StateAssigned); err != nil {
		return nil, err
	}
	if len(custom) > 0 {
		all := append(append([]domain.Section(nil), a.Sections...), custom...)
		if err := domain.ValidateSections(all); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInvalidArgument, "invalid custom sections")
		}
	}
	e := newEmitter(a, cmd)
	e.emit(&events.Initialized{CustomSections: custom, Notes: notes})
	e.transition(cmd.Actor.ID, domain.StateInitialized, "")
	return e.events(), nil
}

func (w Workflow) StartWork(a *Assignment, cmd Command) ([]events.Envelope, error) {
	if err := w.guard(a, policy.OpStartWork, cmd, domain.StateInitialized); err != nil {
		return nil, err
	}
	e := newEmitter(a, cmd)
	e.emit(&events.WorkStarted{Role: cmd.Actor.Role})
	e.transition(cmd.Actor.ID, domain.StateInProgress, "")
	return e.events(), nil
}

// SaveAnswer records the acting side's answer. The first answer given while
// Initialized starts work implicitly.
func (w Workflow) SaveAnswer(a *Assignment, cmd Command, sectionID, questionID, value string) ([]events.Envelope, error) {
	if err := w.guard(a, policy.OpSaveAnswer, cmd, domain.StateInitialized, domain.StateInProgress); err != nil {
		return nil, err
	}
	role := cmd.Actor.Role
	if role == domain.RoleEmployee && a.EmployeeSubmitted != nil {
		return nil, dErrors.IllegalTransition("employee answers were already submitted")
	}
	section, q, err := w.answerable(a, sectionID, questionID, value)
	if err != nil {
		return nil, err
	}
	if !section.CompletionRole.Includes(role) {
		return nil, dErrors.Unauthorized("section %s is completed by %s, not %s", section.ID, section.CompletionRole, role).
			With("completion_role", string(section.CompletionRole))
	}
	e := newEmitter(a, cmd)
	if a.State == domain.StateInitialized {
		e.emit(&events.WorkStarted{Role: role})
		e.transition(cmd.Actor.ID, domain.StateInProgress, "started by first answer")
	}
	e.emit(&events.AnswerSaved{SectionID: section.ID, QuestionID: q.ID, Role: role, Value: strings.TrimSpace(value)})
	return e.events(), nil
}

func (w Workflow) answerable(a *Assignment, sectionID, questionID, value string) (domain.Section, domain.Question, error) {
	section, ok := a.Section(sectionID)
	if !ok {
		return domain.Section{}, domain.Question{}, dErrors.InvalidArgument("unknown section %q", sectionID)
	}
	q, ok := section.Question(questionID)
	if !ok {
		return domain.Section{}, domain.Question{}, dErrors.InvalidArgument("unknown question %q in section %s", questionID, sectionID)
	}
	if q.Type == domain.QuestionGoal {
		return domain.Section{}, domain.Question{}, dErrors.InvalidArgument("question %s is answered with goals", q.ID)
	}
	v := strings.TrimSpace(value)
	if v == "" {
		return domain.Section{}, domain.Question{}, dErrors.InvalidArgument("answer to %s is empty", q.ID)
	}
	if q.Type == domain.QuestionRating {
		n, err := strconv.Atoi(v)
		if err != nil {
			return domain.Section{}, domain.Question{}, dErrors.InvalidArgument("answer to rating question %s must be a whole number", q.ID)
		}
		if lo, hi := w.ratingRange(); n < lo || n > hi {
			return domain.Section{}, domain.Question{}, dErrors.InvalidArgument("rating %d for %s is outside %d..%d", n, q.ID, lo, hi).
				With("min", lo).
				With("max", hi)
		}
	}
	return section, q, nil
}

// Submit closes the acting side's part. An employee submission only locks the
// employee's answers. A manager submission requires every required question
// of every side and then routes the assignment: straight to Finalized when no
// manager review is required, otherwise into ReviewInitiated.
func (w Workflow) Submit(a *Assignment, cmd Command) ([]events.Envelope, error) {
	if err := w.guard(a, policy.OpSubmit, cmd, domain.StateInProgress, domain.StateManagerSubmitted); err != nil {
		return nil, err
	}
	e := newEmitter(a, cmd)
	switch cmd.Actor.Role {
	case domain.RoleEmployee:
		if a.State != domain.StateInProgress {
			return nil, dErrors.IllegalTransition("employee cannot submit while assignment is %s", a.State)
		}
		if a.EmployeeSubmitted != nil {
			return nil, dErrors.IllegalTransition("employee answers were already submitted")
		}
		if missing := a.Missing(domain.RoleEmployee); len(missing) > 0 {
			return nil, dErrors.InvalidArgument("required questions unanswered: %s", strings.Join(missing, ", ")).
				With("missing", missing)
		}
		e.emit(&events.Submitted{Role: domain.RoleEmployee})
		return e.events(), nil
	default:
		if a.State == domain.StateInProgress {
			missing := append(a.Missing(domain.RoleEmployee), a.Missing(domain.RoleManager)...)
			if len(missing) > 0 {
				return nil, dErrors.InvalidArgument("required questions unanswered: %s", strings.Join(missing, ", ")).
					With("missing", missing)
			}
			e.emit(&events.Submitted{Role: domain.RoleManager})
			e.transition(cmd.Actor.ID, domain.StateManagerSubmitted, "")
		}
		route(a, e)
		return e.events(), nil
	}
}

func route(a *Assignment, e *emitter) {
	if !a.RequiresManagerReview {
		e.emitAs(SystemActor, &events.AutoFinalized{Reason: autoFinalizeReason})
		e.transition(SystemActor, domain.StateFinalized, autoFinalizeReason)
		return
	}
	e.emit(&events.ReviewInitiated{})
	e.transition(e.cmd.Actor.ID, domain.StateReviewInitiated, "")
}

// Missing lists "section/question" keys side has yet to answer. Goal questions
// count as answered once they hold at least one goal.
func (a *Assignment) Missing(side domain.Role) []string {
	var missing []string
	for _, s := range a.Sections {
		if !s.CompletionRole.Includes(side) {
			continue
		}
		for _, q := range s.Questions {
			if !q.Required {
				continue
			}
			if q.Type == domain.QuestionGoal {
				if !a.hasGoalFor(q.ID) {
					missing = append(missing, s.ID+"/"+q.ID)
				}
				continue
			}
			if _, ok := a.Answer(s.ID, q.ID, side); !ok {
				missing = append(missing, s.ID+"/"+q.ID)
			}
		}
	}
	return missing
}

func (a *Assignment) hasGoalFor(questionID string) bool {
	for _, g := range a.Goals {
		if g.QuestionID == questionID {
			return true
		}
	}
	return false
}

func (w Workflow) StartReviewMeeting(a *Assignment, cmd Command) ([]events.Envelope, error) {
	if err := w.guard(a, policy.OpStartReviewMeeting, cmd, domain.StateReviewInitiated); err != nil {
		return nil, err
	}
	e := newEmitter(a, cmd)
	e.emit(&events.ReviewMeetingStarted{})
	e.transition(cmd.Actor.ID, domain.StateInReview, "")
	return e.events(), nil
}

// FinishReviewMeeting closes the meeting. Every goal must carry a weighting by then.
func (w Workflow) FinishReviewMeeting(a *Assignment, cmd Command, summary *string) ([]events.Envelope, error) {
	if err := w.guard(a, policy.OpFinishReviewMeeting, cmd, domain.StateInReview); err != nil {
		return nil, err
	}
	var unweighted []string
	for _, g := range a.LiveGoals() {
		if g.Weighting == nil {
			unweighted = append(unweighted, g.ID)
		}
	}
	if len(unweighted) > 0 {
		return nil, dErrors.InvalidArgument("goals without weighting: %s", strings.Join(unweighted, ", ")).
			With("goals", unweighted)
	}
	e := newEmitter(a, cmd)
	e.emit(&events.ReviewMeetingFinished{Summary: summary})
	e.transition(cmd.Actor.ID, domain.StateReviewFinished, "")
	return e.events(), nil
}

func (w Workflow) SignOff(a *Assignment, cmd Command, comments *string) ([]events.Envelope, error) {
	if err := w.guard(a, policy.OpSignOff, cmd, domain.StateReviewFinished); err != nil {
		return nil, err
	}
	e := newEmitter(a, cmd)
	e.emit(&events.SignedOff{Comments: comments})
	e.transition(cmd.Actor.ID, domain.StateEmployeeSignedOff, "")
	return e.events(), nil
}

// ConfirmOutcome is the employee's confirmation. There is no rejecting
// counterpart; disagreement goes through a reopen.
func (w Workflow) ConfirmOutcome(a *Assignment, cmd Command, comments *string) ([]events.Envelope, error) {
	if err := w.guard(a, policy.OpConfirmOutcome, cmd, domain.StateEmployeeSignedOff); err != nil {
		return nil, err
	}
	e := newEmitter(a, cmd)
	e.emit(&events.OutcomeConfirmed{Comments: comments})
	e.transition(cmd.Actor.ID, domain.StateEmployeeConfirmed, "")
	return e.events(), nil
}

func (w Workflow) Finalize(a *Assignment, cmd Command, notes *string) ([]events.Envelope, error) {
	if err := w.guard(a, policy.OpFinalize, cmd, domain.StateEmployeeConfirmed); err != nil {
		return nil, err
	}
	e := newEmitter(a, cmd)
	e.emit(&events.Finalized{Notes: notes})
	e.transition(cmd.Actor.ID, domain.StateFinalized, "")
	return e.events(), nil
}

func (w Workflow) Withdraw(a *Assignment, cmd Command, reason *string) ([]events.Envelope, error) {
	if a.State.IsTerminal() {
		return nil, dErrors.IllegalTransition("cannot withdraw while assignment is %s", a.State).
			With("state", string(a.State))
	}
	if err := w.Policy.Authorize(policy.OpWithdraw, cmd.Actor, a.subject()); err != nil {
		return nil, err
	}
	e := newEmitter(a, cmd)
	e.emit(&events.Withdrawn{Reason: reason, Role: cmd.Actor.Role})
	r := ""
	if reason != nil {
		r = *reason
	}
	e.transition(cmd.Actor.ID, domain.StateWithdrawn, r)
	return e.events(), nil
}

// Reopen moves the assignment back to an earlier state. All authorization
// lives in the reopen guard; its grant is recorded in the event.
func (w Workflow) Reopen(ctx context.Context, a *Assignment, cmd Command, target domain.WorkflowState, reason string) ([]events.Envelope, error) {
	if w.Guard == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "reopen guard not configured")
	}
	grant, err := w.Guard.Check(ctx, policy.ReopenRequest{
		Actor:      cmd.Actor,
		EmployeeID: a.EmployeeID,
		From:       a.State,
		To:         target,
		Reason:     reason,
	})
	if err != nil {
		return nil, err
	}
	e := newEmitter(a, cmd)
	e.emit(&events.Reopened{
		From:              a.State,
		To:                target,
		Reason:            strings.TrimSpace(reason),
		AuthorizingRole:   grant.AuthorizingRole,
		HierarchyVerified: grant.HierarchyVerified,
	})
	return e.events(), nil
}
