// Package engine runs assignment commands: load the log, fold it, decide, and
// append the new events conditionally on the version that was folded.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"

	"appraisal/internal/config"
	"appraisal/internal/domain"
	dErrors "appraisal/internal/domainerrors"
	"appraisal/internal/events"
	"appraisal/internal/metrics"
	"appraisal/internal/policy"
	"appraisal/internal/repo"
	"appraisal/internal/workflow"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Workflow workflow.Workflow
	Config   *config.Config
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.Logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.Metrics = m }
}

// WithClock fixes the command clock and the store's event timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.Now = now
		e.Repo.Now = now
		e.Repo.Events.Now = now
	}
}

// WithIDs replaces the generator used for assignment and event ids.
func WithIDs(newID func() string) Option {
	return func(e *Engine) {
		e.NewID = newID
		e.Repo.Events.NewID = newID
	}
}

func New(db *sql.DB, cfg *config.Config, opts ...Option) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Now:    time.Now,
		NewID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(&e)
	}
	e.Workflow = NewWorkflow(cfg, e.Repo)
	return e
}

// NewWorkflow builds the deciders from configuration, with reopen scoping
// resolved against the given reporting lines.
func NewWorkflow(cfg *config.Config, hierarchy policy.HierarchyLookup) workflow.Workflow {
	w := cfg.Workflow
	p := policy.Default()
	if len(w.AssignRoles) > 0 {
		p = p.WithAssignRoles(w.AssignRoles)
	}
	unrestricted, scoped := p.ReopenRoles()
	if len(w.Reopen.UnrestrictedRoles) > 0 {
		unrestricted = w.Reopen.UnrestrictedRoles
	}
	if len(w.Reopen.ScopedRoles) > 0 {
		scoped = w.Reopen.ScopedRoles
	}
	p = p.WithReopenRoles(unrestricted, scoped)
	guard := policy.NewReopenGuard(p, hierarchy)
	if w.Reopen.MinReasonLength > 0 {
		guard.MinReasonLength = w.Reopen.MinReasonLength
	}
	if w.Reopen.MaxHierarchyDepth > 0 {
		guard.MaxHierarchyDepth = w.Reopen.MaxHierarchyDepth
	}
	limits := workflow.DefaultLimits()
	if w.Notes.MaxLength > 0 {
		limits.NoteMaxLength = w.Notes.MaxLength
	}
	if w.Rating.Max > w.Rating.Min {
		limits.RatingMin, limits.RatingMax = w.Rating.Min, w.Rating.Max
	}
	return workflow.New(p, guard, limits)
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Result is the assignment after a command together with the events it
// appended, as stored.
type Result struct {
	Assignment *workflow.Assignment `json:"assignment"`
	Events     []events.Envelope    `json:"events"`
}

type decider func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error)

// Load folds the assignment's full log.
func (e Engine) Load(ctx context.Context, assignmentID string) (*workflow.Assignment, error) {
	envs, err := e.Repo.LoadEvents(ctx, assignmentID)
	if err != nil {
		return nil, translate(err, assignmentID)
	}
	a, err := workflow.Replay(envs)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "replay assignment "+assignmentID)
	}
	return a, nil
}

// Events returns the assignment's log in sequence order.
func (e Engine) Events(ctx context.Context, assignmentID string) ([]events.Envelope, error) {
	envs, err := e.Repo.LoadEvents(ctx, assignmentID)
	if err != nil {
		return nil, translate(err, assignmentID)
	}
	return envs, nil
}

func (e Engine) List(ctx context.Context, f repo.AssignmentFilters) ([]domain.AssignmentSummary, error) {
	return e.Repo.ListAssignments(ctx, f)
}

func (e Engine) execute(ctx context.Context, op policy.Operation, assignmentID string, actor policy.Actor, decide decider) (Result, error) {
	start := time.Now()
	res, err := e.executeOnce(ctx, assignmentID, actor, decide)
	e.record(ctx, op, assignmentID, actor, res, err, time.Since(start))
	return res, err
}

func (e Engine) executeOnce(ctx context.Context, assignmentID string, actor policy.Actor, decide decider) (Result, error) {
	a, err := e.Load(ctx, assignmentID)
	if err != nil {
		return Result{}, err
	}
	envs, err := decide(a, workflow.Command{Actor: actor, At: e.now()})
	if err != nil {
		return Result{}, err
	}
	return e.commit(ctx, a, envs)
}

// commit folds envs into a and appends them conditionally on the version a
// was loaded at. On error a must be discarded.
func (e Engine) commit(ctx context.Context, a *workflow.Assignment, envs []events.Envelope) (Result, error) {
	expected := a.Version
	for _, env := range envs {
		if err := a.Apply(env); err != nil {
			return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "fold decided events")
		}
	}
	stored, err := e.Repo.AppendEvents(ctx, a.ID, expected, envs, summaryOf(a))
	if err != nil {
		return Result{}, translate(err, a.ID)
	}
	return Result{Assignment: a, Events: stored}, nil
}

func (e Engine) record(ctx context.Context, op policy.Operation, assignmentID string, actor policy.Actor, res Result, err error, d time.Duration) {
	log := e.logger().With("operation", string(op), "assignment_id", assignmentID, "actor_id", actor.ID, "role", string(actor.Role))
	if err == nil {
		e.Metrics.ObserveCommand(string(op), "ok", d)
		for _, env := range res.Events {
			e.Metrics.IncrementEvent(string(env.Kind))
		}
		if op == policy.OpReopen {
			e.Metrics.IncrementReopen(string(actor.Role), "granted")
		}
		log.InfoContext(ctx, "command accepted",
			"events", len(res.Events),
			"version", res.Assignment.Version,
			"state", string(res.Assignment.State))
		return
	}
	code := dErrors.CodeOf(err)
	e.Metrics.ObserveCommand(string(op), string(code), d)
	if code == dErrors.CodeConflict {
		e.Metrics.IncrementConflict()
	}
	if op == policy.OpReopen {
		e.Metrics.IncrementReopen(string(actor.Role), string(code))
	}
	if code == dErrors.CodeInternal {
		log.ErrorContext(ctx, "command failed", "error", err)
		return
	}
	log.WarnContext(ctx, "command rejected", "code", string(code), "error", err)
}

// translate maps store sentinels onto domain error codes.
func translate(err error, assignmentID string) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, repo.ErrNotFound):
		return dErrors.Newf(dErrors.CodeNotFound, "assignment %s not found", assignmentID).With("assignment_id", assignmentID)
	case errors.Is(err, repo.ErrActiveAssignment):
		return dErrors.Wrap(err, dErrors.CodeInvalidArgument, "employee already has an active assignment for this template").With("assignment_id", assignmentID)
	case errors.Is(err, repo.ErrVersionConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "assignment changed concurrently; reload and retry").With("assignment_id", assignmentID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "store")
	}
}

func summaryOf(a *workflow.Assignment) domain.AssignmentSummary {
	return domain.AssignmentSummary{
		ID:         a.ID,
		TemplateID: a.TemplateID,
		EmployeeID: a.EmployeeID,
		ManagerID:  a.ManagerID,
		State:      a.State,
		Version:    a.Version,
		DueDate:    a.DueDate,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

// AssignOptions are parameters for creating an assignment.
type AssignOptions struct {
	AssignmentID          string
	TemplateID            string
	EmployeeID            string
	ManagerID             string
	DueDate               time.Time
	RequiresManagerReview bool
}

// Assign creates an assignment from a catalog template. The template's
// sections are copied into the first event.
func (e Engine) Assign(ctx context.Context, actor policy.Actor, opts AssignOptions) (Result, error) {
	if opts.AssignmentID == "" {
		opts.AssignmentID = e.newID()
	}
	start := time.Now()
	res, err := e.assign(ctx, actor, opts)
	e.record(ctx, policy.OpAssign, opts.AssignmentID, actor, res, err, time.Since(start))
	return res, err
}

func (e Engine) assign(ctx context.Context, actor policy.Actor, opts AssignOptions) (Result, error) {
	tpl, ok := e.Config.Template(opts.TemplateID)
	if !ok {
		return Result{}, dErrors.Newf(dErrors.CodeNotFound, "template %s not found", opts.TemplateID).With("template_id", opts.TemplateID)
	}
	if _, err := e.Repo.GetAssignment(ctx, opts.AssignmentID); err == nil {
		return Result{}, dErrors.InvalidArgument("assignment %s already exists", opts.AssignmentID).With("assignment_id", opts.AssignmentID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Result{}, translate(err, opts.AssignmentID)
	}
	active, err := e.Repo.HasActiveAssignment(ctx, opts.EmployeeID, tpl.ID)
	if err != nil {
		return Result{}, translate(err, opts.AssignmentID)
	}
	if active {
		return Result{}, activeAssignmentError(opts.EmployeeID, tpl.ID)
	}
	envs, err := e.Workflow.Assign(workflow.AssignCommand{
		Command:               workflow.Command{Actor: actor, At: e.now()},
		AssignmentID:          opts.AssignmentID,
		Template:              tpl,
		EmployeeID:            opts.EmployeeID,
		ManagerID:             opts.ManagerID,
		DueDate:               opts.DueDate,
		RequiresManagerReview: opts.RequiresManagerReview,
	})
	if err != nil {
		return Result{}, err
	}
	res, err := e.commit(ctx, &workflow.Assignment{ID: opts.AssignmentID}, envs)
	if errors.Is(err, repo.ErrActiveAssignment) {
		// lost a race with another Assign for the same pair
		return Result{}, activeAssignmentError(opts.EmployeeID, tpl.ID)
	}
	return res, err
}

func activeAssignmentError(employeeID, templateID string) error {
	return dErrors.InvalidArgument("employee %s already has an active %s assignment", employeeID, templateID).
		With("employee_id", employeeID).
		With("template_id", templateID)
}

func (e Engine) Initialize(ctx context.Context, id string, actor policy.Actor, custom []domain.Section, notes *string) (Result, error) {
	return e.execute(ctx, policy.OpInitialize, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		return e.Workflow.Initialize(a, cmd, custom, notes)
	})
}

func (e Engine) StartWork(ctx context.Context, id string, actor policy.Actor) (Result, error) {
	return e.execute(ctx, policy.OpStartWork, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		return e.Workflow.StartWork(a, cmd)
	})
}

func (e Engine) SaveAnswer(ctx context.Context, id string, actor policy.Actor, sectionID, questionID, value string) (Result, error) {
	return e.execute(ctx, policy.OpSaveAnswer, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		return e.Workflow.SaveAnswer(a, cmd, sectionID, questionID, value)
	})
}

func (e Engine) Submit(ctx context.Context, id string, actor policy.Actor) (Result, error) {
	return e.execute(ctx, policy.OpSubmit, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		return e.Workflow.Submit(a, cmd)
	})
}

func (e Engine) StartReviewMeeting(ctx context.Context, id string, actor policy.Actor) (Result, error) {
	return e.execute(ctx, policy.OpStartReviewMeeting, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		return e.Workflow.StartReviewMeeting(a, cmd)
	})
}

func (e Engine) EditAnswer(ctx context.Context, id string, actor policy.Actor, sectionID, questionID string, answerRole domain.Role, value string) (Result, error) {
	return e.execute(ctx, policy.OpEditAnswer, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		return e.Workflow.EditAnswer(a, cmd, sectionID, questionID, answerRole, value)
	})
}

// AddNote records an in-review note. An empty noteID gets a generated one.
func (e Engine) AddNote(ctx context.Context, id string, actor policy.Actor, noteID, content string, sectionID *string) (Result, error) {
	if noteID == "" {
		noteID = e.newID()
	}
	return e.execute(ctx, policy.OpManageNotes, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		return e.Workflow.AddNote(a, cmd, noteID, content, sectionID)
	})
}

func (e Engine) UpdateNote(ctx context.Context, id string, actor policy.Actor, noteID, content string) (Result, error) {
	return e.execute(ctx, policy.OpManageNotes, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		return e.Workflow.UpdateNote(a, cmd, noteID, content)
	})
}

func (e Engine) DeleteNote(ctx context.Context, id string, actor policy.Actor, noteID string) (Result, error) {
	return e.execute(ctx, policy.OpManageNotes, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		return e.Workflow.DeleteNote(a, cmd, noteID)
	})
}

func (e Engine) FinishReviewMeeting(ctx context.Context, id string, actor policy.Actor, summary *string) (Result, error) {
	return e.execute(ctx, policy.OpFinishReviewMeeting, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		return e.Workflow.FinishReviewMeeting(a, cmd, summary)
	})
}

func (e Engine) SignOff(ctx context.Context, id string, actor policy.Actor, comments *string) (Result, error) {
	return e.execute(ctx, policy.OpSignOff, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		return e.Workflow.SignOff(a, cmd, comments)
	})
}

func (e Engine) ConfirmOutcome(ctx context.Context, id string, actor policy.Actor, comments *string) (Result, error) {
	return e.execute(ctx, policy.OpConfirmOutcome, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		return e.Workflow.ConfirmOutcome(a, cmd, comments)
	})
}

func (e Engine) Finalize(ctx context.Context, id string, actor policy.Actor, notes *string) (Result, error) {
	return e.execute(ctx, policy.OpFinalize, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		return e.Workflow.Finalize(a, cmd, notes)
	})
}

func (e Engine) Withdraw(ctx context.Context, id string, actor policy.Actor, reason *string) (Result, error) {
	return e.execute(ctx, policy.OpWithdraw, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		return e.Workflow.Withdraw(a, cmd, reason)
	})
}

func (e Engine) Reopen(ctx context.Context, id string, actor policy.Actor, target domain.WorkflowState, reason string) (Result, error) {
	return e.execute(ctx, policy.OpReopen, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		return e.Workflow.Reopen(ctx, a, cmd, target, reason)
	})
}

// AddGoal adds a goal under a goal question. An empty GoalID gets a
// generated one.
func (e Engine) AddGoal(ctx context.Context, id string, actor policy.Actor, in workflow.GoalInput) (Result, error) {
	if in.GoalID == "" {
		in.GoalID = e.newID()
	}
	return e.execute(ctx, policy.OpAddGoal, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		return e.Workflow.AddGoal(a, cmd, in)
	})
}

func (e Engine) ModifyGoal(ctx context.Context, id string, actor policy.Actor, goalID string, changes domain.GoalChanges, reason string) (Result, error) {
	return e.execute(ctx, policy.OpModifyGoal, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		return e.Workflow.ModifyGoal(a, cmd, goalID, changes, reason)
	})
}

func (e Engine) DeleteGoal(ctx context.Context, id string, actor policy.Actor, goalID, reason string) (Result, error) {
	return e.execute(ctx, policy.OpDeleteGoal, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		return e.Workflow.DeleteGoal(a, cmd, goalID, reason)
	})
}

// LinkPredecessor links a prior assignment's goals to a goal question. The
// prior goals are snapshotted from the prior assignment's own log at link
// time; the new assignment never reads the prior one again.
func (e Engine) LinkPredecessor(ctx context.Context, id string, actor policy.Actor, questionID, predecessorID string) (Result, error) {
	return e.execute(ctx, policy.OpLinkPredecessor, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		prior, err := e.Load(ctx, predecessorID)
		if err != nil {
			return nil, err
		}
		return e.Workflow.LinkPredecessor(a, cmd, questionID, workflow.SnapshotPredecessor(prior))
	})
}

func (e Engine) RatePredecessorGoal(ctx context.Context, id string, actor policy.Actor, questionID, goalID string, degree int, justification string) (Result, error) {
	return e.execute(ctx, policy.OpRatePredecessorGoal, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		return e.Workflow.RatePredecessorGoal(a, cmd, questionID, goalID, degree, justification)
	})
}

func (e Engine) ModifyPredecessorRating(ctx context.Context, id string, actor policy.Actor, questionID, goalID string, ratingRole domain.Role, changes domain.RatingChanges, reason string) (Result, error) {
	return e.execute(ctx, policy.OpModifyPredecessorRating, id, actor, func(a *workflow.Assignment, cmd workflow.Command) ([]events.Envelope, error) {
		return e.Workflow.ModifyPredecessorRating(a, cmd, questionID, goalID, ratingRole, changes, reason)
	})
}

// VerifyReport compares two independent folds of the same log with each
// other and with the directory row.
type VerifyReport struct {
	AssignmentID   string               `json:"assignment_id"`
	Events         int                  `json:"events"`
	Version        int64                `json:"version"`
	State          domain.WorkflowState `json:"state"`
	Deterministic  bool                 `json:"deterministic"`
	DirectoryState domain.WorkflowState `json:"directory_state"`
	DirectoryMatch bool                 `json:"directory_match"`
}

func (r VerifyReport) OK() bool { return r.Deterministic && r.DirectoryMatch }

func (e Engine) Verify(ctx context.Context, assignmentID string) (VerifyReport, error) {
	envs, err := e.Repo.LoadEvents(ctx, assignmentID)
	if err != nil {
		return VerifyReport{}, translate(err, assignmentID)
	}
	first, err := workflow.Replay(envs)
	if err != nil {
		return VerifyReport{}, dErrors.Wrap(err, dErrors.CodeInternal, "replay assignment "+assignmentID)
	}
	second, err := workflow.Replay(envs)
	if err != nil {
		return VerifyReport{}, dErrors.Wrap(err, dErrors.CodeInternal, "replay assignment "+assignmentID)
	}
	rep := VerifyReport{
		AssignmentID:  assignmentID,
		Events:        len(envs),
		Version:       first.Version,
		State:         first.State,
		Deterministic: reflect.DeepEqual(first, second),
	}
	row, err := e.Repo.GetAssignment(ctx, assignmentID)
	switch {
	case err == nil:
		rep.DirectoryState = row.State
		rep.DirectoryMatch = row.State == first.State && row.Version == first.Version
	case errors.Is(err, repo.ErrNotFound):
	default:
		return rep, translate(err, assignmentID)
	}
	return rep, nil
}

// SetManager records a reporting line used by scoped reopen checks.
func (e Engine) SetManager(ctx context.Context, employeeID, managerID string) error {
	if employeeID == "" || managerID == "" {
		return dErrors.InvalidArgument("employee and manager are required")
	}
	if employeeID == managerID {
		return dErrors.InvalidArgument("an employee cannot report to themselves")
	}
	if err := e.Repo.SetManager(ctx, employeeID, managerID); err != nil {
		return fmt.Errorf("set manager: %w", err)
	}
	e.logger().InfoContext(ctx, "reporting line set", "employee_id", employeeID, "manager_id", managerID)
	return nil
}

func (e Engine) RemoveManager(ctx context.Context, employeeID string) error {
	if err := e.Repo.RemoveManager(ctx, employeeID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return dErrors.Newf(dErrors.CodeNotFound, "no reporting line for %s", employeeID)
		}
		return fmt.Errorf("remove manager: %w", err)
	}
	e.logger().InfoContext(ctx, "reporting line removed", "employee_id", employeeID)
	return nil
}
