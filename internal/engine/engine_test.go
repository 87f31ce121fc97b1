package engine_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appraisal/internal/config"
	"appraisal/internal/db"
	"appraisal/internal/domain"
	dErrors "appraisal/internal/domainerrors"
	"appraisal/internal/engine"
	"appraisal/internal/events"
	"appraisal/internal/metrics"
	"appraisal/internal/migrate"
	"appraisal/internal/policy"
	"appraisal/internal/repo"
	"appraisal/internal/workflow"
)

var (
	employee = policy.Actor{ID: "emp-1", Role: domain.RoleEmployee}
	manager  = policy.Actor{ID: "mgr-1", Role: domain.RoleManager}
	lead     = policy.Actor{ID: "lead-1", Role: domain.RoleTeamLead}
	hr       = policy.Actor{ID: "hr-1", Role: domain.RoleHR}
)

type testEnv struct {
	Engine  engine.Engine
	Metrics *metrics.Metrics
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	var n atomic.Int64
	m := metrics.New(prometheus.NewRegistry())
	eng := engine.New(conn, config.Default(),
		engine.WithClock(func() time.Time { return time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC) }),
		engine.WithIDs(func() string { return fmt.Sprintf("id-%d", n.Add(1)) }),
		engine.WithMetrics(m),
	)
	return testEnv{Engine: eng, Metrics: m, Ctx: ctx}
}

func (env testEnv) assign(t *testing.T, id string, requiresReview bool) {
	t.Helper()
	_, err := env.Engine.Assign(env.Ctx, manager, engine.AssignOptions{
		AssignmentID:          id,
		TemplateID:            "annual",
		EmployeeID:            "emp-1",
		ManagerID:             "mgr-1",
		DueDate:               time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC),
		RequiresManagerReview: requiresReview,
	})
	require.NoError(t, err)
}

func (env testEnv) answerAll(t *testing.T, id string) {
	t.Helper()
	ctx, e := env.Ctx, env.Engine
	_, err := e.Initialize(ctx, id, manager, nil, nil)
	require.NoError(t, err)
	_, err = e.SaveAnswer(ctx, id, employee, "self", "achievements", "Shipped the new ledger")
	require.NoError(t, err)
	_, err = e.SaveAnswer(ctx, id, employee, "development", "growth", "System design")
	require.NoError(t, err)
	_, err = e.SaveAnswer(ctx, id, manager, "manager", "performance", "4")
	require.NoError(t, err)
	_, err = e.SaveAnswer(ctx, id, manager, "manager", "strengths", "Ownership")
	require.NoError(t, err)
	_, err = e.SaveAnswer(ctx, id, manager, "development", "growth", "Mentoring")
	require.NoError(t, err)
}

func weighted(q string, w int) workflow.GoalInput {
	return workflow.GoalInput{
		QuestionID: q,
		Timeframe: domain.Timeframe{
			From: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
			To:   time.Date(2027, 3, 31, 0, 0, 0, 0, time.UTC),
		},
		Objective: "Cut onboarding time",
		Metric:    "new hires ship in week one",
		Weighting: &w,
	}
}

func TestAssignSnapshotsTemplate(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, "asg-1", true)

	a, err := env.Engine.Load(env.Ctx, "asg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAssigned, a.State)
	assert.Equal(t, "Annual performance review", a.TemplateName)
	require.Len(t, a.Sections, 4)

	row, err := env.Engine.Repo.GetAssignment(env.Ctx, "asg-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.Version)
	assert.Equal(t, domain.StateAssigned, row.State)
}

func TestAssignRejectsDuplicatesAndUnknownTemplates(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, "asg-1", true)

	_, err := env.Engine.Assign(env.Ctx, manager, engine.AssignOptions{
		TemplateID: "annual", EmployeeID: "emp-1", ManagerID: "mgr-1",
		DueDate: time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, dErrors.CodeInvalidArgument, dErrors.CodeOf(err))

	_, err = env.Engine.Assign(env.Ctx, manager, engine.AssignOptions{
		TemplateID: "quarterly", EmployeeID: "emp-2", ManagerID: "mgr-1",
		DueDate: time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, dErrors.CodeNotFound, dErrors.CodeOf(err))

	_, err = env.Engine.Assign(env.Ctx, employee, engine.AssignOptions{
		TemplateID: "annual", EmployeeID: "emp-2", ManagerID: "mgr-1",
		DueDate: time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(err))
}

func TestConcurrentAssignsLeaveOneActive(t *testing.T) {
	env := newTestEnv(t)
	const callers = 6
	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
	)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.Engine.Assign(env.Ctx, manager, engine.AssignOptions{
				AssignmentID: fmt.Sprintf("asg-%d", i),
				TemplateID:   "annual",
				EmployeeID:   "emp-1",
				ManagerID:    "mgr-1",
				DueDate:      time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC),
			})
			switch {
			case err == nil:
				accepted.Add(1)
			case dErrors.HasCode(err, dErrors.CodeInvalidArgument), dErrors.HasCode(err, dErrors.CodeConflict):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), accepted.Load())
	active, err := env.Engine.Repo.HasActiveAssignment(env.Ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestUnknownAssignmentIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.StartWork(env.Ctx, "nope", employee)
	assert.Equal(t, dErrors.CodeNotFound, dErrors.CodeOf(err))
	_, err = env.Engine.Load(env.Ctx, "nope")
	assert.Equal(t, dErrors.CodeNotFound, dErrors.CodeOf(err))
}

func TestReviewPipelineThroughStore(t *testing.T) {
	env := newTestEnv(t)
	ctx, e := env.Ctx, env.Engine
	env.assign(t, "asg-1", true)
	env.answerAll(t, "asg-1")
	_, err := e.AddGoal(ctx, "asg-1", employee, weighted("next-goals", 60))
	require.NoError(t, err)

	res, err := e.Submit(ctx, "asg-1", manager)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReviewInitiated, res.Assignment.State)
	for _, stored := range res.Events {
		assert.NotEmpty(t, stored.ID)
		assert.NotZero(t, stored.Position)
	}

	_, err = e.StartReviewMeeting(ctx, "asg-1", manager)
	require.NoError(t, err)
	res, err = e.AddNote(ctx, "asg-1", manager, "", "Discussed promotion track", nil)
	require.NoError(t, err)
	require.Len(t, res.Assignment.Notes, 1)
	assert.NotEmpty(t, res.Assignment.Notes[0].ID)

	_, err = e.FinishReviewMeeting(ctx, "asg-1", manager, nil)
	require.NoError(t, err)
	_, err = e.SignOff(ctx, "asg-1", employee, nil)
	require.NoError(t, err)
	_, err = e.ConfirmOutcome(ctx, "asg-1", employee, nil)
	require.NoError(t, err)
	res, err = e.Finalize(ctx, "asg-1", manager, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFinalized, res.Assignment.State)

	loaded, err := e.Load(ctx, "asg-1")
	require.NoError(t, err)
	assert.Equal(t, res.Assignment.Version, loaded.Version)
	assert.Equal(t, res.Assignment.State, loaded.State)

	rows, err := e.List(ctx, repo.AssignmentFilters{EmployeeID: "emp-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.StateFinalized, rows[0].State)
	assert.Equal(t, loaded.Version, rows[0].Version)

	_, err = e.Withdraw(ctx, "asg-1", manager, nil)
	assert.Equal(t, dErrors.CodeIllegalTransition, dErrors.CodeOf(err))

	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.Commands.WithLabelValues(string(policy.OpFinalize), "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.Commands.WithLabelValues(string(policy.OpWithdraw), string(dErrors.CodeIllegalTransition))))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.EventsAppended.WithLabelValues(string(events.KindAssigned))))
}

func TestAutoFinalizeThroughStore(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, "asg-1", false)
	env.answerAll(t, "asg-1")

	res, err := env.Engine.Submit(env.Ctx, "asg-1", manager)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFinalized, res.Assignment.State)
	last := res.Events[len(res.Events)-1]
	assert.Equal(t, workflow.SystemActor, last.ActorID)

	// A finished assignment no longer blocks a new one for the same template.
	env.assign(t, "asg-2", true)
}

func TestConcurrentCommandsNeverInterleave(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, "asg-1", true)
	_, err := env.Engine.Initialize(env.Ctx, "asg-1", manager, nil, nil)
	require.NoError(t, err)
	_, err = env.Engine.StartWork(env.Ctx, "asg-1", employee)
	require.NoError(t, err)

	const writers = 8
	var (
		wg        sync.WaitGroup
		accepted  atomic.Int64
		conflicts atomic.Int64
	)
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.Engine.SaveAnswer(env.Ctx, "asg-1", employee, "self", "achievements", fmt.Sprintf("draft %d", i))
			switch {
			case err == nil:
				accepted.Add(1)
			case dErrors.HasCode(err, dErrors.CodeConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.GreaterOrEqual(t, accepted.Load(), int64(1))
	assert.Equal(t, int64(writers), accepted.Load()+conflicts.Load())

	log, err := env.Engine.Events(env.Ctx, "asg-1")
	require.NoError(t, err)
	for i, stored := range log {
		assert.Equal(t, int64(i+1), stored.Sequence)
	}
	assert.Equal(t, float64(conflicts.Load()), testutil.ToFloat64(env.Metrics.VersionConflicts))
}

func TestReopenResolvesHierarchyFromReportingLines(t *testing.T) {
	env := newTestEnv(t)
	ctx, e := env.Ctx, env.Engine
	require.NoError(t, e.SetManager(ctx, "emp-1", "mgr-1"))
	require.NoError(t, e.SetManager(ctx, "mgr-1", "lead-1"))
	env.assign(t, "asg-1", true)
	env.answerAll(t, "asg-1")
	_, err := e.Submit(ctx, "asg-1", manager)
	require.NoError(t, err)
	_, err = e.StartReviewMeeting(ctx, "asg-1", manager)
	require.NoError(t, err)
	_, err = e.FinishReviewMeeting(ctx, "asg-1", manager, nil)
	require.NoError(t, err)

	outsider := policy.Actor{ID: "lead-2", Role: domain.RoleTeamLead}
	_, err = e.Reopen(ctx, "asg-1", outsider, domain.StateInReview, "needs another discussion")
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(err))

	_, err = e.Reopen(ctx, "asg-1", lead, domain.StateInReview, "too short")
	assert.Equal(t, dErrors.CodeInvalidArgument, dErrors.CodeOf(err))

	res, err := e.Reopen(ctx, "asg-1", lead, domain.StateInReview, "needs another discussion")
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	reopened, ok := res.Events[0].Payload.(*events.Reopened)
	require.True(t, ok)
	assert.True(t, reopened.HierarchyVerified)
	assert.Equal(t, domain.RoleTeamLead, reopened.AuthorizingRole)
	assert.Equal(t, domain.StateInReview, res.Assignment.State)

	require.NoError(t, e.RemoveManager(ctx, "mgr-1"))
	_, err = e.FinishReviewMeeting(ctx, "asg-1", manager, nil)
	require.NoError(t, err)
	_, err = e.Reopen(ctx, "asg-1", lead, domain.StateInReview, "needs another discussion")
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(err))

	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.Reopens.WithLabelValues("teamlead", "granted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(env.Metrics.Reopens.WithLabelValues("teamlead", string(dErrors.CodeUnauthorized))))
}

func TestLinkPredecessorSnapshotsPriorGoals(t *testing.T) {
	env := newTestEnv(t)
	ctx, e := env.Ctx, env.Engine
	env.assign(t, "asg-2025", false)
	env.answerAll(t, "asg-2025")
	_, err := e.AddGoal(ctx, "asg-2025", manager, weighted("next-goals", 100))
	require.NoError(t, err)
	_, err = e.Submit(ctx, "asg-2025", manager)
	require.NoError(t, err)

	env.assign(t, "asg-2026", true)
	env.answerAll(t, "asg-2026")

	_, err = e.LinkPredecessor(ctx, "asg-2026", manager, "previous-goals", "missing")
	assert.Equal(t, dErrors.CodeNotFound, dErrors.CodeOf(err))

	res, err := e.LinkPredecessor(ctx, "asg-2026", manager, "previous-goals", "asg-2025")
	require.NoError(t, err)
	require.Len(t, res.Assignment.Predecessors, 1)
	link := res.Assignment.Predecessors[0]
	assert.Equal(t, "asg-2025", link.PredecessorAssignmentID)
	require.Len(t, link.Goals, 1)

	res, err = e.RatePredecessorGoal(ctx, "asg-2026", employee, "previous-goals", link.Goals[0].ID, 90, "beat the target")
	require.NoError(t, err)
	require.Len(t, res.Assignment.Ratings, 1)
	_, err = e.ModifyPredecessorRating(ctx, "asg-2026", employee, "previous-goals", link.Goals[0].ID, "",
		domain.RatingChanges{Justification: strPtr("beat the target by a week")}, "")
	require.NoError(t, err)
}

func TestVerifyReplaysTwice(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, "asg-1", true)
	env.answerAll(t, "asg-1")
	_, err := env.Engine.AddGoal(env.Ctx, "asg-1", employee, weighted("next-goals", 40))
	require.NoError(t, err)

	rep, err := env.Engine.Verify(env.Ctx, "asg-1")
	require.NoError(t, err)
	assert.True(t, rep.OK())
	assert.Equal(t, domain.StateInProgress, rep.State)
	assert.Equal(t, domain.StateInProgress, rep.DirectoryState)
	assert.Equal(t, int64(rep.Events), rep.Version)

	_, err = env.Engine.Verify(env.Ctx, "missing")
	assert.Equal(t, dErrors.CodeNotFound, dErrors.CodeOf(err))
}

func TestWithdrawByHR(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, "asg-1", true)
	res, err := env.Engine.Withdraw(env.Ctx, "asg-1", hr, strPtr("left the company"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateWithdrawn, res.Assignment.State)

	_, err = env.Engine.Reopen(env.Ctx, "asg-1", hr, domain.StateInProgress, "was withdrawn by mistake")
	assert.Equal(t, dErrors.CodeIllegalTransition, dErrors.CodeOf(err))
}

func strPtr(s string) *string { return &s }
