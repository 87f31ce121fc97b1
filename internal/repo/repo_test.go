package repo_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appraisal/internal/db"
	"appraisal/internal/domain"
	"appraisal/internal/events"
	"appraisal/internal/migrate"
	"appraisal/internal/repo"
)

var t0 = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	n := 0
	return repo.Repo{
		DB: conn,
		Events: events.Writer{
			Now:   func() time.Time { return t0 },
			NewID: func() string { n++; return fmt.Sprintf("evt-%d", n) },
		},
		Now: func() time.Time { return t0 },
	}
}

func assignedLog(id string) []events.Envelope {
	return []events.Envelope{{
		AssignmentID: id,
		Sequence:     1,
		Kind:         events.KindAssigned,
		ActorID:      "mgr-1",
		OccurredAt:   t0,
		Payload: &events.Assigned{
			TemplateID: "annual", EmployeeID: "emp-1", ManagerID: "mgr-1",
			DueDate: t0.AddDate(0, 2, 0), RequiresManagerReview: true,
		},
	}}
}

func summary(id string, state domain.WorkflowState, version int64) domain.AssignmentSummary {
	return domain.AssignmentSummary{
		ID: id, TemplateID: "annual", EmployeeID: "emp-1", ManagerID: "mgr-1",
		State: state, Version: version, DueDate: t0.AddDate(0, 2, 0), CreatedAt: t0, UpdatedAt: t0,
	}
}

func transition(id string, seq int64, from, to domain.WorkflowState) events.Envelope {
	return events.Envelope{
		AssignmentID: id, Sequence: seq, Kind: events.KindStateTransitioned, ActorID: "mgr-1", OccurredAt: t0,
		Payload: &events.StateTransitioned{From: from, To: to},
	}
}

func TestAppendAndLoad(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	_, err := r.LoadEvents(ctx, "asg-1")
	require.ErrorIs(t, err, repo.ErrNotFound)

	stored, err := r.AppendEvents(ctx, "asg-1", 0, assignedLog("asg-1"), summary("asg-1", domain.StateAssigned, 1))
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "evt-1", stored[0].ID)
	assert.Positive(t, stored[0].Position)

	_, err = r.AppendEvents(ctx, "asg-1", 1, []events.Envelope{
		{AssignmentID: "asg-1", Sequence: 2, Kind: events.KindInitialized, ActorID: "mgr-1", OccurredAt: t0, Payload: &events.Initialized{}},
		transition("asg-1", 3, domain.StateAssigned, domain.StateInitialized),
	}, summary("asg-1", domain.StateInitialized, 3))
	require.NoError(t, err)

	log, err := r.LoadEvents(ctx, "asg-1")
	require.NoError(t, err)
	require.Len(t, log, 3)
	assigned, ok := log[0].Payload.(*events.Assigned)
	require.True(t, ok)
	assert.Equal(t, "emp-1", assigned.EmployeeID)
	assert.Equal(t, int64(3), log[2].Sequence)
	assert.True(t, log[2].OccurredAt.Equal(t0))

	s, err := r.GetAssignment(ctx, "asg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateInitialized, s.State)
	assert.Equal(t, int64(3), s.Version)
}

func TestAppendRejectsStaleVersion(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.AppendEvents(ctx, "asg-1", 0, assignedLog("asg-1"), summary("asg-1", domain.StateAssigned, 1))
	require.NoError(t, err)

	_, err = r.AppendEvents(ctx, "asg-1", 0, assignedLog("asg-1"), summary("asg-1", domain.StateAssigned, 1))
	require.ErrorIs(t, err, repo.ErrVersionConflict)

	log, err := r.LoadEvents(ctx, "asg-1")
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestOneActiveAssignmentPerTemplate(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.AppendEvents(ctx, "asg-1", 0, assignedLog("asg-1"), summary("asg-1", domain.StateAssigned, 1))
	require.NoError(t, err)

	_, err = r.AppendEvents(ctx, "asg-2", 0, assignedLog("asg-2"), summary("asg-2", domain.StateAssigned, 1))
	require.ErrorIs(t, err, repo.ErrActiveAssignment)
	_, err = r.LoadEvents(ctx, "asg-2")
	require.ErrorIs(t, err, repo.ErrNotFound)

	_, err = r.AppendEvents(ctx, "asg-1", 1, []events.Envelope{
		transition("asg-1", 2, domain.StateAssigned, domain.StateWithdrawn),
	}, summary("asg-1", domain.StateWithdrawn, 2))
	require.NoError(t, err)

	_, err = r.AppendEvents(ctx, "asg-2", 0, assignedLog("asg-2"), summary("asg-2", domain.StateAssigned, 1))
	require.NoError(t, err)
}

func TestConcurrentAppendsOneWins(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.AppendEvents(ctx, "asg-1", 0, assignedLog("asg-1"), summary("asg-1", domain.StateAssigned, 1))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.AppendEvents(ctx, "asg-1", 1, []events.Envelope{transition("asg-1", 2, domain.StateAssigned, domain.StateWithdrawn)},
				summary("asg-1", domain.StateWithdrawn, 2))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, repo.ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 3, conflicts)
}

func TestDirectoryQueries(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.AppendEvents(ctx, "asg-1", 0, assignedLog("asg-1"), summary("asg-1", domain.StateAssigned, 1))
	require.NoError(t, err)

	active, err := r.HasActiveAssignment(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.True(t, active)

	_, err = r.AppendEvents(ctx, "asg-1", 1, []events.Envelope{transition("asg-1", 2, domain.StateAssigned, domain.StateWithdrawn)},
		summary("asg-1", domain.StateWithdrawn, 2))
	require.NoError(t, err)
	active, err = r.HasActiveAssignment(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.False(t, active)

	list, err := r.ListAssignments(ctx, repo.AssignmentFilters{ManagerID: "mgr-1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	list, err = r.ListAssignments(ctx, repo.AssignmentFilters{ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, list)

	counts, err := r.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StateWithdrawn])

	_, err = r.GetAssignment(ctx, "nope")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestEventCursors(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for i, id := range []string{"asg-1", "asg-2"} {
		s := summary(id, domain.StateAssigned, 1)
		s.EmployeeID = fmt.Sprintf("emp-%d", i+1)
		_, err := r.AppendEvents(ctx, id, 0, assignedLog(id), s)
		require.NoError(t, err)
	}
	pos, err := r.LatestPosition(ctx)
	require.NoError(t, err)

	after, err := r.EventsAfter(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "asg-1", after[0].AssignmentID)
	assert.Equal(t, pos, after[1].Position)

	latest, err := r.LatestEvents(ctx, 10, repo.EventFilter{AssignmentID: "asg-2"})
	require.NoError(t, err)
	require.Len(t, latest, 1)

	_, ok, err := r.WebhookCursor(ctx, "audit")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, r.SaveWebhookCursor(ctx, "audit", pos))
	got, ok, err := r.WebhookCursor(ctx, "audit")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, pos, got)
}

func TestReportingLines(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.SeedReportingLines(ctx, map[string]string{"emp-1": "mgr-1", "mgr-1": "lead-1"}))
	require.NoError(t, r.SetManager(ctx, "emp-2", "mgr-1"))
	assert.Error(t, r.SetManager(ctx, "emp-3", "emp-3"))

	m, ok, err := r.ManagerOf(ctx, "mgr-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "lead-1", m)

	_, ok, err = r.ManagerOf(ctx, "lead-1")
	require.NoError(t, err)
	assert.False(t, ok)

	team, err := r.ListReportingLines(ctx, "mgr-1")
	require.NoError(t, err)
	assert.Len(t, team, 2)

	require.NoError(t, r.RemoveManager(ctx, "emp-2"))
	assert.ErrorIs(t, r.RemoveManager(ctx, "emp-2"), repo.ErrNotFound)
}
