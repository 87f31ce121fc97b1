package policy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appraisal/internal/domain"
	dErrors "appraisal/internal/domainerrors"
	"appraisal/internal/policy"
)

type lines map[string]string

func (l lines) ManagerOf(_ context.Context, employeeID string) (string, bool, error) {
	m, ok := l[employeeID]
	return m, ok, nil
}

type brokenLookup struct{}

func (brokenLookup) ManagerOf(context.Context, string) (string, bool, error) {
	return "", false, errors.New("directory unavailable")
}

var subject = policy.Subject{EmployeeID: "emp-1", ManagerID: "mgr-1"}

func TestAuthorizeMatchesRelationship(t *testing.T) {
	p := policy.Default()

	require.NoError(t, p.Authorize(policy.OpInitialize, policy.Actor{ID: "mgr-1", Role: domain.RoleManager}, subject))
	err := p.Authorize(policy.OpInitialize, policy.Actor{ID: "mgr-2", Role: domain.RoleManager}, subject)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	require.NoError(t, p.Authorize(policy.OpSignOff, policy.Actor{ID: "emp-1", Role: domain.RoleEmployee}, subject))
	err = p.Authorize(policy.OpSignOff, policy.Actor{ID: "mgr-1", Role: domain.RoleManager}, subject)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	// claiming the employee role for someone else's assignment is not "self"
	err = p.Authorize(policy.OpSaveAnswer, policy.Actor{ID: "emp-2", Role: domain.RoleEmployee}, subject)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	require.NoError(t, p.Authorize(policy.OpWithdraw, policy.Actor{ID: "hr-1", Role: domain.RoleHR}, subject))
	err = p.Authorize(policy.OpWithdraw, policy.Actor{ID: "emp-1", Role: domain.RoleEmployee}, subject)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestAuthorizeRequiresActor(t *testing.T) {
	err := policy.Default().Authorize(policy.OpView, policy.Actor{Role: domain.RoleAdmin}, subject)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestWithAssignRoles(t *testing.T) {
	p := policy.Default().WithAssignRoles([]domain.Role{domain.RoleHR})
	assert.True(t, p.Allows(policy.OpAssign, domain.RoleHR, policy.RelNone))
	assert.False(t, p.Allows(policy.OpAssign, domain.RoleManager, policy.RelAssignedManager))
	assert.True(t, policy.Default().Allows(policy.OpAssign, domain.RoleManager, policy.RelAssignedManager))
}

func reopen(actor policy.Actor, from, to domain.WorkflowState, reason string) policy.ReopenRequest {
	return policy.ReopenRequest{Actor: actor, EmployeeID: "emp-1", From: from, To: to, Reason: reason}
}

func TestReopenUnrestrictedRoles(t *testing.T) {
	g := policy.DefaultReopenGuard(lines{})
	for _, role := range []domain.Role{domain.RoleAdmin, domain.RoleHRLead, domain.RoleHR} {
		grant, err := g.Check(context.Background(), reopen(policy.Actor{ID: "x", Role: role},
			domain.StateReviewFinished, domain.StateInReview, "found discrepancy in scores"))
		require.NoError(t, err, role)
		assert.Equal(t, role, grant.AuthorizingRole)
		assert.False(t, grant.HierarchyVerified)
	}
}

func TestReopenNeverFromFinalized(t *testing.T) {
	g := policy.DefaultReopenGuard(lines{})
	_, err := g.Check(context.Background(), reopen(policy.Actor{ID: "root", Role: domain.RoleAdmin},
		domain.StateFinalized, domain.StateInReview, "found discrepancy in scores"))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeIllegalTransition))
}

func TestReopenTargetMustBeEarlier(t *testing.T) {
	g := policy.DefaultReopenGuard(lines{})
	admin := policy.Actor{ID: "root", Role: domain.RoleAdmin}
	for _, to := range []domain.WorkflowState{domain.StateReviewFinished, domain.StateEmployeeSignedOff, domain.StateFinalized, domain.StateWithdrawn, "bogus"} {
		_, err := g.Check(context.Background(), reopen(admin, domain.StateReviewFinished, to, "found discrepancy in scores"))
		assert.True(t, dErrors.HasCode(err, dErrors.CodeIllegalTransition), to)
	}
}

func TestReopenReasonLength(t *testing.T) {
	g := policy.DefaultReopenGuard(lines{})
	_, err := g.Check(context.Background(), reopen(policy.Actor{ID: "root", Role: domain.RoleAdmin},
		domain.StateReviewFinished, domain.StateInReview, "   oops    "))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidArgument))
}

func TestReopenScopedToHierarchy(t *testing.T) {
	// emp-1 -> mgr-1 -> lead-1 -> vp-1
	g := policy.DefaultReopenGuard(lines{"emp-1": "mgr-1", "mgr-1": "lead-1", "lead-1": "vp-1"})
	ctx := context.Background()

	grant, err := g.Check(ctx, reopen(policy.Actor{ID: "lead-1", Role: domain.RoleTeamLead},
		domain.StateReviewFinished, domain.StateInReview, "found discrepancy in scores"))
	require.NoError(t, err)
	assert.True(t, grant.HierarchyVerified)
	assert.Equal(t, domain.RoleTeamLead, grant.AuthorizingRole)

	_, err = g.Check(ctx, reopen(policy.Actor{ID: "lead-9", Role: domain.RoleTeamLead},
		domain.StateReviewFinished, domain.StateInReview, "found discrepancy in scores"))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	g.MaxHierarchyDepth = 2
	_, err = g.Check(ctx, reopen(policy.Actor{ID: "vp-1", Role: domain.RoleTeamLead},
		domain.StateReviewFinished, domain.StateInReview, "found discrepancy in scores"))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestReopenRejectsParties(t *testing.T) {
	g := policy.DefaultReopenGuard(lines{"emp-1": "mgr-1"})
	for _, a := range []policy.Actor{{ID: "mgr-1", Role: domain.RoleManager}, {ID: "emp-1", Role: domain.RoleEmployee}} {
		_, err := g.Check(context.Background(), reopen(a, domain.StateReviewFinished, domain.StateInReview, "found discrepancy in scores"))
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized), a.Role)
	}
}

func TestReopenGuardReadsRolesFromTable(t *testing.T) {
	unrestricted, scoped := policy.Default().ReopenRoles()
	assert.Equal(t, []domain.Role{domain.RoleAdmin, domain.RoleHR, domain.RoleHRLead}, unrestricted)
	assert.Equal(t, []domain.Role{domain.RoleTeamLead}, scoped)

	p := policy.Default().WithReopenRoles([]domain.Role{domain.RoleAdmin}, []domain.Role{domain.RoleManager})
	assert.True(t, p.Allows(policy.OpReopen, domain.RoleManager, policy.RelInTeam))
	assert.False(t, p.Allows(policy.OpReopen, domain.RoleManager, policy.RelNone))
	assert.False(t, p.Allows(policy.OpReopen, domain.RoleHR, policy.RelNone))

	g := policy.NewReopenGuard(p, lines{"emp-1": "mgr-1"})
	ctx := context.Background()
	_, err := g.Check(ctx, reopen(policy.Actor{ID: "hr-1", Role: domain.RoleHR},
		domain.StateReviewFinished, domain.StateInReview, "found discrepancy in scores"))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	grant, err := g.Check(ctx, reopen(policy.Actor{ID: "mgr-1", Role: domain.RoleManager},
		domain.StateReviewFinished, domain.StateInReview, "found discrepancy in scores"))
	require.NoError(t, err)
	assert.True(t, grant.HierarchyVerified)

	grant, err = g.Check(ctx, reopen(policy.Actor{ID: "root", Role: domain.RoleAdmin},
		domain.StateReviewFinished, domain.StateInReview, "found discrepancy in scores"))
	require.NoError(t, err)
	assert.False(t, grant.HierarchyVerified)
}

func TestReopenFailsClosedOnLookupError(t *testing.T) {
	g := policy.DefaultReopenGuard(brokenLookup{})
	_, err := g.Check(context.Background(), reopen(policy.Actor{ID: "lead-1", Role: domain.RoleTeamLead},
		domain.StateReviewFinished, domain.StateInReview, "found discrepancy in scores"))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	assert.ErrorContains(t, err, "directory unavailable")
}

func TestInHierarchyStopsOnCycle(t *testing.T) {
	cyc := lines{"emp-1": "a", "a": "b", "b": "a"}
	in, err := policy.InHierarchy(context.Background(), cyc, "lead-1", "emp-1", 50)
	require.NoError(t, err)
	assert.False(t, in)

	in, err = policy.InHierarchy(context.Background(), cyc, "b", "emp-1", 50)
	require.NoError(t, err)
	assert.True(t, in)
}
