package policy

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"appraisal/internal/domain"
	dErrors "appraisal/internal/domainerrors"
)

// HierarchyLookup answers who an employee reports to. ok is false when no
// reporting line is recorded.
type HierarchyLookup interface {
	ManagerOf(ctx context.Context, employeeID string) (managerID string, ok bool, err error)
}

const (
	DefaultMinReasonLength   = 10
	DefaultMaxHierarchyDepth = 10
)

// ReopenGuard decides whether an actor may force an assignment backwards.
type ReopenGuard struct {
	Hierarchy         HierarchyLookup
	MinReasonLength   int
	UnrestrictedRoles []domain.Role
	ScopedRoles       []domain.Role
	MaxHierarchyDepth int
}

// NewReopenGuard takes its roles from the reopen row of p.
func NewReopenGuard(p Policy, h HierarchyLookup) ReopenGuard {
	unrestricted, scoped := p.ReopenRoles()
	return ReopenGuard{
		Hierarchy:         h,
		MinReasonLength:   DefaultMinReasonLength,
		UnrestrictedRoles: unrestricted,
		ScopedRoles:       scoped,
		MaxHierarchyDepth: DefaultMaxHierarchyDepth,
	}
}

func DefaultReopenGuard(h HierarchyLookup) ReopenGuard {
	return NewReopenGuard(Default(), h)
}

type ReopenRequest struct {
	Actor      Actor
	EmployeeID string
	From       domain.WorkflowState
	To         domain.WorkflowState
	Reason     string
}

// ReopenGrant is what the guard vouches for when it lets a reopen through.
type ReopenGrant struct {
	AuthorizingRole   domain.Role
	HierarchyVerified bool
}

// Check runs every reopen rule. The terminal-state rule comes first and does
// not depend on the actor.
func (g ReopenGuard) Check(ctx context.Context, req ReopenRequest) (ReopenGrant, error) {
	switch req.From {
	case domain.StateFinalized:
		return ReopenGrant{}, dErrors.IllegalTransition("a finalized assignment cannot be reopened").
			With("from_state", string(req.From))
	case domain.StateWithdrawn:
		return ReopenGrant{}, dErrors.IllegalTransition("a withdrawn assignment cannot be reopened; create a new assignment").
			With("from_state", string(req.From))
	}
	if !req.To.Valid() || req.To == domain.StateFinalized || req.To == domain.StateWithdrawn || !req.To.Before(req.From) {
		return ReopenGrant{}, dErrors.IllegalTransition("cannot reopen from %s to %s", req.From, req.To).
			With("from_state", string(req.From)).
			With("to_state", string(req.To))
	}

	grant, err := g.authorize(ctx, req)
	if err != nil {
		return ReopenGrant{}, err
	}

	minLen := g.MinReasonLength
	if minLen <= 0 {
		minLen = DefaultMinReasonLength
	}
	if n := len([]rune(strings.TrimSpace(req.Reason))); n < minLen {
		return ReopenGrant{}, dErrors.InvalidArgument("reopen reason must be at least %d characters, got %d", minLen, n).
			With("min_reason_length", minLen)
	}
	return grant, nil
}

func (g ReopenGuard) authorize(ctx context.Context, req ReopenRequest) (ReopenGrant, error) {
	role := req.Actor.Role
	if req.Actor.ID == "" {
		return ReopenGrant{}, dErrors.Unauthorized("reopen requires an authenticated actor")
	}
	if slices.Contains(g.UnrestrictedRoles, role) {
		return ReopenGrant{AuthorizingRole: role}, nil
	}
	if !slices.Contains(g.ScopedRoles, role) {
		return ReopenGrant{}, dErrors.Unauthorized("role %s may not reopen assignments", role).
			With("role", string(role))
	}
	in, err := InHierarchy(ctx, g.Hierarchy, req.Actor.ID, req.EmployeeID, g.MaxHierarchyDepth)
	if err != nil {
		return ReopenGrant{}, dErrors.Wrap(err, dErrors.CodeUnauthorized, "team hierarchy could not be verified").
			With("role", string(role))
	}
	if !in {
		return ReopenGrant{}, dErrors.Unauthorized("employee %s is not in the team of %s", req.EmployeeID, req.Actor.ID).
			With("role", string(role))
	}
	return ReopenGrant{AuthorizingRole: role, HierarchyVerified: true}, nil
}

// InHierarchy walks the reporting chain upwards from employeeID looking for
// managerID. It stops after maxDepth hops or on a cycle, and any lookup error
// is returned so the caller can refuse.
func InHierarchy(ctx context.Context, h HierarchyLookup, managerID, employeeID string, maxDepth int) (bool, error) {
	if h == nil {
		return false, fmt.Errorf("no hierarchy lookup configured")
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxHierarchyDepth
	}
	if managerID == "" || employeeID == "" || managerID == employeeID {
		return false, nil
	}
	seen := map[string]bool{employeeID: true}
	cur := employeeID
	for depth := 0; depth < maxDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		next, ok, err := h.ManagerOf(ctx, cur)
		if err != nil {
			return false, fmt.Errorf("manager of %s: %w", cur, err)
		}
		if !ok || next == "" {
			return false, nil
		}
		if next == managerID {
			return true, nil
		}
		if seen[next] {
			return false, nil
		}
		seen[next] = true
		cur = next
	}
	return false, nil
}
