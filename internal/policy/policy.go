// Package policy decides who may do what to an assignment. Every role check
// the workflow makes goes through Authorize so the rules live in one table.
package policy

import (
	"slices"

	"appraisal/internal/domain"
	dErrors "appraisal/internal/domainerrors"
)

type Operation string

const (
	OpAssign                  Operation = "assign"
	OpInitialize              Operation = "initialize"
	OpStartWork               Operation = "start_work"
	OpSaveAnswer              Operation = "save_answer"
	OpSubmit                  Operation = "submit"
	OpStartReviewMeeting      Operation = "start_review_meeting"
	OpEditAnswer              Operation = "edit_answer"
	OpManageNotes             Operation = "manage_notes"
	OpFinishReviewMeeting     Operation = "finish_review_meeting"
	OpSignOff                 Operation = "sign_off"
	OpConfirmOutcome          Operation = "confirm_outcome"
	OpFinalize                Operation = "finalize"
	OpWithdraw                Operation = "withdraw"
	OpReopen                  Operation = "reopen"
	OpAddGoal                 Operation = "add_goal"
	OpModifyGoal              Operation = "modify_goal"
	OpDeleteGoal              Operation = "delete_goal"
	OpLinkPredecessor         Operation = "link_predecessor"
	OpRatePredecessorGoal     Operation = "rate_predecessor_goal"
	OpModifyPredecessorRating Operation = "modify_predecessor_rating"
	OpView                    Operation = "view"

	// OpManageTeam edits reporting lines; it has no assignment subject.
	OpManageTeam Operation = "manage_team"
)

// Relationship is how the acting user relates to the assignment.
type Relationship string

const (
	RelSelf            Relationship = "self"
	RelAssignedManager Relationship = "assigned_manager"
	RelNone            Relationship = "none"
	// RelInTeam is only ever granted by the reopen guard once the reporting
	// chain places the employee under the actor. RelationshipOf never returns it.
	RelInTeam Relationship = "in_team"
	// RelAny matches every relationship in a rule.
	RelAny Relationship = "any"
)

// Actor is the authenticated identity behind a command and the role it claims.
type Actor struct {
	ID   string
	Role domain.Role
}

// Subject identifies the parties of the assignment being acted on.
type Subject struct {
	EmployeeID string
	ManagerID  string
}

// RelationshipOf derives the relationship from the claimed role. Claiming the
// employee role only counts for the assignment's own employee, and the manager
// role only for its assigned manager.
func RelationshipOf(a Actor, s Subject) Relationship {
	switch {
	case a.Role == domain.RoleEmployee && a.ID == s.EmployeeID:
		return RelSelf
	case a.Role == domain.RoleManager && a.ID == s.ManagerID:
		return RelAssignedManager
	}
	return RelNone
}

type rule map[domain.Role][]Relationship

var (
	selfOnly      = []Relationship{RelSelf}
	managerOnly   = []Relationship{RelAssignedManager}
	anyAssignment = []Relationship{RelAny}
	inTeam        = []Relationship{RelInTeam}
)

func parties() rule {
	return rule{domain.RoleEmployee: selfOnly, domain.RoleManager: managerOnly}
}

// Policy is the (operation, role, relationship) table.
type Policy struct {
	rules map[Operation]rule
}

// Default returns the standard table. The reopen row is what NewReopenGuard
// reads its unrestricted and team-scoped roles from.
func Default() Policy {
	return Policy{rules: map[Operation]rule{
		OpAssign: {
			domain.RoleManager: managerOnly,
			domain.RoleHR:      anyAssignment,
			domain.RoleHRLead:  anyAssignment,
			domain.RoleAdmin:   anyAssignment,
		},
		OpInitialize:              {domain.RoleManager: managerOnly},
		OpStartWork:               parties(),
		OpSaveAnswer:              parties(),
		OpSubmit:                  parties(),
		OpStartReviewMeeting:      {domain.RoleManager: managerOnly},
		OpEditAnswer:              parties(),
		OpManageNotes:             parties(),
		OpFinishReviewMeeting:     {domain.RoleManager: managerOnly},
		OpSignOff:                 {domain.RoleEmployee: selfOnly},
		OpConfirmOutcome:          {domain.RoleEmployee: selfOnly},
		OpFinalize:                {domain.RoleManager: managerOnly},
		OpAddGoal:                 parties(),
		OpModifyGoal:              parties(),
		OpDeleteGoal:              parties(),
		OpLinkPredecessor:         parties(),
		OpRatePredecessorGoal:     parties(),
		OpModifyPredecessorRating: parties(),
		OpWithdraw: {
			domain.RoleManager: managerOnly,
			domain.RoleHR:      anyAssignment,
			domain.RoleHRLead:  anyAssignment,
			domain.RoleAdmin:   anyAssignment,
		},
		OpReopen: {
			domain.RoleTeamLead: inTeam,
			domain.RoleHR:       anyAssignment,
			domain.RoleHRLead:   anyAssignment,
			domain.RoleAdmin:    anyAssignment,
		},
		OpManageTeam: {
			domain.RoleHR:     anyAssignment,
			domain.RoleHRLead: anyAssignment,
			domain.RoleAdmin:  anyAssignment,
		},
		OpView: {
			domain.RoleEmployee: selfOnly,
			domain.RoleManager:  managerOnly,
			domain.RoleTeamLead: anyAssignment,
			domain.RoleHR:       anyAssignment,
			domain.RoleHRLead:   anyAssignment,
			domain.RoleAdmin:    anyAssignment,
		},
	}}
}

// WithAssignRoles restricts who may create assignments. The manager role
// keeps its relationship requirement.
func (p Policy) WithAssignRoles(roles []domain.Role) Policy {
	if len(roles) == 0 {
		return p
	}
	next := p.clone()
	assign := rule{}
	for _, role := range roles {
		if role == domain.RoleManager {
			assign[role] = managerOnly
			continue
		}
		assign[role] = anyAssignment
	}
	next.rules[OpAssign] = assign
	return next
}

// WithReopenRoles replaces the reopen row. Unrestricted roles may reopen any
// assignment; scoped roles only those of employees in their reporting chain.
func (p Policy) WithReopenRoles(unrestricted, scoped []domain.Role) Policy {
	next := p.clone()
	r := rule{}
	for _, role := range scoped {
		r[role] = inTeam
	}
	for _, role := range unrestricted {
		r[role] = anyAssignment
	}
	next.rules[OpReopen] = r
	return next
}

// ReopenRoles splits the reopen row into unrestricted and team-scoped roles,
// each sorted.
func (p Policy) ReopenRoles() (unrestricted, scoped []domain.Role) {
	for role, rels := range p.rules[OpReopen] {
		switch {
		case slices.Contains(rels, RelAny):
			unrestricted = append(unrestricted, role)
		case slices.Contains(rels, RelInTeam):
			scoped = append(scoped, role)
		}
	}
	slices.Sort(unrestricted)
	slices.Sort(scoped)
	return unrestricted, scoped
}

func (p Policy) clone() Policy {
	next := Policy{rules: make(map[Operation]rule, len(p.rules))}
	for op, r := range p.rules {
		next.rules[op] = r
	}
	return next
}

// Allows reports whether the table admits the combination.
func (p Policy) Allows(op Operation, role domain.Role, rel Relationship) bool {
	r, ok := p.rules[op]
	if !ok {
		return false
	}
	for _, allowed := range r[role] {
		if allowed == RelAny || allowed == rel {
			return true
		}
	}
	return false
}

// Authorize returns an unauthorized error unless actor may perform op on s.
func (p Policy) Authorize(op Operation, actor Actor, s Subject) error {
	if actor.ID == "" {
		return dErrors.Unauthorized("%s requires an authenticated actor", op)
	}
	rel := RelationshipOf(actor, s)
	if p.Allows(op, actor.Role, rel) {
		return nil
	}
	return dErrors.Unauthorized("role %s (%s) may not %s this assignment", actor.Role, rel, op).
		With("operation", string(op)).
		With("role", string(actor.Role)).
		With("relationship", string(rel))
}
