package domain

import (
	"fmt"
	"strings"
)

// Role is the capacity an actor claims when issuing a command.
type Role string

const (
	RoleEmployee Role = "employee"
	RoleManager  Role = "manager"
	RoleTeamLead Role = "teamlead"
	RoleHR       Role = "hr"
	RoleHRLead   Role = "hrlead"
	RoleAdmin    Role = "admin"
	// RoleSystem authors facts the workflow derives on its own, such as auto-finalization.
	RoleSystem Role = "system"
)

var knownRoles = map[Role]bool{
	RoleEmployee: true,
	RoleManager:  true,
	RoleTeamLead: true,
	RoleHR:       true,
	RoleHRLead:   true,
	RoleAdmin:    true,
}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !knownRoles[r] {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

func (r Role) Valid() bool { return knownRoles[r] }

// CompletionRole names which party answers a section.
type CompletionRole string

const (
	CompletionEmployee CompletionRole = "employee"
	CompletionManager  CompletionRole = "manager"
	CompletionBoth     CompletionRole = "both"
)

func ParseCompletionRole(s string) (CompletionRole, error) {
	c := CompletionRole(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CompletionEmployee, CompletionManager, CompletionBoth:
		return c, nil
	}
	return "", fmt.Errorf("unknown completion role %q", s)
}

// Includes reports whether the answering side r owns a slot in sections with this completion role.
func (c CompletionRole) Includes(r Role) bool {
	switch c {
	case CompletionEmployee:
		return r == RoleEmployee
	case CompletionManager:
		return r == RoleManager
	case CompletionBoth:
		return r == RoleEmployee || r == RoleManager
	}
	return false
}

// Sides lists the answering roles a section expects.
func (c CompletionRole) Sides() []Role {
	switch c {
	case CompletionEmployee:
		return []Role{RoleEmployee}
	case CompletionManager:
		return []Role{RoleManager}
	case CompletionBoth:
		return []Role{RoleEmployee, RoleManager}
	}
	return nil
}

// CompletionRoleOf maps an answering side to the completion role it owns alone.
func CompletionRoleOf(r Role) CompletionRole {
	if r == RoleEmployee {
		return CompletionEmployee
	}
	return CompletionManager
}
