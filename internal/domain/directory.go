package domain

import "time"

// AssignmentSummary is the directory row kept alongside each assignment's log.
type AssignmentSummary struct {
	ID         string        `json:"id"`
	TemplateID string        `json:"template_id"`
	EmployeeID string        `json:"employee_id"`
	ManagerID  string        `json:"manager_id"`
	State      WorkflowState `json:"state"`
	Version    int64         `json:"version"`
	DueDate    time.Time     `json:"due_date"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Active reports whether the assignment can still progress.
func (s AssignmentSummary) Active() bool { return !s.State.IsTerminal() }

type ReportingLine struct {
	EmployeeID string    `json:"employee_id"`
	ManagerID  string    `json:"manager_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}
