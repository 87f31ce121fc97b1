package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"appraisal/internal/domain"
)

const summaryColumns = `id,template_id,employee_id,manager_id,state,version,due_date,created_at,updated_at`

func (r Repo) upsertAssignmentTx(ctx context.Context, tx *sql.Tx, s domain.AssignmentSummary) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(`+summaryColumns+`)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET state=excluded.state, version=excluded.version, due_date=excluded.due_date, updated_at=excluded.updated_at`,
		s.ID, s.TemplateID, s.EmployeeID, s.ManagerID, string(s.State), s.Version,
		s.DueDate.UTC().Format(time.RFC3339), s.CreatedAt.UTC().Format(time.RFC3339Nano), s.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func scanSummary(row rowScanner) (domain.AssignmentSummary, error) {
	var (
		s                 domain.AssignmentSummary
		state             string
		due, created, upd string
	)
	if err := row.Scan(&s.ID, &s.TemplateID, &s.EmployeeID, &s.ManagerID, &state, &s.Version, &due, &created, &upd); err != nil {
		return s, err
	}
	s.State = domain.WorkflowState(state)
	var err error
	if s.DueDate, err = time.Parse(time.RFC3339, due); err != nil {
		return s, fmt.Errorf("assignment %s: due_date: %w", s.ID, err)
	}
	if s.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return s, fmt.Errorf("assignment %s: created_at: %w", s.ID, err)
	}
	if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, upd); err != nil {
		return s, fmt.Errorf("assignment %s: updated_at: %w", s.ID, err)
	}
	return s, nil
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.AssignmentSummary, error) {
	s, err := scanSummary(r.DB.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM assignments WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

type AssignmentFilters struct {
	EmployeeID string
	ManagerID  string
	TemplateID string
	States     []domain.WorkflowState
	ActiveOnly bool
	Limit      int
}

func (r Repo) ListAssignments(ctx context.Context, f AssignmentFilters) ([]domain.AssignmentSummary, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.EmployeeID != "" {
		clauses = append(clauses, "employee_id=?")
		args = append(args, f.EmployeeID)
	}
	if f.ManagerID != "" {
		clauses = append(clauses, "manager_id=?")
		args = append(args, f.ManagerID)
	}
	if f.TemplateID != "" {
		clauses = append(clauses, "template_id=?")
		args = append(args, f.TemplateID)
	}
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, s := range f.States {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "state IN ("+strings.Join(marks, ",")+")")
	}
	if f.ActiveOnly {
		clauses = append(clauses, "state NOT IN (?,?)")
		args = append(args, string(domain.StateFinalized), string(domain.StateWithdrawn))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM assignments WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?`, summaryColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssignmentSummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// HasActiveAssignment reports whether the employee already has a
// non-terminal assignment for the template.
func (r Repo) HasActiveAssignment(ctx context.Context, employeeID, templateID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM assignments WHERE employee_id=? AND template_id=? AND state NOT IN (?,?)`,
		employeeID, templateID, string(domain.StateFinalized), string(domain.StateWithdrawn)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountByState groups the directory by workflow state.
func (r Repo) CountByState(ctx context.Context) (map[domain.WorkflowState]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(1) FROM assignments GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.WorkflowState]int{}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		res[domain.WorkflowState(state)] = n
	}
	return res, rows.Err()
}
