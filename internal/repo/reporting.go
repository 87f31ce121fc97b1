package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"appraisal/internal/domain"
)

// ManagerOf returns who employeeID reports to. It satisfies the reopen
// guard's hierarchy lookup.
func (r Repo) ManagerOf(ctx context.Context, employeeID string) (string, bool, error) {
	var m string
	err := r.DB.QueryRowContext(ctx, `SELECT manager_id FROM reporting_lines WHERE employee_id=?`, employeeID).Scan(&m)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return m, true, nil
}

func (r Repo) SetManager(ctx context.Context, employeeID, managerID string) error {
	return r.setManager(ctx, r.DB, employeeID, managerID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) setManager(ctx context.Context, db execer, employeeID, managerID string) error {
	if employeeID == "" || managerID == "" {
		return fmt.Errorf("employee and manager are required")
	}
	if employeeID == managerID {
		return fmt.Errorf("%s cannot report to themselves", employeeID)
	}
	_, err := db.ExecContext(ctx, `INSERT INTO reporting_lines(employee_id, manager_id, updated_at)
VALUES (?,?,?)
ON CONFLICT(employee_id) DO UPDATE SET manager_id=excluded.manager_id, updated_at=excluded.updated_at`,
		employeeID, managerID, r.now().Format(time.RFC3339))
	return err
}

func (r Repo) RemoveManager(ctx context.Context, employeeID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM reporting_lines WHERE employee_id=?`, employeeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SeedReportingLines upserts lines without touching lines absent from the seed.
func (r Repo) SeedReportingLines(ctx context.Context, lines map[string]string) error {
	if len(lines) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for emp, mgr := range lines {
		if err := r.setManager(ctx, tx, emp, mgr); err != nil {
			return fmt.Errorf("reporting line %s: %w", emp, err)
		}
	}
	return tx.Commit()
}

func (r Repo) ListReportingLines(ctx context.Context, managerID string) ([]domain.ReportingLine, error) {
	query := `SELECT employee_id, manager_id, updated_at FROM reporting_lines`
	var args []any
	if managerID != "" {
		query += ` WHERE manager_id=?`
		args = append(args, managerID)
	}
	query += ` ORDER BY employee_id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReportingLine
	for rows.Next() {
		var (
			l  domain.ReportingLine
			ts string
		)
		if err := rows.Scan(&l.EmployeeID, &l.ManagerID, &ts); err != nil {
			return nil, err
		}
		if l.UpdatedAt, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
