package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"appraisal/internal/domain"
	"appraisal/internal/events"
)

type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means the log moved past the expected version.
	ErrVersionConflict = errors.New("version conflict")
	// ErrActiveAssignment means the employee already has an open assignment
	// for the template.
	ErrActiveAssignment = errors.New("active assignment exists")
)

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

const eventColumns = `position,id,assignment_id,seq,kind,actor_id,occurred_at,payload_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (events.Envelope, error) {
	var (
		env              events.Envelope
		kind, at, rawPay string
	)
	if err := row.Scan(&env.Position, &env.ID, &env.AssignmentID, &env.Sequence, &kind, &env.ActorID, &at, &rawPay); err != nil {
		return env, err
	}
	env.Kind = events.Kind(kind)
	ts, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return env, fmt.Errorf("event %s: occurred_at: %w", env.ID, err)
	}
	env.OccurredAt = ts
	p, err := events.Decode(env.Kind, []byte(rawPay))
	if err != nil {
		return env, fmt.Errorf("event %s: %w", env.ID, err)
	}
	env.Payload = p
	return env, nil
}

func collectEvents(rows *sql.Rows) ([]events.Envelope, error) {
	defer rows.Close()
	var res []events.Envelope
	for rows.Next() {
		env, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, env)
	}
	return res, rows.Err()
}

// LoadEvents returns an assignment's full log in sequence order.
func (r Repo) LoadEvents(ctx context.Context, assignmentID string) ([]events.Envelope, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE assignment_id=? ORDER BY seq ASC`, assignmentID)
	if err != nil {
		return nil, err
	}
	res, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, ErrNotFound
	}
	return res, nil
}

// AppendEvents appends envs to an assignment's log provided the log is still
// at expected, and refreshes the directory row in the same transaction.
func (r Repo) AppendEvents(ctx context.Context, assignmentID string, expected int64, envs []events.Envelope, summary domain.AssignmentSummary) ([]events.Envelope, error) {
	if len(envs) == 0 {
		return nil, nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		if isBusy(err) {
			return nil, fmt.Errorf("%w: %v", ErrVersionConflict, err)
		}
		return nil, err
	}
	defer tx.Rollback()

	var current int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM events WHERE assignment_id=?`, assignmentID).Scan(&current); err != nil {
		return nil, err
	}
	if current != expected {
		return nil, fmt.Errorf("%w: %s is at version %d, expected %d", ErrVersionConflict, assignmentID, current, expected)
	}
	out := make([]events.Envelope, len(envs))
	for i, env := range envs {
		if env.AssignmentID != assignmentID {
			return nil, fmt.Errorf("event %d targets %s, not %s", i, env.AssignmentID, assignmentID)
		}
		if env.Sequence != expected+int64(i)+1 {
			return nil, fmt.Errorf("event %d has sequence %d, want %d", i, env.Sequence, expected+int64(i)+1)
		}
		if err := r.Events.Append(ctx, tx, &env); err != nil {
			if isUniqueViolation(err) || isBusy(err) {
				return nil, fmt.Errorf("%w: %s sequence %d: %v", ErrVersionConflict, assignmentID, env.Sequence, err)
			}
			return nil, fmt.Errorf("append event: %w", err)
		}
		out[i] = env
	}
	if err := r.upsertAssignmentTx(ctx, tx, summary); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s/%s: %v", ErrActiveAssignment, summary.EmployeeID, summary.TemplateID, err)
		}
		if isBusy(err) {
			return nil, fmt.Errorf("%w: %v", ErrVersionConflict, err)
		}
		return nil, fmt.Errorf("update directory: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) || isBusy(err) {
			return nil, fmt.Errorf("%w: %v", ErrVersionConflict, err)
		}
		return nil, err
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBusy(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "SQLITE_BUSY") || strings.Contains(err.Error(), "database is locked"))
}

// EventFilter narrows LatestEvents.
type EventFilter struct {
	AssignmentID string
	Kind         events.Kind
	ActorID      string
	// Before pages backwards from a store position.
	Before int64
}

// LatestEvents returns the newest events first.
func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilter) ([]events.Envelope, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.AssignmentID != "" {
		clauses = append(clauses, "assignment_id=?")
		args = append(args, f.AssignmentID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, string(f.Kind))
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "position<?")
		args = append(args, f.Before)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY position DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// EventsAfter returns events past the store position cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]events.Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE position>? ORDER BY position ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// LatestPosition returns the newest store position, or zero for an empty store.
func (r Repo) LatestPosition(ctx context.Context) (int64, error) {
	var pos int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(position),0) FROM events`).Scan(&pos); err != nil {
		return 0, err
	}
	return pos, nil
}
