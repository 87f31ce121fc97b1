package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Writer persists envelopes inside a caller-owned transaction.
type Writer struct {
	Now   func() time.Time
	NewID func() string
}

// Append inserts env and fills in its id, timestamp and store position when
// they are not already set.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, env *Envelope) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if w.NewID == nil {
		w.NewID = uuid.NewString
	}
	if env.Payload == nil {
		return fmt.Errorf("append event: nil payload")
	}
	if env.Kind == "" {
		env.Kind = env.Payload.Kind()
	}
	if env.Kind != env.Payload.Kind() {
		return fmt.Errorf("append event: kind %s does not match payload %s", env.Kind, env.Payload.Kind())
	}
	if env.ID == "" {
		env.ID = w.NewID()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = w.Now()
	}
	env.OccurredAt = env.OccurredAt.UTC()
	data, err := Encode(env.Payload)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(id,assignment_id,seq,kind,actor_id,occurred_at,payload_json) VALUES (?,?,?,?,?,?,?)`,
		env.ID, env.AssignmentID, env.Sequence, string(env.Kind), env.ActorID, env.OccurredAt.Format(time.RFC3339Nano), string(data))
	if err != nil {
		return err
	}
	pos, err := res.LastInsertId()
	if err != nil {
		return err
	}
	env.Position = pos
	return nil
}
