package repo

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// EventRepo records inbound event ids so redelivered events are skipped.
type EventRepo struct {
	db *sqlx.DB
}

func NewEventRepo(db *sqlx.DB) *EventRepo { return &EventRepo{db: db} }

// MarkProcessed records the event and reports whether this call was the
// first to do so.
func (r *EventRepo) MarkProcessed(ctx context.Context, chatIdentityID, eventID string, now time.Time) (bool, error) {
	q := r.db.Rebind(`INSERT INTO processed_events (chat_identity_id, event_id, processed_at)
		VALUES (?, ?, ?) ON CONFLICT DO NOTHING`)
	res, err := r.db.ExecContext(ctx, q, chatIdentityID, eventID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Forget removes a record so a failed event can be delivered again.
func (r *EventRepo) Forget(ctx context.Context, chatIdentityID, eventID string) error {
	q := r.db.Rebind(`DELETE FROM processed_events WHERE chat_identity_id = ? AND event_id = ?`)
	_, err := r.db.ExecContext(ctx, q, chatIdentityID, eventID)
	return err
}

// Sweep deletes records older than cutoff.
func (r *EventRepo) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	q := r.db.Rebind(`DELETE FROM processed_events WHERE processed_at < ?`)
	res, err := r.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
