package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-identity-link/internal/conversation"
)

// StateRepo is a durable conversation.Store backed by conversation_states.
// Rows past expires_at read as idle and are removed by Sweep.
type StateRepo struct {
	db  *sqlx.DB
	ttl time.Duration
	now func() time.Time
}

func NewStateRepo(db *sqlx.DB, ttl time.Duration) *StateRepo {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &StateRepo{db: db, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock replaces the time source.
func (r *StateRepo) SetClock(now func() time.Time) { r.now = now }

type stateRow struct {
	ChatIdentityID string         `db:"chat_identity_id"`
	FlowKind       string         `db:"flow_kind"`
	FlowPayload    string         `db:"flow_payload"`
	PendingAction  sql.NullString `db:"pending_action"`
	UpdatedAt      time.Time      `db:"updated_at"`
	ExpiresAt      time.Time      `db:"expires_at"`
}

func (r *StateRepo) Get(ctx context.Context, chatIdentityID string) (*conversation.State, error) {
	q := r.db.Rebind(`SELECT chat_identity_id, flow_kind, flow_payload, pending_action, updated_at, expires_at
		FROM conversation_states WHERE chat_identity_id = ?`)
	var row stateRow
	if err := r.db.GetContext(ctx, &row, q, chatIdentityID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return conversation.NewIdle(chatIdentityID), nil
		}
		return nil, fmt.Errorf("get conversation state: %w", err)
	}
	if !r.now().Before(row.ExpiresAt) {
		return conversation.NewIdle(chatIdentityID), nil
	}
	flow, err := conversation.UnmarshalFlow(conversation.FlowKind(row.FlowKind), []byte(row.FlowPayload))
	if err != nil {
		return nil, err
	}
	st := &conversation.State{ChatIdentityID: row.ChatIdentityID, Flow: flow, UpdatedAt: row.UpdatedAt}
	if row.PendingAction.Valid && row.PendingAction.String != "" {
		var p conversation.PendingAction
		if err := json.Unmarshal([]byte(row.PendingAction.String), &p); err != nil {
			return nil, fmt.Errorf("unmarshal pending action: %w", err)
		}
		st.Pending = &p
	}
	return st, nil
}

func (r *StateRepo) Set(ctx context.Context, s *conversation.State) error {
	kind, payload, err := conversation.MarshalFlow(s.Flow)
	if err != nil {
		return err
	}
	var pending sql.NullString
	if s.Pending != nil {
		b, err := json.Marshal(s.Pending)
		if err != nil {
			return fmt.Errorf("marshal pending action: %w", err)
		}
		pending = sql.NullString{String: string(b), Valid: true}
	}
	now := r.now()
	q := r.db.Rebind(`INSERT INTO conversation_states (chat_identity_id, flow_kind, flow_payload, pending_action, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_identity_id) DO UPDATE SET
		  flow_kind = excluded.flow_kind,
		  flow_payload = excluded.flow_payload,
		  pending_action = excluded.pending_action,
		  updated_at = excluded.updated_at,
		  expires_at = excluded.expires_at`)
	if _, err := r.db.ExecContext(ctx, q, s.ChatIdentityID, string(kind), string(payload), pending, now, now.Add(r.ttl)); err != nil {
		return fmt.Errorf("set conversation state: %w", err)
	}
	return nil
}

func (r *StateRepo) Clear(ctx context.Context, chatIdentityID string) error {
	q := r.db.Rebind(`DELETE FROM conversation_states WHERE chat_identity_id = ?`)
	if _, err := r.db.ExecContext(ctx, q, chatIdentityID); err != nil {
		return fmt.Errorf("clear conversation state: %w", err)
	}
	return nil
}

// Sweep deletes expired rows and returns how many were removed.
func (r *StateRepo) Sweep(ctx context.Context) (int64, error) {
	q := r.db.Rebind(`DELETE FROM conversation_states WHERE expires_at <= ?`)
	res, err := r.db.ExecContext(ctx, q, r.now())
	if err != nil {
		return 0, fmt.Errorf("sweep conversation states: %w", err)
	}
	return res.RowsAffected()
}
