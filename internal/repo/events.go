package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bountyline/internal/domain"
)

type EventFilters struct {
	BountyID string
	Type     string
	// Before pages backwards from an event id.
	Before int64
	Limit  int
}

func scanNotifications(rows *sql.Rows) ([]domain.Notification, error) {
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var payload string
		if err := rows.Scan(&n.ID, &n.Timestamp, &n.Event, &n.BountyID, &n.FromState, &n.ToState, &n.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
				return nil, fmt.Errorf("decode event %d payload: %w", n.ID, err)
			}
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

const eventColumns = `id,ts,type,bounty_id,from_state,to_state,actor_id,payload_json`

// ListEvents returns events newest first.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Notification, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.BountyID != "" {
		clauses = append(clauses, "bounty_id=?")
		args = append(args, f.BountyID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// WebhookCursor returns the last delivered event id for a webhook, or false when the
// webhook has never delivered.
func (r Repo) WebhookCursor(ctx context.Context, webhookID string) (int64, bool, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM webhook_cursors WHERE webhook_id=?`, webhookID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r Repo) SetWebhookCursor(ctx context.Context, webhookID string, eventID int64, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(webhook_id,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(webhook_id) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`, webhookID, eventID, ts(at))
	return err
}
