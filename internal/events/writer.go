package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends outbox rows inside the caller's transaction, so a notification exists
// if and only if the change it describes was committed.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Record is one outbound notification.
type Record struct {
	Type      string
	BountyID  string
	FromState string
	ToState   string
	ActorID   string
	Payload   EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	payload := rec.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,bounty_id,from_state,to_state,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, rec.Type, rec.BountyID, rec.FromState, rec.ToState, rec.ActorID, string(data))
	return err
}
