package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	DeliverableCreated         = "deliverable.created"
	DeliverableScanned         = "deliverable.scanned"
	DeliverableStarted         = "deliverable.started"
	DeliverableDone            = "deliverable.done"
	DeliverablePriorityChanged = "deliverable.priority_changed"
	DeliverableDeadlineChanged = "deliverable.deadline_changed"
	DeliverableTagged          = "deliverable.tagged"
	DeliverableDeleted         = "deliverable.deleted"
	DeliverableOverdue         = "deliverable.overdue"
	UserRegistered             = "user.registered"
	UserUpdated                = "user.updated"
	UserPasswordChanged        = "user.password_changed"
	APIKeyCreated              = "apikey.created"
	APIKeyRevoked              = "apikey.revoked"
	SnapshotImported           = "snapshot.imported"
)

type EventPayload map[string]any

// Change is an event waiting to be appended next to the write that caused it.
type Change struct {
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

type Writer struct {
	Now func() time.Time
}

// Timestamp formats the current time the way events are stored.
func (w Writer) Timestamp() string {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	return now().UTC().Format(time.RFC3339Nano)
}

// Append inserts c inside tx and returns the new event id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, c Change) (int64, error) {
	data, err := Encode(c.Payload)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		w.Timestamp(), c.Type, c.EntityKind, nullable(c.EntityID), c.ActorID, data)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", c.Type, err)
	}
	return res.LastInsertId()
}

// Encode renders a payload as stored in payload_json.
func Encode(payload EventPayload) (string, error) {
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
