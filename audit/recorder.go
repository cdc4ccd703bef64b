package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Writer appends an audit event plus its outbox message inside the caller's
// transaction, so events are never observed ahead of (or without) the state
// change they describe.
type Writer interface {
	Append(ctx context.Context, tx pgx.Tx, topic string, ev Event) error
}

// Recorder is the Postgres-backed Writer.
type Recorder struct{}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Append inserts the event into audit_events and enqueues it on the outbox.
func (r *Recorder) Append(ctx context.Context, tx pgx.Tx, topic string, ev Event) error {
	if ev.Type == "" {
		return fmt.Errorf("audit: missing event type")
	}
	if ev.EntityID == "" {
		return fmt.Errorf("audit: missing entity id")
	}

	payload := ev.Payload
	if payload == nil {
		payload = make(map[string]any, 2)
	}
	payload["entity_id"] = ev.EntityID
	if ev.Actor != "" {
		payload["actor"] = ev.Actor
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}

	var actor any
	if ev.Actor != "" {
		actor = ev.Actor
	}

	const insertEvent = `
INSERT INTO audit_events (event_type, entity_id, actor, payload)
VALUES ($1, $2, $3, $4);
`
	if _, err := tx.Exec(ctx, insertEvent, string(ev.Type), ev.EntityID, actor, payloadBytes); err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}

	outboxPayload, err := json.Marshal(map[string]any{
		"event_type": string(ev.Type),
		"entity_id":  ev.EntityID,
		"data":       payload,
	})
	if err != nil {
		return fmt.Errorf("audit: marshal outbox payload: %w", err)
	}

	const insertOutbox = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2);
`
	if _, err := tx.Exec(ctx, insertOutbox, topic, outboxPayload); err != nil {
		return fmt.Errorf("audit: insert outbox message: %w", err)
	}

	return nil
}
