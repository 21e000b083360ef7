package store

import (
	"context"
	"time"
)

type WebsocketSessions struct {
	db DB
}

func NewWebsocketSessions(db DB) *WebsocketSessions {
	return &WebsocketSessions{db: db}
}

func (w *WebsocketSessions) Save(ctx context.Context, sessionID, operatorID, topic string) error {
	_, err := w.db.Exec(ctx, `
		INSERT INTO websocket_sessions(session_id, operator_id, topic, connected_at, last_heartbeat)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (session_id) DO UPDATE SET last_heartbeat=NOW()
	`, sessionID, operatorID, topic)
	return err
}

func (w *WebsocketSessions) Delete(ctx context.Context, sessionID string) error {
	_, err := w.db.Exec(ctx, `DELETE FROM websocket_sessions WHERE session_id=$1`, sessionID)
	return err
}

func (w *WebsocketSessions) Heartbeat(ctx context.Context, sessionID string) error {
	_, err := w.db.Exec(ctx, `UPDATE websocket_sessions SET last_heartbeat=NOW() WHERE session_id=$1`, sessionID)
	return err
}

// Cleanup removes sessions without a heartbeat for longer than idle.
func (w *WebsocketSessions) Cleanup(ctx context.Context, idle time.Duration) error {
	_, err := w.db.Exec(ctx, `
		DELETE FROM websocket_sessions WHERE last_heartbeat < NOW() - ($1 * INTERVAL '1 second')
	`, int(idle.Seconds()))
	return err
}
