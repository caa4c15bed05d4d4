package database

import (
	"context"
	"fmt"
	"time"
)

// AuditEvent is one relay lifecycle record. Only the token reference and
// the masked PAN are stored; raw card data never reaches this table.
type AuditEvent struct {
	RequestID  string    `json:"request_id"`
	MerchantID string    `json:"merchant_id"`
	SessionID  string    `json:"session_id"`
	Event      string    `json:"event"` // "token_issued", "purchase_ok", "purchase_failed"
	TokenRef   string    `json:"token_ref"`
	MaskedPAN  string    `json:"masked_pan"`
	CreatedAt  time.Time `json:"created_at"`
}

// InsertAuditEvent records a relay event.
func (c *Connection) InsertAuditEvent(ctx context.Context, ev AuditEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO relay_audit_events
			(request_id, merchant_id, session_id, event, token_ref, masked_pan, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NOW())
	`, ev.RequestID, ev.MerchantID, ev.SessionID, ev.Event, ev.TokenRef, ev.MaskedPAN)

	if err != nil {
		return fmt.Errorf("error inserting audit event: %v", err)
	}
	return nil
}

// RecentAuditEvents lists the latest events for one merchant.
func (c *Connection) RecentAuditEvents(ctx context.Context, merchantID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, `
		SELECT request_id, merchant_id, session_id, event, token_ref, masked_pan, created_at
		FROM relay_audit_events
		WHERE merchant_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, merchantID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying audit events: %v", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		if err := rows.Scan(&ev.RequestID, &ev.MerchantID, &ev.SessionID,
			&ev.Event, &ev.TokenRef, &ev.MaskedPAN, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning audit event: %v", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
