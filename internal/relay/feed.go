package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type notification struct {
	Op           string    `json:"op"`
	ID           uuid.UUID `json:"id"`
	ReceiverHash string    `json:"receiver_hash"`
}

// Subscribe opens a dedicated connection, LISTENs on the message channel and
// delivers events whose routing tag matches. The notification only names the
// row; the full row is re-fetched through the pool so ciphertext never rides
// the NOTIFY payload. The channel closes when ctx is cancelled or the
// connection drops; there is no automatic resubscribe.
func (c *Client) Subscribe(ctx context.Context, receiverHash string) (<-chan Event, error) {
	conn, err := pgx.Connect(ctx, c.dsn)
	if err != nil {
		return nil, fmt.Errorf("relay: feed connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("relay: listen: %w", err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer func() {
			// The subscribe context is likely cancelled already; closing
			// must not depend on it.
			_ = conn.Close(context.Background())
		}()
		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("relay: feed connection dropped", "error", err)
				}
				return
			}
			var note notification
			if err := json.Unmarshal([]byte(n.Payload), &note); err != nil {
				c.logger.Warn("relay: malformed feed payload", "error", err)
				continue
			}
			if note.ReceiverHash != receiverHash {
				continue
			}
			row, err := c.RowByID(ctx, note.ID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("relay: feed row fetch failed", "id", note.ID, "error", err)
				continue
			}
			select {
			case events <- Event{Op: note.Op, Row: row}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
