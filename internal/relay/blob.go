package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

func (c *Client) Upload(ctx context.Context, path string, data []byte) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO blobs (path, data) VALUES ($1, $2)
		ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data`, path, data)
	if err != nil {
		return fmt.Errorf("relay: upload blob: %w", err)
	}
	return nil
}

func (c *Client) Download(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := c.pool.QueryRow(ctx, `SELECT data FROM blobs WHERE path = $1`, path).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("relay: download blob: %w", err)
	}
	return data, nil
}

func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM blobs WHERE path = $1`, path)
	if err != nil {
		return fmt.Errorf("relay: delete blob: %w", err)
	}
	return nil
}
