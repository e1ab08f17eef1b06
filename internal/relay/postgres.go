package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"solchat/internal/domain"
)

// Config wires a relay client to one backend and one wallet session.
type Config struct {
	DatabaseURL   string
	JWTSecret     string
	WalletAddress string
	TokenTTL      time.Duration
	Logger        *slog.Logger
}

// Client implements Store, Feed, BlobStore and Directory against Postgres:
// rows over regular queries, the change feed over LISTEN/NOTIFY, blobs in a
// bytea table.
type Client struct {
	pool   *pgxpool.Pool
	dsn    string
	logger *slog.Logger
}

var (
	_ Store     = (*Client)(nil)
	_ Feed      = (*Client)(nil)
	_ BlobStore = (*Client)(nil)
	_ Directory = (*Client)(nil)
)

// New connects the pool. When a session secret is configured, every
// connection installs the wallet's verified claims as the request.jwt.claims
// setting so relay-side row policies can consult them.
func New(ctx context.Context, cfg Config) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("relay: parse database url: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.JWTSecret != "" {
		ttl := cfg.TokenTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		token, err := MintSessionToken([]byte(cfg.JWTSecret), cfg.WalletAddress, ttl)
		if err != nil {
			return nil, err
		}
		claims, err := ParseSessionToken([]byte(cfg.JWTSecret), token)
		if err != nil {
			return nil, err
		}
		claimsJSON, err := json.Marshal(claims)
		if err != nil {
			return nil, fmt.Errorf("relay: marshal session claims: %w", err)
		}
		poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, `SELECT set_config('request.jwt.claims', $1, false)`, string(claimsJSON))
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("relay: connect: %w", err)
	}
	return &Client{pool: pool, dsn: cfg.DatabaseURL, logger: logger}, nil
}

func (c *Client) Close() {
	c.pool.Close()
}

const rowColumns = `id, created_at, receiver_hash, encrypted_content, nonce,
	ephemeral_public_key, status, reactions, is_file, file_info`

func (c *Client) Insert(ctx context.Context, row NewRow) (Row, error) {
	var infoJSON []byte
	if row.FileInfo != nil {
		var err error
		infoJSON, err = json.Marshal(row.FileInfo)
		if err != nil {
			return Row{}, fmt.Errorf("relay: marshal file info: %w", err)
		}
	}
	var out Row
	err := scanRow(c.pool.QueryRow(ctx, `
		INSERT INTO messages (receiver_hash, encrypted_content, nonce, ephemeral_public_key, is_file, file_info)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+rowColumns,
		row.ReceiverHash, row.EncryptedContent, row.Nonce, row.EphemeralPublicKey, row.IsFile, infoJSON,
	), &out)
	if err != nil {
		return Row{}, fmt.Errorf("relay: insert message: %w", err)
	}
	return out, nil
}

func (c *Client) InboxAsc(ctx context.Context, receiverHash string) ([]Row, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT `+rowColumns+` FROM messages
		WHERE receiver_hash = $1
		ORDER BY created_at ASC, id ASC`, receiverHash)
	if err != nil {
		return nil, fmt.Errorf("relay: fetch inbox: %w", err)
	}
	return collectRows(rows)
}

func (c *Client) InboxPage(ctx context.Context, receiverHash string, offset, limit int) ([]Row, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT `+rowColumns+` FROM messages
		WHERE receiver_hash = $1
		ORDER BY created_at DESC, id DESC
		OFFSET $2 LIMIT $3`, receiverHash, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("relay: fetch inbox page: %w", err)
	}
	return collectRows(rows)
}

func (c *Client) RowByID(ctx context.Context, id uuid.UUID) (Row, error) {
	var out Row
	err := scanRow(c.pool.QueryRow(ctx, `
		SELECT `+rowColumns+` FROM messages WHERE id = $1`, id), &out)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrRowNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("relay: fetch row: %w", err)
	}
	return out, nil
}

func (c *Client) MarkRead(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.pool.Exec(ctx, `
		UPDATE messages SET status = 'read'
		WHERE id = ANY($1) AND status <> 'read'`, ids)
	if err != nil {
		return fmt.Errorf("relay: mark read: %w", err)
	}
	return nil
}

func (c *Client) UpdateReactions(ctx context.Context, id uuid.UUID, reactions domain.Reactions) error {
	if reactions == nil {
		reactions = domain.Reactions{}
	}
	data, err := json.Marshal(reactions)
	if err != nil {
		return fmt.Errorf("relay: marshal reactions: %w", err)
	}
	_, err = c.pool.Exec(ctx, `UPDATE messages SET reactions = $2 WHERE id = $1`, id, data)
	if err != nil {
		return fmt.Errorf("relay: update reactions: %w", err)
	}
	return nil
}

func (c *Client) UpdateFileInfo(ctx context.Context, id uuid.UUID, info *domain.FileInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("relay: marshal file info: %w", err)
	}
	_, err = c.pool.Exec(ctx, `UPDATE messages SET file_info = $2 WHERE id = $1`, id, data)
	if err != nil {
		return fmt.Errorf("relay: update file info: %w", err)
	}
	return nil
}

type pgxScanner interface {
	Scan(dest ...any) error
}

func scanRow(src pgxScanner, out *Row) error {
	var (
		reactionsJSON []byte
		fileInfoJSON  []byte
		status        string
	)
	if err := src.Scan(
		&out.ID, &out.CreatedAt, &out.ReceiverHash, &out.EncryptedContent, &out.Nonce,
		&out.EphemeralPublicKey, &status, &reactionsJSON, &out.IsFile, &fileInfoJSON,
	); err != nil {
		return err
	}
	out.Status = domain.Status(status)
	out.Reactions = domain.Reactions{}
	if len(reactionsJSON) > 0 {
		if err := json.Unmarshal(reactionsJSON, &out.Reactions); err != nil {
			return fmt.Errorf("decode reactions: %w", err)
		}
	}
	if len(fileInfoJSON) > 0 {
		info := &domain.FileInfo{}
		if err := json.Unmarshal(fileInfoJSON, info); err != nil {
			return fmt.Errorf("decode file info: %w", err)
		}
		out.FileInfo = info
	}
	return nil
}

func collectRows(rows pgx.Rows) ([]Row, error) {
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var r Row
		if err := scanRow(rows, &r); err != nil {
			return nil, fmt.Errorf("relay: scan row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("relay: iterate rows: %w", err)
	}
	return out, nil
}
