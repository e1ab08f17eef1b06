package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// UpsertUser publishes the wallet's public key and profile. An empty username
// keeps whatever name is already stored, so logging in again without
// -username does not wipe the profile; is_searchable always follows the
// caller.
func (c *Client) UpsertUser(ctx context.Context, u User) (User, error) {
	var out User
	err := c.pool.QueryRow(ctx, `
		INSERT INTO users (wallet_address, public_encryption_key, username, is_searchable)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (wallet_address) DO UPDATE SET
			public_encryption_key = EXCLUDED.public_encryption_key,
			username = COALESCE(EXCLUDED.username, users.username),
			is_searchable = EXCLUDED.is_searchable
		RETURNING wallet_address, public_encryption_key, COALESCE(username, ''), is_searchable`,
		u.WalletAddress, u.PublicEncryptionKey, u.Username, u.IsSearchable,
	).Scan(&out.WalletAddress, &out.PublicEncryptionKey, &out.Username, &out.IsSearchable)
	if err != nil {
		return User{}, fmt.Errorf("relay: upsert user: %w", err)
	}
	return out, nil
}

func (c *Client) UserByWallet(ctx context.Context, wallet string) (User, error) {
	var out User
	err := c.pool.QueryRow(ctx, `
		SELECT wallet_address, public_encryption_key, COALESCE(username, ''), is_searchable
		FROM users WHERE wallet_address = $1`, wallet,
	).Scan(&out.WalletAddress, &out.PublicEncryptionKey, &out.Username, &out.IsSearchable)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("relay: fetch user: %w", err)
	}
	return out, nil
}

func (c *Client) UsersByWallets(ctx context.Context, wallets []string) ([]User, error) {
	if len(wallets) == 0 {
		return nil, nil
	}
	rows, err := c.pool.Query(ctx, `
		SELECT wallet_address, public_encryption_key, COALESCE(username, ''), is_searchable
		FROM users WHERE wallet_address = ANY($1)`, wallets)
	if err != nil {
		return nil, fmt.Errorf("relay: fetch users: %w", err)
	}
	return collectUsers(rows)
}

func (c *Client) SearchUsers(ctx context.Context, term, excludeWallet string) ([]User, error) {
	pattern := "%" + term + "%"
	rows, err := c.pool.Query(ctx, `
		SELECT wallet_address, public_encryption_key, COALESCE(username, ''), is_searchable
		FROM users
		WHERE is_searchable
		  AND wallet_address <> $2
		  AND (username ILIKE $1 OR wallet_address ILIKE $1)`, pattern, excludeWallet)
	if err != nil {
		return nil, fmt.Errorf("relay: search users: %w", err)
	}
	return collectUsers(rows)
}

func collectUsers(rows pgx.Rows) ([]User, error) {
	defer rows.Close()
	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.WalletAddress, &u.PublicEncryptionKey, &u.Username, &u.IsSearchable); err != nil {
			return nil, fmt.Errorf("relay: scan user: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("relay: iterate users: %w", err)
	}
	return out, nil
}
