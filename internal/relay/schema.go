package relay

import (
	"context"
	"fmt"
)

const notifyChannel = "solchat_messages"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		created_at timestamptz NOT NULL DEFAULT now(),
		receiver_hash text NOT NULL,
		encrypted_content text NOT NULL,
		nonce text NOT NULL,
		ephemeral_public_key text NOT NULL DEFAULT '',
		status text NOT NULL DEFAULT 'sent',
		reactions jsonb NOT NULL DEFAULT '{}'::jsonb,
		is_file boolean NOT NULL DEFAULT false,
		file_info jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_receiver_created
		ON messages (receiver_hash, created_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS users (
		wallet_address text PRIMARY KEY,
		public_encryption_key text NOT NULL,
		username text,
		is_searchable boolean NOT NULL DEFAULT true
	)`,
	`CREATE TABLE IF NOT EXISTS blobs (
		path text PRIMARY KEY,
		data bytea NOT NULL
	)`,
	`CREATE OR REPLACE FUNCTION solchat_notify_message() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('solchat_messages', json_build_object(
			'op', TG_OP,
			'id', NEW.id,
			'receiver_hash', NEW.receiver_hash
		)::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS messages_notify ON messages`,
	`CREATE TRIGGER messages_notify
		AFTER INSERT OR UPDATE ON messages
		FOR EACH ROW EXECUTE FUNCTION solchat_notify_message()`,
}

// Migrate creates the relay schema if absent. The notify trigger keeps
// payloads small: it carries only the operation, row id and routing tag, and
// subscribers re-fetch the row, so ciphertext size never hits the NOTIFY
// payload limit.
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("relay: migrate: %w", err)
		}
	}
	return nil
}
