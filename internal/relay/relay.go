// Package relay is the client for the shared, untrusted backend. The relay
// offers exactly three primitives — row storage with filtered range queries,
// a change feed over row mutations, and a blob store — plus the public user
// directory. It only ever sees ciphertext, routing tags and envelope
// metadata.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"solchat/internal/domain"
)

var (
	ErrBlobNotFound = errors.New("relay: blob not found")
	ErrUserNotFound = errors.New("relay: user not found")
	ErrRowNotFound  = errors.New("relay: row not found")
)

// Row is the stored shape of a message: opaque to the relay, addressed only
// by the receiver's routing tag.
type Row struct {
	ID                 uuid.UUID
	CreatedAt          time.Time
	ReceiverHash       string
	EncryptedContent   string
	Nonce              string
	EphemeralPublicKey string
	Status             domain.Status
	Reactions          domain.Reactions
	IsFile             bool
	FileInfo           *domain.FileInfo
}

// NewRow is the client-supplied subset of a Row; id and created_at are
// relay-assigned.
type NewRow struct {
	ReceiverHash       string
	EncryptedContent   string
	Nonce              string
	EphemeralPublicKey string
	IsFile             bool
	FileInfo           *domain.FileInfo
}

// Event is one change-feed notification. Events for a given routing tag
// arrive in relay commit order; no ordering holds across tags.
type Event struct {
	Op  string // "INSERT" or "UPDATE"
	Row Row
}

// User is a directory entry. Only the public encryption key is stored; the
// secret key never leaves the client.
type User struct {
	WalletAddress       string
	PublicEncryptionKey string
	Username            string
	IsSearchable        bool
}

// Store is the row-storage primitive.
type Store interface {
	Insert(ctx context.Context, row NewRow) (Row, error)
	// InboxAsc returns every row for a routing tag ordered by
	// (created_at, id) ascending.
	InboxAsc(ctx context.Context, receiverHash string) ([]Row, error)
	// InboxPage returns one descending page of a routing tag's rows, newest
	// first, for the bounded sidebar scan.
	InboxPage(ctx context.Context, receiverHash string, offset, limit int) ([]Row, error)
	RowByID(ctx context.Context, id uuid.UUID) (Row, error)
	// MarkRead sets status to read for the given rows; already-read rows are
	// untouched, so re-marking is a no-op.
	MarkRead(ctx context.Context, ids []uuid.UUID) error
	// UpdateReactions writes the whole reaction map, last writer wins.
	UpdateReactions(ctx context.Context, id uuid.UUID, reactions domain.Reactions) error
	UpdateFileInfo(ctx context.Context, id uuid.UUID, info *domain.FileInfo) error
}

// Feed is the publish/subscribe primitive. The returned channel closes when
// ctx is cancelled or the connection drops; resubscription is the caller's
// concern, never automatic.
type Feed interface {
	Subscribe(ctx context.Context, receiverHash string) (<-chan Event, error)
}

// BlobStore holds opaque encrypted payloads keyed by path.
type BlobStore interface {
	Upload(ctx context.Context, path string, data []byte) error
	Download(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// Directory is the wallet-to-public-key lookup service.
type Directory interface {
	UpsertUser(ctx context.Context, u User) (User, error)
	UserByWallet(ctx context.Context, wallet string) (User, error)
	UsersByWallets(ctx context.Context, wallets []string) ([]User, error)
	// SearchUsers matches username or wallet prefix among searchable users,
	// excluding the caller.
	SearchUsers(ctx context.Context, term, excludeWallet string) ([]User, error)
}
