package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status is the relay-visible delivery state of a message row. Only the
// recipient moves a row forward; re-marking an already-read row is a no-op.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Message is the logical entity reconstructed client-side after decryption.
// Sender and recipient are recovered from the plaintext payload; the stored
// row only carries a routing tag.
type Message struct {
	ID        uuid.UUID
	CreatedAt time.Time
	Sender    string
	Recipient string
	Text      string
	Status    Status
	Reactions Reactions
	IsFile    bool
	File      *FileInfo
}

// Counterpart returns the other wallet in the conversation from me's point of
// view.
func (m Message) Counterpart(me string) string {
	if m.Sender == me {
		return m.Recipient
	}
	return m.Sender
}

// Before reports whether m sorts ahead of other: relay-assigned creation time
// ascending, ties broken by id for reproducible ordering.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID.String() < other.ID.String()
}
