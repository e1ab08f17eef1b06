package domain

import "time"

// Contact is a conversation counterpart discovered through the inbox scan or
// the user directory.
type Contact struct {
	WalletAddress       string
	Username            string
	PublicEncryptionKey string
	LastMessageAt       time.Time
	LastText            string
	Unread              int
}
