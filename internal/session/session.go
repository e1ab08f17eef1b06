// Package session persists the subset of client state that must survive a
// process restart: wallet address, derived key pair and profile. Message
// caches and subscriptions are always rebuilt fresh and never stored.
package session

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"solchat/internal/cryptobox"
)

var (
	// ErrCorruptSession means the persisted key material failed its shape
	// check on reload. The only safe reaction is a forced logout and a fresh
	// challenge signature; the stored bytes are never repaired or guessed at.
	ErrCorruptSession = errors.New("session: persisted key material is corrupt")
	ErrNoSession      = errors.New("session: no stored session")
)

// State is the restartable identity. The secret key lives here and in memory
// only; it is never written to the relay.
type State struct {
	WalletAddress string
	Keys          cryptobox.KeyPair
	Username      string
	Searchable    bool
}

// identityRecord is the stored shape. SecretKey is a raw fixed-width byte
// column, not a dynamically typed structure, so reloading needs no
// reconstruction step.
type identityRecord struct {
	ID            uint `gorm:"primaryKey"`
	WalletAddress string
	PublicKey     string
	SecretKey     []byte
	Username      string
	Searchable    bool
	UpdatedAt     time.Time
}

func (identityRecord) TableName() string { return "identity" }

type Store struct {
	db *gorm.DB
}

// Open opens (and migrates) the local session database.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("session: open store: %w", err)
	}
	if err := db.AutoMigrate(&identityRecord{}); err != nil {
		return nil, fmt.Errorf("session: migrate store: %w", err)
	}
	return &Store{db: db}, nil
}

// Save replaces the stored session with st.
func (s *Store) Save(st State) error {
	rec := identityRecord{
		ID:            1,
		WalletAddress: st.WalletAddress,
		PublicKey:     cryptobox.EncodeKey(st.Keys.Public),
		SecretKey:     append([]byte(nil), st.Keys.Secret[:]...),
		Username:      st.Username,
		Searchable:    st.Searchable,
	}
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	return nil
}

// Load restores the stored session. Any shape mismatch in the key material is
// ErrCorruptSession, which callers must treat as a forced logout.
func (s *Store) Load() (State, error) {
	var rec identityRecord
	err := s.db.First(&rec, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return State{}, ErrNoSession
	}
	if err != nil {
		return State{}, fmt.Errorf("session: load: %w", err)
	}
	if len(rec.SecretKey) != cryptobox.KeySize {
		return State{}, ErrCorruptSession
	}
	pub, err := cryptobox.DecodeKey(rec.PublicKey)
	if err != nil {
		return State{}, ErrCorruptSession
	}
	st := State{
		WalletAddress: rec.WalletAddress,
		Username:      rec.Username,
		Searchable:    rec.Searchable,
	}
	st.Keys.Public = pub
	copy(st.Keys.Secret[:], rec.SecretKey)
	return st, nil
}

// Clear wipes the stored session (logout).
func (s *Store) Clear() error {
	if err := s.db.Delete(&identityRecord{}, 1).Error; err != nil {
		return fmt.Errorf("session: clear: %w", err)
	}
	return nil
}
