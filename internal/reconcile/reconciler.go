// Package reconcile turns the relay's opaque row stream into ordered,
// deduplicated per-conversation message logs. All methods on a Reconciler
// must be called from a single goroutine: the conversation cache has one
// writer by construction, so no locking is needed. Porting to concurrent
// callers would require a mutex or a single-writer actor in front of it.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"solchat/internal/codec"
	"solchat/internal/cryptobox"
	"solchat/internal/domain"
	"solchat/internal/observability/metrics"
	"solchat/internal/relay"
)

// Identity is the local participant: wallet address plus derived keys.
type Identity struct {
	WalletAddress string
	Keys          cryptobox.KeyPair
}

// Reconciler owns the active conversation. Opening a new one abandons the
// previous: its subscription is torn down and any in-flight results for it
// are discarded by generation check, never applied.
type Reconciler struct {
	store  relay.Store
	feed   relay.Feed
	me     Identity
	logger *slog.Logger

	gen    uint64
	cancel context.CancelFunc
}

// Conversation is the live view of one contact pair. Messages is ordered by
// (created_at, id) ascending. Updates delivers feed events coarse-filtered by
// routing tag; the owner applies them with Apply.
type Conversation struct {
	Contact  domain.Contact
	Messages []domain.Message
	Updates  <-chan relay.Event

	gen          uint64
	legacyShared *[cryptobox.KeySize]byte
}

func New(store relay.Store, feed relay.Feed, me Identity, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, feed: feed, me: me, logger: logger}
}

// Open enters Live for a contact: one bulk inbox fetch, decrypt-and-filter,
// then a change-feed subscription on the caller's routing tag. A fetch or
// subscribe error aborts the whole operation; nothing partial is returned.
func (r *Reconciler) Open(ctx context.Context, contact domain.Contact) (*Conversation, error) {
	r.Close()
	r.gen++

	conv := &Conversation{Contact: contact, gen: r.gen}
	if contact.PublicEncryptionKey != "" {
		shared, err := cryptobox.ComputeSharedSecret(r.me.Keys.Secret, contact.PublicEncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("reconcile: contact key: %w", err)
		}
		conv.legacyShared = &shared
	}

	myHash := cryptobox.HashAddress(r.me.WalletAddress)
	rows, err := r.store.InboxAsc(ctx, myHash)
	if err != nil {
		return nil, fmt.Errorf("reconcile: inbox fetch: %w", err)
	}
	for _, row := range rows {
		msg, matches, ok := r.decodeRow(row, conv)
		if !ok || !matches {
			continue
		}
		conv.insertOrdered(msg)
	}

	subCtx, cancel := context.WithCancel(ctx)
	events, err := r.feed.Subscribe(subCtx, myHash)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("reconcile: subscribe: %w", err)
	}
	r.cancel = cancel
	conv.Updates = events
	return conv, nil
}

// Close abandons the active conversation and tears down its subscription.
func (r *Reconciler) Close() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// Apply folds one feed event into the conversation and reports whether the
// rendered log changed. Events belonging to an abandoned conversation are
// discarded, never applied.
func (r *Reconciler) Apply(conv *Conversation, ev relay.Event) bool {
	if conv.gen != r.gen {
		return false
	}
	metrics.FeedEventsTotal.WithLabelValues(ev.Op).Inc()
	switch ev.Op {
	case "INSERT":
		msg, matches, ok := r.decodeRow(ev.Row, conv)
		if !ok || !matches {
			return false
		}
		return conv.insertOrdered(msg)
	case "UPDATE":
		for i := range conv.Messages {
			if conv.Messages[i].ID != ev.Row.ID {
				continue
			}
			conv.Messages[i].Status = ev.Row.Status
			conv.Messages[i].Reactions = ev.Row.Reactions
			if ev.Row.FileInfo != nil {
				conv.Messages[i].File = ev.Row.FileInfo
			}
			return true
		}
		return false
	default:
		return false
	}
}

// decodeRow runs the decrypt-and-filter pass on one row. The bool pair is
// (matches active pair, decrypted at all); an undecryptable row is routine
// noise under hash-bucketed routing and is skipped silently.
func (r *Reconciler) decodeRow(row relay.Row, conv *Conversation) (domain.Message, bool, bool) {
	env, err := codec.DecodeEnvelope(row.EncryptedContent, row.Nonce, row.EphemeralPublicKey)
	if err != nil {
		r.logger.Debug("reconcile: malformed row", "id", row.ID, "error", err)
		metrics.RowsDecryptedTotal.WithLabelValues("malformed").Inc()
		return domain.Message{}, false, false
	}

	var sender, recipient, text string
	switch env.Kind {
	case codec.KindAnonymous:
		plaintext, ok := cryptobox.DecryptAnonymous(r.me.Keys.Secret, env.EphemeralPublicKey, env.Ciphertext, env.Nonce)
		if !ok {
			metrics.RowsDecryptedTotal.WithLabelValues("skipped").Inc()
			return domain.Message{}, false, false
		}
		payload, ok := codec.DecodePayload(plaintext)
		if !ok {
			metrics.RowsDecryptedTotal.WithLabelValues("skipped").Inc()
			return domain.Message{}, false, false
		}
		sender, recipient, text = payload.Sender, payload.Recipient, payload.Text
	case codec.KindLegacy:
		if conv.legacyShared == nil {
			metrics.RowsDecryptedTotal.WithLabelValues("skipped").Inc()
			return domain.Message{}, false, false
		}
		plaintext, ok := cryptobox.DecryptWithSecret(*conv.legacyShared, env.Ciphertext, env.Nonce)
		if !ok {
			metrics.RowsDecryptedTotal.WithLabelValues("skipped").Inc()
			return domain.Message{}, false, false
		}
		payload, ok := codec.DecodeLegacyPayload(plaintext)
		if !ok {
			metrics.RowsDecryptedTotal.WithLabelValues("skipped").Inc()
			return domain.Message{}, false, false
		}
		// Legacy envelopes predate the dual write: anything in my inbox that
		// opens under this pair's shared secret was sent by the contact.
		sender, recipient, text = conv.Contact.WalletAddress, r.me.WalletAddress, payload.Text
	}
	metrics.RowsDecryptedTotal.WithLabelValues("ok").Inc()

	msg := domain.Message{
		ID:        row.ID,
		CreatedAt: row.CreatedAt,
		Sender:    sender,
		Recipient: recipient,
		Text:      text,
		Status:    row.Status,
		Reactions: row.Reactions,
		IsFile:    row.IsFile,
		File:      row.FileInfo,
	}
	matches := (sender == r.me.WalletAddress && recipient == conv.Contact.WalletAddress) ||
		(sender == conv.Contact.WalletAddress && recipient == r.me.WalletAddress)
	return msg, matches, true
}

// insertOrdered places msg by (created_at, id) and dedupes by id. Returns
// false when the id is already present.
func (c *Conversation) insertOrdered(msg domain.Message) bool {
	pos := len(c.Messages)
	for i := range c.Messages {
		if c.Messages[i].ID == msg.ID {
			return false
		}
		if msg.Before(c.Messages[i]) && pos == len(c.Messages) {
			pos = i
		}
	}
	c.Messages = append(c.Messages, domain.Message{})
	copy(c.Messages[pos+1:], c.Messages[pos:])
	c.Messages[pos] = msg
	return true
}

// MessageByID returns the rendered message with the given id, if present.
func (c *Conversation) MessageByID(id uuid.UUID) (domain.Message, bool) {
	for _, m := range c.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return domain.Message{}, false
}
