package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"solchat/internal/codec"
	"solchat/internal/cryptobox"
	"solchat/internal/domain"
	"solchat/internal/observability/metrics"
	"solchat/internal/relay"
)

// Send performs the dual write: one envelope under the sender's own key and
// routing tag, one under the recipient's. The self copy goes first so the
// sender's own log stays complete even when the second insert fails. There is
// no rollback; a failed recipient leg is surfaced as an error and the caller
// may retry, producing at worst a duplicate self copy.
func (r *Reconciler) Send(ctx context.Context, conv *Conversation, text string) (relay.Row, error) {
	payload, err := codec.EncodePayload(codec.Payload{
		Text:      text,
		Sender:    r.me.WalletAddress,
		Recipient: conv.Contact.WalletAddress,
	})
	if err != nil {
		return relay.Row{}, fmt.Errorf("reconcile: encode payload: %w", err)
	}

	selfRow, err := r.sealAndInsert(ctx, payload, r.me.Keys.Public, cryptobox.HashAddress(r.me.WalletAddress))
	if err != nil {
		metrics.EnvelopesSentTotal.WithLabelValues("self_failed").Inc()
		return relay.Row{}, fmt.Errorf("reconcile: self leg: %w", err)
	}
	metrics.EnvelopesSentTotal.WithLabelValues("self").Inc()

	theirKey, err := cryptobox.DecodeKey(conv.Contact.PublicEncryptionKey)
	if err != nil {
		return selfRow, fmt.Errorf("reconcile: recipient key: %w", err)
	}
	if _, err := r.sealAndInsert(ctx, payload, theirKey, cryptobox.HashAddress(conv.Contact.WalletAddress)); err != nil {
		metrics.EnvelopesSentTotal.WithLabelValues("recipient_failed").Inc()
		return selfRow, fmt.Errorf("reconcile: recipient leg: %w", err)
	}
	metrics.EnvelopesSentTotal.WithLabelValues("recipient").Inc()
	return selfRow, nil
}

func (r *Reconciler) sealAndInsert(ctx context.Context, plaintext []byte, recipient [cryptobox.KeySize]byte, receiverHash string) (relay.Row, error) {
	sealed, err := cryptobox.EncryptAnonymous(recipient, plaintext)
	if err != nil {
		return relay.Row{}, err
	}
	ct, nonce, eph := codec.EncodeSealed(sealed)
	return r.store.Insert(ctx, relay.NewRow{
		ReceiverHash:       receiverHash,
		EncryptedContent:   ct,
		Nonce:              nonce,
		EphemeralPublicKey: eph,
	})
}

// MarkRead flips every unread inbound message of the open conversation to
// read. Safe to call repeatedly: already-read rows are filtered here and
// guarded again relay-side.
func (r *Reconciler) MarkRead(ctx context.Context, conv *Conversation) error {
	var ids []uuid.UUID
	for _, m := range conv.Messages {
		if m.Sender == conv.Contact.WalletAddress && m.Status != domain.StatusRead {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := r.store.MarkRead(ctx, ids); err != nil {
		return fmt.Errorf("reconcile: mark read: %w", err)
	}
	return nil
}

// ToggleReaction adds or removes this wallet's emoji on a message and writes
// the whole reaction map back. Last write wins under concurrent edits.
func (r *Reconciler) ToggleReaction(ctx context.Context, conv *Conversation, id uuid.UUID, emoji string) error {
	msg, ok := conv.MessageByID(id)
	if !ok {
		return fmt.Errorf("reconcile: toggle reaction: unknown message %s", id)
	}
	updated := msg.Reactions.Toggle(emoji, r.me.WalletAddress)
	if err := r.store.UpdateReactions(ctx, id, updated); err != nil {
		return fmt.Errorf("reconcile: toggle reaction: %w", err)
	}
	return nil
}
