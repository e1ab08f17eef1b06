package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"solchat/internal/codec"
	"solchat/internal/config"
	"solchat/internal/cryptobox"
	"solchat/internal/domain"
	"solchat/internal/observability/metrics"
	"solchat/internal/relay"
)

// Scanner discovers conversation partners by walking the caller's inbox
// newest-first in fixed pages. Discovery is inherently a full scan: routing
// tags hide who a row is from until it is decrypted, so there is nothing to
// index server-side. The walk is bounded by MaxScan to keep huge inboxes from
// pinning the client.
type Scanner struct {
	store  relay.Store
	dir    relay.Directory
	me     Identity
	logger *slog.Logger

	// Chunk rows per page, MaxScan rows total.
	Chunk   int
	MaxScan int
}

func NewScanner(store relay.Store, dir relay.Directory, me Identity, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		store:   store,
		dir:     dir,
		me:      me,
		logger:  logger,
		Chunk:   config.DefaultScanChunk,
		MaxScan: config.DefaultScanMax,
	}
}

// Scan walks the inbox and invokes onUpdate with a fresh contact snapshot
// after every page that surfaced a new partner, so early results render while
// deep history is still being paged. Contacts keep first-seen order: the scan
// is newest-first, so the first row naming a partner is also that partner's
// most recent message. A page fetch error aborts the scan with no further
// updates; everything already delivered stays valid.
func (s *Scanner) Scan(ctx context.Context, onUpdate func([]domain.Contact)) error {
	myHash := cryptobox.HashAddress(s.me.WalletAddress)
	var (
		order    []string
		partners = make(map[string]*domain.Contact)
		profiled = make(map[string]bool)
		fetched  int
	)
	for fetched < s.MaxScan {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := s.store.InboxPage(ctx, myHash, fetched, s.Chunk)
		if err != nil {
			return fmt.Errorf("reconcile: sidebar page at %d: %w", fetched, err)
		}
		if len(rows) == 0 {
			break
		}
		metrics.SidebarScanRowsTotal.Add(float64(len(rows)))
		foundNew := false
		for _, row := range rows {
			partner, c, inbound, ok := s.decodeForSidebar(row)
			if !ok {
				continue
			}
			known, seen := partners[partner]
			if !seen {
				order = append(order, partner)
				partners[partner] = &c
				known = &c
				foundNew = true
			}
			if inbound && row.Status != domain.StatusRead {
				known.Unread++
			}
		}
		if foundNew {
			s.enrich(ctx, partners, profiled)
			onUpdate(snapshot(order, partners))
		}
		fetched += len(rows)
		if len(rows) < s.Chunk {
			break
		}
	}
	if len(order) > 0 {
		onUpdate(snapshot(order, partners))
	}
	return nil
}

// decodeForSidebar extracts the counterpart wallet from one row. Only
// anonymous envelopes carry enough to attribute a row; everything else is
// skipped. inbound reports whether the contact sent the row, as opposed to a
// self copy of an outbound message.
func (s *Scanner) decodeForSidebar(row relay.Row) (partner string, c domain.Contact, inbound, ok bool) {
	env, err := codec.DecodeEnvelope(row.EncryptedContent, row.Nonce, row.EphemeralPublicKey)
	if err != nil || env.Kind != codec.KindAnonymous {
		return "", domain.Contact{}, false, false
	}
	plaintext, opened := cryptobox.DecryptAnonymous(s.me.Keys.Secret, env.EphemeralPublicKey, env.Ciphertext, env.Nonce)
	if !opened {
		return "", domain.Contact{}, false, false
	}
	payload, valid := codec.DecodePayload(plaintext)
	if !valid {
		return "", domain.Contact{}, false, false
	}
	msg := domain.Message{Sender: payload.Sender, Recipient: payload.Recipient}
	partner = msg.Counterpart(s.me.WalletAddress)
	inbound = payload.Sender != s.me.WalletAddress
	if partner == "" || partner == s.me.WalletAddress {
		return "", domain.Contact{}, false, false
	}
	c = domain.Contact{
		WalletAddress: partner,
		LastMessageAt: row.CreatedAt,
		LastText:      payload.Text,
	}
	return partner, c, inbound, true
}

// enrich fills usernames and public keys for partners not yet profiled. A
// directory failure downgrades the sidebar to bare addresses; it never stops
// the scan.
func (s *Scanner) enrich(ctx context.Context, partners map[string]*domain.Contact, profiled map[string]bool) {
	var missing []string
	for wallet := range partners {
		if !profiled[wallet] {
			missing = append(missing, wallet)
		}
	}
	if len(missing) == 0 {
		return
	}
	users, err := s.dir.UsersByWallets(ctx, missing)
	if err != nil {
		s.logger.Warn("sidebar profile lookup failed", "wallets", len(missing), "error", err)
		return
	}
	for _, u := range users {
		profiled[u.WalletAddress] = true
		if c, ok := partners[u.WalletAddress]; ok {
			c.Username = u.Username
			c.PublicEncryptionKey = u.PublicEncryptionKey
		}
	}
}

func snapshot(order []string, partners map[string]*domain.Contact) []domain.Contact {
	out := make([]domain.Contact, 0, len(order))
	for _, wallet := range order {
		out = append(out, *partners[wallet])
	}
	return out
}
