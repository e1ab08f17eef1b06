package reconcile

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"solchat/internal/codec"
	"solchat/internal/cryptobox"
	"solchat/internal/domain"
	"solchat/internal/relay"
)

var scanBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	rows        []relay.Row
	nextSeq     int
	failAfter   int // fail inserts once this many have succeeded; <0 disables
	markCalls   int
	marked      [][]uuid.UUID
	pagesServed int
}

func newFakeStore() *fakeStore { return &fakeStore{failAfter: -1} }

func (f *fakeStore) add(row relay.Row) relay.Row {
	if row.ID == (uuid.UUID{}) {
		row.ID = uuid.New()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = scanBase.Add(time.Duration(f.nextSeq) * time.Second)
	}
	if row.Status == "" {
		row.Status = domain.StatusSent
	}
	f.nextSeq++
	f.rows = append(f.rows, row)
	return row
}

func (f *fakeStore) Insert(_ context.Context, row relay.NewRow) (relay.Row, error) {
	if f.failAfter >= 0 && len(f.rows) >= f.failAfter {
		return relay.Row{}, errors.New("insert refused")
	}
	return f.add(relay.Row{
		ReceiverHash:       row.ReceiverHash,
		EncryptedContent:   row.EncryptedContent,
		Nonce:              row.Nonce,
		EphemeralPublicKey: row.EphemeralPublicKey,
		IsFile:             row.IsFile,
		FileInfo:           row.FileInfo,
	}), nil
}

func (f *fakeStore) InboxAsc(_ context.Context, receiverHash string) ([]relay.Row, error) {
	var out []relay.Row
	for _, r := range f.rows {
		if r.ReceiverHash == receiverHash {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) InboxPage(_ context.Context, receiverHash string, offset, limit int) ([]relay.Row, error) {
	f.pagesServed++
	all, _ := f.InboxAsc(context.Background(), receiverHash)
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() > all[j].ID.String()
	})
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (f *fakeStore) RowByID(_ context.Context, id uuid.UUID) (relay.Row, error) {
	for _, r := range f.rows {
		if r.ID == id {
			return r, nil
		}
	}
	return relay.Row{}, relay.ErrRowNotFound
}

func (f *fakeStore) MarkRead(_ context.Context, ids []uuid.UUID) error {
	f.markCalls++
	f.marked = append(f.marked, ids)
	for i := range f.rows {
		for _, id := range ids {
			if f.rows[i].ID == id && f.rows[i].Status != domain.StatusRead {
				f.rows[i].Status = domain.StatusRead
			}
		}
	}
	return nil
}

func (f *fakeStore) UpdateReactions(_ context.Context, id uuid.UUID, reactions domain.Reactions) error {
	for i := range f.rows {
		if f.rows[i].ID == id {
			f.rows[i].Reactions = reactions
			return nil
		}
	}
	return relay.ErrRowNotFound
}

func (f *fakeStore) UpdateFileInfo(_ context.Context, id uuid.UUID, info *domain.FileInfo) error {
	for i := range f.rows {
		if f.rows[i].ID == id {
			f.rows[i].FileInfo = info
			return nil
		}
	}
	return relay.ErrRowNotFound
}

type fakeFeed struct {
	ch  chan relay.Event
	err error
}

func (f *fakeFeed) Subscribe(context.Context, string) (<-chan relay.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.ch == nil {
		f.ch = make(chan relay.Event, 16)
	}
	return f.ch, nil
}

type fakeDirectory struct {
	users map[string]relay.User
	err   error
}

func (f *fakeDirectory) UpsertUser(_ context.Context, u relay.User) (relay.User, error) {
	return u, nil
}

func (f *fakeDirectory) UserByWallet(_ context.Context, wallet string) (relay.User, error) {
	u, ok := f.users[wallet]
	if !ok {
		return relay.User{}, relay.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeDirectory) UsersByWallets(_ context.Context, wallets []string) ([]relay.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []relay.User
	for _, w := range wallets {
		if u, ok := f.users[w]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeDirectory) SearchUsers(context.Context, string, string) ([]relay.User, error) {
	return nil, nil
}

func base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func identity(t *testing.T, seed byte) Identity {
	t.Helper()
	sig := make([]byte, 64)
	for i := range sig {
		sig[i] = seed + byte(i)
	}
	keys, err := cryptobox.DeriveKeyPair(sig)
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}
	return Identity{WalletAddress: fmt.Sprintf("wallet-%d", seed), Keys: keys}
}

func contactOf(id Identity) domain.Contact {
	return domain.Contact{
		WalletAddress:       id.WalletAddress,
		PublicEncryptionKey: cryptobox.EncodeKey(id.Keys.Public),
	}
}

// sealTo encrypts a payload to the recipient's key and returns the row
// columns addressed to the given inbox.
func sealTo(t *testing.T, sender, recipient Identity, inboxOwner Identity, text string) relay.Row {
	t.Helper()
	plaintext, err := codec.EncodePayload(codec.Payload{
		Text:      text,
		Sender:    sender.WalletAddress,
		Recipient: recipient.WalletAddress,
	})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	sealed, err := cryptobox.EncryptAnonymous(inboxOwner.Keys.Public, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	ct, nonce, eph := codec.EncodeSealed(sealed)
	return relay.Row{
		ReceiverHash:       cryptobox.HashAddress(inboxOwner.WalletAddress),
		EncryptedContent:   ct,
		Nonce:              nonce,
		EphemeralPublicKey: eph,
	}
}

func TestOpenFiltersAndOrders(t *testing.T) {
	alice := identity(t, 1)
	bob := identity(t, 2)
	carol := identity(t, 3)
	store := newFakeStore()

	// Stored deliberately out of creation order to prove Open re-sorts.
	later := sealTo(t, bob, alice, alice, "second from bob")
	later.CreatedAt = scanBase.Add(time.Minute)
	store.add(later)
	earlier := sealTo(t, alice, bob, alice, "first, self copy")
	earlier.CreatedAt = scanBase
	store.add(earlier)
	// Same pair but a different conversation partner: filtered out.
	store.add(sealTo(t, carol, alice, alice, "from carol"))
	// Addressed to alice's tag but sealed to someone else's key: skipped.
	foreign := sealTo(t, bob, carol, carol, "not for alice")
	foreign.ReceiverHash = cryptobox.HashAddress(alice.WalletAddress)
	store.add(foreign)

	r := New(store, &fakeFeed{}, alice, nil)
	conv, err := r.Open(context.Background(), contactOf(bob))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	if len(conv.Messages) != 2 {
		t.Fatalf("want 2 messages, got %d: %+v", len(conv.Messages), conv.Messages)
	}
	if conv.Messages[0].Text != "first, self copy" || conv.Messages[1].Text != "second from bob" {
		t.Fatalf("wrong order: %q then %q", conv.Messages[0].Text, conv.Messages[1].Text)
	}
	if conv.Messages[1].Sender != bob.WalletAddress || conv.Messages[1].Recipient != alice.WalletAddress {
		t.Fatalf("wrong attribution: %+v", conv.Messages[1])
	}
}

func TestOpenDecodesLegacyEnvelope(t *testing.T) {
	alice := identity(t, 1)
	bob := identity(t, 2)
	store := newFakeStore()

	shared, err := cryptobox.ComputeSharedSecret(bob.Keys.Secret, cryptobox.EncodeKey(alice.Keys.Public))
	if err != nil {
		t.Fatalf("shared secret: %v", err)
	}
	plaintext, err := codec.EncodeLegacyPayload(codec.LegacyPayload{Text: "old style"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ct, nonce, err := cryptobox.EncryptWithSecret(shared, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	store.add(relay.Row{
		ReceiverHash:     cryptobox.HashAddress(alice.WalletAddress),
		EncryptedContent: base64Encode(ct),
		Nonce:            cryptobox.EncodeNonce(nonce),
	})

	r := New(store, &fakeFeed{}, alice, nil)
	conv, err := r.Open(context.Background(), contactOf(bob))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	if len(conv.Messages) != 1 {
		t.Fatalf("want 1 message, got %d", len(conv.Messages))
	}
	got := conv.Messages[0]
	if got.Text != "old style" || got.Sender != bob.WalletAddress || got.Recipient != alice.WalletAddress {
		t.Fatalf("unexpected legacy message: %+v", got)
	}
}

func TestSendDualWrite(t *testing.T) {
	alice := identity(t, 1)
	bob := identity(t, 2)
	store := newFakeStore()

	r := New(store, &fakeFeed{}, alice, nil)
	conv, err := r.Open(context.Background(), contactOf(bob))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	selfRow, err := r.Send(context.Background(), conv, "hello bob")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(store.rows) != 2 {
		t.Fatalf("want 2 rows, got %d", len(store.rows))
	}
	if store.rows[0].ID != selfRow.ID {
		t.Fatal("self copy must be inserted first")
	}
	if store.rows[0].ReceiverHash != cryptobox.HashAddress(alice.WalletAddress) {
		t.Fatalf("self leg tag: %s", store.rows[0].ReceiverHash)
	}
	if store.rows[1].ReceiverHash != cryptobox.HashAddress(bob.WalletAddress) {
		t.Fatalf("recipient leg tag: %s", store.rows[1].ReceiverHash)
	}

	// Each leg opens only under its addressee's key.
	for i, id := range []Identity{alice, bob} {
		env, err := codec.DecodeEnvelope(store.rows[i].EncryptedContent, store.rows[i].Nonce, store.rows[i].EphemeralPublicKey)
		if err != nil {
			t.Fatalf("decode leg %d: %v", i, err)
		}
		plaintext, ok := cryptobox.DecryptAnonymous(id.Keys.Secret, env.EphemeralPublicKey, env.Ciphertext, env.Nonce)
		if !ok {
			t.Fatalf("leg %d must open for its addressee", i)
		}
		payload, ok := codec.DecodePayload(plaintext)
		if !ok || payload.Text != "hello bob" || payload.Sender != alice.WalletAddress {
			t.Fatalf("leg %d payload: %+v", i, payload)
		}
	}
}

func TestSendRecipientLegFailureKeepsSelfCopy(t *testing.T) {
	alice := identity(t, 1)
	bob := identity(t, 2)
	store := newFakeStore()

	r := New(store, &fakeFeed{}, alice, nil)
	conv, err := r.Open(context.Background(), contactOf(bob))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	store.failAfter = 1 // self leg succeeds, recipient leg refused
	selfRow, err := r.Send(context.Background(), conv, "half delivered")
	if err == nil {
		t.Fatal("recipient leg failure must surface")
	}
	if len(store.rows) != 1 || store.rows[0].ID != selfRow.ID {
		t.Fatalf("self copy must survive, rows: %d", len(store.rows))
	}
}

func TestApplyInsertDedupesByID(t *testing.T) {
	alice := identity(t, 1)
	bob := identity(t, 2)
	store := newFakeStore()

	r := New(store, &fakeFeed{}, alice, nil)
	conv, err := r.Open(context.Background(), contactOf(bob))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	row := store.add(sealTo(t, bob, alice, alice, "live message"))
	ev := relay.Event{Op: "INSERT", Row: row}
	if !r.Apply(conv, ev) {
		t.Fatal("first apply must change the log")
	}
	if r.Apply(conv, ev) {
		t.Fatal("replayed event must be a no-op")
	}
	if len(conv.Messages) != 1 {
		t.Fatalf("want 1 message, got %d", len(conv.Messages))
	}
}

func TestApplyUpdateMergesStatusAndReactions(t *testing.T) {
	alice := identity(t, 1)
	bob := identity(t, 2)
	store := newFakeStore()
	row := store.add(sealTo(t, bob, alice, alice, "react to me"))

	r := New(store, &fakeFeed{}, alice, nil)
	conv, err := r.Open(context.Background(), contactOf(bob))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	updated := row
	updated.Status = domain.StatusRead
	updated.Reactions = domain.Reactions{"🔥": {bob.WalletAddress}}
	if !r.Apply(conv, relay.Event{Op: "UPDATE", Row: updated}) {
		t.Fatal("update must apply")
	}
	got := conv.Messages[0]
	if got.Status != domain.StatusRead {
		t.Fatalf("status not merged: %s", got.Status)
	}
	if !got.Reactions.Has("🔥", bob.WalletAddress) {
		t.Fatalf("reactions not merged: %+v", got.Reactions)
	}
	if got.Text != "react to me" {
		t.Fatal("update must not disturb decrypted content")
	}
}

func TestStaleGenerationDiscarded(t *testing.T) {
	alice := identity(t, 1)
	bob := identity(t, 2)
	carol := identity(t, 3)
	store := newFakeStore()

	r := New(store, &fakeFeed{}, alice, nil)
	withBob, err := r.Open(context.Background(), contactOf(bob))
	if err != nil {
		t.Fatalf("open bob: %v", err)
	}
	if _, err := r.Open(context.Background(), contactOf(carol)); err != nil {
		t.Fatalf("open carol: %v", err)
	}
	defer r.Close()

	row := store.add(sealTo(t, bob, alice, alice, "late arrival"))
	if r.Apply(withBob, relay.Event{Op: "INSERT", Row: row}) {
		t.Fatal("event for an abandoned conversation must be discarded")
	}
	if len(withBob.Messages) != 0 {
		t.Fatal("abandoned conversation must not mutate")
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	alice := identity(t, 1)
	bob := identity(t, 2)
	store := newFakeStore()
	inbound := store.add(sealTo(t, bob, alice, alice, "unread"))
	store.add(sealTo(t, alice, bob, alice, "own copy, never marked"))

	r := New(store, &fakeFeed{}, alice, nil)
	conv, err := r.Open(context.Background(), contactOf(bob))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	if err := r.MarkRead(context.Background(), conv); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if store.markCalls != 1 || len(store.marked[0]) != 1 || store.marked[0][0] != inbound.ID {
		t.Fatalf("want one call marking the inbound row, got %+v", store.marked)
	}

	readRow, _ := store.RowByID(context.Background(), inbound.ID)
	r.Apply(conv, relay.Event{Op: "UPDATE", Row: readRow})
	if err := r.MarkRead(context.Background(), conv); err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	if store.markCalls != 1 {
		t.Fatal("nothing unread left, no further store call expected")
	}
}

func TestToggleReaction(t *testing.T) {
	alice := identity(t, 1)
	bob := identity(t, 2)
	store := newFakeStore()
	row := store.add(sealTo(t, bob, alice, alice, "toggle me"))

	r := New(store, &fakeFeed{}, alice, nil)
	conv, err := r.Open(context.Background(), contactOf(bob))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	if err := r.ToggleReaction(context.Background(), conv, row.ID, "👍"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	stored, _ := store.RowByID(context.Background(), row.ID)
	if !stored.Reactions.Has("👍", alice.WalletAddress) {
		t.Fatalf("reaction not written: %+v", stored.Reactions)
	}
	if err := r.ToggleReaction(context.Background(), conv, uuid.New(), "👍"); err == nil {
		t.Fatal("unknown message must error")
	}
}

func TestSidebarScanDiscoversPartners(t *testing.T) {
	alice := identity(t, 1)
	bob := identity(t, 2)
	carol := identity(t, 3)
	store := newFakeStore()

	// Oldest to newest: carol twice (one unread), bob once, a self copy to
	// carol, and a row alice cannot open.
	unreadCarol := sealTo(t, carol, alice, alice, "ping")
	store.add(unreadCarol)
	read := sealTo(t, carol, alice, alice, "pong")
	read.Status = domain.StatusRead
	store.add(read)
	store.add(sealTo(t, bob, alice, alice, "hi from bob"))
	store.add(sealTo(t, alice, carol, alice, "my own copy"))
	noise := sealTo(t, bob, carol, carol, "noise")
	noise.ReceiverHash = cryptobox.HashAddress(alice.WalletAddress)
	store.add(noise)

	dir := &fakeDirectory{users: map[string]relay.User{
		bob.WalletAddress:   {WalletAddress: bob.WalletAddress, Username: "bob", PublicEncryptionKey: cryptobox.EncodeKey(bob.Keys.Public)},
		carol.WalletAddress: {WalletAddress: carol.WalletAddress, Username: "carol"},
	}}

	s := NewScanner(store, dir, alice, nil)
	s.Chunk = 2
	var last []domain.Contact
	updates := 0
	err := s.Scan(context.Background(), func(contacts []domain.Contact) {
		updates++
		last = contacts
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if updates < 2 {
		t.Fatalf("expected incremental updates, got %d", updates)
	}
	if len(last) != 2 {
		t.Fatalf("want bob and carol, got %+v", last)
	}
	// Newest-first discovery: alice's self copy to carol is the newest row.
	if last[0].WalletAddress != carol.WalletAddress || last[1].WalletAddress != bob.WalletAddress {
		t.Fatalf("wrong order: %+v", last)
	}
	if last[0].LastText != "my own copy" {
		t.Fatalf("preview must come from the newest row: %q", last[0].LastText)
	}
	if last[0].Unread != 1 {
		t.Fatalf("carol unread: want 1, got %d", last[0].Unread)
	}
	if last[1].Username != "bob" {
		t.Fatalf("directory enrichment missing: %+v", last[1])
	}
}

func TestSidebarScanHonorsCap(t *testing.T) {
	alice := identity(t, 1)
	bob := identity(t, 2)
	store := newFakeStore()
	for i := 0; i < 6; i++ {
		store.add(sealTo(t, bob, alice, alice, "msg"))
	}

	s := NewScanner(store, &fakeDirectory{}, alice, nil)
	s.Chunk = 2
	s.MaxScan = 4
	err := s.Scan(context.Background(), func([]domain.Contact) {})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	// 4 rows at chunk 2 is exactly two pages.
	if got := store.pagesServed; got != 2 {
		t.Fatalf("want 2 pages, got %d", got)
	}
}

func TestSidebarScanStopsOnCancel(t *testing.T) {
	alice := identity(t, 1)
	bob := identity(t, 2)
	store := newFakeStore()
	store.add(sealTo(t, bob, alice, alice, "msg"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewScanner(store, &fakeDirectory{}, alice, nil)
	if err := s.Scan(ctx, func([]domain.Contact) {}); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}
