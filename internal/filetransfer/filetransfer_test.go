package filetransfer

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"solchat/internal/codec"
	"solchat/internal/cryptobox"
	"solchat/internal/domain"
	"solchat/internal/relay"
)

type memStore struct {
	rows           []relay.Row
	refuseInfoSave bool
}

func (m *memStore) Insert(_ context.Context, row relay.NewRow) (relay.Row, error) {
	stored := relay.Row{
		ID:                 uuid.New(),
		ReceiverHash:       row.ReceiverHash,
		EncryptedContent:   row.EncryptedContent,
		Nonce:              row.Nonce,
		EphemeralPublicKey: row.EphemeralPublicKey,
		Status:             domain.StatusSent,
		IsFile:             row.IsFile,
		FileInfo:           row.FileInfo,
	}
	m.rows = append(m.rows, stored)
	return stored, nil
}

func (m *memStore) InboxAsc(context.Context, string) ([]relay.Row, error) { return m.rows, nil }

func (m *memStore) InboxPage(context.Context, string, int, int) ([]relay.Row, error) {
	return nil, nil
}

func (m *memStore) RowByID(_ context.Context, id uuid.UUID) (relay.Row, error) {
	for _, r := range m.rows {
		if r.ID == id {
			return r, nil
		}
	}
	return relay.Row{}, relay.ErrRowNotFound
}

func (m *memStore) MarkRead(context.Context, []uuid.UUID) error { return nil }

func (m *memStore) UpdateReactions(context.Context, uuid.UUID, domain.Reactions) error {
	return nil
}

func (m *memStore) UpdateFileInfo(_ context.Context, id uuid.UUID, info *domain.FileInfo) error {
	if m.refuseInfoSave {
		return errors.New("relay write refused")
	}
	for i := range m.rows {
		if m.rows[i].ID == id {
			m.rows[i].FileInfo = info
			return nil
		}
	}
	return relay.ErrRowNotFound
}

type memBlobs struct {
	blobs map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{blobs: map[string][]byte{}} }

func (m *memBlobs) Upload(_ context.Context, path string, data []byte) error {
	m.blobs[path] = append([]byte(nil), data...)
	return nil
}

func (m *memBlobs) Download(_ context.Context, path string) ([]byte, error) {
	data, ok := m.blobs[path]
	if !ok {
		return nil, relay.ErrBlobNotFound
	}
	return data, nil
}

func (m *memBlobs) Delete(_ context.Context, path string) error {
	delete(m.blobs, path)
	return nil
}

func keysFor(t *testing.T, seed byte) cryptobox.KeyPair {
	t.Helper()
	sig := make([]byte, 64)
	for i := range sig {
		sig[i] = seed + byte(i)
	}
	keys, err := cryptobox.DeriveKeyPair(sig)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return keys
}

func fileMessage(t *testing.T, row relay.Row, me string) domain.Message {
	t.Helper()
	return domain.Message{
		ID:     row.ID,
		Sender: me,
		IsFile: row.IsFile,
		File:   row.FileInfo,
	}
}

func TestSendAndReceiveRoundTrip(t *testing.T) {
	aliceKeys := keysFor(t, 1)
	bobKeys := keysFor(t, 2)
	store := &memStore{}
	blobs := newMemBlobs()
	contact := domain.Contact{
		WalletAddress:       "walletB",
		PublicEncryptionKey: cryptobox.EncodeKey(bobKeys.Public),
	}
	payload := []byte("attachment body, large enough to matter")

	sender := New(store, blobs, "walletA", aliceKeys, nil)
	if _, err := sender.Send(context.Background(), contact, Upload{
		Name:     "report.pdf",
		MIMEType: "application/pdf",
		Data:     payload,
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(store.rows) != 2 {
		t.Fatalf("want dual write, got %d rows", len(store.rows))
	}
	if len(blobs.blobs) != 1 {
		t.Fatalf("want one shared blob, got %d", len(blobs.blobs))
	}
	selfLeg, recipientLeg := store.rows[0], store.rows[1]
	if selfLeg.ReceiverHash != cryptobox.HashAddress("walletA") {
		t.Fatalf("self leg tag: %s", selfLeg.ReceiverHash)
	}
	if !selfLeg.IsFile || selfLeg.FileInfo == nil || selfLeg.FileInfo.Name != "report.pdf" {
		t.Fatalf("self leg descriptor: %+v", selfLeg.FileInfo)
	}
	if selfLeg.FileInfo.Path != recipientLeg.FileInfo.Path {
		t.Fatal("both legs must share the blob path")
	}
	if selfLeg.FileInfo.WrappedKey == recipientLeg.FileInfo.WrappedKey {
		t.Fatal("each leg must wrap the content key for its own addressee")
	}

	// The stored envelope decrypts to the fixed preview text, never the name.
	env, err := codec.DecodeEnvelope(selfLeg.EncryptedContent, selfLeg.Nonce, selfLeg.EphemeralPublicKey)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	plaintext, ok := cryptobox.DecryptAnonymous(aliceKeys.Secret, env.EphemeralPublicKey, env.Ciphertext, env.Nonce)
	if !ok {
		t.Fatal("self leg must open for sender")
	}
	p, ok := codec.DecodePayload(plaintext)
	if !ok || p.Text != FileSentText {
		t.Fatalf("payload text: %+v", p)
	}

	receiver := New(store, blobs, "walletB", bobKeys, nil)
	got, err := receiver.Receive(context.Background(), fileMessage(t, recipientLeg, "walletA"))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("round trip corrupted the payload")
	}
}

func TestReceiveIsOneTime(t *testing.T) {
	aliceKeys := keysFor(t, 1)
	bobKeys := keysFor(t, 2)
	store := &memStore{}
	blobs := newMemBlobs()
	contact := domain.Contact{
		WalletAddress:       "walletB",
		PublicEncryptionKey: cryptobox.EncodeKey(bobKeys.Public),
	}

	sender := New(store, blobs, "walletA", aliceKeys, nil)
	if _, err := sender.Send(context.Background(), contact, Upload{Name: "x", Data: []byte("once")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	recipientLeg := store.rows[1]

	receiver := New(store, blobs, "walletB", bobKeys, nil)
	if _, err := receiver.Receive(context.Background(), fileMessage(t, recipientLeg, "walletA")); err != nil {
		t.Fatalf("first receive: %v", err)
	}
	if len(blobs.blobs) != 0 {
		t.Fatal("blob must be deleted after first download")
	}

	// Retry with the refreshed descriptor: the downloaded flag now blocks it.
	refreshed, err := store.RowByID(context.Background(), recipientLeg.ID)
	if err != nil {
		t.Fatalf("row by id: %v", err)
	}
	if !refreshed.FileInfo.Downloaded {
		t.Fatal("descriptor must be marked downloaded")
	}
	if _, err := receiver.Receive(context.Background(), fileMessage(t, refreshed, "walletA")); !errors.Is(err, domain.ErrFileUnavailable) {
		t.Fatalf("want ErrFileUnavailable, got %v", err)
	}

	// Even a stale descriptor without the flag fails: the blob is gone.
	if _, err := receiver.Receive(context.Background(), fileMessage(t, recipientLeg, "walletA")); !errors.Is(err, domain.ErrFileUnavailable) {
		t.Fatalf("stale descriptor: want ErrFileUnavailable, got %v", err)
	}
}

func TestReceiveRetriesAfterDescriptorWriteFailure(t *testing.T) {
	aliceKeys := keysFor(t, 1)
	bobKeys := keysFor(t, 2)
	store := &memStore{}
	blobs := newMemBlobs()
	contact := domain.Contact{
		WalletAddress:       "walletB",
		PublicEncryptionKey: cryptobox.EncodeKey(bobKeys.Public),
	}
	payload := []byte("must survive a flaky relay")

	sender := New(store, blobs, "walletA", aliceKeys, nil)
	if _, err := sender.Send(context.Background(), contact, Upload{Name: "x", Data: payload}); err != nil {
		t.Fatalf("send: %v", err)
	}
	recipientLeg := store.rows[1]

	// A failed descriptor write must not destroy the blob: the bytes were
	// decrypted, but the one-time bookkeeping did not commit, so the whole
	// download has to stay retryable.
	store.refuseInfoSave = true
	receiver := New(store, blobs, "walletB", bobKeys, nil)
	if _, err := receiver.Receive(context.Background(), fileMessage(t, recipientLeg, "walletA")); err == nil {
		t.Fatal("descriptor write failure must surface")
	}
	if len(blobs.blobs) != 1 {
		t.Fatal("blob must survive a failed descriptor write")
	}
	if store.rows[1].FileInfo.Downloaded {
		t.Fatal("descriptor must not be burned on failure")
	}

	store.refuseInfoSave = false
	got, err := receiver.Receive(context.Background(), fileMessage(t, recipientLeg, "walletA"))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("retry must deliver the full payload")
	}
	if len(blobs.blobs) != 0 {
		t.Fatal("successful retry must delete the blob")
	}
}

func TestReceiveWrongIdentityCannotUnwrap(t *testing.T) {
	aliceKeys := keysFor(t, 1)
	bobKeys := keysFor(t, 2)
	eveKeys := keysFor(t, 9)
	store := &memStore{}
	blobs := newMemBlobs()
	contact := domain.Contact{
		WalletAddress:       "walletB",
		PublicEncryptionKey: cryptobox.EncodeKey(bobKeys.Public),
	}

	sender := New(store, blobs, "walletA", aliceKeys, nil)
	if _, err := sender.Send(context.Background(), contact, Upload{Name: "x", Data: []byte("secret")}); err != nil {
		t.Fatalf("send: %v", err)
	}

	eavesdropper := New(store, blobs, "walletE", eveKeys, nil)
	if _, err := eavesdropper.Receive(context.Background(), fileMessage(t, store.rows[1], "walletA")); err == nil {
		t.Fatal("foreign identity must not unwrap the content key")
	}
	if len(blobs.blobs) != 1 {
		t.Fatal("failed unwrap must not burn the blob")
	}
}
