// Package filetransfer moves files through the relay's blob store using the
// hybrid scheme: the payload is encrypted once under a random content key,
// and only that key is wrapped per recipient inside the message row. The blob
// itself is single-use: the first successful download deletes it.
package filetransfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"solchat/internal/codec"
	"solchat/internal/cryptobox"
	"solchat/internal/domain"
	"solchat/internal/observability/metrics"
	"solchat/internal/relay"
)

// FileSentText is the plaintext body of every file message. The real file
// name travels only inside the encrypted descriptor, so the preview a scan
// can recover never leaks it.
const FileSentText = "📎 Secure File Sent"

// Upload is the caller-supplied file.
type Upload struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Pipeline binds the blob store and row store to one local identity.
type Pipeline struct {
	store  relay.Store
	blobs  relay.BlobStore
	wallet string
	keys   cryptobox.KeyPair
	logger *slog.Logger
}

func New(store relay.Store, blobs relay.BlobStore, wallet string, keys cryptobox.KeyPair, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{store: store, blobs: blobs, wallet: wallet, keys: keys, logger: logger}
}

// Send encrypts and uploads the file once, then dual-writes a file message:
// each leg carries the same blob path but its own wrapping of the content
// key, so sender and recipient can each open the descriptor independently.
// The self copy is inserted first and survives a failed recipient leg.
func (p *Pipeline) Send(ctx context.Context, contact domain.Contact, up Upload) (relay.Row, error) {
	ciphertext, contentKey, fileNonce, err := cryptobox.EncryptFileBytes(up.Data)
	if err != nil {
		return relay.Row{}, fmt.Errorf("filetransfer: encrypt: %w", err)
	}
	path := uuid.New().String()
	if err := p.blobs.Upload(ctx, path, ciphertext); err != nil {
		return relay.Row{}, fmt.Errorf("filetransfer: upload blob: %w", err)
	}
	metrics.BlobBytes.WithLabelValues("upload").Observe(float64(len(ciphertext)))

	theirKey, err := cryptobox.DecodeKey(contact.PublicEncryptionKey)
	if err != nil {
		return relay.Row{}, fmt.Errorf("filetransfer: recipient key: %w", err)
	}

	selfRow, err := p.insertLeg(ctx, contact, up, path, contentKey, fileNonce, p.keys.Public, cryptobox.HashAddress(p.wallet))
	if err != nil {
		metrics.EnvelopesSentTotal.WithLabelValues("self_failed").Inc()
		return relay.Row{}, fmt.Errorf("filetransfer: self leg: %w", err)
	}
	metrics.EnvelopesSentTotal.WithLabelValues("self").Inc()

	if _, err := p.insertLeg(ctx, contact, up, path, contentKey, fileNonce, theirKey, cryptobox.HashAddress(contact.WalletAddress)); err != nil {
		metrics.EnvelopesSentTotal.WithLabelValues("recipient_failed").Inc()
		return selfRow, fmt.Errorf("filetransfer: recipient leg: %w", err)
	}
	metrics.EnvelopesSentTotal.WithLabelValues("recipient").Inc()
	return selfRow, nil
}

func (p *Pipeline) insertLeg(ctx context.Context, contact domain.Contact, up Upload, path string, contentKey [cryptobox.KeySize]byte, fileNonce [cryptobox.NonceSize]byte, legKey [cryptobox.KeySize]byte, receiverHash string) (relay.Row, error) {
	wrapped, err := cryptobox.EncryptAnonymous(legKey, contentKey[:])
	if err != nil {
		return relay.Row{}, err
	}
	info := &domain.FileInfo{
		Path:         path,
		Name:         up.Name,
		Size:         int64(len(up.Data)),
		MIMEType:     up.MIMEType,
		WrappedKey:   base64.StdEncoding.EncodeToString(wrapped.Ciphertext),
		KeyNonce:     cryptobox.EncodeNonce(wrapped.Nonce),
		KeyEphemeral: cryptobox.EncodeKey(wrapped.EphemeralPublicKey),
		FileNonce:    cryptobox.EncodeNonce(fileNonce),
	}
	plaintext, err := codec.EncodePayload(codec.Payload{
		Text:      FileSentText,
		Sender:    p.wallet,
		Recipient: contact.WalletAddress,
	})
	if err != nil {
		return relay.Row{}, err
	}
	sealed, err := cryptobox.EncryptAnonymous(legKey, plaintext)
	if err != nil {
		return relay.Row{}, err
	}
	ct, nonce, eph := codec.EncodeSealed(sealed)
	return p.store.Insert(ctx, relay.NewRow{
		ReceiverHash:       receiverHash,
		EncryptedContent:   ct,
		Nonce:              nonce,
		EphemeralPublicKey: eph,
		IsFile:             true,
		FileInfo:           info,
	})
}

// Receive performs the one-time download for a file message: fetch the blob,
// unwrap the content key with the local secret key, decrypt, then burn the
// blob and flip the descriptor's downloaded flag. A descriptor already marked
// downloaded, or a blob already gone, is domain.ErrFileUnavailable.
func (p *Pipeline) Receive(ctx context.Context, msg domain.Message) ([]byte, error) {
	info := msg.File
	if info == nil {
		return nil, fmt.Errorf("filetransfer: message %s carries no file", msg.ID)
	}
	if info.Downloaded {
		return nil, domain.ErrFileUnavailable
	}

	blob, err := p.blobs.Download(ctx, info.Path)
	if errors.Is(err, relay.ErrBlobNotFound) {
		return nil, domain.ErrFileUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("filetransfer: download blob: %w", err)
	}
	metrics.BlobBytes.WithLabelValues("download").Observe(float64(len(blob)))

	contentKey, fileNonce, err := p.unwrapKey(info)
	if err != nil {
		return nil, err
	}
	plaintext, ok := cryptobox.DecryptFileBytes(blob, contentKey, fileNonce)
	if !ok {
		return nil, fmt.Errorf("filetransfer: blob for %s failed authentication", msg.ID)
	}

	// Burn the descriptor before the blob. If this write fails the blob is
	// still on the relay and the whole download can be retried; destroying
	// the blob first would make a transient relay error lose the file for
	// good.
	burned := *info
	burned.Downloaded = true
	if err := p.store.UpdateFileInfo(ctx, msg.ID, &burned); err != nil {
		return nil, fmt.Errorf("filetransfer: mark downloaded: %w", err)
	}
	if err := p.blobs.Delete(ctx, info.Path); err != nil {
		// The descriptor is already burned; an orphaned blob is relay
		// garbage, not a correctness problem.
		p.logger.Warn("filetransfer: blob delete failed", "path", info.Path, "error", err)
	}
	return plaintext, nil
}

func (p *Pipeline) unwrapKey(info *domain.FileInfo) ([cryptobox.KeySize]byte, [cryptobox.NonceSize]byte, error) {
	var contentKey [cryptobox.KeySize]byte
	var fileNonce [cryptobox.NonceSize]byte

	wrapped, err := base64.StdEncoding.DecodeString(info.WrappedKey)
	if err != nil {
		return contentKey, fileNonce, fmt.Errorf("filetransfer: wrapped key: %w", err)
	}
	keyNonce, err := cryptobox.DecodeNonce(info.KeyNonce)
	if err != nil {
		return contentKey, fileNonce, fmt.Errorf("filetransfer: key nonce: %w", err)
	}
	eph, err := cryptobox.DecodeKey(info.KeyEphemeral)
	if err != nil {
		return contentKey, fileNonce, fmt.Errorf("filetransfer: ephemeral key: %w", err)
	}
	fileNonce, err = cryptobox.DecodeNonce(info.FileNonce)
	if err != nil {
		return contentKey, fileNonce, fmt.Errorf("filetransfer: file nonce: %w", err)
	}
	keyBytes, ok := cryptobox.DecryptAnonymous(p.keys.Secret, eph, wrapped, keyNonce)
	if !ok || len(keyBytes) != cryptobox.KeySize {
		return contentKey, fileNonce, errors.New("filetransfer: content key does not unwrap for this identity")
	}
	copy(contentKey[:], keyBytes)
	return contentKey, fileNonce, nil
}
