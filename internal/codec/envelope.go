package codec

import (
	"encoding/base64"
	"fmt"

	"solchat/internal/cryptobox"
)

// EnvelopeKind tags the two wire modes a stored row can carry.
type EnvelopeKind int

const (
	// KindAnonymous envelopes carry an ephemeral public key; the sender's
	// long-term identity never touches the row.
	KindAnonymous EnvelopeKind = iota
	// KindLegacy envelopes predate anonymous routing and are opened with the
	// precomputed two-party shared secret.
	KindLegacy
)

// Envelope is the decoded form of a row's ciphertext columns. The reconciler
// switches exhaustively on Kind instead of probing field presence.
type Envelope struct {
	Kind               EnvelopeKind
	Ciphertext         []byte
	Nonce              [cryptobox.NonceSize]byte
	EphemeralPublicKey [cryptobox.KeySize]byte
}

// DecodeEnvelope parses the transport-encoded ciphertext, nonce and optional
// ephemeral key columns. An empty ephemeral column marks a legacy envelope.
// Shape violations here are loud errors, not quiet skips: they mean the row
// itself is malformed, not merely addressed elsewhere.
func DecodeEnvelope(ciphertext, nonce, ephemeralPublicKey string) (Envelope, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return Envelope{}, fmt.Errorf("codec: decode ciphertext: %w", err)
	}
	n, err := cryptobox.DecodeNonce(nonce)
	if err != nil {
		return Envelope{}, fmt.Errorf("codec: decode nonce: %w", err)
	}
	env := Envelope{Ciphertext: ct, Nonce: n}
	if ephemeralPublicKey == "" {
		env.Kind = KindLegacy
		return env, nil
	}
	eph, err := cryptobox.DecodeKey(ephemeralPublicKey)
	if err != nil {
		return Envelope{}, fmt.Errorf("codec: decode ephemeral key: %w", err)
	}
	env.Kind = KindAnonymous
	env.EphemeralPublicKey = eph
	return env, nil
}

// EncodeSealed renders a sealed anonymous envelope into the three
// transport-encoded row columns.
func EncodeSealed(sealed cryptobox.Sealed) (ciphertext, nonce, ephemeralPublicKey string) {
	return base64.StdEncoding.EncodeToString(sealed.Ciphertext),
		cryptobox.EncodeNonce(sealed.Nonce),
		cryptobox.EncodeKey(sealed.EphemeralPublicKey)
}
