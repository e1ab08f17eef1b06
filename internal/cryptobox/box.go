package cryptobox

import (
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// Sealed is the output of an anonymous encryption: the authenticated
// ciphertext, its one-time nonce and the one-time public key the recipient
// needs to derive the shared secret. The matching secret key is discarded
// before EncryptAnonymous returns, so nothing ties the envelope to the
// sender's long-term identity at the transport layer.
type Sealed struct {
	Ciphertext         []byte
	Nonce              [NonceSize]byte
	EphemeralPublicKey [KeySize]byte
}

// EncryptAnonymous authenticated-encrypts plaintext to the recipient's
// long-term public key under a fresh ephemeral key pair and a fresh nonce.
func EncryptAnonymous(recipientPublic [KeySize]byte, plaintext []byte) (Sealed, error) {
	ephPub, ephPriv, err := box.GenerateKey(randomSource())
	if err != nil {
		return Sealed{}, fmt.Errorf("cryptobox: generate ephemeral key: %w", err)
	}
	var nonce [NonceSize]byte
	if err := readRandom(nonce[:]); err != nil {
		return Sealed{}, fmt.Errorf("cryptobox: generate nonce: %w", err)
	}
	ct := box.Seal(nil, plaintext, &nonce, &recipientPublic, ephPriv)
	sealed := Sealed{Ciphertext: ct, Nonce: nonce}
	copy(sealed.EphemeralPublicKey[:], ephPub[:])
	return sealed, nil
}

// DecryptAnonymous opens an anonymous envelope with the recipient's secret
// key. The second return is false on any authentication failure: a wrong key,
// a tampered ciphertext or nonce. That outcome is routine in a shared-inbox
// model and callers must skip, not error.
func DecryptAnonymous(mySecret [KeySize]byte, ephemeralPublic [KeySize]byte, ciphertext []byte, nonce [NonceSize]byte) ([]byte, bool) {
	return box.Open(nil, ciphertext, &nonce, &ephemeralPublic, &mySecret)
}

// ComputeSharedSecret precomputes the box shared secret between my secret key
// and a counterpart's transport-encoded public key. Shape violations fail
// eagerly with ErrInvalidKey: a zeroed secret key means the local session is
// corrupted, and a malformed public key would otherwise feed garbage into the
// precomputation.
func ComputeSharedSecret(mySecret [KeySize]byte, theirPublic string) ([KeySize]byte, error) {
	var shared [KeySize]byte
	if mySecret == ([KeySize]byte{}) {
		return shared, ErrInvalidKey
	}
	theirs, err := DecodeKey(theirPublic)
	if err != nil {
		return shared, err
	}
	box.Precompute(&shared, &theirs, &mySecret)
	return shared, nil
}

// EncryptWithSecret seals plaintext under a precomputed shared secret with a
// fresh nonce. This is the legacy two-party mode kept for envelopes that
// predate anonymous routing.
func EncryptWithSecret(shared [KeySize]byte, plaintext []byte) ([]byte, [NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if err := readRandom(nonce[:]); err != nil {
		return nil, nonce, fmt.Errorf("cryptobox: generate nonce: %w", err)
	}
	return box.SealAfterPrecomputation(nil, plaintext, &nonce, &shared), nonce, nil
}

// DecryptWithSecret opens a legacy envelope; false on authentication failure.
func DecryptWithSecret(shared [KeySize]byte, ciphertext []byte, nonce [NonceSize]byte) ([]byte, bool) {
	return box.OpenAfterPrecomputation(nil, ciphertext, &nonce, &shared)
}
