package cryptobox

import (
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the length of every X25519 public and secret key.
	KeySize = 32
	// NonceSize is the nonce length required by the XSalsa20-Poly1305 box family.
	NonceSize = 24
	// SeedSize is how many leading signature bytes feed key derivation.
	SeedSize = 32
)

// KeyPair is a long-term X25519 box key pair. The secret key stays in memory
// or local persistence; only the public key is ever shared through the user
// directory.
type KeyPair struct {
	Public [KeySize]byte
	Secret [KeySize]byte
}

// DeriveKeyPair turns a wallet signature into a deterministic box key pair.
// The wallet is assumed to sign the login challenge with Ed25519, producing a
// 64-byte signature; only the first 32 bytes are used as the X25519 secret.
// Halving the signature entropy is a deliberate trade-off for determinism: the
// same wallet signing the same challenge must yield the same key pair on every
// device, which is what replaces a server-issued credential.
func DeriveKeyPair(signature []byte) (KeyPair, error) {
	if len(signature) < SeedSize {
		return KeyPair{}, ErrInvalidSignature
	}
	var kp KeyPair
	copy(kp.Secret[:], signature[:SeedSize])
	pub, err := curve25519.X25519(kp.Secret[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("cryptobox: derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// EncodeKey renders key material in the transport encoding used by relay
// columns and the user directory.
func EncodeKey(key [KeySize]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

// DecodeKey parses transport-encoded key material, checking the length
// eagerly. A malformed key fed to the box primitive would silently produce
// garbage, so this fails loudly instead.
func DecodeKey(in string) ([KeySize]byte, error) {
	var out [KeySize]byte
	data, err := base64.StdEncoding.DecodeString(in)
	if err != nil {
		return out, ErrInvalidKey
	}
	if len(data) != KeySize {
		return out, ErrInvalidKey
	}
	copy(out[:], data)
	return out, nil
}

// EncodeNonce and DecodeNonce mirror EncodeKey/DecodeKey for box nonces.
func EncodeNonce(nonce [NonceSize]byte) string {
	return base64.StdEncoding.EncodeToString(nonce[:])
}

func DecodeNonce(in string) ([NonceSize]byte, error) {
	var out [NonceSize]byte
	data, err := base64.StdEncoding.DecodeString(in)
	if err != nil {
		return out, ErrInvalidKey
	}
	if len(data) != NonceSize {
		return out, ErrInvalidKey
	}
	copy(out[:], data)
	return out, nil
}
