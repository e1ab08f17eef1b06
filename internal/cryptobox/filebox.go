package cryptobox

import (
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// EncryptFileBytes encrypts a bulk payload under a fresh random symmetric key
// and nonce. Large payloads go through the symmetric layer; only the returned
// content key is small enough to wrap asymmetrically for transport.
func EncryptFileBytes(data []byte) ([]byte, [KeySize]byte, [NonceSize]byte, error) {
	var key [KeySize]byte
	var nonce [NonceSize]byte
	if err := readRandom(key[:]); err != nil {
		return nil, key, nonce, fmt.Errorf("cryptobox: generate content key: %w", err)
	}
	if err := readRandom(nonce[:]); err != nil {
		return nil, key, nonce, fmt.Errorf("cryptobox: generate file nonce: %w", err)
	}
	return secretbox.Seal(nil, data, &nonce, &key), key, nonce, nil
}

// DecryptFileBytes reverses EncryptFileBytes; false when the key or nonce is
// wrong or the ciphertext was tampered with.
func DecryptFileBytes(ciphertext []byte, key [KeySize]byte, nonce [NonceSize]byte) ([]byte, bool) {
	return secretbox.Open(nil, ciphertext, &nonce, &key)
}
