package cryptobox

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashAddress computes the one-way routing tag for a wallet address: SHA-256
// over its UTF-8 bytes, lowercase hex. The relay filters inbox rows on this
// tag without learning which wallets are talking; reversing it requires the
// out-of-band user directory.
func HashAddress(address string) string {
	sum := sha256.Sum256([]byte(address))
	return hex.EncodeToString(sum[:])
}
