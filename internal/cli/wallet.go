package cli

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LoginChallenge is the fixed message a wallet signs to log in. The signature
// doubles as key material: the same wallet always signs the same bytes, so
// the derived encryption keys are reproducible across devices.
const LoginChallenge = "Login to SolChat: secure-signature-session"

// loadOrCreateWallet reads the ed25519 seed file, generating one on first
// login. The second return reports whether a new wallet was created.
func loadOrCreateWallet(path string) (ed25519.PrivateKey, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != ed25519.SeedSize {
			return nil, false, fmt.Errorf("cli: wallet file %s is not a %d-byte seed", path, ed25519.SeedSize)
		}
		return ed25519.NewKeyFromSeed(data), false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, false, err
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, seed, 0o600); err != nil {
		return nil, false, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, false, err
	}
	return ed25519.NewKeyFromSeed(seed), true, nil
}

func walletAddress(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}
