package audit

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveSigningKey derives the bundle signing key from the master secret and
// a key id using HKDF-SHA256. Rotating the key id yields an unrelated key
// without touching the master secret.
func DeriveSigningKey(master []byte, keyID string) (ed25519.PrivateKey, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("audit: empty signing master secret")
	}
	r := hkdf.New(sha256.New, master, nil, []byte("kyc-audit-bundle/"+keyID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("audit: derive signing key: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
