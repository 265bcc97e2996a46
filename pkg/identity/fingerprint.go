package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
)

// fingerprintSize is the number of leading hash bytes used for the device
// code. 20 bytes (160 bits) keeps codes short while making collisions
// infeasible for a user-facing identifier.
const fingerprintSize = 20

func fingerprint(pub ed25519.PublicKey) []byte {
	sum := sha256.Sum256(pub)
	return sum[:fingerprintSize]
}
