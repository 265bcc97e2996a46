package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// rotationSecretSize is the per-session secret deriveLogicalIdentity
// expands from. It is never transmitted; only the derived identifiers
// are, so a peer or observer who sees every logical identity a session
// has ever used still cannot predict the next one or link it back to the
// first without this secret.
const rotationSecretSize = 32

func newRotationSecret() []byte {
	b := make([]byte, rotationSecretSize)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is a process-level emergency; a zero
		// secret still yields a valid (if predictable) rotation
		// sequence rather than blocking session creation on it.
		return make([]byte, rotationSecretSize)
	}
	return b
}

// deriveLogicalIdentity expands secret into the logical identity for
// rotation epoch via HKDF-SHA256, so each epoch's identifier is
// unlinkable from the others without the secret itself.
func deriveLogicalIdentity(secret []byte, epoch uint64) uuid.UUID {
	var info [8]byte
	binary.BigEndian.PutUint64(info[:], epoch)
	r := hkdf.New(sha256.New, secret, nil, info[:])
	var out uuid.UUID
	io.ReadFull(r, out[:])
	return out
}
