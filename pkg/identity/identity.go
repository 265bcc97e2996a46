// Package identity owns the local device's long-term Ed25519 signing key
// and derives the device code used to address it.
//
// See Matter Specification analogue: pkg/crypto (P-256 keypair handling),
// generalized here to Ed25519 and to file-backed identity persistence.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Errors returned by the identity package.
var (
	// ErrIdentityLoad is returned when a persisted identity file exists but
	// is unreadable or malformed. The caller must never fall back to
	// silently regenerating a new key in this case.
	ErrIdentityLoad = errors.New("identity: failed to load identity file")

	// ErrNoIdentity is returned by Sign when called on a nil or zero
	// value Identity.
	ErrNoIdentity = errors.New("identity: identity not loaded")
)

// keyFileMagic tags the on-disk format so truncated or foreign files fail
// fast instead of being misparsed.
const keyFileMagic = "AETHERLINK-ID1\n"

// Identity wraps a device's long-term Ed25519 keypair.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	code string
}

// LoadOrCreate loads the identity persisted at path, or generates and
// persists a fresh one if no file exists. If the file exists but cannot be
// parsed, it returns ErrIdentityLoad and never overwrites the file.
func LoadOrCreate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return generateAndPersist(path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityLoad, err)
	}

	priv, err := parseKeyFile(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityLoad, err)
	}

	return newIdentity(priv), nil
}

func generateAndPersist(path string) (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}

	if err := persist(path, priv); err != nil {
		return nil, err
	}

	return newIdentity(priv), nil
}

// persist writes the private key to path using write-then-rename so a
// crash mid-write never leaves a truncated identity file behind.
func persist(path string, priv ed25519.PrivateKey) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("identity: create dir: %w", err)
	}

	buf := make([]byte, 0, len(keyFileMagic)+len(priv))
	buf = append(buf, keyFileMagic...)
	buf = append(buf, priv...)

	tmp, err := os.CreateTemp(dir, ".identity-*.tmp")
	if err != nil {
		return fmt.Errorf("identity: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: chmod: %w", err)
	}
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("identity: close: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("identity: rename: %w", err)
	}
	return nil
}

func parseKeyFile(data []byte) (ed25519.PrivateKey, error) {
	if len(data) != len(keyFileMagic)+ed25519.PrivateKeySize {
		return nil, errors.New("identity: malformed key file length")
	}
	if string(data[:len(keyFileMagic)]) != keyFileMagic {
		return nil, errors.New("identity: bad key file magic")
	}
	priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(priv, data[len(keyFileMagic):])
	return priv, nil
}

func newIdentity(priv ed25519.PrivateKey) *Identity {
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		priv: priv,
		pub:  pub,
		code: DeviceCodeFromPublicKey(pub),
	}
}

// Sign signs bytes with the device's long-term key.
func (id *Identity) Sign(message []byte) ([]byte, error) {
	if id == nil || id.priv == nil {
		return nil, ErrNoIdentity
	}
	return ed25519.Sign(id.priv, message), nil
}

// PublicKey returns the device's public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	if id == nil {
		return nil
	}
	return id.pub
}

// DeviceCode returns the stable, user-visible device identifier.
func (id *Identity) DeviceCode() string {
	if id == nil {
		return ""
	}
	return id.code
}

// DeviceCodeFromPublicKey derives the canonical textual device code from a
// public key. The device code is the base32 (no padding) rendering of the
// SHA-256 fingerprint truncated to 20 bytes, grouped for readability.
//
// This is the sole stable peer identifier visible to users; it must be
// derivable by any party holding only the public key, so that the
// identity-binding check in the handshake engine (spec.md §4.5 step 4) can
// recompute it from an untrusted message.
func DeviceCodeFromPublicKey(pub ed25519.PublicKey) string {
	fp := fingerprint(pub)
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(fp)
	return groupCode(enc)
}

// VerifyDeviceCode reports whether pub hashes to code, per spec.md §4.5
// step 4 (IdentityBindingFailed check).
func VerifyDeviceCode(pub ed25519.PublicKey, code string) bool {
	return DeviceCodeFromPublicKey(pub) == code
}

func groupCode(s string) string {
	const groupSize = 4
	var out []byte
	for i := 0; i < len(s); i += groupSize {
		end := i + groupSize
		if end > len(s) {
			end = len(s)
		}
		if i > 0 {
			out = append(out, '-')
		}
		out = append(out, s[i:end]...)
	}
	return string(out)
}
