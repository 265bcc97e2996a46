// Package trust persists known device-code-to-public-key bindings and
// enforces trust-on-first-use (TOFU) policy during the handshake.
//
// Grounded on pkg/fabric.Table: an RWMutex-guarded map with atomic
// persistence and sentinel errors per failure mode.
package trust

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level is the trust level of a known device.
type Level int

const (
	LevelUnknown Level = iota
	LevelTOFU
	LevelVerified
	LevelRevoked
)

func (l Level) String() string {
	switch l {
	case LevelUnknown:
		return "unknown"
	case LevelTOFU:
		return "tofu"
	case LevelVerified:
		return "verified"
	case LevelRevoked:
		return "revoked"
	default:
		return "invalid"
	}
}

// Errors returned by Store.
var (
	ErrUntrustedPeer   = errors.New("trust: peer not trusted and trust-on-first-use is disabled")
	ErrIdentityMismatch = errors.New("trust: offered public key does not match the pinned key for this device code")
	ErrRevoked          = errors.New("trust: device is revoked")
	ErrNotFound         = errors.New("trust: device code not known")
	ErrStoreIO          = errors.New("trust: persistence failure")
)

// Record is a single trust binding, as described in spec.md §3.
type Record struct {
	DeviceCode  string          `json:"device_code"`
	PublicKey   ed25519.PublicKey `json:"public_key"`
	TrustLevel  Level           `json:"trust_level"`
	FirstSeenMs int64           `json:"first_seen_ms"`
	LastSeenMs  int64           `json:"last_seen_ms"`
}

func (r Record) clone() Record {
	pk := make(ed25519.PublicKey, len(r.PublicKey))
	copy(pk, r.PublicKey)
	r.PublicKey = pk
	return r
}

// Config configures the Store.
type Config struct {
	// Path is the JSON file backing the store. If empty, the store is
	// in-memory only (used by tests).
	Path string

	// TrustOnFirstUse enables the TOFU policy (spec.md §4.2). Defaults to
	// false: an unknown device is rejected unless explicitly enabled.
	TrustOnFirstUse bool

	// Now returns the current time in epoch milliseconds. Overridable for
	// deterministic tests; defaults to time.Now.
	Now func() int64
}

// Store is the process-wide trust store singleton, mutated only by the
// engine's event loop.
type Store struct {
	mu      sync.RWMutex
	records map[string]Record
	config  Config
}

// Open loads a Store from config.Path (if set and present) and returns it.
// A missing file is not an error: the store starts empty.
func Open(config Config) (*Store, error) {
	if config.Now == nil {
		config.Now = func() int64 { return time.Now().UnixMilli() }
	}

	s := &Store{
		records: make(map[string]Record),
		config:  config,
	}

	if config.Path == "" {
		return s, nil
	}

	data, err := os.ReadFile(config.Path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}

	var onDisk map[string]Record
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	s.records = onDisk
	return s, nil
}

// Lookup returns the trust record for a device code, if any.
func (s *Store) Lookup(deviceCode string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[deviceCode]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// Accept applies the TOFU/verification policy for an incoming handshake
// offering (deviceCode, publicKey), per spec.md §4.2. On success it returns
// the (possibly newly created) trust record. The mutation, if any, is
// durable before Accept returns successfully.
func (s *Store) Accept(deviceCode string, publicKey ed25519.PublicKey) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.config.Now()
	existing, known := s.records[deviceCode]

	switch {
	case !known:
		if !s.config.TrustOnFirstUse {
			return Record{}, ErrUntrustedPeer
		}
		rec := Record{
			DeviceCode:  deviceCode,
			PublicKey:   append(ed25519.PublicKey(nil), publicKey...),
			TrustLevel:  LevelTOFU,
			FirstSeenMs: now,
			LastSeenMs:  now,
		}
		if err := s.writeLocked(deviceCode, rec); err != nil {
			return Record{}, err
		}
		return rec.clone(), nil

	case existing.TrustLevel == LevelRevoked:
		return Record{}, ErrRevoked

	case !existing.PublicKey.Equal(publicKey):
		// Never auto-update on key mismatch, regardless of TOFU setting.
		return Record{}, ErrIdentityMismatch

	default:
		existing.LastSeenMs = now
		if err := s.writeLocked(deviceCode, existing); err != nil {
			return Record{}, err
		}
		return existing.clone(), nil
	}
}

// Remember unconditionally records a trust binding at the given level. Used
// by outer layers implementing explicit `pair(device_code, approved)`
// commands (spec.md §6), bypassing the inline TOFU decision in Accept.
func (s *Store) Remember(deviceCode string, publicKey ed25519.PublicKey, level Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.config.Now()
	existing, known := s.records[deviceCode]
	rec := Record{
		DeviceCode:  deviceCode,
		PublicKey:   append(ed25519.PublicKey(nil), publicKey...),
		TrustLevel:  level,
		FirstSeenMs: now,
		LastSeenMs:  now,
	}
	if known {
		rec.FirstSeenMs = existing.FirstSeenMs
	}
	return s.writeLocked(deviceCode, rec)
}

// Revoke marks a device code as revoked. Subsequent Accept calls for this
// device code always fail with ErrRevoked.
func (s *Store) Revoke(deviceCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, known := s.records[deviceCode]
	if !known {
		return ErrNotFound
	}
	existing.TrustLevel = LevelRevoked
	existing.LastSeenMs = s.config.Now()
	return s.writeLocked(deviceCode, existing)
}

// writeLocked updates the in-memory map and persists to disk. Caller must
// hold s.mu.
func (s *Store) writeLocked(deviceCode string, rec Record) error {
	s.records[deviceCode] = rec
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	if s.config.Path == "" {
		return nil
	}

	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}

	dir := filepath.Dir(s.config.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}

	tmp, err := os.CreateTemp(dir, ".trust-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	if err := os.Rename(tmpPath, s.config.Path); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return nil
}

// Count returns the number of known device-code bindings.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
