// Package identity resolves an inbound VLESS identifier to accept/reject.
// A Store composes a static, process-configured identifier with an
// optional dynamic key-value backend consulted only on static mismatch.
package identity

import (
	"encoding/hex"
	"fmt"

	"github.com/gofrs/uuid"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/singleflight"

	"github.com/Dreamacro/vlgate/log"
)

// DynamicBackend is consulted after a static mismatch. Key is the
// 32-character lowercase hex form without separators; a true Lookup
// result accepts. Lookup errors are treated as reject, never as accept.
type DynamicBackend interface {
	Lookup(hexKey string) (bool, error)
	Put(hexKey string, metadata map[string]string) error
	Delete(hexKey string) error
	List() (map[string]map[string]string, error)
}

// Store is the process-wide, read-mostly identity surface the tunnel
// engine consults per session and the management surface mutates. Its
// static identifier and dynamic backend are fixed at construction and
// never reassigned, so reads need no lock; only the dynamic backend's
// own storage (bbolt, or a test fake) is mutated, and it does its own
// synchronization.
type Store struct {
	static  [16]byte
	dynamic DynamicBackend

	group singleflight.Group
}

// New builds a Store around the canonical textual static identifier.
// dynamic may be nil if no KV backend is configured.
func New(staticUUID string, dynamic DynamicBackend) (*Store, error) {
	id, err := ParseUUID(staticUUID)
	if err != nil {
		return nil, fmt.Errorf("identity: invalid static UUID: %w", err)
	}
	return &Store{static: id, dynamic: dynamic}, nil
}

// ParseUUID parses the canonical 8-4-4-4-12 textual form into its raw
// 16 bytes.
func ParseUUID(s string) ([16]byte, error) {
	var out [16]byte
	u, err := uuid.FromString(s)
	if err != nil {
		return out, err
	}
	copy(out[:], u.Bytes())
	return out, nil
}

// ToHexKey renders id as the 32-character lowercase hex form without
// separators, the dynamic backend's key format.
func ToHexKey(id [16]byte) string {
	return hex.EncodeToString(id[:])
}

// Accept implements short-circuit static-then-dynamic evaluation: a
// byte-equal match against the static identifier accepts immediately;
// only on mismatch, and only if a dynamic backend is configured, is the
// KV store consulted. Rejecting an identifier never opens an outbound
// connection — Accept performs no I/O of its own beyond the (optional)
// backend lookup.
func (s *Store) Accept(id [16]byte) bool {
	if id == s.static {
		return true
	}

	if s.dynamic == nil {
		return false
	}

	key := ToHexKey(id)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.dynamic.Lookup(key)
	})
	if err != nil {
		log.Warnln("[Identity] dynamic backend lookup for %s failed: %v", key, err)
		return false
	}
	return v.(bool)
}

// Put inserts or updates an identity in the dynamic backend, making the
// tunnel engine able to accept that identifier on subsequent sessions.
// It is the storage half of the /api/create management endpoint.
func (s *Store) Put(hexKey string, metadata map[string]string) error {
	if s.dynamic == nil {
		return fmt.Errorf("identity: no dynamic backend configured")
	}
	return s.dynamic.Put(hexKey, metadata)
}

// Delete removes an identity from the dynamic backend; subsequent
// sessions with that identifier are rejected.
func (s *Store) Delete(hexKey string) error {
	if s.dynamic == nil {
		return fmt.Errorf("identity: no dynamic backend configured")
	}
	return s.dynamic.Delete(hexKey)
}

// Account is one row of the /api/accounts listing.
type Account struct {
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// List returns all dynamic-backend identities sorted by hex key, for
// the /api/accounts management endpoint.
func (s *Store) List() ([]Account, error) {
	if s.dynamic == nil {
		return nil, nil
	}

	raw, err := s.dynamic.List()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	accounts := make([]Account, 0, len(keys))
	for _, k := range keys {
		accounts = append(accounts, Account{UUID: k, Metadata: raw[k]})
	}
	return accounts, nil
}
