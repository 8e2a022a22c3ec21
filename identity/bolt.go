package identity

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var identitiesBucket = []byte("identities")

// BoltBackend is the embedded-KV DynamicBackend, backed by an on-disk
// bbolt database.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBolt opens (creating if necessary) a bbolt database at path and
// ensures the identities bucket exists.
func OpenBolt(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(identitiesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("identity: init bolt bucket: %w", err)
	}

	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}

// Lookup returns true if hexKey has any stored value; a missing key is
// a reject, not an error.
func (b *BoltBackend) Lookup(hexKey string) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(identitiesBucket).Get([]byte(hexKey))
		found = v != nil
		return nil
	})
	return found, err
}

func (b *BoltBackend) Put(hexKey string, metadata map[string]string) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("identity: marshal metadata: %w", err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(identitiesBucket).Put([]byte(hexKey), data)
	})
}

func (b *BoltBackend) Delete(hexKey string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(identitiesBucket).Delete([]byte(hexKey))
	})
}

func (b *BoltBackend) List() (map[string]map[string]string, error) {
	out := make(map[string]map[string]string)
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(identitiesBucket).ForEach(func(k, v []byte) error {
			meta := make(map[string]string)
			if len(v) > 0 {
				if err := json.Unmarshal(v, &meta); err != nil {
					return fmt.Errorf("identity: unmarshal metadata for %s: %w", k, err)
				}
			}
			out[string(k)] = meta
			return nil
		})
	})
	return out, err
}
