package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var idempotencyBucket = []byte("idempotency")

// StoredResponse is the replayable result of a completed mutating request.
type StoredResponse struct {
	Status      int             `json:"status"`
	Body        json.RawMessage `json:"body"`
	CompletedAt int64           `json:"completedAt"`
}

// IdempotencyStore persists responses keyed by client-supplied idempotency
// keys so retried requests replay the original outcome instead of executing
// twice. Keys must be UUIDs.
type IdempotencyStore struct {
	db *bolt.DB
}

// OpenIdempotencyStore opens (or creates) the bbolt-backed store at path.
func OpenIdempotencyStore(path string) (*IdempotencyStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(idempotencyBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &IdempotencyStore{db: db}, nil
}

// Close releases the underlying database.
func (s *IdempotencyStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ValidateKey normalises an idempotency key, rejecting anything that is not
// a UUID.
func ValidateKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", fmt.Errorf("idempotency key required")
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("idempotency key must be a UUID: %v", err)
	}
	return parsed.String(), nil
}

// Get returns the stored response for a key, if any.
func (s *IdempotencyStore) Get(key string) (*StoredResponse, bool, error) {
	var stored *StoredResponse
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(idempotencyBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		stored = new(StoredResponse)
		return json.Unmarshal(raw, stored)
	})
	if err != nil {
		return nil, false, err
	}
	return stored, stored != nil, nil
}

// Put records the response for a key. First write wins; replays never
// overwrite the original outcome.
func (s *IdempotencyStore) Put(key string, resp *StoredResponse) error {
	if resp == nil {
		return fmt.Errorf("nil response")
	}
	if resp.CompletedAt == 0 {
		resp.CompletedAt = time.Now().Unix()
	}
	encoded, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(idempotencyBucket)
		if bucket.Get([]byte(key)) != nil {
			return nil
		}
		return bucket.Put([]byte(key), encoded)
	})
}
