package api

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ceciliomichael/antigravity-gateway/internal/auth"
	"github.com/google/uuid"
)

const (
	apiKeysFilename = "api_keys.json"
)

// APIKey is a gateway access key issued through the admin routes.
type APIKey struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	Note      string    `json:"note,omitempty"`
	// RateLimit overrides the server-wide requests per minute when positive.
	RateLimit int `json:"rate_limit,omitempty"`
	// AllowedModels restricts the key to these models when non-empty.
	AllowedModels []string `json:"allowed_models,omitempty"`
}

// KeyStore manages API key persistence and validation.
type KeyStore struct {
	path string
	keys map[string]*APIKey
	mu   sync.RWMutex
}

// NewKeyStore opens the key file in dir, creating nothing until the first key is issued.
func NewKeyStore(dir string) (*KeyStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("data directory cannot be empty")
	}

	ks := &KeyStore{
		path: filepath.Join(dir, apiKeysFilename),
		keys: make(map[string]*APIKey),
	}

	if err := ks.load(); err != nil {
		return nil, err
	}

	return ks, nil
}

// Generate issues a new key and saves it.
func (ks *KeyStore) Generate(note string, rateLimit int, allowedModels []string) (*APIKey, error) {
	apiKey := &APIKey{
		Key:           uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
		Note:          note,
		RateLimit:     rateLimit,
		AllowedModels: allowedModels,
	}

	err := ks.update(func(keys map[string]*APIKey) (func(), error) {
		keys[apiKey.Key] = apiKey
		return func() { delete(keys, apiKey.Key) }, nil
	})
	if err != nil {
		return nil, err
	}
	c := *apiKey
	return &c, nil
}

// update applies mutate under the write lock and persists the result. The
// returned undo restores the previous state when saving fails.
func (ks *KeyStore) update(mutate func(keys map[string]*APIKey) (undo func(), err error)) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	undo, err := mutate(ks.keys)
	if err != nil {
		return err
	}
	if err := ks.save(); err != nil {
		undo()
		return fmt.Errorf("save keys: %w", err)
	}
	return nil
}

// Validate checks if the provided API key is known.
func (ks *KeyStore) Validate(key string) bool {
	return ks.Get(key) != nil
}

// Get returns a copy of the key record, or nil.
func (ks *KeyStore) Get(key string) *APIKey {
	if key == "" {
		return nil
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	k, ok := ks.keys[key]
	if !ok {
		return nil
	}
	c := *k
	c.AllowedModels = append([]string(nil), k.AllowedModels...)
	return &c
}

// Len returns the number of issued keys.
func (ks *KeyStore) Len() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.keys)
}

// List returns all keys, oldest first.
func (ks *KeyStore) List() []APIKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	list := make([]APIKey, 0, len(ks.keys))
	for _, k := range ks.keys {
		list = append(list, *k)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list
}

// Revoke removes an API key from the store.
func (ks *KeyStore) Revoke(key string) error {
	return ks.update(func(keys map[string]*APIKey) (func(), error) {
		original, ok := keys[key]
		if !ok {
			return nil, errKeyNotFound
		}
		delete(keys, key)
		return func() { keys[key] = original }, nil
	})
}

func (ks *KeyStore) load() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	data, err := os.ReadFile(ks.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read keys file: %w", err)
	}

	var storedKeys []*APIKey
	if err := json.Unmarshal(data, &storedKeys); err != nil {
		return fmt.Errorf("parse keys file: %w", err)
	}

	for _, k := range storedKeys {
		ks.keys[k.Key] = k
	}

	return nil
}

// save writes keys to disk. Caller must hold the lock.
func (ks *KeyStore) save() error {
	list := make([]*APIKey, 0, len(ks.keys))
	for _, k := range ks.keys {
		list = append(list, k)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keys: %w", err)
	}

	if err := auth.WriteFileAtomic(ks.path, data, 0600); err != nil {
		return fmt.Errorf("write keys file: %w", err)
	}

	return nil
}
