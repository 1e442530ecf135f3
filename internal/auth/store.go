package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// CredentialStore is the host-side accessor and mutator for the packed credential.
type CredentialStore interface {
	Credential(ctx context.Context) (*OAuthCredential, error)
	SetCredential(ctx context.Context, cred *OAuthCredential) error
}

// FileCredentialStore keeps the credential in a single JSON file.
type FileCredentialStore struct {
	mu   sync.Mutex
	path string
}

// NewFileCredentialStore creates a store at path. An empty path resolves to
// ~/.antigravity/antigravity-credential.json.
func NewFileCredentialStore(path string) *FileCredentialStore {
	if path == "" {
		dir := ".antigravity"
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".antigravity")
		}
		path = filepath.Join(dir, "antigravity-credential.json")
	}
	return &FileCredentialStore{path: path}
}

// Path returns the credential file location.
func (s *FileCredentialStore) Path() string {
	return s.path
}

// Credential reads the stored credential. A missing file yields (nil, nil).
func (s *FileCredentialStore) Credential(_ context.Context) (*OAuthCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	var cred OAuthCredential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &cred, nil
}

// SetCredential overwrites the stored credential.
func (s *FileCredentialStore) SetCredential(_ context.Context, cred *OAuthCredential) error {
	if cred == nil {
		return fmt.Errorf("credentials are nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	if err := WriteFileAtomic(s.path, data, 0600); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}
	return nil
}

// MemoryCredentialStore holds the credential in memory.
type MemoryCredentialStore struct {
	mu   sync.Mutex
	cred *OAuthCredential
}

// NewMemoryCredentialStore creates a store seeded with cred.
func NewMemoryCredentialStore(cred *OAuthCredential) *MemoryCredentialStore {
	return &MemoryCredentialStore{cred: cred}
}

func (s *MemoryCredentialStore) Credential(_ context.Context) (*OAuthCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return nil, nil
	}
	c := *s.cred
	return &c, nil
}

func (s *MemoryCredentialStore) SetCredential(_ context.Context, cred *OAuthCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred == nil {
		s.cred = nil
		return nil
	}
	c := *cred
	s.cred = &c
	return nil
}
