// Package tokenstore persists OAuth credentials per provider. The file
// implementation replaces the record atomically (temp file + rename) and
// flushes durably before reporting success, so a partial update is never
// visible across a crash.
package tokenstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is the persisted credential set for one provider.
type Record struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes"`
	UserID       string    `json:"user_id"`
}

// Expired reports whether the record is expired at now, with buffer headroom
// subtracted (a record inside the refresh buffer counts as expired).
func (r *Record) Expired(now time.Time, buffer time.Duration) bool {
	return !now.Add(buffer).Before(r.ExpiresAt)
}

// HasScope reports whether scope was granted.
func (r *Record) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Store is the persistence abstraction. Load returns (nil, nil) when no
// record exists for the provider.
type Store interface {
	Load(provider string) (*Record, error)
	Save(provider string, rec *Record) error
	Delete(provider string) error
}

// FileStore keeps one JSON file per provider under a directory.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates the directory if needed and returns a FileStore.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("token dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(provider string) string {
	return filepath.Join(s.dir, provider+".json")
}

func (s *FileStore) Load(provider string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path(provider))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode %s tokens: %w", provider, err)
	}
	return &rec, nil
}

// Save writes the record to a temp file, fsyncs it, renames it over the
// previous file, then fsyncs the directory so the rename itself is durable.
func (s *FileStore) Save(provider string, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, provider+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path(provider)); err != nil {
		return err
	}
	return syncDir(s.dir)
}

func (s *FileStore) Delete(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(provider)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return syncDir(s.dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
