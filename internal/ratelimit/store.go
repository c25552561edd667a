package ratelimit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Store persists rate-limit windows, one list of turn timestamps per caller
// key. The limiter is the only writer; no other component touches the
// window state directly.
type Store interface {
	Load(key string) ([]time.Time, error)
	Save(key string, stamps []time.Time) error
	Keys() ([]string, error)
}

// FileStore keeps one JSON file per key under a directory, written
// atomically via a temp file and rename.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file-backed Store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, sanitizeKey(key)+".json")
}

// sanitizeKey maps a caller key to a safe file name.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}

// Load returns the stored window for key, or nil if none exists yet.
func (s *FileStore) Load(key string) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read window: %w", err)
	}
	var stamps []time.Time
	if err := json.Unmarshal(data, &stamps); err != nil {
		return nil, fmt.Errorf("unmarshal window: %w", err)
	}
	return stamps, nil
}

// Save persists the window for key.
func (s *FileStore) Save(key string, stamps []time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create ratelimit dir: %w", err)
	}
	if stamps == nil {
		stamps = []time.Time{}
	}
	data, err := json.Marshal(stamps)
	if err != nil {
		return fmt.Errorf("marshal window: %w", err)
	}
	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp window: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp window: %w", err)
	}
	return nil
}

// Keys lists every key with a stored window.
func (s *FileStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ratelimit dir: %w", err)
	}
	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	return keys, nil
}

// MemoryStore is an in-memory Store for tests and single-run clients.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string][]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string][]time.Time)}
}

func (s *MemoryStore) Load(key string) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamps := s.m[key]
	out := make([]time.Time, len(stamps))
	copy(out, stamps)
	return out, nil
}

func (s *MemoryStore) Save(key string, stamps []time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, len(stamps))
	copy(out, stamps)
	s.m[key] = out
	return nil
}

func (s *MemoryStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	return keys, nil
}
