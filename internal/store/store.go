package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// Store persists named collections as JSON files under a data directory.
// Load returns whether a previously saved value existed; Save is best effort
// and reports failures through the error callback instead of returning them,
// since callers treat persistence as a fire-and-forget side task and the
// in-memory value stays authoritative either way.
type Store struct {
	dir     string
	logger  *log.Logger
	onError func(error)
}

// New creates a Store rooted at dir. onError may be nil.
func New(dir string, logger *log.Logger, onError func(error)) *Store {
	if logger == nil {
		panic("Store: logger cannot be nil")
	}
	return &Store{dir: dir, logger: logger, onError: onError}
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Load reads the collection named key into v. Returns false if no saved value
// exists or the file cannot be parsed; v is left untouched on failure.
func (s *Store) Load(key string, v any) bool {
	raw, err := os.ReadFile(s.path(key))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Printf("Store: load %s: %v", key, err)
		}
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		s.logger.Printf("Store: load %s: parse failed: %v", key, err)
		return false
	}
	return true
}

// Save writes v as the collection named key.
func (s *Store) Save(key string, v any) {
	if err := s.save(key, v); err != nil {
		s.logger.Printf("Store: save %s: %v", key, err)
		if s.onError != nil {
			s.onError(fmt.Errorf("save %s: %w", key, err))
		}
	}
}

func (s *Store) save(key string, v any) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(key), raw, 0o644)
}
