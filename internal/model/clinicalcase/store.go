package clinicalcase

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Store exposes read-only case lookup for the simulation engine and handlers.
type Store interface {
	List() []Case
	FindCase(ref string) (Case, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Case
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied cases.
func NewMemoryStore(items []Case) *MemoryStore {
	return &MemoryStore{items: append([]Case(nil), items...)}
}

// LoadFile reads a JSON array of cases, in the same shape the case seeding
// script pushes into the content database.
func LoadFile(path string) ([]Case, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read case file: %w", err)
	}

	var items []Case
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode case file %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.ID) == "" || strings.TrimSpace(item.Code) == "" {
			return nil, fmt.Errorf("case #%d in %s: id and code are required", i, path)
		}
		for _, key := range []string{item.ID, strings.ToUpper(item.Code)} {
			if _, dup := seen[key]; dup {
				return nil, fmt.Errorf("case #%d in %s: duplicate identifier %q", i, path, key)
			}
			seen[key] = struct{}{}
		}
	}
	return items, nil
}

// List returns the case catalog.
func (s *MemoryStore) List() []Case {
	return append([]Case(nil), s.items...)
}

// FindCase looks up a case by internal id or by its human-readable code.
// Codes compare case-insensitively.
func (s *MemoryStore) FindCase(ref string) (Case, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Case{}, false
	}
	for _, item := range s.items {
		if item.ID == ref || strings.EqualFold(item.Code, ref) {
			return item, true
		}
	}
	return Case{}, false
}
