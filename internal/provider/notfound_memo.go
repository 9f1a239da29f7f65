package provider

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// NotFoundMemo remembers which output files the provider definitively
// returned an empty result for, so reruns skip the query instead of asking
// again. One memo file lives next to each source folder's outputs. Safe for
// concurrent use by pool workers.
type NotFoundMemo struct {
	mu    sync.Mutex
	path  string
	names map[string]struct{}
}

// LoadNotFoundMemo reads the memo at path, starting empty when the file
// does not exist or cannot be parsed.
func LoadNotFoundMemo(path string) *NotFoundMemo {
	m := &NotFoundMemo{path: path, names: make(map[string]struct{})}
	data, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return m
	}
	for _, n := range names {
		m.names[n] = struct{}{}
	}
	return m
}

// Has reports whether name was previously recorded as not found.
func (m *NotFoundMemo) Has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.names[name]
	return ok
}

// Add records name and persists the memo. Persistence errors are returned
// but the in-memory record sticks either way.
func (m *NotFoundMemo) Add(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.names[name]; ok {
		return nil
	}
	m.names[name] = struct{}{}
	return m.saveLocked()
}

func (m *NotFoundMemo) saveLocked() error {
	names := make([]string, 0, len(m.names))
	for n := range m.names {
		names = append(names, n)
	}
	sort.Strings(names)

	data, err := json.MarshalIndent(names, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write memo: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move memo into place: %w", err)
	}
	return nil
}
