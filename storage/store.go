package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemoryStore keeps CCC configurations for the lifetime of the process.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]map[uint16]uint16
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[uint16]uint16)}
}

// Load returns a copy of the configurations stored for peer.
func (m *MemoryStore) Load(peer string) (map[uint16]uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.data[peer]), nil
}

// Save records value for the CCC descriptor at handle. A zero value removes
// the record.
func (m *MemoryStore) Save(peer string, handle uint16, value uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	put(m.data, peer, handle, value)
	return nil
}

// FileStore persists CCC configurations as one YAML document. Every Save
// rewrites the document through a temporary file and a rename, so a crash
// leaves either the old or the new state on disk.
type FileStore struct {
	mu   sync.Mutex
	path string
	data map[string]map[uint16]uint16
}

// document is the on-disk layout: peer -> CCC handle -> bitmap.
type document struct {
	Peers map[string]map[uint16]uint16 `yaml:"peers"`
}

// OpenFileStore loads path, or starts empty when the file does not exist yet.
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]map[uint16]uint16),
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("storage: parse %s: %w", path, err)
	}
	for peer, handles := range doc.Peers {
		for h, v := range handles {
			put(fs.data, peer, h, v)
		}
	}
	return fs, nil
}

// Path returns the file backing the store.
func (f *FileStore) Path() string {
	return f.path
}

// Load returns a copy of the configurations stored for peer.
func (f *FileStore) Load(peer string) (map[uint16]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return clone(f.data[peer]), nil
}

// Save records value for the CCC descriptor at handle and flushes the file.
// A zero value removes the record.
func (f *FileStore) Save(peer string, handle uint16, value uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cur, ok := f.data[peer][handle]; (ok && cur == value) || (!ok && value == 0) {
		return nil
	}
	put(f.data, peer, handle, value)
	return f.flush()
}

// flush writes the whole document. Caller holds f.mu.
func (f *FileStore) flush() error {
	raw, err := yaml.Marshal(document{Peers: f.data})
	if err != nil {
		return fmt.Errorf("storage: encode: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("storage: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".subscriptions-*.yaml")
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("storage: replace %s: %w", f.path, err)
	}
	return nil
}

func put(data map[string]map[uint16]uint16, peer string, handle, value uint16) {
	if value == 0 {
		delete(data[peer], handle)
		if len(data[peer]) == 0 {
			delete(data, peer)
		}
		return
	}
	if data[peer] == nil {
		data[peer] = make(map[uint16]uint16)
	}
	data[peer][handle] = value
}

func clone(in map[uint16]uint16) map[uint16]uint16 {
	out := make(map[uint16]uint16, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
