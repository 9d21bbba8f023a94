package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"
)

// File is a ledger kept in one JSON document. It is loaded once at open and rewritten
// in full after every Put. The mutex only guards one process: two processes sharing a
// file will lose each other's updates, so partition work instead.
type File struct {
	mu      sync.Mutex
	path    string
	entries map[string]Entry
}

// OpenFile loads the ledger at path. A missing file is an empty ledger.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	f := &File{path: path, entries: make(map[string]Entry)}
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied resume path.
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if len(data) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(data, &f.entries); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", path, err)
	}
	if f.entries == nil {
		f.entries = make(map[string]Entry)
	}
	return f, nil
}

// Get returns the entry for key.
func (f *File) Get(key string) (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	return e, ok
}

// Done reports whether key is marked done.
func (f *File) Done(key string) bool {
	e, ok := f.Get(key)
	return ok && e.Done
}

// Put records entry and rewrites the file before returning.
func (f *File) Put(_ context.Context, key string, entry Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.entries[key]
	f.entries[key] = entry
	if err := f.flush(); err != nil {
		if had {
			f.entries[key] = prev
		} else {
			delete(f.entries, key)
		}
		return err
	}
	return nil
}

// Snapshot returns a copy of every entry.
func (f *File) Snapshot() map[string]Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.entries)
}

// Close is a no-op; every Put is already on disk.
func (f *File) Close() error {
	return nil
}

func (f *File) flush() error {
	data, err := json.MarshalIndent(f.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ledger-*")
	if err != nil {
		return fmt.Errorf("create ledger temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}
