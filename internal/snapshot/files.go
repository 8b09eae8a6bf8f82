package snapshot

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/ChuLiYu/alertqueue/pkg/types"
)

// Files opens stores by path: *.db and *.sqlite go to SQLite, anything else
// is a JSON file. Opened stores are cached until Close.
type Files struct {
	// Dir resolves relative paths. Empty means the working directory.
	Dir string
	// Retention applies to SQLite stores.
	Retention int

	mu     sync.Mutex
	stores map[string]Store
}

// Open returns the store for path.
func (f *Files) Open(path string) (Store, error) {
	if f.Dir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(f.Dir, path)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.stores[path]; ok {
		return s, nil
	}

	var (
		s   Store
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		s, err = OpenSQLite(path, f.Retention)
	default:
		s = NewManager(path)
	}
	if err != nil {
		return nil, err
	}
	if f.stores == nil {
		f.stores = make(map[string]Store)
	}
	f.stores[path] = s
	return s, nil
}

// Write implements queue.SnapshotFiles.
func (f *Files) Write(path string, data types.SnapshotData) error {
	s, err := f.Open(path)
	if err != nil {
		return err
	}
	return s.Write(data)
}

// Load implements queue.SnapshotFiles.
func (f *Files) Load(path string) (types.SnapshotData, error) {
	s, err := f.Open(path)
	if err != nil {
		return types.SnapshotData{}, err
	}
	return s.Load()
}

// Close releases every cached store that holds resources.
func (f *Files) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var first error
	for path, s := range f.stores {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
		delete(f.stores, path)
	}
	return first
}
