package vfs

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// MemBackend implements Backend over an in-memory badger/v4 store,
// registered under the "mem://" scheme. It exists for tests and for
// ephemeral arrays that never need to survive a process restart;
// badger runs in in-memory mode, so nothing is persisted, and each
// Write is one atomic badger transaction.
type MemBackend struct {
	db *badger.DB

	mu    sync.Mutex
	locks map[string]struct{}
}

// NewMemBackend opens a fresh in-memory badger instance.
func NewMemBackend() (*MemBackend, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("vfs mem: open badger: %w", err)
	}
	return &MemBackend{db: db, locks: make(map[string]struct{})}, nil
}

func memKey(uri string) []byte {
	if rest, ok := stripScheme(uri, "mem"); ok {
		return []byte(rest)
	}
	return []byte(uri)
}

func (m *MemBackend) Read(uri string, offset, length uint64) ([]byte, error) {
	var out []byte
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(memKey(uri))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append(out, val...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("vfs mem: read %s: %w", uri, err)
	}
	end := offset + length
	if end > uint64(len(out)) {
		end = uint64(len(out))
	}
	if offset > uint64(len(out)) {
		return []byte{}, nil
	}
	return out[offset:end], nil
}

func (m *MemBackend) Write(uri string, data []byte) error {
	err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(memKey(uri), data)
	})
	if err != nil {
		return fmt.Errorf("vfs mem: write %s: %w", uri, err)
	}
	return nil
}

func (m *MemBackend) List(prefix string) ([]string, error) {
	scheme := ""
	if _, ok := stripScheme(prefix, "mem"); ok {
		scheme = "mem://"
	}

	p := memKey(prefix)
	if len(p) > 0 && p[len(p)-1] != '/' {
		p = append(p, '/')
	}

	var out []string
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			key := string(it.Item().KeyCopy(nil))
			rest := strings.TrimPrefix(key, string(p))
			if idx := strings.IndexByte(rest, '/'); idx >= 0 {
				rest = rest[:idx]
			}
			entry := scheme + strings.TrimSuffix(string(p), "/") + "/" + rest
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vfs mem: list %s: %w", prefix, err)
	}

	sort.Strings(out)
	out = dedupe(out)
	return out, nil
}

func dedupe(in []string) []string {
	out := in[:0]
	var prev string
	for i, s := range in {
		if i == 0 || s != prev {
			out = append(out, s)
		}
		prev = s
	}
	return out
}

func (m *MemBackend) IsFile(uri string) (bool, error) {
	var exists bool
	err := m.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(memKey(uri))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("vfs mem: stat %s: %w", uri, err)
	}
	return exists, nil
}

func (m *MemBackend) IsDir(uri string) (bool, error) {
	entries, err := m.List(uri)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

func (m *MemBackend) Remove(uri string) error {
	prefix := memKey(uri)
	err := m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(prefix); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		dirPrefix := append(append([]byte{}, prefix...), '/')
		var keys [][]byte
		for it.Seek(dirPrefix); it.ValidForPrefix(dirPrefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("vfs mem: remove %s: %w", uri, err)
	}
	return nil
}

func (m *MemBackend) Move(oldURI, newURI string) error {
	data, err := m.Read(oldURI, 0, 1<<40)
	if err != nil {
		return fmt.Errorf("vfs mem: move read %s: %w", oldURI, err)
	}
	if err := m.Write(newURI, data); err != nil {
		return fmt.Errorf("vfs mem: move write %s: %w", newURI, err)
	}
	return m.Remove(oldURI)
}

func (m *MemBackend) CreateDir(uri string) error {
	return nil
}

func (m *MemBackend) Touch(uri string) error {
	if ok, _ := m.IsFile(uri); ok {
		return nil
	}
	return m.Write(uri, []byte{})
}

type memLockHandle struct {
	uri string
}

// FlockExclusive provides in-process-only mutual exclusion: the
// in-memory backend never spans processes, so a map guarded by a mutex
// is sufficient, unlike LocalBackend's cross-process unix.Flock.
func (m *MemBackend) FlockExclusive(uri string) (LockHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[uri]; held {
		return nil, fmt.Errorf("vfs mem: %s already locked", uri)
	}
	m.locks[uri] = struct{}{}
	return memLockHandle{uri: uri}, nil
}

func (m *MemBackend) Funlock(handle LockHandle) error {
	h, ok := handle.(memLockHandle)
	if !ok {
		return fmt.Errorf("vfs mem: funlock: handle not issued by this backend")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[h.uri]; !held {
		return fmt.Errorf("vfs mem: funlock: no outstanding lock for %s", h.uri)
	}
	delete(m.locks, h.uri)
	return nil
}

func (m *MemBackend) Close() error {
	return m.db.Close()
}
