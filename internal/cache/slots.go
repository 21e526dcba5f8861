package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SlotStore is a directory of materialized archive members, one file per
// member name. Writers publish through a temporary file renamed into place,
// so a reader never observes a partially written member. Operations on the
// same slot are serialized by a per-slot lock.
type SlotStore struct {
	dir   string
	mu    sync.Mutex
	slots map[string]*slotLock
}

type slotLock struct {
	mu   sync.Mutex
	refs int
}

// NewSlotStore creates a slot store rooted at dir
func NewSlotStore(dir string) *SlotStore {
	return &SlotStore{
		dir:   dir,
		slots: make(map[string]*slotLock),
	}
}

// Dir returns the root directory
func (s *SlotStore) Dir() string {
	return s.dir
}

// Lock acquires the slot lock for name and returns its release function
func (s *SlotStore) Lock(name string) func() {
	s.mu.Lock()
	l, ok := s.slots[name]
	if !ok {
		l = &slotLock{}
		s.slots[name] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.slots, name)
		}
		s.mu.Unlock()
	}
}

// Get returns the payload of a materialized member
func (s *SlotStore) Get(name string) ([]byte, bool, error) {
	unlock := s.Lock(name)
	defer unlock()
	return s.read(name)
}

// Put publishes a member payload
func (s *SlotStore) Put(name string, data []byte) error {
	unlock := s.Lock(name)
	defer unlock()
	return s.write(name, data)
}

// Evict removes a member; evicting an absent member is not an error
func (s *SlotStore) Evict(name string) error {
	unlock := s.Lock(name)
	defer unlock()
	if err := os.Remove(s.Path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("evict %s: %w", name, err)
	}
	return nil
}

// Has reports whether a member is materialized
func (s *SlotStore) Has(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// Clear deletes the whole cache directory
func (s *SlotStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(s.dir)
}

// Usage returns the number of materialized members and their total size
func (s *SlotStore) Usage() (int, int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, err
	}

	var count int
	var size int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".slot") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		count++
		size += info.Size()
	}
	return count, size, nil
}

// Path returns the file backing a slot
func (s *SlotStore) Path(name string) string {
	return filepath.Join(s.dir, slotFileName(name)+".slot")
}

// read and write expect the caller to hold the slot lock

func (s *SlotStore) read(name string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read slot %s: %w", name, err)
	}
	return data, true, nil
}

func (s *SlotStore) write(name string, data []byte) error {
	if err := writeFileAtomic(s.dir, s.Path(name), data); err != nil {
		return fmt.Errorf("publish slot %s: %w", name, err)
	}
	return nil
}

// slotFileName flattens a member name into a single path element
func slotFileName(name string) string {
	r := strings.NewReplacer("/", "__", "\\", "__", ":", "_", "..", "_")
	return r.Replace(name)
}

// writeFileAtomic writes data to a temporary file in dir and renames it to path
func writeFileAtomic(dir, path string, data []byte) (err error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
