// Package xenbus implements the key/value control channel through which a
// frontend and backend negotiate rings, event channels and features.
//
// Paths are slash separated. Values are decimal integers or short tokens.
// Absence of an optional key means the feature is not offered.
package xenbus

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gvisor.dev/gvisor/pkg/sync"
)

var (
	ErrNotFound   = errors.New("key not found")
	ErrPermission = errors.New("permission denied")
	ErrBadValue   = errors.New("malformed value")
)

// Join builds a store path from its elements.
func Join(elem ...string) string { return strings.Join(elem, "/") }

// Store is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	data     map[string]string
	readOnly map[string]bool
	watches  map[*Watch]struct{}
}

func NewStore() *Store {
	return &Store{
		data:     make(map[string]string),
		readOnly: make(map[string]bool),
		watches:  make(map[*Watch]struct{}),
	}
}

// Read returns the value at path.
func (s *Store) Read(path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[path]
	if !ok {
		return "", fmt.Errorf("reading %q: %w", path, ErrNotFound)
	}
	return v, nil
}

// Write sets path to value and fires matching watches.
func (s *Store) Write(path, value string) error {
	return s.Transaction(func(tx *Txn) error { return tx.Write(path, value) })
}

// Remove deletes path and everything below it.
func (s *Store) Remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deniedLocked(path) {
		return fmt.Errorf("removing %q: %w", path, ErrPermission)
	}
	for k := range s.data {
		if k == path || strings.HasPrefix(k, path+"/") {
			delete(s.data, k)
		}
	}
	s.fireLocked([]string{path})
	return nil
}

// SetReadOnly makes writes below prefix fail with ErrPermission.
func (s *Store) SetReadOnly(prefix string, ro bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ro {
		s.readOnly[prefix] = true
	} else {
		delete(s.readOnly, prefix)
	}
}

func (s *Store) deniedLocked(path string) bool {
	for p := range s.readOnly {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// ReadInt parses the value at path as a decimal integer.
func (s *Store) ReadInt(path string) (int64, error) {
	v, err := s.Read(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %q=%q: %w", path, v, ErrBadValue)
	}
	return n, nil
}

// ReadUint parses the value at path as an unsigned decimal integer.
func (s *Store) ReadUint(path string) (uint64, error) {
	v, err := s.Read(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %q=%q: %w", path, v, ErrBadValue)
	}
	return n, nil
}

// ReadFeature reads an optional boolean feature flag. An absent key reads
// as false.
func (s *Store) ReadFeature(path string) (bool, error) {
	n, err := s.ReadInt(path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

func (s *Store) WriteInt(path string, v int64) error {
	return s.Write(path, strconv.FormatInt(v, 10))
}

// Txn batches writes that are applied together or not at all.
type Txn struct {
	s      *Store
	writes map[string]string
	order  []string
}

// Write buffers a write. Permission is checked at commit.
func (tx *Txn) Write(path, value string) error {
	if _, ok := tx.writes[path]; !ok {
		tx.order = append(tx.order, path)
	}
	tx.writes[path] = value
	return nil
}

func (tx *Txn) WriteInt(path string, v int64) error {
	return tx.Write(path, strconv.FormatInt(v, 10))
}

// WriteBool writes 1 or 0.
func (tx *Txn) WriteBool(path string, v bool) error {
	if v {
		return tx.Write(path, "1")
	}
	return tx.Write(path, "0")
}

// Transaction runs fn and commits its writes atomically if fn returns nil.
// If any write is denied nothing is applied.
func (s *Store) Transaction(fn func(tx *Txn) error) error {
	tx := &Txn{s: s, writes: make(map[string]string)}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range tx.order {
		if s.deniedLocked(p) {
			return fmt.Errorf("writing %q: %w", p, ErrPermission)
		}
	}
	for _, p := range tx.order {
		s.data[p] = tx.writes[p]
	}
	s.fireLocked(tx.order)
	return nil
}

// Watch signals when any path at or below its prefix changes.
type Watch struct {
	s      *Store
	prefix string
	c      chan struct{}
}

// Watch registers a watch on prefix. The watch fires once immediately so the
// caller reads initial state.
func (s *Store) Watch(prefix string) *Watch {
	w := &Watch{s: s, prefix: prefix, c: make(chan struct{}, 1)}
	w.c <- struct{}{}
	s.mu.Lock()
	s.watches[w] = struct{}{}
	s.mu.Unlock()
	return w
}

// C delivers coalesced change notifications.
func (w *Watch) C() <-chan struct{} { return w.c }

func (w *Watch) Close() {
	w.s.mu.Lock()
	delete(w.s.watches, w)
	w.s.mu.Unlock()
}

func (s *Store) fireLocked(paths []string) {
	for w := range s.watches {
		for _, p := range paths {
			if p == w.prefix || strings.HasPrefix(p, w.prefix+"/") {
				select {
				case w.c <- struct{}{}:
				default:
				}
				break
			}
		}
	}
}
