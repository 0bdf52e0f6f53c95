// Package kvstore is a small document store persisted to a single file.
//
// The whole document lives in memory. Every mutation re-serializes it and
// replaces the file with [atomicfile.Writer.Write], so the file on disk is
// always a complete, parseable document even if the process dies mid-save.
package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"syscall"

	"github.com/calvinalkan/atomically/pkg/atomicfile"
)

// Store errors.
var (
	ErrClosed      = errors.New("store is closed")
	ErrKeyNotFound = errors.New("key not found")
	ErrKeyEmpty    = errors.New("key is empty")
	ErrNotAMap     = errors.New("key path crosses a non-map value")
)

// Options configures [Open].
type Options struct {
	// Codec selects the file format. Default: [JSON].
	Codec Codec

	// Writer persists and loads the file. Default: [atomicfile.Default].
	Writer *atomicfile.Writer

	// WriteOptions are passed to every save. Nil means the atomicfile
	// defaults.
	WriteOptions *atomicfile.WriteOptions

	// Defaults seeds the document when the file does not exist yet, and
	// is restored by [Store.Reset].
	Defaults map[string]any
}

// Store is a document keyed by dotted paths such as "server.port".
//
// Store is safe for concurrent use. Mutations are applied one at a time,
// each followed by a save; readers see the last successfully saved
// document.
type Store struct {
	path  string
	codec Codec
	w     *atomicfile.Writer
	wopts *atomicfile.WriteOptions
	defs  map[string]any

	// saveMu serializes mutations so each save writes on top of the last.
	saveMu sync.Mutex

	mu     sync.RWMutex
	doc    map[string]any
	closed bool
}

// Open loads the document at path. A missing file yields a copy of
// opts.Defaults; nothing is written until the first mutation.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	s := &Store{
		path:  path,
		codec: opts.Codec,
		w:     opts.Writer,
		wopts: opts.WriteOptions,
		defs:  clone(opts.Defaults),
	}

	if s.codec == nil {
		s.codec = JSON
	}

	if s.w == nil {
		s.w = atomicfile.Default()
	}

	doc, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	s.doc = doc

	return s, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string { return s.path }

// Codec returns the store's file format.
func (s *Store) Codec() Codec { return s.codec }

func (s *Store) load(ctx context.Context) (map[string]any, error) {
	data, err := s.w.Read(ctx, s.path, nil)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) {
			return s.defaults(), nil
		}

		return nil, err
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return s.defaults(), nil
	}

	doc, err := s.codec.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s %q: %w", s.codec.Name(), s.path, err)
	}

	if doc == nil {
		doc = map[string]any{}
	}

	return doc, nil
}

func (s *Store) defaults() map[string]any {
	doc := clone(s.defs)
	if doc == nil {
		doc = map[string]any{}
	}

	return doc
}

// Get returns the value at key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := lookup(s.doc, splitKey(key))
	if !ok {
		return nil, false
	}

	return cloneValue(v), true
}

// Has reports whether key is set.
func (s *Store) Has(key string) bool {
	_, ok := s.Get(key)

	return ok
}

// Keys returns the dotted paths of every leaf value, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string

	collectKeys(s.doc, "", &keys)
	slices.Sort(keys)

	return keys
}

// Snapshot returns a deep copy of the whole document.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return clone(s.doc)
}

// Set stores value at key, creating intermediate maps, and saves.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	parts := splitKey(key)
	if len(parts) == 0 {
		return ErrKeyEmpty
	}

	return s.mutate(ctx, func(doc map[string]any) error {
		return assign(doc, parts, cloneValue(value))
	})
}

// Delete removes key and saves. Deleting a missing key returns
// [ErrKeyNotFound] and does not write.
func (s *Store) Delete(ctx context.Context, key string) error {
	parts := splitKey(key)
	if len(parts) == 0 {
		return ErrKeyEmpty
	}

	return s.mutate(ctx, func(doc map[string]any) error {
		parent, ok := lookup(doc, parts[:len(parts)-1])
		if !ok {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}

		m, ok := parent.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}

		last := parts[len(parts)-1]
		if _, ok := m[last]; !ok {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}

		delete(m, last)

		return nil
	})
}

// Reset replaces the document with the defaults and saves.
func (s *Store) Reset(ctx context.Context) error {
	return s.mutate(ctx, func(doc map[string]any) error {
		clear(doc)
		maps.Copy(doc, s.defaults())

		return nil
	})
}

// Reload discards the in-memory document and reads the file again.
func (s *Store) Reload(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if s.isClosed() {
		return ErrClosed
	}

	doc, err := s.load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()

	return nil
}

// Close marks the store closed. Later calls fail with [ErrClosed].
func (s *Store) Close() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.closed = true

	return nil
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.closed
}

// mutate applies fn to a copy of the document, saves the copy and, only
// once the save succeeded, makes it the current document.
func (s *Store) mutate(ctx context.Context, fn func(doc map[string]any) error) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if s.isClosed() {
		return ErrClosed
	}

	next := s.Snapshot()
	if next == nil {
		next = map[string]any{}
	}

	err := fn(next)
	if err != nil {
		return err
	}

	data, err := s.codec.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.codec.Name(), err)
	}

	err = s.w.Write(ctx, s.path, data, s.wopts)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.doc = next
	s.mu.Unlock()

	return nil
}

func splitKey(key string) []string {
	if key == "" {
		return nil
	}

	return strings.Split(key, ".")
}

func lookup(doc map[string]any, parts []string) (any, bool) {
	var cur any = doc

	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}

		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}

	return cur, true
}

func assign(doc map[string]any, parts []string, value any) error {
	m := doc

	for i, p := range parts[:len(parts)-1] {
		next, ok := m[p]
		if !ok {
			child := map[string]any{}
			m[p] = child
			m = child

			continue
		}

		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotAMap, strings.Join(parts[:i+1], "."))
		}

		m = child
	}

	m[parts[len(parts)-1]] = value

	return nil
}

func collectKeys(m map[string]any, prefix string, out *[]string) {
	for k, v := range m {
		full := k
		if prefix != "" {
			full = prefix + "." + k
		}

		if child, ok := v.(map[string]any); ok && len(child) > 0 {
			collectKeys(child, full, out)

			continue
		}

		*out = append(*out, full)
	}
}

func clone(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}

	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clone(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}

		return out
	default:
		return v
	}
}
