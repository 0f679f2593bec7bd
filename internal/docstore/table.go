package docstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// ErrNotFound is returned when a document key is absent from the table.
var ErrNotFound = errors.New("document not found")

// Doc is implemented by types stored in a [Table].
type Doc[T any] interface {
	// Clone returns a deep copy. Tables only ever hand out clones.
	Clone() T
	// Key returns the unique identity of the document.
	Key() string
	// Validate checks that the document is well-formed before a write.
	Validate() error
}

// record is the on-disk envelope of one log line.
type record[T any] struct {
	Key     string `json:"key"`
	Deleted bool   `json:"deleted,omitempty"`
	Doc     T      `json:"doc,omitzero"`
}

// Table handles storage and in-memory caching for a single keyed collection
// in JSONL format.
type Table[T Doc[T]] struct {
	path string

	mu    sync.RWMutex
	docs  map[string]T
	order []string
	lines int
}

// NewTable creates a new Table and replays the log file.
func NewTable[T Doc[T]](path string) (*Table[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	t := &Table[T]{path: path}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table[T]) load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.docs = map[string]T{}
	t.order = nil
	t.lines = 0

	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open table file %s: %w", t.path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record[T]
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal record in %s: %w", t.path, err)
		}
		t.lines++
		if rec.Deleted {
			t.removeLocked(rec.Key)
			continue
		}
		if _, ok := t.docs[rec.Key]; !ok {
			t.order = append(t.order, rec.Key)
		}
		t.docs[rec.Key] = rec.Doc
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read table file %s: %w", t.path, err)
	}
	return t.maybeCompactLocked()
}

func (t *Table[T]) removeLocked(key string) {
	if _, ok := t.docs[key]; !ok {
		return
	}
	delete(t.docs, key)
	if i := slices.Index(t.order, key); i >= 0 {
		t.order = slices.Delete(t.order, i, i+1)
	}
}

// Len returns the number of live documents.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.docs)
}

// Size returns the on-disk size of the table file in bytes.
func (t *Table[T]) Size() (int64, error) {
	st, err := os.Stat(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to stat table file %s: %w", t.path, err)
	}
	return st.Size(), nil
}

// Get returns a clone of the document with the given key.
func (t *Table[T]) Get(key string) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	doc, ok := t.docs[key]
	if !ok {
		var zero T
		return zero, false
	}
	return doc.Clone(), true
}

// All returns an iterator over clones of all documents in insertion order.
func (t *Table[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		t.mu.RLock()
		defer t.mu.RUnlock()
		for _, key := range t.order {
			if !yield(t.docs[key].Clone()) {
				return
			}
		}
	}
}

// Put validates the document and inserts or replaces it.
func (t *Table[T]) Put(doc T) error {
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("invalid document %q: %w", doc.Key(), err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.putLocked(doc)
}

func (t *Table[T]) putLocked(doc T) error {
	if err := t.appendRecord(record[T]{Key: doc.Key(), Doc: doc}); err != nil {
		return err
	}
	key := doc.Key()
	if _, ok := t.docs[key]; !ok {
		t.order = append(t.order, key)
	}
	t.docs[key] = doc.Clone()
	return t.maybeCompactLocked()
}

// Delete removes the document with the given key. Deleting an absent key is
// a no-op.
func (t *Table[T]) Delete(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.docs[key]; !ok {
		return nil
	}
	if err := t.appendRecord(record[T]{Key: key, Deleted: true}); err != nil {
		return err
	}
	t.removeLocked(key)
	return t.maybeCompactLocked()
}

// Modify applies fn to the document under the write lock and persists the
// result. Returns [ErrNotFound] if the key is absent.
func (t *Table[T]) Modify(key string, fn func(T) (T, error)) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero T
	cur, ok := t.docs[key]
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	next, err := fn(cur.Clone())
	if err != nil {
		return zero, err
	}
	if err := next.Validate(); err != nil {
		return zero, fmt.Errorf("invalid document %q: %w", key, err)
	}
	if err := t.putLocked(next); err != nil {
		return zero, err
	}
	return next.Clone(), nil
}

// Upsert is the atomic conditional-upsert primitive. fn receives a clone of
// the current document (or the zero value) and whether it exists, and
// returns the document to store and whether to store it at all. The whole
// read-decide-write sequence runs under the write lock.
func (t *Table[T]) Upsert(key string, fn func(cur T, exists bool) (T, bool, error)) (T, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero T
	cur, ok := t.docs[key]
	if ok {
		cur = cur.Clone()
	}
	next, store, err := fn(cur, ok)
	if err != nil || !store {
		return zero, false, err
	}
	if err := next.Validate(); err != nil {
		return zero, false, fmt.Errorf("invalid document %q: %w", key, err)
	}
	if err := t.putLocked(next); err != nil {
		return zero, false, err
	}
	return next.Clone(), true, nil
}

// DeleteIf deletes the document only when fn approves the current value.
// Returns whether a deletion happened.
func (t *Table[T]) DeleteIf(key string, fn func(T) bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.docs[key]
	if !ok || !fn(cur.Clone()) {
		return false, nil
	}
	if err := t.appendRecord(record[T]{Key: key, Deleted: true}); err != nil {
		return false, err
	}
	t.removeLocked(key)
	return true, t.maybeCompactLocked()
}

func (t *Table[T]) appendRecord(rec record[T]) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open table file for append: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if _, err := f.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	t.lines++
	return nil
}

// maybeCompactLocked rewrites the log once dead records dominate it.
func (t *Table[T]) maybeCompactLocked() error {
	if t.lines <= 2*len(t.docs)+64 {
		return nil
	}
	return t.compactLocked()
}

func (t *Table[T]) compactLocked() error {
	tmp := t.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create compaction file: %w", err)
	}
	writer := bufio.NewWriter(f)
	for _, key := range t.order {
		data, err := json.Marshal(record[T]{Key: key, Doc: t.docs[key]})
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if _, err := writer.Write(data); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write record: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write newline: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to flush compaction file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close compaction file: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("failed to swap compacted table file: %w", err)
	}
	t.lines = len(t.docs)
	return nil
}

// Destroy deletes the backing file and empties the table. The dataset owns
// its collections; this is called when the dataset is deleted.
func (t *Table[T]) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.docs = map[string]T{}
	t.order = nil
	t.lines = 0
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove table file %s: %w", t.path, err)
	}
	return nil
}
