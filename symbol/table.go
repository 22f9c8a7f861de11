// Package symbol implements string interning: every symbol name used by
// a program is mapped to a small, stable integer id so that symbol
// identity can be compared as an integer rather than a string. The
// interning structure (a patricia trie plus an id-indexed name slice)
// lives in ordinary Go memory, not in the environment's permanent arena,
// and grows monotonically for the lifetime of the table.
package symbol

import (
	"sync"

	"github.com/tchap/go-patricia/v2/patricia"
)

// ID is the 32-bit identifier carried directly inside a symbol value's
// tagged representation.
type ID int32

// bootstrap holds the handful of symbol names the compiler's built-in
// form table resolves by name on every single compile; giving them
// fixed, pre-assigned ids lets Intern skip the trie (and its lock)
// entirely for the hot path, the same trick the lookup table in
// storage/interning.go plays for common path segments.
var bootstrap = []string{
	"def", "set", "if", "fn", "do",
	"+", "-", "<", "<=", ">", ">=",
	"list", "put", "get",
}

// Table is an append-only string-to-ID interner. Lookups are amortized
// O(1); growth is unbounded for the life of the environment that owns
// the Table.
type Table struct {
	mu    sync.RWMutex
	trie  *patricia.Trie
	names []string
	fast  map[string]ID
}

// New returns a Table with the bootstrap symbol set pre-interned.
func New() *Table {
	t := &Table{
		trie: patricia.NewTrie(),
		fast: make(map[string]ID, len(bootstrap)),
	}
	for _, s := range bootstrap {
		t.internLocked(s)
	}
	return t
}

// internLocked assumes no concurrent access (construction time only).
func (t *Table) internLocked(s string) ID {
	id := ID(len(t.names))
	t.names = append(t.names, s)
	t.trie.Insert(patricia.Prefix(s), id)
	t.fast[s] = id
	return id
}

// Intern maps s to a stable ID, assigning a fresh one on first sight.
// Byte-equal strings always yield the same ID (the symbol intern law).
func (t *Table) Intern(s string) ID {
	// Fast path: the handful of built-in names, checked without a lock.
	// Safe because bootstrap entries are written once, before any Table
	// is shared across goroutines.
	if id, ok := t.fast[s]; ok {
		return id
	}

	t.mu.RLock()
	if item := t.trie.Get(patricia.Prefix(s)); item != nil {
		t.mu.RUnlock()
		return item.(ID)
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	// Double-checked: another goroutine may have interned s while we
	// waited for the write lock.
	if item := t.trie.Get(patricia.Prefix(s)); item != nil {
		return item.(ID)
	}
	id := ID(len(t.names))
	t.names = append(t.names, s)
	t.trie.Insert(patricia.Prefix(s), id)
	return id
}

// Lookup returns the interned string for id. Panics if id was never
// returned by Intern on this Table — callers only ever see ids they (or
// the compiler, on their behalf) obtained from Intern.
func (t *Table) Lookup(id ID) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.names[id]
}

// Len reports how many distinct symbols have been interned.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.names)
}
