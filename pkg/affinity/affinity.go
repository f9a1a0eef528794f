// Package affinity implements the session affinity table: a bounded mapping
// from (frontend, client) to the backend the client was last sent to.
package affinity

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/easzlab/ezsock/pkg/lbmap"
)

// Key identifies a client of one frontend. ClientCookie is the caller's
// network namespace cookie, or its socket cookie when no namespace is known.
type Key struct {
	RevNatID     lbmap.RevNatID
	ClientCookie uint64
}

// Entry is the sticky backend of a client.
type Entry struct {
	BackendID lbmap.BackendID
	LastUsed  time.Time
}

// Expired reports whether the lease ran out at now.
func (e Entry) Expired(now time.Time, timeout time.Duration) bool {
	return !e.LastUsed.Add(timeout).After(now)
}

// Table is safe for concurrent use. Concurrent writers to the same key are
// not ordered: the last Update wins. Touch never changes the backend of an
// entry, so it cannot undo an Update.
type Table struct {
	// mu serializes writers so that Touch reads and refreshes an entry as one step.
	mu    sync.Mutex
	cache *lru.Cache[Key, Entry]
	now   func() time.Time
}

// New creates a Table holding at most maxEntries entries.
func New(maxEntries int) (*Table, error) {
	return NewWithClock(maxEntries, time.Now)
}

// NewWithClock creates a Table that timestamps entries with clock.
func NewWithClock(maxEntries int, clock func() time.Time) (*Table, error) {
	cache, err := lru.New[Key, Entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create affinity table: %w", err)
	}
	return &Table{cache: cache, now: clock}, nil
}

// Now returns the table's current time.
func (t *Table) Now() time.Time {
	return t.now()
}

// Lookup returns the entry for key.
func (t *Table) Lookup(key Key) (Entry, bool) {
	return t.cache.Get(key)
}

// Update stores backend as the sticky choice for key.
func (t *Table) Update(key Key, backend lbmap.BackendID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Add(key, Entry{BackendID: backend, LastUsed: t.now()})
}

// Touch refreshes the lease of key if it still points at backend, the
// choice the caller observed. It reports false when the entry is gone or
// was replaced in the meantime.
func (t *Table) Touch(key Key, backend lbmap.BackendID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.cache.Peek(key)
	if !ok || entry.BackendID != backend {
		return false
	}
	entry.LastUsed = t.now()
	t.cache.Add(key, entry)
	return true
}

// Delete removes key and reports whether it was present.
func (t *Table) Delete(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Remove(key)
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return t.cache.Len()
}
