// Package revnat implements the reverse translation cache: per socket, the
// frontend a backend address was translated from.
package revnat

import (
	"errors"
	"fmt"
	"net/netip"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/easzlab/ezsock/pkg/lbmap"
)

// ErrInvalidKey is returned when recording an entry without a backend address.
var ErrInvalidKey = errors.New("reverse translation key has no address")

// Key identifies a translated flow from the socket's point of view.
type Key struct {
	Cookie  uint64
	Address netip.Addr
	Port    uint16
}

// Entry is the frontend a flow was translated from.
type Entry struct {
	Address  netip.Addr
	Port     uint16
	RevNatID lbmap.RevNatID
}

// Cache is a bounded LRU table. Entries are not removed when their socket
// closes; they age out under capacity pressure or are deleted once proven
// stale.
type Cache struct {
	lru *lru.Cache[Key, Entry]
}

// New creates a Cache holding at most maxEntries entries.
func New(maxEntries int) (*Cache, error) {
	c, err := lru.New[Key, Entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create reverse translation cache: %w", err)
	}
	return &Cache{lru: c}, nil
}

// Record stores entry under key. An identical existing entry is left as is.
func (c *Cache) Record(key Key, entry Entry) error {
	if !key.Address.IsValid() {
		return ErrInvalidKey
	}
	if cur, ok := c.lru.Peek(key); ok && cur == entry {
		return nil
	}
	c.lru.Add(key, entry)
	return nil
}

// Lookup returns the entry stored under key.
func (c *Cache) Lookup(key Key) (Entry, bool) {
	return c.lru.Get(key)
}

// Delete removes key and reports whether it was present.
func (c *Cache) Delete(key Key) bool {
	return c.lru.Remove(key)
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
