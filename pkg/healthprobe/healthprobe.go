// Package healthprobe keeps the intended peer of health probe sockets between
// their bind and their connect.
package healthprobe

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/easzlab/ezsock/pkg/lbmap"
	"github.com/easzlab/ezsock/pkg/sockaddr"
)

// Entry is the peer a probe socket asked to bind to.
type Entry struct {
	Peer     sockaddr.Endpoint
	Protocol lbmap.Protocol
	Family   sockaddr.Family
}

// Table maps socket cookies to probe entries.
type Table struct {
	lru *lru.Cache[uint64, Entry]
}

// New creates a Table holding at most maxEntries entries.
func New(maxEntries int) (*Table, error) {
	c, err := lru.New[uint64, Entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create health probe table: %w", err)
	}
	return &Table{lru: c}, nil
}

// Register records entry for the socket identified by cookie.
func (t *Table) Register(cookie uint64, entry Entry) error {
	if !entry.Peer.Addr.IsValid() {
		return fmt.Errorf("health probe peer for socket %d has no address", cookie)
	}
	t.lru.Add(cookie, entry)
	return nil
}

// Lookup returns the entry registered for cookie.
func (t *Table) Lookup(cookie uint64) (Entry, bool) {
	return t.lru.Get(cookie)
}

// Delete removes the entry registered for cookie.
func (t *Table) Delete(cookie uint64) bool {
	return t.lru.Remove(cookie)
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return t.lru.Len()
}
