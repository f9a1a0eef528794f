// Package ipcache classifies remote addresses into security identities by
// longest-prefix match.
package ipcache

import (
	"fmt"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix"
	"go.uber.org/zap"

	"github.com/easzlab/ezsock/pkg/config"
)

// Identity is a numeric security label.
type Identity uint32

// Reserved identities.
const (
	IdentityUnknown    Identity = 0
	IdentityHost       Identity = 1
	IdentityWorld      Identity = 2
	IdentityRemoteNode Identity = 6
)

func (i Identity) String() string {
	switch i {
	case IdentityUnknown:
		return "unknown"
	case IdentityHost:
		return "host"
	case IdentityWorld:
		return "world"
	case IdentityRemoteNode:
		return "remote-node"
	default:
		return strconv.FormatUint(uint64(i), 10)
	}
}

// IPCache maps prefixes to identities. Readers load an immutable tree without
// locking; writers build a new tree and swap it in.
type IPCache struct {
	tree   atomic.Pointer[iradix.Tree]
	mu     sync.Mutex
	logger *zap.Logger
}

// New creates an empty IPCache.
func New(logger *zap.Logger) *IPCache {
	c := &IPCache{logger: logger}
	c.tree.Store(iradix.New())
	return c
}

// prefixKey encodes a prefix as a family marker followed by one byte per
// significant bit, so that radix prefixes coincide with CIDR prefixes.
func prefixKey(prefix netip.Prefix) []byte {
	addr := prefix.Addr()
	bits := prefix.Bits()
	if addr.Is4In6() && bits >= 96 {
		addr = addr.Unmap()
		bits -= 96
	}
	key := make([]byte, 0, bits+1)
	if addr.Is4() {
		key = append(key, '4')
	} else {
		key = append(key, '6')
	}
	raw := addr.AsSlice()
	for i := 0; i < bits; i++ {
		if raw[i/8]&(0x80>>(i%8)) != 0 {
			key = append(key, '1')
		} else {
			key = append(key, '0')
		}
	}
	return key
}

// Lookup returns the identity of the most specific prefix containing addr.
// IPv4-mapped IPv6 addresses are classified as their IPv4 form.
func (c *IPCache) Lookup(addr netip.Addr) (Identity, bool) {
	if !addr.IsValid() {
		return IdentityUnknown, false
	}
	addr = addr.Unmap()
	_, v, ok := c.tree.Load().Root().LongestPrefix(prefixKey(netip.PrefixFrom(addr, addr.BitLen())))
	if !ok {
		return IdentityUnknown, false
	}
	return v.(Identity), true
}

// Upsert assigns id to prefix.
func (c *IPCache) Upsert(prefix netip.Prefix, id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tree, _, _ := c.tree.Load().Insert(prefixKey(prefix.Masked()), id)
	c.tree.Store(tree)
	c.logger.Debug("upserted identity", zap.Stringer("prefix", prefix), zap.Stringer("identity", id))
}

// Delete removes prefix and reports whether it was present.
func (c *IPCache) Delete(prefix netip.Prefix) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tree, _, ok := c.tree.Load().Delete(prefixKey(prefix.Masked()))
	if ok {
		c.tree.Store(tree)
		c.logger.Debug("deleted identity", zap.Stringer("prefix", prefix))
	}
	return ok
}

// Replace atomically swaps the whole content for entries.
func (c *IPCache) Replace(entries map[netip.Prefix]Identity) {
	txn := iradix.New().Txn()
	for prefix, id := range entries {
		txn.Insert(prefixKey(prefix.Masked()), id)
	}
	c.mu.Lock()
	c.tree.Store(txn.Commit())
	c.mu.Unlock()
	c.logger.Info("replaced identity cache", zap.Int("entries", len(entries)))
}

// Len returns the number of prefixes.
func (c *IPCache) Len() int {
	return c.tree.Load().Len()
}

// EntriesFromConfig converts the configured identities into cache entries.
func EntriesFromConfig(cfgs []config.IdentityConfig) (map[netip.Prefix]Identity, error) {
	entries := make(map[netip.Prefix]Identity, len(cfgs))
	for _, ic := range cfgs {
		prefix, err := netip.ParsePrefix(ic.CIDR)
		if err != nil {
			return nil, fmt.Errorf("invalid cidr %q: %w", ic.CIDR, err)
		}
		id, err := config.ParseIdentity(ic.Identity)
		if err != nil {
			return nil, err
		}
		entries[prefix.Masked()] = Identity(id)
	}
	return entries, nil
}
