package healthprobe

import (
	"net/netip"
	"testing"

	"github.com/easzlab/ezsock/pkg/lbmap"
	"github.com/easzlab/ezsock/pkg/sockaddr"
)

func newTestTable(t *testing.T, size int) *Table {
	t.Helper()
	table, err := New(size)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return table
}

func testEntry(addr string, port uint16) Entry {
	return Entry{
		Peer:     sockaddr.NewEndpoint(netip.MustParseAddr(addr), port),
		Protocol: lbmap.ProtoTCP,
		Family:   sockaddr.FamilyV4,
	}
}

func TestRegisterLookup(t *testing.T) {
	table := newTestTable(t, 4)
	entry := testEntry("10.0.0.5", 8080)

	if err := table.Register(11, entry); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	got, ok := table.Lookup(11)
	if !ok || got != entry {
		t.Fatalf("Lookup = %+v, %v", got, ok)
	}
	if _, ok := table.Lookup(12); ok {
		t.Error("expected miss for another socket")
	}
}

func TestRegisterRejectsMissingPeer(t *testing.T) {
	table := newTestTable(t, 4)
	if err := table.Register(11, Entry{Protocol: lbmap.ProtoTCP}); err == nil {
		t.Error("expected error for entry without peer address")
	}
}

func TestEvictionAtCapacity(t *testing.T) {
	table := newTestTable(t, 2)
	for cookie := uint64(1); cookie <= 3; cookie++ {
		if err := table.Register(cookie, testEntry("10.0.0.5", uint16(8080+cookie))); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	if table.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", table.Len())
	}
	if _, ok := table.Lookup(1); ok {
		t.Error("expected the oldest registration to be evicted")
	}
}

func TestDelete(t *testing.T) {
	table := newTestTable(t, 2)
	_ = table.Register(1, testEntry("10.0.0.5", 8080))
	if !table.Delete(1) {
		t.Fatal("expected delete to report presence")
	}
	if table.Delete(1) {
		t.Error("expected second delete to report absence")
	}
}
