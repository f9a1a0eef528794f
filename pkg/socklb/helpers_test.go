package socklb

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/easzlab/ezsock/pkg/hostns"
	"github.com/easzlab/ezsock/pkg/ipcache"
	"github.com/easzlab/ezsock/pkg/lbmap"
	"github.com/easzlab/ezsock/pkg/sockaddr"
)

const (
	hostNetns uint64 = 4026531840
	podNetns  uint64 = 4026532500
)

// fakeProber reports listeners registered by endpoint string.
type fakeProber struct {
	listening map[string]bool
}

func (p *fakeProber) Listening(protocol lbmap.Protocol, ep sockaddr.Endpoint) bool {
	return p.listening[ep.String()+"/"+protocol.String()]
}

// fakeSink records metric updates.
type fakeSink struct {
	mu     sync.Mutex
	counts map[string]int
}

func (s *fakeSink) Update(direction, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[direction+"/"+reason]++
}

func (s *fakeSink) get(direction, reason string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[direction+"/"+reason]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sequenceRand returns the given values in order, repeating the last one.
type sequenceRand struct {
	mu     sync.Mutex
	values []uint32
}

func (r *sequenceRand) Uint32() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return 0
	}
	v := r.values[0]
	if len(r.values) > 1 {
		r.values = r.values[1:]
	}
	return v
}

func (r *sequenceRand) set(values ...uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = values
}

type testEnv struct {
	engine *Engine
	mgr    *lbmap.Manager
	ipc    *ipcache.IPCache
	prober *fakeProber
	sink   *fakeSink
	clock  *fakeClock
	rand   *sequenceRand

	nextBackend lbmap.BackendID
	backendIDs  map[string]lbmap.BackendID
}

func defaultOptions() Options {
	return Options{
		EnableIPv4:            true,
		EnableIPv6:            true,
		EnableTCP:             true,
		EnableUDP:             true,
		EnablePeer:            true,
		EnableNodePort:        true,
		NodePortMin:           30000,
		NodePortMax:           32767,
		EnableHealthCheckBind: true,
		RevNatMaxEntries:      4096,
		AffinityMaxEntries:    4096,
		HealthMaxEntries:      128,
	}
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{
		mgr:        lbmap.NewManager(zap.NewNop()),
		ipc:        ipcache.New(zap.NewNop()),
		prober:     &fakeProber{listening: make(map[string]bool)},
		sink:       &fakeSink{counts: make(map[string]int)},
		clock:      &fakeClock{now: time.Unix(1700000000, 0)},
		rand:       &sequenceRand{},
		backendIDs: make(map[string]lbmap.BackendID),
	}
	engine, err := New(opts, Dependencies{
		Services:   env.mgr,
		Identities: env.ipc,
		Oracle:     hostns.NewStaticOracle(hostNetns),
		Prober:     env.prober,
		Metrics:    env.sink,
		Rand:       env.rand.Uint32,
		Clock:      env.clock.Now,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	env.engine = engine
	t.Cleanup(env.mgr.Close)
	return env
}

// backendID returns a stable ID for a backend endpoint, writing its record on first use.
func (env *testEnv) backendID(t *testing.T, endpoint string, protocol lbmap.Protocol) lbmap.BackendID {
	t.Helper()
	name := endpoint + "/" + protocol.String()
	if id, ok := env.backendIDs[name]; ok {
		return id
	}
	ap := netip.MustParseAddrPort(endpoint)
	env.nextBackend++
	id := env.nextBackend
	if err := env.mgr.UpsertBackend(&lbmap.Backend{ID: id, Address: ap.Addr(), Port: ap.Port(), Protocol: protocol}); err != nil {
		t.Fatalf("UpsertBackend failed: %v", err)
	}
	env.backendIDs[name] = id
	return id
}

// addService writes a frontend with its backends in slot order.
func (env *testEnv) addService(t *testing.T, frontend string, protocol lbmap.Protocol, flags lbmap.ServiceFlags, revNat lbmap.RevNatID, backends ...string) lbmap.ServiceKey {
	t.Helper()
	ap := netip.MustParseAddrPort(frontend)
	key := lbmap.ServiceKey{Address: ap.Addr(), Port: ap.Port(), Protocol: protocol}
	for i, b := range backends {
		id := env.backendID(t, b, protocol)
		if err := env.mgr.UpsertSlot(key.Slot(uint16(i+1)), id); err != nil {
			t.Fatalf("UpsertSlot failed: %v", err)
		}
		if err := env.mgr.AddAffinityMatch(revNat, id); err != nil {
			t.Fatalf("AddAffinityMatch failed: %v", err)
		}
	}
	svc := &lbmap.Service{
		Name:            frontend,
		Count:           uint16(len(backends)),
		RevNatID:        revNat,
		Flags:           flags,
		AffinityTimeout: time.Minute,
	}
	if err := env.mgr.UpsertService(key, svc); err != nil {
		t.Fatalf("UpsertService failed: %v", err)
	}
	return key
}

func (env *testEnv) setIdentity(prefix string, id ipcache.Identity) {
	env.ipc.Upsert(netip.MustParsePrefix(prefix), id)
}

// newSockAddr builds a hook context from "addr:port".
func newSockAddr(endpoint string, protocol lbmap.Protocol, cookie, netns uint64) *SockAddr {
	ap := netip.MustParseAddrPort(endpoint)
	return &SockAddr{
		Family:   sockaddr.FamilyOf(ap.Addr()),
		Protocol: protocol,
		Addr:     ap.Addr(),
		Port:     ap.Port(),
		Socket:   Socket{Cookie: cookie, NetnsCookie: netns},
	}
}

func endpointOf(sa *SockAddr) string {
	return netip.AddrPortFrom(sa.Addr, sa.Port).String()
}
