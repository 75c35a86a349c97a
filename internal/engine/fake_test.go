package engine

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/kuuji/wgpanel/internal/config"
	"github.com/kuuji/wgpanel/internal/tunnel"
)

// --- Fake WireGuard device ---

// fakeDevice keeps the kernel peer set in memory. Thread-safe.
type fakeDevice struct {
	mu         sync.Mutex
	peers      map[config.Key]tunnel.PeerConfig
	privateKey config.Key
	listenPort int
	replaces   int

	// failAdd makes AddOrUpdatePeer fail.
	failAdd error
	// failAll makes every call fail.
	failAll error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{peers: make(map[config.Key]tunnel.PeerConfig)}
}

func (f *fakeDevice) ConfigureInterface(_ string, privateKey config.Key, listenPort int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	f.privateKey = privateKey
	f.listenPort = listenPort
	return nil
}

func (f *fakeDevice) AddOrUpdatePeer(_ string, peer tunnel.PeerConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	if f.failAdd != nil {
		return f.failAdd
	}
	f.peers[peer.PublicKey] = peer
	return nil
}

func (f *fakeDevice) RemovePeer(_ string, publicKey config.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	delete(f.peers, publicKey)
	return nil
}

func (f *fakeDevice) ReplacePeers(_ string, peers []tunnel.PeerConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	for _, p := range peers {
		if p.PublicKey.IsZero() {
			return fmt.Errorf("%w: missing public key", tunnel.ErrInvalidPeerConfig)
		}
	}
	f.replaces++
	f.peers = make(map[config.Key]tunnel.PeerConfig, len(peers))
	for _, p := range peers {
		f.peers[p.PublicKey] = p
	}
	return nil
}

func (f *fakeDevice) Stats(string) ([]tunnel.PeerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	var out []tunnel.PeerStats
	for k := range f.peers {
		hs := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		out = append(out, tunnel.PeerStats{PublicKey: k, ReceiveBytes: 100, TransmitBytes: 200, LastHandshake: &hs})
	}
	return out, nil
}

func (f *fakeDevice) has(k config.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.peers[k]
	return ok
}

func (f *fakeDevice) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

// --- Fake link manager ---

// fakeLinks records link operations without touching the kernel.
type fakeLinks struct {
	mu      sync.Mutex
	exists  bool
	up      bool
	addrs   map[netip.Prefix]bool
	routes  map[netip.Prefix]bool
	ops     []string
	failAdd error
	failIdx error
	failUp  error
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{
		addrs:  make(map[netip.Prefix]bool),
		routes: make(map[netip.Prefix]bool),
	}
}

func (f *fakeLinks) record(op string, args ...any) {
	f.ops = append(f.ops, fmt.Sprint(append([]any{op}, args...)...))
}

func (f *fakeLinks) EnsureLink(name string, _ int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ensure")
	if f.failAdd != nil {
		return false, f.failAdd
	}
	if f.exists {
		return false, nil
	}
	f.exists = true
	return true, nil
}

func (f *fakeLinks) LinkIndex(string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIdx != nil {
		return 0, f.failIdx
	}
	if !f.exists {
		return 0, tunnel.ErrLinkNotFound
	}
	return 7, nil
}

func (f *fakeLinks) AssignAddress(_ string, prefix netip.Prefix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("addr", prefix)
	if f.addrs[prefix] {
		return tunnel.ErrExists
	}
	f.addrs[prefix] = true
	return nil
}

func (f *fakeLinks) RemoveAddress(_ string, prefix netip.Prefix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("deladdr", prefix)
	delete(f.addrs, prefix)
	return nil
}

func (f *fakeLinks) SetLinkUp(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("up")
	if f.failUp != nil {
		return f.failUp
	}
	f.up = true
	return nil
}

func (f *fakeLinks) AddRoute(_ string, prefix netip.Prefix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("route", prefix)
	if f.routes[prefix] {
		return tunnel.ErrExists
	}
	f.routes[prefix] = true
	return nil
}

func (f *fakeLinks) RemoveRoute(_ string, prefix netip.Prefix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delroute", prefix)
	delete(f.routes, prefix)
	return nil
}

func (f *fakeLinks) DeleteLink(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete")
	f.exists = false
	f.up = false
	clear(f.addrs)
	clear(f.routes)
	return nil
}

func (f *fakeLinks) DefaultRouteInterface() (string, error) {
	return "eth0", nil
}

// --- Fake NAT ---

type fakeNAT struct {
	mu       sync.Mutex
	cidr     netip.Prefix
	outIface string
	active   bool
	setups   int
	failErr  error
}

func (f *fakeNAT) SetupMasquerade(cidr netip.Prefix, outIface string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setups++
	if f.failErr != nil {
		return f.failErr
	}
	f.cidr = cidr
	f.outIface = outIface
	f.active = true
	return nil
}

func (f *fakeNAT) TableExists() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeNAT) Cleanup() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	return nil
}
