package api

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/kuuji/wgpanel/internal/config"
	"github.com/kuuji/wgpanel/internal/engine"
	"github.com/kuuji/wgpanel/internal/store"
)

// fakeBackend is an in-memory Backend. err, when set, is returned by every
// call; statsErr only by Stats.
type fakeBackend struct {
	mu       sync.Mutex
	iface    store.Interface
	peers    map[string]store.Peer
	next     int
	err      error
	statsErr error

	lastIfaceUpdate engine.InterfaceUpdate
}

func newFakeBackend() *fakeBackend {
	priv, pub, err := config.GenerateKeyPair()
	if err != nil {
		panic(err)
	}
	return &fakeBackend{
		iface: store.Interface{
			ID:          "iface",
			Name:        "wg0",
			PrivateKey:  priv,
			PublicKey:   pub,
			ListenPort:  51820,
			IPv4CIDR:    netip.MustParsePrefix("10.8.0.0/24"),
			IPv4Address: netip.MustParseAddr("10.8.0.1"),
		},
		peers: make(map[string]store.Peer),
	}
}

func (f *fakeBackend) ListPeers(context.Context) ([]store.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]store.Peer, 0, len(f.peers))
	for _, p := range f.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeBackend) GetPeer(_ context.Context, id string) (store.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return store.Peer{}, f.err
	}
	p, ok := f.peers[id]
	if !ok {
		return store.Peer{}, fmt.Errorf("%w: peer %s", engine.ErrNotFound, id)
	}
	return p, nil
}

func (f *fakeBackend) CreatePeer(_ context.Context, req engine.CreatePeerRequest) (store.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return store.Peer{}, f.err
	}
	if req.Name == "" {
		return store.Peer{}, fmt.Errorf("%w: name is required", engine.ErrValidation)
	}
	priv, pub, err := config.GenerateKeyPair()
	if err != nil {
		return store.Peer{}, err
	}
	f.next++
	p := store.Peer{
		ID:         fmt.Sprintf("p%d", f.next),
		Name:       req.Name,
		PublicKey:  pub,
		PrivateKey: &priv,
		IPv4:       netip.AddrFrom4([4]byte{10, 8, 0, byte(f.next + 1)}),
		Enabled:    true,
		CreatedAt:  time.Date(2026, 6, 1, 12, 0, f.next, 0, time.UTC),
		ExpiresAt:  req.ExpiresAt,
	}
	f.peers[p.ID] = p
	return p, nil
}

func (f *fakeBackend) UpdatePeer(_ context.Context, id string, upd store.PeerUpdate) (store.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return store.Peer{}, f.err
	}
	p, ok := f.peers[id]
	if !ok {
		return store.Peer{}, fmt.Errorf("%w: peer %s", engine.ErrNotFound, id)
	}
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.Enabled != nil {
		p.Enabled = *upd.Enabled
	}
	if upd.ClearExpiry {
		p.ExpiresAt = nil
	} else if upd.ExpiresAt != nil {
		p.ExpiresAt = upd.ExpiresAt
	}
	f.peers[id] = p
	return p, nil
}

func (f *fakeBackend) EnablePeer(ctx context.Context, id string) (store.Peer, error) {
	on := true
	return f.UpdatePeer(ctx, id, store.PeerUpdate{Enabled: &on})
}

func (f *fakeBackend) DisablePeer(ctx context.Context, id string) (store.Peer, error) {
	off := false
	return f.UpdatePeer(ctx, id, store.PeerUpdate{Enabled: &off})
}

func (f *fakeBackend) DeletePeer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, ok := f.peers[id]; !ok {
		return fmt.Errorf("%w: peer %s", engine.ErrNotFound, id)
	}
	delete(f.peers, id)
	return nil
}

func (f *fakeBackend) UpdateInterface(_ context.Context, upd engine.InterfaceUpdate) (store.Interface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return store.Interface{}, f.err
	}
	f.lastIfaceUpdate = upd
	if upd.ListenPort != nil {
		f.iface.ListenPort = *upd.ListenPort
	}
	if upd.IPv4CIDR != nil {
		f.iface.IPv4CIDR = *upd.IPv4CIDR
	}
	return f.iface, nil
}

func (f *fakeBackend) Stats(context.Context) ([]engine.PeerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	ids := make([]string, 0, len(f.peers))
	for id := range f.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]engine.PeerStatus, 0, len(ids))
	for _, id := range ids {
		p := f.peers[id]
		hs := time.Date(2026, 6, 1, 11, 59, 0, 0, time.UTC)
		out = append(out, engine.PeerStatus{
			ID:            p.ID,
			Name:          p.Name,
			PublicKey:     p.PublicKey,
			IPv4:          p.IPv4,
			Enabled:       p.Enabled,
			ReceiveBytes:  100,
			TransmitBytes: 200,
			LastHandshake: &hs,
		})
	}
	return out, nil
}

func (f *fakeBackend) Status(context.Context) (engine.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return engine.Status{}, f.err
	}
	st := engine.Status{
		Interface:    f.iface,
		Outbound:     "eth0",
		NATInstalled: true,
		Peers:        len(f.peers),
	}
	for _, p := range f.peers {
		if p.Enabled {
			st.EnabledPeers++
		}
	}
	return st, nil
}

func (f *fakeBackend) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}
