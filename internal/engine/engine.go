// Package engine keeps the kernel WireGuard interface in step with the peer
// roster.
//
// The engine manages the full lifecycle:
//  1. Seed or load the interface record
//  2. Create the link, configure key and port, address it, bring it up, route
//  3. Replace the kernel peer set with the enabled peers of the roster
//  4. Install NAT for the VPN network
//  5. Apply every peer mutation to the roster and then to the kernel
//  6. On shutdown remove NAT and the link
//
// All mutations are serialised by a single writer lock so that address
// allocation and the roster write that claims the address are atomic.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/kuuji/wgpanel/internal/config"
	"github.com/kuuji/wgpanel/internal/ipam"
	"github.com/kuuji/wgpanel/internal/store"
	"github.com/kuuji/wgpanel/internal/tunnel"
)

const maxNameLen = 64

// Engine orchestrates the roster, the kernel interface and NAT.
type Engine struct {
	cfg  *config.Config
	deps Deps
	log  *slog.Logger

	// mu is the single writer lock. It is held across allocation, roster
	// write and kernel call for every mutation.
	mu       sync.Mutex
	outbound string
}

// CreatePeerRequest describes a new peer. PublicKey is optional; when empty a
// keypair is generated and the private key is kept for the client config.
type CreatePeerRequest struct {
	Name      string
	PublicKey string
	ExpiresAt *time.Time
}

// InterfaceUpdate holds the mutable interface settings. Nil fields are left
// unchanged.
type InterfaceUpdate struct {
	ListenPort *int
	IPv4CIDR   *netip.Prefix
	IPv6CIDR   *netip.Prefix
}

// PeerStatus joins a roster peer with the kernel's counters.
type PeerStatus struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	PublicKey     config.Key `json:"public_key"`
	IPv4          netip.Addr `json:"ipv4"`
	Enabled       bool       `json:"enabled"`
	Endpoint      string     `json:"endpoint,omitempty"`
	ReceiveBytes  int64      `json:"receive_bytes"`
	TransmitBytes int64      `json:"transmit_bytes"`
	LastHandshake *time.Time `json:"last_handshake,omitempty"`
}

// Status summarises the interface for the status surfaces.
type Status struct {
	Interface    store.Interface
	Outbound     string
	NATInstalled bool
	Peers        int
	EnabledPeers int
}

// New creates an Engine. Start must be called before any other operation.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := deps.fill(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:  cfg,
		deps: deps,
		log:  logger.With("component", "engine"),
	}, nil
}

// Start brings the interface up and synchronises the kernel with the roster.
// Address, route and NAT failures are logged and tolerated; everything else
// is fatal.
func (e *Engine) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, h := range e.cfg.WireGuard.Hooks() {
		e.log.Warn("shell hooks are not supported, ignoring", "hook", h.Name, "command", h.Command)
	}

	iface, err := e.loadInterface()
	if err != nil {
		return err
	}
	name := iface.Name

	created, err := e.deps.Links.EnsureLink(name, iface.MTU)
	if err != nil {
		return kernelErr("create link", err)
	}
	idx, err := e.deps.Links.LinkIndex(name)
	if err != nil {
		return kernelErr("resolve link index", err)
	}
	e.log.Debug("link ready", "interface", name, "index", idx, "created", created)

	if err := e.deps.Device.ConfigureInterface(name, iface.PrivateKey, iface.ListenPort); err != nil {
		return kernelErr("configure interface", err)
	}

	e.assignAddress(name, iface.AddressPrefix())
	if p := iface.IPv6AddressPrefix(); p.IsValid() {
		e.assignAddress(name, p)
	}

	if err := e.deps.Links.SetLinkUp(name); err != nil {
		return kernelErr("set link up", err)
	}

	e.addRoute(name, iface.IPv4CIDR)
	if iface.IPv6CIDR.IsValid() {
		e.addRoute(name, iface.IPv6CIDR)
	}

	peers, err := e.deps.Roster.ListEnabledPeers()
	if err != nil {
		return fmt.Errorf("listing enabled peers: %w", err)
	}
	pcs := make([]tunnel.PeerConfig, 0, len(peers))
	for _, p := range peers {
		pcs = append(pcs, peerConfig(p))
	}
	if err := e.deps.Device.ReplacePeers(name, pcs); err != nil {
		return peerSyncErr("sync peers", err)
	}

	e.setupNAT(iface)

	e.log.Info("engine started",
		"interface", name,
		"address", iface.AddressPrefix(),
		"listen_port", iface.ListenPort,
		"peers", len(pcs),
	)
	return nil
}

// Stop removes NAT and the link. Both steps run even if the first fails.
// It is safe to call after a failed Start.
func (e *Engine) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	iface, err := e.deps.Roster.GetInterface()
	if err != nil {
		return fmt.Errorf("reading interface: %w", err)
	}

	var errs []error
	if err := e.deps.NAT.Cleanup(); err != nil {
		e.log.Warn("removing NAT", "error", err)
		errs = append(errs, kernelErr("remove nat", err))
	}
	if err := e.deps.Links.DeleteLink(iface.Name); err != nil {
		e.log.Warn("deleting link", "interface", iface.Name, "error", err)
		errs = append(errs, kernelErr("delete link", err))
	}

	e.log.Info("engine stopped", "interface", iface.Name)
	return errors.Join(errs...)
}

// Run disables expired peers periodically until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.Engine.ExpiryCheckInterval
	if interval <= 0 {
		interval = config.DefaultExpiryCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := e.DisableExpired(ctx, e.deps.Now()); err != nil && ctx.Err() == nil {
			e.log.Warn("expiry sweep", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// CreatePeer allocates an address, persists the peer and installs it in the
// kernel.
func (e *Engine) CreatePeer(ctx context.Context, req CreatePeerRequest) (store.Peer, error) {
	name, err := validateName(req.Name)
	if err != nil {
		return store.Peer{}, err
	}

	var pub config.Key
	if req.PublicKey != "" {
		pub, err = config.ParseKey(req.PublicKey)
		if err != nil {
			return store.Peer{}, fmt.Errorf("%w: public key: %v", ErrValidation, err)
		}
	}

	now := e.deps.Now().UTC()
	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		if !req.ExpiresAt.After(now) {
			return store.Peer{}, validationErr("expiry %s is in the past", req.ExpiresAt.Format(time.RFC3339))
		}
		t := req.ExpiresAt.UTC()
		expiresAt = &t
	}

	if err := ctx.Err(); err != nil {
		return store.Peer{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	iface, err := e.deps.Roster.GetInterface()
	if err != nil {
		return store.Peer{}, fmt.Errorf("reading interface: %w", err)
	}

	used, err := e.deps.Roster.ListUsedIPv4()
	if err != nil {
		return store.Peer{}, fmt.Errorf("listing used addresses: %w", err)
	}
	ipv4, err := ipam.Allocate(iface.IPv4CIDR, iface.IPv4Address, used)
	if err != nil {
		return store.Peer{}, err
	}

	var ipv6 netip.Addr
	if iface.IPv6CIDR.IsValid() {
		used6, err := e.deps.Roster.ListUsedIPv6()
		if err != nil {
			return store.Peer{}, fmt.Errorf("listing used IPv6 addresses: %w", err)
		}
		ipv6, err = ipam.Allocate(iface.IPv6CIDR, iface.IPv6Address, used6)
		if err != nil {
			return store.Peer{}, err
		}
	}

	peer := store.Peer{
		ID:        e.deps.NewID(),
		Name:      name,
		PublicKey: pub,
		IPv4:      ipv4,
		IPv6:      ipv6,
		Enabled:   true,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	if pub.IsZero() {
		priv, pub, err := config.GenerateKeyPair()
		if err != nil {
			return store.Peer{}, fmt.Errorf("generating peer keypair: %w", err)
		}
		peer.PrivateKey = &priv
		peer.PublicKey = pub
	}
	peer.PresharedKey, err = config.GeneratePresharedKey()
	if err != nil {
		return store.Peer{}, fmt.Errorf("generating preshared key: %w", err)
	}

	if err := e.deps.Roster.CreatePeer(peer); err != nil {
		return store.Peer{}, fmt.Errorf("saving peer: %w", err)
	}

	if err := e.deps.Device.AddOrUpdatePeer(iface.Name, peerConfig(peer)); err != nil {
		return peer, peerSyncErr("add peer", err)
	}

	e.log.Info("peer created", "id", peer.ID, "name", peer.Name, "ipv4", peer.IPv4)
	return peer, nil
}

// GetPeer returns the peer with the given id.
func (e *Engine) GetPeer(_ context.Context, id string) (store.Peer, error) {
	p, err := e.deps.Roster.GetPeer(id)
	return p, rosterErr(err)
}

// ListPeers returns every peer ordered by creation time.
func (e *Engine) ListPeers(_ context.Context) ([]store.Peer, error) {
	return e.deps.Roster.ListPeers()
}

// UpdatePeer applies upd and adds or removes the kernel peer when the
// enabled flag changes.
func (e *Engine) UpdatePeer(ctx context.Context, id string, upd store.PeerUpdate) (store.Peer, error) {
	if upd.Name != nil {
		name, err := validateName(*upd.Name)
		if err != nil {
			return store.Peer{}, err
		}
		upd.Name = &name
	}

	if err := ctx.Err(); err != nil {
		return store.Peer{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.updatePeerLocked(id, upd)
}

func (e *Engine) updatePeerLocked(id string, upd store.PeerUpdate) (store.Peer, error) {
	before, err := e.deps.Roster.GetPeer(id)
	if err != nil {
		return store.Peer{}, rosterErr(err)
	}

	if upd.Enabled != nil && *upd.Enabled {
		expiry := before.ExpiresAt
		if upd.ClearExpiry {
			expiry = nil
		} else if upd.ExpiresAt != nil {
			expiry = upd.ExpiresAt
		}
		if (store.Peer{ExpiresAt: expiry}).Expired(e.deps.Now()) {
			return store.Peer{}, validationErr("peer %s has expired; extend or clear the expiry to enable it", id)
		}
	}

	iface, err := e.deps.Roster.GetInterface()
	if err != nil {
		return store.Peer{}, fmt.Errorf("reading interface: %w", err)
	}

	after, err := e.deps.Roster.UpdatePeer(id, upd)
	if err != nil {
		return store.Peer{}, rosterErr(err)
	}
	if upd.Enabled == nil {
		return after, nil
	}
	return after, e.syncPeerLocked(iface.Name, before, after)
}

// syncPeerLocked puts the kernel in line with p.Enabled. Both directions are
// idempotent, so repeating an enable or disable repairs an earlier failure.
func (e *Engine) syncPeerLocked(name string, before, p store.Peer) error {
	if p.Enabled {
		if err := e.deps.Device.AddOrUpdatePeer(name, peerConfig(p)); err != nil {
			return peerSyncErr("add peer", err)
		}
		if !before.Enabled {
			e.log.Info("peer enabled", "id", p.ID, "name", p.Name)
		}
		return nil
	}
	if err := e.deps.Device.RemovePeer(name, p.PublicKey); err != nil {
		return kernelErr("remove peer", err)
	}
	if before.Enabled {
		e.log.Info("peer disabled", "id", p.ID, "name", p.Name)
	}
	return nil
}

func (e *Engine) setEnabledLocked(id string, enabled bool) (store.Peer, error) {
	before, err := e.deps.Roster.GetPeer(id)
	if err != nil {
		return store.Peer{}, rosterErr(err)
	}
	if enabled && before.Expired(e.deps.Now()) {
		return store.Peer{}, validationErr("peer %s has expired; extend or clear the expiry to enable it", id)
	}
	iface, err := e.deps.Roster.GetInterface()
	if err != nil {
		return store.Peer{}, fmt.Errorf("reading interface: %w", err)
	}

	after, err := e.deps.Roster.SetPeerEnabled(id, enabled)
	if err != nil {
		return store.Peer{}, rosterErr(err)
	}
	return after, e.syncPeerLocked(iface.Name, before, after)
}

func (e *Engine) setEnabled(ctx context.Context, id string, enabled bool) (store.Peer, error) {
	if err := ctx.Err(); err != nil {
		return store.Peer{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.setEnabledLocked(id, enabled)
}

// EnablePeer sets the enabled flag and installs the peer in the kernel.
func (e *Engine) EnablePeer(ctx context.Context, id string) (store.Peer, error) {
	return e.setEnabled(ctx, id, true)
}

// DisablePeer clears the enabled flag and removes the peer from the kernel.
func (e *Engine) DisablePeer(ctx context.Context, id string) (store.Peer, error) {
	return e.setEnabled(ctx, id, false)
}

// DeletePeer removes the peer from the kernel, then from the roster. A
// failed kernel removal leaves the record in place so the call can be
// retried.
func (e *Engine) DeletePeer(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.deps.Roster.GetPeer(id)
	if err != nil {
		return rosterErr(err)
	}
	iface, err := e.deps.Roster.GetInterface()
	if err != nil {
		return fmt.Errorf("reading interface: %w", err)
	}
	if err := e.deps.Device.RemovePeer(iface.Name, p.PublicKey); err != nil {
		return kernelErr("remove peer", err)
	}
	if err := e.deps.Roster.DeletePeer(id); err != nil {
		return rosterErr(err)
	}

	e.log.Info("peer deleted", "id", id, "name", p.Name, "ipv4", p.IPv4)
	return nil
}

// DisableExpired disables every enabled peer whose expiry is at or before
// now and returns how many were disabled.
func (e *Engine) DisableExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	peers, err := e.deps.Roster.ListEnabledPeers()
	if err != nil {
		return 0, fmt.Errorf("listing enabled peers: %w", err)
	}

	var n int
	var errs []error
	for _, p := range peers {
		if !p.Expired(now) {
			continue
		}
		if _, err := e.setEnabledLocked(p.ID, false); err != nil {
			errs = append(errs, fmt.Errorf("disabling expired peer %s: %w", p.ID, err))
			if !errors.Is(err, ErrKernel) {
				continue
			}
		}
		n++
		e.log.Info("peer expired", "id", p.ID, "name", p.Name, "expires_at", p.ExpiresAt)
	}
	return n, errors.Join(errs...)
}

// Interface returns the interface record.
func (e *Engine) Interface(_ context.Context) (store.Interface, error) {
	iface, err := e.deps.Roster.GetInterface()
	return iface, rosterErr(err)
}

// UpdateInterface changes the listen port and/or networks. A network change
// that would leave an existing peer outside the new range is rejected.
func (e *Engine) UpdateInterface(ctx context.Context, upd InterfaceUpdate) (store.Interface, error) {
	if upd.ListenPort != nil && (*upd.ListenPort < 1 || *upd.ListenPort > 65535) {
		return store.Interface{}, validationErr("listen port %d out of range", *upd.ListenPort)
	}
	if upd.IPv4CIDR != nil && (!upd.IPv4CIDR.IsValid() || !upd.IPv4CIDR.Addr().Is4()) {
		return store.Interface{}, validationErr("ipv4 cidr %q is not an IPv4 network", *upd.IPv4CIDR)
	}
	if upd.IPv6CIDR != nil && (!upd.IPv6CIDR.IsValid() || !upd.IPv6CIDR.Addr().Is6()) {
		return store.Interface{}, validationErr("ipv6 cidr %q is not an IPv6 network", *upd.IPv6CIDR)
	}

	if err := ctx.Err(); err != nil {
		return store.Interface{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	old, err := e.deps.Roster.GetInterface()
	if err != nil {
		return store.Interface{}, rosterErr(err)
	}
	peers, err := e.deps.Roster.ListPeers()
	if err != nil {
		return store.Interface{}, fmt.Errorf("listing peers: %w", err)
	}

	next := old
	if upd.ListenPort != nil {
		next.ListenPort = *upd.ListenPort
	}
	if upd.IPv4CIDR != nil {
		next.IPv4CIDR, next.IPv4Address, err = rebase(upd.IPv4CIDR.Masked(), old.IPv4Address, peers, func(p store.Peer) netip.Addr { return p.IPv4 })
		if err != nil {
			return store.Interface{}, err
		}
	}
	if upd.IPv6CIDR != nil {
		next.IPv6CIDR, next.IPv6Address, err = rebase(upd.IPv6CIDR.Masked(), old.IPv6Address, peers, func(p store.Peer) netip.Addr { return p.IPv6 })
		if err != nil {
			return store.Interface{}, err
		}
	}

	if err := e.deps.Roster.UpsertInterface(next); err != nil {
		return store.Interface{}, fmt.Errorf("saving interface: %w", err)
	}

	if next.ListenPort != old.ListenPort {
		if err := e.deps.Device.ConfigureInterface(next.Name, next.PrivateKey, next.ListenPort); err != nil {
			return next, kernelErr("configure interface", err)
		}
	}
	if err := e.moveNetwork(next.Name, old.AddressPrefix(), next.AddressPrefix(), old.IPv4CIDR, next.IPv4CIDR); err != nil {
		return next, err
	}
	if err := e.moveNetwork(next.Name, old.IPv6AddressPrefix(), next.IPv6AddressPrefix(), old.IPv6CIDR, next.IPv6CIDR); err != nil {
		return next, err
	}
	if next.IPv4CIDR != old.IPv4CIDR {
		e.setupNAT(next)
	}

	e.log.Info("interface updated",
		"interface", next.Name,
		"listen_port", next.ListenPort,
		"address", next.AddressPrefix(),
	)
	return next, nil
}

// Stats joins kernel counters with the roster. Peers absent from the kernel
// report zero counters.
func (e *Engine) Stats(_ context.Context) ([]PeerStatus, error) {
	iface, err := e.deps.Roster.GetInterface()
	if err != nil {
		return nil, rosterErr(err)
	}
	peers, err := e.deps.Roster.ListPeers()
	if err != nil {
		return nil, fmt.Errorf("listing peers: %w", err)
	}
	kstats, err := e.deps.Device.Stats(iface.Name)
	if err != nil {
		return nil, kernelErr("read stats", err)
	}

	byKey := make(map[config.Key]tunnel.PeerStats, len(kstats))
	for _, s := range kstats {
		byKey[s.PublicKey] = s
	}

	out := make([]PeerStatus, 0, len(peers))
	for _, p := range peers {
		st := PeerStatus{
			ID:        p.ID,
			Name:      p.Name,
			PublicKey: p.PublicKey,
			IPv4:      p.IPv4,
			Enabled:   p.Enabled,
		}
		if s, ok := byKey[p.PublicKey]; ok {
			st.Endpoint = s.Endpoint
			st.ReceiveBytes = s.ReceiveBytes
			st.TransmitBytes = s.TransmitBytes
			st.LastHandshake = s.LastHandshake
		}
		out = append(out, st)
	}
	return out, nil
}

// Status reports the interface, NAT state and peer counts.
func (e *Engine) Status(_ context.Context) (Status, error) {
	iface, err := e.deps.Roster.GetInterface()
	if err != nil {
		return Status{}, rosterErr(err)
	}
	peers, err := e.deps.Roster.ListPeers()
	if err != nil {
		return Status{}, fmt.Errorf("listing peers: %w", err)
	}

	st := Status{Interface: iface, Peers: len(peers)}
	for _, p := range peers {
		if p.Enabled {
			st.EnabledPeers++
		}
	}
	st.NATInstalled, err = e.deps.NAT.TableExists()
	if err != nil {
		e.log.Debug("checking NAT table", "error", err)
	}

	e.mu.Lock()
	st.Outbound = e.outbound
	e.mu.Unlock()
	return st, nil
}

// loadInterface reads the interface record, seeding it from configuration on
// first start.
func (e *Engine) loadInterface() (store.Interface, error) {
	iface, err := e.deps.Roster.GetInterface()
	if err == nil {
		if !iface.IPv4Address.IsValid() {
			iface.IPv4Address, err = ipam.FirstHost(iface.IPv4CIDR)
			if err != nil {
				return store.Interface{}, fmt.Errorf("interface network: %w", err)
			}
			if err := e.deps.Roster.UpsertInterface(iface); err != nil {
				return store.Interface{}, fmt.Errorf("saving interface: %w", err)
			}
		}
		if iface.Name != e.cfg.WireGuard.Interface {
			e.log.Warn("configured interface name differs from stored record, using stored",
				"configured", e.cfg.WireGuard.Interface, "stored", iface.Name)
		}
		return iface, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Interface{}, fmt.Errorf("reading interface: %w", err)
	}

	wg := e.cfg.WireGuard
	cidr, err := netip.ParsePrefix(wg.DefaultCIDR)
	if err != nil {
		return store.Interface{}, fmt.Errorf("parsing default cidr: %w", err)
	}
	cidr = cidr.Masked()
	addr, err := ipam.FirstHost(cidr)
	if err != nil {
		return store.Interface{}, fmt.Errorf("interface network: %w", err)
	}

	priv, pub, err := config.GenerateKeyPair()
	if err != nil {
		return store.Interface{}, fmt.Errorf("generating interface keypair: %w", err)
	}

	iface = store.Interface{
		ID:          e.deps.NewID(),
		Name:        wg.Interface,
		PrivateKey:  priv,
		PublicKey:   pub,
		ListenPort:  wg.Port,
		MTU:         wg.MTU,
		IPv4CIDR:    cidr,
		IPv4Address: addr,
	}
	if wg.DefaultIPv6CIDR != "" {
		cidr6, err := netip.ParsePrefix(wg.DefaultIPv6CIDR)
		if err != nil {
			return store.Interface{}, fmt.Errorf("parsing default ipv6 cidr: %w", err)
		}
		iface.IPv6CIDR = cidr6.Masked()
		iface.IPv6Address, err = ipam.FirstHost(iface.IPv6CIDR)
		if err != nil {
			return store.Interface{}, fmt.Errorf("interface ipv6 network: %w", err)
		}
	}

	if err := e.deps.Roster.UpsertInterface(iface); err != nil {
		return store.Interface{}, fmt.Errorf("saving interface: %w", err)
	}
	e.log.Info("interface record created",
		"interface", iface.Name,
		"public_key", iface.PublicKey.String(),
		"network", iface.IPv4CIDR,
	)
	return iface, nil
}

func (e *Engine) assignAddress(name string, prefix netip.Prefix) {
	err := e.deps.Links.AssignAddress(name, prefix)
	switch {
	case err == nil:
	case errors.Is(err, tunnel.ErrExists):
		e.log.Debug("address already assigned", "interface", name, "address", prefix)
	default:
		e.log.Warn("assigning address", "interface", name, "address", prefix, "error", err)
	}
}

func (e *Engine) addRoute(name string, prefix netip.Prefix) {
	err := e.deps.Links.AddRoute(name, prefix)
	switch {
	case err == nil:
	case errors.Is(err, tunnel.ErrExists):
		e.log.Debug("route already present", "interface", name, "destination", prefix)
	default:
		e.log.Warn("adding route", "interface", name, "destination", prefix, "error", err)
	}
}

// setupNAT installs masquerading for the IPv4 network. Failures are logged
// and never returned.
func (e *Engine) setupNAT(iface store.Interface) {
	out := e.cfg.WireGuard.OutboundInterface
	if out == "" {
		detected, err := e.deps.DetectOutbound()
		if err != nil {
			e.log.Warn("NAT not installed: no outbound interface", "error", err)
			return
		}
		out = detected
	}
	e.outbound = out

	if err := e.deps.NAT.SetupMasquerade(iface.IPv4CIDR, out); err != nil {
		e.log.Warn("NAT not installed", "network", iface.IPv4CIDR, "out_iface", out, "error", err)
	}
}

// moveNetwork swaps the link address and route from one network to another.
// Zero prefixes on either side mean "none".
func (e *Engine) moveNetwork(name string, oldAddr, newAddr, oldNet, newNet netip.Prefix) error {
	if oldAddr == newAddr && oldNet == newNet {
		return nil
	}
	if oldNet.IsValid() {
		if err := e.deps.Links.RemoveRoute(name, oldNet); err != nil {
			return kernelErr("remove route", err)
		}
	}
	if oldAddr.IsValid() {
		if err := e.deps.Links.RemoveAddress(name, oldAddr); err != nil {
			return kernelErr("remove address", err)
		}
	}
	if newAddr.IsValid() {
		if err := e.deps.Links.AssignAddress(name, newAddr); err != nil && !errors.Is(err, tunnel.ErrExists) {
			return kernelErr("assign address", err)
		}
	}
	if newNet.IsValid() {
		if err := e.deps.Links.AddRoute(name, newNet); err != nil && !errors.Is(err, tunnel.ErrExists) {
			return kernelErr("add route", err)
		}
	}
	return nil
}

// rebase checks that every peer address fits the new network and picks the
// interface address inside it: the current one if it still fits, otherwise
// the first host.
func rebase(network netip.Prefix, current netip.Addr, peers []store.Peer, addrOf func(store.Peer) netip.Addr) (netip.Prefix, netip.Addr, error) {
	held := make(map[netip.Addr]string, len(peers))
	for _, p := range peers {
		a := addrOf(p)
		if !a.IsValid() {
			continue
		}
		if !ipam.Contains(network, a) {
			return netip.Prefix{}, netip.Addr{}, validationErr("peer %s address %s is outside %s", p.ID, a, network)
		}
		held[a] = p.ID
	}

	addr := current
	if !ipam.Contains(network, addr) {
		var err error
		addr, err = ipam.FirstHost(network)
		if err != nil {
			return netip.Prefix{}, netip.Addr{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	if id, ok := held[addr]; ok {
		return netip.Prefix{}, netip.Addr{}, validationErr("interface address %s is held by peer %s", addr, id)
	}
	return network, addr, nil
}

func peerConfig(p store.Peer) tunnel.PeerConfig {
	allowed := []netip.Prefix{ipam.HostPrefix(p.IPv4)}
	if p.IPv6.IsValid() {
		allowed = append(allowed, ipam.HostPrefix(p.IPv6))
	}
	return tunnel.PeerConfig{
		PublicKey:    p.PublicKey,
		PresharedKey: p.PresharedKey,
		AllowedIPs:   allowed,
	}
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", validationErr("name is required")
	}
	if len(name) > maxNameLen {
		return "", validationErr("name longer than %d characters", maxNameLen)
	}
	return name, nil
}
