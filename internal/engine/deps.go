package engine

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/kuuji/wgpanel/internal/config"
	"github.com/kuuji/wgpanel/internal/store"
	"github.com/kuuji/wgpanel/internal/tunnel"
)

// PeerSyncer abstracts the kernel WireGuard peer set for testability.
type PeerSyncer interface {
	ConfigureInterface(name string, privateKey config.Key, listenPort int) error
	AddOrUpdatePeer(name string, peer tunnel.PeerConfig) error
	RemovePeer(name string, publicKey config.Key) error
	ReplacePeers(name string, peers []tunnel.PeerConfig) error
	Stats(name string) ([]tunnel.PeerStats, error)
}

// LinkManager abstracts link, address and route management. On real systems
// these require CAP_NET_ADMIN; in tests they are recording fakes.
type LinkManager interface {
	EnsureLink(name string, mtu int) (created bool, err error)
	LinkIndex(name string) (int, error)
	AssignAddress(name string, prefix netip.Prefix) error
	RemoveAddress(name string, prefix netip.Prefix) error
	SetLinkUp(name string) error
	AddRoute(name string, prefix netip.Prefix) error
	RemoveRoute(name string, prefix netip.Prefix) error
	DeleteLink(name string) error
	DefaultRouteInterface() (string, error)
}

// NATSetup abstracts nftables NAT management for testability.
type NATSetup interface {
	SetupMasquerade(cidr netip.Prefix, outIface string) error
	TableExists() (bool, error)
	Cleanup() error
}

// Roster abstracts the persistent peer store.
type Roster interface {
	GetInterface() (store.Interface, error)
	UpsertInterface(iface store.Interface) error
	ListPeers() ([]store.Peer, error)
	ListEnabledPeers() ([]store.Peer, error)
	GetPeer(id string) (store.Peer, error)
	ListUsedIPv4() ([]netip.Addr, error)
	ListUsedIPv6() ([]netip.Addr, error)
	CreatePeer(p store.Peer) error
	UpdatePeer(id string, upd store.PeerUpdate) (store.Peer, error)
	SetPeerEnabled(id string, enabled bool) (store.Peer, error)
	DeletePeer(id string) error
}

// Deps holds all external dependencies the Engine needs. This allows tests
// to inject fakes for components that require root privileges. Production
// code uses DefaultDeps().
type Deps struct {
	Roster Roster
	Device PeerSyncer
	Links  LinkManager
	NAT    NATSetup

	// DetectOutbound finds the NAT outbound interface when none is configured.
	DetectOutbound func() (string, error)

	Now   func() time.Time
	NewID func() string
}

// DefaultDeps opens the kernel clients. The returned func releases them.
func DefaultDeps(roster Roster, logger *slog.Logger) (Deps, func(), error) {
	dev, err := tunnel.NewDevice(logger)
	if err != nil {
		return Deps{}, nil, err
	}
	links, err := tunnel.NewLinkManager(logger)
	if err != nil {
		_ = dev.Close()
		return Deps{}, nil, err
	}

	deps := Deps{
		Roster: roster,
		Device: dev,
		Links:  links,
		NAT:    tunnel.NewNATManager(logger),
		DetectOutbound: func() (string, error) {
			return tunnel.DetectOutboundInterface(links)
		},
		Now:   time.Now,
		NewID: uuid.NewString,
	}
	closeFn := func() {
		if err := dev.Close(); err != nil {
			logger.Debug("closing wireguard client", "error", err)
		}
		links.Close()
	}
	return deps, closeFn, nil
}

func (d *Deps) fill() error {
	if d.Roster == nil || d.Device == nil || d.Links == nil || d.NAT == nil {
		return errors.New("engine: roster, device, links and nat are required")
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if d.DetectOutbound == nil {
		links := d.Links
		d.DetectOutbound = func() (string, error) {
			return tunnel.DetectOutboundInterface(links)
		}
	}
	return nil
}
