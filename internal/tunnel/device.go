package tunnel

import (
	"fmt"
	"log/slog"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/kuuji/wgpanel/internal/config"
)

// wgClient is the subset of *wgctrl.Client used by Device.
type wgClient interface {
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}

// Device applies peer configuration to a kernel WireGuard interface through
// the generic netlink API. Every method is idempotent: repeating a call with
// the same arguments leaves the kernel in the same state.
type Device struct {
	client wgClient
	log    *slog.Logger
}

// NewDevice opens a wgctrl client.
//
// Requires CAP_NET_ADMIN.
func NewDevice(logger *slog.Logger) (*Device, error) {
	c, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("opening wireguard control client: %w", err)
	}
	return newDevice(c, logger), nil
}

func newDevice(c wgClient, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		client: c,
		log:    logger.With("component", "wireguard"),
	}
}

// ConfigureInterface sets the private key and listen port. Peers are left
// untouched.
func (d *Device) ConfigureInterface(name string, privateKey config.Key, listenPort int) error {
	key := wgtypes.Key(privateKey)
	cfg := wgtypes.Config{
		PrivateKey: &key,
		ListenPort: &listenPort,
	}
	if err := d.client.ConfigureDevice(name, cfg); err != nil {
		return fmt.Errorf("configuring %s: %w", name, err)
	}

	d.log.Info("interface configured", "interface", name, "listen_port", listenPort)
	return nil
}

// AddOrUpdatePeer installs the peer, replacing its allowed IPs if it already
// exists.
func (d *Device) AddOrUpdatePeer(name string, peer PeerConfig) error {
	pc, err := wgPeerConfig(peer)
	if err != nil {
		return err
	}
	if err := d.client.ConfigureDevice(name, wgtypes.Config{Peers: []wgtypes.PeerConfig{pc}}); err != nil {
		return fmt.Errorf("adding peer to %s: %w", name, err)
	}

	d.log.Debug("peer installed", "interface", name, "public_key", peer.PublicKey.String())
	return nil
}

// RemovePeer deletes the peer. Removing a peer the kernel does not know is
// not an error.
func (d *Device) RemovePeer(name string, publicKey config.Key) error {
	cfg := wgtypes.Config{Peers: []wgtypes.PeerConfig{removePeerConfig(publicKey)}}
	if err := d.client.ConfigureDevice(name, cfg); err != nil {
		return fmt.Errorf("removing peer from %s: %w", name, err)
	}

	d.log.Debug("peer removed", "interface", name, "public_key", publicKey.String())
	return nil
}

// ReplacePeers makes the kernel peer set exactly peers in a single call.
func (d *Device) ReplacePeers(name string, peers []PeerConfig) error {
	pcs := make([]wgtypes.PeerConfig, 0, len(peers))
	for _, p := range peers {
		pc, err := wgPeerConfig(p)
		if err != nil {
			return err
		}
		pcs = append(pcs, pc)
	}

	cfg := wgtypes.Config{
		ReplacePeers: true,
		Peers:        pcs,
	}
	if err := d.client.ConfigureDevice(name, cfg); err != nil {
		return fmt.Errorf("replacing peers on %s: %w", name, err)
	}

	d.log.Info("peers synchronized", "interface", name, "peers", len(pcs))
	return nil
}

// Stats returns transfer counters and handshake times for every peer the
// kernel knows.
func (d *Device) Stats(name string) ([]PeerStats, error) {
	dev, err := d.client.Device(name)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}

	stats := make([]PeerStats, 0, len(dev.Peers))
	for _, p := range dev.Peers {
		stats = append(stats, peerStats(p))
	}
	return stats, nil
}

// Close releases the control client.
func (d *Device) Close() error {
	return d.client.Close()
}
