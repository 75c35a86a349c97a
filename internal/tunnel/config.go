package tunnel

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/kuuji/wgpanel/internal/config"
)

// ErrInvalidPeerConfig is returned when a peer cannot be expressed as kernel
// configuration (zero key, malformed or non-host allowed IP).
var ErrInvalidPeerConfig = errors.New("invalid peer config")

// PeerConfig holds the kernel configuration for a single peer.
type PeerConfig struct {
	// PublicKey is the peer's WireGuard public key.
	PublicKey config.Key

	// PresharedKey is mixed into the handshake. The zero key leaves it unset.
	PresharedKey config.Key

	// AllowedIPs are the single-host prefixes routed to this peer
	// (e.g. 10.8.0.2/32, fd42::2/128).
	AllowedIPs []netip.Prefix
}

// PeerStats is the kernel's view of one peer.
type PeerStats struct {
	PublicKey     config.Key
	Endpoint      string
	ReceiveBytes  int64
	TransmitBytes int64

	// LastHandshake is nil when the peer never completed a handshake.
	LastHandshake *time.Time
}

// wgPeerConfig converts p into the wgctrl form. Allowed IPs always replace the
// peer's current set so the operation is idempotent.
func wgPeerConfig(p PeerConfig) (wgtypes.PeerConfig, error) {
	if p.PublicKey.IsZero() {
		return wgtypes.PeerConfig{}, fmt.Errorf("%w: missing public key", ErrInvalidPeerConfig)
	}

	allowed := make([]net.IPNet, 0, len(p.AllowedIPs))
	for _, prefix := range p.AllowedIPs {
		if !prefix.IsValid() || !prefix.IsSingleIP() {
			return wgtypes.PeerConfig{}, fmt.Errorf("%w: allowed IP %q is not a single host", ErrInvalidPeerConfig, prefix)
		}
		allowed = append(allowed, ipNet(prefix))
	}

	pc := wgtypes.PeerConfig{
		PublicKey:         wgtypes.Key(p.PublicKey),
		ReplaceAllowedIPs: true,
		AllowedIPs:        allowed,
	}
	if !p.PresharedKey.IsZero() {
		psk := wgtypes.Key(p.PresharedKey)
		pc.PresharedKey = &psk
	}
	return pc, nil
}

// removePeerConfig returns the wgctrl form that deletes the peer.
func removePeerConfig(publicKey config.Key) wgtypes.PeerConfig {
	return wgtypes.PeerConfig{
		PublicKey: wgtypes.Key(publicKey),
		Remove:    true,
	}
}

func peerStats(p wgtypes.Peer) PeerStats {
	s := PeerStats{
		PublicKey:     config.Key(p.PublicKey),
		ReceiveBytes:  p.ReceiveBytes,
		TransmitBytes: p.TransmitBytes,
	}
	if p.Endpoint != nil {
		s.Endpoint = p.Endpoint.String()
	}
	if !p.LastHandshakeTime.IsZero() {
		t := p.LastHandshakeTime
		s.LastHandshake = &t
	}
	return s
}

// ipNet converts a prefix into the net.IPNet form used by wgctrl and netlink.
func ipNet(p netip.Prefix) net.IPNet {
	addr := p.Addr().Unmap()
	return net.IPNet{
		IP:   addr.AsSlice(),
		Mask: net.CIDRMask(p.Bits(), addr.BitLen()),
	}
}
