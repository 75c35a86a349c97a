package store

import (
	"net/netip"
	"time"

	"github.com/kuuji/wgpanel/internal/config"
)

// Interface is the singleton record describing the managed WireGuard interface.
type Interface struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	PrivateKey config.Key `json:"private_key"`
	PublicKey  config.Key `json:"public_key"`
	ListenPort int        `json:"listen_port"`
	MTU        int        `json:"mtu,omitempty"`

	// IPv4CIDR is the VPN network; IPv4Address is the interface's own address
	// inside it and is never handed to a peer.
	IPv4CIDR    netip.Prefix `json:"ipv4_cidr"`
	IPv4Address netip.Addr   `json:"ipv4_address"`

	IPv6CIDR    netip.Prefix `json:"ipv6_cidr,omitzero"`
	IPv6Address netip.Addr   `json:"ipv6_address,omitzero"`
}

// AddressPrefix returns the interface address with the network's prefix
// length, as assigned to the link (e.g. 10.8.0.1/24).
func (i Interface) AddressPrefix() netip.Prefix {
	return netip.PrefixFrom(i.IPv4Address, i.IPv4CIDR.Bits())
}

// IPv6AddressPrefix is AddressPrefix for the optional IPv6 network. It is the
// zero prefix when IPv6 is not configured.
func (i Interface) IPv6AddressPrefix() netip.Prefix {
	if !i.IPv6Address.IsValid() {
		return netip.Prefix{}
	}
	return netip.PrefixFrom(i.IPv6Address, i.IPv6CIDR.Bits())
}

// Peer is a client authorised to connect to the interface.
type Peer struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	PublicKey config.Key `json:"public_key"`

	// PrivateKey is only known when the keypair was generated server-side.
	PrivateKey   *config.Key `json:"private_key,omitempty"`
	PresharedKey config.Key  `json:"preshared_key"`

	IPv4 netip.Addr `json:"ipv4"`
	IPv6 netip.Addr `json:"ipv6,omitzero"`

	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the peer has an expiry at or before now.
func (p Peer) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}

// PeerUpdate holds the mutable peer fields. Nil fields are left unchanged.
type PeerUpdate struct {
	Name        *string
	Enabled     *bool
	ExpiresAt   *time.Time
	ClearExpiry bool
}
