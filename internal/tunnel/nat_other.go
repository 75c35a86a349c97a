//go:build !linux

package tunnel

import (
	"log/slog"
	"net/netip"
)

// NATTable is the nftables table owned by wgpanel.
const NATTable = "wgpanel"

// NATManager is a no-op off Linux.
type NATManager struct{}

// NewNATManager creates a new NATManager.
func NewNATManager(*slog.Logger) *NATManager {
	return &NATManager{}
}

// SetupMasquerade returns ErrUnsupported.
func (n *NATManager) SetupMasquerade(netip.Prefix, string) error {
	return ErrUnsupported
}

// Cleanup does nothing.
func (n *NATManager) Cleanup() error {
	return nil
}

// TableExists always reports false.
func (n *NATManager) TableExists() (bool, error) {
	return false, nil
}
