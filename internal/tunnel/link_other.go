//go:build !linux

package tunnel

import (
	"log/slog"
	"net/netip"
)

// LinkManager is unavailable off Linux; every method returns ErrUnsupported.
type LinkManager struct{}

// NewLinkManager returns ErrUnsupported.
func NewLinkManager(*slog.Logger) (*LinkManager, error) {
	return nil, ErrUnsupported
}

func (m *LinkManager) EnsureLink(string, int) (bool, error) { return false, ErrUnsupported }
func (m *LinkManager) LinkIndex(string) (int, error) { return 0, ErrUnsupported }
func (m *LinkManager) AssignAddress(string, netip.Prefix) error { return ErrUnsupported }
func (m *LinkManager) RemoveAddress(string, netip.Prefix) error { return ErrUnsupported }
func (m *LinkManager) SetLinkUp(string) error { return ErrUnsupported }
func (m *LinkManager) AddRoute(string, netip.Prefix) error { return ErrUnsupported }
func (m *LinkManager) RemoveRoute(string, netip.Prefix) error { return ErrUnsupported }
func (m *LinkManager) DeleteLink(string) error { return ErrUnsupported }
func (m *LinkManager) DefaultRouteInterface() (string, error) { return "", ErrUnsupported }
func (m *LinkManager) Close() {}
