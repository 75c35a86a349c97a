// Package tunnel drives kernel WireGuard state: the link and its addressing,
// the peer set and the NAT rule for the VPN network.
package tunnel

import "errors"

var (
	// ErrLinkNotFound is returned when the named link does not exist.
	ErrLinkNotFound = errors.New("link not found")

	// ErrExists is returned when an address or route is already installed.
	// Callers usually log it and carry on.
	ErrExists = errors.New("already exists")

	// ErrUnsupported is returned on platforms without kernel WireGuard.
	ErrUnsupported = errors.New("not supported on this platform")
)
