//go:build linux

package tunnel

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// netlinkHandle is the subset of *netlink.Handle used by LinkManager.
type netlinkHandle interface {
	LinkByName(name string) (netlink.Link, error)
	LinkByIndex(index int) (netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkDel(link netlink.Link) error
	LinkSetUp(link netlink.Link) error
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	AddrDel(link netlink.Link, addr *netlink.Addr) error
	RouteAdd(route *netlink.Route) error
	RouteDel(route *netlink.Route) error
	RouteList(link netlink.Link, family int) ([]netlink.Route, error)
	Delete()
}

// LinkManager creates, addresses and removes the WireGuard network link.
//
// Requires CAP_NET_ADMIN.
type LinkManager struct {
	h   netlinkHandle
	log *slog.Logger
}

// NewLinkManager opens a netlink handle in the current network namespace.
func NewLinkManager(logger *slog.Logger) (*LinkManager, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("opening netlink handle: %w", err)
	}
	return newLinkManager(h, logger), nil
}

func newLinkManager(h netlinkHandle, logger *slog.Logger) *LinkManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LinkManager{
		h:   h,
		log: logger.With("component", "link"),
	}
}

// EnsureLink creates a wireguard link named name unless one already exists.
// created reports whether this call added it.
func (m *LinkManager) EnsureLink(name string, mtu int) (created bool, err error) {
	if _, err := m.link(name); err == nil {
		m.log.Debug("link already exists", "interface", name)
		return false, nil
	} else if !errors.Is(err, ErrLinkNotFound) {
		return false, err
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	if mtu > 0 {
		attrs.MTU = mtu
	}
	if err := m.h.LinkAdd(&netlink.Wireguard{LinkAttrs: attrs}); err != nil {
		return false, fmt.Errorf("adding wireguard link %s: %w", name, err)
	}

	m.log.Info("wireguard link created", "interface", name, "mtu", mtu)
	return true, nil
}

// LinkIndex returns the kernel index of the link, or ErrLinkNotFound.
func (m *LinkManager) LinkIndex(name string) (int, error) {
	link, err := m.link(name)
	if err != nil {
		return 0, err
	}
	return link.Attrs().Index, nil
}

// AssignAddress adds prefix (interface address plus network length, e.g.
// 10.8.0.1/24) to the link.
func (m *LinkManager) AssignAddress(name string, prefix netip.Prefix) error {
	link, err := m.link(name)
	if err != nil {
		return err
	}
	n := ipNet(prefix)
	if err := m.h.AddrAdd(link, &netlink.Addr{IPNet: &n}); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("address %s on %s: %w", prefix, name, ErrExists)
		}
		return fmt.Errorf("adding address %s to %s: %w", prefix, name, err)
	}

	m.log.Info("address assigned", "interface", name, "address", prefix)
	return nil
}

// RemoveAddress deletes prefix from the link. A missing address or link is
// not an error.
func (m *LinkManager) RemoveAddress(name string, prefix netip.Prefix) error {
	link, err := m.link(name)
	if errors.Is(err, ErrLinkNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	n := ipNet(prefix)
	if err := m.h.AddrDel(link, &netlink.Addr{IPNet: &n}); err != nil && !errors.Is(err, unix.EADDRNOTAVAIL) {
		return fmt.Errorf("removing address %s from %s: %w", prefix, name, err)
	}
	return nil
}

// SetLinkUp brings the link into the UP state.
func (m *LinkManager) SetLinkUp(name string) error {
	link, err := m.link(name)
	if err != nil {
		return err
	}
	if err := m.h.LinkSetUp(link); err != nil {
		return fmt.Errorf("setting %s up: %w", name, err)
	}

	m.log.Info("link up", "interface", name)
	return nil
}

// AddRoute installs a link-scoped route for prefix through the link.
func (m *LinkManager) AddRoute(name string, prefix netip.Prefix) error {
	route, err := m.route(name, prefix)
	if err != nil {
		return err
	}
	if err := m.h.RouteAdd(route); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("route %s via %s: %w", prefix.Masked(), name, ErrExists)
		}
		return fmt.Errorf("adding route %s via %s: %w", prefix.Masked(), name, err)
	}

	m.log.Info("route added", "interface", name, "destination", prefix.Masked())
	return nil
}

// RemoveRoute deletes the route for prefix. A missing route or link is not an
// error.
func (m *LinkManager) RemoveRoute(name string, prefix netip.Prefix) error {
	route, err := m.route(name, prefix)
	if errors.Is(err, ErrLinkNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if err := m.h.RouteDel(route); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("removing route %s via %s: %w", prefix.Masked(), name, err)
	}
	return nil
}

// DeleteLink removes the link. A missing link is not an error.
func (m *LinkManager) DeleteLink(name string) error {
	link, err := m.link(name)
	if errors.Is(err, ErrLinkNotFound) {
		m.log.Debug("link already gone", "interface", name)
		return nil
	} else if err != nil {
		return err
	}
	if err := m.h.LinkDel(link); err != nil {
		return fmt.Errorf("deleting link %s: %w", name, err)
	}

	m.log.Info("wireguard link deleted", "interface", name)
	return nil
}

// DefaultRouteInterface returns the name of the link carrying the IPv4
// default route.
func (m *LinkManager) DefaultRouteInterface() (string, error) {
	routes, err := m.h.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("listing routes: %w", err)
	}
	for _, r := range routes {
		if r.Dst != nil {
			if ones, _ := r.Dst.Mask.Size(); ones != 0 {
				continue
			}
		}
		if r.LinkIndex == 0 {
			continue
		}
		link, err := m.h.LinkByIndex(r.LinkIndex)
		if err != nil {
			continue
		}
		return link.Attrs().Name, nil
	}
	return "", errors.New("no default route")
}

// Close releases the netlink handle.
func (m *LinkManager) Close() {
	m.h.Delete()
}

func (m *LinkManager) link(name string) (netlink.Link, error) {
	link, err := m.h.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%s: %w", name, ErrLinkNotFound)
		}
		return nil, fmt.Errorf("looking up link %s: %w", name, err)
	}
	return link, nil
}

func (m *LinkManager) route(name string, prefix netip.Prefix) (*netlink.Route, error) {
	link, err := m.link(name)
	if err != nil {
		return nil, err
	}
	dst := ipNet(prefix.Masked())
	return &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       &dst,
		Scope:     netlink.SCOPE_LINK,
	}, nil
}
