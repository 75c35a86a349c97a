package tunnel

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// ErrNoOutboundInterface is returned when no interface qualifies for NAT.
var ErrNoOutboundInterface = errors.New("no outbound interface found")

// virtualPrefixes are interface name prefixes for virtual/container network
// interfaces that never carry the host's upstream traffic.
var virtualPrefixes = []string{
	"docker", "veth", "br-", "virbr", "lxc", "lxd",
	"cni", "flannel", "calico", "weave",
	"tun", "wg", "tailscale", "utun",
	"podman", "cali", "vxlan",
}

// DefaultRouter reports the interface holding the default route.
type DefaultRouter interface {
	DefaultRouteInterface() (string, error)
}

// DetectOutboundInterface picks the interface VPN traffic should be
// masqueraded through. The default-route interface wins when it is usable;
// otherwise the first up, non-loopback, non-virtual interface with a routable
// IPv4 address is returned. router may be nil.
func DetectOutboundInterface(router DefaultRouter) (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("listing interfaces: %w", err)
	}

	candidates := make([]candidate, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{iface: iface, addrs: addrs})
	}

	var preferred string
	if router != nil {
		preferred, _ = router.DefaultRouteInterface()
	}
	return pickOutbound(candidates, preferred)
}

type candidate struct {
	iface net.Interface
	addrs []net.Addr
}

func pickOutbound(candidates []candidate, preferred string) (string, error) {
	var first string
	for _, c := range candidates {
		if shouldSkipInterface(c.iface) || !hasRoutableIPv4(c.addrs) {
			continue
		}
		if c.iface.Name == preferred {
			return preferred, nil
		}
		if first == "" {
			first = c.iface.Name
		}
	}
	if first == "" {
		return "", ErrNoOutboundInterface
	}
	return first, nil
}

func hasRoutableIPv4(addrs []net.Addr) bool {
	for _, a := range addrs {
		prefix, err := netip.ParsePrefix(a.String())
		if err != nil {
			continue
		}
		ip := prefix.Addr()
		if ip.Is4() && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
			return true
		}
	}
	return false
}

// shouldSkipInterface returns true if the interface cannot be the outbound
// interface (loopback, down, or virtual/container interface).
func shouldSkipInterface(iface net.Interface) bool {
	if iface.Flags&net.FlagLoopback != 0 {
		return true
	}
	if iface.Flags&net.FlagUp == 0 {
		return true
	}

	name := strings.ToLower(iface.Name)
	for _, prefix := range virtualPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}

	return false
}
