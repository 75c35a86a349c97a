// Package ipam hands out single host addresses from the interface network.
//
// Allocation is deterministic: for a fixed prefix, reserved address and used
// set the same address is always returned. Callers must serialise "list used
// addresses" and "persist the allocation" themselves, otherwise two requests
// can observe the same used set and receive the same address.
package ipam

import (
	"errors"
	"fmt"
	"net/netip"
)

var (
	// ErrPoolExhausted is returned when every host address is taken.
	ErrPoolExhausted = errors.New("address pool exhausted")

	// ErrInvalidPrefix is returned for zero or otherwise unusable prefixes.
	ErrInvalidPrefix = errors.New("invalid prefix")
)

// Allocate returns the lowest host address of prefix that is neither the
// reserved address nor in used.
func Allocate(prefix netip.Prefix, reserved netip.Addr, used []netip.Addr) (netip.Addr, error) {
	first, last, err := hostRange(prefix)
	if err != nil {
		return netip.Addr{}, err
	}

	taken := make(map[netip.Addr]struct{}, len(used)+1)
	for _, a := range used {
		taken[a.Unmap()] = struct{}{}
	}
	if reserved.IsValid() {
		taken[reserved.Unmap()] = struct{}{}
	}

	for a := first; ; a = a.Next() {
		if _, ok := taken[a]; !ok {
			return a, nil
		}
		if a == last {
			break
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: %s", ErrPoolExhausted, prefix.Masked())
}

// FirstHost returns the lowest host address of prefix. It is the default
// address of the interface itself.
func FirstHost(prefix netip.Prefix) (netip.Addr, error) {
	first, _, err := hostRange(prefix)
	return first, err
}

// Contains reports whether addr is a host address of prefix (not the network
// or broadcast address).
func Contains(prefix netip.Prefix, addr netip.Addr) bool {
	first, last, err := hostRange(prefix)
	if err != nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	return first.Compare(addr) <= 0 && addr.Compare(last) <= 0
}

// HostPrefix returns the single-host prefix (/32 or /128) for addr.
func HostPrefix(addr netip.Addr) netip.Prefix {
	return netip.PrefixFrom(addr, addr.BitLen())
}

// hostRange returns the first and last assignable host of prefix.
//
// IPv4 networks shorter than /31 lose the network and broadcast address;
// /31 and /32 keep every address. IPv6 networks lose the subnet-router
// anycast (network) address unless they are /127 or /128.
func hostRange(prefix netip.Prefix) (first, last netip.Addr, err error) {
	if !prefix.IsValid() {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("%w: %s", ErrInvalidPrefix, prefix)
	}
	prefix = netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()).Masked()

	first = prefix.Addr()
	last = lastAddr(prefix)
	hostBits := prefix.Addr().BitLen() - prefix.Bits()

	if hostBits >= 2 {
		first = first.Next()
		if first.Is4() {
			last = last.Prev()
		}
	}
	return first, last, nil
}

// lastAddr returns the highest address in prefix.
func lastAddr(prefix netip.Prefix) netip.Addr {
	b := prefix.Addr().AsSlice()
	bits := prefix.Bits()
	for i := range b {
		switch {
		case bits >= 8:
			bits -= 8
		case bits > 0:
			b[i] |= 0xff >> bits
			bits = 0
		default:
			b[i] = 0xff
		}
	}
	a, _ := netip.AddrFromSlice(b)
	return a
}
