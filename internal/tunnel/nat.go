//go:build linux

package tunnel

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

// NATTable is the nftables table owned by wgpanel. All rules live in it so
// they never interfere with other firewall rules on the system.
const NATTable = "wgpanel"

// NATManager masquerades traffic leaving the VPN network through the
// outbound interface.
//
// Requires CAP_NET_ADMIN.
type NATManager struct {
	log *slog.Logger
}

// NewNATManager creates a new NATManager.
func NewNATManager(logger *slog.Logger) *NATManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATManager{
		log: logger.With("component", "nat"),
	}
}

func natTable() *nftables.Table {
	return &nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   NATTable,
	}
}

// SetupMasquerade installs, in one batch:
//
//	nft add table ip wgpanel
//	nft add chain ip wgpanel postrouting { type nat hook postrouting priority srcnat; }
//	nft add rule ip wgpanel postrouting ip saddr <cidr> oifname <outIface> masquerade
//
// A table left over from an earlier run is dropped in the same batch, so
// calling it again replaces the rule rather than adding a second one.
func (n *NATManager) SetupMasquerade(cidr netip.Prefix, outIface string) error {
	if !cidr.IsValid() || !cidr.Addr().Is4() {
		return fmt.Errorf("masquerade needs an IPv4 network, got %q", cidr)
	}
	if outIface == "" {
		return fmt.Errorf("masquerade needs an outbound interface")
	}
	network := ipNet(cidr.Masked())

	c, err := nftables.New()
	if err != nil {
		return fmt.Errorf("connecting to nftables: %w", err)
	}

	// Add before delete so the delete never fails on a missing table.
	c.AddTable(natTable())
	c.DelTable(natTable())
	table := c.AddTable(natTable())

	chain := c.AddChain(&nftables.Chain{
		Name:     "postrouting",
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityNATSource,
	})

	c.AddRule(&nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: masqueradeExprs(network, outIface),
	})

	if err := c.Flush(); err != nil {
		return fmt.Errorf("applying nftables rules: %w", err)
	}

	n.log.Info("nftables masquerade rule added",
		"table", NATTable,
		"subnet", cidr.Masked(),
		"out_iface", outIface,
	)
	return nil
}

// masqueradeExprs builds
//
//	ip saddr & <mask> == <network> oifname <outIface> masquerade
func masqueradeExprs(network net.IPNet, outIface string) []expr.Any {
	// oifname is compared as a NUL padded IFNAMSIZ buffer.
	ifaceData := make([]byte, 16)
	copy(ifaceData, outIface)

	return []expr.Any{
		// IPv4 source address: 4 bytes at offset 12 of the network header.
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       12,
			Len:          4,
		},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           network.Mask,
			Xor:            []byte{0, 0, 0, 0},
		},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     network.IP.To4(),
		},
		&expr.Meta{
			Key:      expr.MetaKeyOIFNAME,
			Register: 1,
		},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     ifaceData,
		},
		&expr.Masq{},
	}
}

// Cleanup removes the wgpanel table and everything in it. A missing table is
// not an error.
func (n *NATManager) Cleanup() error {
	c, err := nftables.New()
	if err != nil {
		return fmt.Errorf("connecting to nftables: %w", err)
	}

	exists, err := tableExists(c)
	if err != nil {
		return err
	}
	if !exists {
		n.log.Debug("nftables table already absent", "table", NATTable)
		return nil
	}

	c.DelTable(natTable())
	if err := c.Flush(); err != nil {
		return fmt.Errorf("deleting nftables table %s: %w", NATTable, err)
	}

	n.log.Info("nftables table removed", "table", NATTable)
	return nil
}

// TableExists reports whether the wgpanel table is installed.
func (n *NATManager) TableExists() (bool, error) {
	c, err := nftables.New()
	if err != nil {
		return false, fmt.Errorf("connecting to nftables: %w", err)
	}
	return tableExists(c)
}

func tableExists(c *nftables.Conn) (bool, error) {
	tables, err := c.ListTablesOfFamily(nftables.TableFamilyIPv4)
	if err != nil {
		return false, fmt.Errorf("listing nftables tables: %w", err)
	}
	for _, t := range tables {
		if t.Name == NATTable {
			return true, nil
		}
	}
	return false, nil
}
