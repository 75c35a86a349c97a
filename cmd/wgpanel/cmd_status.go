package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/wgpanel/internal/api"
	"github.com/kuuji/wgpanel/internal/config"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show interface and peer status",
	Long:  `Query the running wgpanel server and display the interface, NAT state and per-peer transfer counters.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "API address (default: server.listen from the config)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := statusAddr
	if addr == "" {
		addr = config.DefaultListen
		if cfg, err := loadConfig(); err == nil {
			addr = cfg.Server.Listen
		}
	}

	iface, err := api.FetchInterface(addr)
	if err != nil {
		return fmt.Errorf("is wgpanel running? %w", err)
	}
	stats, err := api.FetchStats(addr)
	if err != nil {
		return fmt.Errorf("fetching stats: %w", err)
	}

	nat := "not installed"
	if iface.NATInstalled {
		nat = "via " + iface.Outbound
	}

	// Print header.
	fmt.Fprintf(os.Stdout, "Interface: %s\n", iface.Name)
	fmt.Fprintf(os.Stdout, "Address:   %s/%d\n", iface.IPv4Address, iface.IPv4CIDR.Bits())
	if iface.IPv6Address.IsValid() {
		fmt.Fprintf(os.Stdout, "IPv6:      %s/%d\n", iface.IPv6Address, iface.IPv6CIDR.Bits())
	}
	fmt.Fprintf(os.Stdout, "Port:      %d\n", iface.ListenPort)
	fmt.Fprintf(os.Stdout, "PublicKey: %s\n", iface.PublicKey)
	fmt.Fprintf(os.Stdout, "NAT:       %s\n", nat)
	fmt.Fprintf(os.Stdout, "Peers:     %d (%d enabled)\n", iface.Peers, iface.EnabledPeers)
	fmt.Println()

	if len(stats) == 0 {
		fmt.Println("No peers configured.")
		return nil
	}

	// Print peer table.
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tENABLED\tENDPOINT\tRX\tTX\tHANDSHAKE")
	for _, p := range stats {
		endpoint := "-"
		if p.Endpoint != "" {
			endpoint = p.Endpoint
		}
		handshake := "never"
		if p.LastHandshake != nil {
			handshake = formatDuration(time.Since(*p.LastHandshake)) + " ago"
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\t%s\n",
			p.Name, p.IPv4, p.Enabled, endpoint,
			formatBytes(p.ReceiveBytes), formatBytes(p.TransmitBytes), handshake)
	}
	w.Flush()

	return nil
}
