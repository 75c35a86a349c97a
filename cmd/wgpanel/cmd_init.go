package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kuuji/wgpanel/internal/config"
)

var (
	initHost           string
	initNonInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a new configuration file",
	Long: `Interactive setup wizard: asks for the public endpoint and the VPN
network and writes a config file with defaults for everything else.

The interface keypair is generated on the first 'wgpanel serve' and kept
in the roster database, not in the config file.

If a config file already exists at the target path, you will be
prompted before overwriting it. Use --yes with --host to skip prompts.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initHost, "host", "", "public hostname or IP clients connect to")
	initCmd.Flags().BoolVarP(&initNonInteractive, "yes", "y", false, "accept defaults without prompting")
}

func runInit(cmd *cobra.Command, args []string) error {
	cfgPath := resolvedConfigPath()
	scanner := bufio.NewScanner(os.Stdin)

	// Check for existing config.
	if _, err := os.Stat(cfgPath); err == nil && !initNonInteractive {
		fmt.Fprintf(os.Stderr, "Config file already exists: %s\n", cfgPath)
		if !promptYesNo(scanner, "Overwrite?", false) {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	cfg.WireGuard.Host = initHost

	if !initNonInteractive {
		cfg.WireGuard.Host = promptString(scanner, "Public hostname or IP of this server", cfg.WireGuard.Host)

		port := promptString(scanner, "WireGuard UDP port", strconv.Itoa(cfg.WireGuard.Port))
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", port, err)
		}
		cfg.WireGuard.Port = p

		cfg.WireGuard.DefaultCIDR = promptString(scanner, "VPN network (IPv4 CIDR)", cfg.WireGuard.DefaultCIDR)
		cfg.WireGuard.DefaultIPv6CIDR = promptString(scanner, "VPN network (IPv6 CIDR, empty to disable)", "")

		dns := promptString(scanner, "DNS servers for clients (comma separated)", strings.Join(cfg.WireGuard.DNS, ","))
		cfg.WireGuard.DNS = splitList(dns)

		cfg.Server.Listen = promptString(scanner, "HTTP API listen address", cfg.Server.Listen)
	}

	host, err := validateHost(cfg.WireGuard.Host)
	if err != nil {
		return fmt.Errorf("invalid host: %w", err)
	}
	cfg.WireGuard.Host = host

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := config.SaveConfig(cfgPath, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Fprintf(os.Stderr, "\nConfig written to %s\n", cfgPath)
	fmt.Fprintf(os.Stderr, "Endpoint:  %s:%d\n", cfg.WireGuard.Host, cfg.WireGuard.Port)
	fmt.Fprintf(os.Stderr, "Network:   %s\n", cfg.WireGuard.DefaultCIDR)
	fmt.Fprintf(os.Stderr, "API:       http://%s\n", cfg.Server.Listen)
	fmt.Fprintln(os.Stderr, "\nStart the server with: sudo wgpanel serve")

	return nil
}
