package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied to unset fields after decoding.
const (
	DefaultConfigPath          = "/etc/wgpanel/config.toml"
	DefaultListen              = "127.0.0.1:51821"
	DefaultDataPath            = "/etc/wgpanel/roster.db"
	DefaultInterface           = "wg0"
	DefaultPort                = 51820
	DefaultCIDR                = "10.8.0.0/24"
	DefaultPersistentKeepalive = 25
	DefaultExpiryCheckInterval = time.Minute
)

var (
	DefaultDNS        = []string{"1.1.1.1"}
	DefaultAllowedIPs = []string{"0.0.0.0/0"}
)

// Config is the top-level configuration for wgpanel.
// It is persisted as a TOML file at DefaultConfigPath.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	WireGuard WireGuardConfig `toml:"wireguard"`
	Engine    EngineConfig    `toml:"engine"`
}

// ServerConfig controls the HTTP API and the roster database location.
type ServerConfig struct {
	// Listen is the TCP address of the HTTP API. There is no authentication
	// layer, so the default binds to loopback only.
	Listen string `toml:"listen"`

	// DataPath is the roster database file.
	DataPath string `toml:"data_path"`
}

// WireGuardConfig describes the managed interface and the values handed to
// clients in their rendered configuration.
type WireGuardConfig struct {
	// Interface is the kernel link name (e.g. "wg0").
	Interface string `toml:"interface"`

	// Host is the public hostname or IP clients use as their endpoint.
	Host string `toml:"host"`

	// Port is the UDP listen port used when the interface record is seeded.
	Port int `toml:"port"`

	// MTU of the link. Zero keeps the kernel default.
	MTU int `toml:"mtu,omitempty"`

	// DefaultCIDR is the IPv4 network used when the interface record is seeded.
	DefaultCIDR string `toml:"default_cidr"`

	// DefaultIPv6CIDR optionally enables IPv6 addressing on first start.
	DefaultIPv6CIDR string `toml:"default_ipv6_cidr,omitempty"`

	// OutboundInterface is the interface NAT masquerades on. Empty means
	// detect it from the host's routes.
	OutboundInterface string `toml:"outbound_interface,omitempty"`

	// DNS servers written into client configs.
	DNS []string `toml:"dns"`

	// AllowedIPs written into client configs (what clients route through the tunnel).
	AllowedIPs []string `toml:"allowed_ips"`

	// PersistentKeepalive for client configs, in seconds.
	PersistentKeepalive int `toml:"persistent_keepalive"`

	// Shell hooks. Running shell commands is unsupported; any hook that is
	// set is reported at warn level on startup and otherwise ignored.
	PreUp    string `toml:"pre_up,omitempty"`
	PostUp   string `toml:"post_up,omitempty"`
	PreDown  string `toml:"pre_down,omitempty"`
	PostDown string `toml:"post_down,omitempty"`
}

// EngineConfig tunes background work of the peer engine.
type EngineConfig struct {
	// ExpiryCheckInterval is how often peers past their expiry are disabled.
	ExpiryCheckInterval time.Duration `toml:"expiry_check_interval"`
}

// Hook is a configured shell hook.
type Hook struct {
	Name    string
	Command string
}

// Hooks returns the shell hooks that are set, in lifecycle order.
func (w WireGuardConfig) Hooks() []Hook {
	var hooks []Hook
	for _, h := range []Hook{
		{Name: "pre_up", Command: w.PreUp},
		{Name: "post_up", Command: w.PostUp},
		{Name: "pre_down", Command: w.PreDown},
		{Name: "post_down", Command: w.PostDown},
	} {
		if h.Command != "" {
			hooks = append(hooks, h)
		}
	}
	return hooks
}

// DefaultConfig returns a Config populated with defaults. Host is left empty
// and must be filled in by the operator or by `wgpanel init`.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig reads and decodes a TOML config file from the given path.
// If the file does not exist, it returns an error wrapping fs.ErrNotExist.
// After loading, defaults are applied for any unset optional fields.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig encodes the config as TOML and writes it to the given path.
// Parent directories are created if they don't exist.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating config file %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

// Validate checks the fields that have no sensible default.
func (c *Config) Validate() error {
	if c.WireGuard.Host == "" {
		return errors.New("wireguard.host is required")
	}
	if c.WireGuard.Interface == "" || len(c.WireGuard.Interface) > 15 {
		return fmt.Errorf("wireguard.interface %q must be 1-15 characters", c.WireGuard.Interface)
	}
	if c.WireGuard.Port < 1 || c.WireGuard.Port > 65535 {
		return fmt.Errorf("wireguard.port %d out of range", c.WireGuard.Port)
	}
	p, err := netip.ParsePrefix(c.WireGuard.DefaultCIDR)
	if err != nil {
		return fmt.Errorf("wireguard.default_cidr: %w", err)
	}
	if !p.Addr().Is4() {
		return fmt.Errorf("wireguard.default_cidr %s is not IPv4", p)
	}
	if c.WireGuard.DefaultIPv6CIDR != "" {
		p6, err := netip.ParsePrefix(c.WireGuard.DefaultIPv6CIDR)
		if err != nil {
			return fmt.Errorf("wireguard.default_ipv6_cidr: %w", err)
		}
		if !p6.Addr().Is6() {
			return fmt.Errorf("wireguard.default_ipv6_cidr %s is not IPv6", p6)
		}
	}
	if c.WireGuard.MTU < 0 {
		return fmt.Errorf("wireguard.mtu %d is negative", c.WireGuard.MTU)
	}
	return nil
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}
	if cfg.Server.DataPath == "" {
		cfg.Server.DataPath = DefaultDataPath
	}
	if cfg.WireGuard.Interface == "" {
		cfg.WireGuard.Interface = DefaultInterface
	}
	if cfg.WireGuard.Port == 0 {
		cfg.WireGuard.Port = DefaultPort
	}
	if cfg.WireGuard.DefaultCIDR == "" {
		cfg.WireGuard.DefaultCIDR = DefaultCIDR
	}
	if len(cfg.WireGuard.DNS) == 0 {
		cfg.WireGuard.DNS = append([]string(nil), DefaultDNS...)
	}
	if len(cfg.WireGuard.AllowedIPs) == 0 {
		cfg.WireGuard.AllowedIPs = append([]string(nil), DefaultAllowedIPs...)
	}
	if cfg.WireGuard.PersistentKeepalive == 0 {
		cfg.WireGuard.PersistentKeepalive = DefaultPersistentKeepalive
	}
	if cfg.Engine.ExpiryCheckInterval <= 0 {
		cfg.Engine.ExpiryCheckInterval = DefaultExpiryCheckInterval
	}
}
