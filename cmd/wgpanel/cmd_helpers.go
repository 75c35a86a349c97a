package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/kuuji/wgpanel/internal/config"
)

// loadConfig loads the TOML config from the resolved path.
func loadConfig() (*config.Config, error) {
	cfgPath := resolvedConfigPath()
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", cfgPath, err)
	}
	return cfg, nil
}

// resolvedConfigPath returns the config file path, using the global flag
// if set, otherwise the default system path (/etc/wgpanel/config.toml).
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	return config.DefaultConfigPath
}

// promptString prompts the user for a string value. If the user enters
// nothing and a default is provided, the default is returned.
func promptString(scanner *bufio.Scanner, prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(os.Stderr, "%s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(os.Stderr, "%s: ", prompt)
	}

	if !scanner.Scan() {
		return defaultVal
	}

	val := strings.TrimSpace(scanner.Text())
	if val == "" {
		return defaultVal
	}
	return val
}

// promptYesNo prompts the user for a yes/no answer. Returns the default
// if the user enters nothing.
func promptYesNo(scanner *bufio.Scanner, prompt string, defaultYes bool) bool {
	suffix := " [y/N]: "
	if defaultYes {
		suffix = " [Y/n]: "
	}
	fmt.Fprintf(os.Stderr, "%s%s", prompt, suffix)

	if !scanner.Scan() {
		return defaultYes
	}

	val := strings.TrimSpace(strings.ToLower(scanner.Text()))
	switch val {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		return defaultYes
	}
}

// validateHost normalises the endpoint host clients will dial. Schemes and
// ports are rejected since the port comes from the interface record.
func validateHost(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	if host == "" {
		return "", fmt.Errorf("empty host")
	}
	if strings.Contains(host, "://") {
		return "", fmt.Errorf("%q must be a bare hostname or IP, not a URL", host)
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	if strings.ContainsAny(host, ":/ ") {
		return "", fmt.Errorf("%q is not a valid hostname", host)
	}
	return strings.ToLower(host), nil
}

// splitList splits a comma separated list, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// formatDuration formats a duration into a human-readable string like "2h15m" or "45s".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// formatBytes renders a byte count with a binary unit suffix.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
