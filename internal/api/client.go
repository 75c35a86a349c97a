package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kuuji/wgpanel/internal/engine"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// FetchStats queries a running API server for per-peer transfer stats.
// This is used by the "wgpanel status" CLI command.
func FetchStats(addr string) ([]engine.PeerStatus, error) {
	var stats []engine.PeerStatus
	if err := getJSON(addr, "/api/stats", &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// FetchInterface queries a running API server for the interface summary.
func FetchInterface(addr string) (*Interface, error) {
	var iface Interface
	if err := getJSON(addr, "/api/interface", &iface); err != nil {
		return nil, err
	}
	return &iface, nil
}

func getJSON(addr, path string, v any) error {
	resp, err := httpClient.Get("http://" + addr + path)
	if err != nil {
		return fmt.Errorf("connecting to api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
