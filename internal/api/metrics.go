package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kuuji/wgpanel/internal/engine"
)

const collectTimeout = 5 * time.Second

// statsSource is what the peer collector scrapes.
type statsSource interface {
	Stats(ctx context.Context) ([]engine.PeerStatus, error)
}

// peerCollector exports per-peer WireGuard counters at scrape time. The
// kernel owns the counters, so they are read fresh on every collection
// instead of being mirrored into metric vectors.
type peerCollector struct {
	src statsSource
	log *slog.Logger

	rxBytes   *prometheus.Desc
	txBytes   *prometheus.Desc
	handshake *prometheus.Desc
	enabled   *prometheus.Desc
	peers     *prometheus.Desc
}

func newPeerCollector(src statsSource, logger *slog.Logger) *peerCollector {
	labels := []string{"peer_id", "name"}
	return &peerCollector{
		src: src,
		log: logger,
		rxBytes: prometheus.NewDesc("wgpanel_peer_receive_bytes_total",
			"Bytes received from the peer", labels, nil),
		txBytes: prometheus.NewDesc("wgpanel_peer_transmit_bytes_total",
			"Bytes sent to the peer", labels, nil),
		handshake: prometheus.NewDesc("wgpanel_peer_last_handshake_seconds",
			"Unix time of the peer's latest handshake", labels, nil),
		enabled: prometheus.NewDesc("wgpanel_peer_enabled",
			"Whether the peer is enabled (1) or disabled (0)", labels, nil),
		peers: prometheus.NewDesc("wgpanel_peers",
			"Number of peers in the roster", []string{"state"}, nil),
	}
}

func (c *peerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rxBytes
	ch <- c.txBytes
	ch <- c.handshake
	ch <- c.enabled
	ch <- c.peers
}

func (c *peerCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	stats, err := c.src.Stats(ctx)
	if err != nil {
		c.log.Warn("collecting peer stats", "error", err)
		ch <- prometheus.NewInvalidMetric(c.peers, err)
		return
	}

	var enabled int
	for _, p := range stats {
		labels := []string{p.ID, p.Name}
		ch <- prometheus.MustNewConstMetric(c.rxBytes, prometheus.CounterValue, float64(p.ReceiveBytes), labels...)
		ch <- prometheus.MustNewConstMetric(c.txBytes, prometheus.CounterValue, float64(p.TransmitBytes), labels...)
		if p.LastHandshake != nil {
			ch <- prometheus.MustNewConstMetric(c.handshake, prometheus.GaugeValue, float64(p.LastHandshake.Unix()), labels...)
		}
		on := 0.0
		if p.Enabled {
			on = 1
			enabled++
		}
		ch <- prometheus.MustNewConstMetric(c.enabled, prometheus.GaugeValue, on, labels...)
	}
	ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(enabled), "enabled")
	ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(len(stats)-enabled), "disabled")
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests by method, matched route and status.
func (s *Server) instrument(next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			_, route = next.Handler(r)
		}
		if route == "" {
			route = "unmatched"
		}
		s.requests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
	})
}
