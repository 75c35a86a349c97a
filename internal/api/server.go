// Package api provides the HTTP API for managing peers and the interface.
// The daemon starts the server once the engine has synchronised the kernel,
// and the "wgpanel status" CLI command queries it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kuuji/wgpanel/internal/clientconf"
	"github.com/kuuji/wgpanel/internal/engine"
	"github.com/kuuji/wgpanel/internal/store"
)

const maxBodyBytes = 1 << 20

// Backend is the subset of *engine.Engine the API serves.
type Backend interface {
	ListPeers(ctx context.Context) ([]store.Peer, error)
	GetPeer(ctx context.Context, id string) (store.Peer, error)
	CreatePeer(ctx context.Context, req engine.CreatePeerRequest) (store.Peer, error)
	UpdatePeer(ctx context.Context, id string, upd store.PeerUpdate) (store.Peer, error)
	EnablePeer(ctx context.Context, id string) (store.Peer, error)
	DisablePeer(ctx context.Context, id string) (store.Peer, error)
	DeletePeer(ctx context.Context, id string) error
	UpdateInterface(ctx context.Context, upd engine.InterfaceUpdate) (store.Interface, error)
	Stats(ctx context.Context) ([]engine.PeerStatus, error)
	Status(ctx context.Context) (engine.Status, error)
}

// Peer is the API representation of a roster peer. Key material other than
// the public key is only handed out through the rendered client config.
type Peer struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	PublicKey string     `json:"public_key"`
	IPv4      netip.Addr `json:"ipv4"`
	IPv6      netip.Addr `json:"ipv6,omitzero"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Interface is the API representation of the managed interface. The
// private key is never exposed.
type Interface struct {
	Name         string       `json:"name"`
	PublicKey    string       `json:"public_key"`
	ListenPort   int          `json:"listen_port"`
	MTU          int          `json:"mtu,omitempty"`
	IPv4CIDR     netip.Prefix `json:"ipv4_cidr"`
	IPv4Address  netip.Addr   `json:"ipv4_address"`
	IPv6CIDR     netip.Prefix `json:"ipv6_cidr,omitzero"`
	IPv6Address  netip.Addr   `json:"ipv6_address,omitzero"`
	Outbound     string       `json:"outbound_interface,omitempty"`
	NATInstalled bool         `json:"nat_installed"`
	Peers        int          `json:"peers"`
	EnabledPeers int          `json:"enabled_peers"`
}

// CreatePeerRequest is the body of POST /api/client.
type CreatePeerRequest struct {
	Name      string     `json:"name"`
	PublicKey string     `json:"public_key,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// UpdatePeerRequest is the body of PUT /api/client/{id}. Absent fields are
// left unchanged.
type UpdatePeerRequest struct {
	Name        *string    `json:"name,omitempty"`
	Enabled     *bool      `json:"enabled,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ClearExpiry bool       `json:"clear_expiry,omitempty"`
}

// UpdateInterfaceRequest is the body of PUT /api/interface.
type UpdateInterfaceRequest struct {
	ListenPort *int    `json:"listen_port,omitempty"`
	IPv4CIDR   *string `json:"ipv4_cidr,omitempty"`
	IPv6CIDR   *string `json:"ipv6_cidr,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server is the HTTP API server.
type Server struct {
	addr     string
	backend  Backend
	params   clientconf.Params
	log      *slog.Logger
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	handler  http.Handler

	listener   net.Listener
	httpServer *http.Server
}

// NewServer creates an API server that will listen on addr.
func NewServer(addr string, backend Backend, params clientconf.Params, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:     addr,
		backend:  backend,
		params:   params,
		log:      logger.With("component", "api"),
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wgpanel_http_requests_total",
				Help: "Total number of HTTP API requests",
			},
			[]string{"method", "route", "status"},
		),
	}
	s.registry.MustRegister(s.requests, newPeerCollector(backend, s.log))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/client", s.handleListPeers)
	mux.HandleFunc("POST /api/client", s.handleCreatePeer)
	mux.HandleFunc("GET /api/client/{id}", s.handleGetPeer)
	mux.HandleFunc("PUT /api/client/{id}", s.handleUpdatePeer)
	mux.HandleFunc("DELETE /api/client/{id}", s.handleDeletePeer)
	mux.HandleFunc("PUT /api/client/{id}/enable", s.handleEnablePeer)
	mux.HandleFunc("PUT /api/client/{id}/disable", s.handleDisablePeer)
	mux.HandleFunc("GET /api/client/{id}/configuration", s.handleConfiguration)
	mux.HandleFunc("GET /api/client/{id}/qrcode.png", s.handleQRCode)
	mux.HandleFunc("GET /api/interface", s.handleGetInterface)
	mux.HandleFunc("PUT /api/interface", s.handleUpdateInterface)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	s.handler = s.instrument(mux)

	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening and serving HTTP requests. It returns immediately;
// the server runs in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.listener = ln
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server error", "error", err)
		}
	}()

	s.log.Info("api server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started, or the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warn("api server shutdown", "error", err)
	}
	s.httpServer = nil
	s.log.Info("api server stopped")
	return nil
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.backend.ListPeers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerFromStore(p))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreatePeer(w http.ResponseWriter, r *http.Request) {
	var req CreatePeerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	peer, err := s.backend.CreatePeer(r.Context(), engine.CreatePeerRequest{
		Name:      req.Name,
		PublicKey: req.PublicKey,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, peerFromStore(peer))
}

func (s *Server) handleGetPeer(w http.ResponseWriter, r *http.Request) {
	peer, err := s.backend.GetPeer(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, peerFromStore(peer))
}

func (s *Server) handleUpdatePeer(w http.ResponseWriter, r *http.Request) {
	var req UpdatePeerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	peer, err := s.backend.UpdatePeer(r.Context(), r.PathValue("id"), store.PeerUpdate{
		Name:        req.Name,
		Enabled:     req.Enabled,
		ExpiresAt:   req.ExpiresAt,
		ClearExpiry: req.ClearExpiry,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, peerFromStore(peer))
}

func (s *Server) handleDeletePeer(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.DeletePeer(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnablePeer(w http.ResponseWriter, r *http.Request) {
	if _, err := s.backend.EnablePeer(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisablePeer(w http.ResponseWriter, r *http.Request) {
	if _, err := s.backend.DisablePeer(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConfiguration(w http.ResponseWriter, r *http.Request) {
	peer, conf, err := s.renderConfig(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", clientconf.FileName(peer)))
	if _, err := io.WriteString(w, conf); err != nil {
		s.log.Debug("writing client config", "error", err)
	}
}

func (s *Server) handleQRCode(w http.ResponseWriter, r *http.Request) {
	_, conf, err := s.renderConfig(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	png, err := clientconf.QRCode(conf, clientconf.DefaultQRSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := w.Write(png); err != nil {
		s.log.Debug("writing qr code", "error", err)
	}
}

func (s *Server) renderConfig(ctx context.Context, id string) (store.Peer, string, error) {
	peer, err := s.backend.GetPeer(ctx, id)
	if err != nil {
		return store.Peer{}, "", err
	}
	st, err := s.backend.Status(ctx)
	if err != nil {
		return store.Peer{}, "", err
	}
	conf, err := clientconf.Render(s.params, st.Interface, peer)
	if err != nil {
		return store.Peer{}, "", err
	}
	return peer, conf, nil
}

func (s *Server) handleGetInterface(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, interfaceFromStatus(st))
}

func (s *Server) handleUpdateInterface(w http.ResponseWriter, r *http.Request) {
	var req UpdateInterfaceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	upd := engine.InterfaceUpdate{ListenPort: req.ListenPort}
	var err error
	if upd.IPv4CIDR, err = parsePrefix("ipv4_cidr", req.IPv4CIDR); err != nil {
		s.writeError(w, r, err)
		return
	}
	if upd.IPv6CIDR, err = parsePrefix("ipv6_cidr", req.IPv6CIDR); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.backend.UpdateInterface(r.Context(), upd); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.backend.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, interfaceFromStatus(st))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.backend.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if stats == nil {
		stats = []engine.PeerStatus{}
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response", "error", err)
	}
}

// writeError maps engine errors onto HTTP statuses. Anything unclassified is
// a 500 whose cause is logged but not returned to the caller.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := http.StatusInternalServerError, "internal server error"
	switch {
	case errors.Is(err, engine.ErrValidation):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, engine.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, engine.ErrPoolExhausted), errors.Is(err, engine.ErrConflict):
		status, msg = http.StatusConflict, err.Error()
	default:
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decoding body: %v", engine.ErrValidation, err)
	}
	return nil
}

func parsePrefix(field string, s *string) (*netip.Prefix, error) {
	if s == nil {
		return nil, nil
	}
	p, err := netip.ParsePrefix(*s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", engine.ErrValidation, field, err)
	}
	return &p, nil
}

func peerFromStore(p store.Peer) Peer {
	return Peer{
		ID:        p.ID,
		Name:      p.Name,
		PublicKey: p.PublicKey.String(),
		IPv4:      p.IPv4,
		IPv6:      p.IPv6,
		Enabled:   p.Enabled,
		CreatedAt: p.CreatedAt,
		ExpiresAt: p.ExpiresAt,
	}
}

func interfaceFromStatus(st engine.Status) Interface {
	i := st.Interface
	return Interface{
		Name:         i.Name,
		PublicKey:    i.PublicKey.String(),
		ListenPort:   i.ListenPort,
		MTU:          i.MTU,
		IPv4CIDR:     i.IPv4CIDR,
		IPv4Address:  i.IPv4Address,
		IPv6CIDR:     i.IPv6CIDR,
		IPv6Address:  i.IPv6Address,
		Outbound:     st.Outbound,
		NATInstalled: st.NATInstalled,
		Peers:        st.Peers,
		EnabledPeers: st.EnabledPeers,
	}
}
