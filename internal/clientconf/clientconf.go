// Package clientconf renders wg-quick configuration files for peers and
// encodes them as QR codes for mobile clients.
package clientconf

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"text/template"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/kuuji/wgpanel/internal/config"
	"github.com/kuuji/wgpanel/internal/store"
)

// PrivateKeyPlaceholder is written when the peer supplied its own public key
// and the server never saw the private half.
const PrivateKeyPlaceholder = "[REPLACE_WITH_YOUR_PRIVATE_KEY]"

// DefaultQRSize is the PNG edge length in pixels.
const DefaultQRSize = 512

// ErrNoHost is returned when no public endpoint host is configured.
var ErrNoHost = errors.New("no endpoint host configured")

// Params are the server-wide values every client config shares.
type Params struct {
	Host                string
	DNS                 []string
	AllowedIPs          []string
	PersistentKeepalive int
	MTU                 int
}

// ParamsFromConfig extracts the client-facing settings from the daemon config.
func ParamsFromConfig(w config.WireGuardConfig) Params {
	return Params{
		Host:                w.Host,
		DNS:                 w.DNS,
		AllowedIPs:          w.AllowedIPs,
		PersistentKeepalive: w.PersistentKeepalive,
		MTU:                 w.MTU,
	}
}

var confTmpl = template.Must(template.New("client.conf").
	Funcs(template.FuncMap{"join": strings.Join}).
	Parse(`[Interface]
PrivateKey = {{ .PrivateKey }}
Address = {{ join .Addresses ", " }}
{{- if .DNS }}
DNS = {{ join .DNS ", " }}
{{- end }}
{{- if .MTU }}
MTU = {{ .MTU }}
{{- end }}

[Peer]
PublicKey = {{ .ServerPublicKey }}
PresharedKey = {{ .PresharedKey }}
AllowedIPs = {{ join .AllowedIPs ", " }}
Endpoint = {{ .Endpoint }}
{{- if .PersistentKeepalive }}
PersistentKeepalive = {{ .PersistentKeepalive }}
{{- end }}
`))

type confData struct {
	PrivateKey          string
	Addresses           []string
	DNS                 []string
	MTU                 int
	ServerPublicKey     string
	PresharedKey        string
	AllowedIPs          []string
	Endpoint            string
	PersistentKeepalive int
}

// Render produces the wg-quick config for peer connecting to iface.
func Render(p Params, iface store.Interface, peer store.Peer) (string, error) {
	if p.Host == "" {
		return "", ErrNoHost
	}
	if !peer.IPv4.IsValid() {
		return "", fmt.Errorf("peer %s has no address", peer.ID)
	}

	priv := PrivateKeyPlaceholder
	if peer.PrivateKey != nil {
		priv = peer.PrivateKey.String()
	}

	addrs := []string{netip.PrefixFrom(peer.IPv4, 32).String()}
	if peer.IPv6.IsValid() {
		addrs = append(addrs, netip.PrefixFrom(peer.IPv6, 128).String())
	}

	mtu := p.MTU
	if iface.MTU != 0 {
		mtu = iface.MTU
	}

	data := confData{
		PrivateKey:          priv,
		Addresses:           addrs,
		DNS:                 p.DNS,
		MTU:                 mtu,
		ServerPublicKey:     iface.PublicKey.String(),
		PresharedKey:        peer.PresharedKey.String(),
		AllowedIPs:          p.AllowedIPs,
		Endpoint:            net.JoinHostPort(p.Host, strconv.Itoa(iface.ListenPort)),
		PersistentKeepalive: p.PersistentKeepalive,
	}

	var buf bytes.Buffer
	if err := confTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering client config: %w", err)
	}
	return buf.String(), nil
}

// QRCode encodes a rendered config as a PNG. size <= 0 uses DefaultQRSize.
func QRCode(conf string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	png, err := qrcode.Encode(conf, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("generating QR code: %w", err)
	}
	return png, nil
}

// FileName is the download name for a peer's config. wg-quick derives the
// interface name from it, so it is kept short and filesystem safe.
func FileName(peer store.Peer) string {
	var b strings.Builder
	for _, r := range peer.Name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '.':
			b.WriteByte('-')
		}
		if b.Len() >= 15 {
			break
		}
	}
	if b.Len() == 0 {
		return "wg0-client.conf"
	}
	return b.String() + ".conf"
}
