package clientconf

import (
	"bytes"
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/kuuji/wgpanel/internal/config"
	"github.com/kuuji/wgpanel/internal/store"
)

func testFixture(t *testing.T) (store.Interface, store.Peer) {
	t.Helper()

	srvPriv, srvPub, err := config.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	peerPriv, peerPub, err := config.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	psk, err := config.GeneratePresharedKey()
	if err != nil {
		t.Fatalf("GeneratePresharedKey() error: %v", err)
	}

	iface := store.Interface{
		Name:        "wg0",
		PrivateKey:  srvPriv,
		PublicKey:   srvPub,
		ListenPort:  51820,
		IPv4CIDR:    netip.MustParsePrefix("10.8.0.0/24"),
		IPv4Address: netip.MustParseAddr("10.8.0.1"),
	}
	peer := store.Peer{
		ID:           "p1",
		Name:         "laptop",
		PublicKey:    peerPub,
		PrivateKey:   &peerPriv,
		PresharedKey: psk,
		IPv4:         netip.MustParseAddr("10.8.0.2"),
		Enabled:      true,
	}
	return iface, peer
}

func TestRender(t *testing.T) {
	t.Parallel()

	iface, peer := testFixture(t)
	params := Params{
		Host:                "vpn.example.com",
		DNS:                 []string{"1.1.1.1", "9.9.9.9"},
		AllowedIPs:          []string{"0.0.0.0/0", "::/0"},
		PersistentKeepalive: 25,
	}

	got, err := Render(params, iface, peer)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}

	want := "[Interface]\n" +
		"PrivateKey = " + peer.PrivateKey.String() + "\n" +
		"Address = 10.8.0.2/32\n" +
		"DNS = 1.1.1.1, 9.9.9.9\n" +
		"\n" +
		"[Peer]\n" +
		"PublicKey = " + iface.PublicKey.String() + "\n" +
		"PresharedKey = " + peer.PresharedKey.String() + "\n" +
		"AllowedIPs = 0.0.0.0/0, ::/0\n" +
		"Endpoint = vpn.example.com:51820\n" +
		"PersistentKeepalive = 25\n"
	if got != want {
		t.Errorf("Render() =\n%s\nwant:\n%s", got, want)
	}
}

func TestRender_optionalFields(t *testing.T) {
	t.Parallel()

	iface, peer := testFixture(t)
	iface.MTU = 1420
	peer.PrivateKey = nil
	peer.IPv6 = netip.MustParseAddr("fd00::2")

	got, err := Render(Params{Host: "2001:db8::1", AllowedIPs: []string{"10.8.0.0/24"}}, iface, peer)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}

	for _, line := range []string{
		"PrivateKey = " + PrivateKeyPlaceholder,
		"Address = 10.8.0.2/32, fd00::2/128",
		"MTU = 1420",
		"Endpoint = [2001:db8::1]:51820",
	} {
		if !strings.Contains(got, line+"\n") {
			t.Errorf("config missing %q:\n%s", line, got)
		}
	}
	for _, absent := range []string{"DNS =", "PersistentKeepalive"} {
		if strings.Contains(got, absent) {
			t.Errorf("config should not contain %q:\n%s", absent, got)
		}
	}
}

func TestRender_errors(t *testing.T) {
	t.Parallel()

	iface, peer := testFixture(t)

	if _, err := Render(Params{}, iface, peer); !errors.Is(err, ErrNoHost) {
		t.Errorf("Render() without host error = %v, want ErrNoHost", err)
	}

	peer.IPv4 = netip.Addr{}
	if _, err := Render(Params{Host: "vpn.example.com"}, iface, peer); err == nil {
		t.Error("Render() without peer address should fail")
	}
}

func TestQRCode(t *testing.T) {
	t.Parallel()

	iface, peer := testFixture(t)
	conf, err := Render(Params{Host: "vpn.example.com", AllowedIPs: []string{"0.0.0.0/0"}}, iface, peer)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}

	png, err := QRCode(conf, 0)
	if err != nil {
		t.Fatalf("QRCode() error: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG\r\n\x1a\n")) {
		t.Errorf("QRCode() did not return a PNG (first bytes %x)", png[:min(8, len(png))])
	}
}

func TestFileName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want string
	}{
		{"laptop", "laptop.conf"},
		{"Alice's phone", "Alices-phone.conf"},
		{"a.b_c-d", "a-b_c-d.conf"},
		{"a very long peer name indeed", "a-very-long-pee.conf"},
		{"ñ€", "wg0-client.conf"},
		{"", "wg0-client.conf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := FileName(store.Peer{Name: tt.name}); got != tt.want {
				t.Errorf("FileName(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestParamsFromConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.WireGuard.Host = "vpn.example.com"

	p := ParamsFromConfig(cfg.WireGuard)
	if p.Host != "vpn.example.com" || p.PersistentKeepalive != config.DefaultPersistentKeepalive {
		t.Errorf("ParamsFromConfig() = %+v", p)
	}
	if len(p.DNS) != 1 || p.DNS[0] != "1.1.1.1" {
		t.Errorf("DNS = %v, want default", p.DNS)
	}
}
